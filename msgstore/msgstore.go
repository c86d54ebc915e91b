// Package msgstore assembles the persistent message store from its two
// backends: the authoritative object store, which owns every record and
// index, and the derivative batch info cache, which serves counters, status
// histograms and recency listings without touching the authoritative store.
//
// The store is split into three roles sharing those backends. BatchManager
// owns the batch lifecycle and cache reconciliation, OperationalMessageStore
// is the write path used while messages transit the system, and
// QueryMessageStore serves read-only queries. MessageStore bundles all three
// for callers that need the full surface.
//
// Every write lands in the authoritative store before any cache fan-out, so
// the cache can always be rebuilt from what was durably written.
package msgstore

import (
	"msgstore.evalgo.org/backend"
	"msgstore.evalgo.org/cache"
	"msgstore.evalgo.org/common"
	"msgstore.evalgo.org/objstore"
)

// MessageStore bundles the three message store roles over a shared pair of
// backends.
type MessageStore struct {
	Batches     *BatchManager
	Operational *OperationalMessageStore
	Query       *QueryMessageStore
}

// NewMessageStore builds the full message store on top of an object store and
// a batch info cache.
func NewMessageStore(store objstore.Store, infoCache *cache.BatchInfoCache) *MessageStore {
	storeBackend := backend.NewMessageStoreBackend(store)
	common.ServiceLogger("msgstore").Debug("Message store assembled")
	return &MessageStore{
		Batches:     NewBatchManager(storeBackend, infoCache),
		Operational: NewOperationalMessageStore(storeBackend, infoCache),
		Query:       NewQueryMessageStore(storeBackend, infoCache),
	}
}
