package msgstore

import (
	"context"

	"msgstore.evalgo.org/backend"
	"msgstore.evalgo.org/cache"
	"msgstore.evalgo.org/objstore"
	"msgstore.evalgo.org/records"
)

// QueryMessageStore is the read-only role: single-record getters and
// paginated listings served from the authoritative store, plus counter,
// status and recency reads served from the batch info cache. Cache-backed
// reads may briefly trail the authoritative store.
type QueryMessageStore struct {
	backend *backend.MessageStoreBackend
	cache   *cache.BatchInfoCache
}

// NewQueryMessageStore returns a query store over the given backends.
func NewQueryMessageStore(storeBackend *backend.MessageStoreBackend, infoCache *cache.BatchInfoCache) *QueryMessageStore {
	return &QueryMessageStore{backend: storeBackend, cache: infoCache}
}

// GetInboundMessage returns the inbound message envelope, or nil when the
// message is unknown.
func (s *QueryMessageStore) GetInboundMessage(ctx context.Context, messageID string) (*records.TransportMessage, error) {
	return s.backend.GetInboundMessage(ctx, messageID)
}

// GetOutboundMessage returns the outbound message envelope, or nil when the
// message is unknown.
func (s *QueryMessageStore) GetOutboundMessage(ctx context.Context, messageID string) (*records.TransportMessage, error) {
	return s.backend.GetOutboundMessage(ctx, messageID)
}

// GetEvent returns the event envelope, or nil when the event is unknown.
func (s *QueryMessageStore) GetEvent(ctx context.Context, eventID string) (*records.TransportEvent, error) {
	return s.backend.GetEvent(ctx, eventID)
}

// ListBatchInboundKeys pages through the inbound message keys of a batch in
// ascending key order.
func (s *QueryMessageStore) ListBatchInboundKeys(ctx context.Context, batchID string, maxResults int) (*objstore.Page, error) {
	return s.backend.ListBatchInboundKeys(ctx, batchID, maxResults)
}

// ListBatchOutboundKeys pages through the outbound message keys of a batch in
// ascending key order.
func (s *QueryMessageStore) ListBatchOutboundKeys(ctx context.Context, batchID string, maxResults int) (*objstore.Page, error) {
	return s.backend.ListBatchOutboundKeys(ctx, batchID, maxResults)
}

// ListMessageEventKeys pages through the event keys of an outbound message in
// ascending key order.
func (s *QueryMessageStore) ListMessageEventKeys(ctx context.Context, messageID string, maxResults int) (*objstore.Page, error) {
	return s.backend.ListMessageEventKeys(ctx, messageID, maxResults)
}

// ListBatchInboundKeysWithTimestamps pages through a batch's inbound messages
// in ascending timestamp order, optionally bounded to a timestamp range.
func (s *QueryMessageStore) ListBatchInboundKeysWithTimestamps(ctx context.Context, batchID string, opts backend.ListOptions) (*backend.ItemPage[backend.KeyWithTimestamp], error) {
	return s.backend.ListBatchInboundKeysWithTimestamps(ctx, batchID, opts)
}

// ListBatchOutboundKeysWithTimestamps pages through a batch's outbound
// messages in ascending timestamp order, optionally bounded to a timestamp
// range.
func (s *QueryMessageStore) ListBatchOutboundKeysWithTimestamps(ctx context.Context, batchID string, opts backend.ListOptions) (*backend.ItemPage[backend.KeyWithTimestamp], error) {
	return s.backend.ListBatchOutboundKeysWithTimestamps(ctx, batchID, opts)
}

// ListBatchInboundKeysWithAddresses pages through a batch's inbound messages
// with their timestamps and sender addresses.
func (s *QueryMessageStore) ListBatchInboundKeysWithAddresses(ctx context.Context, batchID string, opts backend.ListOptions) (*backend.ItemPage[backend.KeyWithAddress], error) {
	return s.backend.ListBatchInboundKeysWithAddresses(ctx, batchID, opts)
}

// ListBatchOutboundKeysWithAddresses pages through a batch's outbound
// messages with their timestamps and recipient addresses.
func (s *QueryMessageStore) ListBatchOutboundKeysWithAddresses(ctx context.Context, batchID string, opts backend.ListOptions) (*backend.ItemPage[backend.KeyWithAddress], error) {
	return s.backend.ListBatchOutboundKeysWithAddresses(ctx, batchID, opts)
}

// ListMessageEventKeysWithStatuses pages through an outbound message's events
// with their timestamps and status encodings.
func (s *QueryMessageStore) ListMessageEventKeysWithStatuses(ctx context.Context, messageID string, opts backend.ListOptions) (*backend.ItemPage[backend.KeyWithStatus], error) {
	return s.backend.ListMessageEventKeysWithStatuses(ctx, messageID, opts)
}

// GetBatchInboundCount returns the cached count of distinct inbound messages
// in a batch.
func (s *QueryMessageStore) GetBatchInboundCount(ctx context.Context, batchID string) (int64, error) {
	return s.cache.GetInboundMessageCount(ctx, batchID)
}

// GetBatchOutboundCount returns the cached count of distinct outbound
// messages in a batch.
func (s *QueryMessageStore) GetBatchOutboundCount(ctx context.Context, batchID string) (int64, error) {
	return s.cache.GetOutboundMessageCount(ctx, batchID)
}

// GetBatchEventCount returns the cached count of distinct events in a batch.
func (s *QueryMessageStore) GetBatchEventCount(ctx context.Context, batchID string) (int64, error) {
	return s.cache.GetEventCount(ctx, batchID)
}

// GetBatchStatus returns the batch's cached status histogram.
func (s *QueryMessageStore) GetBatchStatus(ctx context.Context, batchID string) (map[string]int64, error) {
	return s.cache.GetBatchStatus(ctx, batchID)
}

// ListRecentInboundMessageKeys returns the most recent inbound message keys
// of a batch, newest first, bounded by the cache's recency cap.
func (s *QueryMessageStore) ListRecentInboundMessageKeys(ctx context.Context, batchID string) ([]string, error) {
	return s.cache.ListInboundMessageKeys(ctx, batchID)
}

// ListRecentOutboundMessageKeys returns the most recent outbound message keys
// of a batch, newest first, bounded by the cache's recency cap.
func (s *QueryMessageStore) ListRecentOutboundMessageKeys(ctx context.Context, batchID string) ([]string, error) {
	return s.cache.ListOutboundMessageKeys(ctx, batchID)
}

// ListRecentEventKeys returns the most recent event keys of a batch, newest
// first, bounded by the cache's recency cap.
func (s *QueryMessageStore) ListRecentEventKeys(ctx context.Context, batchID string) ([]string, error) {
	return s.cache.ListEventKeys(ctx, batchID)
}
