package msgstore

import (
	"context"
	"fmt"

	"msgstore.evalgo.org/backend"
	"msgstore.evalgo.org/cache"
	"msgstore.evalgo.org/records"
)

// BatchManager manages the batch lifecycle: starting and closing batches, tag
// bookkeeping, and reconciliation of the batch info cache.
type BatchManager struct {
	backend *backend.MessageStoreBackend
	cache   *cache.BatchInfoCache
}

// NewBatchManager returns a batch manager over the given backends.
func NewBatchManager(storeBackend *backend.MessageStoreBackend, infoCache *cache.BatchInfoCache) *BatchManager {
	return &BatchManager{backend: storeBackend, cache: infoCache}
}

// BatchStart creates a new batch, points each tag's CurrentTag record at it
// and seeds the batch's info cache. The authoritative write completes before
// the cache is touched.
func (m *BatchManager) BatchStart(ctx context.Context, tags []records.Tag, metadata map[string]string) (string, error) {
	batchID, err := m.backend.BatchStart(ctx, tags, metadata)
	if err != nil {
		return "", err
	}
	if err := m.cache.BatchStart(ctx, batchID); err != nil {
		return "", fmt.Errorf("failed to seed batch info for %s: %w", batchID, err)
	}
	return batchID, nil
}

// BatchDone clears the CurrentTag back-references to a batch. The batch
// record, its messages and its cache entries are all preserved; stale batch
// info is repaired by an explicit rebuild, not by closing the batch.
func (m *BatchManager) BatchDone(ctx context.Context, batchID string) error {
	return m.backend.BatchDone(ctx, batchID)
}

// GetBatch returns the batch record, or nil when the batch is unknown.
func (m *BatchManager) GetBatch(ctx context.Context, batchID string) (*records.Batch, error) {
	return m.backend.GetBatch(ctx, batchID)
}

// GetTagInfo returns the CurrentTag record for a tag. An unknown tag yields a
// fresh unpersisted record with no current batch.
func (m *BatchManager) GetTagInfo(ctx context.Context, tag records.Tag) (*records.CurrentTag, error) {
	return m.backend.GetTagInfo(ctx, tag)
}
