package msgstore

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"msgstore.evalgo.org/backend"
	"msgstore.evalgo.org/cache"
	"msgstore.evalgo.org/common"
	"msgstore.evalgo.org/records"
)

// OperationalMessageStore is the write path used while messages transit the
// system: adds with per-batch cache fan-out, plus single-record reads.
type OperationalMessageStore struct {
	backend *backend.MessageStoreBackend
	cache   *cache.BatchInfoCache
}

// NewOperationalMessageStore returns an operational store over the given
// backends.
func NewOperationalMessageStore(storeBackend *backend.MessageStoreBackend, infoCache *cache.BatchInfoCache) *OperationalMessageStore {
	return &OperationalMessageStore{backend: storeBackend, cache: infoCache}
}

// AddInboundMessage stores an inbound message and updates the batch info of
// every batch it was added to. The authoritative write completes first; a
// cache failure is logged and returned, and the whole operation is safe to
// retry.
func (s *OperationalMessageStore) AddInboundMessage(ctx context.Context, msg *records.TransportMessage, batchIDs ...string) error {
	if err := s.backend.AddInboundMessage(ctx, msg, batchIDs...); err != nil {
		return err
	}
	for _, batchID := range batchIDs {
		if err := s.cache.AddInboundMessage(ctx, batchID, msg); err != nil {
			return s.fanOutFailed(err, batchID, "message_id", msg.MessageID)
		}
	}
	return nil
}

// GetInboundMessage returns the inbound message envelope, or nil when the
// message is unknown.
func (s *OperationalMessageStore) GetInboundMessage(ctx context.Context, messageID string) (*records.TransportMessage, error) {
	return s.backend.GetInboundMessage(ctx, messageID)
}

// AddOutboundMessage stores an outbound message and updates the batch info of
// every batch it was added to, including the sent status count.
func (s *OperationalMessageStore) AddOutboundMessage(ctx context.Context, msg *records.TransportMessage, batchIDs ...string) error {
	if err := s.backend.AddOutboundMessage(ctx, msg, batchIDs...); err != nil {
		return err
	}
	for _, batchID := range batchIDs {
		if err := s.cache.AddOutboundMessage(ctx, batchID, msg); err != nil {
			return s.fanOutFailed(err, batchID, "message_id", msg.MessageID)
		}
	}
	return nil
}

// GetOutboundMessage returns the outbound message envelope, or nil when the
// message is unknown.
func (s *OperationalMessageStore) GetOutboundMessage(ctx context.Context, messageID string) (*records.TransportMessage, error) {
	return s.backend.GetOutboundMessage(ctx, messageID)
}

// AddEvent stores a delivery event and updates the batch info of every batch
// the owning outbound message belongs to. An event whose message is unknown
// is stored without any cache fan-out.
func (s *OperationalMessageStore) AddEvent(ctx context.Context, event *records.TransportEvent) error {
	if err := s.backend.AddEvent(ctx, event); err != nil {
		return err
	}
	record, err := s.backend.GetRawOutboundMessage(ctx, event.UserMessageID)
	if err != nil {
		return err
	}
	if record == nil {
		return nil
	}
	for _, batchID := range record.Batches {
		if err := s.cache.AddEvent(ctx, batchID, event); err != nil {
			return s.fanOutFailed(err, batchID, "event_id", event.EventID)
		}
	}
	return nil
}

// GetEvent returns the event envelope, or nil when the event is unknown.
func (s *OperationalMessageStore) GetEvent(ctx context.Context, eventID string) (*records.TransportEvent, error) {
	return s.backend.GetEvent(ctx, eventID)
}

// fanOutFailed records a cache update failure after a successful
// authoritative write. The record is durable at this point, so the error is
// surfaced for retry while operators get a trace of the stale batch info.
func (s *OperationalMessageStore) fanOutFailed(err error, batchID, idField, id string) error {
	common.Logger.WithError(err).WithFields(logrus.Fields{
		"batch_id": batchID,
		idField:    id,
	}).Error("Batch info update failed after authoritative write")
	return fmt.Errorf("failed to update batch info for %s: %w", batchID, err)
}
