// Package backend implements the authoritative message store operations on
// top of the object store: batch lifecycle, current tag tracking, message
// and event writes with recomputed index terms, and the paginated listings
// the query side is built from.
package backend

import (
	"context"
	"errors"
	"fmt"

	"msgstore.evalgo.org/objstore"
	"msgstore.evalgo.org/records"
)

// DefaultMaxResults is the page size listings fall back to when the caller
// does not pick one.
const DefaultMaxResults = 1000

// MessageStoreBackend runs every operation that touches the authoritative
// store. Higher-level message store objects route all persistent state
// through here; none of them talk to the object store directly.
type MessageStoreBackend struct {
	store objstore.Store
}

// NewMessageStoreBackend wraps an object store in the authoritative backend.
func NewMessageStoreBackend(store objstore.Store) *MessageStoreBackend {
	return &MessageStoreBackend{store: store}
}

// BatchStart creates a new batch with the given tags and metadata and points
// the CurrentTag record of every tag at it. Returns the new batch id.
func (b *MessageStoreBackend) BatchStart(ctx context.Context, tags []records.Tag, metadata map[string]string) (string, error) {
	batch := records.NewBatch(tags, metadata)
	obj, err := batch.Encode()
	if err != nil {
		return "", err
	}
	if err := b.store.Put(ctx, records.BatchBucket, obj); err != nil {
		return "", fmt.Errorf("failed to store batch %s: %w", batch.ID, err)
	}
	for _, tag := range tags {
		info, err := b.GetTagInfo(ctx, tag)
		if err != nil {
			return "", err
		}
		info.CurrentBatch = batch.ID
		tagObj, err := info.Encode()
		if err != nil {
			return "", err
		}
		if err := b.store.Put(ctx, records.CurrentTagBucket, tagObj); err != nil {
			return "", fmt.Errorf("failed to store current tag %s: %w", tag, err)
		}
	}
	return batch.ID, nil
}

// BatchDone closes a batch by releasing every tag still pointing at it. The
// batch record itself and its message associations stay untouched; tags that
// have moved on to another batch are left alone.
func (b *MessageStoreBackend) BatchDone(ctx context.Context, batchID string) error {
	// Collect the full tag set before touching any record, so clearing
	// index entries cannot disturb the scan.
	page, err := b.store.RangePage(ctx, records.CurrentTagBucket, objstore.RangeQuery{
		Index:      records.IndexCurrentBatch,
		Start:      batchID,
		MaxResults: DefaultMaxResults,
	})
	if err != nil {
		return fmt.Errorf("failed to find tags for batch %s: %w", batchID, err)
	}
	var tagKeys []string
	for page != nil {
		tagKeys = append(tagKeys, page.Keys()...)
		if page, err = page.NextPage(ctx); err != nil {
			return fmt.Errorf("failed to find tags for batch %s: %w", batchID, err)
		}
	}
	for _, key := range tagKeys {
		obj, err := b.store.Get(ctx, records.CurrentTagBucket, key)
		if errors.Is(err, objstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		info, err := records.DecodeCurrentTag(obj)
		if err != nil {
			return err
		}
		if info.CurrentBatch != batchID {
			// The tag was reassigned since the scan.
			continue
		}
		info.CurrentBatch = ""
		cleared, err := info.Encode()
		if err != nil {
			return err
		}
		if err := b.store.Put(ctx, records.CurrentTagBucket, cleared); err != nil {
			return fmt.Errorf("failed to release tag %s: %w", info.Tag, err)
		}
	}
	return nil
}

// GetBatch returns the batch record, or nil when no such batch exists.
func (b *MessageStoreBackend) GetBatch(ctx context.Context, batchID string) (*records.Batch, error) {
	obj, err := b.store.Get(ctx, records.BatchBucket, batchID)
	if errors.Is(err, objstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return records.DecodeBatch(obj)
}

// GetTagInfo returns the CurrentTag record for a tag. An unknown tag yields
// a fresh record with no current batch; the record is not persisted until a
// batch claims the tag.
func (b *MessageStoreBackend) GetTagInfo(ctx context.Context, tag records.Tag) (*records.CurrentTag, error) {
	obj, err := b.store.Get(ctx, records.CurrentTagBucket, tag.String())
	if errors.Is(err, objstore.ErrNotFound) {
		return records.NewCurrentTag(tag), nil
	}
	if err != nil {
		return nil, err
	}
	return records.DecodeCurrentTag(obj)
}

// AddInboundMessage stores a received message and associates it with the
// given batches. Re-adding a known message replaces its envelope and grows
// the association set; index terms are recomputed from scratch either way.
func (b *MessageStoreBackend) AddInboundMessage(ctx context.Context, msg *records.TransportMessage, batchIDs ...string) error {
	record, err := b.GetRawInboundMessage(ctx, msg.MessageID)
	if err != nil {
		return err
	}
	if record == nil {
		record = records.NewInboundMessage(msg)
	} else {
		record.Msg = msg
	}
	for _, batchID := range batchIDs {
		record.AddBatch(batchID)
	}
	obj, err := record.Encode()
	if err != nil {
		return err
	}
	if err := b.store.Put(ctx, records.InboundBucket, obj); err != nil {
		return fmt.Errorf("failed to store inbound message %s: %w", msg.MessageID, err)
	}
	return nil
}

// GetRawInboundMessage returns the stored inbound record, or nil when the
// message is unknown.
func (b *MessageStoreBackend) GetRawInboundMessage(ctx context.Context, messageID string) (*records.InboundMessage, error) {
	obj, err := b.store.Get(ctx, records.InboundBucket, messageID)
	if errors.Is(err, objstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return records.DecodeInboundMessage(obj)
}

// GetInboundMessage returns the stored inbound envelope, or nil when the
// message is unknown.
func (b *MessageStoreBackend) GetInboundMessage(ctx context.Context, messageID string) (*records.TransportMessage, error) {
	record, err := b.GetRawInboundMessage(ctx, messageID)
	if err != nil || record == nil {
		return nil, err
	}
	return record.Msg, nil
}

// AddOutboundMessage stores a sent message and associates it with the given
// batches. Semantics match AddInboundMessage.
func (b *MessageStoreBackend) AddOutboundMessage(ctx context.Context, msg *records.TransportMessage, batchIDs ...string) error {
	record, err := b.GetRawOutboundMessage(ctx, msg.MessageID)
	if err != nil {
		return err
	}
	if record == nil {
		record = records.NewOutboundMessage(msg)
	} else {
		record.Msg = msg
	}
	for _, batchID := range batchIDs {
		record.AddBatch(batchID)
	}
	obj, err := record.Encode()
	if err != nil {
		return err
	}
	if err := b.store.Put(ctx, records.OutboundBucket, obj); err != nil {
		return fmt.Errorf("failed to store outbound message %s: %w", msg.MessageID, err)
	}
	return nil
}

// GetRawOutboundMessage returns the stored outbound record, or nil when the
// message is unknown.
func (b *MessageStoreBackend) GetRawOutboundMessage(ctx context.Context, messageID string) (*records.OutboundMessage, error) {
	obj, err := b.store.Get(ctx, records.OutboundBucket, messageID)
	if errors.Is(err, objstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return records.DecodeOutboundMessage(obj)
}

// GetOutboundMessage returns the stored outbound envelope, or nil when the
// message is unknown.
func (b *MessageStoreBackend) GetOutboundMessage(ctx context.Context, messageID string) (*records.TransportMessage, error) {
	record, err := b.GetRawOutboundMessage(ctx, messageID)
	if err != nil || record == nil {
		return nil, err
	}
	return record.Msg, nil
}

// AddEvent stores a delivery lifecycle event. The owning message reference
// comes from the envelope's user_message_id; re-adding a known event
// replaces the envelope and keeps the reference.
func (b *MessageStoreBackend) AddEvent(ctx context.Context, event *records.TransportEvent) error {
	record, err := b.GetRawEvent(ctx, event.EventID)
	if err != nil {
		return err
	}
	if record == nil {
		record = records.NewEvent(event)
	} else {
		record.Event = event
	}
	obj, err := record.Encode()
	if err != nil {
		return err
	}
	if err := b.store.Put(ctx, records.EventBucket, obj); err != nil {
		return fmt.Errorf("failed to store event %s: %w", event.EventID, err)
	}
	return nil
}

// GetRawEvent returns the stored event record, or nil when the event is
// unknown.
func (b *MessageStoreBackend) GetRawEvent(ctx context.Context, eventID string) (*records.Event, error) {
	obj, err := b.store.Get(ctx, records.EventBucket, eventID)
	if errors.Is(err, objstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return records.DecodeEvent(obj)
}

// GetEvent returns the stored event envelope, or nil when the event is
// unknown.
func (b *MessageStoreBackend) GetEvent(ctx context.Context, eventID string) (*records.TransportEvent, error) {
	record, err := b.GetRawEvent(ctx, eventID)
	if err != nil || record == nil {
		return nil, err
	}
	return record.Event, nil
}
