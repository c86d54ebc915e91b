package records

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"msgstore.evalgo.org/objstore"
)

// Bucket names of the five record types in the authoritative store.
const (
	BatchBucket      = "batch"
	CurrentTagBucket = "current_tag"
	InboundBucket    = "inbound_message"
	OutboundBucket   = "outbound_message"
	EventBucket      = "event"
)

// Current schema versions. Stored documents carry their version in the
// $VERSION field; reads migrate forward to these versions.
const (
	BatchVersion           = 1
	CurrentTagVersion      = 1
	InboundMessageVersion  = 3
	OutboundMessageVersion = 3
	EventVersion           = 1
)

// Secondary index names written by the record types.
const (
	IndexBatches               = "batches"
	IndexBatchesWithTimestamps = "batches_with_timestamps"
	IndexBatchesWithAddresses  = "batches_with_addresses"
	IndexMessage               = "message"
	IndexMessageWithStatus     = "message_with_status"
	IndexCurrentBatch          = "current_batch"
)

// ContentTypeJSON is the content type of every stored record.
const ContentTypeJSON = "application/json"

// termSeparator joins the components of a compound index term. The separator
// is reserved: no component may contain it.
const termSeparator = "$"

// Batch is a named grouping of messages and events. Messages reference
// batches by id; the batch itself carries only tags and metadata.
type Batch struct {
	ID       string
	Tags     []Tag
	Metadata map[string]string
}

// NewBatch builds a batch with a fresh id.
func NewBatch(tags []Tag, metadata map[string]string) *Batch {
	return &Batch{ID: NewID(), Tags: tags, Metadata: metadata}
}

// Encode serializes the batch at the current schema version.
func (b *Batch) Encode() (*objstore.Object, error) {
	return b.EncodeVersion(BatchVersion)
}

// EncodeVersion serializes the batch pinned to an older schema version.
func (b *Batch) EncodeVersion(version int) (*objstore.Object, error) {
	if b.ID == "" {
		return nil, fmt.Errorf("batch has no id")
	}
	tags := b.Tags
	if tags == nil {
		tags = []Tag{}
	}
	metadata := b.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	doc := map[string]interface{}{
		"tags":     tags,
		"metadata": metadata,
	}
	return encodeDoc(BatchBucket, b.ID, doc, version)
}

// DecodeBatch deserializes a batch record, migrating older versions forward.
func DecodeBatch(obj *objstore.Object) (*Batch, error) {
	doc, err := decodeAndMigrate(BatchBucket, obj.Key, obj.Data)
	if err != nil {
		return nil, err
	}
	var shape struct {
		Tags     []Tag             `json:"tags"`
		Metadata map[string]string `json:"metadata"`
	}
	if err := remarshalInto(BatchBucket, obj.Key, doc, &shape); err != nil {
		return nil, err
	}
	return &Batch{ID: obj.Key, Tags: shape.Tags, Metadata: shape.Metadata}, nil
}

// CurrentTag records which batch, if any, is currently open for a tag. Its
// record key is the flattened tag. The current_batch back-link is indexed so
// closing a batch can find every tag still pointing at it.
type CurrentTag struct {
	Tag          Tag
	CurrentBatch string
	Metadata     map[string]string
}

// NewCurrentTag builds an unpersisted CurrentTag with no open batch.
func NewCurrentTag(tag Tag) *CurrentTag {
	return &CurrentTag{Tag: tag}
}

// Encode serializes the current tag at the current schema version.
func (t *CurrentTag) Encode() (*objstore.Object, error) {
	return t.EncodeVersion(CurrentTagVersion)
}

// EncodeVersion serializes the current tag pinned to an older schema version.
func (t *CurrentTag) EncodeVersion(version int) (*objstore.Object, error) {
	if t.Tag.Scope == "" && t.Tag.Name == "" {
		return nil, fmt.Errorf("current tag has no tag")
	}
	metadata := t.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	doc := map[string]interface{}{
		"tag":      t.Tag,
		"metadata": metadata,
	}
	if t.CurrentBatch != "" {
		doc["current_batch"] = t.CurrentBatch
	} else {
		doc["current_batch"] = nil
	}
	return encodeDoc(CurrentTagBucket, t.Tag.String(), doc, version)
}

// DecodeCurrentTag deserializes a current tag record.
func DecodeCurrentTag(obj *objstore.Object) (*CurrentTag, error) {
	doc, err := decodeAndMigrate(CurrentTagBucket, obj.Key, obj.Data)
	if err != nil {
		return nil, err
	}
	var shape struct {
		Tag          Tag               `json:"tag"`
		CurrentBatch string            `json:"current_batch"`
		Metadata     map[string]string `json:"metadata"`
	}
	if err := remarshalInto(CurrentTagBucket, obj.Key, doc, &shape); err != nil {
		return nil, err
	}
	tag := shape.Tag
	if tag.Scope == "" && tag.Name == "" {
		parsed, err := ParseTag(obj.Key)
		if err != nil {
			return nil, err
		}
		tag = parsed
	}
	return &CurrentTag{Tag: tag, CurrentBatch: shape.CurrentBatch, Metadata: shape.Metadata}, nil
}

// InboundMessage is a received transport message together with the batches it
// belongs to. Its record key is the envelope's message_id.
type InboundMessage struct {
	Key     string
	Msg     *TransportMessage
	Batches []string
}

// NewInboundMessage wraps a message envelope in an inbound record associated
// with the given batches.
func NewInboundMessage(msg *TransportMessage, batchIDs ...string) *InboundMessage {
	return &InboundMessage{Key: msg.MessageID, Msg: msg, Batches: batchIDs}
}

// AddBatch associates the message with a batch. Adding an existing batch is a
// no-op: associations only grow and never duplicate.
func (m *InboundMessage) AddBatch(batchID string) {
	m.Batches = appendBatch(m.Batches, batchID)
}

// Encode serializes the record at the current schema version, recomputing the
// three compound indexes from scratch.
func (m *InboundMessage) Encode() (*objstore.Object, error) {
	return m.EncodeVersion(InboundMessageVersion)
}

// EncodeVersion serializes the record pinned to an older schema version.
func (m *InboundMessage) EncodeVersion(version int) (*objstore.Object, error) {
	doc, key, err := messageDoc(m.Key, m.Msg, m.Batches, "from_addr")
	if err != nil {
		return nil, err
	}
	return encodeDoc(InboundBucket, key, doc, version)
}

// DecodeInboundMessage deserializes an inbound message record.
func DecodeInboundMessage(obj *objstore.Object) (*InboundMessage, error) {
	msg, batches, err := decodeMessageDoc(InboundBucket, obj)
	if err != nil {
		return nil, err
	}
	return &InboundMessage{Key: obj.Key, Msg: msg, Batches: batches}, nil
}

// OutboundMessage is a sent transport message together with the batches it
// belongs to. Its record key is the envelope's message_id.
type OutboundMessage struct {
	Key     string
	Msg     *TransportMessage
	Batches []string
}

// NewOutboundMessage wraps a message envelope in an outbound record
// associated with the given batches.
func NewOutboundMessage(msg *TransportMessage, batchIDs ...string) *OutboundMessage {
	return &OutboundMessage{Key: msg.MessageID, Msg: msg, Batches: batchIDs}
}

// AddBatch associates the message with a batch. Adding an existing batch is a
// no-op.
func (m *OutboundMessage) AddBatch(batchID string) {
	m.Batches = appendBatch(m.Batches, batchID)
}

// Encode serializes the record at the current schema version, recomputing the
// three compound indexes from scratch.
func (m *OutboundMessage) Encode() (*objstore.Object, error) {
	return m.EncodeVersion(OutboundMessageVersion)
}

// EncodeVersion serializes the record pinned to an older schema version.
func (m *OutboundMessage) EncodeVersion(version int) (*objstore.Object, error) {
	doc, key, err := messageDoc(m.Key, m.Msg, m.Batches, "to_addr")
	if err != nil {
		return nil, err
	}
	return encodeDoc(OutboundBucket, key, doc, version)
}

// DecodeOutboundMessage deserializes an outbound message record.
func DecodeOutboundMessage(obj *objstore.Object) (*OutboundMessage, error) {
	msg, batches, err := decodeMessageDoc(OutboundBucket, obj)
	if err != nil {
		return nil, err
	}
	return &OutboundMessage{Key: obj.Key, Msg: msg, Batches: batches}, nil
}

// Event is a transport event record owned by an outbound message. Its record
// key is the envelope's event_id.
type Event struct {
	Key     string
	Event   *TransportEvent
	Message string
}

// NewEvent wraps an event envelope in an event record. The owning message
// reference is taken from the envelope's user_message_id.
func NewEvent(event *TransportEvent) *Event {
	return &Event{Key: event.EventID, Event: event, Message: event.UserMessageID}
}

// Encode serializes the record at the current schema version.
func (e *Event) Encode() (*objstore.Object, error) {
	return e.EncodeVersion(EventVersion)
}

// EncodeVersion serializes the record pinned to an older schema version.
func (e *Event) EncodeVersion(version int) (*objstore.Object, error) {
	if e.Event == nil {
		return nil, fmt.Errorf("event record has no envelope")
	}
	key := e.Key
	if key == "" {
		key = e.Event.EventID
	}
	if key == "" {
		return nil, fmt.Errorf("event record has no key")
	}
	message := e.Message
	if message == "" {
		message = e.Event.UserMessageID
	}
	if message == "" {
		return nil, fmt.Errorf("event record %q has no owning message", key)
	}
	status := e.Event.Status()
	if err := validateTermComponent("message id", message); err != nil {
		return nil, err
	}
	if err := validateTermComponent("status", status); err != nil {
		return nil, err
	}
	doc := map[string]interface{}{
		"event":   e.Event,
		"message": message,
		"message_with_status": message + termSeparator +
			e.Event.Timestamp.String() + termSeparator + status,
	}
	return encodeDoc(EventBucket, key, doc, version)
}

// DecodeEvent deserializes an event record.
func DecodeEvent(obj *objstore.Object) (*Event, error) {
	doc, err := decodeAndMigrate(EventBucket, obj.Key, obj.Data)
	if err != nil {
		return nil, err
	}
	var shape struct {
		Event   *TransportEvent `json:"event"`
		Message string          `json:"message"`
	}
	if err := remarshalInto(EventBucket, obj.Key, doc, &shape); err != nil {
		return nil, err
	}
	return &Event{Key: obj.Key, Event: shape.Event, Message: shape.Message}, nil
}

// messageDoc builds the stored document for an inbound or outbound message,
// recomputing the compound index term lists from the current batch set.
func messageDoc(key string, msg *TransportMessage, batchIDs []string, addrField string) (map[string]interface{}, string, error) {
	if msg == nil {
		return nil, "", fmt.Errorf("message record has no envelope")
	}
	if key == "" {
		key = msg.MessageID
	}
	if key == "" {
		return nil, "", fmt.Errorf("message record has no key")
	}
	addr := msg.FromAddr
	if addrField == "to_addr" {
		addr = msg.ToAddr
	}
	if err := validateTermComponent(addrField, addr); err != nil {
		return nil, "", err
	}
	batches := dedupeSorted(batchIDs)
	ts := msg.Timestamp.String()
	withTimestamps := make([]string, 0, len(batches))
	withAddresses := make([]string, 0, len(batches))
	for _, batchID := range batches {
		if err := validateTermComponent("batch id", batchID); err != nil {
			return nil, "", err
		}
		withTimestamps = append(withTimestamps, batchID+termSeparator+ts)
		withAddresses = append(withAddresses, batchID+termSeparator+ts+termSeparator+addr)
	}
	doc := map[string]interface{}{
		"msg":                     msg,
		"batches":                 batches,
		"batches_with_timestamps": withTimestamps,
		"batches_with_addresses":  withAddresses,
	}
	return doc, key, nil
}

func decodeMessageDoc(bucket string, obj *objstore.Object) (*TransportMessage, []string, error) {
	doc, err := decodeAndMigrate(bucket, obj.Key, obj.Data)
	if err != nil {
		return nil, nil, err
	}
	var shape struct {
		Msg     *TransportMessage `json:"msg"`
		Batches []string          `json:"batches"`
	}
	if err := remarshalInto(bucket, obj.Key, doc, &shape); err != nil {
		return nil, nil, err
	}
	return shape.Msg, shape.Batches, nil
}

// encodeDoc stamps the current version on the document, optionally reverse
// migrates it to a pinned older version, and derives the index entries from
// whatever indexed fields remain.
func encodeDoc(bucket, key string, doc map[string]interface{}, version int) (*objstore.Object, error) {
	doc["$VERSION"] = currentVersion(bucket)
	if version != currentVersion(bucket) {
		if err := migrateDocToVersion(bucket, key, doc, version); err != nil {
			return nil, err
		}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("cannot encode %s record %q: %w", bucket, key, err)
	}
	return &objstore.Object{
		Key:         key,
		ContentType: ContentTypeJSON,
		Data:        data,
		Indexes:     indexEntriesFromDoc(bucket, doc),
	}, nil
}

// indexEntriesFromDoc derives the authoritative index entry set for a record
// from its serialized document. Documents pinned to older versions lack the
// newer indexed fields and therefore emit fewer entries.
func indexEntriesFromDoc(bucket string, doc map[string]interface{}) []objstore.IndexEntry {
	var entries []objstore.IndexEntry
	add := func(index, field string) {
		switch v := doc[field].(type) {
		case string:
			if v != "" {
				entries = append(entries, objstore.IndexEntry{Index: index, Term: v})
			}
		case []string:
			for _, term := range v {
				entries = append(entries, objstore.IndexEntry{Index: index, Term: term})
			}
		}
	}
	switch bucket {
	case InboundBucket, OutboundBucket:
		add(IndexBatches, "batches")
		add(IndexBatchesWithTimestamps, "batches_with_timestamps")
		add(IndexBatchesWithAddresses, "batches_with_addresses")
	case EventBucket:
		add(IndexMessage, "message")
		add(IndexMessageWithStatus, "message_with_status")
	case CurrentTagBucket:
		add(IndexCurrentBatch, "current_batch")
	}
	return entries
}

func validateTermComponent(component, value string) error {
	if strings.Contains(value, termSeparator) {
		return &InvalidTermError{Component: component, Value: value}
	}
	return nil
}

func appendBatch(batches []string, batchID string) []string {
	for _, existing := range batches {
		if existing == batchID {
			return batches
		}
	}
	return append(batches, batchID)
}

func dedupeSorted(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func remarshalInto(bucket, key string, doc map[string]interface{}, target interface{}) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("cannot reencode %s record %q: %w", bucket, key, err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("cannot decode %s record %q: %w", bucket, key, err)
	}
	return nil
}
