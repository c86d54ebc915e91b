package records

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Event types reported by transports.
const (
	EventAck            = "ack"
	EventNack           = "nack"
	EventDeliveryReport = "delivery_report"
)

// Delivery statuses carried by delivery report events.
const (
	DeliveryStatusDelivered = "delivered"
	DeliveryStatusFailed    = "failed"
	DeliveryStatusPending   = "pending"
)

// NewID returns a fresh hex-encoded 128-bit random identifier, used for batch,
// message and event keys.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// TransportMessage is a transport message envelope. The store only interprets
// the well-known header fields; everything else a transport sets is preserved
// verbatim in Extra and round-trips through storage unchanged.
type TransportMessage struct {
	MessageID   string
	Timestamp   Timestamp
	MessageType string
	FromAddr    string
	ToAddr      string
	Content     *string

	// Extra holds the envelope fields this store does not interpret, keyed
	// by their wire names.
	Extra map[string]json.RawMessage
}

// NewTransportMessage builds a message envelope with a fresh message_id and
// the current timestamp.
func NewTransportMessage(fromAddr, toAddr, content string) *TransportMessage {
	return &TransportMessage{
		MessageID:   NewID(),
		Timestamp:   Now(),
		MessageType: "user_message",
		FromAddr:    fromAddr,
		ToAddr:      toAddr,
		Content:     &content,
	}
}

// MarshalJSON flattens the envelope back to its wire form, merging the typed
// header fields over the preserved Extra fields.
func (m *TransportMessage) MarshalJSON() ([]byte, error) {
	doc := make(map[string]json.RawMessage, len(m.Extra)+6)
	for k, v := range m.Extra {
		doc[k] = v
	}
	if err := setRaw(doc, "message_id", m.MessageID); err != nil {
		return nil, err
	}
	if err := setRaw(doc, "timestamp", m.Timestamp); err != nil {
		return nil, err
	}
	if err := setRaw(doc, "message_type", m.MessageType); err != nil {
		return nil, err
	}
	if err := setRaw(doc, "from_addr", m.FromAddr); err != nil {
		return nil, err
	}
	if err := setRaw(doc, "to_addr", m.ToAddr); err != nil {
		return nil, err
	}
	if err := setRaw(doc, "content", m.Content); err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

// UnmarshalJSON splits the wire form into typed header fields and preserved
// Extra fields.
func (m *TransportMessage) UnmarshalJSON(data []byte) error {
	doc := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	if err := takeRaw(doc, "message_id", &m.MessageID); err != nil {
		return err
	}
	if err := takeRaw(doc, "timestamp", &m.Timestamp); err != nil {
		return err
	}
	if err := takeRaw(doc, "message_type", &m.MessageType); err != nil {
		return err
	}
	if err := takeRaw(doc, "from_addr", &m.FromAddr); err != nil {
		return err
	}
	if err := takeRaw(doc, "to_addr", &m.ToAddr); err != nil {
		return err
	}
	if err := takeRaw(doc, "content", &m.Content); err != nil {
		return err
	}
	if len(doc) > 0 {
		m.Extra = doc
	} else {
		m.Extra = nil
	}
	return nil
}

// TransportEvent is a transport event envelope: an acknowledgement, negative
// acknowledgement or delivery report for a previously sent outbound message.
// Like TransportMessage it preserves uninterpreted fields in Extra.
type TransportEvent struct {
	EventID        string
	UserMessageID  string
	EventType      string
	Timestamp      Timestamp
	DeliveryStatus string

	Extra map[string]json.RawMessage
}

// NewAck builds an acknowledgement event for the given outbound message.
func NewAck(userMessageID string) *TransportEvent {
	return &TransportEvent{
		EventID:       NewID(),
		UserMessageID: userMessageID,
		EventType:     EventAck,
		Timestamp:     Now(),
	}
}

// NewNack builds a negative acknowledgement event with a failure reason.
func NewNack(userMessageID, reason string) *TransportEvent {
	ev := &TransportEvent{
		EventID:       NewID(),
		UserMessageID: userMessageID,
		EventType:     EventNack,
		Timestamp:     Now(),
	}
	raw, _ := json.Marshal(reason)
	ev.Extra = map[string]json.RawMessage{"nack_reason": raw}
	return ev
}

// NewDeliveryReport builds a delivery report event with the given delivery
// status (delivered, failed or pending).
func NewDeliveryReport(userMessageID, deliveryStatus string) *TransportEvent {
	return &TransportEvent{
		EventID:        NewID(),
		UserMessageID:  userMessageID,
		EventType:      EventDeliveryReport,
		Timestamp:      Now(),
		DeliveryStatus: deliveryStatus,
	}
}

// Status returns the index status encoding for the event: the event type for
// acks and nacks, and "delivery_report.<delivery_status>" for delivery
// reports. This encoding is an external contract shared with cache consumers.
func (e *TransportEvent) Status() string {
	if e.EventType == EventDeliveryReport {
		return e.EventType + "." + e.DeliveryStatus
	}
	return e.EventType
}

// MarshalJSON flattens the event back to its wire form.
func (e *TransportEvent) MarshalJSON() ([]byte, error) {
	doc := make(map[string]json.RawMessage, len(e.Extra)+5)
	for k, v := range e.Extra {
		doc[k] = v
	}
	if err := setRaw(doc, "event_id", e.EventID); err != nil {
		return nil, err
	}
	if err := setRaw(doc, "user_message_id", e.UserMessageID); err != nil {
		return nil, err
	}
	if err := setRaw(doc, "event_type", e.EventType); err != nil {
		return nil, err
	}
	if err := setRaw(doc, "timestamp", e.Timestamp); err != nil {
		return nil, err
	}
	if e.DeliveryStatus != "" {
		if err := setRaw(doc, "delivery_status", e.DeliveryStatus); err != nil {
			return nil, err
		}
	}
	return json.Marshal(doc)
}

// UnmarshalJSON splits the wire form into typed fields and preserved Extra
// fields.
func (e *TransportEvent) UnmarshalJSON(data []byte) error {
	doc := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	if err := takeRaw(doc, "event_id", &e.EventID); err != nil {
		return err
	}
	if err := takeRaw(doc, "user_message_id", &e.UserMessageID); err != nil {
		return err
	}
	if err := takeRaw(doc, "event_type", &e.EventType); err != nil {
		return err
	}
	if err := takeRaw(doc, "timestamp", &e.Timestamp); err != nil {
		return err
	}
	if err := takeRaw(doc, "delivery_status", &e.DeliveryStatus); err != nil {
		return err
	}
	if len(doc) > 0 {
		e.Extra = doc
	} else {
		e.Extra = nil
	}
	return nil
}

func setRaw(doc map[string]json.RawMessage, key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cannot encode field %q: %w", key, err)
	}
	doc[key] = raw
	return nil
}

func takeRaw(doc map[string]json.RawMessage, key string, target interface{}) error {
	raw, ok := doc[key]
	if !ok {
		return nil
	}
	delete(doc, key)
	if string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("cannot decode field %q: %w", key, err)
	}
	return nil
}
