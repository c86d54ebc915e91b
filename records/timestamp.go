// Package records defines the persistent record types of the message store:
// batches, current tags, inbound and outbound messages, and delivery events.
// It owns the wire format of stored documents, the compound index terms
// derived from them, and the schema migrations between document versions.
package records

import (
	"fmt"
	"time"
)

// TimestampFormat is the wire representation of message timestamps. It is
// fixed-width and therefore sorts lexicographically in timestamp order, which
// the compound index terms rely on.
const TimestampFormat = "2006-01-02 15:04:05.000"

// legacy layouts accepted on read; writes always emit TimestampFormat.
var timestampLayouts = []string{
	TimestampFormat,
	"2006-01-02 15:04:05.000000",
	"2006-01-02 15:04:05",
}

// Timestamp is a UTC wall-clock time with millisecond precision serialized in
// TimestampFormat.
type Timestamp struct {
	time.Time
}

// Now returns the current time as a Timestamp, truncated to millisecond
// precision.
func Now() Timestamp {
	return At(time.Now())
}

// At converts a time.Time to a Timestamp, truncated to millisecond precision.
func At(t time.Time) Timestamp {
	return Timestamp{t.UTC().Truncate(time.Millisecond)}
}

// ParseTimestamp parses a wire-format timestamp. Legacy microsecond and
// whole-second layouts are accepted for records written by older deployments.
func ParseTimestamp(s string) (Timestamp, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return At(t), nil
		}
	}
	return Timestamp{}, fmt.Errorf("cannot parse timestamp %q", s)
}

// String formats the timestamp in the canonical wire format.
func (t Timestamp) String() string {
	return t.UTC().Format(TimestampFormat)
}

// Epoch returns the timestamp as seconds since the Unix epoch with a
// fractional part. Cache recency sets use this value as their sort score.
func (t Timestamp) Epoch() float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9
}

// MarshalJSON encodes the timestamp as a wire-format JSON string.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

// UnmarshalJSON decodes a wire-format JSON string into the timestamp.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("timestamp must be a JSON string, got %s", data)
	}
	parsed, err := ParseTimestamp(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
