package records

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msgstore.evalgo.org/objstore"
)

func TestDecodeUnversionedInbound(t *testing.T) {
	// Documents written before the version discipline carry no $VERSION and
	// none of the compound term fields.
	obj := &objstore.Object{
		Key: "m1",
		Data: []byte(`{
			"msg": {
				"message_id": "m1",
				"timestamp": "2014-01-01 12:34:56",
				"message_type": "user_message",
				"from_addr": "+111",
				"to_addr": "+222",
				"content": "hi"
			},
			"batches": ["b1"]
		}`),
	}

	decoded, err := DecodeInboundMessage(obj)
	require.NoError(t, err)
	assert.Equal(t, []string{"b1"}, decoded.Batches)
	assert.Equal(t, "+111", decoded.Msg.FromAddr)

	// Re-encoding a migrated record emits the full current index set.
	reencoded, err := NewInboundMessage(decoded.Msg, decoded.Batches...).Encode()
	require.NoError(t, err)
	assert.Len(t, reencoded.Indexes, 3)
}

func TestMigrateForwardComputesTerms(t *testing.T) {
	// The forward walk normalizes legacy microsecond timestamps and collapses
	// duplicated batch references.
	raw := []byte(`{
		"msg": {
			"message_id": "m1",
			"timestamp": "2014-01-01 12:34:56.789123",
			"message_type": "user_message",
			"from_addr": "+111",
			"to_addr": "+222",
			"content": "hi"
		},
		"batches": ["b1", "b1"]
	}`)

	doc, err := decodeAndMigrate(InboundBucket, "m1", raw)
	require.NoError(t, err)

	assert.Equal(t, InboundMessageVersion, doc["$VERSION"])
	assert.Equal(t, []string{"b1"}, doc["batches"])
	assert.Equal(t, []string{"b1$2014-01-01 12:34:56.789"}, doc["batches_with_timestamps"])
	assert.Equal(t, []string{"b1$2014-01-01 12:34:56.789$+111"}, doc["batches_with_addresses"])
}

func TestMigrateForwardVersionTooNew(t *testing.T) {
	obj := &objstore.Object{
		Key:  "m1",
		Data: []byte(`{"$VERSION": 9, "msg": {}, "batches": []}`),
	}

	_, err := DecodeInboundMessage(obj)
	var migErr *MigrationError
	require.ErrorAs(t, err, &migErr)
	assert.Equal(t, InboundBucket, migErr.Bucket)
	assert.Equal(t, "m1", migErr.Key)
	assert.Equal(t, 9, migErr.Version)
	assert.Contains(t, migErr.Error(), "newer than supported")
}

func TestMigrateForwardMalformedVersion(t *testing.T) {
	obj := &objstore.Object{
		Key:  "m1",
		Data: []byte(`{"$VERSION": "three", "msg": {}, "batches": []}`),
	}

	_, err := DecodeInboundMessage(obj)
	var migErr *MigrationError
	require.ErrorAs(t, err, &migErr)
	assert.Contains(t, migErr.Error(), "malformed $VERSION")
}

func TestMigrateForwardMissingEnvelope(t *testing.T) {
	obj := &objstore.Object{
		Key:  "m1",
		Data: []byte(`{"batches": ["b1"]}`),
	}

	_, err := DecodeInboundMessage(obj)
	var migErr *MigrationError
	require.ErrorAs(t, err, &migErr)
	assert.Contains(t, migErr.Error(), "no msg envelope")
}

func TestEncodeVersionPinned(t *testing.T) {
	record := NewInboundMessage(fixedMessage("m1", 0, "+111", "+222"), "b1")

	tests := []struct {
		name          string
		version       int
		hasVersion    bool
		hasTimestamps bool
		hasAddresses  bool
		indexCount    int
	}{
		{"current", 3, true, true, true, 3},
		{"before term recompute", 2, true, true, true, 3},
		{"before address terms", 1, true, true, false, 2},
		{"unversioned", 0, false, false, false, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obj, err := record.EncodeVersion(tt.version)
			require.NoError(t, err)

			var doc map[string]interface{}
			require.NoError(t, json.Unmarshal(obj.Data, &doc))

			if tt.hasVersion {
				assert.Equal(t, float64(tt.version), doc["$VERSION"])
			} else {
				assert.NotContains(t, doc, "$VERSION")
			}
			assert.Equal(t, tt.hasTimestamps, doc["batches_with_timestamps"] != nil)
			assert.Equal(t, tt.hasAddresses, doc["batches_with_addresses"] != nil)
			assert.Len(t, obj.Indexes, tt.indexCount,
				"pinned documents only emit the index entries their version knows")
		})
	}
}

func TestEncodeVersionRejectsInvalidTarget(t *testing.T) {
	record := NewInboundMessage(fixedMessage("m1", 0, "+111", "+222"), "b1")

	for _, version := range []int{-1, 7} {
		_, err := record.EncodeVersion(version)
		var migErr *MigrationError
		require.ErrorAs(t, err, &migErr, "version %d", version)
		assert.Contains(t, migErr.Error(), "cannot store at version")
	}
}

func TestEventEncodeVersionZero(t *testing.T) {
	ack := NewAck("m9")
	ack.EventID = "e1"
	ack.Timestamp = atSecond(0)

	obj, err := NewEvent(ack).EncodeVersion(0)
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(obj.Data, &doc))
	assert.NotContains(t, doc, "message_with_status")
	assert.Equal(t, []objstore.IndexEntry{
		{Index: IndexMessage, Term: "m9"},
	}, obj.Indexes)
}

func TestDecodeEventUnversioned(t *testing.T) {
	obj := &objstore.Object{
		Key: "e1",
		Data: []byte(`{
			"event": {
				"event_id": "e1",
				"user_message_id": "m9",
				"event_type": "delivery_report",
				"timestamp": "2014-01-01 00:00:05",
				"delivery_status": "failed"
			},
			"message": "m9"
		}`),
	}

	decoded, err := DecodeEvent(obj)
	require.NoError(t, err)
	assert.Equal(t, "m9", decoded.Message)
	assert.Equal(t, "delivery_report.failed", decoded.Event.Status())
}

func TestMigrationErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	err := newMigrationError(EventBucket, "e1", 1, inner, "step failed")
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), `event record "e1"`)
}
