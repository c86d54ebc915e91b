package records

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msgstore.evalgo.org/objstore"
)

func atSecond(second int) Timestamp {
	return At(time.Date(2014, 1, 1, 0, 0, second, 0, time.UTC))
}

func fixedMessage(id string, second int, fromAddr, toAddr string) *TransportMessage {
	msg := NewTransportMessage(fromAddr, toAddr, "hello")
	msg.MessageID = id
	msg.Timestamp = atSecond(second)
	return msg
}

func TestBatchEncodeDecode(t *testing.T) {
	batch := NewBatch([]Tag{NewTag("pool", "alpha")}, map[string]string{"owner": "ops"})

	obj, err := batch.Encode()
	require.NoError(t, err)
	assert.Equal(t, batch.ID, obj.Key)
	assert.Equal(t, ContentTypeJSON, obj.ContentType)
	assert.Empty(t, obj.Indexes, "batches are looked up by key only")

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(obj.Data, &doc))
	assert.Equal(t, float64(BatchVersion), doc["$VERSION"])

	decoded, err := DecodeBatch(obj)
	require.NoError(t, err)
	assert.Equal(t, batch.ID, decoded.ID)
	assert.Equal(t, batch.Tags, decoded.Tags)
	assert.Equal(t, batch.Metadata, decoded.Metadata)
}

func TestBatchEncodeRequiresID(t *testing.T) {
	_, err := (&Batch{}).Encode()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no id")
}

func TestBatchEncodeNormalizesNilCollections(t *testing.T) {
	obj, err := NewBatch(nil, nil).Encode()
	require.NoError(t, err)

	decoded, err := DecodeBatch(obj)
	require.NoError(t, err)
	assert.Empty(t, decoded.Tags)
	assert.Empty(t, decoded.Metadata)
}

func TestCurrentTagEncodeDecode(t *testing.T) {
	current := NewCurrentTag(NewTag("pool", "alpha"))
	current.CurrentBatch = "b1"
	current.Metadata = map[string]string{"note": "pinned"}

	obj, err := current.Encode()
	require.NoError(t, err)
	assert.Equal(t, "pool:alpha", obj.Key)
	assert.Equal(t, []objstore.IndexEntry{
		{Index: IndexCurrentBatch, Term: "b1"},
	}, obj.Indexes)

	decoded, err := DecodeCurrentTag(obj)
	require.NoError(t, err)
	assert.Equal(t, NewTag("pool", "alpha"), decoded.Tag)
	assert.Equal(t, "b1", decoded.CurrentBatch)
	assert.Equal(t, current.Metadata, decoded.Metadata)
}

func TestCurrentTagEncodeNoOpenBatch(t *testing.T) {
	obj, err := NewCurrentTag(NewTag("pool", "alpha")).Encode()
	require.NoError(t, err)
	assert.Empty(t, obj.Indexes, "a tag without an open batch is not indexed")

	decoded, err := DecodeCurrentTag(obj)
	require.NoError(t, err)
	assert.Empty(t, decoded.CurrentBatch)
}

func TestCurrentTagEncodeRequiresTag(t *testing.T) {
	_, err := (&CurrentTag{}).Encode()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no tag")
}

func TestCurrentTagDecodeFallsBackToKey(t *testing.T) {
	// Records written before the tag field existed carry it only in the key.
	obj := &objstore.Object{
		Key:  "pool:alpha",
		Data: []byte(`{"$VERSION": 1, "current_batch": "b1", "metadata": {}}`),
	}

	decoded, err := DecodeCurrentTag(obj)
	require.NoError(t, err)
	assert.Equal(t, NewTag("pool", "alpha"), decoded.Tag)
	assert.Equal(t, "b1", decoded.CurrentBatch)
}

func TestInboundMessageEncodeIndexes(t *testing.T) {
	msg := fixedMessage("m1", 0, "+111", "+222")
	record := NewInboundMessage(msg, "b2", "b1", "b2")

	obj, err := record.Encode()
	require.NoError(t, err)
	assert.Equal(t, "m1", obj.Key)

	ts := "2014-01-01 00:00:00.000"
	assert.ElementsMatch(t, []objstore.IndexEntry{
		{Index: IndexBatches, Term: "b1"},
		{Index: IndexBatches, Term: "b2"},
		{Index: IndexBatchesWithTimestamps, Term: "b1$" + ts},
		{Index: IndexBatchesWithTimestamps, Term: "b2$" + ts},
		{Index: IndexBatchesWithAddresses, Term: "b1$" + ts + "$+111"},
		{Index: IndexBatchesWithAddresses, Term: "b2$" + ts + "$+111"},
	}, obj.Indexes)

	decoded, err := DecodeInboundMessage(obj)
	require.NoError(t, err)
	assert.Equal(t, []string{"b1", "b2"}, decoded.Batches, "batch set is deduplicated and sorted")
	assert.Equal(t, "m1", decoded.Msg.MessageID)
}

func TestOutboundMessageEncodeUsesToAddr(t *testing.T) {
	msg := fixedMessage("o1", 0, "+111", "+222")
	obj, err := NewOutboundMessage(msg, "b1").Encode()
	require.NoError(t, err)

	assert.Contains(t, obj.Indexes, objstore.IndexEntry{
		Index: IndexBatchesWithAddresses,
		Term:  "b1$2014-01-01 00:00:00.000$+222",
	})
}

func TestInboundMessageDecodePreservesEnvelope(t *testing.T) {
	msg := fixedMessage("m1", 3, "+111", "+222")
	msg.Extra = map[string]json.RawMessage{"transport_name": json.RawMessage(`"sphex"`)}

	obj, err := NewInboundMessage(msg, "b1").Encode()
	require.NoError(t, err)

	decoded, err := DecodeInboundMessage(obj)
	require.NoError(t, err)
	assert.Equal(t, "2014-01-01 00:00:03.000", decoded.Msg.Timestamp.String())
	require.NotNil(t, decoded.Msg.Content)
	assert.Equal(t, "hello", *decoded.Msg.Content)
	assert.Contains(t, decoded.Msg.Extra, "transport_name")
}

func TestMessageEncodeRejectsReservedAddr(t *testing.T) {
	msg := fixedMessage("m1", 0, "+1$11", "+222")
	_, err := NewInboundMessage(msg, "b1").Encode()

	var termErr *InvalidTermError
	require.ErrorAs(t, err, &termErr)
	assert.Equal(t, "from_addr", termErr.Component)
	assert.Equal(t, "+1$11", termErr.Value)
}

func TestMessageEncodeRejectsReservedBatchID(t *testing.T) {
	msg := fixedMessage("m1", 0, "+111", "+222")
	_, err := NewInboundMessage(msg, "b$1").Encode()

	var termErr *InvalidTermError
	require.ErrorAs(t, err, &termErr)
	assert.Equal(t, "batch id", termErr.Component)
}

func TestMessageEncodeRequiresKey(t *testing.T) {
	msg := fixedMessage("", 0, "+111", "+222")
	_, err := NewInboundMessage(msg).Encode()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no key")
}

func TestAddBatch(t *testing.T) {
	record := NewInboundMessage(fixedMessage("m1", 0, "+111", "+222"), "b1")
	record.AddBatch("b2")
	record.AddBatch("b1")
	assert.Equal(t, []string{"b1", "b2"}, record.Batches)
}

func TestEventEncodeIndexes(t *testing.T) {
	ack := NewAck("m9")
	ack.EventID = "e1"
	ack.Timestamp = atSecond(5)

	obj, err := NewEvent(ack).Encode()
	require.NoError(t, err)
	assert.Equal(t, "e1", obj.Key)
	assert.ElementsMatch(t, []objstore.IndexEntry{
		{Index: IndexMessage, Term: "m9"},
		{Index: IndexMessageWithStatus, Term: "m9$2014-01-01 00:00:05.000$ack"},
	}, obj.Indexes)
}

func TestEventEncodeDeliveryReportStatus(t *testing.T) {
	dr := NewDeliveryReport("m9", DeliveryStatusDelivered)
	dr.EventID = "e2"
	dr.Timestamp = atSecond(6)

	obj, err := NewEvent(dr).Encode()
	require.NoError(t, err)
	assert.Contains(t, obj.Indexes, objstore.IndexEntry{
		Index: IndexMessageWithStatus,
		Term:  "m9$2014-01-01 00:00:06.000$delivery_report.delivered",
	})
}

func TestEventDecodeRoundTrip(t *testing.T) {
	nack := NewNack("m9", "no route")
	nack.EventID = "e3"
	nack.Timestamp = atSecond(7)

	obj, err := NewEvent(nack).Encode()
	require.NoError(t, err)

	decoded, err := DecodeEvent(obj)
	require.NoError(t, err)
	assert.Equal(t, "e3", decoded.Key)
	assert.Equal(t, "m9", decoded.Message)
	assert.Equal(t, "nack", decoded.Event.Status())
	assert.Contains(t, decoded.Event.Extra, "nack_reason")
}

func TestEventEncodeRequiresOwningMessage(t *testing.T) {
	event := NewAck("")
	_, err := NewEvent(event).Encode()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no owning message")
}

func TestEventEncodeRejectsReservedStatus(t *testing.T) {
	dr := NewDeliveryReport("m9", "odd$status")
	_, err := NewEvent(dr).Encode()

	var termErr *InvalidTermError
	require.ErrorAs(t, err, &termErr)
	assert.Equal(t, "status", termErr.Component)
}

func TestEventEncodeRejectsReservedMessageID(t *testing.T) {
	ack := NewAck("m$9")
	_, err := NewEvent(ack).Encode()

	var termErr *InvalidTermError
	require.ErrorAs(t, err, &termErr)
	assert.Equal(t, "message id", termErr.Component)
}

func TestInvalidTermErrorMessage(t *testing.T) {
	err := &InvalidTermError{Component: "batch id", Value: "b$1"}
	assert.Contains(t, err.Error(), "batch id")
	assert.Contains(t, err.Error(), `"b$1"`)
	assert.True(t, errors.As(error(err), new(*InvalidTermError)))
}
