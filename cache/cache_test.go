package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msgstore.evalgo.org/records"
)

func newTestCache(t *testing.T, config Config) (*BatchInfoCache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewBatchInfoCacheWithClient(client, config), mr
}

func testTimestamp(second int) records.Timestamp {
	return records.At(time.Date(2014, 1, 1, 0, 0, second, 0, time.UTC))
}

func TestBatchStart(t *testing.T) {
	c, _ := newTestCache(t, Config{})
	ctx := context.Background()

	require.NoError(t, c.BatchStart(ctx, "b1"))

	exists, err := c.BatchExists(ctx, "b1")
	require.NoError(t, err)
	assert.True(t, exists)

	inbound, err := c.GetInboundMessageCount(ctx, "b1")
	require.NoError(t, err)
	assert.Zero(t, inbound)

	status, err := c.GetBatchStatus(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{
		"ack":                       0,
		"nack":                      0,
		"delivery_report":           0,
		"delivery_report.delivered": 0,
		"delivery_report.failed":    0,
		"delivery_report.pending":   0,
		"sent":                      0,
	}, status)
}

func TestBatchStartKeepsStatuses(t *testing.T) {
	c, _ := newTestCache(t, Config{})
	ctx := context.Background()

	require.NoError(t, c.BatchStart(ctx, "b1"))
	require.NoError(t, c.IncrementEventStatus(ctx, "b1", "ack", 3))

	// Restarting the same batch reseeds missing fields only; accumulated
	// statuses stay.
	require.NoError(t, c.BatchStart(ctx, "b1"))

	status, err := c.GetBatchStatus(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), status["ack"])
}

func TestBatchExistsUnknown(t *testing.T) {
	c, _ := newTestCache(t, Config{})

	exists, err := c.BatchExists(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestClearBatch(t *testing.T) {
	c, mr := newTestCache(t, Config{})
	ctx := context.Background()

	require.NoError(t, c.BatchStart(ctx, "b1"))
	require.NoError(t, c.AddInboundMessageKey(ctx, "b1", "m1", testTimestamp(0).Epoch()))
	require.NoError(t, c.AddEventKey(ctx, "b1", "e1", "ack", testTimestamp(1).Epoch()))

	require.NoError(t, c.ClearBatch(ctx, "b1"))

	exists, err := c.BatchExists(ctx, "b1")
	require.NoError(t, err)
	assert.False(t, exists)

	count, err := c.GetInboundMessageCount(ctx, "b1")
	require.NoError(t, err)
	assert.Zero(t, count)

	keys, err := c.ListEventKeys(ctx, "b1")
	require.NoError(t, err)
	assert.Empty(t, keys)

	assert.Empty(t, mr.Keys())
}

func TestAddInboundMessage(t *testing.T) {
	c, _ := newTestCache(t, Config{})
	ctx := context.Background()

	require.NoError(t, c.BatchStart(ctx, "b1"))
	msg := &records.TransportMessage{MessageID: "m1", Timestamp: testTimestamp(0)}
	require.NoError(t, c.AddInboundMessage(ctx, "b1", msg))

	count, err := c.GetInboundMessageCount(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	scored, err := c.ListInboundMessageKeysWithTimestamps(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, scored, 1)
	assert.Equal(t, "m1", scored[0].Key)
	assert.Equal(t, testTimestamp(0).Epoch(), scored[0].Score)
}

func TestAddInboundMessageIdempotent(t *testing.T) {
	c, _ := newTestCache(t, Config{})
	ctx := context.Background()

	require.NoError(t, c.BatchStart(ctx, "b1"))
	msg := &records.TransportMessage{MessageID: "m1", Timestamp: testTimestamp(0)}
	require.NoError(t, c.AddInboundMessage(ctx, "b1", msg))
	require.NoError(t, c.AddInboundMessage(ctx, "b1", msg))

	count, err := c.GetInboundMessageCount(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	keys, err := c.ListInboundMessageKeys(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, keys)
}

func TestAddOutboundMessage(t *testing.T) {
	c, _ := newTestCache(t, Config{})
	ctx := context.Background()

	require.NoError(t, c.BatchStart(ctx, "b1"))
	msg := &records.TransportMessage{MessageID: "m1", Timestamp: testTimestamp(0)}
	require.NoError(t, c.AddOutboundMessage(ctx, "b1", msg))

	count, err := c.GetOutboundMessageCount(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	status, err := c.GetBatchStatus(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), status["sent"])
}

func TestAddEvent(t *testing.T) {
	c, _ := newTestCache(t, Config{})
	ctx := context.Background()
	require.NoError(t, c.BatchStart(ctx, "b1"))

	t.Run("ack", func(t *testing.T) {
		ack := records.NewAck("m1")
		require.NoError(t, c.AddEvent(ctx, "b1", ack))

		status, err := c.GetBatchStatus(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), status["ack"])

		count, err := c.GetEventCount(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
	})

	t.Run("delivery report rolls up", func(t *testing.T) {
		dr := records.NewDeliveryReport("m1", records.DeliveryStatusDelivered)
		require.NoError(t, c.AddEvent(ctx, "b1", dr))

		status, err := c.GetBatchStatus(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), status["delivery_report.delivered"])
		assert.Equal(t, int64(1), status["delivery_report"])
	})

	t.Run("same event twice counts once", func(t *testing.T) {
		nack := records.NewNack("m1", "no route")
		require.NoError(t, c.AddEvent(ctx, "b1", nack))
		require.NoError(t, c.AddEvent(ctx, "b1", nack))

		status, err := c.GetBatchStatus(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), status["nack"])
	})
}

func TestIncrementEventStatusRollup(t *testing.T) {
	c, _ := newTestCache(t, Config{})
	ctx := context.Background()

	require.NoError(t, c.BatchStart(ctx, "b1"))
	require.NoError(t, c.IncrementEventStatus(ctx, "b1", "delivery_report.failed", 3))

	status, err := c.GetBatchStatus(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), status["delivery_report.failed"])
	assert.Equal(t, int64(3), status["delivery_report"])
	assert.Equal(t, int64(0), status["delivery_report.delivered"])
}

func TestReconciliationAdders(t *testing.T) {
	c, _ := newTestCache(t, Config{})
	ctx := context.Background()
	require.NoError(t, c.BatchStart(ctx, "b1"))

	t.Run("inbound count leaves recency set alone", func(t *testing.T) {
		require.NoError(t, c.AddInboundMessageCount(ctx, "b1", 250))

		count, err := c.GetInboundMessageCount(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, int64(250), count)

		keys, err := c.ListInboundMessageKeys(ctx, "b1")
		require.NoError(t, err)
		assert.Empty(t, keys)
	})

	t.Run("outbound count bumps sent", func(t *testing.T) {
		require.NoError(t, c.AddOutboundMessageCount(ctx, "b1", 100))

		count, err := c.GetOutboundMessageCount(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, int64(100), count)

		status, err := c.GetBatchStatus(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, int64(100), status["sent"])
	})

	t.Run("event count bumps status", func(t *testing.T) {
		require.NoError(t, c.AddEventCount(ctx, "b1", "delivery_report.pending", 7))

		count, err := c.GetEventCount(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, int64(7), count)

		status, err := c.GetBatchStatus(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, int64(7), status["delivery_report.pending"])
		assert.Equal(t, int64(7), status["delivery_report"])
	})
}

func TestListingsDescendByTimestamp(t *testing.T) {
	c, _ := newTestCache(t, Config{})
	ctx := context.Background()

	require.NoError(t, c.BatchStart(ctx, "b1"))
	for i, key := range []string{"m1", "m2", "m3"} {
		require.NoError(t, c.AddInboundMessageKey(ctx, "b1", key, testTimestamp(i).Epoch()))
	}

	keys, err := c.ListInboundMessageKeys(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, []string{"m3", "m2", "m1"}, keys)

	scored, err := c.ListInboundMessageKeysWithTimestamps(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, scored, 3)
	assert.Equal(t, KeyScore{Key: "m3", Score: testTimestamp(2).Epoch()}, scored[0])
	assert.Equal(t, KeyScore{Key: "m1", Score: testTimestamp(0).Epoch()}, scored[2])
}

func TestRecencySetTruncation(t *testing.T) {
	c, _ := newTestCache(t, Config{TruncateAt: 3})
	ctx := context.Background()

	require.NoError(t, c.BatchStart(ctx, "b1"))
	for i, key := range []string{"m1", "m2", "m3", "m4", "m5"} {
		require.NoError(t, c.AddOutboundMessageKey(ctx, "b1", key, testTimestamp(i).Epoch()))
	}

	// The counter keeps the exact total while the recency set is capped at
	// the newest three keys.
	count, err := c.GetOutboundMessageCount(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)

	keys, err := c.ListOutboundMessageKeys(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, []string{"m5", "m4", "m3"}, keys)
}

func TestExplicitTruncate(t *testing.T) {
	c, _ := newTestCache(t, Config{})
	ctx := context.Background()

	require.NoError(t, c.BatchStart(ctx, "b1"))
	for i, key := range []string{"e1", "e2", "e3", "e4"} {
		require.NoError(t, c.AddEventKey(ctx, "b1", key, "ack", testTimestamp(i).Epoch()))
	}

	removed, err := c.TruncateEventKeys(ctx, "b1", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	keys, err := c.ListEventKeys(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, []string{"e4", "e3"}, keys)
}

func TestCountersDefaultToZero(t *testing.T) {
	c, _ := newTestCache(t, Config{})
	ctx := context.Background()

	for _, get := range []func(context.Context, string) (int64, error){
		c.GetInboundMessageCount,
		c.GetOutboundMessageCount,
		c.GetEventCount,
	} {
		count, err := get(ctx, "never_started")
		require.NoError(t, err)
		assert.Zero(t, count)
	}

	status, err := c.GetBatchStatus(ctx, "never_started")
	require.NoError(t, err)
	assert.Empty(t, status)
}

func TestKeyPrefix(t *testing.T) {
	c, mr := newTestCache(t, Config{KeyPrefix: "msgstore"})
	ctx := context.Background()

	require.NoError(t, c.BatchStart(ctx, "b1"))

	assert.True(t, mr.Exists("msgstore:batches"))
	assert.True(t, mr.Exists("msgstore:batches:inbound_count:b1"))
	assert.True(t, mr.Exists("msgstore:batches:status:b1"))
}
