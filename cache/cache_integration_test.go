//go:build integration
// +build integration

package cache

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msgstore.evalgo.org/containers"
	"msgstore.evalgo.org/records"
)

func TestBatchInfoCacheIntegration(t *testing.T) {
	ctx := context.Background()

	addr, cleanup, err := containers.SetupRedis(ctx, nil)
	require.NoError(t, err, "Failed to start Redis container")
	defer cleanup()

	c, err := NewBatchInfoCache(ctx, Config{URL: fmt.Sprintf("redis://%s/0", addr), TruncateAt: 3})
	require.NoError(t, err, "Failed to connect to Redis")
	defer c.Close()

	t.Run("batch lifecycle", func(t *testing.T) {
		require.NoError(t, c.BatchStart(ctx, "life"))

		exists, err := c.BatchExists(ctx, "life")
		require.NoError(t, err)
		assert.True(t, exists)

		status, err := c.GetBatchStatus(ctx, "life")
		require.NoError(t, err)
		assert.Len(t, status, 7)

		require.NoError(t, c.ClearBatch(ctx, "life"))

		exists, err = c.BatchExists(ctx, "life")
		require.NoError(t, err)
		assert.False(t, exists)

		status, err = c.GetBatchStatus(ctx, "life")
		require.NoError(t, err)
		assert.Empty(t, status)
	})

	t.Run("messages count once and list newest first", func(t *testing.T) {
		require.NoError(t, c.BatchStart(ctx, "ing"))

		m1 := records.NewTransportMessage("+100", "+200", "first")
		m1.MessageID = "m1"
		m1.Timestamp = testTimestamp(1)
		m2 := records.NewTransportMessage("+101", "+200", "second")
		m2.MessageID = "m2"
		m2.Timestamp = testTimestamp(2)

		require.NoError(t, c.AddInboundMessage(ctx, "ing", m1))
		require.NoError(t, c.AddInboundMessage(ctx, "ing", m2))
		require.NoError(t, c.AddInboundMessage(ctx, "ing", m2))

		count, err := c.GetInboundMessageCount(ctx, "ing")
		require.NoError(t, err)
		assert.Equal(t, int64(2), count)

		keys, err := c.ListInboundMessageKeys(ctx, "ing")
		require.NoError(t, err)
		assert.Equal(t, []string{"m2", "m1"}, keys)

		scored, err := c.ListInboundMessageKeysWithTimestamps(ctx, "ing")
		require.NoError(t, err)
		require.Len(t, scored, 2)
		assert.Equal(t, "m2", scored[0].Key)
		assert.InDelta(t, testTimestamp(2).Epoch(), scored[0].Score, 1e-6)
	})

	t.Run("events roll up into the status histogram", func(t *testing.T) {
		require.NoError(t, c.BatchStart(ctx, "evt"))

		out := records.NewTransportMessage("+100", "+200", "hi")
		out.MessageID = "o1"
		out.Timestamp = testTimestamp(1)
		require.NoError(t, c.AddOutboundMessage(ctx, "evt", out))

		ack := records.NewAck("o1")
		ack.EventID = "e1"
		ack.Timestamp = testTimestamp(2)
		require.NoError(t, c.AddEvent(ctx, "evt", ack))

		dr := records.NewDeliveryReport("o1", "delivered")
		dr.EventID = "e2"
		dr.Timestamp = testTimestamp(3)
		require.NoError(t, c.AddEvent(ctx, "evt", dr))

		status, err := c.GetBatchStatus(ctx, "evt")
		require.NoError(t, err)
		assert.Equal(t, int64(1), status["sent"])
		assert.Equal(t, int64(1), status["ack"])
		assert.Equal(t, int64(1), status["delivery_report.delivered"])
		assert.Equal(t, int64(1), status["delivery_report"])

		count, err := c.GetEventCount(ctx, "evt")
		require.NoError(t, err)
		assert.Equal(t, int64(2), count)
	})

	t.Run("recency sets stay bounded while counters keep totals", func(t *testing.T) {
		require.NoError(t, c.BatchStart(ctx, "cap"))

		for i := 1; i <= 5; i++ {
			msg := records.NewTransportMessage("+100", "+200", "hi")
			msg.MessageID = fmt.Sprintf("o%d", i)
			msg.Timestamp = testTimestamp(i)
			require.NoError(t, c.AddOutboundMessage(ctx, "cap", msg))
		}

		keys, err := c.ListOutboundMessageKeys(ctx, "cap")
		require.NoError(t, err)
		assert.Equal(t, []string{"o5", "o4", "o3"}, keys)

		count, err := c.GetOutboundMessageCount(ctx, "cap")
		require.NoError(t, err)
		assert.Equal(t, int64(5), count)
	})
}
