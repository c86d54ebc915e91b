//go:build integration
// +build integration

package objstore

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msgstore.evalgo.org/containers"
)

func TestCouchStoreIntegration(t *testing.T) {
	ctx := context.Background()

	url, cleanup, err := containers.SetupCouchDB(ctx, nil)
	require.NoError(t, err, "Failed to start CouchDB container")
	defer cleanup()

	store, err := NewCouchStore(url, "msgstore_test_")
	require.NoError(t, err, "Failed to create CouchDB store")
	defer store.Close()

	t.Run("put and get round trip", func(t *testing.T) {
		obj := &Object{
			Key:         "m1",
			ContentType: "application/json",
			Data:        []byte(`{"content":"hello","$VERSION":3}`),
			Indexes: []IndexEntry{
				{Index: "batches", Term: "b1"},
			},
		}
		require.NoError(t, store.Put(ctx, "inbound_message", obj))

		got, err := store.Get(ctx, "inbound_message", "m1")
		require.NoError(t, err)
		assert.Equal(t, "m1", got.Key)
		assert.Equal(t, "application/json", got.ContentType)
		assert.JSONEq(t, string(obj.Data), string(got.Data))
		assert.Equal(t, obj.Indexes, got.Indexes)
	})

	t.Run("missing object", func(t *testing.T) {
		_, err := store.Get(ctx, "inbound_message", "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("overwrite keeps a single revision chain", func(t *testing.T) {
		first := &Object{Key: "ow1", ContentType: "application/json", Data: []byte(`{"v":1}`)}
		second := &Object{Key: "ow1", ContentType: "application/json", Data: []byte(`{"v":2}`)}
		require.NoError(t, store.Put(ctx, "batch", first))
		require.NoError(t, store.Put(ctx, "batch", second))

		got, err := store.Get(ctx, "batch", "ow1")
		require.NoError(t, err)
		assert.JSONEq(t, `{"v":2}`, string(got.Data))
	})

	t.Run("index replacement drops stale entries", func(t *testing.T) {
		putIndexed(t, store, "event", "e1",
			IndexEntry{Index: "message", Term: "m1"})
		putIndexed(t, store, "event", "e1",
			IndexEntry{Index: "message", Term: "m2"})

		page, err := store.RangePage(ctx, "event", RangeQuery{Index: "message", Start: "m1"})
		require.NoError(t, err)
		assert.Empty(t, page.Keys())

		page, err = store.RangePage(ctx, "event", RangeQuery{Index: "message", Start: "m2"})
		require.NoError(t, err)
		assert.Equal(t, []string{"e1"}, page.Keys())
	})

	t.Run("range scan with pagination", func(t *testing.T) {
		for i := 1; i <= 5; i++ {
			term := fmt.Sprintf("b2$2014-01-01 00:00:0%d.000", i)
			putIndexed(t, store, "outbound_message", fmt.Sprintf("om%d", i),
				IndexEntry{Index: "batches_with_timestamps", Term: term})
		}

		page, err := store.RangePage(ctx, "outbound_message", RangeQuery{
			Index:       "batches_with_timestamps",
			Start:       "b2$",
			End:         "b2$￰",
			MaxResults:  3,
			ReturnTerms: true,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"om1", "om2", "om3"}, page.Keys())
		require.True(t, page.HasNextPage())

		next, err := page.NextPage(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"om4", "om5"}, next.Keys())
		assert.False(t, next.HasNextPage())
	})

	t.Run("continuation token resumes across clients", func(t *testing.T) {
		for i := 1; i <= 4; i++ {
			putIndexed(t, store, "inbound_message", fmt.Sprintf("cm%d", i),
				IndexEntry{Index: "batches", Term: "cb1"})
		}

		page, err := store.RangePage(ctx, "inbound_message", RangeQuery{
			Index:      "batches",
			Start:      "cb1",
			MaxResults: 2,
		})
		require.NoError(t, err)
		token := page.Continuation()
		require.NotEmpty(t, token)

		other, err := NewCouchStore(url, "msgstore_test_")
		require.NoError(t, err)
		defer other.Close()

		resumed, err := other.RangePage(ctx, "inbound_message", RangeQuery{
			Index:        "batches",
			Start:        "cb1",
			MaxResults:   2,
			Continuation: token,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"cm3", "cm4"}, resumed.Keys())
		assert.False(t, resumed.HasNextPage())
	})
}
