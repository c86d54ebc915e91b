// Package cache maintains low-latency per-batch message statistics in Redis:
// message and event counters, a delivery status histogram, and bounded
// recency sets of the most recent keys. The cache is derived data; the
// authoritative store stays the source of truth and the cache can be rebuilt
// from it at any time.
package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"msgstore.evalgo.org/common"
	"msgstore.evalgo.org/records"
)

// DefaultTruncateAt caps the recency sorted sets. Counters keep exact
// totals; the sorted sets only hold the most recent keys.
const DefaultTruncateAt = 2000

// Key kinds under the batches namespace. A batch owns one key per kind:
// <prefix>:batches:<kind>:<batch_id>, plus the shared <prefix>:batches set
// of known batch ids.
const (
	batchesKey        = "batches"
	inboundKind       = "inbound"
	inboundCountKind  = "inbound_count"
	outboundKind      = "outbound"
	outboundCountKind = "outbound_count"
	eventKind         = "event"
	eventCountKind    = "event_count"
	statusKind        = "status"
)

// StatusSent is the synthetic histogram status counting outbound messages
// next to the event statuses. Part of the status encoding contract shared
// with cache consumers.
const StatusSent = "sent"

// seededStatuses are the histogram fields BatchStart creates up front so
// status reads see zeroes instead of missing fields.
var seededStatuses = []string{
	records.EventAck,
	records.EventNack,
	records.EventDeliveryReport,
	records.EventDeliveryReport + "." + records.DeliveryStatusDelivered,
	records.EventDeliveryReport + "." + records.DeliveryStatusFailed,
	records.EventDeliveryReport + "." + records.DeliveryStatusPending,
	StatusSent,
}

// Config configures the cache client.
type Config struct {
	// URL is the Redis connection URL, e.g. redis://localhost:6379/0.
	URL string
	// KeyPrefix namespaces every cache key. Empty means no prefix.
	KeyPrefix string
	// TruncateAt overrides DefaultTruncateAt when positive.
	TruncateAt int
}

// KeyScore pairs a cached key with its timestamp score (floating-point epoch
// seconds).
type KeyScore struct {
	Key   string
	Score float64
}

// BatchInfoCache tracks per-batch counters, the status histogram and the
// recency sets. All write operations are idempotent: re-adding a known key
// updates its score without double counting.
type BatchInfoCache struct {
	client     *redis.Client
	keyPrefix  string
	truncateAt int
}

// NewBatchInfoCache connects to Redis and verifies the connection.
func NewBatchInfoCache(ctx context.Context, config Config) (*BatchInfoCache, error) {
	opts, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	common.Logger.WithField("addr", opts.Addr).Info("Connected to Redis batch info cache")
	return NewBatchInfoCacheWithClient(client, config), nil
}

// NewBatchInfoCacheWithClient wraps an existing Redis client. Config.URL is
// ignored.
func NewBatchInfoCacheWithClient(client *redis.Client, config Config) *BatchInfoCache {
	truncateAt := config.TruncateAt
	if truncateAt <= 0 {
		truncateAt = DefaultTruncateAt
	}
	return &BatchInfoCache{
		client:     client,
		keyPrefix:  config.KeyPrefix,
		truncateAt: truncateAt,
	}
}

// Close closes the Redis connection.
func (c *BatchInfoCache) Close() error {
	return c.client.Close()
}

func (c *BatchInfoCache) key(parts ...string) string {
	if c.keyPrefix != "" {
		parts = append([]string{c.keyPrefix}, parts...)
	}
	return strings.Join(parts, ":")
}

func (c *BatchInfoCache) batchesSetKey() string {
	return c.key(batchesKey)
}

func (c *BatchInfoCache) batchKey(kind, batchID string) string {
	return c.key(batchesKey, kind, batchID)
}

// BatchStart registers a batch: membership in the known set, zeroed counters
// and a seeded status histogram. Counters reset on every call; histogram
// fields that already carry counts are left alone. Idempotent.
func (c *BatchInfoCache) BatchStart(ctx context.Context, batchID string) error {
	if err := c.client.SAdd(ctx, c.batchesSetKey(), batchID).Err(); err != nil {
		return fmt.Errorf("failed to register batch %s: %w", batchID, err)
	}
	for _, kind := range []string{inboundCountKind, outboundCountKind, eventCountKind} {
		if err := c.client.Set(ctx, c.batchKey(kind, batchID), 0, 0).Err(); err != nil {
			return fmt.Errorf("failed to reset %s counter for batch %s: %w", kind, batchID, err)
		}
	}
	statusKey := c.batchKey(statusKind, batchID)
	for _, status := range seededStatuses {
		if err := c.client.HSetNX(ctx, statusKey, status, 0).Err(); err != nil {
			return fmt.Errorf("failed to seed status %s for batch %s: %w", status, batchID, err)
		}
	}
	return nil
}

// BatchExists reports whether the batch is in the known set.
func (c *BatchInfoCache) BatchExists(ctx context.Context, batchID string) (bool, error) {
	exists, err := c.client.SIsMember(ctx, c.batchesSetKey(), batchID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check batch %s: %w", batchID, err)
	}
	return exists, nil
}

// ClearBatch removes every cached value for the batch, including its known
// set membership. Used before a rebuild to start from scratch; readers see
// zero counters until the rebuild catches up.
func (c *BatchInfoCache) ClearBatch(ctx context.Context, batchID string) error {
	keys := []string{
		c.batchKey(inboundKind, batchID),
		c.batchKey(inboundCountKind, batchID),
		c.batchKey(outboundKind, batchID),
		c.batchKey(outboundCountKind, batchID),
		c.batchKey(eventKind, batchID),
		c.batchKey(eventCountKind, batchID),
		c.batchKey(statusKind, batchID),
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to clear batch %s: %w", batchID, err)
	}
	if err := c.client.SRem(ctx, c.batchesSetKey(), batchID).Err(); err != nil {
		return fmt.Errorf("failed to deregister batch %s: %w", batchID, err)
	}
	return nil
}

// AddInboundMessage records an inbound message envelope against the batch.
func (c *BatchInfoCache) AddInboundMessage(ctx context.Context, batchID string, msg *records.TransportMessage) error {
	return c.AddInboundMessageKey(ctx, batchID, msg.MessageID, msg.Timestamp.Epoch())
}

// AddInboundMessageKey records an inbound message key weighted by its
// timestamp. Only a key not yet in the recency set bumps the counter.
func (c *BatchInfoCache) AddInboundMessageKey(ctx context.Context, batchID, messageKey string, timestamp float64) error {
	added, err := c.client.ZAdd(ctx, c.batchKey(inboundKind, batchID), redis.Z{
		Score:  timestamp,
		Member: messageKey,
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to add inbound key to batch %s: %w", batchID, err)
	}
	if added > 0 {
		if err := c.client.Incr(ctx, c.batchKey(inboundCountKind, batchID)).Err(); err != nil {
			return fmt.Errorf("failed to count inbound key for batch %s: %w", batchID, err)
		}
		if _, err := c.TruncateInboundMessageKeys(ctx, batchID, 0); err != nil {
			return err
		}
	}
	return nil
}

// AddOutboundMessage records an outbound message envelope against the batch.
func (c *BatchInfoCache) AddOutboundMessage(ctx context.Context, batchID string, msg *records.TransportMessage) error {
	return c.AddOutboundMessageKey(ctx, batchID, msg.MessageID, msg.Timestamp.Epoch())
}

// AddOutboundMessageKey records an outbound message key weighted by its
// timestamp. A new key bumps the sent status and the counter.
func (c *BatchInfoCache) AddOutboundMessageKey(ctx context.Context, batchID, messageKey string, timestamp float64) error {
	added, err := c.client.ZAdd(ctx, c.batchKey(outboundKind, batchID), redis.Z{
		Score:  timestamp,
		Member: messageKey,
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to add outbound key to batch %s: %w", batchID, err)
	}
	if added > 0 {
		if err := c.IncrementEventStatus(ctx, batchID, StatusSent, 1); err != nil {
			return err
		}
		if err := c.client.Incr(ctx, c.batchKey(outboundCountKind, batchID)).Err(); err != nil {
			return fmt.Errorf("failed to count outbound key for batch %s: %w", batchID, err)
		}
		if _, err := c.TruncateOutboundMessageKeys(ctx, batchID, 0); err != nil {
			return err
		}
	}
	return nil
}

// AddEvent records an event envelope against the batch, using the envelope's
// status encoding (delivery reports include their delivery status).
func (c *BatchInfoCache) AddEvent(ctx context.Context, batchID string, event *records.TransportEvent) error {
	return c.AddEventKey(ctx, batchID, event.EventID, event.Status(), event.Timestamp.Epoch())
}

// AddEventKey records an event key weighted by its timestamp. A new key
// bumps the event counter and the status histogram.
func (c *BatchInfoCache) AddEventKey(ctx context.Context, batchID, eventKey, status string, timestamp float64) error {
	added, err := c.client.ZAdd(ctx, c.batchKey(eventKind, batchID), redis.Z{
		Score:  timestamp,
		Member: eventKey,
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to add event key to batch %s: %w", batchID, err)
	}
	if added > 0 {
		if err := c.client.Incr(ctx, c.batchKey(eventCountKind, batchID)).Err(); err != nil {
			return fmt.Errorf("failed to count event key for batch %s: %w", batchID, err)
		}
		if _, err := c.TruncateEventKeys(ctx, batchID, 0); err != nil {
			return err
		}
		if err := c.IncrementEventStatus(ctx, batchID, status, 1); err != nil {
			return err
		}
	}
	return nil
}

// IncrementEventStatus bumps a status histogram field. Delivery report
// sub-statuses also roll up into the delivery_report total.
func (c *BatchInfoCache) IncrementEventStatus(ctx context.Context, batchID, status string, count int64) error {
	statusKey := c.batchKey(statusKind, batchID)
	if err := c.client.HIncrBy(ctx, statusKey, status, count).Err(); err != nil {
		return fmt.Errorf("failed to increment status %s for batch %s: %w", status, batchID, err)
	}
	if strings.HasPrefix(status, records.EventDeliveryReport+".") {
		if err := c.client.HIncrBy(ctx, statusKey, records.EventDeliveryReport, count).Err(); err != nil {
			return fmt.Errorf("failed to roll up status %s for batch %s: %w", status, batchID, err)
		}
	}
	return nil
}

// AddInboundMessageCount shifts the inbound counter without touching the
// recency set. Used by reconciliation for keys beyond the recency cap.
func (c *BatchInfoCache) AddInboundMessageCount(ctx context.Context, batchID string, count int64) error {
	if err := c.client.IncrBy(ctx, c.batchKey(inboundCountKind, batchID), count).Err(); err != nil {
		return fmt.Errorf("failed to add inbound count for batch %s: %w", batchID, err)
	}
	return nil
}

// AddOutboundMessageCount shifts the outbound counter and the sent status
// without touching the recency set. Used by reconciliation.
func (c *BatchInfoCache) AddOutboundMessageCount(ctx context.Context, batchID string, count int64) error {
	if err := c.IncrementEventStatus(ctx, batchID, StatusSent, count); err != nil {
		return err
	}
	if err := c.client.IncrBy(ctx, c.batchKey(outboundCountKind, batchID), count).Err(); err != nil {
		return fmt.Errorf("failed to add outbound count for batch %s: %w", batchID, err)
	}
	return nil
}

// AddEventCount shifts the event counter and the given status without
// touching the recency set. Used by reconciliation.
func (c *BatchInfoCache) AddEventCount(ctx context.Context, batchID, status string, count int64) error {
	if err := c.IncrementEventStatus(ctx, batchID, status, count); err != nil {
		return err
	}
	if err := c.client.IncrBy(ctx, c.batchKey(eventCountKind, batchID), count).Err(); err != nil {
		return fmt.Errorf("failed to add event count for batch %s: %w", batchID, err)
	}
	return nil
}

// GetBatchStatus returns the status histogram for the batch.
func (c *BatchInfoCache) GetBatchStatus(ctx context.Context, batchID string) (map[string]int64, error) {
	stats, err := c.client.HGetAll(ctx, c.batchKey(statusKind, batchID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read status for batch %s: %w", batchID, err)
	}
	status := make(map[string]int64, len(stats))
	for field, value := range stats {
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("status %s of batch %s holds %q: %w", field, batchID, value, err)
		}
		status[field] = n
	}
	return status, nil
}

// GetInboundMessageCount returns the inbound counter, zero when unset.
func (c *BatchInfoCache) GetInboundMessageCount(ctx context.Context, batchID string) (int64, error) {
	return c.counterValue(ctx, c.batchKey(inboundCountKind, batchID))
}

// GetOutboundMessageCount returns the outbound counter, zero when unset.
func (c *BatchInfoCache) GetOutboundMessageCount(ctx context.Context, batchID string) (int64, error) {
	return c.counterValue(ctx, c.batchKey(outboundCountKind, batchID))
}

// GetEventCount returns the event counter, zero when unset.
func (c *BatchInfoCache) GetEventCount(ctx context.Context, batchID string) (int64, error) {
	return c.counterValue(ctx, c.batchKey(eventCountKind, batchID))
}

func (c *BatchInfoCache) counterValue(ctx context.Context, key string) (int64, error) {
	value, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read counter %s: %w", key, err)
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("counter %s holds %q: %w", key, value, err)
	}
	return n, nil
}

// ListInboundMessageKeys returns the recent inbound message keys, most
// recent first.
func (c *BatchInfoCache) ListInboundMessageKeys(ctx context.Context, batchID string) ([]string, error) {
	return c.listKeys(ctx, c.batchKey(inboundKind, batchID))
}

// ListInboundMessageKeysWithTimestamps returns the recent inbound message
// keys and their timestamp scores, most recent first.
func (c *BatchInfoCache) ListInboundMessageKeysWithTimestamps(ctx context.Context, batchID string) ([]KeyScore, error) {
	return c.listKeysWithScores(ctx, c.batchKey(inboundKind, batchID))
}

// ListOutboundMessageKeys returns the recent outbound message keys, most
// recent first.
func (c *BatchInfoCache) ListOutboundMessageKeys(ctx context.Context, batchID string) ([]string, error) {
	return c.listKeys(ctx, c.batchKey(outboundKind, batchID))
}

// ListOutboundMessageKeysWithTimestamps returns the recent outbound message
// keys and their timestamp scores, most recent first.
func (c *BatchInfoCache) ListOutboundMessageKeysWithTimestamps(ctx context.Context, batchID string) ([]KeyScore, error) {
	return c.listKeysWithScores(ctx, c.batchKey(outboundKind, batchID))
}

// ListEventKeys returns the recent event keys, most recent first.
func (c *BatchInfoCache) ListEventKeys(ctx context.Context, batchID string) ([]string, error) {
	return c.listKeys(ctx, c.batchKey(eventKind, batchID))
}

// ListEventKeysWithTimestamps returns the recent event keys and their
// timestamp scores, most recent first.
func (c *BatchInfoCache) ListEventKeysWithTimestamps(ctx context.Context, batchID string) ([]KeyScore, error) {
	return c.listKeysWithScores(ctx, c.batchKey(eventKind, batchID))
}

func (c *BatchInfoCache) listKeys(ctx context.Context, key string) ([]string, error) {
	keys, err := c.client.ZRevRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", key, err)
	}
	return keys, nil
}

func (c *BatchInfoCache) listKeysWithScores(ctx context.Context, key string) ([]KeyScore, error) {
	members, err := c.client.ZRevRangeWithScores(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", key, err)
	}
	scored := make([]KeyScore, 0, len(members))
	for _, member := range members {
		name, _ := member.Member.(string)
		scored = append(scored, KeyScore{Key: name, Score: member.Score})
	}
	return scored, nil
}

// TruncateInboundMessageKeys drops all but the newest truncateAt inbound
// keys, returning how many were removed. Zero means the configured cap.
func (c *BatchInfoCache) TruncateInboundMessageKeys(ctx context.Context, batchID string, truncateAt int) (int64, error) {
	return c.truncateKeys(ctx, c.batchKey(inboundKind, batchID), truncateAt)
}

// TruncateOutboundMessageKeys drops all but the newest truncateAt outbound
// keys, returning how many were removed. Zero means the configured cap.
func (c *BatchInfoCache) TruncateOutboundMessageKeys(ctx context.Context, batchID string, truncateAt int) (int64, error) {
	return c.truncateKeys(ctx, c.batchKey(outboundKind, batchID), truncateAt)
}

// TruncateEventKeys drops all but the newest truncateAt event keys,
// returning how many were removed. Zero means the configured cap.
func (c *BatchInfoCache) TruncateEventKeys(ctx context.Context, batchID string, truncateAt int) (int64, error) {
	return c.truncateKeys(ctx, c.batchKey(eventKind, batchID), truncateAt)
}

func (c *BatchInfoCache) truncateKeys(ctx context.Context, key string, truncateAt int) (int64, error) {
	if truncateAt <= 0 {
		truncateAt = c.truncateAt
	}
	removed, err := c.client.ZRemRangeByRank(ctx, key, 0, int64(-truncateAt-1)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to truncate %s: %w", key, err)
	}
	return removed, nil
}
