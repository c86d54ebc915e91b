package msgstore

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"msgstore.evalgo.org/backend"
	"msgstore.evalgo.org/cache"
	"msgstore.evalgo.org/common"
	"msgstore.evalgo.org/records"
)

// Rebuild defaults.
const (
	// DefaultRebuildPageSize is the authoritative listing page size used
	// while replaying a batch.
	DefaultRebuildPageSize = 1000
	// DefaultRebuildRate caps how many keys per second a rebuild feeds into
	// the cache.
	DefaultRebuildRate = 5000
)

// RebuildOptions tunes a batch info rebuild. The zero value uses the
// defaults.
type RebuildOptions struct {
	// PageSize overrides DefaultRebuildPageSize when positive.
	PageSize int
	// KeysPerSecond overrides DefaultRebuildRate when positive; negative
	// disables pacing entirely.
	KeysPerSecond float64
}

// BatchInfoSnapshot captures a batch's cache counters and status histogram at
// one point in time.
type BatchInfoSnapshot struct {
	InboundCount  int64
	OutboundCount int64
	EventCount    int64
	Status        map[string]int64
}

// RebuildReport summarizes a completed batch info rebuild.
type RebuildReport struct {
	BatchID  string
	Inbound  int64
	Outbound int64
	Events   int64

	// Before holds the counters as they stood prior to the rebuild, so
	// callers can inspect how far the cache had drifted.
	Before BatchInfoSnapshot
}

// RebuildBatchInfo rebuilds a batch's cache from the authoritative store. The
// batch's cache entries are cleared and re-seeded, then the inbound and
// outbound listings, and the event listing of every outbound message, are
// replayed page by page through the key-level cache adders. The replay is
// paced so a large batch does not saturate the cache.
//
// Any partial cache state, including state left behind by a crashed write
// fan-out, is overwritten. The returned report carries the replayed totals
// and the pre-rebuild counter snapshot.
func (m *BatchManager) RebuildBatchInfo(ctx context.Context, batchID string, opts RebuildOptions) (*RebuildReport, error) {
	defer common.LogDuration(common.Logger, "rebuild batch info")()

	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = DefaultRebuildPageSize
	}
	limit := rate.Limit(opts.KeysPerSecond)
	if opts.KeysPerSecond == 0 {
		limit = DefaultRebuildRate
	} else if opts.KeysPerSecond < 0 {
		limit = rate.Inf
	}
	limiter := rate.NewLimiter(limit, 1)

	before, err := m.snapshotBatchInfo(ctx, batchID)
	if err != nil {
		return nil, err
	}

	if err := m.cache.ClearBatch(ctx, batchID); err != nil {
		return nil, fmt.Errorf("failed to clear batch info for %s: %w", batchID, err)
	}
	if err := m.cache.BatchStart(ctx, batchID); err != nil {
		return nil, fmt.Errorf("failed to seed batch info for %s: %w", batchID, err)
	}

	report := &RebuildReport{BatchID: batchID, Before: *before}
	if err := m.replayInbound(ctx, batchID, pageSize, limiter, report); err != nil {
		return nil, err
	}
	if err := m.replayOutbound(ctx, batchID, pageSize, limiter, report); err != nil {
		return nil, err
	}

	common.Logger.WithFields(logrus.Fields{
		"batch_id": batchID,
		"inbound":  humanize.Comma(report.Inbound),
		"outbound": humanize.Comma(report.Outbound),
		"events":   humanize.Comma(report.Events),
	}).Info("Rebuilt batch info")

	if before.InboundCount != report.Inbound ||
		before.OutboundCount != report.Outbound ||
		before.EventCount != report.Events {
		common.Logger.WithFields(logrus.Fields{
			"batch_id":        batchID,
			"inbound_before":  before.InboundCount,
			"outbound_before": before.OutboundCount,
			"events_before":   before.EventCount,
		}).Warn("Batch info had drifted from the authoritative store")
	}
	return report, nil
}

// replayInbound feeds the batch's inbound listing back into the cache.
func (m *BatchManager) replayInbound(ctx context.Context, batchID string, pageSize int, limiter *rate.Limiter, report *RebuildReport) error {
	page, err := m.backend.ListBatchInboundKeysWithTimestamps(ctx, batchID, backend.ListOptions{MaxResults: pageSize})
	if err != nil {
		return err
	}
	for page != nil {
		for _, item := range page.Items() {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
			ts, err := records.ParseTimestamp(item.Timestamp)
			if err != nil {
				return fmt.Errorf("inbound %s: %w", item.Key, err)
			}
			if err := m.cache.AddInboundMessageKey(ctx, batchID, item.Key, ts.Epoch()); err != nil {
				return err
			}
			report.Inbound++
		}
		if page, err = page.NextPage(ctx); err != nil {
			return err
		}
	}
	return nil
}

// replayOutbound feeds the batch's outbound listing back into the cache,
// chasing each outbound message's events as it goes.
func (m *BatchManager) replayOutbound(ctx context.Context, batchID string, pageSize int, limiter *rate.Limiter, report *RebuildReport) error {
	page, err := m.backend.ListBatchOutboundKeysWithTimestamps(ctx, batchID, backend.ListOptions{MaxResults: pageSize})
	if err != nil {
		return err
	}
	for page != nil {
		for _, item := range page.Items() {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
			ts, err := records.ParseTimestamp(item.Timestamp)
			if err != nil {
				return fmt.Errorf("outbound %s: %w", item.Key, err)
			}
			if err := m.cache.AddOutboundMessageKey(ctx, batchID, item.Key, ts.Epoch()); err != nil {
				return err
			}
			report.Outbound++
			if err := m.replayMessageEvents(ctx, batchID, item.Key, pageSize, limiter, report); err != nil {
				return err
			}
		}
		if page, err = page.NextPage(ctx); err != nil {
			return err
		}
	}
	return nil
}

// replayMessageEvents feeds one outbound message's events back into the
// cache.
func (m *BatchManager) replayMessageEvents(ctx context.Context, batchID, messageID string, pageSize int, limiter *rate.Limiter, report *RebuildReport) error {
	page, err := m.backend.ListMessageEventKeysWithStatuses(ctx, messageID, backend.ListOptions{MaxResults: pageSize})
	if err != nil {
		return err
	}
	for page != nil {
		for _, item := range page.Items() {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
			ts, err := records.ParseTimestamp(item.Timestamp)
			if err != nil {
				return fmt.Errorf("event %s: %w", item.Key, err)
			}
			if err := m.cache.AddEventKey(ctx, batchID, item.Key, item.Status, ts.Epoch()); err != nil {
				return err
			}
			report.Events++
		}
		if page, err = page.NextPage(ctx); err != nil {
			return err
		}
	}
	return nil
}

// snapshotBatchInfo reads all of a batch's counters and its status histogram.
func (m *BatchManager) snapshotBatchInfo(ctx context.Context, batchID string) (*BatchInfoSnapshot, error) {
	inbound, err := m.cache.GetInboundMessageCount(ctx, batchID)
	if err != nil {
		return nil, err
	}
	outbound, err := m.cache.GetOutboundMessageCount(ctx, batchID)
	if err != nil {
		return nil, err
	}
	events, err := m.cache.GetEventCount(ctx, batchID)
	if err != nil {
		return nil, err
	}
	status, err := m.cache.GetBatchStatus(ctx, batchID)
	if err != nil {
		return nil, err
	}
	return &BatchInfoSnapshot{
		InboundCount:  inbound,
		OutboundCount: outbound,
		EventCount:    events,
		Status:        status,
	}, nil
}

// CheckBatchInfo verifies the internal invariants of a batch's cache without
// consulting the authoritative store: every counter must cover its recency
// set, the sent status must equal the outbound counter, and the delivery
// report rollup must equal the sum of its sub-statuses. Violations are
// returned as an *InconsistencyError; the usual response is a rebuild.
func (m *BatchManager) CheckBatchInfo(ctx context.Context, batchID string) error {
	snapshot, err := m.snapshotBatchInfo(ctx, batchID)
	if err != nil {
		return err
	}

	var problems []string
	counters := []struct {
		name  string
		count int64
		list  func(context.Context, string) ([]string, error)
	}{
		{"inbound", snapshot.InboundCount, m.cache.ListInboundMessageKeys},
		{"outbound", snapshot.OutboundCount, m.cache.ListOutboundMessageKeys},
		{"event", snapshot.EventCount, m.cache.ListEventKeys},
	}
	for _, c := range counters {
		keys, err := c.list(ctx, batchID)
		if err != nil {
			return err
		}
		if int64(len(keys)) > c.count {
			problems = append(problems, fmt.Sprintf(
				"%s count %d below recency set size %d", c.name, c.count, len(keys)))
		}
	}

	if sent := snapshot.Status[cache.StatusSent]; sent != snapshot.OutboundCount {
		problems = append(problems, fmt.Sprintf(
			"sent status %d does not match outbound count %d", sent, snapshot.OutboundCount))
	}

	var subStatusSum int64
	for _, status := range []string{
		records.DeliveryStatusDelivered,
		records.DeliveryStatusFailed,
		records.DeliveryStatusPending,
	} {
		subStatusSum += snapshot.Status[records.EventDeliveryReport+"."+status]
	}
	if rollup := snapshot.Status[records.EventDeliveryReport]; rollup != subStatusSum {
		problems = append(problems, fmt.Sprintf(
			"delivery_report rollup %d does not match sub-status sum %d", rollup, subStatusSum))
	}

	if len(problems) > 0 {
		return &InconsistencyError{BatchID: batchID, Problems: problems}
	}
	return nil
}
