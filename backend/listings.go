package backend

import (
	"context"
	"fmt"
	"strings"

	"msgstore.evalgo.org/objstore"
	"msgstore.evalgo.org/records"
)

// highTerm sorts after every term extending a range bound, so inclusive end
// bounds cover compound terms that continue past the bounded component.
const highTerm = "￰"

// ListOptions bounds a compound-index listing. Start and End are wire-format
// timestamps, both inclusive; empty means unbounded on that side. MaxResults
// zero means DefaultMaxResults.
type ListOptions struct {
	Start      string
	End        string
	MaxResults int
}

// KeyWithTimestamp pairs a message key with its wire-format timestamp.
type KeyWithTimestamp struct {
	Key       string
	Timestamp string
}

// KeyWithAddress adds the counterparty address: from_addr for inbound
// listings, to_addr for outbound ones.
type KeyWithAddress struct {
	Key       string
	Timestamp string
	Address   string
}

// KeyWithStatus adds the event status encoding.
type KeyWithStatus struct {
	Key       string
	Timestamp string
	Status    string
}

// ItemPage is one page of a compound-index listing, with the raw index terms
// decoded into typed items. The decoding survives NextPage.
type ItemPage[T any] struct {
	items []T
	page  *objstore.Page
	conv  func(objstore.IndexRow) (T, error)
}

func newItemPage[T any](page *objstore.Page, conv func(objstore.IndexRow) (T, error)) (*ItemPage[T], error) {
	rows := page.Rows()
	items := make([]T, 0, len(rows))
	for _, row := range rows {
		item, err := conv(row)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return &ItemPage[T]{items: items, page: page, conv: conv}, nil
}

// Items returns the decoded results, ascending by index term.
func (p *ItemPage[T]) Items() []T {
	return p.items
}

// HasNextPage reports whether another page of results exists.
func (p *ItemPage[T]) HasNextPage() bool {
	return p.page.HasNextPage()
}

// Continuation returns the opaque resume token for the next page, empty when
// the listing is exhausted.
func (p *ItemPage[T]) Continuation() string {
	return p.page.Continuation()
}

// NextPage fetches and decodes the page after this one, or nil when the
// listing is exhausted.
func (p *ItemPage[T]) NextPage(ctx context.Context) (*ItemPage[T], error) {
	next, err := p.page.NextPage(ctx)
	if err != nil || next == nil {
		return nil, err
	}
	return newItemPage(next, p.conv)
}

// ListBatchInboundKeys pages through the inbound message keys of a batch,
// sorted by key.
func (b *MessageStoreBackend) ListBatchInboundKeys(ctx context.Context, batchID string, maxResults int) (*objstore.Page, error) {
	return b.listKeys(ctx, records.InboundBucket, records.IndexBatches, batchID, maxResults)
}

// ListBatchOutboundKeys pages through the outbound message keys of a batch,
// sorted by key.
func (b *MessageStoreBackend) ListBatchOutboundKeys(ctx context.Context, batchID string, maxResults int) (*objstore.Page, error) {
	return b.listKeys(ctx, records.OutboundBucket, records.IndexBatches, batchID, maxResults)
}

// ListMessageEventKeys pages through the event keys of an outbound message,
// sorted by key.
func (b *MessageStoreBackend) ListMessageEventKeys(ctx context.Context, messageID string, maxResults int) (*objstore.Page, error) {
	return b.listKeys(ctx, records.EventBucket, records.IndexMessage, messageID, maxResults)
}

// ListBatchInboundKeysWithTimestamps pages through (key, timestamp) pairs
// for the batch's inbound messages, ascending by timestamp, optionally
// bounded on either side.
func (b *MessageStoreBackend) ListBatchInboundKeysWithTimestamps(ctx context.Context, batchID string, opts ListOptions) (*ItemPage[KeyWithTimestamp], error) {
	page, err := b.listRange(ctx, records.InboundBucket, records.IndexBatchesWithTimestamps, batchID, opts)
	if err != nil {
		return nil, err
	}
	return newItemPage(page, keyWithTimestamp)
}

// ListBatchOutboundKeysWithTimestamps pages through (key, timestamp) pairs
// for the batch's outbound messages.
func (b *MessageStoreBackend) ListBatchOutboundKeysWithTimestamps(ctx context.Context, batchID string, opts ListOptions) (*ItemPage[KeyWithTimestamp], error) {
	page, err := b.listRange(ctx, records.OutboundBucket, records.IndexBatchesWithTimestamps, batchID, opts)
	if err != nil {
		return nil, err
	}
	return newItemPage(page, keyWithTimestamp)
}

// ListBatchInboundKeysWithAddresses pages through (key, timestamp, from
// address) triples for the batch's inbound messages.
func (b *MessageStoreBackend) ListBatchInboundKeysWithAddresses(ctx context.Context, batchID string, opts ListOptions) (*ItemPage[KeyWithAddress], error) {
	page, err := b.listRange(ctx, records.InboundBucket, records.IndexBatchesWithAddresses, batchID, opts)
	if err != nil {
		return nil, err
	}
	return newItemPage(page, keyWithAddress)
}

// ListBatchOutboundKeysWithAddresses pages through (key, timestamp, to
// address) triples for the batch's outbound messages.
func (b *MessageStoreBackend) ListBatchOutboundKeysWithAddresses(ctx context.Context, batchID string, opts ListOptions) (*ItemPage[KeyWithAddress], error) {
	page, err := b.listRange(ctx, records.OutboundBucket, records.IndexBatchesWithAddresses, batchID, opts)
	if err != nil {
		return nil, err
	}
	return newItemPage(page, keyWithAddress)
}

// ListMessageEventKeysWithStatuses pages through (key, timestamp, status)
// triples for an outbound message's events.
func (b *MessageStoreBackend) ListMessageEventKeysWithStatuses(ctx context.Context, messageID string, opts ListOptions) (*ItemPage[KeyWithStatus], error) {
	page, err := b.listRange(ctx, records.EventBucket, records.IndexMessageWithStatus, messageID, opts)
	if err != nil {
		return nil, err
	}
	return newItemPage(page, keyWithStatus)
}

func (b *MessageStoreBackend) listKeys(ctx context.Context, bucket, index, term string, maxResults int) (*objstore.Page, error) {
	return b.store.RangePage(ctx, bucket, objstore.RangeQuery{
		Index:      index,
		Start:      term,
		MaxResults: effectiveMax(maxResults),
	})
}

func (b *MessageStoreBackend) listRange(ctx context.Context, bucket, index, prefix string, opts ListOptions) (*objstore.Page, error) {
	start, end := rangeBounds(prefix, opts.Start, opts.End)
	return b.store.RangePage(ctx, bucket, objstore.RangeQuery{
		Index:       index,
		Start:       start,
		End:         end,
		MaxResults:  effectiveMax(opts.MaxResults),
		ReturnTerms: true,
	})
}

// rangeBounds builds the inclusive term range of a listing under the given
// prefix component. Unbounded sides cover the whole prefix.
func rangeBounds(prefix, start, end string) (string, string) {
	startTerm := prefix + "$"
	if start != "" {
		startTerm += start
	}
	endTerm := prefix + "$"
	if end != "" {
		endTerm += end
	}
	return startTerm, endTerm + highTerm
}

func effectiveMax(maxResults int) int {
	if maxResults <= 0 {
		return DefaultMaxResults
	}
	return maxResults
}

func keyWithTimestamp(row objstore.IndexRow) (KeyWithTimestamp, error) {
	fields, err := splitTerm(row.Term, 2)
	if err != nil {
		return KeyWithTimestamp{}, err
	}
	return KeyWithTimestamp{Key: row.Key, Timestamp: fields[1]}, nil
}

func keyWithAddress(row objstore.IndexRow) (KeyWithAddress, error) {
	fields, err := splitTerm(row.Term, 3)
	if err != nil {
		return KeyWithAddress{}, err
	}
	return KeyWithAddress{Key: row.Key, Timestamp: fields[1], Address: fields[2]}, nil
}

func keyWithStatus(row objstore.IndexRow) (KeyWithStatus, error) {
	fields, err := splitTerm(row.Term, 3)
	if err != nil {
		return KeyWithStatus{}, err
	}
	return KeyWithStatus{Key: row.Key, Timestamp: fields[1], Status: fields[2]}, nil
}

func splitTerm(term string, parts int) ([]string, error) {
	fields := strings.SplitN(term, "$", parts)
	if len(fields) != parts {
		return nil, fmt.Errorf("malformed index term %q", term)
	}
	return fields, nil
}
