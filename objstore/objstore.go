// Package objstore persists versioned JSON records in named buckets with
// per-object secondary index entries and serves paginated range scans over
// those indexes. Two adapters share the contract: a CouchDB adapter for
// production deployments and an embedded bbolt adapter for tests and
// single-node setups.
package objstore

import "context"

// Object is a stored record: an opaque payload plus the authoritative set of
// index entries the object should be findable under. Writing an object
// replaces any previously stored entries absent from Indexes.
type Object struct {
	Key         string
	ContentType string
	Data        []byte
	Indexes     []IndexEntry
}

// IndexEntry is one secondary index membership: the object appears in the
// named index under the given term. An object may carry several terms in the
// same index.
type IndexEntry struct {
	Index string `json:"index"`
	Term  string `json:"term"`
}

// RangeQuery describes an index range scan. With End unset the scan matches
// Start exactly; otherwise it covers Start <= term <= End, both bounds
// inclusive. MaxResults zero asks for a single unbounded page. Continuation
// resumes a scan from the token of a previous page.
type RangeQuery struct {
	Index        string
	Start        string
	End          string
	MaxResults   int
	Continuation string
	ReturnTerms  bool
}

// Store is the object store contract shared by the CouchDB and bbolt
// adapters.
type Store interface {
	// Put stores the object under its key, replacing a previous version
	// together with its index entries.
	Put(ctx context.Context, bucket string, obj *Object) error

	// Get loads the object stored under key. Absent keys yield an error
	// matching ErrNotFound.
	Get(ctx context.Context, bucket, key string) (*Object, error)

	// RangePage runs one page of an index range scan.
	RangePage(ctx context.Context, bucket string, q RangeQuery) (*Page, error)

	// Close releases the underlying store handles.
	Close() error
}
