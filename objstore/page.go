package objstore

import "context"

// IndexRow is a single range scan result: the object key plus, when the
// query asked for terms, the index term it matched under.
type IndexRow struct {
	Key  string
	Term string
}

// Page is one page of an index range scan. Rows ascend by (term, key).
// Pages are forward-only: NextPage reissues the originating query against
// the same store with the page's continuation token.
type Page struct {
	store  Store
	bucket string
	query  RangeQuery
	rows   []IndexRow
	cont   string
}

func newPage(store Store, bucket string, q RangeQuery, rows []IndexRow, cont string) *Page {
	return &Page{store: store, bucket: bucket, query: q, rows: rows, cont: cont}
}

// Rows returns the page's results. Term is empty unless the query set
// ReturnTerms.
func (p *Page) Rows() []IndexRow {
	return p.rows
}

// Keys returns just the object keys of the page's results.
func (p *Page) Keys() []string {
	keys := make([]string, len(p.rows))
	for i, row := range p.rows {
		keys[i] = row.Key
	}
	return keys
}

// HasNextPage reports whether another page of results exists.
func (p *Page) HasNextPage() bool {
	return p.cont != ""
}

// Continuation returns the opaque token that resumes the scan after this
// page, or the empty string when the scan is exhausted. Passing the token in
// RangeQuery.Continuation, in this process or another, is equivalent to
// calling NextPage.
func (p *Page) Continuation() string {
	return p.cont
}

// NextPage fetches the page after this one, or nil when the scan is
// exhausted.
func (p *Page) NextPage(ctx context.Context) (*Page, error) {
	if p.cont == "" {
		return nil, nil
	}
	q := p.query
	q.Continuation = p.cont
	return p.store.RangePage(ctx, p.bucket, q)
}

// paginate splits fetched rows into the returned page and the continuation
// encoding the first uncovered row. Fetchers hand it up to max+1 rows.
func paginate(rows []IndexRow, max int) ([]IndexRow, string) {
	if max <= 0 || len(rows) <= max {
		return rows, ""
	}
	next := rows[max]
	return rows[:max], encodeContinuation(next.Term, next.Key)
}
