package objstore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	kivik "github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb" // The CouchDB driver

	"msgstore.evalgo.org/common"
)

// Design document served by every bucket database. The entries view emits
// one [index, term] row per index entry; raw collation keeps term
// comparisons byte-ordered, matching the bbolt adapter.
const (
	couchDesignName  = "indexes"
	couchEntriesView = "entries"
)

const couchEntriesMap = `function (doc) {
  if (doc.indexes) {
    doc.indexes.forEach(function (entry) {
      emit([entry.index, entry.term], null);
    });
  }
}`

// couchPutAttempts bounds the revision-conflict retry loop on writes.
const couchPutAttempts = 5

type couchDocument struct {
	ID          string          `json:"_id"`
	Rev         string          `json:"_rev,omitempty"`
	ContentType string          `json:"content_type"`
	Data        json.RawMessage `json:"data"`
	Indexes     []IndexEntry    `json:"indexes"`
}

type couchDesignDoc struct {
	ID       string                 `json:"_id"`
	Rev      string                 `json:"_rev,omitempty"`
	Language string                 `json:"language"`
	Options  map[string]interface{} `json:"options,omitempty"`
	Views    map[string]couchView   `json:"views"`
}

type couchView struct {
	Map string `json:"map"`
}

// CouchStore is the production object store adapter. Each bucket maps to its
// own CouchDB database named <prefix><bucket>, created on first use together
// with the index design document. The kivik client pools connections and is
// safe for concurrent use.
type CouchStore struct {
	client *kivik.Client
	prefix string

	mu  sync.Mutex
	dbs map[string]*kivik.DB
}

var _ Store = (*CouchStore)(nil)

// NewCouchStore connects to the CouchDB server at serverURL. Credentials
// travel in the URL userinfo. Bucket databases are created lazily with the
// given name prefix.
func NewCouchStore(serverURL, prefix string) (*CouchStore, error) {
	client, err := kivik.New("couch", serverURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to CouchDB: %w", err)
	}
	common.Logger.WithField("prefix", prefix).Info("Opened CouchDB object store")
	return &CouchStore{
		client: client,
		prefix: prefix,
		dbs:    make(map[string]*kivik.DB),
	}, nil
}

// Put stores the object as a document keyed by the object key. CouchDB wants
// the current revision on updates, so the write fetches it first and retries
// on revision races. The document carries the full index entry set; the
// entries view reindexes it, which drops rows the new set no longer
// contains.
func (s *CouchStore) Put(ctx context.Context, bucket string, obj *Object) error {
	if obj == nil || obj.Key == "" {
		return fmt.Errorf("object must have a key")
	}
	if !json.Valid(obj.Data) {
		return fmt.Errorf("object %q payload is not JSON", obj.Key)
	}
	db, err := s.bucketDB(ctx, bucket)
	if err != nil {
		return err
	}
	doc := couchDocument{
		ID:          obj.Key,
		ContentType: obj.ContentType,
		Data:        json.RawMessage(obj.Data),
		Indexes:     obj.Indexes,
	}
	for attempt := 0; attempt < couchPutAttempts; attempt++ {
		rev, err := s.currentRev(ctx, db, obj.Key)
		if err != nil {
			return err
		}
		doc.Rev = rev
		if _, err := db.Put(ctx, obj.Key, doc); err == nil {
			return nil
		} else if kivik.HTTPStatus(err) != http.StatusConflict {
			return unavailable("put", err)
		}
		// Lost a revision race; reload the revision and try again.
	}
	return unavailable("put", fmt.Errorf("revision conflicts persisted for %s/%s", bucket, obj.Key))
}

// Get loads the object stored under key.
func (s *CouchStore) Get(ctx context.Context, bucket, key string) (*Object, error) {
	db, err := s.bucketDB(ctx, bucket)
	if err != nil {
		return nil, err
	}
	row := db.Get(ctx, key)
	if err := row.Err(); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return nil, fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound)
		}
		return nil, unavailable("get", err)
	}
	var doc couchDocument
	if err := row.ScanDoc(&doc); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return nil, fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound)
		}
		return nil, unavailable("get", err)
	}
	return &Object{
		Key:         key,
		ContentType: doc.ContentType,
		Data:        []byte(doc.Data),
		Indexes:     doc.Indexes,
	}, nil
}

// RangePage scans one page of an index through the entries view. Resumption
// uses the startkey/startkey_docid idiom: rows at the continuation term skip
// document ids below the continuation key, later terms are unaffected.
func (s *CouchStore) RangePage(ctx context.Context, bucket string, q RangeQuery) (*Page, error) {
	if q.Index == "" {
		return nil, fmt.Errorf("range query needs an index name")
	}
	db, err := s.bucketDB(ctx, bucket)
	if err != nil {
		return nil, err
	}
	lowTerm, lowKey := q.Start, ""
	if q.Continuation != "" {
		term, key, err := decodeContinuation(q.Continuation)
		if err != nil {
			return nil, err
		}
		lowTerm, lowKey = term, key
	}
	endTerm := q.End
	if endTerm == "" {
		endTerm = q.Start
	}
	params := map[string]interface{}{
		"startkey":      []string{q.Index, lowTerm},
		"endkey":        []string{q.Index, endTerm},
		"inclusive_end": true,
		"reduce":        false,
	}
	if lowKey != "" {
		params["startkey_docid"] = lowKey
	}
	if q.MaxResults > 0 {
		params["limit"] = q.MaxResults + 1
	}

	rows := db.Query(ctx, "_design/"+couchDesignName, couchEntriesView, kivik.Params(params))
	defer rows.Close()

	var results []IndexRow
	for rows.Next() {
		id, err := rows.ID()
		if err != nil {
			return nil, unavailable("range", err)
		}
		row := IndexRow{Key: id}
		if q.ReturnTerms {
			key, err := rows.Key()
			if err != nil {
				return nil, unavailable("range", err)
			}
			var pair []string
			if err := json.Unmarshal([]byte(key), &pair); err != nil || len(pair) != 2 {
				return nil, fmt.Errorf("unexpected view key %s", key)
			}
			row.Term = pair[1]
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("range", err)
	}
	results, cont := paginate(results, q.MaxResults)
	return newPage(s, bucket, q, results, cont), nil
}

// Close releases the kivik client.
func (s *CouchStore) Close() error {
	return s.client.Close()
}

// bucketDB returns the database backing a bucket, creating the database and
// its design document on first use.
func (s *CouchStore) bucketDB(ctx context.Context, bucket string) (*kivik.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.dbs[bucket]; ok {
		return db, nil
	}
	name := s.prefix + bucket
	exists, err := s.client.DBExists(ctx, name)
	if err != nil {
		return nil, unavailable("ensure bucket", err)
	}
	if !exists {
		if err := s.client.CreateDB(ctx, name); err != nil {
			// Another writer may have created it between the check and now.
			if kivik.HTTPStatus(err) != http.StatusPreconditionFailed {
				return nil, unavailable("ensure bucket", err)
			}
		}
	}
	db := s.client.DB(name)
	if err := s.ensureIndexView(ctx, db); err != nil {
		return nil, err
	}
	s.dbs[bucket] = db
	return db, nil
}

func (s *CouchStore) ensureIndexView(ctx context.Context, db *kivik.DB) error {
	docID := "_design/" + couchDesignName
	row := db.Get(ctx, docID)
	err := row.Err()
	if err == nil {
		return nil
	}
	if kivik.HTTPStatus(err) != http.StatusNotFound {
		return unavailable("ensure bucket", err)
	}
	doc := couchDesignDoc{
		ID:       docID,
		Language: "javascript",
		Options:  map[string]interface{}{"collation": "raw"},
		Views: map[string]couchView{
			couchEntriesView: {Map: couchEntriesMap},
		},
	}
	if _, err := db.Put(ctx, docID, doc); err != nil {
		if kivik.HTTPStatus(err) == http.StatusConflict {
			return nil
		}
		return unavailable("ensure bucket", err)
	}
	return nil
}

func (s *CouchStore) currentRev(ctx context.Context, db *kivik.DB, key string) (string, error) {
	row := db.Get(ctx, key)
	if err := row.Err(); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return "", nil
		}
		return "", unavailable("get", err)
	}
	var doc map[string]interface{}
	if err := row.ScanDoc(&doc); err != nil {
		return "", unavailable("get", err)
	}
	rev, _ := doc["_rev"].(string)
	return rev, nil
}
