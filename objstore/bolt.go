package objstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"msgstore.evalgo.org/common"
)

// Top-level bbolt bucket names. Object payloads live under
// objects/<bucket>/<key>; index rows live under indexes/<bucket>/<index>
// keyed term NUL key, so byte order equals (term, key) order.
var (
	boltObjectsRoot = []byte("objects")
	boltIndexesRoot = []byte("indexes")
)

// storedObject is the bbolt on-disk wrapper around an object payload.
type storedObject struct {
	ContentType string       `json:"content_type"`
	Data        []byte       `json:"data"`
	Indexes     []IndexEntry `json:"indexes"`
}

// BoltStore is an embedded object store backed by a single bbolt file. It
// implements the same contract as the CouchDB adapter and backs the
// behavioral test suites.
type BoltStore struct {
	db *bolt.DB
}

var _ Store = (*BoltStore)(nil)

// OpenBolt opens or creates a bbolt-backed store at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, unavailable("open", fmt.Errorf("failed to open database: %w", err))
	}
	common.Logger.WithField("path", path).Debug("Opened bbolt object store")
	return &BoltStore{db: db}, nil
}

// Put stores the object and replaces its index rows. Rows belonging to the
// previous version but absent from the new index set are removed in the same
// transaction.
func (s *BoltStore) Put(ctx context.Context, bucket string, obj *Object) error {
	if obj == nil || obj.Key == "" {
		return fmt.Errorf("object must have a key")
	}
	value, err := json.Marshal(storedObject{
		ContentType: obj.ContentType,
		Data:        obj.Data,
		Indexes:     obj.Indexes,
	})
	if err != nil {
		return fmt.Errorf("failed to encode object %q: %w", obj.Key, err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		objects, err := boltObjectBucket(tx, bucket)
		if err != nil {
			return err
		}
		if previous := objects.Get([]byte(obj.Key)); previous != nil {
			var old storedObject
			if err := json.Unmarshal(previous, &old); err != nil {
				return fmt.Errorf("failed to decode stored object %q: %w", obj.Key, err)
			}
			for _, entry := range old.Indexes {
				ib, err := boltIndexBucket(tx, bucket, entry.Index)
				if err != nil {
					return err
				}
				if err := ib.Delete(boltIndexRow(entry.Term, obj.Key)); err != nil {
					return err
				}
			}
		}
		if err := objects.Put([]byte(obj.Key), value); err != nil {
			return err
		}
		for _, entry := range obj.Indexes {
			ib, err := boltIndexBucket(tx, bucket, entry.Index)
			if err != nil {
				return err
			}
			if err := ib.Put(boltIndexRow(entry.Term, obj.Key), nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return unavailable("put", err)
	}
	return nil
}

// Get loads the object stored under key.
func (s *BoltStore) Get(ctx context.Context, bucket, key string) (*Object, error) {
	var obj *Object
	err := s.db.View(func(tx *bolt.Tx) error {
		objects := boltLookupObjects(tx, bucket)
		if objects == nil {
			return ErrNotFound
		}
		value := objects.Get([]byte(key))
		if value == nil {
			return ErrNotFound
		}
		var stored storedObject
		if err := json.Unmarshal(value, &stored); err != nil {
			return fmt.Errorf("failed to decode stored object %q: %w", key, err)
		}
		obj = &Object{
			Key:         key,
			ContentType: stored.ContentType,
			Data:        append([]byte(nil), stored.Data...),
			Indexes:     stored.Indexes,
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound)
		}
		return nil, unavailable("get", err)
	}
	return obj, nil
}

// RangePage scans one page of an index. The cursor seeks to the greater of
// the range start and the continuation pair, then walks rows in byte order
// until the range ends or the page fills.
func (s *BoltStore) RangePage(ctx context.Context, bucket string, q RangeQuery) (*Page, error) {
	if q.Index == "" {
		return nil, fmt.Errorf("range query needs an index name")
	}
	lowTerm, lowKey := q.Start, ""
	if q.Continuation != "" {
		term, key, err := decodeContinuation(q.Continuation)
		if err != nil {
			return nil, err
		}
		lowTerm, lowKey = term, key
	}
	limit := 0
	if q.MaxResults > 0 {
		limit = q.MaxResults + 1
	}
	var rows []IndexRow
	err := s.db.View(func(tx *bolt.Tx) error {
		ib := boltLookupIndex(tx, bucket, q.Index)
		if ib == nil {
			return nil
		}
		c := ib.Cursor()
		for row, _ := c.Seek(boltIndexRow(lowTerm, lowKey)); row != nil; row, _ = c.Next() {
			term, key, ok := boltSplitIndexRow(row)
			if !ok {
				continue
			}
			if q.End == "" {
				if term != q.Start {
					break
				}
			} else if term > q.End {
				break
			}
			r := IndexRow{Key: key}
			if q.ReturnTerms {
				r.Term = term
			}
			rows = append(rows, r)
			if limit > 0 && len(rows) == limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("range", err)
	}
	rows, cont := paginate(rows, q.MaxResults)
	return newPage(s, bucket, q, rows, cont), nil
}

// Close closes the underlying bbolt file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func boltObjectBucket(tx *bolt.Tx, bucket string) (*bolt.Bucket, error) {
	root, err := tx.CreateBucketIfNotExists(boltObjectsRoot)
	if err != nil {
		return nil, err
	}
	return root.CreateBucketIfNotExists([]byte(bucket))
}

func boltIndexBucket(tx *bolt.Tx, bucket, index string) (*bolt.Bucket, error) {
	root, err := tx.CreateBucketIfNotExists(boltIndexesRoot)
	if err != nil {
		return nil, err
	}
	b, err := root.CreateBucketIfNotExists([]byte(bucket))
	if err != nil {
		return nil, err
	}
	return b.CreateBucketIfNotExists([]byte(index))
}

func boltLookupObjects(tx *bolt.Tx, bucket string) *bolt.Bucket {
	root := tx.Bucket(boltObjectsRoot)
	if root == nil {
		return nil
	}
	return root.Bucket([]byte(bucket))
}

func boltLookupIndex(tx *bolt.Tx, bucket, index string) *bolt.Bucket {
	root := tx.Bucket(boltIndexesRoot)
	if root == nil {
		return nil
	}
	b := root.Bucket([]byte(bucket))
	if b == nil {
		return nil
	}
	return b.Bucket([]byte(index))
}

// boltIndexRow builds the key of one index row. NUL sorts before every
// printable byte, so concatenated rows order exactly like (term, key)
// tuples.
func boltIndexRow(term, key string) []byte {
	row := make([]byte, 0, len(term)+1+len(key))
	row = append(row, term...)
	row = append(row, 0x00)
	row = append(row, key...)
	return row
}

func boltSplitIndexRow(row []byte) (term, key string, ok bool) {
	i := bytes.IndexByte(row, 0x00)
	if i < 0 {
		return "", "", false
	}
	return string(row[:i]), string(row[i+1:]), true
}
