package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"ndi.dev/core/document"
	"ndi.dev/core/ndierr"
	"ndi.dev/core/query"
)

// bucket layout: one pair of buckets per branch. "<branch>" maps document id
// to its JSON wire form; "<branch>.seq" maps a monotonically increasing
// sequence number to the id, which is what makes Search insertion-ordered
// even when callers supply their own ids (cloud downloads arrive with UUIDs
// that don't sort chronologically).
const seqSuffix = ".seq"

// BoltStorage is the default Storage substrate: a single bbolt file at
// <root>/.ndi/ndi.db plus a binary sidecar directory next to it.
type BoltStorage struct {
	db        *bolt.DB
	branch    string
	binaryDir string
}

// OpenBolt opens (or creates) the document store file at dbPath and uses
// binaryDir for file sidecars.
func OpenBolt(dbPath, binaryDir string) (*BoltStorage, error) {
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open document store: %w", err)
	}
	s := &BoltStorage{db: db, branch: Branch, binaryDir: binaryDir}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(s.branch)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(s.branch + seqSuffix))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create branch buckets: %w", err)
	}
	return s, nil
}

func (s *BoltStorage) Close() error {
	return s.db.Close()
}

func seqKey(n uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, n)
	return k
}

func (s *BoltStorage) put(doc *document.Document, mustBeNew, mustExist bool) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document %s: %w", doc.ID(), err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(s.branch))
		existing := b.Get([]byte(doc.ID()))
		if mustBeNew && existing != nil {
			return ndierr.Newf(ndierr.AlreadyExists, "document %s already present", doc.ID())
		}
		if mustExist && existing == nil {
			return ndierr.Newf(ndierr.NotFound, "document %s not present", doc.ID())
		}
		if existing == nil {
			seq := tx.Bucket([]byte(s.branch + seqSuffix))
			n, err := seq.NextSequence()
			if err != nil {
				return err
			}
			if err := seq.Put(seqKey(n), []byte(doc.ID())); err != nil {
				return err
			}
		}
		return b.Put([]byte(doc.ID()), data)
	})
}

func (s *BoltStorage) Add(doc *document.Document) error {
	return s.put(doc, true, false)
}

func (s *BoltStorage) Update(doc *document.Document) error {
	return s.put(doc, false, true)
}

func (s *BoltStorage) AddOrReplace(doc *document.Document) error {
	return s.put(doc, false, false)
}

func (s *BoltStorage) Remove(id string) (bool, error) {
	removed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(s.branch))
		if b.Get([]byte(id)) == nil {
			return nil
		}
		removed = true
		if err := b.Delete([]byte(id)); err != nil {
			return err
		}
		seq := tx.Bucket([]byte(s.branch + seqSuffix))
		c := seq.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if string(v) == id {
				return seq.Delete(k)
			}
		}
		return nil
	})
	return removed, err
}

func (s *BoltStorage) Read(id string) (*document.Document, bool, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket([]byte(s.branch)).Get([]byte(id)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if data == nil {
		return nil, false, nil
	}
	var doc document.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal document %s: %w", id, err)
	}
	return &doc, true, nil
}

// Search walks the sequence bucket so matches come back in the order they
// were first added, then evaluates q against each decoded document.
func (s *BoltStorage) Search(q *query.Query) ([]*document.Document, error) {
	var out []*document.Document
	err := s.db.View(func(tx *bolt.Tx) error {
		docs := tx.Bucket([]byte(s.branch))
		seq := tx.Bucket([]byte(s.branch + seqSuffix))
		return seq.ForEach(func(_, id []byte) error {
			data := docs.Get(id)
			if data == nil {
				return nil
			}
			var doc document.Document
			if err := json.Unmarshal(data, &doc); err != nil {
				return fmt.Errorf("failed to unmarshal document %s: %w", id, err)
			}
			if q == nil || query.Eval(q, &doc) {
				out = append(out, &doc)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStorage) BinaryPath(docID, filename string) string {
	return binaryPath(s.binaryDir, docID, filename)
}

// BinaryDir exposes the sidecar directory so sessions can create it and
// resolvers can sweep stale temp files out of it.
func (s *BoltStorage) BinaryDir() string {
	return filepath.Clean(s.binaryDir)
}
