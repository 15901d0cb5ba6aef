package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	kivik "github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb"

	"ndi.dev/core/document"
	"ndi.dev/core/ndierr"
	"ndi.dev/core/query"
)

// couchDoc is the envelope CouchStorage persists. The document's wire form
// sits under "ndi_document"; "ndi_properties" holds a second copy of the
// property tree under a stable key so Mango selectors can address fields
// without knowing each class's property list name. "ndi_order" is the
// insertion counter Search sorts by.
type couchDoc struct {
	ID         string             `json:"_id"`
	Rev        string             `json:"_rev,omitempty"`
	Order      uint64             `json:"ndi_order"`
	Document   *document.Document `json:"ndi_document"`
	Properties map[string]any     `json:"ndi_properties"`
}

// CouchStorage is the alternate Storage backend for a Dataset fronted by a
// shared CouchDB deployment. It pushes as much of a query as Mango can
// express to the server and re-evaluates the returned superset client-side,
// so results are exact regardless of what the selector could narrow.
type CouchStorage struct {
	client    *kivik.Client
	database  *kivik.DB
	binaryDir string
	nextOrder uint64
}

// OpenCouch connects to serverURL, creates dbName if missing, and scans the
// existing documents once to seed the insertion counter.
func OpenCouch(serverURL, dbName, binaryDir string) (*CouchStorage, error) {
	client, err := kivik.New("couch", serverURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to CouchDB: %w", err)
	}
	ctx := context.Background()
	exists, err := client.DBExists(ctx, dbName)
	if err != nil {
		return nil, fmt.Errorf("failed to check database %s: %w", dbName, err)
	}
	if !exists {
		if err := client.CreateDB(ctx, dbName); err != nil {
			return nil, fmt.Errorf("failed to create database %s: %w", dbName, err)
		}
	}
	s := &CouchStorage{
		client:    client,
		database:  client.DB(dbName),
		binaryDir: binaryDir,
	}
	if err := s.seedOrder(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *CouchStorage) seedOrder(ctx context.Context) error {
	rows := s.database.AllDocs(ctx, kivik.Param("include_docs", true))
	defer rows.Close()
	for rows.Next() {
		var cd couchDoc
		if err := rows.ScanDoc(&cd); err != nil {
			continue
		}
		if cd.Order >= s.nextOrder {
			s.nextOrder = cd.Order + 1
		}
	}
	return rows.Err()
}

func (s *CouchStorage) Close() error {
	return s.client.Close()
}

func (s *CouchStorage) fetch(ctx context.Context, id string) (*couchDoc, bool, error) {
	var cd couchDoc
	err := s.database.Get(ctx, id).ScanDoc(&cd)
	if err != nil {
		if kivik.HTTPStatus(err) == 404 {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read document %s: %w", id, err)
	}
	return &cd, true, nil
}

func (s *CouchStorage) Add(doc *document.Document) error {
	ctx := context.Background()
	if _, ok, err := s.fetch(ctx, doc.ID()); err != nil {
		return err
	} else if ok {
		return ndierr.Newf(ndierr.AlreadyExists, "document %s already present", doc.ID())
	}
	cd := couchDoc{
		ID:         doc.ID(),
		Order:      s.nextOrder,
		Document:   doc,
		Properties: doc.DocumentProperties(),
	}
	if _, err := s.database.Put(ctx, doc.ID(), cd); err != nil {
		return fmt.Errorf("failed to store document %s: %w", doc.ID(), err)
	}
	s.nextOrder++
	return nil
}

func (s *CouchStorage) Update(doc *document.Document) error {
	ctx := context.Background()
	existing, ok, err := s.fetch(ctx, doc.ID())
	if err != nil {
		return err
	}
	if !ok {
		return ndierr.Newf(ndierr.NotFound, "document %s not present", doc.ID())
	}
	cd := couchDoc{
		ID:         doc.ID(),
		Rev:        existing.Rev,
		Order:      existing.Order,
		Document:   doc,
		Properties: doc.DocumentProperties(),
	}
	if _, err := s.database.Put(ctx, doc.ID(), cd); err != nil {
		return fmt.Errorf("failed to update document %s: %w", doc.ID(), err)
	}
	return nil
}

func (s *CouchStorage) AddOrReplace(doc *document.Document) error {
	if err := s.Update(doc); err != nil {
		if ndierr.Is(err, ndierr.NotFound) {
			return s.Add(doc)
		}
		return err
	}
	return nil
}

func (s *CouchStorage) Remove(id string) (bool, error) {
	ctx := context.Background()
	existing, ok, err := s.fetch(ctx, id)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if _, err := s.database.Delete(ctx, id, existing.Rev); err != nil {
		return false, fmt.Errorf("failed to delete document %s: %w", id, err)
	}
	return true, nil
}

func (s *CouchStorage) Read(id string) (*document.Document, bool, error) {
	cd, ok, err := s.fetch(context.Background(), id)
	if err != nil || !ok {
		return nil, false, err
	}
	return cd.Document, true, nil
}

func (s *CouchStorage) Search(q *query.Query) ([]*document.Document, error) {
	ctx := context.Background()
	selector := ToMango(q)
	rows := s.database.Find(ctx, selector)
	defer rows.Close()

	var matched []couchDoc
	for rows.Next() {
		var cd couchDoc
		if err := rows.ScanDoc(&cd); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		if cd.Document == nil {
			continue
		}
		if q == nil || query.Eval(q, cd.Document) {
			matched = append(matched, cd)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Order < matched[j].Order })
	out := make([]*document.Document, len(matched))
	for i, cd := range matched {
		out[i] = cd.Document
	}
	return out, nil
}

func (s *CouchStorage) BinaryPath(docID, filename string) string {
	return binaryPath(s.binaryDir, docID, filename)
}

// ToMango translates q into a CouchDB Mango selector that matches a superset
// of q's results. Nodes Mango cannot express exactly (negation, string
// coercion ops, class/membership tests on non-scalar values) widen to
// match-all; the caller re-evaluates client-side, so widening never loses
// correctness, only narrowing efficiency.
func ToMango(q *query.Query) map[string]any {
	sel := toMango(q)
	if sel == nil {
		// match-all: _id exists on every document
		return map[string]any{"_id": map[string]any{"$gt": nil}}
	}
	return sel
}

func toMango(q *query.Query) map[string]any {
	if q == nil || q.Negated() {
		return nil
	}
	if children, isAnd := q.AndChildren(); isAnd {
		var parts []any
		for _, c := range children {
			if sel := toMango(c); sel != nil {
				parts = append(parts, sel)
			}
		}
		if len(parts) == 0 {
			return nil
		}
		return map[string]any{"$and": parts}
	}
	if children, isOr := q.OrChildren(); isOr {
		var parts []any
		for _, c := range children {
			sel := toMango(c)
			if sel == nil {
				// one unexpressible branch widens the whole disjunction
				return nil
			}
			parts = append(parts, sel)
		}
		if len(parts) == 0 {
			return nil
		}
		return map[string]any{"$or": parts}
	}

	field, op, value := q.Leaf()
	propField := "ndi_properties." + field
	if field == "base.id" || field == "base.session_id" {
		// the base section is on the wire form, not in the property copy
		propField = "ndi_document." + field
	}
	switch op {
	case query.OpExactString, query.OpExactNumber:
		return map[string]any{propField: map[string]any{"$eq": value}}
	case query.OpLessThan:
		return map[string]any{propField: map[string]any{"$lt": value}}
	case query.OpLessThanEq:
		return map[string]any{propField: map[string]any{"$lte": value}}
	case query.OpGreaterThan:
		return map[string]any{propField: map[string]any{"$gt": value}}
	case query.OpGreaterThanEq:
		return map[string]any{propField: map[string]any{"$gte": value}}
	case query.OpHasField:
		return map[string]any{propField: map[string]any{"$exists": true}}
	case query.OpHasMember:
		switch value.(type) {
		case string, float64, int, bool:
			return map[string]any{propField: map[string]any{"$elemMatch": map[string]any{"$eq": value}}}
		}
		return nil
	case query.OpIsa:
		return map[string]any{"$or": []any{
			map[string]any{"ndi_document.document_class.class_name": value},
			map[string]any{"ndi_document.document_class.superclasses": map[string]any{
				"$elemMatch": map[string]any{"$eq": value},
			}},
		}}
	case query.OpDependsOn:
		match := map[string]any{}
		if field != "" {
			match["name"] = field
		}
		if sv, _ := value.(string); sv != "" {
			match["value"] = sv
		}
		if len(match) == 0 {
			return map[string]any{"ndi_document.depends_on": map[string]any{"$exists": true}}
		}
		return map[string]any{"ndi_document.depends_on": map[string]any{"$elemMatch": match}}
	default:
		return nil
	}
}

// MarshalSelector renders a selector to JSON, used by tests and diagnostics.
func MarshalSelector(sel map[string]any) (string, error) {
	b, err := json.Marshal(sel)
	return string(b), err
}
