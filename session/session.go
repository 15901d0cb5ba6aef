// Package session implements the aggregate roots client code works with: a
// Session owns one Storage, one sync graph, and one cache for a local
// experiment; a Dataset aggregates many sessions' documents under one store.
package session

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"ndi.dev/core/cache"
	"ndi.dev/core/depgraph"
	"ndi.dev/core/document"
	"ndi.dev/core/ident"
	"ndi.dev/core/ndierr"
	"ndi.dev/core/query"
	"ndi.dev/core/resolver"
	"ndi.dev/core/storage"
	"ndi.dev/core/timesync"
)

// DefaultCacheBytes bounds each session's in-memory cache.
const DefaultCacheBytes = 64 << 20

// DefaultRegistry returns a class registry pre-loaded with the classes the
// session layer itself creates. Callers register their domain classes on
// top.
func DefaultRegistry() *document.ClassRegistry {
	r := document.NewClassRegistry()
	r.Register(document.ClassDef{Name: "session", PropertyListName: "session"})
	r.Register(document.ClassDef{Name: "session_in_a_dataset", PropertyListName: "session_in_a_dataset"})
	return r
}

// Session is the aggregate root for one local experiment. Not safe for
// concurrent use: logical access is single-threaded by contract.
type Session struct {
	reference string
	id        string
	store     storage.Storage
	graph     *timesync.Graph
	cache     *cache.Cache
	registry  *document.ClassRegistry
	resolver  *resolver.Resolver
}

// NewSession assembles a session over an already-open storage.
func NewSession(reference, id string, store storage.Storage, registry *document.ClassRegistry) *Session {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Session{
		reference: reference,
		id:        id,
		store:     store,
		graph:     timesync.NewGraph(),
		cache:     cache.New(DefaultCacheBytes, cache.FIFO),
		registry:  registry,
	}
}

// Reference returns the human-readable label.
func (s *Session) Reference() string { return s.reference }

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Name implements timesync.Referent so a session can anchor time
// references.
func (s *Session) Name() string { return s.reference }

// Store exposes the underlying storage.
func (s *Session) Store() storage.Storage { return s.store }

// SyncGraph exposes the session's time synchronization graph.
func (s *Session) SyncGraph() *timesync.Graph { return s.graph }

// Cache exposes the session's bounded memory cache.
func (s *Session) Cache() *cache.Cache { return s.cache }

// Registry exposes the class registry documents are built against.
func (s *Session) Registry() *document.ClassRegistry { return s.registry }

// SetResolver installs the on-demand fetcher used when a binary location is
// an ndic URI. Without one, such locations fail to open.
func (s *Session) SetResolver(r *resolver.Resolver) { s.resolver = r }

// Add writes doc to the session. A document claiming another session is
// refused; the empty-id sentinel is stamped with this session's id. File
// locations flagged for ingestion are copied into the binary sidecar first,
// so a successfully added document's payload is already owned by the
// session.
func (s *Session) Add(doc *document.Document) error {
	switch doc.SessionID() {
	case s.id:
	default:
		if !ident.IsEmpty(doc.SessionID()) && doc.SessionID() != "" {
			return ndierr.Newf(ndierr.BadArgument,
				"document %s belongs to session %s, not %s", doc.ID(), doc.SessionID(), s.id)
		}
		doc = doc.SetSessionID(s.id)
	}
	doc, err := s.ingestBinaryFiles(doc)
	if err != nil {
		return err
	}
	return s.store.Add(doc)
}

// Update rewrites an existing document, applying the same ownership check.
func (s *Session) Update(doc *document.Document) error {
	if doc.SessionID() != s.id && !ident.IsEmpty(doc.SessionID()) {
		return ndierr.Newf(ndierr.BadArgument,
			"document %s belongs to session %s, not %s", doc.ID(), doc.SessionID(), s.id)
	}
	return s.store.Update(doc)
}

// Read returns the document with the given id.
func (s *Session) Read(id string) (*document.Document, bool, error) {
	return s.store.Read(id)
}

// Remove deletes id and, first, its entire dependents closure, so queries
// never see dangling references.
func (s *Session) Remove(id string) ([]string, error) {
	return depgraph.CascadeRemove(s.store, id)
}

// Search evaluates q and keeps only documents owned by this session (or
// carrying the empty-id sentinel).
func (s *Session) Search(q *query.Query) ([]*document.Document, error) {
	docs, err := s.store.Search(q)
	if err != nil {
		return nil, err
	}
	var out []*document.Document
	for _, d := range docs {
		if d.SessionID() == s.id || ident.IsEmpty(d.SessionID()) {
			out = append(out, d)
		}
	}
	return out, nil
}

// FindAllAntecedents is the session-scoped dependency closure.
func (s *Session) FindAllAntecedents(docs ...*document.Document) ([]*document.Document, error) {
	return depgraph.FindAllAntecedents(s.store, docs...)
}

// FindAllDependents is the session-scoped reverse closure.
func (s *Session) FindAllDependents(docs ...*document.Document) ([]*document.Document, error) {
	return depgraph.FindAllDependents(s.store, docs...)
}

// ingestBinaryFiles copies every location flagged for ingestion into the
// sidecar directory and rewrites the location to point there.
func (s *Session) ingestBinaryFiles(doc *document.Document) (*document.Document, error) {
	files := doc.Files()
	changed := false
	for fi := range files {
		for li := range files[fi].Locations {
			loc := &files[fi].Locations[li]
			if !loc.Ingest {
				continue
			}
			target := s.store.BinaryPath(doc.ID(), files[fi].Name)
			if err := copyFile(loc.Location, target); err != nil {
				return nil, fmt.Errorf("failed to ingest %s: %w", files[fi].Name, err)
			}
			if loc.DeleteOriginal {
				if err := os.Remove(loc.Location); err != nil {
					return nil, fmt.Errorf("failed to remove ingested original %s: %w", loc.Location, err)
				}
			}
			loc.Location = target
			loc.LocationType = "file"
			loc.Ingest = false
			loc.DeleteOriginal = false
			changed = true
		}
	}
	if !changed {
		return doc, nil
	}
	return doc.WithFiles(files), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	return out.Close()
}

// OpenBinary returns a read handle for the named file of doc. Resolution
// order: the session's own sidecar, then each of the document's recorded
// locations. Local paths open directly; ndic URIs go through the on-demand
// resolver and land in the sidecar, so later opens are local.
func (s *Session) OpenBinary(doc *document.Document, filename string) (io.ReadCloser, error) {
	sidecar := s.store.BinaryPath(doc.ID(), filename)
	if f, err := os.Open(sidecar); err == nil {
		return f, nil
	}
	for _, fi := range doc.Files() {
		if fi.Name != filename {
			continue
		}
		for _, loc := range fi.Locations {
			if resolver.IsNDIC(loc.Location) {
				if s.resolver == nil {
					return nil, ndierr.Newf(ndierr.BadArgument,
						"document %s file %s is cloud-hosted and no resolver is configured", doc.ID(), filename)
				}
				if err := s.resolver.Fetch(loc.Location, sidecar); err != nil {
					return nil, err
				}
				return os.Open(sidecar)
			}
			if f, err := os.Open(loc.Location); err == nil {
				return f, nil
			}
		}
	}
	return nil, ndierr.Newf(ndierr.NotFound, "no readable location for file %s of document %s", filename, doc.ID())
}
