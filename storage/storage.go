// Package storage implements keyed CRUD over documents plus a binary
// sidecar directory, behind a single Storage interface with two
// implementations: BoltStorage (the default, file-backed substrate) and
// CouchStorage (for a Dataset fronted by a shared CouchDB cluster).
package storage

import (
	"path/filepath"

	"ndi.dev/core/document"
	"ndi.dev/core/query"
)

// Storage is strongly consistent, single-writer-per-process CRUD over
// documents. Implementations keep a branch abstraction (a single default
// branch, "main") so the substrate stays wire-compatible with an external
// document DB.
type Storage interface {
	// Add fails with ndierr.AlreadyExists if doc.ID() is already present.
	Add(doc *document.Document) error
	// Update fails with ndierr.NotFound if doc.ID() is absent.
	Update(doc *document.Document) error
	// AddOrReplace upserts doc unconditionally.
	AddOrReplace(doc *document.Document) error
	// Remove returns true if a document was removed, false if id was
	// already absent. It never errors on a missing id.
	Remove(id string) (bool, error)
	// Read returns the document and true, or nil and false if absent.
	Read(id string) (*document.Document, bool, error)
	// Search evaluates q against every stored document and returns matches
	// in Storage insertion order.
	Search(q *query.Query) ([]*document.Document, error)
	// BinaryPath returns the deterministic sidecar path for a document's
	// named file, independent of whether that file currently exists.
	BinaryPath(docID, filename string) string
	// Close releases any resources (file handles, connections) held by
	// the implementation.
	Close() error
}

// Branch is the only branch this module's implementations materialize.
const Branch = "main"

func binaryPath(binaryDir, docID, filename string) string {
	return filepath.Join(binaryDir, docID+"_"+filename)
}
