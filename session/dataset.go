package session

import (
	"ndi.dev/core/document"
	"ndi.dev/core/ndierr"
	"ndi.dev/core/query"
)

// Dataset aggregates many sessions' documents under one storage. It behaves
// like a Session except that Search is not filtered to a single session id
// and writes may carry any session id. Each tracked session is represented
// by a session_in_a_dataset document.
type Dataset struct {
	*Session
}

// NewDataset wraps a session as a dataset aggregate.
func NewDataset(s *Session) *Dataset {
	return &Dataset{Session: s}
}

// OpenDirDataset opens a directory-backed dataset.
func OpenDirDataset(root, reference string, registry *document.ClassRegistry) (*Dataset, *DirSession, error) {
	ds, err := OpenDir(root, reference, registry)
	if err != nil {
		return nil, nil, err
	}
	return NewDataset(ds.Session), ds, nil
}

// Search evaluates q across every session's documents.
func (d *Dataset) Search(q *query.Query) ([]*document.Document, error) {
	return d.Store().Search(q)
}

// Add accepts documents from any session; only an unset id is stamped with
// the dataset's own.
func (d *Dataset) Add(doc *document.Document) error {
	if doc.SessionID() == "" {
		doc = doc.SetSessionID(d.ID())
	}
	var err error
	doc, err = d.ingestBinaryFiles(doc)
	if err != nil {
		return err
	}
	return d.Store().Add(doc)
}

// trackedClass names the record kept for each tracked session. Its wire
// field names (session_reference, is_linked) are part of the on-disk
// contract.
const trackedClass = "session_in_a_dataset"

// LinkSession records a pointer to a session that lives elsewhere on disk.
// Its documents stay in their own storage; path is the creator argument a
// later open uses to find it.
func (d *Dataset) LinkSession(sessionID, reference, path string) (*document.Document, error) {
	return d.trackSession(sessionID, map[string]any{
		trackedClass + ".session_id":        sessionID,
		trackedClass + ".session_reference": reference,
		trackedClass + ".session_path":      path,
		trackedClass + ".is_linked":         true,
	})
}

// IngestSession copies every document of src into the dataset's own storage
// and records the session as ingested.
func (d *Dataset) IngestSession(src *Session) (*document.Document, error) {
	docs, err := src.Store().Search(nil)
	if err != nil {
		return nil, err
	}
	for _, doc := range docs {
		if err := d.Store().AddOrReplace(doc); err != nil {
			return nil, err
		}
	}
	return d.trackSession(src.ID(), map[string]any{
		trackedClass + ".session_id":        src.ID(),
		trackedClass + ".session_reference": src.Reference(),
		trackedClass + ".is_linked":         false,
	})
}

func (d *Dataset) trackSession(sessionID string, props map[string]any) (*document.Document, error) {
	if sessionID == "" {
		return nil, ndierr.New(ndierr.BadArgument, "tracked session requires an id")
	}
	existing, err := d.findSessionDoc(sessionID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ndierr.Newf(ndierr.AlreadyExists, "session %s is already tracked", sessionID)
	}
	rec, err := document.New(d.Registry(), trackedClass, props,
		document.WithSessionID(d.ID()))
	if err != nil {
		return nil, err
	}
	if err := d.Store().Add(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// TrackedSessions lists the dataset's session_in_a_dataset records.
func (d *Dataset) TrackedSessions() ([]*document.Document, error) {
	return d.Search(query.Isa(trackedClass))
}

func (d *Dataset) findSessionDoc(sessionID string) (*document.Document, error) {
	docs, err := d.Search(query.And(
		query.Isa(trackedClass),
		query.Field(trackedClass+".session_id").ExactString(sessionID),
	))
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return docs[0], nil
}

// removeSessionDocuments drops every document carrying the given session id
// from the dataset's storage.
func (d *Dataset) removeSessionDocuments(sessionID string) error {
	docs, err := d.Search(query.Field("base.session_id").ExactString(sessionID))
	if err != nil {
		return err
	}
	for _, doc := range docs {
		if _, err := d.Store().Remove(doc.ID()); err != nil {
			return err
		}
	}
	return nil
}

// UnlinkSession stops tracking a session. With removeDocuments set, any of
// its documents that were copied into the dataset are dropped too. A
// session that was never tracked is a no-op.
func (d *Dataset) UnlinkSession(sessionID string, removeDocuments bool) error {
	rec, err := d.findSessionDoc(sessionID)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	if removeDocuments {
		if err := d.removeSessionDocuments(sessionID); err != nil {
			return err
		}
	}
	_, err = d.Store().Remove(rec.ID())
	return err
}

// DeleteIngestedSession removes an ingested session's documents and its
// tracking record. Linked sessions are refused: their documents live
// elsewhere, so UnlinkSession is the right call.
func (d *Dataset) DeleteIngestedSession(sessionID string) error {
	rec, err := d.findSessionDoc(sessionID)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	if linked, _ := rec.Property(trackedClass + ".is_linked"); linked == true {
		return ndierr.Newf(ndierr.BadArgument,
			"session %s is linked, not ingested; unlink it instead", sessionID)
	}
	if err := d.removeSessionDocuments(sessionID); err != nil {
		return err
	}
	_, err = d.Store().Remove(rec.ID())
	return err
}
