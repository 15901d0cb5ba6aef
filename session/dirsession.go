package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"ndi.dev/core/document"
	"ndi.dev/core/ident"
	"ndi.dev/core/ndierr"
	"ndi.dev/core/ndilog"
	"ndi.dev/core/query"
	"ndi.dev/core/resolver"
	"ndi.dev/core/storage"
)

// Filesystem layout under a DirSession root:
//
//	<root>/.ndi/reference.txt         human-readable reference
//	<root>/.ndi/unique_reference.txt  session identifier
//	<root>/.ndi/ndi.db                document store
//	<root>/.ndi/binary/               file sidecars, <doc_id>_<filename>
const (
	ndiDir        = ".ndi"
	referenceFile = "reference.txt"
	uniqueRefFile = "unique_reference.txt"
	dbFile        = "ndi.db"
	binaryDir     = "binary"
)

// DirSession is a Session persisted in a directory.
type DirSession struct {
	*Session
	root string
}

// Root returns the session's directory.
func (d *DirSession) Root() string { return d.root }

// Close releases the underlying storage.
func (d *DirSession) Close() error { return d.Store().Close() }

// OpenDir opens (or initializes) the session at root. The directory itself
// must already exist; reference names the session on first initialization
// and is ignored afterwards.
func OpenDir(root, reference string, registry *document.ClassRegistry) (*DirSession, error) {
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ndierr.Newf(ndierr.NotFound, "session path %s does not exist", root)
		}
		return nil, err
	}
	if !info.IsDir() {
		return nil, ndierr.Newf(ndierr.BadArgument, "session path %s is not a directory", root)
	}

	metaDir := filepath.Join(root, ndiDir)
	if err := os.MkdirAll(filepath.Join(metaDir, binaryDir), 0755); err != nil {
		return nil, fmt.Errorf("failed to create session layout: %w", err)
	}
	// sweep rename-race losers from earlier runs
	if err := resolver.CleanStaleTemp(filepath.Join(metaDir, binaryDir)); err != nil {
		ndilog.Logger.WithError(err).Warn("failed to clean stale temp files")
	}

	store, err := storage.OpenBolt(filepath.Join(metaDir, dbFile), filepath.Join(metaDir, binaryDir))
	if err != nil {
		return nil, err
	}

	ref, err := readOrInit(filepath.Join(metaDir, referenceFile), reference)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	id, err := loadIdentity(metaDir, store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &DirSession{
		Session: NewSession(ref, id, store, registry),
		root:    root,
	}, nil
}

// readOrInit returns the file's contents, writing fallback on first touch.
// Reference files are UTF-8 text without a trailing newline.
func readOrInit(path, fallback string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return strings.TrimSpace(string(data)), nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}
	if fallback == "" {
		fallback = filepath.Base(filepath.Dir(filepath.Dir(path)))
	}
	if err := os.WriteFile(path, []byte(fallback), 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return fallback, nil
}

// loadIdentity resolves the session identifier: the unique_reference file
// when present, otherwise the oldest stored session document (ties broken
// by lexicographically smallest id, which for native ids is also oldest),
// otherwise a fresh identifier.
func loadIdentity(metaDir string, store storage.Storage) (string, error) {
	path := filepath.Join(metaDir, uniqueRefFile)
	if data, err := os.ReadFile(path); err == nil {
		return strings.TrimSpace(string(data)), nil
	} else if !os.IsNotExist(err) {
		return "", err
	}

	id := ""
	sessions, err := store.Search(query.Isa("session"))
	if err != nil {
		return "", err
	}
	if len(sessions) > 0 {
		ids := make([]string, len(sessions))
		for i, d := range sessions {
			ids[i] = d.ID()
		}
		sort.Strings(ids)
		id = ids[0]
	}
	if id == "" {
		id = ident.New()
	}
	if err := os.WriteFile(path, []byte(id), 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return id, nil
}
