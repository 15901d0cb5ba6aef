package session

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ndi.dev/core/cloud"
	"ndi.dev/core/document"
	"ndi.dev/core/ident"
	"ndi.dev/core/ndierr"
	"ndi.dev/core/query"
	"ndi.dev/core/resolver"
)

func testRegistry() *document.ClassRegistry {
	r := DefaultRegistry()
	r.Register(document.ClassDef{Name: "probe", PropertyListName: "element"})
	r.Register(document.ClassDef{Name: "recording", PropertyListName: "recording"})
	return r
}

func openTestSession(t *testing.T) *DirSession {
	t.Helper()
	s, err := OpenDir(t.TempDir(), "testlab/exp1", testRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenDirRequiresExistingPath(t *testing.T) {
	_, err := OpenDir(filepath.Join(t.TempDir(), "never_created"), "x", nil)
	assert.True(t, ndierr.Is(err, ndierr.NotFound))
}

func TestDirSessionLayoutAndIdentityPersist(t *testing.T) {
	root := t.TempDir()
	s, err := OpenDir(root, "testlab/exp1", testRegistry())
	require.NoError(t, err)
	id := s.ID()
	assert.Equal(t, "testlab/exp1", s.Reference())
	require.NoError(t, s.Close())

	for _, f := range []string{"reference.txt", "unique_reference.txt", "ndi.db"} {
		_, err := os.Stat(filepath.Join(root, ".ndi", f))
		assert.NoError(t, err, f)
	}
	ref, err := os.ReadFile(filepath.Join(root, ".ndi", "reference.txt"))
	require.NoError(t, err)
	assert.Equal(t, "testlab/exp1", string(ref))

	// reopening preserves identity and reference
	s2, err := OpenDir(root, "some-other-name", testRegistry())
	require.NoError(t, err)
	defer func() { _ = s2.Close() }()
	assert.Equal(t, id, s2.ID())
	assert.Equal(t, "testlab/exp1", s2.Reference())
}

// a store holding session documents but no unique_reference file resolves
// identity to the oldest (smallest) session document id
func TestIdentityFallsBackToOldestSessionDocument(t *testing.T) {
	root := t.TempDir()
	s, err := OpenDir(root, "lab", testRegistry())
	require.NoError(t, err)

	older, err := document.New(s.Registry(), "session", nil, document.WithID("00a_111111111111"))
	require.NoError(t, err)
	newer, err := document.New(s.Registry(), "session", nil, document.WithID("00b_222222222222"))
	require.NoError(t, err)
	require.NoError(t, s.Store().Add(older))
	require.NoError(t, s.Store().Add(newer))
	require.NoError(t, s.Close())

	require.NoError(t, os.Remove(filepath.Join(root, ".ndi", "unique_reference.txt")))
	s2, err := OpenDir(root, "lab", testRegistry())
	require.NoError(t, err)
	defer func() { _ = s2.Close() }()
	assert.Equal(t, "00a_111111111111", s2.ID())
}

// Adds with the empty id or the session's own id succeed; any other
// session id is refused.
func TestAddOwnershipRules(t *testing.T) {
	s := openTestSession(t)

	fresh, err := document.New(s.Registry(), "probe", map[string]any{"element.name": "a"})
	require.NoError(t, err)
	require.True(t, ident.IsEmpty(fresh.SessionID()))
	require.NoError(t, s.Add(fresh))
	got, ok, err := s.Read(fresh.ID())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, s.ID(), got.SessionID())

	owned, err := document.New(s.Registry(), "probe", nil, document.WithSessionID(s.ID()))
	require.NoError(t, err)
	assert.NoError(t, s.Add(owned))

	foreign, err := document.New(s.Registry(), "probe", nil, document.WithSessionID(ident.New()))
	require.NoError(t, err)
	err = s.Add(foreign)
	assert.True(t, ndierr.Is(err, ndierr.BadArgument))
}

func TestSearchFiltersToOwnSession(t *testing.T) {
	s := openTestSession(t)

	mine, err := document.New(s.Registry(), "probe", map[string]any{"element.name": "mine"})
	require.NoError(t, err)
	require.NoError(t, s.Add(mine))

	// a foreign document slipped directly into the shared store
	foreign, err := document.New(s.Registry(), "probe",
		map[string]any{"element.name": "foreign"}, document.WithSessionID(ident.New()))
	require.NoError(t, err)
	require.NoError(t, s.Store().Add(foreign))

	got, err := s.Search(query.Field("element.name").HasField())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, mine.ID(), got[0].ID())

	// the dataset view over the same store sees both
	ds := NewDataset(s.Session)
	all, err := ds.Search(query.Field("element.name").HasField())
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestRemoveCascades(t *testing.T) {
	s := openTestSession(t)

	base, err := document.New(s.Registry(), "probe", nil)
	require.NoError(t, err)
	require.NoError(t, s.Add(base))

	derived, err := document.New(s.Registry(), "probe", nil)
	require.NoError(t, err)
	derived, err = derived.SetDependencyValue("underlying_id", base.ID(), false)
	require.NoError(t, err)
	require.NoError(t, s.Add(derived))

	removed, err := s.Remove(base.ID())
	require.NoError(t, err)
	assert.Equal(t, []string{derived.ID(), base.ID()}, removed)
}

func TestIngestBinaryFilesOnAdd(t *testing.T) {
	s := openTestSession(t)

	src := filepath.Join(t.TempDir(), "raw.dat")
	require.NoError(t, os.WriteFile(src, []byte("SPIKES"), 0644))

	doc, err := document.New(s.Registry(), "recording", nil)
	require.NoError(t, err)
	doc = doc.WithFiles([]document.FileInfo{{
		Name:      "raw.dat",
		Locations: []document.FileLocation{{Location: src, Ingest: true}},
	}})
	require.NoError(t, s.Add(doc))

	sidecar := s.Store().BinaryPath(doc.ID(), "raw.dat")
	data, err := os.ReadFile(sidecar)
	require.NoError(t, err)
	assert.Equal(t, []byte("SPIKES"), data)

	// the stored document's location points at the sidecar with flags cleared
	stored, ok, err := s.Read(doc.ID())
	require.NoError(t, err)
	require.True(t, ok)
	loc := stored.Files()[0].Locations[0]
	assert.Equal(t, sidecar, loc.Location)
	assert.False(t, loc.Ingest)

	handle, err := s.OpenBinary(stored, "raw.dat")
	require.NoError(t, err)
	defer func() { _ = handle.Close() }()
	payload, err := io.ReadAll(handle)
	require.NoError(t, err)
	assert.Equal(t, []byte("SPIKES"), payload)
}

func TestOpenBinaryResolvesNDICLocations(t *testing.T) {
	var blobURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/datasets/ds1/files/f1/detail":
			_, _ = w.Write([]byte(`{"downloadUrl":"` + blobURL + `"}`))
		case "/blob":
			_, _ = w.Write([]byte("REMOTE BYTES"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	blobURL = srv.URL + "/blob"

	s := openTestSession(t)
	s.SetResolver(resolver.New(cloud.NewClient(&cloud.Config{APIURL: srv.URL})))

	doc, err := document.New(s.Registry(), "recording", nil)
	require.NoError(t, err)
	doc = doc.WithFiles([]document.FileInfo{{
		Name: "remote.dat",
		Locations: []document.FileLocation{{
			Location:     "ndic://ds1/f1",
			LocationType: "ndicloud",
		}},
	}})
	require.NoError(t, s.Add(doc))

	stored, _, err := s.Read(doc.ID())
	require.NoError(t, err)
	handle, err := s.OpenBinary(stored, "remote.dat")
	require.NoError(t, err)
	payload, err := io.ReadAll(handle)
	require.NoError(t, err)
	require.NoError(t, handle.Close())
	assert.Equal(t, []byte("REMOTE BYTES"), payload)

	// the fetched blob is cached in the sidecar: a second open needs no cloud
	srv.Close()
	handle, err = s.OpenBinary(stored, "remote.dat")
	require.NoError(t, err)
	defer func() { _ = handle.Close() }()
	payload, err = io.ReadAll(handle)
	require.NoError(t, err)
	assert.Equal(t, []byte("REMOTE BYTES"), payload)
}

func TestOpenBinaryMissingFile(t *testing.T) {
	s := openTestSession(t)
	doc, err := document.New(s.Registry(), "recording", nil)
	require.NoError(t, err)
	require.NoError(t, s.Add(doc))
	stored, _, err := s.Read(doc.ID())
	require.NoError(t, err)

	_, err = s.OpenBinary(stored, "never_recorded.dat")
	assert.True(t, ndierr.Is(err, ndierr.NotFound))
}

func TestDatasetTracksSessions(t *testing.T) {
	dsRoot := t.TempDir()
	ds, dirSess, err := OpenDirDataset(dsRoot, "dataset1", testRegistry())
	require.NoError(t, err)
	defer func() { _ = dirSess.Close() }()

	src := openTestSession(t)
	doc, err := document.New(src.Registry(), "probe", map[string]any{"element.name": "p"})
	require.NoError(t, err)
	require.NoError(t, src.Add(doc))

	rec, err := ds.IngestSession(src.Session)
	require.NoError(t, err)
	assert.True(t, rec.DocIsa("session_in_a_dataset"))

	// the ingested document is visible through the dataset
	got, err := ds.Search(query.Field("element.name").ExactString("p"))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, doc.ID(), got[0].ID())

	// tracking the same session twice is refused
	_, err = ds.IngestSession(src.Session)
	assert.True(t, ndierr.Is(err, ndierr.AlreadyExists))

	// linked sessions are recorded without copying documents
	_, err = ds.LinkSession(ident.New(), "other", "/data/other")
	require.NoError(t, err)
	tracked, err := ds.TrackedSessions()
	require.NoError(t, err)
	assert.Len(t, tracked, 2)
}

func TestDatasetUnlinkAndDeleteIngested(t *testing.T) {
	ds, dirSess, err := OpenDirDataset(t.TempDir(), "dataset1", testRegistry())
	require.NoError(t, err)
	defer func() { _ = dirSess.Close() }()

	src := openTestSession(t)
	doc, err := document.New(src.Registry(), "probe", map[string]any{"element.name": "p"})
	require.NoError(t, err)
	require.NoError(t, src.Add(doc))
	_, err = ds.IngestSession(src.Session)
	require.NoError(t, err)

	linkedID := ident.New()
	_, err = ds.LinkSession(linkedID, "other", "/data/other")
	require.NoError(t, err)

	// a linked session's documents live elsewhere, so deletion is refused
	err = ds.DeleteIngestedSession(linkedID)
	assert.True(t, ndierr.Is(err, ndierr.BadArgument))
	require.NoError(t, ds.UnlinkSession(linkedID, false))

	// deleting the ingested session drops its documents and its record
	require.NoError(t, ds.DeleteIngestedSession(src.ID()))
	got, err := ds.Search(query.Field("element.name").ExactString("p"))
	require.NoError(t, err)
	assert.Empty(t, got)
	tracked, err := ds.TrackedSessions()
	require.NoError(t, err)
	assert.Empty(t, tracked)

	// never-tracked ids are a no-op
	assert.NoError(t, ds.UnlinkSession("never_tracked", true))
}
