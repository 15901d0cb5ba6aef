package storage

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ndi.dev/core/document"
	"ndi.dev/core/ident"
	"ndi.dev/core/ndierr"
	"ndi.dev/core/query"
)

func newTestRegistry() *document.ClassRegistry {
	r := document.NewClassRegistry()
	r.Register(document.ClassDef{Name: "probe", PropertyListName: "element"})
	r.Register(document.ClassDef{Name: "neuron", PropertyListName: "element", Superclasses: []string{"probe"}})
	return r
}

func openTestBolt(t *testing.T) *BoltStorage {
	t.Helper()
	dir := t.TempDir()
	s, err := OpenBolt(filepath.Join(dir, "ndi.db"), filepath.Join(dir, "binary"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustDoc(t *testing.T, reg *document.ClassRegistry, class, name string) *document.Document {
	t.Helper()
	d, err := document.New(reg, class, map[string]any{"element.name": name})
	require.NoError(t, err)
	return d
}

// Add then read returns the same document.
func TestAddThenRead(t *testing.T) {
	s := openTestBolt(t)
	reg := newTestRegistry()
	d := mustDoc(t, reg, "probe", "a")

	require.NoError(t, s.Add(d))
	got, ok, err := s.Read(d.ID())
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, d.ID(), got.ID())
	assert.Equal(t, d.Class(), got.Class())
	want, err := json.Marshal(d)
	require.NoError(t, err)
	have, err := json.Marshal(got)
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(have))
}

// Adding the same id twice fails with AlreadyExists.
func TestDoubleAddFails(t *testing.T) {
	s := openTestBolt(t)
	reg := newTestRegistry()
	d := mustDoc(t, reg, "probe", "a")

	require.NoError(t, s.Add(d))
	err := s.Add(d)
	assert.True(t, ndierr.Is(err, ndierr.AlreadyExists))
}

func TestUpdateRequiresExisting(t *testing.T) {
	s := openTestBolt(t)
	reg := newTestRegistry()
	d := mustDoc(t, reg, "probe", "a")

	err := s.Update(d)
	assert.True(t, ndierr.Is(err, ndierr.NotFound))

	require.NoError(t, s.AddOrReplace(d))
	require.NoError(t, s.Update(d))
}

func TestRemoveIsIdempotentByReturnValue(t *testing.T) {
	s := openTestBolt(t)
	reg := newTestRegistry()
	d := mustDoc(t, reg, "probe", "a")

	require.NoError(t, s.Add(d))
	removed, err := s.Remove(d.ID())
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = s.Remove(d.ID())
	require.NoError(t, err)
	assert.False(t, removed)

	_, ok, err := s.Read(d.ID())
	require.NoError(t, err)
	assert.False(t, ok)
}

// Search returns documents in insertion order even when ids don't sort
// chronologically (a downloaded UUID id sorts before a native id).
func TestSearchPreservesInsertionOrder(t *testing.T) {
	s := openTestBolt(t)
	reg := newTestRegistry()

	native := mustDoc(t, reg, "probe", "first")
	uuidDoc, err := document.New(reg, "probe",
		map[string]any{"element.name": "second"},
		document.WithID("00000000-0000-4000-8000-000000000000"))
	require.NoError(t, err)
	third := mustDoc(t, reg, "probe", "third")

	require.NoError(t, s.Add(native))
	require.NoError(t, s.Add(uuidDoc))
	require.NoError(t, s.Add(third))

	got, err := s.Search(query.Field("element.name").HasField())
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, native.ID(), got[0].ID())
	assert.Equal(t, uuidDoc.ID(), got[1].ID())
	assert.Equal(t, third.ID(), got[2].ID())
}

func TestSearchNilQueryReturnsAll(t *testing.T) {
	s := openTestBolt(t)
	reg := newTestRegistry()
	for _, name := range []string{"a", "b"} {
		require.NoError(t, s.Add(mustDoc(t, reg, "probe", name)))
	}
	got, err := s.Search(nil)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestBinaryPathIsDeterministic(t *testing.T) {
	s := openTestBolt(t)
	id := ident.New()
	p := s.BinaryPath(id, "spikes.dat")
	assert.Equal(t, filepath.Join(s.BinaryDir(), id+"_spikes.dat"), p)
	assert.Equal(t, p, s.BinaryPath(id, "spikes.dat"))
}

// Mango translation is exercised without a CouchDB server: the selector only
// needs to be a superset filter, with exactness guaranteed by client-side
// re-evaluation in Search.
func TestToMangoTranslation(t *testing.T) {
	sel := ToMango(query.Field("element.name").ExactString("a"))
	js, err := MarshalSelector(sel)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ndi_properties.element.name":{"$eq":"a"}}`, js)

	sel = ToMango(query.And(
		query.Field("element.count").GreaterThan(2),
		query.Field("element.name").HasField(),
	))
	js, err = MarshalSelector(sel)
	require.NoError(t, err)
	assert.JSONEq(t, `{"$and":[
		{"ndi_properties.element.count":{"$gt":2}},
		{"ndi_properties.element.name":{"$exists":true}}]}`, js)

	sel = ToMango(query.Isa("probe"))
	js, err = MarshalSelector(sel)
	require.NoError(t, err)
	assert.JSONEq(t, `{"$or":[
		{"ndi_document.document_class.class_name":"probe"},
		{"ndi_document.document_class.superclasses":{"$elemMatch":{"$eq":"probe"}}}]}`, js)

	sel = ToMango(query.DependsOn("underlying_element_id", "e1"))
	js, err = MarshalSelector(sel)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ndi_document.depends_on":{"$elemMatch":{"name":"underlying_element_id","value":"e1"}}}`, js)
}

// Negation and string-coercion ops widen to match-all rather than risk
// excluding documents the client-side evaluator would keep.
func TestToMangoWidensUnexpressibleNodes(t *testing.T) {
	matchAll := `{"_id":{"$gt":null}}`

	for _, q := range []*query.Query{
		query.Field("element.name").ExactString("a").Not(),
		query.Field("element.name").Contains("a"),
		query.Field("element.name").Regexp("^a"),
		query.Or(
			query.Field("element.name").ExactString("a"),
			query.Field("element.name").Contains("b"),
		),
	} {
		js, err := MarshalSelector(ToMango(q))
		require.NoError(t, err)
		assert.JSONEq(t, matchAll, js)
	}

	// an AND keeps its expressible conjuncts
	js, err := MarshalSelector(ToMango(query.And(
		query.Field("element.name").ExactString("a"),
		query.Field("element.name").Contains("b"),
	)))
	require.NoError(t, err)
	assert.JSONEq(t, `{"$and":[{"ndi_properties.element.name":{"$eq":"a"}}]}`, js)
}
