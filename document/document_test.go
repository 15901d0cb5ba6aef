package document

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry() *ClassRegistry {
	r := NewClassRegistry()
	r.Register(ClassDef{
		Name:             "element",
		PropertyListName: "element",
		Properties: []PropertyDecl{
			{Path: "element.name", Type: "string"},
		},
	})
	r.Register(ClassDef{
		Name:             "probe",
		Superclasses:     []string{"element"},
		PropertyListName: "probe",
		DependsOn: []DependsOnDecl{
			{Name: "underlying_element_id", MustBeNotEmpty: true},
		},
	})
	return r
}

func TestNewExpandsDottedPaths(t *testing.T) {
	reg := testRegistry()
	doc, err := New(reg, "probe", map[string]any{
		"element.name":      "a",
		"element.reference": 1,
	})
	require.NoError(t, err)

	v, ok := doc.Property("element.name")
	require.True(t, ok)
	assert.Equal(t, "a", v)

	_, ok = doc.Property("element.missing")
	assert.False(t, ok)
}

func TestNewRejectsMalformedPath(t *testing.T) {
	reg := testRegistry()
	_, err := New(reg, "probe", map[string]any{"a..b": 1})
	require.Error(t, err)
}

func TestDocIsa(t *testing.T) {
	reg := testRegistry()
	doc, err := New(reg, "probe", nil)
	require.NoError(t, err)

	assert.True(t, doc.DocIsa("probe"))
	assert.True(t, doc.DocIsa("element"))
	assert.False(t, doc.DocIsa("neuron"))
}

func TestSetDependencyValueUnknownRole(t *testing.T) {
	reg := testRegistry()
	doc, err := New(reg, "probe", nil)
	require.NoError(t, err)

	_, err = doc.SetDependencyValue("not_a_role", "x", true)
	require.Error(t, err)

	updated, err := doc.SetDependencyValue("not_a_role", "x", false)
	require.NoError(t, err)
	v, ok := updated.DependencyValue("not_a_role")
	assert.True(t, ok)
	assert.Equal(t, "x", v)
}

func TestSetDependencyValueReplacesSingleValued(t *testing.T) {
	reg := testRegistry()
	doc, err := New(reg, "probe", nil)
	require.NoError(t, err)

	d1, err := doc.SetDependencyValue("underlying_element_id", "e1", true)
	require.NoError(t, err)
	d2, err := d1.SetDependencyValue("underlying_element_id", "e2", true)
	require.NoError(t, err)

	assert.Len(t, d2.DependsOn(), 1)
	v, _ := d2.DependencyValue("underlying_element_id")
	assert.Equal(t, "e2", v)
}

func TestAddDependencyValueNAppends(t *testing.T) {
	reg := testRegistry()
	doc, err := New(reg, "probe", nil)
	require.NoError(t, err)

	doc = doc.AddDependencyValueN("channel_id", "c1")
	doc = doc.AddDependencyValueN("channel_id", "c2")

	assert.Equal(t, []string{"c1", "c2"}, doc.DependencyValueN("channel_id"))
}

func TestImmutability(t *testing.T) {
	reg := testRegistry()
	doc, err := New(reg, "probe", map[string]any{"element.name": "a"})
	require.NoError(t, err)

	updated := doc.SetSessionID("session-1")
	assert.NotEqual(t, doc.SessionID(), updated.SessionID())
	assert.NotSame(t, doc, updated)
}

func TestJSONRoundTrip(t *testing.T) {
	reg := testRegistry()
	doc, err := New(reg, "probe", map[string]any{"element.name": "a"})
	require.NoError(t, err)
	doc, err = doc.SetDependencyValue("underlying_element_id", "e1", true)
	require.NoError(t, err)

	raw, err := json.Marshal(doc)
	require.NoError(t, err)

	var decoded Document
	require.NoError(t, json.Unmarshal(raw, &decoded))

	assert.Equal(t, doc.ID(), decoded.ID())
	assert.Equal(t, doc.Class(), decoded.Class())
	assert.Equal(t, doc.DependsOn(), decoded.DependsOn())
	v, ok := decoded.Property("element.name")
	require.True(t, ok)
	assert.Equal(t, "a", v)
}

func TestFileInfoUnmarshalSingleLocation(t *testing.T) {
	raw := []byte(`{"name":"raw.bin","location":{"location":"/tmp/raw.bin"}}`)
	var fi FileInfo
	require.NoError(t, json.Unmarshal(raw, &fi))
	require.Len(t, fi.Locations, 1)
	assert.Equal(t, "/tmp/raw.bin", fi.Locations[0].Location)
}

func TestFileInfoUnmarshalListLocations(t *testing.T) {
	raw := []byte(`{"name":"raw.bin","locations":[{"location":"/tmp/a"},{"location":"/tmp/b"}]}`)
	var fi FileInfo
	require.NoError(t, json.Unmarshal(raw, &fi))
	require.Len(t, fi.Locations, 2)
}
