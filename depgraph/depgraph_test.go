package depgraph

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ndi.dev/core/document"
	"ndi.dev/core/storage"
)

func newTestRegistry() *document.ClassRegistry {
	r := document.NewClassRegistry()
	r.Register(document.ClassDef{Name: "analysis", PropertyListName: "analysis"})
	return r
}

func openTestBolt(t *testing.T) *storage.BoltStorage {
	t.Helper()
	dir := t.TempDir()
	s, err := storage.OpenBolt(filepath.Join(dir, "ndi.db"), filepath.Join(dir, "binary"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// chain builds and stores A -> B -> C (A depends on B depends on C) and
// returns the three documents in that order.
func chain(t *testing.T, s storage.Storage, reg *document.ClassRegistry) (a, b, c *document.Document) {
	t.Helper()
	c, err := document.New(reg, "analysis", map[string]any{"analysis.name": "c"})
	require.NoError(t, err)
	b, err = document.New(reg, "analysis", map[string]any{"analysis.name": "b"})
	require.NoError(t, err)
	b, err = b.SetDependencyValue("input_id", c.ID(), false)
	require.NoError(t, err)
	a, err = document.New(reg, "analysis", map[string]any{"analysis.name": "a"})
	require.NoError(t, err)
	a, err = a.SetDependencyValue("input_id", b.ID(), false)
	require.NoError(t, err)

	for _, d := range []*document.Document{c, b, a} {
		require.NoError(t, s.Add(d))
	}
	return a, b, c
}

func ids(docs []*document.Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID()
	}
	return out
}

func TestDocsFromIDsAlignsWithInput(t *testing.T) {
	s := openTestBolt(t)
	reg := newTestRegistry()
	a, _, c := chain(t, s, reg)

	got, err := DocsFromIDs(s, []string{c.ID(), "missing_id", a.ID()})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, c.ID(), got[0].ID())
	assert.Nil(t, got[1])
	assert.Equal(t, a.ID(), got[2].ID())
}

// The antecedent closure plus the starting set is closed under
// outgoing edges.
func TestFindAllAntecedentsClosure(t *testing.T) {
	s := openTestBolt(t)
	reg := newTestRegistry()
	a, b, c := chain(t, s, reg)

	ants, err := FindAllAntecedents(s, a)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{b.ID(), c.ID()}, ids(ants))

	inSet := map[string]bool{a.ID(): true}
	for _, d := range ants {
		inSet[d.ID()] = true
	}
	for _, d := range append(ants, a) {
		for _, dep := range d.DependsOn() {
			assert.True(t, inSet[dep.Value], "edge %s -> %s leaves the closure", d.ID(), dep.Value)
		}
	}
}

func TestFindAllDependents(t *testing.T) {
	s := openTestBolt(t)
	reg := newTestRegistry()
	a, b, c := chain(t, s, reg)

	deps, err := FindAllDependents(s, c)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID(), b.ID()}, ids(deps))

	deps, err = FindAllDependents(s, a)
	require.NoError(t, err)
	assert.Empty(t, deps)
}

func TestDocsToGraphDropsOutsideEdges(t *testing.T) {
	s := openTestBolt(t)
	reg := newTestRegistry()
	a, b, c := chain(t, s, reg)

	// restrict to {a, b}: b's edge to c must be dropped
	graph := DocsToGraph([]*document.Document{a, b})
	assert.Equal(t, []string{b.ID()}, graph[a.ID()])
	assert.Empty(t, graph[b.ID()])
	_, present := graph[c.ID()]
	assert.False(t, present)
}

// Removing C cascades to B then A.
func TestCascadeRemove(t *testing.T) {
	s := openTestBolt(t)
	reg := newTestRegistry()
	a, b, c := chain(t, s, reg)

	removed, err := CascadeRemove(s, c.ID())
	require.NoError(t, err)
	// post-order: the most-dependent document goes first
	assert.Equal(t, []string{a.ID(), b.ID(), c.ID()}, removed)

	for _, id := range []string{a.ID(), b.ID(), c.ID()} {
		_, ok, err := s.Read(id)
		require.NoError(t, err)
		assert.False(t, ok)
	}
}

func TestCascadeRemoveMissingIsNoop(t *testing.T) {
	s := openTestBolt(t)
	removed, err := CascadeRemove(s, "not_there")
	require.NoError(t, err)
	assert.Empty(t, removed)
}

// cycles terminate: two documents depending on each other
func TestClosureTerminatesOnCycles(t *testing.T) {
	s := openTestBolt(t)
	reg := newTestRegistry()

	x, err := document.New(reg, "analysis", nil)
	require.NoError(t, err)
	y, err := document.New(reg, "analysis", nil)
	require.NoError(t, err)
	x, err = x.SetDependencyValue("peer_id", y.ID(), false)
	require.NoError(t, err)
	y, err = y.SetDependencyValue("peer_id", x.ID(), false)
	require.NoError(t, err)
	require.NoError(t, s.Add(x))
	require.NoError(t, s.Add(y))

	ants, err := FindAllAntecedents(s, x)
	require.NoError(t, err)
	assert.Equal(t, []string{y.ID()}, ids(ants))

	deps, err := FindAllDependents(s, x)
	require.NoError(t, err)
	assert.Equal(t, []string{y.ID()}, ids(deps))
}
