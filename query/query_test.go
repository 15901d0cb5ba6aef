package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"ndi.dev/core/document"
)

func newTestRegistry() *document.ClassRegistry {
	r := document.NewClassRegistry()
	r.Register(document.ClassDef{Name: "probe", PropertyListName: "element"})
	r.Register(document.ClassDef{Name: "neuron", PropertyListName: "element"})
	return r
}

func mustDoc(t *testing.T, reg *document.ClassRegistry, class string, assignments map[string]any) *document.Document {
	t.Helper()
	d, err := document.New(reg, class, assignments)
	require.NoError(t, err)
	return d
}

// Query AST.
func TestScenarioQueryAST(t *testing.T) {
	reg := newTestRegistry()
	d1 := mustDoc(t, reg, "probe", map[string]any{"element.name": "a", "element.type": "probe"})
	d2 := mustDoc(t, reg, "probe", map[string]any{"element.name": "ab", "element.type": "probe"})
	d3 := mustDoc(t, reg, "neuron", map[string]any{"element.name": "c", "element.type": "neuron"})
	docs := []*document.Document{d1, d2, d3}

	filter := func(q *Query) []*document.Document {
		var out []*document.Document
		for _, d := range docs {
			if Eval(q, d) {
				out = append(out, d)
			}
		}
		return out
	}

	contains := Field("element.name").Contains("a")
	assert.ElementsMatch(t, []*document.Document{d1, d2}, filter(contains))

	combined := contains.And(Isa("neuron"))
	assert.Empty(t, filter(combined))

	negated := Field("element.type").ExactString("probe").Not()
	assert.ElementsMatch(t, []*document.Document{d3}, filter(negated))
}

// Eval(~q, doc) == not eval(q, doc), across a representative op set.
func TestNegationIsComplement(t *testing.T) {
	reg := newTestRegistry()
	d := mustDoc(t, reg, "probe", map[string]any{"element.name": "abc", "element.count": 3})

	queries := []*Query{
		Field("element.name").ExactString("abc"),
		Field("element.name").Contains("b"),
		Field("element.count").GreaterThan(1),
		Field("element.missing").HasField(),
		Isa("probe"),
		DependsOn("role", "x"),
	}
	for _, q := range queries {
		assert.Equal(t, !Eval(q, d), Eval(q.Not(), d))
	}
}

func TestHasMemberDeepEqual(t *testing.T) {
	reg := newTestRegistry()
	d := mustDoc(t, reg, "probe", map[string]any{
		"element.tags": []any{"x", "y", map[string]any{"k": "v"}},
	})

	assert.True(t, Eval(Field("element.tags").HasMember("y"), d))
	assert.True(t, Eval(Field("element.tags").HasMember(map[string]any{"k": "v"}), d))
	assert.False(t, Eval(Field("element.tags").HasMember("z"), d))
}

func TestDependsOnWildcardAndExact(t *testing.T) {
	reg := newTestRegistry()
	d := mustDoc(t, reg, "probe", nil)
	d, err := d.SetDependencyValue("underlying_element_id", "e1", false)
	require.NoError(t, err)

	assert.True(t, Eval(DependsOn("", "e1"), d))
	assert.True(t, Eval(DependsOn("underlying_element_id", ""), d))
	assert.False(t, Eval(DependsOn("other_role", ""), d))

	assert.True(t, Eval(DependsOnGlob("underlying_*", "e1"), d))
}

func TestInsertionOrderIsCallerResponsibility(t *testing.T) {
	// insertion ordering belongs to Storage.Search; here we only confirm Eval is a pure
	// predicate with no ordering side effects of its own.
	reg := newTestRegistry()
	d := mustDoc(t, reg, "probe", map[string]any{"element.name": "a"})
	for i := 0; i < 3; i++ {
		assert.True(t, Eval(Field("element.name").ExactString("a"), d))
	}
}
