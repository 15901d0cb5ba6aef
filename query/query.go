// Package query implements the composable predicate algebra documents are
// searched with: leaf field comparators plus and/or composition and
// negation. The canonical representation is the AST (*Query); the fluent
// Builder is convenience sugar over it.
package query

import (
	"fmt"
	"path"
	"reflect"
	"regexp"
	"strings"

	"ndi.dev/core/document"
)

// Op names a leaf predicate kind.
type Op string

const (
	OpExactString        Op = "exact_string"
	OpExactStringAnyCase Op = "exact_string_anycase"
	OpContainsString     Op = "contains_string"
	OpRegexp             Op = "regexp"
	OpExactNumber        Op = "exact_number"
	OpLessThan           Op = "lessthan"
	OpLessThanEq         Op = "lessthaneq"
	OpGreaterThan        Op = "greaterthan"
	OpGreaterThanEq      Op = "greaterthaneq"
	OpHasField           Op = "hasfield"
	OpHasMember          Op = "hasmember"
	OpIsa                Op = "isa"
	OpDependsOn          Op = "depends_on"
	OpDependsOnGlob      Op = "depends_on_glob"
)

type kind int

const (
	leafKind kind = iota
	andKind
	orKind
)

// Query is a predicate-algebra AST node. Zero value is not usable; build
// one with Field(...), Isa, DependsOn, And, or Or.
type Query struct {
	kind   kind
	field  string
	op     Op
	value  any
	negate bool

	children []*Query
}

// Leaf builds a leaf predicate node directly from an Op, for callers that
// don't want the fluent Builder.
func Leaf(field string, op Op, value any) *Query {
	return &Query{kind: leafKind, field: field, op: op, value: value}
}

// And builds a conjunction of children.
func And(children ...*Query) *Query {
	return &Query{kind: andKind, children: children}
}

// Or builds a disjunction of children.
func Or(children ...*Query) *Query {
	return &Query{kind: orKind, children: children}
}

// Isa builds an isa(class) predicate: true iff the document's class or any
// ancestor equals className.
func Isa(className string) *Query {
	return Leaf("", OpIsa, className)
}

// DependsOn builds a depends_on(name, value) predicate. An empty name
// matches any role; an empty value matches any target id.
func DependsOn(name, value string) *Query {
	return Leaf(name, OpDependsOn, value)
}

// DependsOnGlob builds a depends_on predicate whose role name is matched
// against namePattern as a shell glob (path.Match), rather than exactly.
func DependsOnGlob(namePattern, value string) *Query {
	return Leaf(namePattern, OpDependsOnGlob, value)
}

// And returns a new conjunction of q and other.
func (q *Query) And(other *Query) *Query {
	return And(q, other)
}

// Or returns a new disjunction of q and other.
func (q *Query) Or(other *Query) *Query {
	return Or(q, other)
}

// Not returns a copy of q with its result negated.
func (q *Query) Not() *Query {
	cp := *q
	cp.negate = !cp.negate
	return &cp
}

// Negated reports whether this node's result is inverted.
func (q *Query) Negated() bool { return q.negate }

// AndChildren returns the child list and true when q is a conjunction.
func (q *Query) AndChildren() ([]*Query, bool) { return q.children, q.kind == andKind }

// OrChildren returns the child list and true when q is a disjunction.
func (q *Query) OrChildren() ([]*Query, bool) { return q.children, q.kind == orKind }

// Leaf returns the (field, op, value) triple; meaningful only when q is a
// leaf node. Backends use this to translate the AST into a native query
// language (see storage.ToMango).
func (q *Query) Leaf() (string, Op, any) { return q.field, q.op, q.value }

// Builder is fluent sugar for constructing a leaf predicate against one
// field path.
type Builder struct {
	field string
}

// Field starts a leaf predicate against the given dotted field path.
func Field(field string) *Builder {
	return &Builder{field: field}
}

func (b *Builder) ExactString(s string) *Query        { return Leaf(b.field, OpExactString, s) }
func (b *Builder) ExactStringAnyCase(s string) *Query { return Leaf(b.field, OpExactStringAnyCase, s) }
func (b *Builder) Contains(s string) *Query           { return Leaf(b.field, OpContainsString, s) }
func (b *Builder) Regexp(pattern string) *Query       { return Leaf(b.field, OpRegexp, pattern) }
func (b *Builder) ExactNumber(n float64) *Query       { return Leaf(b.field, OpExactNumber, n) }
func (b *Builder) LessThan(n float64) *Query          { return Leaf(b.field, OpLessThan, n) }
func (b *Builder) LessThanEq(n float64) *Query        { return Leaf(b.field, OpLessThanEq, n) }
func (b *Builder) GreaterThan(n float64) *Query       { return Leaf(b.field, OpGreaterThan, n) }
func (b *Builder) GreaterThanEq(n float64) *Query     { return Leaf(b.field, OpGreaterThanEq, n) }
func (b *Builder) HasField() *Query                   { return Leaf(b.field, OpHasField, nil) }
func (b *Builder) HasMember(v any) *Query             { return Leaf(b.field, OpHasMember, v) }

// Eval evaluates q against doc, honoring negation at every node.
func Eval(q *Query, doc *document.Document) bool {
	var result bool
	switch q.kind {
	case andKind:
		result = true
		for _, c := range q.children {
			if !Eval(c, doc) {
				result = false
				break
			}
		}
	case orKind:
		result = false
		for _, c := range q.children {
			if Eval(c, doc) {
				result = true
				break
			}
		}
	default:
		result = evalLeaf(q, doc)
	}
	if q.negate {
		return !result
	}
	return result
}

func evalLeaf(q *Query, doc *document.Document) bool {
	switch q.op {
	case OpIsa:
		return doc.DocIsa(q.value.(string))
	case OpDependsOn, OpDependsOnGlob:
		return evalDependsOn(q, doc)
	case OpHasField:
		_, ok := resolve(doc, q.field)
		return ok
	}

	v, ok := resolve(doc, q.field)
	if !ok {
		return false
	}

	switch q.op {
	case OpExactString:
		s, ok := v.(string)
		return ok && s == q.value.(string)
	case OpExactStringAnyCase:
		s, ok := v.(string)
		return ok && strings.EqualFold(s, q.value.(string))
	case OpContainsString:
		return strings.Contains(stringify(v), q.value.(string))
	case OpRegexp:
		re, err := regexp.Compile(q.value.(string))
		if err != nil {
			return false
		}
		return re.MatchString(stringify(v))
	case OpExactNumber:
		n, ok := toFloat(v)
		return ok && n == q.value.(float64)
	case OpLessThan:
		n, ok := toFloat(v)
		return ok && n < q.value.(float64)
	case OpLessThanEq:
		n, ok := toFloat(v)
		return ok && n <= q.value.(float64)
	case OpGreaterThan:
		n, ok := toFloat(v)
		return ok && n > q.value.(float64)
	case OpGreaterThanEq:
		n, ok := toFloat(v)
		return ok && n >= q.value.(float64)
	case OpHasMember:
		list, ok := v.([]any)
		if !ok {
			return false
		}
		for _, item := range list {
			if reflect.DeepEqual(item, q.value) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func evalDependsOn(q *Query, doc *document.Document) bool {
	wantValue, _ := q.value.(string)
	for _, dep := range doc.DependsOn() {
		if q.field != "" {
			if q.op == OpDependsOnGlob {
				if matched, _ := path.Match(q.field, dep.Name); !matched {
					continue
				}
			} else if dep.Name != q.field {
				continue
			}
		}
		if wantValue != "" && dep.Value != wantValue {
			continue
		}
		return true
	}
	return false
}

// resolve reads a field path off doc. The "base" section of the wire form
// (id, session_id) lives outside the property tree, so those two paths are
// answered from the document's own accessors; everything else walks the
// nested property map.
func resolve(doc *document.Document, field string) (any, bool) {
	switch field {
	case "base.id":
		return doc.ID(), true
	case "base.session_id":
		return doc.SessionID(), true
	}
	return doc.Property(field)
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
