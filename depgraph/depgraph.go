// Package depgraph implements traversal over the outbound depends_on edges
// of stored documents: antecedent and dependent closures, batched fetch by
// id, adjacency extraction, and the cascading delete that keeps queries from
// ever seeing a dangling reference.
package depgraph

import (
	"ndi.dev/core/document"
	"ndi.dev/core/ident"
	"ndi.dev/core/query"
	"ndi.dev/core/storage"
)

// idQuery builds a single OR of id==... predicates so one Search round trip
// fetches a whole frontier.
func idQuery(ids []string) *query.Query {
	children := make([]*query.Query, 0, len(ids))
	for _, id := range ids {
		children = append(children, query.Field("base.id").ExactString(id))
	}
	return query.Or(children...)
}

// DocsFromIDs fetches ids in one batched Search and returns a slice aligned
// with the input order, with nil entries where no document exists.
func DocsFromIDs(s storage.Storage, ids []string) ([]*document.Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	found, err := s.Search(idQuery(ids))
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*document.Document, len(found))
	for _, d := range found {
		byID[d.ID()] = d
	}
	out := make([]*document.Document, len(ids))
	for i, id := range ids {
		out[i] = byID[id]
	}
	return out, nil
}

// FindAllAntecedents returns the transitive closure along outgoing
// depends_on edges of docs, excluding docs themselves. Each frontier is
// fetched with one batched query; ids already seen are skipped, so cycles
// terminate.
func FindAllAntecedents(s storage.Storage, docs ...*document.Document) ([]*document.Document, error) {
	seen := make(map[string]bool, len(docs))
	for _, d := range docs {
		seen[d.ID()] = true
	}
	var out []*document.Document
	frontier := docs
	for len(frontier) > 0 {
		var wanted []string
		for _, d := range frontier {
			for _, dep := range d.DependsOn() {
				if dep.Value == "" || ident.IsEmpty(dep.Value) || seen[dep.Value] {
					continue
				}
				seen[dep.Value] = true
				wanted = append(wanted, dep.Value)
			}
		}
		if len(wanted) == 0 {
			break
		}
		fetched, err := DocsFromIDs(s, wanted)
		if err != nil {
			return nil, err
		}
		frontier = frontier[:0]
		for _, d := range fetched {
			if d == nil {
				continue
			}
			out = append(out, d)
			frontier = append(frontier, d)
		}
	}
	return out, nil
}

// FindAllDependents returns the transitive closure along incoming edges of
// docs, excluding docs themselves: every document that depends, directly or
// transitively, on one of them.
func FindAllDependents(s storage.Storage, docs ...*document.Document) ([]*document.Document, error) {
	seen := make(map[string]bool, len(docs))
	for _, d := range docs {
		seen[d.ID()] = true
	}
	var out []*document.Document
	frontier := docs
	for len(frontier) > 0 {
		children := make([]*query.Query, 0, len(frontier))
		for _, d := range frontier {
			children = append(children, query.DependsOn("", d.ID()))
		}
		found, err := s.Search(query.Or(children...))
		if err != nil {
			return nil, err
		}
		frontier = frontier[:0]
		for _, d := range found {
			if seen[d.ID()] {
				continue
			}
			seen[d.ID()] = true
			out = append(out, d)
			frontier = append(frontier, d)
		}
	}
	return out, nil
}

// DocsToGraph produces an adjacency map {id -> [dep_id, ...]} restricted to
// the given node set; edges pointing outside the set are dropped.
func DocsToGraph(docs []*document.Document) map[string][]string {
	inSet := make(map[string]bool, len(docs))
	for _, d := range docs {
		inSet[d.ID()] = true
	}
	graph := make(map[string][]string, len(docs))
	for _, d := range docs {
		edges := []string{}
		for _, dep := range d.DependsOn() {
			if inSet[dep.Value] {
				edges = append(edges, dep.Value)
			}
		}
		graph[d.ID()] = edges
	}
	return graph
}

// CascadeRemove removes the document with the given id together with its
// entire dependents closure, dependents first (depth-first, post-order), so
// no surviving document ever references a removed one. Returns the ids that
// were actually removed, in removal order.
func CascadeRemove(s storage.Storage, id string) ([]string, error) {
	root, ok, err := s.Read(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var removed []string
	visited := map[string]bool{}
	var walk func(d *document.Document) error
	walk = func(d *document.Document) error {
		if visited[d.ID()] {
			return nil
		}
		visited[d.ID()] = true
		direct, err := s.Search(query.DependsOn("", d.ID()))
		if err != nil {
			return err
		}
		for _, child := range direct {
			if err := walk(child); err != nil {
				return err
			}
		}
		ok, err := s.Remove(d.ID())
		if err != nil {
			return err
		}
		if ok {
			removed = append(removed, d.ID())
		}
		return nil
	}
	if err := walk(root); err != nil {
		return removed, err
	}
	return removed, nil
}
