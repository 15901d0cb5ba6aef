// Package timesync translates time values between reference frames: it
// maintains a directed weighted graph whose nodes are (epoch set, epoch,
// clock) triples and whose edges are polynomial time mappings, and answers
// conversions by shortest-path search over that graph.
package timesync

import (
	"container/heap"
	"fmt"
	"math"

	"ndi.dev/core/epoch"
)

// builtinClockCost is the weight of the implicit edge a precise clock has to
// itself and to its approximate counterpart. It is deliberately expensive so
// rule-derived edges win whenever one exists.
const builtinClockCost = 100.0

// Node is one graph vertex: a specific clock of a specific epoch of one
// epoch set.
type Node struct {
	Set     epoch.Set
	EpochID string
	Clock   epoch.ClockType
}

// GraphInfo is the materialized graph: node list, cost matrix (math.Inf(1)
// where no edge exists), mapping matrix, and which rule produced each edge
// (-1 for built-in clock edges).
type GraphInfo struct {
	Nodes   []Node
	Cost    [][]float64
	Mapping [][]*TimeMapping
	RuleIdx [][]int
}

// Graph owns the sync rules and the lazily built GraphInfo. Not safe for
// concurrent use; it belongs to a single Session.
type Graph struct {
	sets  []epoch.Set
	rules []Rule
	info  *GraphInfo
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{}
}

// AddSet registers an epoch set (typically a DAQ system) whose epochs become
// graph nodes.
func (g *Graph) AddSet(s epoch.Set) {
	g.sets = append(g.sets, s)
	g.info = nil
}

// AddRule appends a sync rule and discards the memoized graph.
func (g *Graph) AddRule(r Rule) {
	g.rules = append(g.rules, r)
	g.info = nil
}

// RemoveRule removes the rule at index i and discards the memoized graph.
func (g *Graph) RemoveRule(i int) {
	if i < 0 || i >= len(g.rules) {
		return
	}
	g.rules = append(g.rules[:i], g.rules[i+1:]...)
	g.info = nil
}

// Rules returns the current rule list.
func (g *Graph) Rules() []Rule {
	return append([]Rule(nil), g.rules...)
}

// Info returns the materialized graph, building it if needed.
func (g *Graph) Info() (*GraphInfo, error) {
	if g.info != nil {
		return g.info, nil
	}
	var nodes []Node
	for _, s := range g.sets {
		epochs, err := s.Epochs()
		if err != nil {
			return nil, err
		}
		for _, e := range epochs {
			for _, ce := range e.Clocks {
				nodes = append(nodes, Node{Set: s, EpochID: e.ID, Clock: ce.Clock})
			}
		}
	}

	n := len(nodes)
	info := &GraphInfo{
		Nodes:   nodes,
		Cost:    make([][]float64, n),
		Mapping: make([][]*TimeMapping, n),
		RuleIdx: make([][]int, n),
	}
	for i := 0; i < n; i++ {
		info.Cost[i] = make([]float64, n)
		info.Mapping[i] = make([]*TimeMapping, n)
		info.RuleIdx[i] = make([]int, n)
		for j := 0; j < n; j++ {
			info.Cost[i][j] = math.Inf(1)
			info.RuleIdx[i][j] = -1
		}
	}

	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			// built-in edge: precise clock to its approximate counterpart
			// within the same epoch of the same set, never the reverse
			if nodes[i].Set == nodes[j].Set && nodes[i].EpochID == nodes[j].EpochID {
				if approx, ok := nodes[i].Clock.Approximate(); ok && approx == nodes[j].Clock {
					ident := Identity()
					info.Cost[i][j] = builtinClockCost
					info.Mapping[i][j] = &ident
				}
			}
			for ri, rule := range g.rules {
				cost, m, ok := rule.Apply(nodes[i], nodes[j])
				if !ok {
					continue
				}
				// minimum cost wins; ties keep the earliest rule
				if cost < info.Cost[i][j] {
					mc := m
					info.Cost[i][j] = cost
					info.Mapping[i][j] = &mc
					info.RuleIdx[i][j] = ri
				}
			}
		}
	}
	g.info = info
	return info, nil
}

// match finds nodes matching (referentName, clock) and optionally a
// specific epoch.
func (info *GraphInfo) match(referentName string, clock epoch.ClockType, epochID string) []int {
	var out []int
	for i, node := range info.Nodes {
		if node.Set.Name() != referentName || node.Clock != clock {
			continue
		}
		if epochID != "" && node.EpochID != epochID {
			continue
		}
		out = append(out, i)
	}
	return out
}

// pqItem / priorityQueue implement container/heap for Dijkstra.
type pqItem struct {
	node int
	dist float64
}

type priorityQueue []pqItem

func (pq priorityQueue) Len() int           { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool { return pq[i].dist < pq[j].dist }
func (pq priorityQueue) Swap(i, j int)      { pq[i], pq[j] = pq[j], pq[i] }
func (pq *priorityQueue) Push(x any)        { *pq = append(*pq, x.(pqItem)) }
func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	*pq = old[:n-1]
	return item
}

// shortestPath runs Dijkstra from src and returns the node sequence of the
// cheapest path to any of the candidate targets, or nil when none is
// reachable.
func (info *GraphInfo) shortestPath(src int, targets map[int]bool) []int {
	n := len(info.Nodes)
	dist := make([]float64, n)
	prev := make([]int, n)
	done := make([]bool, n)
	for i := range dist {
		dist[i] = math.Inf(1)
		prev[i] = -1
	}
	dist[src] = 0

	pq := &priorityQueue{{node: src, dist: 0}}
	heap.Init(pq)
	for pq.Len() > 0 {
		item := heap.Pop(pq).(pqItem)
		u := item.node
		if done[u] {
			continue
		}
		done[u] = true
		if targets[u] {
			// first settled target is the cheapest reachable one
			var path []int
			for at := u; at != -1; at = prev[at] {
				path = append([]int{at}, path...)
			}
			return path
		}
		for v := 0; v < n; v++ {
			if math.IsInf(info.Cost[u][v], 1) || done[v] {
				continue
			}
			if alt := dist[u] + info.Cost[u][v]; alt < dist[v] {
				dist[v] = alt
				prev[v] = u
				heap.Push(pq, pqItem{node: v, dist: alt})
			}
		}
	}
	return nil
}

// TimeConvert translates tIn, measured in src's frame, into dst's frame on
// dstClock. Failures come back as a reason string rather than an error, so
// pipeline code can treat "no path" as data, not a fault.
func (g *Graph) TimeConvert(src *TimeReference, tIn float64, dst Referent, dstClock epoch.ClockType) (float64, *TimeReference, string) {
	info, err := g.Info()
	if err != nil {
		return 0, nil, fmt.Sprintf("failed to build sync graph: %v", err)
	}

	srcMatches := info.match(src.Referent.Name(), src.Clock, src.EpochID)
	if len(srcMatches) == 0 {
		return 0, nil, fmt.Sprintf("no node for referent %q clock %s epoch %q",
			src.Referent.Name(), src.Clock, src.EpochID)
	}
	if len(srcMatches) > 1 {
		return 0, nil, fmt.Sprintf("ambiguous source: %d nodes match referent %q clock %s",
			len(srcMatches), src.Referent.Name(), src.Clock)
	}
	srcIdx := srcMatches[0]

	targets := map[int]bool{}
	for _, i := range info.match(dst.Name(), dstClock, "") {
		targets[i] = true
	}
	if len(targets) == 0 {
		return 0, nil, fmt.Sprintf("no node for referent %q clock %s", dst.Name(), dstClock)
	}

	path := info.shortestPath(srcIdx, targets)
	if path == nil {
		return 0, nil, fmt.Sprintf("no path from %q (%s) to %q (%s)",
			src.Referent.Name(), src.Clock, dst.Name(), dstClock)
	}

	t := tIn - src.Time
	for k := 0; k+1 < len(path); k++ {
		t = info.Mapping[path[k]][path[k+1]].Map(t)
	}

	destNode := info.Nodes[path[len(path)-1]]
	ref, err := NewTimeReference(dst, dstClock, destNode.EpochID, 0)
	if err != nil {
		return 0, nil, err.Error()
	}
	return t, ref, ""
}
