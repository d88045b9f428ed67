package graph

import (
	"fmt"
	"sort"
	"sync"

	"github.com/bitzel-build/bitzel/internal/logging"
)

var log = logging.Log

// CycleError reports a cycle detected during construction or topological
// ordering (spec.md §3 "Cyclic dependencies ... a bug in the input").
type CycleError struct {
	Path []TaskID
}

func (e *CycleError) Error() string {
	s := "graph: cycle detected: "
	for i, id := range e.Path {
		if i > 0 {
			s += " -> "
		}
		s += id.String()
	}
	return s
}

// Graph is the DAG of tasks across all recipes in a build plan (spec.md
// §4.4). It is immutable once construction completes; readiness queries
// operate over caller-supplied completed/failed sets so the Graph itself
// holds no build-in-progress state (that belongs to the Scheduler).
type Graph struct {
	mu    sync.RWMutex
	nodes map[TaskID]*Node
	// rdeps[x] is the set of tasks that declare a dependency on x.
	rdeps map[TaskID]map[TaskID]bool
	// critical path distance to a leaf goal, memoized lazily by CriticalPath.
	critical map[TaskID]int
}

// New returns an empty Graph under construction.
func New() *Graph {
	return &Graph{
		nodes: map[TaskID]*Node{},
		rdeps: map[TaskID]map[TaskID]bool{},
	}
}

// AddTask registers a task node. Both inter-recipe dependencies (explicit
// cross-recipe task-id references) and intra-recipe ordering (the
// recipe's declared task sequence, e.g. compile depends on configure) are
// expressed uniformly as entries in Deps (spec.md §4.4 "Construction").
func (g *Graph) AddTask(n *Node) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.nodes[n.ID]; exists {
		return fmt.Errorf("graph: task %s already added", n.ID)
	}
	cp := *n
	cp.Deps = append([]TaskID(nil), n.Deps...)
	cp.Outputs = append([]string(nil), n.Outputs...)
	if cp.CostEstimate <= 0 {
		cp.CostEstimate = 1
	}
	g.nodes[n.ID] = &cp
	for _, dep := range n.Deps {
		if g.rdeps[dep] == nil {
			g.rdeps[dep] = map[TaskID]bool{}
		}
		g.rdeps[dep][n.ID] = true
	}
	return nil
}

// Node returns the node for id, or nil if unknown.
func (g *Graph) Node(id TaskID) *Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[id]
}

// Len returns the number of tasks in the graph.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// AllTasks returns every task-id in the graph, in no particular order.
func (g *Graph) AllTasks() []TaskID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]TaskID, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	return ids
}

// Dependents returns the set of tasks that directly depend on id, used to
// propagate failure (spec.md §4.4 "dependents").
func (g *Graph) Dependents(id TaskID) []TaskID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]TaskID, 0, len(g.rdeps[id]))
	for dep := range g.rdeps[id] {
		out = append(out, dep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// TopologicalOrder returns tasks in dependency order using Kahn's
// algorithm, deterministic by a secondary sort on task-id (spec.md §4.4
// "topological_order"). Returns a *CycleError if the graph contains a
// cycle.
func (g *Graph) TopologicalOrder() ([]TaskID, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	indegree := make(map[TaskID]int, len(g.nodes))
	for id, n := range g.nodes {
		if _, ok := indegree[id]; !ok {
			indegree[id] = 0
		}
		for range n.Deps {
			indegree[id]++
		}
	}
	// ready holds tasks with indegree 0, kept sorted for determinism.
	var ready []TaskID
	for id, d := range indegree {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].Less(ready[j]) })

	order := make([]TaskID, 0, len(g.nodes))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return ready[i].Less(ready[j]) })
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for dep := range g.rdeps[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}
	if len(order) != len(g.nodes) {
		return nil, &CycleError{Path: g.findCycleLocked()}
	}
	return order, nil
}

// findCycleLocked returns some cyclic path, for diagnostics. Caller must
// hold g.mu.
func (g *Graph) findCycleLocked() []TaskID {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[TaskID]int{}
	var path []TaskID
	var cycle []TaskID
	var visit func(id TaskID) bool
	visit = func(id TaskID) bool {
		color[id] = gray
		path = append(path, id)
		for _, dep := range g.nodes[id].Deps {
			switch color[dep] {
			case gray:
				// Found the back-edge; extract the cyclic suffix of path.
				for i, p := range path {
					if p == dep {
						cycle = append(append([]TaskID(nil), path[i:]...), dep)
						return true
					}
				}
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return false
	}
	ids := make([]TaskID, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	for _, id := range ids {
		if color[id] == white {
			if visit(id) {
				return cycle
			}
		}
	}
	return nil
}

// Ready returns tasks whose dependencies are all in completed and that are
// not transitively dependent on any task in failed (spec.md §4.4 "ready").
// A failed task prunes its entire downstream cone: those tasks are
// reported as skipped by the caller, never attempted.
func (g *Graph) Ready(completed, failed map[TaskID]bool) []TaskID {
	g.mu.RLock()
	defer g.mu.RUnlock()

	skip := g.downstreamOfLocked(failed)

	var ready []TaskID
	for id, n := range g.nodes {
		if completed[id] || failed[id] || skip[id] {
			continue
		}
		ok := true
		for _, dep := range n.Deps {
			if !completed[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].Less(ready[j]) })
	return ready
}

// Skipped returns every task transitively downstream of a task in failed,
// excluding failed itself. Used by the scheduler to report skip status in
// one pass (spec.md §4.8 "Failure propagation").
func (g *Graph) Skipped(failed map[TaskID]bool) []TaskID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	skip := g.downstreamOfLocked(failed)
	out := make([]TaskID, 0, len(skip))
	for id := range skip {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

func (g *Graph) downstreamOfLocked(roots map[TaskID]bool) map[TaskID]bool {
	seen := map[TaskID]bool{}
	var visit func(id TaskID)
	visit = func(id TaskID) {
		for dep := range g.rdeps[id] {
			if !seen[dep] {
				seen[dep] = true
				visit(dep)
			}
		}
	}
	for id := range roots {
		visit(id)
	}
	return seen
}

// CriticalPath returns id's longest-path distance (in CostEstimate units)
// to a leaf goal, i.e. a task with no dependents in the graph (spec.md
// §4.4 "Critical-path metadata"). It is computed lazily and memoized.
func (g *Graph) CriticalPath(id TaskID) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.critical == nil {
		g.critical = map[TaskID]int{}
	}
	return g.criticalPathLocked(id, map[TaskID]bool{})
}

func (g *Graph) criticalPathLocked(id TaskID, visiting map[TaskID]bool) int {
	if v, ok := g.critical[id]; ok {
		return v
	}
	n := g.nodes[id]
	if n == nil {
		return 0
	}
	if visiting[id] {
		return 0 // defensive: a cycle should already have been rejected by TopologicalOrder
	}
	visiting[id] = true
	best := 0
	for dep := range g.rdeps[id] {
		if d := g.criticalPathLocked(dep, visiting); d > best {
			best = d
		}
	}
	visiting[id] = false
	result := n.CostEstimate + best
	g.critical[id] = result
	return result
}
