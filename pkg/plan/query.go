package plan

import (
	"sort"

	"github.com/bitzel-build/bitzel/internal/graph"
)

// Query is the read-only graph-inspection surface the control plane exposes
// to an outer CLI (spec.md §4.10 "Query::deps(task) / Query::rdeps(task) /
// Query::path(from, to)"), grounded on please's src/query package (deps.go,
// reverse_deps.go, somepath.go) narrowed from please's label-set queries to
// bitzel's single-task-id queries.
type Query struct {
	g *graph.Graph
}

// NewQuery wraps g for querying.
func NewQuery(g *graph.Graph) *Query { return &Query{g: g} }

// Deps returns id's direct (one-hop) dependencies, sorted for determinism.
// Grounded on please's query/deps.go, narrowed to immediate deps (please's
// "deps" query defaults to the full transitive closure, offered here via
// TransitiveDeps instead so the two notions don't collide on one name).
func (q *Query) Deps(id graph.TaskID) []graph.TaskID {
	n := q.g.Node(id)
	if n == nil {
		return nil
	}
	out := append([]graph.TaskID(nil), n.Deps...)
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// TransitiveDeps returns every task id transitively depends on (excluding
// id itself), sorted.
func (q *Query) TransitiveDeps(id graph.TaskID) []graph.TaskID {
	seen := map[graph.TaskID]bool{}
	var visit func(graph.TaskID)
	visit = func(cur graph.TaskID) {
		n := q.g.Node(cur)
		if n == nil {
			return
		}
		for _, d := range n.Deps {
			if !seen[d] {
				seen[d] = true
				visit(d)
			}
		}
	}
	visit(id)
	out := make([]graph.TaskID, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// RDeps returns the tasks that directly depend on id (spec.md §4.4
// "dependents"), grounded on please's query/reverse_deps.go.
func (q *Query) RDeps(id graph.TaskID) []graph.TaskID {
	return q.g.Dependents(id)
}

// Path returns a dependency chain from `from` to `to`: a sequence of task
// ids starting at `from` where each consecutive pair is a direct-dependency
// edge, ending at `to`, such that `to` transitively depends on `from`. It
// returns nil if no such chain exists. Grounded on please's
// query/somepath.go (breadth-first search over the reverse-dependency
// direction from the target back to the source, returning the first path
// found rather than the shortest in some other metric — please's own
// implementation makes the same tradeoff).
func (q *Query) Path(from, to graph.TaskID) []graph.TaskID {
	if from == to {
		return []graph.TaskID{from}
	}
	parent := map[graph.TaskID]graph.TaskID{}
	visited := map[graph.TaskID]bool{to: true}
	queue := []graph.TaskID{to}
	found := false
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == from {
			found = true
			break
		}
		n := q.g.Node(cur)
		if n == nil {
			continue
		}
		deps := append([]graph.TaskID(nil), n.Deps...)
		sort.Slice(deps, func(i, j int) bool { return deps[i].Less(deps[j]) })
		for _, d := range deps {
			if !visited[d] {
				visited[d] = true
				parent[d] = cur
				queue = append(queue, d)
			}
		}
	}
	if !found {
		return nil
	}
	path := []graph.TaskID{from}
	cur := from
	for cur != to {
		next, ok := parent[cur]
		if !ok {
			return nil
		}
		path = append(path, next)
		cur = next
	}
	return path
}
