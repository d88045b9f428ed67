package plan

import (
	"context"
	"fmt"

	"github.com/bitzel-build/bitzel/internal/digest"
	"github.com/bitzel-build/bitzel/internal/executor"
	"github.com/bitzel-build/bitzel/internal/graph"
	"github.com/bitzel-build/bitzel/internal/logging"
	"github.com/bitzel-build/bitzel/internal/scheduler"
	"github.com/bitzel-build/bitzel/internal/signature"
)

var log = logging.Log

// Plan is the lowered task graph for a set of build goals, the control
// plane's central object (spec.md §4.10 "Plan::new/Plan::signatures/
// Plan::run").
type Plan struct {
	Graph *graph.Graph
	goals []graph.TaskID
	sigs  map[graph.TaskID]digest.Digest
}

// New lowers recipeGraph into a task DAG containing exactly the tasks
// transitively required to produce goals: every task of every recipe
// reachable from a goal's recipe via DependsOn, plus the goal recipes'
// own declared task sequences (spec.md §4.4 "Construction" — "given a set
// of recipes to realize ... enumerate every task required (transitively)
// to produce the goals").
//
// New returns *graph.CycleError if recipeGraph describes a cycle: it calls
// TopologicalOrder to validate eagerly, matching please's core/state.go which
// validates its graph at construction rather than deferring to first use
// (spec.md §4.4, §9).
func New(goals []graph.TaskID, recipeGraph *RecipeGraph) (*Plan, error) {
	g := graph.New()
	recipes := recipeGraph.index()
	visited := map[graph.RecipeID]bool{}
	added := map[graph.TaskID]bool{}

	var addRecipe func(id graph.RecipeID) error
	addRecipe = func(id graph.RecipeID) error {
		if visited[id] {
			return nil
		}
		visited[id] = true
		r, ok := recipes[id]
		if !ok {
			return fmt.Errorf("plan: recipe %s not found in recipe graph", id)
		}
		for _, dep := range r.DependsOn {
			if err := addRecipe(dep); err != nil {
				return err
			}
		}
		for _, t := range r.Tasks {
			tid := graph.TaskID{Recipe: id, Name: t.Name}
			if added[tid] {
				continue
			}
			var deps []graph.TaskID
			for _, depName := range t.Deps {
				deps = append(deps, graph.TaskID{Recipe: id, Name: depName})
			}
			deps = append(deps, t.CrossRecipeDeps...)
			if t.LinksToDependencies {
				for _, depRecipe := range r.DependsOn {
					dr := recipes[depRecipe]
					deps = append(deps, graph.TaskID{Recipe: depRecipe, Name: dr.sysrootTask()})
				}
			}
			n := &graph.Node{
				ID:           tid,
				Body:         t.Body,
				Env:          t.Env,
				Outputs:      t.Outputs,
				Deps:         deps,
				Network:      t.Network,
				Limits:       t.Limits,
				Overrides:    t.Overrides,
				CostEstimate: t.CostEstimate,
			}
			if err := g.AddTask(n); err != nil {
				return err
			}
			added[tid] = true
		}
		return nil
	}

	for _, goal := range goals {
		if err := addRecipe(goal.Recipe); err != nil {
			return nil, err
		}
		if g.Node(goal) == nil {
			return nil, fmt.Errorf("plan: goal %s names no task in recipe %s", goal, goal.Recipe)
		}
	}

	// Catch a dangling dependency reference (a misspelled intra-recipe dep,
	// a cross-recipe dep naming a task that was never declared, or a
	// LinksToDependencies edge whose target recipe has no sysroot_task of
	// that name) here with a precise error, rather than let it surface as
	// TopologicalOrder's *CycleError: a dep that points at a node the graph
	// never added behaves exactly like a cycle to Kahn's algorithm (its
	// indegree never reaches zero), which would misdiagnose a missing task
	// as a dependency loop.
	for tid := range added {
		n := g.Node(tid)
		for _, dep := range n.Deps {
			if g.Node(dep) == nil {
				return nil, fmt.Errorf("plan: task %s depends on %s, which names no task", tid, dep)
			}
		}
	}

	if _, err := g.TopologicalOrder(); err != nil {
		return nil, err
	}

	return &Plan{Graph: g, goals: append([]graph.TaskID(nil), goals...)}, nil
}

// Goals returns the build goals this plan was constructed for.
func (p *Plan) Goals() []graph.TaskID { return append([]graph.TaskID(nil), p.goals...) }

// Signatures computes every task's signature (spec.md §4.3, §4.10
// "Plan::signatures(env)"). env supplies build-wide environment variables
// (e.g. MACHINE/DISTRO-style values the KAS-style environment-setup stage
// would export) that are folded into each task's declared environment
// surface before signing — without mutating the graph itself, since a
// recipe's own declared env always wins over an ambient default with the
// same name. Calling Signatures again with a different env recomputes
// every signature from scratch, which is the whole point of spec.md §4.3's
// "Invalidation propagation" invariant: it must be pure in its inputs.
func (p *Plan) Signatures(env map[string]string) (map[graph.TaskID]digest.Digest, error) {
	order, err := p.Graph.TopologicalOrder()
	if err != nil {
		return nil, err
	}
	sigs := make(map[graph.TaskID]digest.Digest, len(order))
	for _, id := range order {
		n := p.Graph.Node(id)
		node := n
		if len(env) > 0 {
			merged := *n
			e := make(map[string]string, len(env)+len(n.Env))
			for k, v := range env {
				e[k] = v
			}
			for k, v := range n.Env {
				e[k] = v
			}
			merged.Env = e
			node = &merged
		}
		depSigs := make([]digest.Digest, 0, len(node.Deps))
		for _, dep := range node.Deps {
			depSigs = append(depSigs, sigs[dep])
		}
		sigs[id] = signature.Sign(node, depSigs)
	}
	p.sigs = sigs
	return sigs, nil
}

// BuildResult is the outcome of Plan.Run: per-task results plus the set of
// tasks skipped due to an upstream failure (spec.md §7 "Propagation
// policy").
type BuildResult struct {
	Results map[graph.TaskID]*executor.TaskResult
	Skipped []graph.TaskID
	// Success is true only if every task in the plan reached Done or Hit
	// (spec.md §7 "The build as a whole reports success only if every task
	// reached Done").
	Success bool
}

// Run drives the plan to completion via sched's wave protocol (spec.md
// §4.8), computing signatures first if Signatures hasn't already been
// called. exec and inputs are threaded straight to scheduler.New; this
// method exists so callers only need to hold a *Plan, not separately wire
// the graph and the signature map into a Scheduler themselves.
func (p *Plan) Run(ctx context.Context, exec scheduler.TaskRunner, cfg scheduler.Config, inputs scheduler.Inputs) (*BuildResult, error) {
	if p.sigs == nil {
		if _, err := p.Signatures(nil); err != nil {
			return nil, fmt.Errorf("plan: computing signatures: %w", err)
		}
	}
	sched := scheduler.New(p.Graph, exec, p.sigs, cfg, inputs)
	res, err := sched.Run(ctx)
	if res == nil {
		return nil, err
	}
	if err != nil {
		// A wave-level error is tolerated (the task it came from is marked
		// failed inside the scheduler, so its dependents are skipped, but it
		// has no entry in res.Results) rather than fatal to the whole build;
		// surface it for visibility only.
		log.Warning("plan: run: %s", err)
	}
	success := len(res.Skipped) == 0
	for _, r := range res.Results {
		if r.State != executor.Done && r.State != executor.Hit {
			success = false
		}
	}
	if len(res.Results) < p.Graph.Len()-len(res.Skipped) {
		// Some reachable task neither ran nor was marked skipped: the wave
		// loop stopped early (e.g. context cancellation). Not a build
		// success.
		success = false
	}
	log.Info("plan: run complete: %d results, %d skipped, success=%v", len(res.Results), len(res.Skipped), success)
	return &BuildResult{Results: res.Results, Skipped: res.Skipped, Success: success}, nil
}
