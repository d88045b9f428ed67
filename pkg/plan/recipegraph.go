// Package plan implements the Control Plane (spec.md §4.10): the public API
// that lowers a parsed recipe graph into a task DAG, computes signatures over
// it, drives it through a Scheduler, and exposes read-only graph queries and
// cache administration to an outer CLI.
//
// Grounded on please's src/core/state.go (the overall "construct a graph of
// everything reachable from the requested build labels, then hand it to the
// engine" shape of Plan::new/Plan::run) and src/query (the read-only deps/
// reverse-deps/path query surface), generalized from please's BUILD-label
// graph to bitzel's (recipe, task) graph per spec.md §4.4.
package plan

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/bitzel-build/bitzel/internal/graph"
)

// TaskSpec is one task of a RecipeSpec, as the (out-of-scope) recipe parser
// would hand it to the control plane. It carries everything graph.Node
// needs except the fully-qualified TaskID, plus the three dependency forms
// spec.md §4.4 "Construction" describes.
type TaskSpec struct {
	Name      string              `json:"name"`
	Body      graph.TaskBody      `json:"body"`
	Env       map[string]string   `json:"env,omitempty"`
	Outputs   []string            `json:"outputs,omitempty"`
	Network   graph.NetworkPolicy `json:"network,omitempty"`
	Limits    graph.ResourceLimits `json:"limits,omitempty"`
	Overrides graph.ArchOverrides  `json:"overrides,omitempty"`

	// CostEstimate feeds the graph's critical-path metadata (spec.md §4.4);
	// zero defaults to 1 inside graph.AddTask.
	CostEstimate int `json:"cost_estimate,omitempty"`

	// Deps names sibling tasks within the same recipe this task depends on
	// (spec.md §4.4 "intra-recipe ordering", e.g. compile depends on
	// configure).
	Deps []string `json:"deps,omitempty"`

	// CrossRecipeDeps pins specific tasks of other recipes (spec.md §4.4
	// "An additional task[depends] form permits a task to pull in specific
	// tasks of other recipes").
	CrossRecipeDeps []graph.TaskID `json:"cross_recipe_deps,omitempty"`

	// LinksToDependencies, when true, additionally makes this task depend
	// on every recipe named in the owning RecipeSpec's DependsOn, at that
	// recipe's SysrootTask (spec.md §4.4 "inter-recipe dependencies ...
	// manifest as cross-recipe task edges (e.g., A:compile depends on
	// B:populate_sysroot)"). Typically set on the first task that consumes
	// a dependency's sysroot (conventionally "configure").
	LinksToDependencies bool `json:"links_to_dependencies,omitempty"`
}

// RecipeSpec is one recipe's contribution to the parsed recipe graph.
type RecipeSpec struct {
	ID    graph.RecipeID `json:"id"`
	Tasks []TaskSpec     `json:"tasks"`

	// DependsOn lists the recipes this recipe requires (spec.md §4.4
	// "recipe A depends on recipe B").
	DependsOn []graph.RecipeID `json:"depends_on,omitempty"`

	// SysrootTask names the task other recipes' LinksToDependencies edges
	// attach to; defaults to "populate_sysroot" (spec.md §3 task-name
	// examples).
	SysrootTask string `json:"sysroot_task,omitempty"`
}

func (r *RecipeSpec) sysrootTask() string {
	if r.SysrootTask != "" {
		return r.SysrootTask
	}
	return "populate_sysroot"
}

// RecipeGraph is the full parsed recipe graph the core consumes from its
// out-of-scope collaborator (spec.md §1 "The core consumes from these: a
// parsed recipe graph ..."). It is deliberately a plain, JSON-serializable
// value: the recipe-file parser and variable-expansion stage that produces
// it are out of scope for this repository (spec.md §1), so this shape is
// bitzel's own boundary type, not a reproduction of any particular recipe
// language's AST.
type RecipeGraph struct {
	Recipes []RecipeSpec `json:"recipes"`
}

// LoadRecipeGraph reads a RecipeGraph from a JSON file. This is the
// cmd/bitzel exerciser's stand-in for the real recipe-parsing collaborator,
// which spec.md §1 places out of scope; there is no ecosystem recipe-graph
// format in the example pack to adopt instead, so a plain JSON document
// encoded with the standard library is the simplest boundary format for a
// component this spec says the core never owns.
func LoadRecipeGraph(path string) (*RecipeGraph, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("plan: reading recipe graph %s: %w", path, err)
	}
	var rg RecipeGraph
	if err := json.Unmarshal(b, &rg); err != nil {
		return nil, fmt.Errorf("plan: parsing recipe graph %s: %w", path, err)
	}
	return &rg, nil
}

func (rg *RecipeGraph) index() map[graph.RecipeID]*RecipeSpec {
	m := make(map[graph.RecipeID]*RecipeSpec, len(rg.Recipes))
	for i := range rg.Recipes {
		m[rg.Recipes[i].ID] = &rg.Recipes[i]
	}
	return m
}
