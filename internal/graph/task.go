// Package graph implements the Task Graph (spec.md §4.4): the DAG of
// fine-grained tasks lowered from a recipe graph, with deterministic
// topological ordering and failure-aware readiness queries.
//
// Grounded on please's core/graph.go (BuildGraph) and core/build_target.go
// for the node/edge/readiness shape, generalized from please's
// target-with-declared-steps model to bitzel's flatter (recipe, task-name)
// node model per spec.md §3.
package graph

import (
	"encoding/json"
	"fmt"
	"time"
)

// RecipeID is a stable key formed from (layer, package name, version,
// revision) (spec.md §3 "Recipe Identifier").
type RecipeID struct {
	Layer    string
	Name     string
	Version  string
	Revision string
}

func (r RecipeID) String() string {
	return fmt.Sprintf("%s/%s-%s-%s", r.Layer, r.Name, r.Version, r.Revision)
}

// TaskID is a stable key (recipe-id, task-name) (spec.md §3 "Task
// Identifier"). Task-name is a free string; bitzel does not interpret its
// semantics beyond dependency ordering.
type TaskID struct {
	Recipe RecipeID
	Name   string
}

func (t TaskID) String() string {
	return t.Recipe.String() + ":" + t.Name
}

// Less provides the deterministic secondary sort used to break ties in
// topological order and scheduler priority (spec.md §4.4, §4.8).
func (t TaskID) Less(o TaskID) bool {
	return t.String() < o.String()
}

// NetworkPolicy is one of the three sandbox network policies (spec.md
// §4.6 item 3).
type NetworkPolicy int

const (
	// Isolated is the default: a new network namespace with no interfaces.
	Isolated NetworkPolicy = iota
	// LoopbackOnly brings up a loopback interface only.
	LoopbackOnly
	// Host shares the host network namespace (fetch-type tasks only).
	Host
)

func (p NetworkPolicy) String() string {
	switch p {
	case Isolated:
		return "isolated"
	case LoopbackOnly:
		return "loopback-only"
	case Host:
		return "host"
	default:
		return "unknown"
	}
}

// ParseNetworkPolicy accepts the same spellings String() produces, for
// config files and recipe-graph fixtures that spell out the policy rather
// than its numeric encoding.
func ParseNetworkPolicy(s string) (NetworkPolicy, error) {
	switch s {
	case "isolated", "":
		return Isolated, nil
	case "loopback-only", "loopback":
		return LoopbackOnly, nil
	case "host":
		return Host, nil
	default:
		return Isolated, fmt.Errorf("graph: unknown network policy %q", s)
	}
}

// MarshalJSON renders the policy as its String() spelling so recipe-graph
// fixtures read the same way spec.md's prose names them.
func (p NetworkPolicy) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON accepts the String() spelling.
func (p *NetworkPolicy) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseNetworkPolicy(s)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// ResourceLimits mirrors spec.md §4.6 item 4.
type ResourceLimits struct {
	CPUQuotaMicros   int64 // per 100ms period; 0 means "use the configured default"
	MemoryMaxBytes   int64
	MaxProcesses     int
	WallClockTimeout time.Duration
}

// TaskBody is an opaque function from (sandbox, env) to (exit code, written
// files); the executor never interprets its contents beyond handing it to
// the sandbox launch protocol (spec.md §9 "Dynamic dispatch over task
// bodies").
type TaskBody struct {
	// Kind is "shell" (an embedded shell script run via a shell
	// interpreter inside the sandbox) or "external" (a program reference
	// resolved on the sysroot's PATH).
	Kind string
	// Script holds the shell source for Kind == "shell".
	Script string
	// Program and Args hold the invocation for Kind == "external".
	Program string
	Args    []string
}

const (
	ShellBody    = "shell"
	ExternalBody = "external"
)

// ArchOverrides captures the architectural knobs that flow into the
// signature (spec.md §4.3 item 7).
type ArchOverrides struct {
	Machine     string
	Distro      string
	TargetTuple string
}

// Node is the in-graph representation of one task (spec.md §3 "Task
// Node").
type Node struct {
	ID       TaskID
	Body     TaskBody
	Env      map[string]string
	Outputs  []string
	Deps     []TaskID
	Network  NetworkPolicy
	Limits   ResourceLimits
	Overrides ArchOverrides

	// CostEstimate is the user-supplied cost of this task for critical-path
	// computation (spec.md §4.4 "Critical-path metadata"); defaults to 1.
	CostEstimate int
}
