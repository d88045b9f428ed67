// Package signature implements the Signature Engine (spec.md §4.3): it
// computes a task's stable content digest from its inputs, code,
// environment, and dependency signatures, in a canonical, length-prefixed
// encoding so invalidation propagates correctly through the task graph.
//
// Grounded on please's build/incrementality.go RuleHash/ruleHash, which
// hashes a target's declared fields (label, deps, sources, outputs,
// command, flags) in a fixed field order; bitzel generalizes that to the
// task-node shape of spec.md §3 and replaces please's "hash sources by
// walking disk" step with "hash sorted dependency signatures", per spec.md
// §4.3's explicit propagation-through-signatures design.
package signature

import (
	"sort"

	"github.com/bitzel-build/bitzel/internal/digest"
	"github.com/bitzel-build/bitzel/internal/graph"
)

// SchemaVersion is bumped whenever the canonical encoding changes in a way
// that should invalidate every existing cache entry.
const SchemaVersion = 1

// BodyDigest returns the content digest of a task body, the "digest of the
// task body (script or program reference)" required by spec.md §4.3 item 4.
func BodyDigest(body graph.TaskBody) digest.Digest {
	e := digest.NewEncoder()
	e.String(body.Kind)
	e.String(body.Script)
	e.String(body.Program)
	e.StringSlice(body.Args)
	return e.Sum()
}

// Sign computes the stable signature of a task given the already-computed
// signatures of its dependencies (not their task-ids: spec.md §4.3
// "Propagation" requires that any upstream change flows downstream purely
// through these digests). The encoding follows the nine-field canonical
// order from spec.md §4.3 exactly, each field length-prefixed.
func Sign(n *graph.Node, depSignatures []digest.Digest) digest.Digest {
	e := digest.NewEncoder()

	// 1. Schema version.
	e.Uint64(uint64(SchemaVersion))

	// 2. Recipe identifier.
	e.String(n.ID.Recipe.Layer)
	e.String(n.ID.Recipe.Name)
	e.String(n.ID.Recipe.Version)
	e.String(n.ID.Recipe.Revision)

	// 3. Task name.
	e.String(n.ID.Name)

	// 4. Digest of the task body.
	e.Digest(BodyDigest(n.Body))

	// 5. Sorted (env-var-name, value) pairs restricted to the recipe's
	// declared environment surface (n.Env is exactly that surface; bitzel
	// never hashes ambient host environment).
	envKeys := make([]string, 0, len(n.Env))
	for k := range n.Env {
		envKeys = append(envKeys, k)
	}
	sort.Strings(envKeys)
	e.Uint64(uint64(len(envKeys)))
	for _, k := range envKeys {
		e.String(k)
		e.String(n.Env[k])
	}

	// 6. Sorted dependency signatures (propagation is through signatures,
	// never through dependency task-ids).
	e.DigestSlice(depSignatures)

	// 7. Architectural overrides.
	e.String(n.Overrides.Machine)
	e.String(n.Overrides.Distro)
	e.String(n.Overrides.TargetTuple)

	// 8. Network-access policy.
	e.Uint64(uint64(n.Network))

	// 9. Declared output-path set, sorted.
	e.StringSlice(n.Outputs)

	return e.Sum()
}

// SignAll computes signatures for every task in g in topological order,
// threading each task's signature into its dependents' encodings. Returns
// a map from task-id to signature.
//
// This is the operation behind Plan.signatures in the control plane
// (spec.md §4.10).
func SignAll(g *graph.Graph) (map[graph.TaskID]digest.Digest, error) {
	order, err := g.TopologicalOrder()
	if err != nil {
		return nil, err
	}
	sigs := make(map[graph.TaskID]digest.Digest, len(order))
	for _, id := range order {
		n := g.Node(id)
		depSigs := make([]digest.Digest, 0, len(n.Deps))
		for _, dep := range n.Deps {
			depSigs = append(depSigs, sigs[dep])
		}
		sigs[id] = Sign(n, depSigs)
	}
	return sigs, nil
}
