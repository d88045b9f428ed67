package signature

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bitzel-build/bitzel/internal/digest"
	"github.com/bitzel-build/bitzel/internal/graph"
)

func baseNode() *graph.Node {
	return &graph.Node{
		ID: graph.TaskID{
			Recipe: graph.RecipeID{Layer: "meta", Name: "zlib", Version: "1.3", Revision: "r0"},
			Name:   "compile",
		},
		Body: graph.TaskBody{Kind: graph.ShellBody, Script: "make"},
		Env:  map[string]string{"CC": "gcc", "CFLAGS": "-O2"},
		Outputs: []string{
			"usr/lib/libz.so",
			"usr/include/zlib.h",
		},
		Network: graph.Isolated,
		Overrides: graph.ArchOverrides{
			Machine:     "x86_64",
			Distro:      "debian-12",
			TargetTuple: "x86_64-linux-gnu",
		},
	}
}

// TestSignatureDeterministic mirrors spec.md §8 property 3: signing the same
// task twice, with the same inputs, yields identical signatures.
func TestSignatureDeterministic(t *testing.T) {
	n := baseNode()
	deps := []digest.Digest{digest.Sum([]byte("dep-a")), digest.Sum([]byte("dep-b"))}
	s1 := Sign(n, deps)
	s2 := Sign(n, deps)
	assert.Equal(t, s1.String(), s2.String())
}

// TestSignatureIndependentOfEnvInsertionOrder verifies that Env, a map, does
// not leak Go's randomized map iteration order into the signature (spec.md
// §4.3 item 5: "sorted list of (name, value) pairs").
func TestSignatureIndependentOfEnvInsertionOrder(t *testing.T) {
	n1 := baseNode()
	n2 := baseNode()
	n2.Env = map[string]string{"CFLAGS": "-O2", "CC": "gcc"}
	assert.Equal(t, Sign(n1, nil).String(), Sign(n2, nil).String())
}

// TestSignatureIndependentOfOutputOrder verifies output-path sorting (spec.md
// §4.3 item 9).
func TestSignatureIndependentOfOutputOrder(t *testing.T) {
	n1 := baseNode()
	n2 := baseNode()
	n2.Outputs = []string{"usr/include/zlib.h", "usr/lib/libz.so"}
	assert.Equal(t, Sign(n1, nil).String(), Sign(n2, nil).String())
}

// TestSignatureChangesWithEnvValue ensures the signature actually depends on
// declared environment content, not just its keys.
func TestSignatureChangesWithEnvValue(t *testing.T) {
	n1 := baseNode()
	n2 := baseNode()
	n2.Env["CFLAGS"] = "-O0"
	assert.NotEqual(t, Sign(n1, nil).String(), Sign(n2, nil).String())
}

// TestSignaturePropagatesDependencyChange mirrors spec.md §8 property 4
// (invalidation propagation): changing an upstream dependency's signature,
// with everything else held fixed, must change the downstream signature.
func TestSignaturePropagatesDependencyChange(t *testing.T) {
	n := baseNode()
	depsA := []digest.Digest{digest.Sum([]byte("dep-v1"))}
	depsB := []digest.Digest{digest.Sum([]byte("dep-v2"))}
	assert.NotEqual(t, Sign(n, depsA).String(), Sign(n, depsB).String())
}

// TestSignatureIndependentOfDependencyOrder verifies dependency-signature
// sorting (spec.md §4.3 item 6): declaration order must not matter, only the
// set of signatures.
func TestSignatureIndependentOfDependencyOrder(t *testing.T) {
	n := baseNode()
	a, b := digest.Sum([]byte("dep-a")), digest.Sum([]byte("dep-b"))
	assert.Equal(t, Sign(n, []digest.Digest{a, b}).String(), Sign(n, []digest.Digest{b, a}).String())
}

// TestSignatureChangesWithNetworkPolicy covers spec.md §4.3 item 8.
func TestSignatureChangesWithNetworkPolicy(t *testing.T) {
	n1 := baseNode()
	n2 := baseNode()
	n2.Network = graph.Host
	assert.NotEqual(t, Sign(n1, nil).String(), Sign(n2, nil).String())
}

// TestSignatureChangesWithArchOverride covers spec.md §4.3 item 7.
func TestSignatureChangesWithArchOverride(t *testing.T) {
	n1 := baseNode()
	n2 := baseNode()
	n2.Overrides.Machine = "aarch64"
	assert.NotEqual(t, Sign(n1, nil).String(), Sign(n2, nil).String())
}

// TestSignatureChangesWithBody covers spec.md §4.3 item 4.
func TestSignatureChangesWithBody(t *testing.T) {
	n1 := baseNode()
	n2 := baseNode()
	n2.Body.Script = "make -j8"
	assert.NotEqual(t, Sign(n1, nil).String(), Sign(n2, nil).String())
}

func TestSignAllThreadsDependencySignatures(t *testing.T) {
	g := graph.New()
	fetch := graph.TaskID{Recipe: graph.RecipeID{Layer: "meta", Name: "zlib", Version: "1.3", Revision: "r0"}, Name: "fetch"}
	compile := graph.TaskID{Recipe: graph.RecipeID{Layer: "meta", Name: "zlib", Version: "1.3", Revision: "r0"}, Name: "compile"}
	_ = g.AddTask(&graph.Node{ID: fetch, Body: graph.TaskBody{Kind: graph.ShellBody, Script: "curl"}})
	_ = g.AddTask(&graph.Node{ID: compile, Body: graph.TaskBody{Kind: graph.ShellBody, Script: "make"}, Deps: []graph.TaskID{fetch}})

	sigs, err := SignAll(g)
	assert.NoError(t, err)
	assert.Len(t, sigs, 2)

	// Changing fetch's body must change compile's signature even though
	// compile's own fields are untouched (propagation through signatures).
	g2 := graph.New()
	_ = g2.AddTask(&graph.Node{ID: fetch, Body: graph.TaskBody{Kind: graph.ShellBody, Script: "wget"}})
	_ = g2.AddTask(&graph.Node{ID: compile, Body: graph.TaskBody{Kind: graph.ShellBody, Script: "make"}, Deps: []graph.TaskID{fetch}})
	sigs2, err := SignAll(g2)
	assert.NoError(t, err)
	assert.NotEqual(t, sigs[compile].String(), sigs2[compile].String())
}
