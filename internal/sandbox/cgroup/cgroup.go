// Package cgroup is bitzel's resource-limit driver for the sandbox launch
// protocol (spec.md §4.6 item 4: "cgroup v2 resource limits (CPU quota,
// memory, process count)").
//
// please itself has no cgroup driver of its own — it relies on the kernel's
// default limits and its own process-group signalling (src/process/process.go)
// for termination, nothing more. This package is new surface area SPEC_FULL.md
// requires; it is grounded on containerd/cgroups/v3's documented cgroup2
// Manager API, the same library the pack's moby-moby go.mod depends on for
// exactly this purpose (container resource isolation).
package cgroup

import (
	"fmt"

	"github.com/containerd/cgroups/v3/cgroup2"

	"github.com/bitzel-build/bitzel/internal/graph"
	"github.com/bitzel-build/bitzel/internal/logging"
)

var log = logging.Log

// Group wraps a single cgroup v2 scope created for one sandboxed task.
type Group struct {
	manager *cgroup2.Manager
	path    string
}

// Create makes a new cgroup under bitzel's parent slice, named name (usually
// the task-id's string form), with the given resource limits applied.
// A zero-valued field in limits means "don't constrain that resource",
// matching cgroup2's own convention of an absent controller file meaning
// unlimited.
func Create(name string, limits graph.ResourceLimits) (*Group, error) {
	path := "/bitzel/" + name
	resources := &cgroup2.Resources{}

	if limits.CPUQuotaMicros > 0 {
		period := uint64(100000) // 100ms period, matching spec.md's "per 100ms period" unit
		quota := limits.CPUQuotaMicros
		resources.CPU = &cgroup2.CPU{Max: cgroup2.NewCPUMax(&quota, &period)}
	}
	if limits.MemoryMaxBytes > 0 {
		max := limits.MemoryMaxBytes
		resources.Memory = &cgroup2.Memory{Max: &max}
	}
	if limits.MaxProcesses > 0 {
		resources.Pids = &cgroup2.Pids{Max: int64(limits.MaxProcesses)}
	}

	m, err := cgroup2.NewManager("/sys/fs/cgroup", path, resources)
	if err != nil {
		return nil, fmt.Errorf("cgroup: creating %s: %w", path, err)
	}
	return &Group{manager: m, path: path}, nil
}

// AddProcess places pid under this cgroup's limits. Must be called after the
// sandboxed process has started (spec.md §4.6's launch protocol places the
// process into its cgroup immediately after clone/fork).
func (g *Group) AddProcess(pid int) error {
	if err := g.manager.AddProc(uint64(pid)); err != nil {
		return fmt.Errorf("cgroup: adding pid %d to %s: %w", pid, g.path, err)
	}
	return nil
}

// Close removes the cgroup. Safe to call once the sandboxed process has
// exited; cgroup v2 refuses to delete a non-empty group.
func (g *Group) Close() error {
	if err := g.manager.Delete(); err != nil {
		log.Warning("cgroup: failed to delete %s: %s", g.path, err)
		return err
	}
	return nil
}
