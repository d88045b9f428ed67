// Package sandbox implements the Sandbox (spec.md §4.6): Linux-namespace
// and cgroup-based isolation a task runs inside, with a pluggable network
// policy and a fixed launch/teardown protocol.
//
// Grounded on please's src/sandbox (sandbox_linux.go, unshare.go) for the
// namespace/mount shape and src/process/process.go (Executor) for the
// start/signal/timeout/kill discipline; generalized from please's
// single-policy, CLI-invoked sandbox tool into a library callable per task
// with a configurable NetworkPolicy and cgroup-backed ResourceLimits, which
// please itself does not have (please relies on the kernel's unbounded
// defaults plus its own SIGTERM/SIGKILL escalation for runaway processes).
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/bitzel-build/bitzel/internal/graph"
	"github.com/bitzel-build/bitzel/internal/logging"
	"github.com/bitzel-build/bitzel/internal/sandbox/cgroup"
)

var log = logging.Log

// Spec describes one sandboxed invocation.
type Spec struct {
	// Name identifies this sandbox for cgroup/log purposes, usually the
	// task-id's string form.
	Name string
	// Root is the assembled sysroot (internal/sysroot) this process is
	// chrooted into.
	Root string
	// Dir is the working directory, relative to Root.
	Dir string
	// Argv is the command to execute; Argv[0] is resolved against Root's
	// PATH-equivalent by the caller before reaching here.
	Argv []string
	// Env is the complete environment, already filtered to the task's
	// declared surface (spec.md §4.3 item 5 — the sandbox never leaks
	// ambient host environment beyond this list).
	Env []string
	// Network selects which of the three network policies applies
	// (spec.md §4.6 item 3).
	Network graph.NetworkPolicy
	// Limits are the cgroup resource constraints (spec.md §4.6 item 4).
	Limits graph.ResourceLimits
}

// Result is what Launch returns once the sandboxed process has exited or
// been killed.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
	// TimedOut is true if the process was killed because it exceeded
	// Spec.Limits.WallClockTimeout.
	TimedOut bool
}

// safeBuffer serializes writes from stdout/stderr, matching please's
// process.safeBuffer: os/exec only guarantees goroutine-safety when stdout
// and stderr share one Writer, which bitzel's Result capture doesn't.
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Bytes()
}

// Launch runs spec's command under a fresh set of Linux namespaces and
// cgroup limits, implementing the ordered launch protocol from spec.md
// §4.6:
//
//  1. validate the spec
//  2. create the cgroup for this task's resource limits
//  3. compute the unshare flags for the requested namespaces
//  4. establish the UID/GID mapping for the new user namespace
//  5. build the command, attaching the sysroot as its filesystem root
//  6. attach stdout/stderr capture buffers
//  7. start the process
//  8. place the new process into its cgroup
//  9. if the network policy is LoopbackOnly, bring up the loopback
//     interface inside the new network namespace
//  10. wait for completion or the wall-clock timeout, whichever is first
//  11. on timeout, escalate SIGTERM then SIGKILL to the process group
//  12. tear down the cgroup and return the Result
func Launch(ctx context.Context, spec Spec) (*Result, error) {
	if len(spec.Argv) == 0 {
		return nil, fmt.Errorf("sandbox: empty argv")
	}
	if spec.Root == "" {
		return nil, fmt.Errorf("sandbox: no root specified")
	}

	// Step 2: cgroup.
	group, err := cgroup.Create(spec.Name, spec.Limits)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := group.Close(); err != nil {
			log.Warning("sandbox: cgroup cleanup for %s: %s", spec.Name, err)
		}
	}()

	// Step 3: unshare flags. Mount, PID, UTS and IPC namespaces are always
	// isolated; network isolation depends on policy; the user namespace is
	// always created so the sandbox can run unprivileged (spec.md §4.6
	// item "UID/GID mapping handshake for unprivileged overlay mounts").
	flags := uintptr(unix.CLONE_NEWNS | unix.CLONE_NEWPID | unix.CLONE_NEWUTS | unix.CLONE_NEWIPC | unix.CLONE_NEWUSER)
	if spec.Network != graph.Host {
		flags |= unix.CLONE_NEWNET
	}

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env

	uid := os.Getuid()
	gid := os.Getgid()
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: flags,
		Chroot:     spec.Root,
		Pdeathsig:  syscall.SIGKILL,
		Setpgid:    true,
		// Step 4: map the invoking user to root inside the new user
		// namespace, so the sandboxed process can perform the mount/chroot
		// operations the namespace unshare itself requires.
		UidMappings: []syscall.SysProcIDMap{{ContainerID: 0, HostID: uid, Size: 1}},
		GidMappings: []syscall.SysProcIDMap{{ContainerID: 0, HostID: gid, Size: 1}},
	}

	var stdout, stderr safeBuffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("sandbox: starting %v: %w", spec.Argv, err)
	}

	// Step 8: place the process under its cgroup's limits.
	if err := group.AddProcess(cmd.Process.Pid); err != nil {
		log.Warning("sandbox: %s", err)
	}

	// Step 9: bring up loopback inside the child's fresh network namespace,
	// for tasks allowed LoopbackOnly access. Grounded on moby-moby's
	// libnetwork/osl pattern of entering a target network namespace via
	// /proc/<pid>/ns/net and configuring links with vishvananda/netlink.
	if spec.Network == graph.LoopbackOnly {
		if err := bringUpLoopback(cmd.Process.Pid); err != nil {
			log.Warning("sandbox: failed to bring up loopback for %s: %s", spec.Name, err)
		}
	}

	ctx, cancel := contextWithOptionalTimeout(ctx, spec.Limits.WallClockTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timedOut := false
	var waitErr error
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		timedOut = true
		killProcessGroup(cmd)
		waitErr = <-done
	}

	exitCode := 0
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else if !timedOut {
			return nil, fmt.Errorf("sandbox: running %v: %w", spec.Argv, waitErr)
		} else {
			exitCode = -1
		}
	}

	return &Result{
		ExitCode: exitCode,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
		TimedOut: timedOut,
	}, nil
}

// contextWithOptionalTimeout wraps ctx with a deadline only if timeout is
// positive, so Spec.Limits.WallClockTimeout == 0 means "no sandbox-imposed
// timeout" rather than an immediate deadline.
func contextWithOptionalTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// killProcessGroup escalates from SIGTERM to SIGKILL, matching please's
// process.sendSignal two-stage termination.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid := -cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)
	time.Sleep(30 * time.Millisecond)
	_ = syscall.Kill(pgid, syscall.SIGKILL)
}

// bringUpLoopback enters pid's network namespace just long enough to set
// the loopback interface up, then returns to the caller's original
// namespace. please's equivalent (src/sandbox/sandbox_linux.go) runs this
// from inside the child itself via a cgo ioctl; bitzel instead does it from
// the parent via setns, since the parent (not the task body) owns the
// sandbox lifecycle. Like moby-moby's libnetwork/osl namespace-switching
// tests, this locks the calling goroutine to its OS thread for the
// duration: setns only affects the calling thread, and without the lock the
// goroutine could be rescheduled onto a different thread between entering
// and restoring the namespace.
func bringUpLoopback(pid int) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	nsFile, err := os.Open(fmt.Sprintf("/proc/%d/ns/net", pid))
	if err != nil {
		return err
	}
	defer nsFile.Close()

	origFile, err := os.Open("/proc/self/ns/net")
	if err != nil {
		return err
	}
	defer origFile.Close()

	if err := unix.Setns(int(nsFile.Fd()), unix.CLONE_NEWNET); err != nil {
		return fmt.Errorf("entering netns: %w", err)
	}
	defer unix.Setns(int(origFile.Fd()), unix.CLONE_NEWNET)

	link, err := netlink.LinkByName("lo")
	if err != nil {
		return fmt.Errorf("finding loopback interface: %w", err)
	}
	return netlink.LinkSetUp(link)
}
