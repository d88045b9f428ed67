// Package config loads bitzel's build-root configuration.
//
// The format and loading strategy mirror please's .plzconfig handling:
// an ini-style file parsed with gcfg, defaults filled in first and then
// overridden file by file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/please-build/gcfg"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/bitzel-build/bitzel/internal/logging"
)

var log = logging.Log

// FileName is the checked-in config file name, analogous to .plzconfig.
const FileName = ".bitzelconfig"

// LocalFileName overrides FileName for untracked machine-local settings.
const LocalFileName = ".bitzelconfig.local"

// Configuration holds every tunable of the build core. Field names follow
// gcfg's CamelCase-to-lowercase section/key mapping convention.
type Configuration struct {
	Build struct {
		Root        string `gcfg:"root"`
		MaxParallel int    `gcfg:"max-parallel"`
	}
	Cache struct {
		Dir               string `gcfg:"dir"`
		HighWaterMark     int    `gcfg:"high-water-mark"`
		LowWaterMark      int    `gcfg:"low-water-mark"`
		MaxSizeBytes      int64  `gcfg:"max-size-bytes"`
		MinAgeSeconds     int    `gcfg:"min-age-seconds"`
		AlwaysVerify      bool   `gcfg:"always-verify"`
		RemoteCacheURL    string `gcfg:"remote-url"`
		RemoteCacheReadOnly bool `gcfg:"remote-read-only"`
	}
	Sandbox struct {
		Network          string `gcfg:"network"` // isolated | loopback | host
		CPUQuotaMicros   int64  `gcfg:"cpu-quota-micros"`
		MemoryMaxBytes   int64  `gcfg:"memory-max-bytes"`
		MaxProcesses     int    `gcfg:"max-processes"`
		WallClockTimeout int    `gcfg:"wall-clock-timeout-seconds"`
		RetainOnFailure  bool   `gcfg:"retain-on-failure"`
		UseOverlayFS     bool   `gcfg:"use-overlayfs"`
	}
	Retry struct {
		Enabled         bool    `gcfg:"enabled"`
		InitialDelayMs  int     `gcfg:"initial-delay-ms"`
		Multiplier      float64 `gcfg:"multiplier"`
		MaxAttempts     int     `gcfg:"max-attempts"`
	}
}

// DefaultConfiguration returns a Configuration with the defaults spec.md
// calls out explicitly (§4.6, §4.9, §9).
func DefaultConfiguration() *Configuration {
	c := &Configuration{}
	c.Build.Root = "plz-out"
	c.Build.MaxParallel = defaultMaxParallel()
	c.Cache.Dir = filepath.Join(c.Build.Root, "cache")
	c.Cache.HighWaterMark = 80
	c.Cache.LowWaterMark = 50
	c.Cache.MaxSizeBytes = 20 << 30 // 20 GiB
	c.Cache.MinAgeSeconds = 600
	c.Sandbox.Network = "isolated"
	c.Sandbox.CPUQuotaMicros = 100000 // 100% of one core per 100ms period
	c.Sandbox.MemoryMaxBytes = defaultMemoryMaxBytes()
	c.Sandbox.MaxProcesses = 1024
	c.Sandbox.WallClockTimeout = 2 * 60 * 60
	c.Sandbox.RetainOnFailure = true
	c.Sandbox.UseOverlayFS = true
	c.Retry.Enabled = false
	c.Retry.InitialDelayMs = 500
	c.Retry.Multiplier = 2.0
	c.Retry.MaxAttempts = 3
	return c
}

// defaultMaxParallel mirrors please's core/resources.go UpdateResources,
// which reads logical CPU count via gopsutil rather than runtime.NumCPU so
// it reflects container CPU-share limits gopsutil is aware of on some
// platforms; runtime.NumCPU is only the fallback when gopsutil can't read
// /proc.
func defaultMaxParallel() int {
	if n, err := cpu.Counts(true); err == nil && n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// defaultMemoryMaxBytes sizes the sandbox's default cgroup memory ceiling
// (spec.md §4.6 item 4) off total host memory the same way please's
// resources.go samples mem.VirtualMemory for its stats view, rather than a
// single hardcoded constant: half of total memory, capped at 8 GiB so a
// single task's default never starves the rest of a parallel build. The
// same 8 GiB constant is also the fallback when gopsutil can't read memory
// info at all.
func defaultMemoryMaxBytes() int64 {
	const capBytes = 8 << 30
	vm, err := mem.VirtualMemory()
	if err != nil || vm.Total == 0 {
		return capBytes
	}
	half := int64(vm.Total / 2)
	if half > capBytes {
		return capBytes
	}
	return half
}

// ReadConfigFiles reads each of the given files in turn, applying them on
// top of the defaults. Missing files are silently skipped, matching
// please's ReadConfigFiles behaviour.
func ReadConfigFiles(filenames []string) (*Configuration, error) {
	config := DefaultConfiguration()
	for _, filename := range filenames {
		log.Debug("Reading config from %s...", filename)
		if err := gcfg.ReadFileInto(config, filename); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			if gcfg.FatalOnly(err) != nil {
				return config, fmt.Errorf("reading config %s: %w", filename, err)
			}
			log.Warning("non-fatal error in config file %s: %s", filename, err)
		}
	}
	if config.Build.MaxParallel <= 0 {
		config.Build.MaxParallel = runtime.NumCPU()
	}
	return config, nil
}

// BuildRootFiles returns the default ordered set of config file locations
// rooted at root, matching please's layered-config convention (checked-in
// repo config, then an uncommitted local override).
func BuildRootFiles(root string) []string {
	return []string{
		filepath.Join(root, FileName),
		filepath.Join(root, LocalFileName),
	}
}
