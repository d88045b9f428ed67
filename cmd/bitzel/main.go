// Command bitzel is a thin exerciser for the control plane (pkg/plan): it
// wires a recipe-graph fixture through the whole core - CAS, action cache,
// sysroot assembler, executor, scheduler, GC - and exposes the control
// plane's build/query/cache-admin surface as subcommands.
//
// The real recipe-file parser, variable-expansion and CLI-ergonomics layer
// this would sit behind are out of scope for this repository (spec.md §1);
// this binary exists to give every core package a single place they're
// actually driven from end to end, not to be bitzel's real user-facing CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	flags "github.com/thought-machine/go-flags"
	golog "gopkg.in/op/go-logging.v1"

	"github.com/bitzel-build/bitzel/internal/actioncache"
	"github.com/bitzel-build/bitzel/internal/cas"
	"github.com/bitzel-build/bitzel/internal/config"
	"github.com/bitzel-build/bitzel/internal/executor"
	"github.com/bitzel-build/bitzel/internal/gc"
	"github.com/bitzel-build/bitzel/internal/graph"
	"github.com/bitzel-build/bitzel/internal/logging"
	"github.com/bitzel-build/bitzel/internal/remotecache"
	"github.com/bitzel-build/bitzel/internal/scheduler"
	"github.com/bitzel-build/bitzel/internal/sysroot"
	"github.com/bitzel-build/bitzel/pkg/plan"
)

var log = logging.Log

var opts struct {
	BuildRoot string `short:"r" long:"build_root" description:"Root directory for config files, sandbox scratch space and promoted task outputs (the CAS and action cache live under the config's cache dir)" default:"plz-out"`
	Verbosity string `short:"v" long:"verbosity" description:"error, warning, notice, info or debug" default:"notice"`

	Build struct {
		RecipeGraph string `long:"recipe_graph" required:"true" description:"Path to a JSON recipe graph (pkg/plan.RecipeGraph)"`
		Args        struct {
			Goals []string `positional-arg-name:"goal" required:"true" description:"Goal task ids, as layer|name|version|revision:task"`
		} `positional-args:"true" required:"true"`
	} `command:"build" description:"Lowers the recipe graph to the goals' task DAG and runs it to completion"`

	Query struct {
		Deps struct {
			RecipeGraph string `long:"recipe_graph" required:"true" description:"Path to a JSON recipe graph"`
			Args        struct {
				Task string `positional-arg-name:"task" required:"true" description:"Task id, as layer|name|version|revision:task"`
			} `positional-args:"true" required:"true"`
		} `command:"deps" description:"Prints a task's direct dependencies"`
		RDeps struct {
			RecipeGraph string `long:"recipe_graph" required:"true" description:"Path to a JSON recipe graph"`
			Args        struct {
				Task string `positional-arg-name:"task" required:"true" description:"Task id, as layer|name|version|revision:task"`
			} `positional-args:"true" required:"true"`
		} `command:"rdeps" description:"Prints the tasks that directly depend on a task"`
		Path struct {
			RecipeGraph string `long:"recipe_graph" required:"true" description:"Path to a JSON recipe graph"`
			Args        struct {
				From string `positional-arg-name:"from" required:"true" description:"Source task id"`
				To   string `positional-arg-name:"to" required:"true" description:"Target task id"`
			} `positional-args:"true" required:"true"`
		} `command:"path" description:"Prints a dependency chain between two tasks, if one exists"`
	} `command:"query" description:"Inspects a recipe graph's lowered task DAG without running anything"`

	Cache struct {
		Info   struct{} `command:"info" description:"Reports CAS and action-cache occupancy"`
		GC     struct{} `command:"gc" description:"Runs one mark-sweep-evict collection pass"`
		Verify struct{} `command:"verify" description:"Re-hashes every blob in the CAS, unlinking any that fail"`
	} `command:"cache" description:"Administers the CAS and action cache"`
}

func main() {
	os.Exit(run())
}

func run() int {
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if ferr, ok := err.(*flags.Error); ok && ferr.Type == flags.ErrHelp {
			return 0
		}
		return 1
	}
	golog.SetBackend(golog.NewLogBackend(os.Stderr, "", 0))
	golog.SetLevel(parseVerbosity(opts.Verbosity), "bitzel")

	if parser.Active == nil {
		fmt.Fprintln(os.Stderr, "bitzel: no command given; run with --help")
		return 1
	}

	switch parser.Active.Name {
	case "build":
		return runBuild()
	case "query":
		return runQuery(parser.Active.Active)
	case "cache":
		return runCache(parser.Active.Active)
	default:
		fmt.Fprintf(os.Stderr, "bitzel: unknown command %q\n", parser.Active.Name)
		return 1
	}
}

// parseTaskID accepts the CLI's own flattened spelling of a graph.TaskID,
// since the real recipe id's Layer/Name/Version/Revision fields can each
// contain characters (notably "-") that make RecipeID.String()'s
// "layer/name-version-revision" form ambiguous to parse back. "|" never
// appears in any of the four fields in the fixtures this exerciser ships
// with, so it's used as an unambiguous separator here instead.
func parseTaskID(s string) (graph.TaskID, error) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return graph.TaskID{}, fmt.Errorf("task id %q: expected \"layer|name|version|revision:task\"", s)
	}
	recipePart, task := s[:i], s[i+1:]
	fields := strings.Split(recipePart, "|")
	if len(fields) != 4 {
		return graph.TaskID{}, fmt.Errorf("task id %q: recipe part must have 4 |-separated fields, got %d", s, len(fields))
	}
	return graph.TaskID{
		Recipe: graph.RecipeID{Layer: fields[0], Name: fields[1], Version: fields[2], Revision: fields[3]},
		Name:   task,
	}, nil
}

func parseTaskIDs(ss []string) ([]graph.TaskID, error) {
	out := make([]graph.TaskID, 0, len(ss))
	for _, s := range ss {
		id, err := parseTaskID(s)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// loadConfig layers the build root's config files over the defaults, the
// same way please's core.ReadConfigFiles does (internal/config mirrors
// that layering directly).
func loadConfig() (*config.Configuration, error) {
	return config.ReadConfigFiles(config.BuildRootFiles(opts.BuildRoot))
}

// wiring bundles the collaborators every subcommand below needs in some
// combination. execCache is what the executor should look up/insert
// through - either localCache alone, or a Multiplexer fronting it with a
// remote cache - kept distinct from localCache because cache-admin
// subcommands (info/gc/verify) only ever operate on the local, physically
// enumerable tier (spec.md §4.10 "Cache::info/gc/verify" describe local
// occupancy, not a remote tier's).
type wiring struct {
	store      *cas.Store
	localCache *actioncache.Cache
	execCache  actioncache.Sink
	collector  *gc.Collector
	assembler  *sysroot.Assembler
}

// newCore wires a CAS, action cache, optional remote-cache sink, GC
// tracker/collector and sysroot assembler from cfg.
func newCore(cfg *config.Configuration) (*wiring, error) {
	tracker, err := gc.NewTracker(4096)
	if err != nil {
		return nil, fmt.Errorf("bitzel: creating access tracker: %w", err)
	}
	var storeOpts []cas.Option
	storeOpts = append(storeOpts, cas.WithAccessTracker(tracker))
	if cfg.Cache.AlwaysVerify {
		storeOpts = append(storeOpts, cas.WithAlwaysVerify())
	}
	store, err := cas.New(filepath.Join(cfg.Cache.Dir, "cas"), storeOpts...)
	if err != nil {
		return nil, fmt.Errorf("bitzel: creating CAS: %w", err)
	}
	ac, err := actioncache.New(filepath.Join(cfg.Cache.Dir, "actions"))
	if err != nil {
		return nil, fmt.Errorf("bitzel: creating action cache: %w", err)
	}
	var execCache actioncache.Sink = ac
	if cfg.Cache.RemoteCacheURL != "" {
		remote, err := remotecache.Dial(cfg.Cache.RemoteCacheURL, "bitzel", store)
		if err != nil {
			log.Warning("bitzel: could not dial remote cache %s, continuing local-only: %s", cfg.Cache.RemoteCacheURL, err)
		} else {
			execCache = actioncache.NewMultiplexer(ac, remote, cfg.Cache.RemoteCacheReadOnly)
		}
	}
	gcCfg := gc.Config{
		MinAge:        secondsToDuration(cfg.Cache.MinAgeSeconds),
		HighWaterMark: cfg.Cache.MaxSizeBytes * int64(cfg.Cache.HighWaterMark) / 100,
		LowWaterMark:  cfg.Cache.MaxSizeBytes * int64(cfg.Cache.LowWaterMark) / 100,
	}
	collector := gc.New(store, ac, gcCfg, tracker)
	assembler := sysroot.New(store)
	return &wiring{store: store, localCache: ac, execCache: execCache, collector: collector, assembler: assembler}, nil
}

func runBuild() int {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	goals, err := parseTaskIDs(opts.Build.Args.Goals)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	rg, err := plan.LoadRecipeGraph(opts.Build.RecipeGraph)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	p, err := plan.New(goals, rg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	c, err := newCore(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	retry := executor.RetryPolicy{
		Enabled:      cfg.Retry.Enabled,
		InitialDelay: secondsMsToDuration(cfg.Retry.InitialDelayMs),
		Multiplier:   cfg.Retry.Multiplier,
		MaxAttempts:  cfg.Retry.MaxAttempts,
	}
	exec := executor.New(c.store, c.execCache, c.assembler, retry, executor.WithOutputRoot(plan.OutputRoot(opts.BuildRoot)))
	runner := plan.NewTrackingRunner(exec)

	inputs := scheduler.Inputs{
		DepLayers: runner.DepLayers(p.Graph),
		WorkRoot:  plan.WorkRoot(opts.BuildRoot),
	}
	sCfg := scheduler.Config{MaxParallel: cfg.Build.MaxParallel}

	res, err := p.Run(context.Background(), runner, sCfg, inputs)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	for _, id := range p.Goals() {
		r, ok := res.Results[id]
		if !ok {
			fmt.Printf("%s: skipped\n", id)
			continue
		}
		fmt.Printf("%s: %s (cache_hit=%v, exit=%d)\n", id, r.State, r.CacheHit, r.ExitCode)
	}
	if !res.Success {
		fmt.Fprintf(os.Stderr, "bitzel: build failed (%d skipped)\n", len(res.Skipped))
		return 1
	}
	return 0
}

func runQuery(active *flags.Command) int {
	if active == nil {
		fmt.Fprintln(os.Stderr, "bitzel: query requires a subcommand (deps, rdeps, path)")
		return 1
	}
	switch active.Name {
	case "deps":
		return runQueryOneTask(opts.Query.Deps.RecipeGraph, opts.Query.Deps.Args.Task, func(q *plan.Query, id graph.TaskID) []graph.TaskID {
			return q.Deps(id)
		})
	case "rdeps":
		return runQueryOneTask(opts.Query.RDeps.RecipeGraph, opts.Query.RDeps.Args.Task, func(q *plan.Query, id graph.TaskID) []graph.TaskID {
			return q.RDeps(id)
		})
	case "path":
		return runQueryPath()
	default:
		fmt.Fprintf(os.Stderr, "bitzel: unknown query subcommand %q\n", active.Name)
		return 1
	}
}

func loadQueryGraph(recipeGraphPath string) (*plan.Query, *graph.Graph, error) {
	rg, err := plan.LoadRecipeGraph(recipeGraphPath)
	if err != nil {
		return nil, nil, err
	}
	goals, err := allGoals(rg)
	if err != nil {
		return nil, nil, err
	}
	p, err := plan.New(goals, rg)
	if err != nil {
		return nil, nil, err
	}
	return plan.NewQuery(p.Graph), p.Graph, nil
}

// allGoals treats every task of every recipe as a goal, so query subcommands
// can inspect any task in the fixture without the caller needing to name
// the "real" build goals first.
func allGoals(rg *plan.RecipeGraph) ([]graph.TaskID, error) {
	var goals []graph.TaskID
	for _, r := range rg.Recipes {
		for _, t := range r.Tasks {
			goals = append(goals, graph.TaskID{Recipe: r.ID, Name: t.Name})
		}
	}
	if len(goals) == 0 {
		return nil, fmt.Errorf("bitzel: recipe graph declares no tasks")
	}
	return goals, nil
}

func runQueryOneTask(recipeGraphPath, taskStr string, query func(*plan.Query, graph.TaskID) []graph.TaskID) int {
	id, err := parseTaskID(taskStr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	q, _, err := loadQueryGraph(recipeGraphPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	for _, dep := range query(q, id) {
		fmt.Println(dep)
	}
	return 0
}

func runQueryPath() int {
	from, err := parseTaskID(opts.Query.Path.Args.From)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	to, err := parseTaskID(opts.Query.Path.Args.To)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	q, _, err := loadQueryGraph(opts.Query.Path.RecipeGraph)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	path := q.Path(from, to)
	if path == nil {
		fmt.Printf("no path from %s to %s\n", from, to)
		return 1
	}
	for _, id := range path {
		fmt.Println(id)
	}
	return 0
}

func runCache(active *flags.Command) int {
	if active == nil {
		fmt.Fprintln(os.Stderr, "bitzel: cache requires a subcommand (info, gc, verify)")
		return 1
	}
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	co, err := newCore(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	c := plan.NewCache(co.store, co.localCache, co.collector)
	switch active.Name {
	case "info":
		info, err := c.Info()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		fmt.Printf("blobs=%d total_bytes=%d action_cache_entries=%d\n", info.BlobCount, info.TotalBytes, info.ActionCacheEntries)
		return 0
	case "gc":
		rep, err := c.GC()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		fmt.Println(rep.String())
		return 0
	case "verify":
		rep, err := c.Verify()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		fmt.Printf("valid=%d corrupted=%d missing=%d\n", rep.Valid, rep.Corrupted, rep.Missing)
		if rep.Corrupted > 0 {
			return 1
		}
		return 0
	default:
		fmt.Fprintf(os.Stderr, "bitzel: unknown cache subcommand %q\n", active.Name)
		return 1
	}
}

// parseVerbosity maps the --verbosity flag's please-style level names onto
// go-logging's Level, defaulting to NOTICE for an unrecognized spelling
// rather than failing the whole command over a typo'd flag.
func parseVerbosity(s string) golog.Level {
	switch strings.ToLower(s) {
	case "critical":
		return golog.CRITICAL
	case "error":
		return golog.ERROR
	case "warning":
		return golog.WARNING
	case "notice":
		return golog.NOTICE
	case "info":
		return golog.INFO
	case "debug":
		return golog.DEBUG
	default:
		return golog.NOTICE
	}
}

func secondsToDuration(s int) time.Duration { return time.Duration(s) * time.Second }

func secondsMsToDuration(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }
