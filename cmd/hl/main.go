// Command hl runs hacker-lang scripts: analyzed source is compiled to
// bytecode, cached, optimized and executed through a persistent shell
// session, with hot functions lowered to native code.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/hackeros/hl/config"
	"github.com/hackeros/hl/executor"
	"github.com/hackeros/hl/jit"
	"github.com/hackeros/hl/pkg/ast"
	"github.com/hackeros/hl/pkg/bytecode"
	"github.com/hackeros/hl/pkg/cache"
	"github.com/hackeros/hl/pkg/compiler"
	"github.com/hackeros/hl/pkg/optimizer"
	"github.com/hackeros/hl/vm"
)

var log = commonlog.GetLogger("hl")

func main() {
	var (
		verbose    = flag.Bool("v", false, "verbose logging")
		noCache    = flag.Bool("no-cache", false, "always reanalyze and recompile")
		noOpt      = flag.Bool("no-opt", false, "skip bytecode optimization")
		noJIT      = flag.Bool("no-jit", false, "never compile functions to native code")
		dryRun     = flag.Bool("dry-run", false, "print commands instead of executing them")
		disasm     = flag.Bool("disasm", false, "print the compiled program and exit")
		cleanCache = flag.Bool("clean-cache", false, "remove all cached programs and exit")
		cacheStats = flag.Bool("cache-stats", false, "print cache statistics and exit")
		jitStats   = flag.Bool("jit-stats", false, "print JIT statistics after the run")
		execStats  = flag.Bool("exec-stats", false, "print executor statistics after the run")
		gcStats    = flag.Bool("gc-stats", false, "print collector statistics after the run")
		shellName  = flag.String("shell", "", "shell to use: bash, zsh or dash")
	)
	flag.Parse()

	if *verbose {
		commonlog.Configure(2, nil)
	} else {
		commonlog.Configure(0, nil)
	}

	cfg, err := config.Load(".")
	if err != nil {
		fatal("%v", err)
	}
	if *shellName != "" {
		cfg.Shell = *shellName
	}

	store, err := cache.New(cfg.CacheDir)
	if err != nil {
		fatal("%v", err)
	}
	defer store.Close()

	if *cleanCache {
		if err := store.Clean(); err != nil {
			fatal("%v", err)
		}
		fmt.Println("cache cleaned")
		return
	}
	if *cacheStats {
		printCacheStats(store)
		return
	}

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: hl [flags] <script.hl | analysis.json>")
		flag.PrintDefaults()
		os.Exit(2)
	}
	file := flag.Arg(0)

	prog := loadProgram(file, store, *noCache, *noOpt, cfg)

	if *disasm {
		bytecode.Disassemble(prog, os.Stdout)
		return
	}

	shell, err := executor.ParseShellKind(cfg.Shell)
	if err != nil {
		fatal("%v", err)
	}
	mgr := executor.NewManager(shell)
	mgr.ExecTimeout = cfg.ExecTimeout()
	mgr.CondTimeout = cfg.CondTimeout()
	defer mgr.Close()

	opts := vm.Options{
		DryRun:      *dryRun,
		PluginsRoot: cfg.PluginsRoot,
	}
	var jc *jit.Compiler
	if !*noJIT && !cfg.JIT.Disabled && jit.Available() {
		jc = jit.NewCompiler(prog, cfg.JIT.HotThreshold)
		opts.JIT = jc
	}

	machine := vm.New(prog, mgr, opts)
	code := machine.Run()

	if *jitStats && jc != nil {
		st := jc.Stats()
		fmt.Fprintf(os.Stderr, "jit: compiled=%d failed=%d native=%d calls=%d\n",
			st.Compiled, st.Failed, st.NativeCalls, st.TotalCalls)
	}
	if *execStats {
		st := mgr.Metrics()
		fmt.Fprintf(os.Stderr, "exec: cmds=%d conds=%d cache-hits=%d restarts=%d fallbacks=%d timeouts=%d ipc=%dms\n",
			st.Execs, st.Conds, st.CondCacheHits, st.Restarts, st.Fallbacks, st.Timeouts, st.IPCNanos/1e6)
	}
	if *gcStats {
		st := machine.GCStats()
		fmt.Fprintf(os.Stderr, "gc: allocs=%d minor=%d major=%d promoted=%d freed=%d live=%d\n",
			st.TotalAllocs, st.MinorCycles, st.MajorCycles, st.Promoted, st.Freed, st.Live)
	}

	os.Exit(code)
}

// loadProgram resolves a runnable program: cache hit, pre-analyzed
// JSON, or a fresh analyzer round trip.
func loadProgram(file string, store *cache.Cache, noCache, noOpt bool, cfg *config.Config) *bytecode.Program {
	if !noCache {
		if prog, ok := store.Load(file); ok {
			log.Debugf("cache hit for %s", file)
			return prog
		}
	}

	raw, err := analyze(file)
	if err != nil {
		fatal("%v", err)
	}
	res, err := ast.Decode(raw)
	if err != nil {
		fatal("decode analysis of %s: %v", file, err)
	}
	for _, w := range res.SafetyWarnings {
		log.Warningf("%s", w)
	}

	prog := compiler.Compile(res)
	if !noOpt && !cfg.Optimizer.Disabled {
		st := optimizer.OptimizeWithThreshold(prog, cfg.Optimizer.InlineThreshold)
		log.Debugf("optimized: folded=%d dead=%d tco=%d inlined=%d",
			st.FoldedBranches, st.DeadStores, st.TailCalls, st.InlinedCalls)
	}
	if err := prog.Validate(); err != nil {
		fatal("compiled program invalid: %v", err)
	}

	if !noCache {
		if err := store.Store(file, prog); err != nil {
			log.Warningf("cache store: %v", err)
		}
	}
	return prog
}

// analyze produces the JSON analysis for a source file. A .json input
// is taken as already analyzed; otherwise the external analyzer runs.
func analyze(file string) ([]byte, error) {
	if strings.HasSuffix(file, ".json") {
		return os.ReadFile(file)
	}

	bin, err := analyzerPath()
	if err != nil {
		return nil, err
	}
	out, err := exec.Command(bin, file, "--json", "--resolve-libs").Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("analyzer failed on %s: %s", file, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("run analyzer: %w", err)
	}
	if !json.Valid(out) {
		return nil, fmt.Errorf("analyzer produced invalid JSON for %s", file)
	}
	return out, nil
}

func analyzerPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("no home dir: %w", err)
	}
	bin := filepath.Join(home, ".hackeros", "hacker-lang", "bin", "hl-plsa")
	if _, err := os.Stat(bin); err == nil {
		return bin, nil
	}
	// Fall back to PATH for development setups.
	if p, err := exec.LookPath("hl-plsa"); err == nil {
		return p, nil
	}
	return "", fmt.Errorf("analyzer hl-plsa not found (looked in %s and PATH)", bin)
}

func printCacheStats(store *cache.Cache) {
	st, err := store.Stats()
	if err != nil {
		fmt.Fprintf(os.Stderr, "cache stats unavailable: %v\n", err)
		return
	}
	fmt.Printf("cache: %d entries, %d bytes, %d hits (%s)\n",
		st.Entries, st.TotalSize, st.TotalHits, store.Dir())
}

func fatal(format string, args ...any) {
	log.Criticalf(format, args...)
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
