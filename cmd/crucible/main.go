// Package main is the entry point for the Crucible Engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/anthropics/crucible-engine/internal/advisor"
	"github.com/anthropics/crucible-engine/internal/backend"
	"github.com/anthropics/crucible-engine/internal/config"
	"github.com/anthropics/crucible-engine/internal/controller"
	"github.com/anthropics/crucible-engine/internal/domain"
	"github.com/anthropics/crucible-engine/internal/gate"
	"github.com/anthropics/crucible-engine/internal/ipc"
	"github.com/anthropics/crucible-engine/internal/knowledge"
	"github.com/anthropics/crucible-engine/internal/scheduler"
	"github.com/anthropics/crucible-engine/internal/store"
	"github.com/anthropics/crucible-engine/internal/workspace"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to configuration JSON file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("crucible %s (commit=%s, built=%s)\n", version, commit, date)
		os.Exit(0)
	}

	// Resolve config path: --config flag > CRUCIBLE_CONFIG env > auto-discover.
	path := *configPath
	if path == "" {
		path = os.Getenv("CRUCIBLE_CONFIG")
	}
	if path == "" {
		path = discoverConfig()
	}
	if path == "" {
		fatal("no config found. Place config.json next to the exe, use --config <path>, or set CRUCIBLE_CONFIG.")
	}

	cfg, err := config.Load(path)
	if err != nil {
		fatal(fmt.Sprintf("load config: %v", err))
	}

	db, err := store.NewDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	// Wire the verification gate from the configured rules and checks.
	g := gate.New()
	if len(cfg.Rules) > 0 {
		rules := make([]gate.Rule, 0, len(cfg.Rules))
		for _, rc := range cfg.Rules {
			rule, err := gate.CompileRule(rc.Name, rc.Pattern, domain.CheckStatus(rc.Severity))
			if err != nil {
				log.Fatalf("compile rule %s: %v", rc.Name, err)
			}
			rules = append(rules, rule)
		}
		g.Register(&gate.RuleCheck{CheckName: "guardrails", Rules: rules})
	}
	for _, cc := range cfg.Checks {
		g.Register(&gate.CommandCheck{CheckName: cc.Name, Command: cc.Command, Args: cc.Args})
	}

	ws := workspace.NewDir(cfg.Workspace)
	keeper := gate.NewKeeper(g, ws)
	if _, err := keeper.Refresh(context.Background()); err != nil {
		log.Printf("initial baseline snapshot failed: %v (refresh via the API once tooling is available)", err)
	}

	cache, err := knowledge.NewCache(db, knowledge.ReuseBand{Min: cfg.ReuseBandMin, Max: cfg.ReuseBandMax})
	if err != nil {
		log.Fatalf("load knowledge cache: %v", err)
	}

	decisions := ipc.NewDecisionQueue()

	ctrl := &controller.Controller{
		Gate:             g,
		Backend:          backend.NewProcessBackend(cfg.Workers),
		Workspace:        ws,
		Knowledge:        cache,
		Decider:          decisions,
		DB:               db,
		AttemptRepo:      &store.AttemptRepo{},
		EventRepo:        &store.EventRepo{},
		Marker:           cfg.CompletionMarker,
		ExtensionDefault: cfg.BudgetExtension,
	}

	adv := advisor.New(cfg.EscalationFileThreshold, cfg.Advisory.AutoThreshold, advisor.Weights{
		PatternMatch:      cfg.Advisory.PatternWeight,
		Alignment:         cfg.Advisory.AlignWeight,
		HistoricalSuccess: cfg.Advisory.HistoryWeight,
	}, cache)

	workerTypes := make(map[string]bool, len(cfg.Workers))
	for name := range cfg.Workers {
		workerTypes[name] = true
	}

	runner := scheduler.RunnerFunc(func(ctx context.Context, task domain.Task) domain.Outcome {
		return ctrl.Run(ctx, task, keeper.Current())
	})

	sched, err := scheduler.New(context.Background(), db, runner, adv, decisions, scheduler.Options{
		MaxConcurrent: cfg.MaxConcurrentTasks,
		Workers:       workerTypes,
		DefaultBudget: cfg.IterationBudget,
	})
	if err != nil {
		log.Fatalf("restore scheduler state: %v", err)
	}

	runCtx, stopRuns := context.WithCancel(context.Background())
	sched.Start(runCtx)

	handler := &ipc.Handler{
		Scheduler:   sched,
		Decisions:   decisions,
		Knowledge:   cache,
		Baseline:    keeper,
		DB:          db,
		EventRepo:   &store.EventRepo{},
		AttemptRepo: &store.AttemptRepo{},
	}
	srv := ipc.NewServer(handler, cfg.ListenAddr)

	// Graceful shutdown on interrupt.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("shutting down...")

		stopRuns()
		sched.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("server shutdown: %v", err)
		}
	}()

	log.Printf("crucible engine listening on %s", cfg.ListenAddr)

	if err := srv.Start(); err != nil && err != http.ErrServerClosed {
		fatal(fmt.Sprintf("server error: %v", err))
	}
}

// discoverConfig looks for config.json next to the executable, then in the cwd.
func discoverConfig() string {
	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), "config.json")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	if _, err := os.Stat("config.json"); err == nil {
		return "config.json"
	}
	return ""
}

func fatal(msg string) {
	fmt.Fprintf(os.Stderr, "ERROR: %s\n", msg)
	os.Exit(1)
}
