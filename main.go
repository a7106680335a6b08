package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"signalos-core/internal/api"
	"signalos-core/internal/audit"
	"signalos-core/internal/dispatch"
	"signalos-core/internal/events"
	"signalos-core/internal/monitor"
	"signalos-core/internal/parser"
	"signalos-core/internal/pipeline"
	"signalos-core/internal/retry"
	"signalos-core/internal/risk"
	"signalos-core/internal/state"
	"signalos-core/internal/stealth"
	"signalos-core/internal/validate"
	"signalos-core/pkg/cache"
	"signalos-core/pkg/config"
	"signalos-core/pkg/db"
)

var buildVersion = "dev"

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	log.Printf("starting signalos-core %s on port %s", buildVersion, cfg.Port)
	log.Printf("using database %s, bridge %s", cfg.DBPath, cfg.BridgeDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core services
	bus := events.NewBus()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("db init failed: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("db migrations failed: %v", err)
	}
	queries := database.Queries()

	recorder := audit.NewRecorder(queries, bus)
	states := state.NewManager(queries)

	// Validation chain
	dedup := cache.NewShardedDedupCache(cfg.DedupWindow)
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				dedup.Cleanup()
			}
		}
	}()
	validatorCfg := validate.DefaultConfig()
	validatorCfg.ConfidenceFloor = cfg.ConfidenceFloor
	validatorCfg.MinRiskReward = cfg.MinRiskReward
	validatorCfg.MaxSignalAge = cfg.MaxSignalAge
	validator := validate.New(validatorCfg, dedup, validate.NewSessionTable(), states)

	// Risk gate
	profiles := risk.NewProfileStore()
	if cfg.ProfilesPath != "" {
		if err := profiles.LoadFile(cfg.ProfilesPath); err != nil {
			log.Fatalf("risk profiles load failed: %v", err)
		}
		log.Printf("✓ risk profiles loaded (version %s)", profiles.Version())
	}
	ledger := risk.NewExposureLedger()
	ledger.StartDailyReset(ctx.Done())
	riskMgr := risk.NewManager(risk.Config{
		MinTradableLot:         cfg.MinTradableLot,
		MarginLevelFloor:       cfg.MarginLevelFloor,
		GlobalSignalsPerMinute: cfg.GlobalSignalsPerMinute,
	}, profiles, ledger)

	// Execution backend. Dry run swaps the file bridge for a backend
	// that acknowledges everything, so no command reaches a terminal.
	var backend dispatch.Backend
	if cfg.DryRun {
		log.Println("⚠️ dry-run mode: commands will not reach the execution bridge")
		backend = dispatch.NewDryRunBackend()
	} else {
		bridge, err := dispatch.NewFileBridge(cfg.BridgeDir)
		if err != nil {
			log.Fatalf("bridge init failed: %v", err)
		}
		backend = bridge
	}
	dispatcher := dispatch.NewDispatcher(backend, cfg.DispatchTimeout)

	retries := retry.NewQueue(retry.Config{
		BaseInterval: cfg.RetryBaseInterval,
		MaxInterval:  cfg.RetryMaxInterval,
		MaxAttempts:  cfg.RetryMaxAttempts,
		PollInterval: time.Second,
		JitterFrac:   0.2,
	}, queries, dispatcher, recorder, bus)

	stealthCfg := stealth.DefaultConfig()
	stealthCfg.Enabled = cfg.StealthEnabled
	stealthCfg.StripLevels = cfg.StealthStripSLTP
	stealthCfg.LotJitterPercent = cfg.LotJitterPercent

	sysMetrics := monitor.NewPipelineMetrics()

	engine := pipeline.NewEngine(pipeline.Config{
		Workers:      cfg.Workers,
		IngestBuffer: cfg.IngestBuffer,
	}, pipeline.Deps{
		Parser:      parser.New(cfg.PairAliases),
		Validator:   validator,
		Risk:        riskMgr,
		Transformer: stealth.New(),
		StealthCfg:  stealthCfg,
		Dispatcher:  dispatcher,
		Retries:     retries,
		Recorder:    recorder,
		States:      states,
		Metrics:     sysMetrics,
		Queries:     queries,
		Bus:         bus,
	})
	if err := engine.Start(ctx); err != nil {
		log.Fatalf("pipeline start failed: %v", err)
	}

	// Observability
	mon := &monitor.Monitor{
		Bus:     bus,
		Metrics: sysMetrics,
		AlertFn: func(msg string) { _ = monitor.LogSink{}.Send(msg) },
	}
	mon.AddRule(&monitor.DeadLetterRule{Threshold: 5})
	mon.Start(ctx)

	// Operator auth
	auth, err := api.NewOperatorAuth(cfg.OperatorID, cfg.OperatorPassword, 12*time.Hour)
	if err != nil {
		log.Fatalf("operator auth init failed: %v", err)
	}

	server := api.NewServer(
		bus,
		engine,
		riskMgr,
		retries,
		states,
		sysMetrics,
		queries,
		auth,
		cfg.JWTSecret,
		api.SystemMeta{
			BridgeDir: cfg.BridgeDir,
			DryRun:    cfg.DryRun,
			Version:   buildVersion,
			StartedAt: time.Now().UTC(),
		},
	)
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf("api server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("shutting down")
}
