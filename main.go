package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver for database/sql (migrations)
	"go.uber.org/zap"

	"github.com/triangulate-hq/triangulate-engine/pkg/cache"
	"github.com/triangulate-hq/triangulate-engine/pkg/config"
	"github.com/triangulate-hq/triangulate-engine/pkg/database"
	"github.com/triangulate-hq/triangulate-engine/pkg/graph"
	"github.com/triangulate-hq/triangulate-engine/pkg/llm"
	"github.com/triangulate-hq/triangulate-engine/pkg/logging"
	"github.com/triangulate-hq/triangulate-engine/pkg/models"
	"github.com/triangulate-hq/triangulate-engine/pkg/queue"
	"github.com/triangulate-hq/triangulate-engine/pkg/repositories"
	"github.com/triangulate-hq/triangulate-engine/pkg/services"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	rootPath := flag.String("root", ".", "root of the repository to analyze")
	runID := flag.String("run-id", "", "run identifier (generated when empty)")
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	if err := run(*rootPath, *runID, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "triangulate-engine: %v\n", err)
		os.Exit(1)
	}
}

func run(rootPath, runID, configPath string) error {
	cfg, err := config.Load(configPath, Version)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Env)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	if runID == "" {
		runID = uuid.New().String()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Booting",
		zap.String("version", cfg.Version),
		zap.String("run_id", runID),
		zap.String("root_path", rootPath),
		zap.String("llm_provider", cfg.LLM.Provider),
		zap.String("llm_model", cfg.LLM.Model))

	// Migrations run over database/sql; the pipeline itself runs on pgx.
	migrationDB, err := sql.Open("pgx", cfg.Database.URL())
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}
	if err := database.RunMigrations(migrationDB, logger); err != nil {
		migrationDB.Close()
		return err
	}
	migrationDB.Close()

	db, err := database.NewConnection(ctx, &database.Config{
		URL:            cfg.Database.URL(),
		MaxConnections: cfg.Database.MaxConnections,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	redisClient, err := database.NewRedisClient(ctx, &database.RedisConfig{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return err
	}
	defer redisClient.Close()

	graphDriver, err := graph.Connect(ctx, cfg.Neo4j, logger)
	if err != nil {
		return err
	}
	defer graphDriver.Close(context.WithoutCancel(ctx)) //nolint:errcheck
	if err := graphDriver.EnsureConstraints(ctx); err != nil {
		return err
	}

	llmClient, err := llm.NewClient(cfg.LLM, logger)
	if err != nil {
		return err
	}

	// Coordination state and queues.
	allowList := cache.NewAllowList(redisClient, cfg.QueueNamePrefix)
	counters := cache.NewCounters(redisClient, cfg.QueueNamePrefix)
	manifests := cache.NewManifestStore(redisClient, cfg.QueueNamePrefix)
	queues := queue.NewManager(redisClient, allowList, cfg.QueueNamePrefix, logger)

	// Repositories over the shared pool; workers that need transactional
	// writes go through the finding store instead.
	files := repositories.NewFileRepository(db.Pool)
	pois := repositories.NewPOIRepository(db.Pool)
	rels := repositories.NewRelationshipRepository(db.Pool)
	evidence := repositories.NewEvidenceRepository(db.Pool)
	outbox := repositories.NewOutboxRepository(db.Pool)
	audit := repositories.NewAuditRepository(db.Pool)
	findings := services.NewFindingStore(db)

	scout, err := services.NewScout(files, manifests, queues, cfg.Scout, logger)
	if err != nil {
		return err
	}

	handlers := map[string]queue.Handler{
		models.QueueFileAnalysis:           services.NewFileAnalysisWorker(rootPath, findings, llmClient, queues, cfg.Scout.LargeFileBytes, logger),
		models.QueueDirectoryAggregation:   services.NewDirectoryAggregationWorker(counters, manifests, queues, logger),
		models.QueueDirectoryResolution:    services.NewDirectoryResolutionWorker(pois, rels, findings, llmClient, logger),
		models.QueueRelationshipResolution: services.NewRelationshipResolutionWorker(pois, findings, llmClient, logger),
		models.QueueAnalysisFindings:       services.NewValidationWorker(evidence, counters, manifests, queues, logger),
		models.QueueReconciliation:         services.NewReconciliationWorker(evidence, rels, audit, cfg.ValidationThreshold, logger),
	}

	orchestrator := services.NewOrchestrator(services.OrchestratorDeps{
		Queues:    queues,
		AllowList: allowList,
		Counters:  counters,
		Manifests: manifests,
		Scout:     scout,
		Publisher: services.NewOutboxPublisher(outbox, queues, cfg.Outbox.BatchSize, cfg.Outbox.PollIntervalMs, logger),
		Builder:   graph.NewBuilder(rels, graphDriver, cfg.Graph, logger),
		Outbox:    outbox,
		Rels:      rels,
		Files:     files,
		Handlers:  handlers,
		Workers:   cfg.Workers,
		Run:       cfg.Run,
		Logger:    logger,
	})

	summary, err := orchestrator.Run(ctx, rootPath, runID)
	if err != nil {
		return err
	}

	fmt.Printf("run %s: %s (%d graph edges, %d dead letters, %d starved relationships)\n",
		summary.RunID, summary.Status, summary.GraphEdges, summary.DeadLetters, summary.StarvedRelationships)
	if summary.Status != services.RunSuccess {
		os.Exit(2)
	}
	return nil
}
