package main

import (
	"context"

	"infosentry/internal/api"
	"infosentry/internal/budget"
	"infosentry/internal/coalesce"
	appconfig "infosentry/internal/config"
	"infosentry/internal/judge"
	"infosentry/internal/notify"
	"infosentry/internal/orchestrator"
	"infosentry/internal/pipeline"
	"infosentry/internal/relevance"
	"infosentry/internal/store"
	"infosentry/internal/worker"
	"infosentry/pkg/config"
	"infosentry/pkg/database"
	"infosentry/pkg/email"
	"infosentry/pkg/kv"
	"infosentry/pkg/llm"
	"infosentry/pkg/logging"
	"infosentry/pkg/monitoring"
	"infosentry/pkg/redis"
	"infosentry/pkg/server"
	"infosentry/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("lookout")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Lookout (Push-Decision Core)")

	cfg := appconfig.Load()

	// Connect to database
	dbConfig := database.DefaultConfig()
	dbConfig.URL = cfg.DatabaseURL
	db := database.MustConnect(dbConfig, logger)
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	if err := database.ApplySchema(ctx, db, logger); err != nil {
		logger.WithError(err).Fatal("Failed to apply database schema")
	}

	// Connect to Redis for budget counters, coalesce buffers and the
	// goal-embedding cache
	redisClient, err := redis.NewClientFromURL(ctx, cfg.RedisURL)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer func() { _ = redisClient.Close() }()
	kvStore := kv.NewRedisStore(redisClient)

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("lookout", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("lookout", version.Version, version.GitCommit)
	decisionMetrics := metricsCollector.CreateDecisionMetrics()

	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("redis", monitoring.RedisHealthCheck(redisClient))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL": cfg.DatabaseURL,
		"REDIS_URL":    cfg.RedisURL,
	}))

	stores := store.New(db, logger)

	// AI clients degrade, not fail: without an embedding client matches
	// fall back to the neutral semantic score, without a chat client the
	// boundary judge is budget-disabled and resolves to BATCH. The
	// budget flags must be settled before the governor snapshots them.
	embedClient, err := llm.NewEmbeddingClient(llm.LoadEmbeddingConfig())
	if err != nil {
		logger.WithError(err).Warn("Embedding client not configured; semantic scoring degraded")
		cfg.Budget.EmbeddingEnabled = false
	}

	var classifier *judge.Classifier
	chatClient, err := llm.NewChatClient(llm.LoadConfig())
	if err != nil {
		logger.WithError(err).Warn("Chat client not configured; boundary judge disabled")
		cfg.Budget.JudgeEnabled = false
	} else {
		classifier = judge.NewClassifier(chatClient, logger)
	}

	governor := budget.NewGovernor(kvStore, cfg.Budget, decisionMetrics, logger)

	goalEmbeddings := relevance.NewGoalEmbeddings(kvStore, embedClient, governor, cfg.GoalEmbeddingTTL, logger)
	engine := relevance.NewEngine(stores.Goals, stores.Matches, stores.Feedback, goalEmbeddings, logger)

	buffer := coalesce.NewBuffer(kvStore, cfg.Coalesce, logger)
	pipe := pipeline.New(cfg.Thresholds, governor, classifier, buffer, stores.Decisions, decisionMetrics, logger)
	orch := orchestrator.New(stores.Goals, stores.Items, stores.Matches, stores.Decisions, stores.Runs, pipe, governor, cfg, decisionMetrics, logger)

	sender := email.NewSender(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		User:     cfg.SMTPUser,
		Password: cfg.SMTPPassword,
		From:     cfg.EmailFrom,
		FromName: cfg.EmailName,
	})
	notifier := notify.New(stores.Goals, stores.Items, stores.Decisions, sender,
		notify.StaticResolver(cfg.NotifyRecipient), logger)

	workers := worker.New(buffer, notifier, orch, stores.Goals, cfg, logger)
	workers.SetBudgetMirror(governor, stores.Budget)
	workers.Start(ctx)
	defer workers.Stop()

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "lookout", healthChecker, metricsCollector)
	api.NewHandlers(governor, stores.Runs, orch, logger).Register(router)
	api.NewIntakeHandlers(stores.Items, engine, orch, cfg.Thresholds, logger).Register(router)

	// Start HTTP server with graceful shutdown
	serverConfig := server.DefaultConfig("lookout", "18090")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
