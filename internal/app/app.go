package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quill/internal/broker"
	"github.com/ternarybob/quill/internal/common"
	"github.com/ternarybob/quill/internal/events"
	"github.com/ternarybob/quill/internal/handlers"
	"github.com/ternarybob/quill/internal/interfaces"
	"github.com/ternarybob/quill/internal/queue"
	"github.com/ternarybob/quill/internal/services/auth"
	"github.com/ternarybob/quill/internal/services/llm"
	"github.com/ternarybob/quill/internal/services/pipeline"
	"github.com/ternarybob/quill/internal/storage/badger"
	"github.com/ternarybob/quill/internal/workers"
)

// App holds all application components and dependencies
type App struct {
	Config         *common.Config
	Logger         arbor.ILogger
	StorageManager interfaces.StorageManager

	// Event distribution
	Bus *events.Bus

	// Job execution
	Broker       *broker.MemoryBroker
	Runtime      *workers.Runtime
	QueueService *queue.Service
	QueueManager *queue.Manager

	// LLM provider (disabled stand-in when no API key is configured)
	LLMProvider interfaces.LLMProvider

	// Authentication service (realtime bearer tokens)
	AuthService *auth.Service

	// Pipeline orchestration
	PipelineService *pipeline.Service

	// HTTP handlers
	Gateway         *handlers.Gateway
	APIHandler      *handlers.APIHandler
	PipelineHandler *handlers.PipelineHandler
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := app.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := app.initServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := app.initHandlers(); err != nil {
		return nil, fmt.Errorf("failed to initialize handlers: %w", err)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Msg("Application initialization complete")

	return app, nil
}

// initDatabase initializes the storage layer (Badger)
func (a *App) initDatabase() error {
	storageManager, err := badger.NewManager(a.Logger, &a.Config.Storage.Badger)
	if err != nil {
		return fmt.Errorf("failed to create storage manager: %w", err)
	}

	a.StorageManager = storageManager
	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Badger.Path).
		Msg("Storage layer initialized")

	return nil
}

// initServices initializes all business services in dependency order.
//
// QUEUE-BASED JOB ARCHITECTURE:
// 1. MemoryBroker - In-memory dispatch with delayed delivery and per-type caps
// 2. Runtime - Wraps each worker in the status/progress/retry envelope
// 3. Service - Queue façade (AddJob, GetJobStatus, CancelJob, ...)
// 4. Manager - Supervisory loops (health, progress rebroadcast, cleanup cron)
//
// Jobs persist in Badger; the broker holds only in-flight dispatch state,
// so abandoned jobs are reconciled from storage on startup.
func (a *App) initServices() error {
	var err error

	// Event bus carries job lifecycle and notification events to the
	// realtime gateway.
	a.Bus = events.NewBus(a.Logger)

	// Broker dispatch loop tick and retry backoff cap.
	a.Broker = broker.NewMemoryBroker(a.Logger, parseDuration(a.Config.Broker.PollInterval))

	// LLM provider. Startup proceeds without API keys; workers fall back
	// to their rule-based paths when completions fail.
	a.LLMProvider, err = llm.NewProvider(context.Background(), a.Config, a.Logger)
	if err != nil {
		a.LLMProvider = llm.NewDisabledProvider()
		a.Logger.Warn().Err(err).Msg("LLM provider disabled - workers will use rule-based fallbacks")
		a.Logger.Info().Msg("To enable LLM features, set ANTHROPIC_API_KEY or GEMINI_API_KEY")
	}

	jobs := a.StorageManager.JobStorage()
	items := a.StorageManager.ItemStorage()
	audit := a.StorageManager.AuditStorage()
	progress := a.StorageManager.ProgressCache()

	// Queue façade and manager.
	a.QueueService = queue.NewService(a.Broker, jobs, progress, a.Bus, a.Logger)
	a.QueueManager = queue.NewManager(
		a.QueueService,
		a.Broker,
		jobs,
		progress,
		a.Bus,
		queue.OptionsFromConfig(a.Config.Manager),
		a.Logger,
	)
	a.Logger.Debug().Msg("Queue manager initialized")

	// Worker runtime. Every worker registers through the runtime so all
	// lifecycle transitions go through the same envelope.
	a.Runtime = workers.NewRuntime(
		a.Broker,
		jobs,
		progress,
		audit,
		a.Bus,
		parseDuration(a.Config.Broker.MaxBackoff),
		a.Logger,
	)

	pool := []workers.Worker{
		workers.NewClassificationWorker(items, a.LLMProvider, a.Logger),
		workers.NewOptimizationWorker(items, a.LLMProvider, a.Logger),
		workers.NewModelOptimizationWorker(items, a.LLMProvider, a.Logger),
		workers.NewQualityWorker(items, a.Logger),
		workers.NewDeduplicationWorker(items, a.LLMProvider, a.Logger),
		workers.NewSimilarityScoringWorker(a.LLMProvider, a.Logger),
		workers.NewEmbeddingWorker(items, a.LLMProvider, a.Logger),
		workers.NewClusteringWorker(items, a.LLMProvider, a.Logger),
		workers.NewContentAnalysisWorker(a.LLMProvider, a.Logger),
		workers.NewConversionWorker(a.LLMProvider, a.Logger),
		workers.NewContextAssemblyWorker(items, a.Logger),
		workers.NewFolderSuggestionWorker(items, a.Logger),
		workers.NewBatchImportWorker(items, a.QueueService, a.Logger),
		workers.NewIntelligencePipelineWorker(items, a.QueueService, a.Logger),
	}
	for i, w := range pool {
		pool[i] = workers.WithConcurrency(w, a.Config.Workers.Concurrency[w.Type().String()])
	}
	a.Runtime.Register(pool...)
	a.Logger.Debug().Int("workers", len(pool)).Msg("Workers registered")

	// Auth service verifies realtime bearer tokens.
	a.AuthService, err = auth.NewService(a.Config.Auth, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize auth service: %w", err)
	}

	// Pipeline service orchestrates per-item job bundles.
	a.PipelineService = pipeline.NewService(
		items,
		a.QueueService,
		audit,
		a.Bus,
		a.Config.Pipeline,
		a.Logger,
	)
	a.Logger.Debug().Msg("Pipeline service initialized")

	return nil
}

// initHandlers initializes all HTTP handlers
func (a *App) initHandlers() error {
	a.Gateway = handlers.NewGateway(
		a.AuthService,
		a.QueueManager,
		a.StorageManager.AuditStorage(),
		a.Bus,
		a.StorageManager.MetricsCache(),
		a.Config.Realtime,
		a.Logger,
	)
	a.Logger.Debug().Msg("Realtime gateway initialized")

	a.APIHandler = handlers.NewAPIHandler(a.QueueManager, a.Logger)
	a.PipelineHandler = handlers.NewPipelineHandler(a.PipelineService, a.Logger)

	return nil
}

// Start reconciles abandoned jobs, starts the broker and supervisory
// loops and begins fanning bus events out to realtime clients.
func (a *App) Start(ctx context.Context) error {
	if err := a.QueueManager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start queue manager: %w", err)
	}
	a.Gateway.Start()
	return nil
}

// Close closes all application resources
func (a *App) Close() error {
	// Stop the gateway first so clients see the server go away before
	// the queue drains.
	if a.Gateway != nil {
		a.Gateway.Stop()
		a.Logger.Info().Msg("Realtime gateway stopped")
	}

	if a.QueueManager != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		a.QueueManager.Shutdown(ctx)
		cancel()
	}

	if a.LLMProvider != nil {
		if err := a.LLMProvider.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close LLM provider")
		}
	}

	if a.Bus != nil {
		a.Bus.Close()
	}

	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}

	return nil
}

func parseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
