package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/comfyq/internal/comfy"
	"github.com/ternarybob/comfyq/internal/common"
	"github.com/ternarybob/comfyq/internal/definitions"
	"github.com/ternarybob/comfyq/internal/handlers"
	"github.com/ternarybob/comfyq/internal/services/events"
	"github.com/ternarybob/comfyq/internal/services/maintenance"
	"github.com/ternarybob/comfyq/internal/services/queue"
	"github.com/ternarybob/comfyq/internal/staging"
	storage "github.com/ternarybob/comfyq/internal/storage/badger"
	"github.com/ternarybob/comfyq/internal/worker"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	DB          *storage.BadgerDB
	QueueStore  *storage.QueueStore
	PresetStore *storage.PresetStore

	Registry     *definitions.Registry
	EventService *events.Service
	ComfyClient  *comfy.Client
	QueueService *queue.Service
	Worker       *worker.Worker
	Maintenance  *maintenance.Service

	// HTTP handlers
	WorkflowHandler *handlers.WorkflowHandler
	JobHandler      *handlers.JobHandler
	QueueHandler    *handlers.QueueHandler
	PresetHandler   *handlers.PresetHandler
	WSHandler       *handlers.WebSocketHandler
}

// New wires every component from configuration. Nothing is started
// yet; Start launches the background services.
func New(config *common.Config, logger arbor.ILogger) (*App, error) {
	a := &App{Config: config, Logger: logger}

	db, err := storage.NewBadgerDB(logger, &config.Storage.Badger)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	a.DB = db
	a.QueueStore = storage.NewQueueStore(db, logger)
	a.PresetStore = storage.NewPresetStore(db, logger)

	a.Registry = definitions.NewRegistry(config.Paths.DefsDir, logger)
	if _, err := a.Registry.Load(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load workflow definitions: %w", err)
	}

	a.EventService = events.NewService(logger)

	a.ComfyClient = comfy.NewClient(config.Comfy.BaseURL, comfy.Options{
		RequestTimeout: parseDuration(config.Comfy.RequestTimeout, 15*time.Second),
		PollInterval:   parseDuration(config.Comfy.PollInterval, 2*time.Second),
		PollTimeout:    parseDuration(config.Comfy.PollTimeout, 2*time.Hour),
		RateLimit:      parseDuration(config.Comfy.RateLimit, 100*time.Millisecond),
	}, logger)

	stager := staging.New(config.ComfyInputDir(), logger)
	a.QueueService = queue.NewService(a.Registry, a.QueueStore, a.PresetStore,
		stager, a.EventService, config.ComfyInputDir(), logger)

	a.Worker = worker.New(a.QueueStore, a.ComfyClient, a.EventService, worker.Options{
		LogsDir:    config.LogsDir(),
		IdleSleep:  parseDuration(config.Worker.IdleSleep, time.Second),
		PauseSleep: parseDuration(config.Worker.PauseSleep, time.Second),
	}, logger)

	if config.Maintenance.Enabled {
		a.Maintenance = maintenance.NewService(config.LogsDir(),
			config.Maintenance.Schedule, config.Maintenance.RetentionDays, logger)
	}

	a.WorkflowHandler = handlers.NewWorkflowHandler(a.Registry, logger)
	a.JobHandler = handlers.NewJobHandler(a.QueueService, a.QueueStore, config.LogsDir(), logger)
	a.QueueHandler = handlers.NewQueueHandler(a.QueueService, a.QueueStore, a.ComfyClient, logger)
	a.PresetHandler = handlers.NewPresetHandler(a.PresetStore, logger)
	a.WSHandler = handlers.NewWebSocketHandler(a.EventService, logger)

	return a, nil
}

// Start launches the worker and optional maintenance scheduler.
func (a *App) Start() error {
	if err := a.Worker.Start(); err != nil {
		return err
	}
	if a.Maintenance != nil {
		if err := a.Maintenance.Start(); err != nil {
			a.Worker.Stop()
			return err
		}
	}
	return nil
}

// Close stops background services and releases storage.
func (a *App) Close(ctx context.Context) error {
	if a.Maintenance != nil {
		a.Maintenance.Stop()
	}

	done := make(chan struct{})
	go func() {
		a.Worker.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.Logger.Warn().Msg("Worker did not stop before shutdown deadline")
	}

	a.EventService.Close()
	if err := a.DB.Close(); err != nil {
		return fmt.Errorf("failed to close storage: %w", err)
	}
	return nil
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
