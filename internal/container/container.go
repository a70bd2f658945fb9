// Package container wires the expense report application together and owns
// its lifecycle: ordered initialization and reverse-order teardown.
package container

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/garyjia/expense-reports/internal/application/port"
	"github.com/garyjia/expense-reports/internal/application/service"
	"github.com/garyjia/expense-reports/internal/config"
	"github.com/garyjia/expense-reports/internal/infrastructure/persistence/sqlite"
	"github.com/garyjia/expense-reports/internal/infrastructure/storage"
	"github.com/garyjia/expense-reports/internal/infrastructure/worker"
	"github.com/garyjia/expense-reports/internal/interfaces/http"
	"github.com/garyjia/expense-reports/pkg/database"
)

// Container manages all application dependencies and lifecycle.
type Container struct {
	config  *config.Config
	version string
	logger  *zap.Logger

	// Infrastructure - Data
	db           *database.DB
	txManager    *sqlite.TxManager
	repositories *RepositoryBundle

	// Infrastructure - Storage
	fileStorage *storage.LocalFileStorage
	uploadCache *storage.LocalUploadCache

	// Application
	services *ServiceBundle

	// Workers
	workers *worker.WorkerManager

	// Interfaces
	server *http.Server

	// Lifecycle
	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
	ready  atomic.Bool
	closed atomic.Bool
}

// RepositoryBundle groups all repositories for convenient access.
type RepositoryBundle struct {
	ExpenseReport port.ExpenseReportRepository
	Attachment    port.AttachmentRepository
}

// ServiceBundle groups all application services.
type ServiceBundle struct {
	ExpenseReport service.ExpenseReportService
	Export        service.ExportService
}

// HealthStatus represents the health of all components.
type HealthStatus struct {
	Overall    bool                       `json:"overall"`
	Components map[string]ComponentHealth `json:"components"`
}

// ComponentHealth represents health of a single component.
type ComponentHealth struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// NewContainer creates a new container from configuration.
// It does not initialize components - call Start() to initialize.
func NewContainer(cfg *config.Config, version string, logger *zap.Logger) (*Container, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Container{
		config:  cfg,
		version: version,
		logger:  logger,
	}, nil
}

// Start initializes all components in dependency order:
// 1. Database and repositories
// 2. Storage and upload cache
// 3. Application services
// 4. Workers
// 5. HTTP server (built, not listening; see Server)
func (c *Container) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return fmt.Errorf("container has been closed")
	}

	if c.ready.Load() {
		return fmt.Errorf("container already started")
	}

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.logger.Info("Starting container initialization")

	// Step 1: Initialize database and repositories
	if err := c.initDatabase(); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	c.logger.Info("Database initialized")

	// Step 2: Initialize storage
	if err := c.initStorage(); err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	c.logger.Info("Storage initialized")

	// Step 3: Initialize application services
	if err := c.initServices(); err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}
	c.logger.Info("Application services initialized")

	// Step 4: Initialize and start workers
	if err := c.initWorkers(); err != nil {
		return fmt.Errorf("failed to initialize workers: %w", err)
	}
	c.logger.Info("Workers initialized and started")

	// Step 5: Build the HTTP server
	if err := c.initServer(); err != nil {
		return fmt.Errorf("failed to initialize http server: %w", err)
	}
	c.logger.Info("HTTP server initialized")

	c.ready.Store(true)
	c.logger.Info("Container started successfully")

	return nil
}

// Close shuts down all components in reverse order. It is safe to call after
// a failed Start.
func (c *Container) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return fmt.Errorf("container already closed")
	}

	c.logger.Info("Closing container")

	var errs []error

	// Cancel context to signal all goroutines
	if c.cancel != nil {
		c.cancel()
	}

	// Step 1: Stop the HTTP server (reverse of step 5)
	if c.server != nil {
		if err := c.server.Stop(); err != nil {
			c.logger.Error("Failed to stop http server", zap.Error(err))
			errs = append(errs, fmt.Errorf("stop http server: %w", err))
		}
	}

	// Step 2: Stop workers (reverse of step 4)
	if c.workers != nil {
		if err := c.workers.StopAll(); err != nil {
			c.logger.Error("Failed to stop workers", zap.Error(err))
			errs = append(errs, fmt.Errorf("stop workers: %w", err))
		} else {
			c.logger.Info("Workers stopped")
		}
	}

	// Steps 3 and 4: services and storage hold no resources

	// Step 5: Close database (reverse of step 1)
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			c.logger.Error("Failed to close database", zap.Error(err))
			errs = append(errs, fmt.Errorf("close database: %w", err))
		} else {
			c.logger.Info("Database closed")
		}
	}

	c.closed.Store(true)
	c.ready.Store(false)

	if len(errs) > 0 {
		c.logger.Error("Container closed with errors", zap.Int("error_count", len(errs)))
		return errors.Join(errs...)
	}

	c.logger.Info("Container closed successfully")
	return nil
}

// Ready returns true when all components are initialized.
func (c *Container) Ready() bool {
	return c.ready.Load()
}

// Server returns the HTTP server built by Start.
func (c *Container) Server() *http.Server {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.server
}

// Services returns the application services built by Start.
func (c *Container) Services() *ServiceBundle {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.services
}

// Health returns health status of all components.
func (c *Container) Health() *HealthStatus {
	status := &HealthStatus{
		Overall:    true,
		Components: make(map[string]ComponentHealth),
	}

	checks := map[string]func() ComponentHealth{
		"database": c.databaseHealth,
		"workers":  c.workersHealth,
		"services": c.servicesHealth,
	}
	for name, check := range checks {
		h := check()
		status.Components[name] = h
		if !h.Healthy {
			status.Overall = false
		}
	}
	return status
}

var notInitialized = ComponentHealth{Message: "not initialized"}

func (c *Container) databaseHealth() ComponentHealth {
	if c.db == nil {
		return notInitialized
	}
	if err := c.db.Ping(); err != nil {
		return ComponentHealth{Message: fmt.Sprintf("ping failed: %v", err)}
	}
	return ComponentHealth{Healthy: true}
}

func (c *Container) workersHealth() ComponentHealth {
	if c.workers == nil {
		return notInitialized
	}
	return ComponentHealth{
		Healthy: c.workers.IsRunning(),
		Message: fmt.Sprintf("worker count: %d", c.workers.GetWorkerCount()),
	}
}

func (c *Container) servicesHealth() ComponentHealth {
	if c.services == nil {
		return notInitialized
	}
	return ComponentHealth{Healthy: true}
}

// Err flattens Health into an error naming the unhealthy components.
func (s *HealthStatus) Err() error {
	if s.Overall {
		return nil
	}
	var errs []error
	for name, h := range s.Components {
		if !h.Healthy {
			errs = append(errs, fmt.Errorf("%s: %s", name, h.Message))
		}
	}
	return errors.Join(errs...)
}

// initDatabase initializes the database and all repositories using providers.
func (c *Container) initDatabase() error {
	dbBundle, err := ProvideDatabase(c.config.Database, c.logger)
	if err != nil {
		return err
	}

	c.db = dbBundle.DB
	c.txManager = dbBundle.TransactionMgr

	repos, err := ProvideRepositories(c.db, c.logger)
	if err != nil {
		return err
	}

	c.repositories = repos
	return nil
}

// initStorage initializes attachment storage and the upload cache using providers.
func (c *Container) initStorage() error {
	storageBundle, err := ProvideStorage(c.config.Storage, c.config.UploadCache, c.logger)
	if err != nil {
		return err
	}

	c.fileStorage = storageBundle.FileStorage
	c.uploadCache = storageBundle.UploadCache
	return nil
}

// initServices initializes all application services using providers.
func (c *Container) initServices() error {
	services, err := ProvideServices(&ServiceDeps{
		Repos:          c.repositories,
		TxManager:      c.txManager,
		FileStorage:    c.fileStorage,
		UploadCache:    c.uploadCache,
		MaxUploadBytes: c.config.Storage.MaxUploadBytes,
		Logger:         c.logger,
	})
	if err != nil {
		return err
	}

	c.services = services
	return nil
}

// initWorkers registers the background workers and starts them.
func (c *Container) initWorkers() error {
	manager, err := ProvideWorkers(c.config.UploadCache, c.uploadCache, c.logger)
	if err != nil {
		return err
	}
	c.workers = manager

	return c.workers.StartAll(c.ctx)
}

// initServer builds the HTTP server and points /health at Health.
func (c *Container) initServer() error {
	srv, err := ProvideHTTPServer(c.config, c.version, c.services, c.logger)
	if err != nil {
		return err
	}
	srv.SetHealthCheck(func() error { return c.Health().Err() })

	c.server = srv
	return nil
}
