package container

import (
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/garyjia/expense-reports/internal/application/service"
	"github.com/garyjia/expense-reports/internal/config"
	"github.com/garyjia/expense-reports/internal/infrastructure/persistence/repository"
	"github.com/garyjia/expense-reports/internal/infrastructure/persistence/sqlite"
	"github.com/garyjia/expense-reports/internal/infrastructure/storage"
	"github.com/garyjia/expense-reports/internal/infrastructure/worker"
	"github.com/garyjia/expense-reports/internal/interfaces/http"
	"github.com/garyjia/expense-reports/migrations"
	"github.com/garyjia/expense-reports/pkg/database"
	"github.com/garyjia/expense-reports/pkg/utils"
)

// DatabaseBundle holds database-related components.
type DatabaseBundle struct {
	DB             *database.DB
	TransactionMgr *sqlite.TxManager
}

// StorageBundle holds storage-related components.
type StorageBundle struct {
	FileStorage *storage.LocalFileStorage
	UploadCache *storage.LocalUploadCache
}

// ProvideDatabase opens the database, applies pending migrations and wraps
// the connection in a transaction manager.
func ProvideDatabase(cfg config.DatabaseConfig, logger *zap.Logger) (*DatabaseBundle, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	db, err := database.New(database.Config{
		Path:            cfg.Path,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}, logger)
	if err != nil {
		return nil, err
	}

	applied, err := database.NewMigrator(db, logger).RunMigrations(migrations.FS)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	logger.Info("Database migrations complete", zap.Int("applied", applied))

	return &DatabaseBundle{
		DB:             db,
		TransactionMgr: sqlite.NewTxManager(db.DB, logger),
	}, nil
}

// ProvideRepositories creates all repositories from a database connection.
func ProvideRepositories(db *database.DB, logger *zap.Logger) (*RepositoryBundle, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	return &RepositoryBundle{
		ExpenseReport: repository.NewExpenseReportRepository(db.DB, logger),
		Attachment:    repository.NewAttachmentRepository(db.DB, logger),
	}, nil
}

// ProvideStorage creates attachment storage and the upload cache.
func ProvideStorage(cfg config.StorageConfig, cacheCfg config.UploadCacheConfig, logger *zap.Logger) (*StorageBundle, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	attachments, err := filepath.Abs(cfg.AttachmentDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve attachment dir: %w", err)
	}
	cache, err := filepath.Abs(cacheCfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve upload cache dir: %w", err)
	}
	if attachments == cache {
		return nil, fmt.Errorf("attachment dir and upload cache dir must differ")
	}

	return &StorageBundle{
		FileStorage: storage.NewLocalFileStorage(attachments, logger),
		UploadCache: storage.NewLocalUploadCache(cache, logger),
	}, nil
}

// ServiceDeps holds dependencies required for creating services.
type ServiceDeps struct {
	Repos          *RepositoryBundle
	TxManager      *sqlite.TxManager
	FileStorage    *storage.LocalFileStorage
	UploadCache    *storage.LocalUploadCache
	MaxUploadBytes int64
	Logger         *zap.Logger
}

// ProvideServices creates all application services.
func ProvideServices(deps *ServiceDeps) (*ServiceBundle, error) {
	if deps == nil {
		return nil, fmt.Errorf("service dependencies are required")
	}
	if deps.Repos == nil {
		return nil, fmt.Errorf("repositories are required")
	}
	if deps.TxManager == nil {
		return nil, fmt.Errorf("transaction manager is required")
	}
	if deps.FileStorage == nil || deps.UploadCache == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	serviceLogger := utils.NewKVLogger(deps.Logger)

	return &ServiceBundle{
		ExpenseReport: service.NewExpenseReportService(
			deps.Repos.ExpenseReport,
			deps.Repos.Attachment,
			deps.TxManager,
			deps.FileStorage,
			deps.UploadCache,
			service.ExpenseReportServiceConfig{MaxUploadBytes: deps.MaxUploadBytes},
			serviceLogger,
		),
		Export: service.NewExportService(
			deps.Repos.ExpenseReport,
			deps.Repos.Attachment,
			serviceLogger,
		),
	}, nil
}

// ProvideWorkers registers the background workers without starting them.
func ProvideWorkers(cfg config.UploadCacheConfig, cache *storage.LocalUploadCache, logger *zap.Logger) (*worker.WorkerManager, error) {
	if cache == nil {
		return nil, fmt.Errorf("upload cache is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	manager := worker.NewWorkerManager(logger)
	manager.Register(worker.NewCacheSweeper(worker.CacheSweeperConfig{
		Interval: cfg.SweepInterval,
		TTL:      cfg.TTL,
	}, cache, logger))

	return manager, nil
}

// ProvideHTTPServer builds the HTTP server from configuration.
func ProvideHTTPServer(cfg *config.Config, version string, services *ServiceBundle, logger *zap.Logger) (*http.Server, error) {
	if services == nil {
		return nil, fmt.Errorf("services are required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	serverCfg := http.DefaultServerConfig()
	serverCfg.Host = cfg.Server.Host
	serverCfg.Port = cfg.Server.Port
	serverCfg.Mode = cfg.Server.Mode
	serverCfg.ReadTimeout = cfg.Server.ReadTimeout
	serverCfg.WriteTimeout = cfg.Server.WriteTimeout
	serverCfg.ShutdownTimeout = cfg.Server.ShutdownTimeout
	if cfg.Server.MaxMultipartMemory > 0 {
		serverCfg.MaxMultipartMemory = cfg.Server.MaxMultipartMemory
	}
	serverCfg.MaxUploadBytes = cfg.Storage.MaxUploadBytes
	serverCfg.FileSelectionText = cfg.UI.FileSelectionText
	serverCfg.AssetsDir = cfg.UI.AssetsDir
	if version != "" {
		serverCfg.Version = version
	}

	return http.NewServer(serverCfg, services.ExpenseReport, services.Export, utils.NewKVLogger(logger))
}
