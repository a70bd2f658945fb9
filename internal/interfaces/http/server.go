// Package http provides the HTTP surface of the application: server-rendered
// HTML pages for expense reports plus a JSON API over the same operations.
package http

import (
	"context"
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/garyjia/expense-reports/internal/application/service"
	"github.com/garyjia/expense-reports/internal/domain/entity"
	"github.com/garyjia/expense-reports/internal/domain/filepicker"
)

//go:embed templates/*.html
var templatesFS embed.FS

//go:embed static
var staticFS embed.FS

// Logger interface for logging operations
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	Mode            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	// MaxMultipartMemory bounds the bytes of a multipart form kept in memory
	MaxMultipartMemory int64

	// MaxUploadBytes caps each attachment; request bodies are capped at
	// one such file per attachment slot plus formOverhead
	MaxUploadBytes int64

	// FileSelectionText is the file picker placeholder
	FileSelectionText string

	// AssetsDir serves the compiled file picker (filepicker.wasm, wasm_exec.js) under /assets
	AssetsDir string

	Version string
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:               "0.0.0.0",
		Port:               8080,
		Mode:               gin.ReleaseMode,
		ReadTimeout:        30 * time.Second,
		WriteTimeout:       30 * time.Second,
		ShutdownTimeout:    10 * time.Second,
		MaxMultipartMemory: 32 << 20,
		MaxUploadBytes:     service.DefaultMaxUploadBytes,
		FileSelectionText:  filepicker.DefaultText,
		Version:            "1.0.0",
	}
}

// Server is the HTTP server adapter
type Server struct {
	config        ServerConfig
	httpServer    *http.Server
	router        *gin.Engine
	reportService service.ExpenseReportService
	exportService service.ExportService
	healthCheck   func() error
	logger        Logger
}

// NewServer creates a new HTTP server with the given services
func NewServer(
	config ServerConfig,
	reportService service.ExpenseReportService,
	exportService service.ExportService,
	logger Logger,
) (*Server, error) {
	if config.Mode != "" {
		gin.SetMode(config.Mode)
	}
	if config.FileSelectionText == "" {
		config.FileSelectionText = filepicker.DefaultText
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = DefaultServerConfig().ShutdownTimeout
	}
	if config.MaxUploadBytes <= 0 {
		config.MaxUploadBytes = service.DefaultMaxUploadBytes
	}

	router := gin.New()
	if config.MaxMultipartMemory > 0 {
		router.MaxMultipartMemory = config.MaxMultipartMemory
	}

	server := &Server{
		config:        config,
		router:        router,
		reportService: reportService,
		exportService: exportService,
		logger:        logger,
	}

	if err := server.setupTemplates(); err != nil {
		return nil, err
	}
	server.setupMiddleware()
	if err := server.setupRoutes(); err != nil {
		return nil, err
	}
	return server, nil
}

func (s *Server) setupTemplates() error {
	tmpl, err := template.New("").Funcs(templateFuncs()).ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return fmt.Errorf("failed to parse templates: %w", err)
	}
	s.router.SetHTMLTemplate(tmpl)
	return nil
}

// setupMiddleware configures middleware for the router
func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(s.bodyLimitMiddleware())
}

// formOverhead is the room left in a request body for text fields and multipart framing
const formOverhead int64 = 1 << 20

// bodyLimitMiddleware stops reading a request body past what a full form can need
func (s *Server) bodyLimitMiddleware() gin.HandlerFunc {
	limit := int64(len(entity.AttachmentKinds))*s.config.MaxUploadBytes + formOverhead
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		}
		c.Next()
	}
}

// loggingMiddleware creates a logging middleware
func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		s.logger.Info("HTTP request",
			"method", method,
			"path", path,
			"status", c.Writer.Status(),
			"latency", time.Since(start).String(),
			"client_ip", c.ClientIP(),
		)
	}
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() error {
	pages := NewHandlers(s.reportService, s.exportService, s.config.FileSelectionText, s.config.MaxUploadBytes, s.logger)
	api := NewAPIHandlers(s.reportService, s.config.MaxUploadBytes, s.logger)

	static, err := fs.Sub(staticFS, "static")
	if err != nil {
		return fmt.Errorf("failed to open static assets: %w", err)
	}
	s.router.StaticFS("/static", http.FS(static))
	if s.config.AssetsDir != "" {
		s.router.Static("/assets", s.config.AssetsDir)
	}

	s.router.GET("/health", s.health)
	s.router.GET("/", func(c *gin.Context) {
		c.Redirect(http.StatusFound, "/expense_reports")
	})

	s.router.GET("/expense_reports", pages.Index)
	s.router.GET("/expense_reports.xlsx", pages.Export)

	reports := s.router.Group("/expense_reports")
	{
		reports.GET("/new", pages.New)
		reports.POST("", pages.Create)
		reports.GET("/:id", pages.Show)
		reports.GET("/:id/edit", pages.Edit)
		reports.PATCH("/:id", pages.Update)
		reports.PUT("/:id", pages.Update)
		reports.DELETE("/:id", pages.Destroy)
		// HTML forms can only POST; _method selects PATCH, PUT or DELETE
		reports.POST("/:id", pages.MethodOverride)
		reports.GET("/:id/attachments/:kind", pages.Download)
	}

	v1 := s.router.Group("/api/expense_reports")
	{
		v1.GET("", api.List)
		v1.POST("", api.Create)
		v1.GET("/:id", api.Get)
		v1.PATCH("/:id", api.Update)
		v1.PUT("/:id", api.Update)
		v1.DELETE("/:id", api.Delete)
	}
	return nil
}

// Start starts the HTTP server and blocks until ctx is cancelled or the listener fails
func (s *Server) Start(ctx context.Context) error {
	addr := s.Address()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("Starting HTTP server", "address", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("HTTP server shutdown requested")
		return s.Stop()
	case err := <-errCh:
		s.logger.Error("HTTP server error", "error", err)
		return err
	}
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}

	s.logger.Info("Stopping HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
		return err
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

// SetHealthCheck installs the check behind /health; a non-nil error reports 503
func (s *Server) SetHealthCheck(check func() error) {
	s.healthCheck = check
}

func (s *Server) health(c *gin.Context) {
	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   s.config.Version,
	}
	if s.healthCheck != nil {
		if err := s.healthCheck(); err != nil {
			resp.Status = "unhealthy"
			resp.Error = err.Error()
			c.JSON(http.StatusServiceUnavailable, resp)
			return
		}
	}
	c.JSON(http.StatusOK, resp)
}

// Router returns the underlying gin router (for testing)
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Address returns the server address
func (s *Server) Address() string {
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}
