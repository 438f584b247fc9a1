package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"testforge/backend/internal/agents"
	"testforge/backend/internal/api"
	"testforge/backend/internal/auth"
	"testforge/backend/internal/config"
	"testforge/backend/internal/logging"
	"testforge/backend/internal/mcp"
	"testforge/backend/internal/repository"
	"testforge/backend/internal/services"
	"testforge/backend/internal/tls"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "testforge-server",
		Short:         "Workflow orchestrator for test generation agents",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("configuration loading failed: %w", err)
			}
			return run(cmd.Context(), cfg)
		},
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file (default: ./config.yaml)")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logging.New(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	logger.Info("Configuration loaded",
		"environment", cfg.Environment,
		"storage", cfg.Storage.Driver,
		"agents_url", cfg.Agents.BaseURL,
		"okta_client_id", cfg.Auth.ClientID,
		"okta_domain", cfg.Auth.OktaDomain,
		"swagger_client_id", cfg.Auth.SwaggerClientID,
	)

	if cfg.Auth.SwaggerClientID != "" && cfg.Auth.SwaggerClientID == cfg.Auth.ClientID {
		logger.Warn("Swagger client ID matches the backend client ID. PKCE login from the docs page fails if the backend app requires a secret.")
	}

	logger.Info("Starting TestForge workflow orchestrator", "version", version)

	repo, err := repository.Open(ctx, cfg, logger.WithModule("repository"))
	if err != nil {
		return fmt.Errorf("storage initialization failed: %w", err)
	}
	defer repo.Close()

	logger.Info("Storage ready", "driver", cfg.Storage.Driver)

	// Agent layer
	pricing := agents.DefaultPricing()
	invoker := agents.NewHTTPInvoker(cfg.Agents.BaseURL, nil, cfg.Agents.Timeout, pricing)

	// Service layer
	catalog, err := services.NewCatalog(agents.DefaultRegistry(), repo, logger.WithModule("catalog"))
	if err != nil {
		return fmt.Errorf("workflow catalog initialization failed: %w", err)
	}
	registry := services.NewRegistry(repo, logger.WithModule("registry"))
	if n, err := registry.FailOrphans(ctx); err != nil {
		logger.Error("Failed to settle executions left over from a previous run", "error", err)
	} else if n > 0 {
		logger.Warn("Marked interrupted executions as failed", "count", n)
	}

	engine := services.NewEngine(catalog, registry, invoker, services.EngineConfig{
		DefaultMaxRetries:    cfg.Engine.DefaultMaxRetries,
		RetryInitialInterval: cfg.Engine.RetryInitialInterval,
		RetryMaxInterval:     cfg.Engine.RetryMaxInterval,
		MaxParallelSteps:     cfg.Engine.MaxParallelSteps,
		DefaultTimeout:       cfg.Engine.DefaultTimeout,
	}, logger.WithModule("engine"))
	estimator := services.NewEstimator(catalog, pricing, agents.NewTiktokenCounter(cfg.Estimator.Encoding, logger.WithModule("tokens")))

	sweeper, err := services.NewSweeper(registry, cfg.Registry.SweepSchedule, cfg.Registry.Retention, logger.WithModule("sweeper"))
	if err != nil {
		return fmt.Errorf("registry sweeper initialization failed: %w", err)
	}
	sweeper.Start()

	logger.Info("Service layer initialized")

	// Create Echo server
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = api.ErrorHandler(logger.WithModule("api"))

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("testforge-orchestrator"))

	// Initialize authentication
	authz, err := auth.New(ctx, cfg, logger.WithModule("auth"))
	if err != nil {
		return fmt.Errorf("auth initialization failed: %w", err)
	}
	if authz.Bypassed() {
		logger.Warn("Authentication bypass is enabled; every request runs as the dev principal")
	}

	// Register auth handlers
	e.GET("/login", echo.WrapHandler(http.HandlerFunc(authz.LoginHandler)))
	e.GET("/auth/callback", echo.WrapHandler(http.HandlerFunc(authz.CallbackHandler)))
	e.GET("/logout", echo.WrapHandler(http.HandlerFunc(authz.LogoutHandler)))

	health := api.NewHandler(repo, version)
	e.GET("/health", health.HandleHealth)

	// Mount REST API handlers under /api/v1 to match the OpenAPI document
	apiGroup := e.Group("/api/v1")
	apiGroup.Use(echo.WrapMiddleware(authz.RequireAuth))
	api.RegisterRoutes(apiGroup, api.NewServer(catalog, engine, registry, estimator, logger.WithModule("api")))

	logger.Info("REST API handlers mounted")

	// Mount MCP protocol handlers
	mcpServer := mcp.NewServer(catalog, engine, estimator)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
	e.Any("/mcp", echo.WrapHandler(authz.RequireAuth(mcpHandlers)))
	e.Any("/mcp/*", echo.WrapHandler(authz.RequireAuth(mcpHandlers)))

	logger.Info("MCP protocol handlers mounted")

	// expose OpenAPI document (with runtime substitution) and Swagger UI
	e.GET("/openapi.yaml", echo.WrapHandler(api.SpecHandler(cfg.Auth.OktaDomain)))
	e.GET("/docs", echo.WrapHandler(api.SwaggerHandler(cfg.Auth.OktaDomain, cfg.Auth.SwaggerClientID)))
	e.GET("/docs/oauth2-redirect.html", echo.WrapHandler(api.OAuth2RedirectHandler()))

	addr := cfg.Server.Addr
	if cfg.TLS.Enable && addr == ":8080" {
		addr = ":8443"
	}
	server := &http.Server{
		Addr:         addr,
		Handler:      e,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	if cfg.TLS.Enable {
		generated, err := tls.EnsureCertificate(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.Hostnames)
		if err != nil {
			return fmt.Errorf("tls setup failed: %w", err)
		}
		if generated {
			logger.Warn("Generated a self-signed certificate", "cert", cfg.TLS.CertFile, "hosts", cfg.TLS.Hostnames)
		}
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "address", addr, "tls", cfg.TLS.Enable)
		if cfg.TLS.Enable {
			serverErrors <- server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			serverErrors <- server.ListenAndServe()
		}
	}()

	var serveErr error
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
		if err := server.Close(); err != nil {
			logger.Error("Server close error", "error", err)
		}
	}
	if err := engine.Shutdown(shutdownCtx); err != nil {
		logger.Error("Executions still running at shutdown", "error", err)
	}
	sweeper.Stop(shutdownCtx)

	logger.Info("Server stopped gracefully")
	return serveErr
}
