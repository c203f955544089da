package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"flow-studio/backend/internal/api"
	"flow-studio/backend/internal/config"
	"flow-studio/backend/internal/logging"
	"flow-studio/backend/internal/mcp"
	"flow-studio/backend/internal/observability"
	"flow-studio/backend/internal/repository"
	"flow-studio/backend/internal/runs"
	"flow-studio/backend/internal/tls"
)

func main() {
	ctx := context.Background()

	// Parse command line flags
	configFile := flag.String("config", "", "Path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Configuration loading failed: %v", err)
	}

	// Initialize logging
	logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
	logger.Info("Configuration loaded",
		"config_file", *configFile,
		"store", cfg.Store.Driver,
		"metrics", cfg.Metrics.Enabled,
	)

	logger.Info("Starting Flow Studio server")

	// Initialize repository layer
	flows, err := repository.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to open flow store", "error", err)
		os.Exit(1)
	}
	defer flows.Close()

	// Metrics
	var gatherer prometheus.Gatherer
	var metrics *observability.ServerMetrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewServerMetrics(prometheus.DefaultRegisterer)
		gatherer = prometheus.DefaultGatherer
	}

	// Run registry and its event fan-out
	streams := runs.NewBroadcaster()
	defer streams.Close()
	registry := runs.NewRegistry(streams, metrics, logger.With("component", "runs"))

	logger.Info("Run registry initialized")

	// Create Echo server with the REST API
	server := api.NewServer(flows, registry, streams, metrics, logger.With("component", "api"))
	e := api.NewEcho(server, gatherer)

	logger.Info("REST API handlers mounted")

	// Mount MCP protocol handlers
	mcpServer := mcp.NewServer(flows, registry)
	mcp.MountHTTPHandlers(e, mcpServer.GetMCPServer())

	logger.Info("MCP protocol handlers mounted")

	// Create HTTP server
	addr := cfg.Server.Addr
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      e,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Graceful shutdown handling
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "address", addr, "tls", cfg.Server.TLS.Enable)
		if !cfg.Server.TLS.Enable {
			serverErrors <- httpServer.ListenAndServe()
			return
		}
		tlsCfg := cfg.Server.TLS
		generated, err := tls.EnsureCertificate(tlsCfg.CertFile, tlsCfg.KeyFile, tlsCfg.Hostnames)
		if err != nil {
			serverErrors <- err
			return
		}
		if generated {
			logger.Warn("Generated a self-signed certificate", "cert", tlsCfg.CertFile, "hosts", tlsCfg.Hostnames)
		}
		serverErrors <- httpServer.ListenAndServeTLS(tlsCfg.CertFile, tlsCfg.KeyFile)
	}()

	// Wait for shutdown signal
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server error", "error", err)
			os.Exit(1)
		}
	case sig := <-shutdown:
		logger.Info("Shutdown signal received", "signal", sig.String())

		// Open event streams never finish on their own.
		streams.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error("Server shutdown error", "error", err)
			if err := httpServer.Close(); err != nil {
				logger.Error("Server close error", "error", err)
			}
		}

		logger.Info("Server stopped gracefully")
	}
}
