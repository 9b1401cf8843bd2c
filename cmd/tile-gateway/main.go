package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/tilegate/tilegate/internal/common/config"
	"github.com/tilegate/tilegate/internal/common/configtypes"
	"github.com/tilegate/tilegate/internal/common/logger"
	"github.com/tilegate/tilegate/internal/common/metricsserver"
	"github.com/tilegate/tilegate/internal/gateway/adm"
	"github.com/tilegate/tilegate/internal/gateway/cache"
	"github.com/tilegate/tilegate/internal/gateway/device"
	"github.com/tilegate/tilegate/internal/gateway/events"
	"github.com/tilegate/tilegate/internal/gateway/filter"
	"github.com/tilegate/tilegate/internal/gateway/imgstore"
	"github.com/tilegate/tilegate/internal/gateway/location"
	"github.com/tilegate/tilegate/internal/gateway/metrics"
	"github.com/tilegate/tilegate/internal/gateway/server"
)

const serverName = "TileGateway/1.0"

func main() {
	configPath := flag.String("c", "configs/tile-gateway.yaml", "path to configuration file")
	flag.Parse()

	startedAt := time.Now()

	startupLogger := logger.NewDefault()
	startupLogger.Info("Starting Tile Gateway", zap.String("config_path", *configPath))

	cfg, err := config.Load(*configPath)
	if err != nil {
		startupLogger.Fatal("Failed to load config", zap.Error(err))
	}

	appLogger, err := logger.New(cfg.Log)
	if err != nil {
		startupLogger.Fatal("Failed to create configured logger", zap.Error(err))
	}
	defer appLogger.Sync()

	collector := metrics.NewCollector(cfg.Metrics.Namespace, appLogger)
	metricsServer := metricsserver.Start(
		cfg.Metrics.Enabled, cfg.Metrics.Listen, cfg.Metrics.Path, collector, appLogger)

	emitter, err := buildEmitter(cfg.Events, collector, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to create event emitter", zap.Error(err))
	}

	settingsJSON, err := config.FilterSettingsJSON(&cfg.Adm)
	if err != nil {
		appLogger.Fatal("Failed to load filter settings", zap.Error(err))
	}
	ruleset, err := filter.ParseRuleset(settingsJSON)
	if err != nil {
		appLogger.Fatal("Failed to parse filter settings", zap.Error(err))
	}
	appLogger.Info("Advertiser filter loaded", zap.Int("advertisers", ruleset.Len()))
	filterStore := filter.NewStore(ruleset)
	validator := filter.NewValidator(filterStore, collector, emitter, appLogger)

	resolver, err := location.NewResolver(cfg.Location, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to create location resolver", zap.Error(err))
	}
	defer resolver.Close()

	var images adm.ImageStore
	var imageStore *imgstore.Store
	if cfg.Images.Enabled {
		imageStore, err = imgstore.New(cfg.Images, collector, appLogger)
		if err != nil {
			appLogger.Fatal("Failed to create image store", zap.Error(err))
		}
		defer imageStore.Close()
		images = imageStore
		appLogger.Info("Image store enabled",
			zap.String("public_root", cfg.Images.PublicRoot),
			zap.String("cdn_base_url", cfg.Images.CDNBaseURL))
	}

	admClient := adm.NewClient(cfg.Adm, cfg.Location, startedAt, collector, appLogger)
	tileService := adm.NewService(
		admClient, validator, images, cfg.Adm.MaxTiles, collector, emitter, appLogger)

	tilesCache := cache.New(cfg.Cache, collector, appLogger)

	srv := server.New(
		*cfg,
		tileService,
		tilesCache,
		filterStore,
		device.NewDetector(appLogger),
		resolver,
		collector,
		emitter,
		appLogger,
	)

	httpServer := newFastHTTPServer(srv.HandleRequest, cfg.Server)
	serverErrors := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(cfg.Server.Listen); err != nil {
			serverErrors <- fmt.Errorf("HTTP server failed: %w", err)
		}
	}()
	appLogger.Info("Tile Gateway started", zap.String("listen", cfg.Server.Listen))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		appLogger.Info("Shutting down Tile Gateway...")
	case err := <-serverErrors:
		appLogger.Error("Server failed, initiating shutdown", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if metricsServer != nil {
		if err := metricsServer.ShutdownWithContext(shutdownCtx); err != nil {
			appLogger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}
	if err := httpServer.ShutdownWithContext(shutdownCtx); err != nil {
		appLogger.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := emitter.Close(); err != nil {
		appLogger.Error("Event emitter shutdown error", zap.Error(err))
	}

	appLogger.Info("Tile Gateway stopped")
}

// buildEmitter assembles the error-event pipeline: zap plus an optional
// rotating file sink, drained by a single async worker.
func buildEmitter(cfg configtypes.EventsConfig, collector *metrics.Collector, appLogger *zap.Logger) (events.Emitter, error) {
	sinks := []events.Emitter{events.NewZapEmitter(appLogger)}
	if cfg.File.Enabled {
		fileEmitter, err := events.NewFileEmitter(cfg.File, appLogger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, fileEmitter)
		appLogger.Info("Event file logging enabled", zap.String("path", cfg.File.Path))
	}
	return events.NewAsyncEmitter(
		events.NewMultiEmitter(sinks...),
		cfg.BufferSize,
		collector.RecordEventDropped,
	), nil
}

func newFastHTTPServer(handler fasthttp.RequestHandler, cfg configtypes.ServerConfig) *fasthttp.Server {
	srv := &fasthttp.Server{
		Handler:                      handler,
		Name:                         serverName,
		ReadTimeout:                  cfg.ReadTimeout.Std(),
		DisablePreParseMultipartForm: true,
		NoDefaultServerHeader:        true,
		NoDefaultDate:                true,
	}
	if cfg.Concurrency > 0 {
		srv.Concurrency = cfg.Concurrency
	}
	return srv
}
