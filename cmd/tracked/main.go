// Command tracked is the field-worker tracking daemon: it reads an NMEA
// receiver, filters and smooths the fixes, detects the device standing still,
// gates attendance on the office geofence and forwards everything to the
// remote API, queueing in SQLite while offline.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/tracked/internal/api"
	"github.com/banshee-data/tracked/internal/config"
	"github.com/banshee-data/tracked/internal/connectivity"
	"github.com/banshee-data/tracked/internal/credentials"
	"github.com/banshee-data/tracked/internal/db"
	"github.com/banshee-data/tracked/internal/delivery"
	"github.com/banshee-data/tracked/internal/gpsmux"
	"github.com/banshee-data/tracked/internal/httputil"
	"github.com/banshee-data/tracked/internal/location"
	"github.com/banshee-data/tracked/internal/metrics"
	"github.com/banshee-data/tracked/internal/monitoring"
	"github.com/banshee-data/tracked/internal/session"
	"github.com/banshee-data/tracked/internal/version"
)

var (
	configFile  = flag.String("config", "", "Path to a YAML or JSON config file")
	devMode     = flag.Bool("dev", false, "Replay recorded NMEA instead of opening the receiver")
	fixtures    = flag.String("fixtures", "", "NMEA file to replay in dev mode (default: built-in walk)")
	listen      = flag.String("listen", "", "Listen address (overrides server.listen)")
	autoStart   = flag.Bool("start", true, "Start tracking on launch")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("tracked %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}

	logger, err := monitoring.New(cfg.Log)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	monitoring.SetLogger(logger)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("tracked stopped with error", zap.Error(err))
	}
	logger.Info("graceful shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()
	store := db.NewEventStore(database)
	metrics.Init(store, logger)

	creds := credentials.NewFileSource(cfg.Credentials.TokenFile)
	if creds.UserID() == credentials.UnknownUserID {
		logger.Warn("no user id in credentials; events will carry -1", zap.String("token_file", cfg.Credentials.TokenFile))
	}

	apiClient := &httputil.BearerClient{
		Next:      httputil.NewStandardClient(cfg.HTTP.Timeout),
		Tokens:    creds,
		UserAgent: "tracked/" + version.Version,
	}
	transport := &delivery.HTTPTransport{
		Client:      apiClient,
		ActivityURL: cfg.Endpoints.Activity,
		LocationURL: cfg.Endpoints.Location,
	}
	probe := &connectivity.Probe{Client: httputil.NewStandardClient(cfg.HTTP.Timeout), URL: cfg.Endpoints.Probe}
	watcher := connectivity.NewWatcher(probe, nil, cfg.Sync.ConnectivityPoll, logger)
	manager := delivery.NewManager(store, transport, watcherChecker(watcher), nil, deliveryConfig(cfg), logger)
	watcher.OnRestore(manager.Trigger)

	var provider location.Provider
	receiver, err := openReceiver(cfg, *devMode, *fixtures, logger)
	if err != nil {
		logger.Error("GPS receiver unavailable; tracking cannot start", zap.String("device", cfg.GPS.Device), zap.Error(err))
		provider = gpsmux.Unavailable(err)
	} else {
		defer receiver.Close()
		if err := receiver.Initialize(cfg.Tracking.Interval); err != nil {
			logger.Warn("failed to set receiver update rate", zap.Error(err))
		}
		provider = gpsmux.NewProvider(receiver, cfg.GPS.UEREMeters, logger)
	}

	sess := session.New(sessionConfig(cfg), session.Deps{
		Provider: provider,
		Delivery: manager,
		Identity: creds,
		Settings: creds,
		Logger:   logger,
	})

	apiServer := api.NewServer(sess, manager, store, watcher.Online)
	apiServer.SetTokenStore(creds)
	mux := apiServer.ServeMux()
	mux.Handle("/metrics", metrics.Handler())
	if err := database.AttachAdminRoutes(mux); err != nil {
		return fmt.Errorf("failed to attach database admin routes: %w", err)
	}
	if receiver != nil {
		receiver.AttachAdminRoutes(mux)
	}
	server := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           api.LoggingMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return manager.Run(ctx) })
	g.Go(func() error { return watcher.Run(ctx) })
	if receiver != nil {
		g.Go(func() error {
			// A failed receiver leaves the queue draining; only the
			// session loses its input.
			if err := receiver.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("GPS monitor stopped", zap.Error(err))
			}
			return nil
		})
	}
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP server shutdown error", zap.Error(err))
			return server.Close()
		}
		return nil
	})

	if *autoStart {
		if err := sess.Start(ctx); err != nil {
			logger.Warn("tracking not started", zap.Error(err))
		}
	}

	err = g.Wait()
	sess.Stop()
	manager.Close()
	return err
}
