package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/technician-dispatch/internal/auth"
	"github.com/example/technician-dispatch/internal/config"
	"github.com/example/technician-dispatch/internal/dispatch"
	"github.com/example/technician-dispatch/internal/eta"
	"github.com/example/technician-dispatch/internal/geo"
	httpapi "github.com/example/technician-dispatch/internal/http"
	"github.com/example/technician-dispatch/internal/ingest"
	"github.com/example/technician-dispatch/internal/jobs"
	"github.com/example/technician-dispatch/internal/logging"
	"github.com/example/technician-dispatch/internal/matcher"
	"github.com/example/technician-dispatch/internal/matching"
	"github.com/example/technician-dispatch/internal/realtime"
	"github.com/example/technician-dispatch/internal/reservation"
	"github.com/example/technician-dispatch/internal/storage"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		log.Fatalf("load .env: %v", err)
	}
	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var checks []func(context.Context) error

	var rc *redis.Client
	var directory geo.Directory = geo.NewIndex()
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		directory = geo.NewRedisGeo(rc, cfg.RedisGeoKey)
		checks = append(checks, func(ctx context.Context) error { return rc.Ping(ctx).Err() })
	}

	var store storage.Store = storage.NewMemoryStore()
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer ps.Close()
		if cfg.RunMigrations {
			if err := ps.Migrate(ctx); err != nil {
				return err
			}
			logger.Info("migrations applied")
		}
		store = ps
		checks = append(checks, ps.Ping)
	} else {
		logger.Warn("PG_DSN not set; matchings are kept in memory")
	}

	var reservations reservation.Service
	if cfg.ReservationServiceURL != "" {
		reservations = reservation.NewClient(cfg.ReservationServiceURL)
	} else {
		logger.Warn("RESERVATION_SERVICE_URL not set; using an empty in-memory reservation table")
		reservations = reservation.NewMemory()
	}

	var verifier auth.Verifier
	if cfg.AuthIntrospectionURL != "" {
		verifier = auth.NewIntrospectionClient(cfg.AuthIntrospectionURL)
	} else {
		static, err := auth.ParseStaticTokens(cfg.AuthStaticTokens)
		if err != nil {
			return err
		}
		verifier = static
	}

	var coord *matching.Coordinator
	hub := realtime.NewHub(func(ctx context.Context, p auth.Principal, room string) error {
		return coord.AuthorizeRoom(ctx, p, room)
	}, logger)

	dispatcher := dispatch.NewDispatcher(hub, cfg.Matching.RequestTTL, cfg.Matching.FanOut, logger)
	dispatcher.ETA = &eta.Estimator{Cache: eta.NewCache(5 * time.Minute), SpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMURL != "" {
		dispatcher.ETA.Client = eta.NewOSRMClient(cfg.OSRMURL)
	}
	if cfg.PushEndpoint != "" {
		dispatcher.Pusher = dispatch.NewFCMPusher(cfg.PushEndpoint, cfg.PushKey)
	}
	if cfg.RealtimeRelay {
		relay := realtime.NewRedisRelay(rc, cfg.RealtimeRelayTopic, logger)
		hub.SetRelay(relay)
		go func() {
			if err := relay.Run(ctx, hub, nil); err != nil {
				logger.Error("realtime relay stopped", "error", err)
			}
		}()
	} else {
		// local sockets are the whole picture only without a relay
		dispatcher.Presence = hub
	}

	var opts []matching.Option
	var locations httpapi.LocationPublisher
	if len(cfg.KafkaBrokers) > 0 {
		events := ingest.NewMatchingEventProducer(cfg.KafkaBrokers, cfg.KafkaMatchingTopic)
		defer events.Close()
		opts = append(opts, matching.WithEventSink(events))
		if rc != nil {
			producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic)
			defer producer.Close()
			locations = producer
		}
	}

	coord = matching.NewCoordinator(store, reservations, matcher.NewSearch(directory), dispatcher, hub, matching.Config{
		InitialRadiusKm:      cfg.Matching.InitialRadiusKm,
		RadiusStepKm:         cfg.Matching.RadiusStepKm,
		DefaultMaxDistanceKm: cfg.Matching.DefaultMaxDistanceKm,
		MaxAttempts:          cfg.Matching.MaxAttempts,
		TopK:                 cfg.Matching.TopK,
		StallAfter:           cfg.Matching.StallAfter,
	}, logger, opts...)

	jobManager := jobs.NewJobManager(coord, cfg.Matching.SweepInterval, logger)
	if err := jobManager.StartAll(); err != nil {
		return err
	}
	defer jobManager.StopAll()

	api := httpapi.NewServer(httpapi.Deps{
		Matchings: coord,
		Verifier:  verifier,
		Hub:       hub,
		Directory: directory,
		Locations: locations,
		Ready: func(ctx context.Context) error {
			var errs []error
			for _, check := range checks {
				errs = append(errs, check(ctx))
			}
			return errors.Join(errs...)
		},
	}, logger)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("technician-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", "timeout", cfg.ShutdownTimeout.String())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
