package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"qms/triage-service/internal/board"
	"qms/triage-service/internal/config"
	"qms/triage-service/internal/events"
	"qms/triage-service/internal/httpapi"
	"qms/triage-service/internal/models"
	"qms/triage-service/internal/queue"
	"qms/triage-service/internal/realtime"
	"qms/triage-service/internal/store"
	"qms/triage-service/internal/store/memory"
	"qms/triage-service/internal/store/postgres"
	"qms/triage-service/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const serviceName = "triage-service"

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("config")
	}

	logger := zerolog.New(os.Stdout).
		Level(cfg.Level()).
		With().
		Timestamp().
		Str("service", serviceName).
		Logger()

	ctx := context.Background()
	shutdownTracing := telemetry.Setup(ctx, telemetry.Options{
		ServiceName: serviceName,
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
	}, logger)

	var (
		st       store.Store
		patients store.PatientDirectory
		pool     *pgxpool.Pool
	)
	if cfg.DatabaseURL != "" {
		pool, err = pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("db connect")
		}
		defer pool.Close()
		st = postgres.NewStore(pool)
		patients = postgres.NewPatients(pool)
	} else {
		logger.Warn().Msg("DB_DSN not set, tickets are kept in memory")
		directory := memory.NewPatients()
		for _, patientID := range cfg.SeedPatients {
			directory.Put(patientID, true)
		}
		st = memory.NewStore()
		patients = directory
	}

	var sinks events.MultiSink
	if cfg.HasSink("log") {
		sinks = append(sinks, events.NewLogSink(logger))
	}
	if cfg.HasSink("postgres") {
		if pool != nil {
			sinks = append(sinks, events.NewPostgresSink(pool))
		} else {
			logger.Warn().Msg("postgres event sink needs DB_DSN, skipped")
		}
	}
	if cfg.HasSink("kafka") {
		kafkaSink, err := events.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			logger.Fatal().Err(err).Msg("kafka sink")
		}
		defer kafkaSink.Close()
		sinks = append(sinks, kafkaSink)
	}
	dispatcher := events.NewDispatcher(sinks, cfg.EventBuffer, logger.With().Str("component", "events").Logger())

	hub := realtime.NewHub(logger.With().Str("component", "realtime").Logger())
	observers := queue.Observers{hub}
	var boardReader httpapi.BoardReader
	if cfg.RedisURL != "" {
		client, err := board.Connect(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connect")
		}
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Msg("redis not reachable, board will catch up after the next reflow")
		}
		redisBoard := board.NewRedisBoard(client, board.DefaultKey)
		observers = append(observers, redisBoard)
		boardReader = redisBoard
	}

	location, err := cfg.Location()
	if err != nil {
		logger.Fatal().Err(err).Msg("timezone")
	}
	svc, err := queue.NewService(st, patients, dispatcher, queue.Options{
		Prefixes: queue.Prefixes{
			models.PriorityVeryUrgent: cfg.PrefixVeryUrgent,
			models.PriorityUrgent:     cfg.PrefixUrgent,
			models.PriorityLowUrgency: cfg.PrefixLowUrgency,
		},
		Location:        location,
		MaxCodeAttempts: cfg.CodeMaxAttempts,
		TxTimeout:       cfg.TxTimeout,
		AllowRequeue:    cfg.AllowRequeue,
		Observer:        observers,
		Logger:          logger.With().Str("component", "queue").Logger(),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("queue service")
	}

	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:    cfg.RateLimitPerMinute,
		IPBurst:        cfg.RateLimitBurst,
		ActorPerMinute: cfg.ActorRateLimitPerMinute,
		ActorBurst:     cfg.ActorRateLimitBurst,
	})
	options := httpapi.Options{
		Board:     boardReader,
		Realtime:  realtime.Handler("/realtime", hub),
		JWTSecret: cfg.JWTSecret,
		Limiter:   limiter,
		Logger:    logger.With().Str("component", "http").Logger(),
	}
	router := httpapi.NewRouter(httpapi.NewHandler(svc, options), options)

	reconcile := func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.TxTimeout)
		defer cancel()
		ordered, err := svc.Reflow(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("queue reconcile failed")
			return
		}
		logger.Debug().Int("queue_length", len(ordered)).Int("realtime_clients", hub.Clients()).Msg("queue reconciled")
	}
	reconcile()

	scheduler := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if cfg.ReconcileSchedule != "" {
		if _, err := scheduler.AddFunc(cfg.ReconcileSchedule, reconcile); err != nil {
			logger.Fatal().Err(err).Str("schedule", cfg.ReconcileSchedule).Msg("reconcile schedule")
		}
	}
	if _, err := scheduler.AddFunc("@every 5m", func() {
		if removed := limiter.Sweep(); removed > 0 {
			logger.Debug().Int("buckets", removed).Msg("rate limiter swept")
		}
		dispatcher.Report(logger)
	}); err != nil {
		logger.Fatal().Err(err).Msg("housekeeping schedule")
	}
	scheduler.Start()

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(router, serviceName),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", server.Addr).Msg("triage-service listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
	<-scheduler.Stop().Done()
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("event buffer not drained")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("tracing shutdown")
	}
}
