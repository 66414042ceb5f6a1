package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"jms/ride-tracking/internal/auth"
	"jms/ride-tracking/internal/config"
	"jms/ride-tracking/internal/infra/kafka"
	"jms/ride-tracking/internal/metrics"
	"jms/ride-tracking/internal/route"
	"jms/ride-tracking/internal/store"
	"jms/ride-tracking/internal/tracking"
	whub "jms/ride-tracking/internal/websocket"
)

func main() {
	if os.Getenv("RT_CMD_TEST") == "1" {
		return
	}
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	setupLogger(cfg.Log.Level)
	shutdown := setupOTLP(cfg)
	defer shutdown()

	// validated by config.Load
	unit, _ := route.ParseDurationUnit(cfg.Routes.DurationUnit)
	selector, err := route.NewSelector(cfg.Routes.CacheSize)
	if err != nil {
		slog.Error("failed to create route selector", "error", err)
		os.Exit(1)
	}

	pool, err := store.NewPgxPool(context.Background(), cfg.DB.DSN)
	if err != nil {
		slog.Error("failed to connect to DB", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	if err := store.EnsureSchema(context.Background(), pool); err != nil {
		slog.Error("failed to ensure schema", "error", err)
		os.Exit(1)
	}

	cctx, ccancel := context.WithCancel(context.Background())
	defer ccancel()

	producer := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Timeout)
	bridge := kafka.NewBridge(producer, kafka.Topics{
		Ride:     cfg.Kafka.RideTopic,
		Location: cfg.Kafka.LocationTopic,
		Control:  cfg.Kafka.ControlTopic,
	})
	consumer := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID,
		[]string{cfg.Kafka.RideTopic, cfg.Kafka.LocationTopic}, cfg.Kafka.Timeout)

	rides := store.NewRideStore(pool)
	bridge.Start(cctx)
	recorder := store.NewRecorder(bridge.Unfiltered(), rides, store.DefaultQueueSize)
	recorder.Start(cctx)

	hub := whub.NewHub(store.NewSessionStore(pool))
	go hub.Run(cctx)

	svc := tracking.NewService(bridge, route.NewDecoder(unit), selector, rides, hub)
	consumer.Start(cctx, bridge.HandleMessage, bridge.StreamFailed)

	mux := newMux(&api{
		svc:   svc,
		hub:   hub,
		auth:  auth.NewValidator(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.Audience),
		ready: pool.Ping,
	})
	metrics.Init(mux)
	metrics.StartGauges(cctx, pool)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: mux,
	}
	go func() {
		slog.Info("starting ride-tracking", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh
	slog.Info("shutting down gracefully...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	svc.Close(ctx)
	recorder.Stop()
	bridge.Close()
	ccancel()
	_ = consumer.Close()
	_ = producer.Close()
	slog.Info("server stopped")
}

func setupLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: lvl,
	})).With("service", "ride-tracking"))
}

func setupOTLP(cfg *config.Config) func() {
	if cfg.OTLP.Endpoint == "" {
		slog.Warn("OTLP endpoint not set, tracing disabled")
		return func() {}
	}
	exporter, err := otlptracehttp.New(context.Background(),
		otlptracehttp.WithEndpoint(cfg.OTLP.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		slog.Error("failed to create OTLP exporter", "error", err)
		return func() {}
	}
	res, _ := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("ride-tracking"),
		),
	)
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(ctx)
	}
}
