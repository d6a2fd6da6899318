// Copyright (C) 2025 Aitwin Labs (eng@aitwinlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command orchestrator starts the Aitwin portfolio chat server: the
// conversation router behind an HTTP API with SSE and WebSocket
// streaming.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/aitwin-labs/aitwin/pkg/extensions"
	"github.com/aitwin-labs/aitwin/pkg/logging"
	"github.com/aitwin-labs/aitwin/services/orchestrator/config"
	"github.com/aitwin-labs/aitwin/services/orchestrator/handlers"
	"github.com/aitwin-labs/aitwin/services/orchestrator/middleware"
	"github.com/aitwin-labs/aitwin/services/orchestrator/observability"
	"github.com/aitwin-labs/aitwin/services/orchestrator/routes"
	"github.com/aitwin-labs/aitwin/services/router"
	"github.com/aitwin-labs/aitwin/services/router/agents"
	"github.com/aitwin-labs/aitwin/services/router/checkpoint"
	"github.com/aitwin-labs/aitwin/services/router/events"
	"github.com/aitwin-labs/aitwin/services/router/llm"
	"github.com/aitwin-labs/aitwin/services/router/profile"
)

// initTracer wires the OTLP trace pipeline. With no collector endpoint
// configured it falls back to the stdout exporter when Stdout is set,
// and to no export at all otherwise.
func initTracer(cfg config.TelemetryConfig) (func(context.Context), error) {
	ctx := context.Background()

	var exporter sdktrace.SpanExporter
	switch {
	case cfg.OTLPEndpoint != "":
		conn, err := grpc.NewClient(cfg.OTLPEndpoint,
			grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("otlp connection: %w", err)
		}
		exporter, err = otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			return nil, fmt.Errorf("otlp exporter: %w", err)
		}
	case cfg.Stdout:
		var err error
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("stdout exporter: %w", err)
		}
	default:
		return func(context.Context) {}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("aitwin-orchestrator")))
	if err != nil {
		return nil, err
	}
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter)))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceProvider.Shutdown(ctx); err != nil {
			log.Printf("trace provider shutdown: %v", err)
		}
	}, nil
}

// buildLLMClient selects the model backend from config.
func buildLLMClient(cfg config.LLMConfig) (llm.Client, error) {
	openaiCfg := llm.OpenAIConfig{
		APIKey:  cfg.APIKey(),
		BaseURL: cfg.BaseURL,
		Model:   cfg.Model,
	}
	switch cfg.Provider {
	case "langchain":
		return llm.NewLangChainOpenAI(openaiCfg)
	default:
		return llm.NewOpenAIClient(openaiCfg)
	}
}

// buildAuthProvider returns the static token provider when a token is
// configured and the permissive local provider otherwise.
func buildAuthProvider(cfg config.AuthConfig) (extensions.AuthProvider, error) {
	if cfg.Token == "" {
		return &extensions.NopAuthProvider{}, nil
	}
	return extensions.NewStaticTokenProvider(cfg.Token)
}

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.New(logging.Config{
		Level:   cfg.Logging.LogLevel(),
		LogDir:  cfg.Logging.Dir,
		Service: "orchestrator",
		JSON:    cfg.Logging.JSON,
	})
	defer logger.Close()
	slogger := logger.Slog()

	cleanup, err := initTracer(cfg.Telemetry)
	if err != nil {
		log.Fatalf("setup tracer: %v", err)
	}
	defer cleanup(context.Background())

	var storeCfg checkpoint.Config
	if cfg.Store.InMemory {
		storeCfg = checkpoint.InMemoryConfig()
	} else {
		storeCfg = checkpoint.DefaultConfig(cfg.Store.Path)
		storeCfg.SyncWrites = cfg.Store.SyncWrites
	}
	storeCfg.Logger = slogger
	store, err := checkpoint.Open(storeCfg)
	if err != nil {
		log.Fatalf("open checkpoint store: %v", err)
	}
	defer store.Close()

	client, err := buildLLMClient(cfg.LLM)
	if err != nil {
		log.Fatalf("init llm client: %v", err)
	}
	slogger.Info("llm client ready", "provider", cfg.LLM.Provider, "model", cfg.LLM.Model)

	source, err := profile.LoadFile(cfg.Profile.Path)
	if err != nil {
		log.Fatalf("load profile: %v", err)
	}

	emitter := events.NewEmitter()
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	metrics := observability.New(registry)
	metrics.Observe(emitter)

	rt, err := router.New(store, agents.All(client, source),
		router.WithConfig(cfg.Router.Build()),
		router.WithEmitter(emitter),
		router.WithLogger(slogger))
	if err != nil {
		log.Fatalf("init router: %v", err)
	}

	authProvider, err := buildAuthProvider(cfg.Auth)
	if err != nil {
		log.Fatalf("init auth: %v", err)
	}

	turns := handlers.NewTurnRegistry()
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(otelgin.Middleware("aitwin-orchestrator"))
	routes.SetupRoutes(engine, routes.Dependencies{
		Chat:    handlers.NewChatHandler(rt, turns, metrics, slogger),
		Threads: handlers.NewThreadsHandler(store, turns, slogger),
		Auth:    authProvider,
		RateLimit: middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		},
		Metrics: registry,
	})

	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:     engine,
		ReadTimeout: time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		slogger.Info("orchestrator listening", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		slogger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(),
			time.Duration(cfg.Server.ShutdownGraceSeconds)*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = group.Wait()
	handlers.PurgeSecureMemory()
	if err != nil {
		log.Fatalf("server error: %v", err)
	}
}
