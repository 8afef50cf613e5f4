// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/AleutianMend/services/remediation/collab"
	"github.com/AleutianAI/AleutianMend/services/remediation/config"
	"github.com/AleutianAI/AleutianMend/services/remediation/datatypes"
	"github.com/AleutianAI/AleutianMend/services/remediation/embedding"
	"github.com/AleutianAI/AleutianMend/services/remediation/events"
	"github.com/AleutianAI/AleutianMend/services/remediation/filecache"
	"github.com/AleutianAI/AleutianMend/services/remediation/fixcache"
	"github.com/AleutianAI/AleutianMend/services/remediation/observability"
	"github.com/AleutianAI/AleutianMend/services/remediation/queue"
	"github.com/AleutianAI/AleutianMend/services/remediation/retry"
	"github.com/AleutianAI/AleutianMend/services/remediation/routes"
	"github.com/AleutianAI/AleutianMend/services/remediation/store"
	"github.com/AleutianAI/AleutianMend/services/remediation/ttl"
	"github.com/AleutianAI/AleutianMend/services/remediation/worker"

	// --- OpenTelemetry imports ---
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
)

func initTracer(serviceName string) (func(context.Context), error) {
	ctx := context.Background()

	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint == "" {
		otelEndpoint = "aleutian-otel-collector:4317"
	}
	conn, err := grpc.NewClient(otelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

// newWeaviateClient parses the configured URL and ensures the fix-cache
// schema. Returns nil when the URL is unset or invalid; the service then runs
// without historical fix suggestions.
func newWeaviateClient(rawURL string) *weaviate.Client {
	rawURL = strings.Trim(rawURL, "\"' ")
	if rawURL == "" || !strings.Contains(rawURL, "http") {
		slog.Info("WEAVIATE_SERVICE_URL not set or empty. Running without the historical fix cache.")
		return nil
	}

	parsedURL, err := url.Parse(rawURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		slog.Warn("WEAVIATE_SERVICE_URL is invalid. Running without the historical fix cache.",
			"url", rawURL, "error", err)
		return nil
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsedURL.Host,
		Scheme: parsedURL.Scheme,
	})
	if err != nil {
		slog.Error("Failed to create Weaviate client", "error", err)
		return nil
	}
	datatypes.EnsureWeaviateSchema(client)
	return client
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	settings, err := config.Load()
	if err != nil {
		log.Fatalf("FATAL: invalid configuration: %v", err)
	}

	cleanup, err := initTracer(settings.ServiceName)
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	metrics := observability.InitMetrics()

	sessionStore, err := store.NewSQLiteStore(settings.DatabasePath)
	if err != nil {
		log.Fatalf("FATAL: could not open the session store: %v", err)
	}
	defer sessionStore.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	queueBackend, err := queue.NewBackend(ctx, queue.Options{
		Kind:        settings.QueueBackend,
		QueueName:   settings.QueueName,
		AMQPURL:     settings.AMQPURL,
		SQSQueueURL: settings.SQSQueueURL,
		AWSRegion:   settings.AWSRegion,
	})
	if err != nil {
		log.Fatalf("FATAL: could not initialize the %s queue backend: %v", settings.QueueBackend, err)
	}
	defer queueBackend.Close()

	// Optional collaborators. Each may be absent in minimal deployments.
	var fixCache fixcache.Cache
	var confirmedRecorder retry.ConfirmedFixRecorder
	if weaviateClient := newWeaviateClient(settings.WeaviateURL); weaviateClient != nil {
		embedder, err := embedding.New(settings.EmbedderKind, settings.OpenAIAPIKey, settings.EmbeddingModel)
		if err != nil {
			log.Fatalf("FATAL: could not initialize the %s embedder: %v", settings.EmbedderKind, err)
		}
		cache := fixcache.NewWeaviateCache(weaviateClient, embedder, sessionStore)
		fixCache = cache
		confirmedRecorder = cache
		slog.Info("historical fix cache enabled", "embedder", settings.EmbedderKind)
	}

	var analyzer collab.Analyzer
	if settings.AgentURL != "" {
		analyzer = collab.NewAgentClient(settings.AgentURL, settings.AnalysisTimeout)
		slog.Info("analysis agent enabled", "url", settings.AgentURL)
	} else {
		slog.Warn("AGENT_SERVICE_URL not set. Sessions will be recorded for manual follow-up only.")
	}

	var repo collab.RepoClient
	if settings.GitlabToken != "" {
		repo = collab.NewGitLabClient(settings.GitlabURL, settings.GitlabToken)
		slog.Info("repository host enabled", "url", settings.GitlabURL)
	} else {
		slog.Warn("GITLAB_TOKEN not set. Fix branches and merge requests are disabled.")
	}

	fileCache, err := filecache.Open(settings.FileCachePath, settings.SessionTTL)
	if err != nil {
		log.Fatalf("FATAL: could not open the file cache: %v", err)
	}
	defer fileCache.Close()

	retryController := &retry.Controller{
		Store:       sessionStore,
		Cache:       confirmedRecorder,
		MaxAttempts: settings.MaxFixAttempts,
	}

	router := &events.Router{
		Store:      sessionStore,
		Queue:      queueBackend,
		Resolver:   retryController,
		SessionTTL: settings.SessionTTL,
	}

	pool := &worker.Pool{
		Queue:           queueBackend,
		Store:           sessionStore,
		Retry:           retryController,
		Analyzer:        analyzer,
		Repo:            repo,
		Cache:           fixCache,
		Files:           fileCache,
		Metrics:         metrics,
		Count:           settings.WorkerCount,
		AnalysisTimeout: settings.AnalysisTimeout,
	}
	go func() {
		if err := pool.Run(ctx); err != nil {
			slog.Error("analysis worker pool exited", "error", err)
		}
	}()

	sweeper := ttl.NewScheduler(sessionStore, settings.TTLSweepInterval, metrics)
	if err := sweeper.Start(ctx); err != nil {
		log.Fatalf("FATAL: could not start the session expiry sweeper: %v", err)
	}
	defer sweeper.Stop()

	engine := gin.Default()
	engine.Use(otelgin.Middleware(settings.ServiceName))

	routes.SetupRoutes(engine, routes.Deps{
		ServiceName:     settings.ServiceName,
		Store:           sessionStore,
		Router:          router,
		Retry:           retryController,
		Repo:            repo,
		FileCache:       fileCache,
		Metrics:         metrics,
		AuthEnabled:     settings.WebhookAuthEnabled,
		GitlabSecret:    settings.GitlabSecret,
		SonarqubeSecret: settings.SonarqubeSecret,
		HasAnalyzer:     analyzer != nil,
		HasRepo:         repo != nil,
		HasFixCache:     fixCache != nil,
	})

	server := &http.Server{Addr: ":" + settings.Port, Handler: engine}
	go func() {
		slog.Info("starting the remediation server", "port", settings.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown failed", "error", err)
	}
}
