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

	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"

	"github.com/AleutianAI/HearthRAG/pkg/extensions"
	"github.com/AleutianAI/HearthRAG/services/crossencoder"
	"github.com/AleutianAI/HearthRAG/services/embedding"
	"github.com/AleutianAI/HearthRAG/services/hearth/analysis"
	"github.com/AleutianAI/HearthRAG/services/hearth/datatypes"
	"github.com/AleutianAI/HearthRAG/services/hearth/format"
	"github.com/AleutianAI/HearthRAG/services/hearth/handlers"
	"github.com/AleutianAI/HearthRAG/services/hearth/memory"
	"github.com/AleutianAI/HearthRAG/services/hearth/observability"
	"github.com/AleutianAI/HearthRAG/services/hearth/pipeline"
	"github.com/AleutianAI/HearthRAG/services/hearth/rerank"
	"github.com/AleutianAI/HearthRAG/services/hearth/retrieval"
	"github.com/AleutianAI/HearthRAG/services/hearth/rewrite"
	"github.com/AleutianAI/HearthRAG/services/hearth/routes"
	"github.com/AleutianAI/HearthRAG/services/hearth/scope"
	"github.com/AleutianAI/HearthRAG/services/hearth/store"
	"github.com/AleutianAI/HearthRAG/services/llm"
)

func initTracer() (func(context.Context), error) {
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
		resource.WithAttributes(semconv.ServiceNameKey.String("hearth-bridge")))
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

func newWeaviateClient(ctx context.Context) *weaviate.Client {
	weaviateURL := strings.Trim(os.Getenv("WEAVIATE_SERVICE_URL"), "\"' ")
	if weaviateURL == "" {
		log.Fatal("FATAL: WEAVIATE_SERVICE_URL is required; the bridge cannot retrieve without its index")
	}
	parsedURL, err := url.Parse(weaviateURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		log.Fatalf("FATAL: WEAVIATE_SERVICE_URL %q is not a valid URL: %v", weaviateURL, err)
	}
	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsedURL.Host,
		Scheme: parsedURL.Scheme,
	})
	if err != nil {
		log.Fatalf("FATAL: could not create Weaviate client: %v", err)
	}
	if err := datatypes.VerifyWeaviateSchema(ctx, client); err != nil {
		log.Fatalf("FATAL: Weaviate schema check failed: %v", err)
	}
	return client
}

func getEnvString(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func main() {
	port := getEnvString("HEARTH_PORT", "12310")

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cleanup, err := initTracer()
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Embedding backend: dimension mismatch is fatal by contract ---
	embedCfg := embedding.DefaultConfig()
	embedder, err := embedding.NewClient(embedCfg)
	if err != nil {
		log.Fatalf("FATAL: could not create embedding client: %v", err)
	}
	probeCtx, probeCancel := context.WithTimeout(ctx, 30*time.Second)
	if err := embedding.VerifyDimension(probeCtx, embedder); err != nil {
		probeCancel()
		log.Fatalf("FATAL: embedding backend verification failed: %v", err)
	}
	probeCancel()
	slog.Info("Embedding backend ready", "backend", embedder.Name(), "dimension", embedder.Dimension())

	// --- LLM backend: optional; rewriter and scope detector degrade to
	// rules without it ---
	llmClient, err := llm.NewClientFromEnv()
	if err != nil {
		slog.Warn("LLM client unavailable, running with rule-based fallbacks only", "error", err)
		llmClient = nil
	}

	weaviateClient := newWeaviateClient(ctx)
	entityStore := store.NewWeaviateStore(weaviateClient)

	// --- Language tables ---
	tables, err := analysis.LoadTables(getEnvString("HEARTH_ALIAS_PATH", "configs/aliases.yaml"))
	if err != nil {
		log.Fatalf("FATAL: could not load alias tables: %v", err)
	}
	if err := tables.Watch(ctx); err != nil {
		slog.Warn("Alias table hot reload disabled", "error", err)
	}
	synonyms, err := rewrite.LoadSynonymTable(getEnvString("HEARTH_SYNONYM_PATH", "configs/synonyms.yaml"))
	if err != nil {
		log.Fatalf("FATAL: could not load synonym table: %v", err)
	}

	// --- Conversation memory and async enrichment ---
	memStore := memory.NewStore(memory.DefaultConfig(), nil, memory.NewMirrorFromEnv())
	memStore.StartSweeper()
	enricher := memory.NewEnricher(memory.DefaultEnricherConfig(), memStore, llmClient)
	enricher.Start()

	// --- Pipeline stages ---
	analyzer := analysis.NewAnalyzer(tables)
	rewriter := rewrite.NewRewriter(rewrite.DefaultRewriterConfig(), llmClient, tables)
	detector := scope.NewDetector(scope.DefaultConfig(), llmClient)
	expander := rewrite.NewExpander(rewrite.DefaultExpanderConfig(), synonyms)
	retriever := retrieval.NewRetriever(retrieval.DefaultConfig(embedCfg.Backend), entityStore, embedder)
	var scorer crossencoder.Scorer
	if getEnvString("CROSSENCODER_ENABLED", "true") == "true" {
		scorer = crossencoder.NewClient()
	}
	reranker := rerank.NewReranker(rerank.DefaultConfig(), scorer, memStore, nil)
	formatter := format.NewFormatter(format.DefaultConfig())

	pipeCfg := pipeline.DefaultConfig()
	pipeCfg.AcceptableScore = retrieval.ThresholdsForBackend(embedCfg.Backend).Acceptable
	pipe := pipeline.New(pipeCfg, analyzer, rewriter, detector, expander,
		retriever, reranker, formatter, memStore, enricher)

	metrics := observability.InitMetrics(memStore.Len, enricher.Dropped)
	bridge := &handlers.Bridge{Pipeline: pipe, Metrics: metrics}

	router := gin.Default()
	router.Use(otelgin.Middleware("hearth-bridge"))
	routes.SetupRoutes(router, bridge, extensions.DefaultOptions())

	server := &http.Server{Addr: ":" + port, Handler: router}
	go func() {
		slog.Info("Starting the Hearth bridge", "port", port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown failed", "error", err)
	}
	enricher.Stop(5 * time.Second)
	memStore.Close()
}
