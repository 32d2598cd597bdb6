// Copyright (C) 2025 OpenLexica (legal@openlexica.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"log"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/openlexica/ipcounsel/services/counsel/datatypes"
	"github.com/openlexica/ipcounsel/services/counsel/memory"
	"github.com/openlexica/ipcounsel/services/counsel/pipeline"
	"github.com/openlexica/ipcounsel/services/counsel/prompts"
	"github.com/openlexica/ipcounsel/services/counsel/retrieval"
	"github.com/openlexica/ipcounsel/services/counsel/routes"
	"github.com/openlexica/ipcounsel/services/llm"
	"github.com/openlexica/ipcounsel/services/policy"

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

func initTracer() (func(context.Context), error) {
	ctx := context.Background()

	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint == "" {
		otelEndpoint = "ipcounsel-otel-collector:4317"
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
		resource.WithAttributes(semconv.ServiceNameKey.String("counsel-service")))
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

// newWeaviateClient builds a client from WEAVIATE_SERVICE_URL. Returns nil
// when the URL is missing or malformed; the caller decides whether that is
// fatal.
func newWeaviateClient() *weaviate.Client {
	weaviateURL := os.Getenv("WEAVIATE_SERVICE_URL")
	// Trim quotes and whitespace in case the container runtime passes them literally
	weaviateURL = strings.Trim(weaviateURL, "\"' ")

	if weaviateURL == "" || !strings.Contains(weaviateURL, "http") {
		slog.Error("WEAVIATE_SERVICE_URL not set or empty")
		return nil
	}

	parsedURL, err := url.Parse(weaviateURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		slog.Error("WEAVIATE_SERVICE_URL is invalid", "url", weaviateURL, "error", err)
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
	return client
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, reading configuration from the environment")
	}

	port := os.Getenv("COUNSEL_PORT")
	if port == "" {
		port = "7070"
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cleanup, err := initTracer()
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	promptPath := os.Getenv("PROMPT_FILE")
	if promptPath == "" {
		promptPath = "prompts/prompt.txt"
	}
	promptStore, err := prompts.Load(promptPath)
	if err != nil {
		log.Fatalf("FATAL: Could not load the prompt file %s: %v", promptPath, err)
	}
	slog.Info("Loaded prompt templates", "path", promptPath, "blocks", promptStore.Len())

	llmClient, err := llm.NewOpenAIClient()
	if err != nil {
		log.Fatalf("Failed to initialize the completion client: %v", err)
	}
	embedder, err := llm.NewOpenAIEmbedder()
	if err != nil {
		log.Fatalf("Failed to initialize the embedding client: %v", err)
	}

	weaviateClient := newWeaviateClient()
	if weaviateClient == nil {
		log.Fatalf("FATAL: Weaviate is required for the statute partition A index")
	}
	datatypes.EnsureWeaviateSchema(weaviateClient)

	postgresURL := os.Getenv("POSTGRES_URL")
	if postgresURL == "" {
		log.Fatalf("FATAL: POSTGRES_URL is required for the statute partition B index")
	}
	pool, err := retrieval.NewPgvectorPool(context.Background(), postgresURL)
	if err != nil {
		log.Fatalf("FATAL: Could not connect to Postgres: %v", err)
	}
	defer pool.Close()

	sessionID := uuid.New().String()
	mem := memory.NewWithSink(memory.NewWeaviateTurnSink(weaviateClient, sessionID))
	slog.Info("Started a new conversation session", "session_id", sessionID)

	p := pipeline.New(
		promptStore,
		mem,
		retrieval.NewWeaviateRetriever(weaviateClient, embedder),
		retrieval.NewPgvectorRetriever(pool, embedder),
		llmClient,
	)

	policyEngine, err := policy.NewEngine()
	if err != nil {
		log.Fatalf("FATAL: Could not initialize the policy engine: %v", err)
	}

	router := gin.Default()
	router.Use(otelgin.Middleware("counsel-service"))

	routes.SetupRoutes(router, p, policyEngine)

	log.Println("Starting the counsel server on port ", port)
	if err := router.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
