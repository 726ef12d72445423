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
	"log"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/AleutianDesk/pkg/logging"
	"github.com/AleutianAI/AleutianDesk/services/llm"
	"github.com/AleutianAI/AleutianDesk/services/policy_engine"
	"github.com/AleutianAI/AleutianDesk/services/resolver/audit"
	"github.com/AleutianAI/AleutianDesk/services/resolver/cache"
	"github.com/AleutianAI/AleutianDesk/services/resolver/config"
	"github.com/AleutianAI/AleutianDesk/services/resolver/datatypes"
	"github.com/AleutianAI/AleutianDesk/services/resolver/generation"
	"github.com/AleutianAI/AleutianDesk/services/resolver/handlers"
	"github.com/AleutianAI/AleutianDesk/services/resolver/pipeline"
	"github.com/AleutianAI/AleutianDesk/services/resolver/procedures"
	"github.com/AleutianAI/AleutianDesk/services/resolver/retention"
	"github.com/AleutianAI/AleutianDesk/services/resolver/routes"
	"github.com/AleutianAI/AleutianDesk/services/resolver/stores"

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
		resource.WithAttributes(semconv.ServiceNameKey.String("resolver-service")))
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

// connectWeaviate parses WEAVIATE_SERVICE_URL and returns a client, or
// nil when the URL is absent or unusable. A nil client puts the service
// in lightweight mode: in-memory conversations, static policies, no
// retrieval corpus.
func connectWeaviate() *weaviate.Client {
	weaviateURL := os.Getenv("WEAVIATE_SERVICE_URL")
	// Sanitize: Trim quotes and whitespace just in case Podman passes them literally
	weaviateURL = strings.Trim(weaviateURL, "\"' ")

	if weaviateURL == "" || !strings.Contains(weaviateURL, "http") {
		slog.Info("WEAVIATE_SERVICE_URL not set or empty. Running in lightweight mode.")
		return nil
	}

	parsedURL, err := url.Parse(weaviateURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		slog.Warn("WEAVIATE_SERVICE_URL is invalid. Running in lightweight mode.",
			"url", weaviateURL, "error", err)
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

func buildLLMClient() (llm.LLMClient, error) {
	log.Println("Configuring the LLM Client")
	switch backend := os.Getenv("LLM_BACKEND_TYPE"); backend {
	case "openai":
		slog.Info("Using OpenAI LLM backend")
		return llm.NewOpenAIClient()
	case "ollama":
		slog.Info("Using Ollama LLM backend")
		return llm.NewOllamaClient()
	default:
		slog.Warn("LLM_BACKEND_TYPE not set or invalid, defaulting to ollama",
			"value", backend)
		return llm.NewOllamaClient()
	}
}

func main() {
	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(os.Getenv("LOG_LEVEL")),
		Service: "resolver",
		LogDir:  os.Getenv("LOG_DIR"),
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	cfg, err := config.Load(os.Getenv("RESOLVER_CONFIG_PATH"))
	if err != nil {
		log.Fatalf("FATAL: could not load config: %v", err)
	}
	if port := os.Getenv("RESOLVER_PORT"); port != "" {
		cfg.Server.Port = port
	}

	// --- Init the tracer ---
	cleanup, err := initTracer()
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	weaviateClient := connectWeaviate()

	policyEngine, err := policy_engine.NewPolicyEngine()
	if err != nil {
		log.Fatalf("FATAL: Could not initialize the Policy Engine %v", err)
	}

	llmClient, err := buildLLMClient()
	if err != nil {
		log.Fatalf("Failed to initialize LLM client: %v", err)
	}
	generator := generation.NewAdapter(llmClient, llm.GenerationParams{})

	responseCache, err := cache.Open(cfg.Cache.Dir)
	if err != nil {
		log.Fatalf("Failed to open the response cache: %v", err)
	}
	defer responseCache.Close()

	auditEmitter := audit.NewEmitter(audit.SlogSink{})
	defer auditEmitter.Close()

	deps := pipeline.Deps{
		Evaluator: policyEngine,
		Generator: generator,
		Cache:     responseCache,
		Settings:  stores.NewTenantSettingsStore(),
		Audit:     auditEmitter,
	}

	// Procedures are optional; without a procedure service the stage is
	// skipped entirely.
	if procClient, err := procedures.NewClient(); err != nil {
		slog.Info("Procedure service not configured, procedures disabled")
	} else {
		deps.Procedures = procClient
	}

	var policyCache *stores.WeaviatePolicyStore
	var sweeper *retention.Sweeper
	var conversationLister handlers.ConversationLister

	if weaviateClient != nil {
		policyCache, err = stores.NewWeaviatePolicyStore(weaviateClient, cfg.Policies.CacheTTL)
		if err != nil {
			log.Fatalf("Failed to create the policy store: %v", err)
		}
		deps.Policies = policyCache

		retriever, err := stores.NewKnowledgeRetriever(weaviateClient)
		if err != nil {
			log.Fatalf("Failed to create the retriever: %v", err)
		}
		deps.Retriever = retriever

		conversations, err := stores.NewWeaviateConversationStore(weaviateClient)
		if err != nil {
			log.Fatalf("Failed to create the conversation store: %v", err)
		}
		deps.Conversations = conversations
		conversationLister = conversations

		if cfg.Retention.Enabled {
			retentionStore, err := retention.NewWeaviateStore(weaviateClient)
			if err != nil {
				log.Fatalf("Failed to create the retention store: %v", err)
			}
			sweeper = retention.NewSweeper(retentionStore, retention.SweeperConfig{
				Interval:        cfg.Retention.Interval,
				RetentionPeriod: cfg.Retention.Period,
				BatchSize:       cfg.Retention.BatchSize,
			})
		}
	} else {
		// Lightweight mode: everything that would live in Weaviate runs
		// from process memory. Useful for local development and CI.
		deps.Policies = stores.NewStaticPolicyStore()
		deps.Retriever = stores.EmptyRetriever{}
		memStore := stores.NewInMemoryConversationStore()
		deps.Conversations = memStore
		conversationLister = memStore
	}

	resolver, err := pipeline.NewPipeline(deps, pipeline.Config{
		TopK:         cfg.Pipeline.TopK,
		HistoryLimit: cfg.Pipeline.HistoryLimit,
		CacheTTL:     cfg.Pipeline.CacheTTL,
	})
	if err != nil {
		log.Fatalf("Failed to assemble the resolution pipeline: %v", err)
	}

	if sweeper != nil {
		if err := sweeper.Start(context.Background()); err != nil {
			log.Fatalf("Failed to start the retention sweeper: %v", err)
		}
		defer sweeper.Stop()
	}

	router := gin.Default()
	router.Use(otelgin.Middleware("resolver-service"))

	routeDeps := routes.Deps{
		Resolver:      resolver,
		Conversations: deps.Conversations,
		Lister:        conversationLister,
		Cache:         responseCache,
	}
	if policyCache != nil {
		routeDeps.PolicyCache = policyCache
	}
	routes.SetupRoutes(router, routeDeps)

	log.Println("Starting the resolver server on port ", cfg.Server.Port)
	if err := router.Run(":" + cfg.Server.Port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
