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
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/CourseForge/pkg/logging"
	"github.com/AleutianAI/CourseForge/services/coursegen/cache"
	"github.com/AleutianAI/CourseForge/services/coursegen/config"
	"github.com/AleutianAI/CourseForge/services/coursegen/executor"
	"github.com/AleutianAI/CourseForge/services/coursegen/fanout"
	"github.com/AleutianAI/CourseForge/services/coursegen/llm"
	"github.com/AleutianAI/CourseForge/services/coursegen/observability"
	"github.com/AleutianAI/CourseForge/services/coursegen/orchestrator"
	"github.com/AleutianAI/CourseForge/services/coursegen/shapes"
	"github.com/AleutianAI/CourseForge/services/coursegen/validation"
)

func initTracer(endpoint string) (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("coursegen-service")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

func newBackend(cfg config.BackendConfig) (llm.Client, error) {
	switch cfg.Provider {
	case "openai":
		return llm.NewOpenAIClient(cfg.Model)
	case "fake":
		return llm.NewFakeClient(), nil
	default:
		return llm.NewOllamaClient(cfg.Model)
	}
}

func main() {
	cfg, err := config.Load(os.Getenv("COURSEGEN_CONFIG"))
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(os.Getenv("COURSEGEN_LOG_LEVEL")),
		Service: "coursegen",
		JSON:    true,
		LogDir:  os.Getenv("COURSEGEN_LOG_DIR"),
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	if cfg.Telemetry.OTLPEndpoint != "" {
		cleanup, err := initTracer(cfg.Telemetry.OTLPEndpoint)
		if err != nil {
			log.Fatalf("FATAL: could not set up the OTLP tracer: %v", err)
		}
		defer cleanup(context.Background())
	}

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	backend, err := newBackend(cfg.Backend)
	if err != nil {
		log.Fatalf("FATAL: could not initialize the %s backend: %v", cfg.Backend.Provider, err)
	}
	slog.Info("generative backend configured", "backend", backend.Name())

	execConfig := executor.DefaultConfig()
	execConfig.MaxAttempts = cfg.Executor.MaxAttempts
	execConfig.CallTimeout = cfg.Executor.CallTimeout()
	execConfig.MaxTokens = cfg.Executor.MaxTokens
	execConfig.Temperature = cfg.Executor.Temperature
	exec, err := executor.New(backend, execConfig, metrics)
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}

	schedConfig := fanout.DefaultSchedulerConfig()
	schedConfig.Workers = cfg.Scheduler.Workers
	schedConfig.TransientRetries = cfg.Scheduler.TransientRetries
	schedConfig.PerTaskTimeout = cfg.Scheduler.PerTaskTimeout()
	breakerConfig := fanout.DefaultBreakerConfig()
	breakerConfig.FailureThreshold = cfg.Breaker.FailureThreshold
	breakerConfig.CoolDown = cfg.Breaker.CoolDown()
	sched, err := fanout.NewScheduler(exec, backend.Name(), schedConfig, breakerConfig, metrics)
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}

	pipeConfig := validation.DefaultConfig()
	pipeConfig.QualityFloor = cfg.Validation.QualityFloor
	pipeConfig.CoherenceFloor = cfg.Validation.CoherenceFloor
	pipeline, err := validation.NewPipeline(pipeConfig, metrics)
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}

	var contentCache *cache.ContentCache
	if cfg.Cache.Enabled {
		var backendStore cache.Backend
		if cfg.Cache.BadgerPath != "" {
			backendStore, err = cache.NewBadgerBackend(cache.BadgerConfig{
				Path:       cfg.Cache.BadgerPath,
				SyncWrites: true,
				Logger:     logger.Slog(),
			})
			if err != nil {
				// Degraded, not fatal: the in-memory layer still works.
				slog.Warn("cache backend unavailable, running in-memory only", "error", err.Error())
				backendStore = nil
			} else {
				defer backendStore.Close()
			}
		}
		cacheConfig := cache.DefaultConfig()
		cacheConfig.Capacity = cfg.Cache.Capacity
		cacheConfig.DefaultTTL = cfg.Cache.TTL()
		contentCache, err = cache.New(cacheConfig, backendStore, metrics)
		if err != nil {
			log.Fatalf("FATAL: %v", err)
		}
	}

	orchConfig := orchestrator.DefaultConfig()
	orchConfig.RunTimeout = cfg.Orchestrator.RunTimeout()
	orchConfig.MinBriefChars = cfg.Orchestrator.MinBriefChars
	orchConfig.MaxBriefChars = cfg.Orchestrator.MaxBriefChars
	orchConfig.MaxAttempts = cfg.Executor.MaxAttempts
	orchConfig.CacheTTL = cfg.Cache.TTL()
	orchConfig.StrictQuality = cfg.Orchestrator.StrictQuality
	orch, err := orchestrator.New(exec, sched, pipeline, contentCache, orchConfig, metrics)
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}

	router := gin.Default()
	router.Use(otelgin.Middleware("coursegen-service"))
	setupRoutes(router, orch)

	slog.Info("starting coursegen server", "addr", cfg.Server.Addr)
	if err := router.Run(cfg.Server.Addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// generateRequest is the wire form of a generation request.
type generateRequest struct {
	Brief   string   `json:"brief" binding:"required"`
	Shapes  []string `json:"shapes" binding:"required,min=1"`
	Options struct {
		UseCache      *bool   `json:"use_cache"`
		AllowParallel *bool   `json:"allow_parallel"`
		QualityFloor  float64 `json:"quality_floor"`
	} `json:"options"`
}

func setupRoutes(router *gin.Engine, orch *orchestrator.Orchestrator) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/v1/shapes", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"shapes": shapes.AllKinds()})
	})

	router.POST("/v1/generate", func(c *gin.Context) {
		var body generateRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "code": "input_invalid"})
			return
		}

		kinds := make([]shapes.Kind, 0, len(body.Shapes))
		for _, s := range body.Shapes {
			k, err := shapes.ParseKind(s)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "input_invalid"})
				return
			}
			kinds = append(kinds, k)
		}

		// Cache and parallel fan-out default on.
		opts := orchestrator.Options{
			UseCache:      body.Options.UseCache == nil || *body.Options.UseCache,
			AllowParallel: body.Options.AllowParallel == nil || *body.Options.AllowParallel,
			QualityFloor:  body.Options.QualityFloor,
		}

		result, err := orch.Run(c.Request.Context(), orchestrator.GenerationRequest{
			Brief:   body.Brief,
			Shapes:  kinds,
			Options: opts,
		})
		if err != nil {
			status, code := statusForError(err)
			// Generic message outward; the code is the operator's handle.
			c.JSON(status, gin.H{"error": "generation failed", "code": code})
			return
		}
		c.JSON(http.StatusOK, result)
	})
}

// statusForError maps the run-level error taxonomy onto HTTP statuses.
func statusForError(err error) (int, string) {
	var se *orchestrator.StageError
	if !errors.As(err, &se) {
		return http.StatusInternalServerError, "internal"
	}
	switch se.Kind {
	case orchestrator.KindInputInvalid:
		return http.StatusBadRequest, string(se.Kind)
	case orchestrator.KindTimeout:
		return http.StatusGatewayTimeout, string(se.Kind)
	case orchestrator.KindDependencyUnavailable:
		return http.StatusServiceUnavailable, string(se.Kind)
	case orchestrator.KindQualityBelowFloor:
		return http.StatusUnprocessableEntity, string(se.Kind)
	default:
		return http.StatusBadGateway, string(se.Kind)
	}
}
