// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the service configuration: defaults, then an
// optional YAML file, then environment overrides, validated as one
// struct before anything starts.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	// Addr is the listen address.
	Addr string `yaml:"addr" validate:"required"`
}

// BackendConfig selects the generative backend.
type BackendConfig struct {
	// Provider is one of "ollama", "openai", "fake".
	Provider string `yaml:"provider" validate:"oneof=ollama openai fake"`

	// Model overrides the provider's default model when set.
	Model string `yaml:"model"`
}

// ExecutorConfig tunes the structured-call executor.
type ExecutorConfig struct {
	MaxAttempts        int     `yaml:"max_attempts" validate:"min=1,max=10"`
	CallTimeoutSeconds int     `yaml:"call_timeout_seconds" validate:"min=1"`
	MaxTokens          int     `yaml:"max_tokens" validate:"min=1"`
	Temperature        float64 `yaml:"temperature" validate:"min=0,max=2"`
}

// SchedulerConfig tunes the derivative fan-out.
type SchedulerConfig struct {
	Workers               int `yaml:"workers" validate:"min=1,max=64"`
	TransientRetries      int `yaml:"transient_retries" validate:"min=0,max=5"`
	PerTaskTimeoutSeconds int `yaml:"per_task_timeout_seconds" validate:"min=1"`
}

// BreakerConfig tunes the backend circuit breaker.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold" validate:"min=1"`
	CoolDownSeconds  int `yaml:"cool_down_seconds" validate:"min=1"`
}

// ValidationConfig tunes the quality pipeline.
type ValidationConfig struct {
	QualityFloor   float64 `yaml:"quality_floor" validate:"min=0,max=1"`
	CoherenceFloor float64 `yaml:"coherence_floor" validate:"min=0,max=1"`
}

// CacheConfig tunes the result cache.
type CacheConfig struct {
	Enabled  bool `yaml:"enabled"`
	Capacity int  `yaml:"capacity" validate:"min=1"`
	TTLHours int  `yaml:"ttl_hours" validate:"min=1"`

	// BadgerPath enables the persistent backend when non-empty.
	BadgerPath string `yaml:"badger_path"`
}

// OrchestratorConfig tunes run-level behavior.
type OrchestratorConfig struct {
	RunTimeoutSeconds int  `yaml:"run_timeout_seconds" validate:"min=1"`
	MinBriefChars     int  `yaml:"min_brief_chars" validate:"min=1"`
	MaxBriefChars     int  `yaml:"max_brief_chars" validate:"min=1"`
	StrictQuality     bool `yaml:"strict_quality"`
}

// TelemetryConfig configures tracing export.
type TelemetryConfig struct {
	// OTLPEndpoint enables OTLP trace export when non-empty,
	// e.g. "localhost:4317".
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Config is the full service configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Backend      BackendConfig      `yaml:"backend"`
	Executor     ExecutorConfig     `yaml:"executor"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Breaker      BreakerConfig      `yaml:"breaker"`
	Validation   ValidationConfig   `yaml:"validation"`
	Cache        CacheConfig        `yaml:"cache"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
}

// Default returns the configuration the service runs with when no file
// or environment overrides are present.
func Default() Config {
	return Config{
		Server:  ServerConfig{Addr: ":8086"},
		Backend: BackendConfig{Provider: "ollama"},
		Executor: ExecutorConfig{
			MaxAttempts:        3,
			CallTimeoutSeconds: 30,
			MaxTokens:          4096,
			Temperature:        0.3,
		},
		Scheduler: SchedulerConfig{
			Workers:               4,
			TransientRetries:      1,
			PerTaskTimeoutSeconds: 90,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			CoolDownSeconds:  30,
		},
		Validation: ValidationConfig{
			QualityFloor:   0.7,
			CoherenceFloor: 0.6,
		},
		Cache: CacheConfig{
			Enabled:  true,
			Capacity: 128,
			TTLHours: 24,
		},
		Orchestrator: OrchestratorConfig{
			RunTimeoutSeconds: 180,
			MinBriefChars:     12,
			MaxBriefChars:     8000,
		},
	}
}

// Load builds the configuration: defaults, the YAML file at path when
// path is non-empty and exists, then environment overrides.
//
// Outputs:
//   - Config: The validated configuration.
//   - error: Non-nil on unreadable/unparsable file or validation failure.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("read config file %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Orchestrator.MaxBriefChars < cfg.Orchestrator.MinBriefChars {
		return Config{}, errors.New("invalid configuration: max_brief_chars below min_brief_chars")
	}
	return cfg, nil
}

// applyEnv overlays COURSEGEN_* environment variables.
func applyEnv(cfg *Config) {
	envString("COURSEGEN_ADDR", &cfg.Server.Addr)
	envString("COURSEGEN_BACKEND", &cfg.Backend.Provider)
	envString("COURSEGEN_MODEL", &cfg.Backend.Model)
	envInt("COURSEGEN_MAX_ATTEMPTS", &cfg.Executor.MaxAttempts)
	envInt("COURSEGEN_WORKERS", &cfg.Scheduler.Workers)
	envBool("COURSEGEN_CACHE_ENABLED", &cfg.Cache.Enabled)
	envString("COURSEGEN_CACHE_PATH", &cfg.Cache.BadgerPath)
	envBool("COURSEGEN_STRICT_QUALITY", &cfg.Orchestrator.StrictQuality)
	envFloat("COURSEGEN_QUALITY_FLOOR", &cfg.Validation.QualityFloor)
	envString("COURSEGEN_OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// CallTimeout returns the executor call timeout as a duration.
func (c ExecutorConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSeconds) * time.Second
}

// PerTaskTimeout returns the per-task timeout as a duration.
func (c SchedulerConfig) PerTaskTimeout() time.Duration {
	return time.Duration(c.PerTaskTimeoutSeconds) * time.Second
}

// CoolDown returns the breaker cool-down as a duration.
func (c BreakerConfig) CoolDown() time.Duration {
	return time.Duration(c.CoolDownSeconds) * time.Second
}

// TTL returns the cache entry lifetime as a duration.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

// RunTimeout returns the orchestration deadline as a duration.
func (c OrchestratorConfig) RunTimeout() time.Duration {
	return time.Duration(c.RunTimeoutSeconds) * time.Second
}
