// Copyright (C) 2025 Aitwin Labs (eng@aitwinlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the orchestrator configuration.
//
// Configuration is a YAML file with environment variable overrides on
// top: the file describes the deployment, the environment carries the
// per-host bits (port, endpoints, secrets). Secrets themselves never
// live in the file; the file names the environment variable that holds
// them.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/aitwin-labs/aitwin/pkg/logging"
	"github.com/aitwin-labs/aitwin/services/router"
)

// Config is the full orchestrator configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Router    RouterConfig    `yaml:"router"`
	LLM       LLMConfig       `yaml:"llm"`
	Store     StoreConfig     `yaml:"store"`
	Profile   ProfileConfig   `yaml:"profile"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rateLimit"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port                 int `yaml:"port" validate:"min=1,max=65535"`
	ReadTimeoutSeconds   int `yaml:"readTimeoutSeconds" validate:"min=1"`
	ShutdownGraceSeconds int `yaml:"shutdownGraceSeconds" validate:"min=1"`
}

// RouterConfig controls the conversation pipeline.
type RouterConfig struct {
	IterationLimit      int `yaml:"iterationLimit" validate:"min=1"`
	StageTimeoutSeconds int `yaml:"stageTimeoutSeconds" validate:"min=1"`
	MaxRetries          int `yaml:"maxRetries" validate:"min=0"`
	RetryBackoffMillis  int `yaml:"retryBackoffMillis" validate:"min=0"`
}

// Build converts to the router package's config type.
func (c RouterConfig) Build() router.Config {
	return router.Config{
		IterationLimit: c.IterationLimit,
		StageTimeout:   time.Duration(c.StageTimeoutSeconds) * time.Second,
		MaxRetries:     c.MaxRetries,
		RetryBackoff:   time.Duration(c.RetryBackoffMillis) * time.Millisecond,
	}
}

// LLMConfig selects and parameterizes the model backend.
type LLMConfig struct {
	// Provider selects the client implementation.
	Provider string `yaml:"provider" validate:"oneof=openai langchain"`

	Model string `yaml:"model" validate:"required"`

	// BaseURL points at an OpenAI-compatible endpoint. Empty means the
	// provider's default.
	BaseURL string `yaml:"baseUrl" validate:"omitempty,url"`

	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"apiKeyEnv"`
}

// APIKey reads the configured key from the environment.
func (c LLMConfig) APIKey() string {
	if c.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.APIKeyEnv)
}

// StoreConfig controls the checkpoint store.
type StoreConfig struct {
	Path       string `yaml:"path"`
	InMemory   bool   `yaml:"inMemory"`
	SyncWrites bool   `yaml:"syncWrites"`
}

// ProfileConfig points at the portfolio profile entries file.
type ProfileConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// AuthConfig controls API authentication. An empty token means the
// no-op provider of a local single-user deployment.
type AuthConfig struct {
	Token string `yaml:"token"`
}

// RateLimitConfig controls per-principal request limiting. Zero RPS
// disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requestsPerSecond" validate:"min=0"`
	Burst             int     `yaml:"burst" validate:"min=0"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// LogLevel maps the configured level string onto the logging package.
func (c LoggingConfig) LogLevel() logging.Level {
	switch c.Level {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

// TelemetryConfig controls trace export. An empty endpoint with Stdout
// false disables export entirely.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC endpoint of an OTLP collector.
	OTLPEndpoint string `yaml:"otlpEndpoint"`

	// Stdout enables the stdout span exporter, for development.
	Stdout bool `yaml:"stdout"`
}

// Default returns the configuration of a local development deployment.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:                 12310,
			ReadTimeoutSeconds:   30,
			ShutdownGraceSeconds: 10,
		},
		Router: RouterConfig{
			IterationLimit:      10,
			StageTimeoutSeconds: 60,
			MaxRetries:          2,
			RetryBackoffMillis:  500,
		},
		LLM: LLMConfig{
			Provider:  "openai",
			Model:     "gpt-4o-mini",
			APIKeyEnv: "OPENAI_API_KEY",
		},
		Store: StoreConfig{
			Path: "~/.aitwin/threads",
		},
		Profile: ProfileConfig{
			Path: "profile.yaml",
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 5,
			Burst:             10,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the YAML file at path (when non-empty), applies environment
// overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// applyEnv layers environment overrides onto the file values.
func applyEnv(cfg *Config) {
	if v := os.Getenv("AITWIN_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("AITWIN_API_TOKEN"); v != "" {
		cfg.Auth.Token = v
	}
	if v := os.Getenv("AITWIN_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("AITWIN_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("AITWIN_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("AITWIN_PROFILE_PATH"); v != "" {
		cfg.Profile.Path = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
}
