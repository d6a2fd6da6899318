// Copyright (C) 2025 Aitwin Labs (eng@aitwinlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 12310, cfg.Server.Port)
	assert.Equal(t, 10, cfg.Router.IterationLimit)
	assert.Equal(t, "openai", cfg.LLM.Provider)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Empty(t, cfg.Auth.Token)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
router:
  iterationLimit: 5
  stageTimeoutSeconds: 30
llm:
  provider: langchain
  model: llama3
  baseUrl: http://localhost:11434/v1
logging:
  level: debug
  json: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Router.IterationLimit)
	assert.Equal(t, "langchain", cfg.LLM.Provider)
	assert.Equal(t, "llama3", cfg.LLM.Model)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.JSON)

	// Untouched sections keep their defaults.
	assert.Equal(t, "~/.aitwin/threads", cfg.Store.Path)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
`)
	t.Setenv("AITWIN_PORT", "9100")
	t.Setenv("AITWIN_API_TOKEN", "env-token")
	t.Setenv("AITWIN_LLM_MODEL", "env-model")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "env-token", cfg.Auth.Token)
	assert.Equal(t, "env-model", cfg.LLM.Model)
}

func TestLoad_ValidationFailures(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad port", "server:\n  port: 70000"},
		{"bad provider", "llm:\n  provider: mystery\n  model: m"},
		{"empty model", "llm:\n  provider: openai\n  model: \"\""},
		{"bad level", "logging:\n  level: loud"},
		{"zero iteration limit", "router:\n  iterationLimit: 0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoad_MalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "server: ["))
	assert.Error(t, err)
}

func TestRouterConfig_Build(t *testing.T) {
	rc := RouterConfig{
		IterationLimit:      7,
		StageTimeoutSeconds: 45,
		MaxRetries:          3,
		RetryBackoffMillis:  250,
	}
	built := rc.Build()

	assert.Equal(t, 7, built.IterationLimit)
	assert.Equal(t, 45*time.Second, built.StageTimeout)
	assert.Equal(t, 3, built.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, built.RetryBackoff)
}

func TestLLMConfig_APIKey(t *testing.T) {
	t.Setenv("TEST_LLM_KEY", "sk-test")

	assert.Equal(t, "sk-test", LLMConfig{APIKeyEnv: "TEST_LLM_KEY"}.APIKey())
	assert.Empty(t, LLMConfig{}.APIKey())
}
