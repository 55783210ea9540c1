package config

import (
	"context"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWith(context.Background(), envconfig.MapLookuper(map[string]string{}))
	require.NoError(t, err)

	assert.Equal(t, EngineLocal, cfg.Pipelines.Engine)
	assert.Equal(t, []string{".tangled/workflows", ".github/workflows"}, cfg.Pipelines.WorkflowDirs)
	assert.Equal(t, 4, cfg.Pipelines.MaxParallel)
	assert.Equal(t, 30*time.Minute, cfg.Pipelines.StepTimeout)
	assert.Equal(t, uint(0), cfg.Pipelines.SetupRetries)
	assert.Equal(t, "debian:bookworm-slim", cfg.Pipelines.Docker.DefaultImage)
	assert.Equal(t, "127.0.0.1:6555", cfg.Server.ListenAddr)
	assert.Equal(t, "none", cfg.Server.Telemetry)
	assert.Empty(t, cfg.Server.AdminToken)
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := LoadWith(context.Background(), envconfig.MapLookuper(map[string]string{
		"SPINDLE_PIPELINES_ENGINE":        "docker",
		"SPINDLE_PIPELINES_MAX_PARALLEL":  "8",
		"SPINDLE_PIPELINES_STEP_TIMEOUT":  "90s",
		"SPINDLE_PIPELINES_SETUP_RETRIES": "3",
		"SPINDLE_PIPELINES_WORKFLOW_DIRS": "ci",
		"SPINDLE_SERVER_LISTEN_ADDR":      "0.0.0.0:7000",
	}))
	require.NoError(t, err)

	assert.Equal(t, EngineDocker, cfg.Pipelines.Engine)
	assert.Equal(t, 8, cfg.Pipelines.MaxParallel)
	assert.Equal(t, 90*time.Second, cfg.Pipelines.StepTimeout)
	assert.Equal(t, uint(3), cfg.Pipelines.SetupRetries)
	assert.Equal(t, []string{"ci"}, cfg.Pipelines.WorkflowDirs)
	assert.Equal(t, "0.0.0.0:7000", cfg.Server.ListenAddr)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown engine", map[string]string{"SPINDLE_PIPELINES_ENGINE": "podman"}},
		{"zero parallelism", map[string]string{"SPINDLE_PIPELINES_MAX_PARALLEL": "0"}},
		{"bad duration", map[string]string{"SPINDLE_PIPELINES_STEP_TIMEOUT": "soon"}},
		{"unknown telemetry", map[string]string{"SPINDLE_SERVER_TELEMETRY": "jaeger"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadWith(context.Background(), envconfig.MapLookuper(tt.env))
			assert.Error(t, err)
		})
	}
}
