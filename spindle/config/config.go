package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
	"tangled.org/spindle/telemetry"
)

type Server struct {
	ListenAddr string `env:"LISTEN_ADDR, default=127.0.0.1:6555"`
	DBPath     string `env:"DB_PATH, default=.spindle/spindle.db"`
	// directory of the repository whose workflows are run on trigger
	RepoDir   string `env:"REPO_DIR, default=."`
	QueueSize int    `env:"QUEUE_SIZE, default=100"`
	Workers   int    `env:"WORKERS, default=2"`
	Dev       bool   `env:"DEV, default=false"`
	// bearer token of the secrets api, which is disabled when empty
	AdminToken string `env:"ADMIN_TOKEN"`
	// none, stdout or otlp
	Telemetry string `env:"TELEMETRY, default=none"`
}

const (
	EngineLocal  = "local"
	EngineDocker = "docker"
)

type Pipelines struct {
	Engine       string        `env:"ENGINE, default=local"`
	WorkflowDirs []string      `env:"WORKFLOW_DIRS, default=.tangled/workflows,.github/workflows"`
	LogDir       string        `env:"LOG_DIR, default=.spindle/logs"`
	WorkspaceDir string        `env:"WORKSPACE_DIR, default=.spindle/workspaces"`
	MaxParallel  int           `env:"MAX_PARALLEL, default=4"`
	StepTimeout  time.Duration `env:"STEP_TIMEOUT, default=30m"`

	// retries for setup steps failing with an unavailable environment,
	// zero disables retrying
	SetupRetries    uint          `env:"SETUP_RETRIES, default=0"`
	SetupRetryDelay time.Duration `env:"SETUP_RETRY_DELAY, default=2s"`

	KeepWorkspaces bool   `env:"KEEP_WORKSPACES, default=false"`
	Docker         Docker `env:",prefix=DOCKER_"`
}

type Docker struct {
	DefaultImage string `env:"DEFAULT_IMAGE, default=debian:bookworm-slim"`
	Network      bool   `env:"NETWORK, default=true"`
}

type Config struct {
	Server    Server    `env:",prefix=SPINDLE_SERVER_"`
	Pipelines Pipelines `env:",prefix=SPINDLE_PIPELINES_"`
}

func Load(ctx context.Context) (*Config, error) {
	return LoadWith(ctx, envconfig.OsLookuper())
}

func LoadWith(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: l,
	})
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Pipelines.Engine {
	case EngineLocal, EngineDocker:
	default:
		return fmt.Errorf("unknown engine %q, expected %q or %q", c.Pipelines.Engine, EngineLocal, EngineDocker)
	}

	if c.Pipelines.MaxParallel < 1 {
		return fmt.Errorf("max parallel must be at least 1, got %d", c.Pipelines.MaxParallel)
	}

	if c.Pipelines.StepTimeout < 0 {
		return fmt.Errorf("step timeout cannot be negative")
	}

	if c.Server.Telemetry == "" {
		c.Server.Telemetry = string(telemetry.ExporterNone)
	}
	if !telemetry.Exporter(c.Server.Telemetry).Valid() {
		return fmt.Errorf("unknown telemetry exporter %q", c.Server.Telemetry)
	}

	if c.Server.Workers < 1 {
		return fmt.Errorf("server workers must be at least 1, got %d", c.Server.Workers)
	}

	return nil
}
