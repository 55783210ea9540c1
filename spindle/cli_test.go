package spindle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"
	"tangled.org/spindle/log"
	"tangled.org/spindle/spindle/config"
	"tangled.org/spindle/spindle/db"
	"tangled.org/spindle/spindle/models"
	"tangled.org/spindle/workflow"
)

// runCLI runs the run command against a repository holding the given
// workflows and returns its exit code.
func runCLI(t *testing.T, workflows map[string]string, args ...string) int {
	t.Helper()

	state := t.TempDir()
	t.Setenv("SPINDLE_SERVER_DB_PATH", filepath.Join(state, "spindle.db"))
	t.Setenv("SPINDLE_PIPELINES_LOG_DIR", filepath.Join(state, "logs"))
	t.Setenv("SPINDLE_PIPELINES_WORKSPACE_DIR", filepath.Join(state, "workspaces"))
	t.Setenv("SPINDLE_PIPELINES_ENGINE", config.EngineLocal)

	repo := t.TempDir()
	dir := filepath.Join(repo, ".tangled", "workflows")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for name, contents := range workflows {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(contents), 0o644))
	}

	cmd := RunCommand()
	cmd.ExitErrHandler = func(context.Context, *cli.Command, error) {}
	cmd.Writer = &bytes.Buffer{}
	cmd.ErrWriter = &bytes.Buffer{}

	ctx := log.IntoContext(context.Background(), log.Discard())
	err := cmd.Run(ctx, append([]string{"run", "--in-place", "--branch", "main"}, append(args, repo)...))

	var exit cli.ExitCoder
	if errors.As(err, &exit) {
		return exit.ExitCode()
	}
	require.NoError(t, err)
	return ExitPassed
}

func TestRunCommandExitCodes(t *testing.T) {
	tests := []struct {
		name     string
		workflow string
		args     []string
		want     int
	}{
		{
			name: "passed",
			workflow: `
on: push
jobs:
  build:
    steps:
      - run: "true"
`,
			want: ExitPassed,
		},
		{
			name: "failed",
			workflow: `
on: push
jobs:
  build:
    steps:
      - run: exit 3
`,
			want: ExitFailed,
		},
		{
			name: "invalid",
			workflow: `
on: push
jobs:
  build:
    steps:
      - uses: actions/unknown@v1
`,
			want: ExitInvalid,
		},
		{
			name: "nothing matched",
			workflow: `
on:
  push:
    branches: [release]
jobs:
  build:
    steps:
      - run: exit 1
`,
			want: ExitPassed,
		},
		{
			name: "step timeout",
			workflow: `
on: push
jobs:
  build:
    steps:
      - run: sleep 5
`,
			args: []string{"--step-timeout", "100ms"},
			want: ExitFailed,
		},
		{
			name: "bad engine",
			workflow: `
on: push
jobs:
  build:
    steps:
      - run: "true"
`,
			args: []string{"--engine", "vm"},
			want: ExitInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := runCLI(t, map[string]string{"ci.yml": tt.workflow}, tt.args...)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTriggerFromFlags(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want workflow.TriggerMetadata
		err  bool
	}{
		{
			name: "push",
			args: []string{"--branch", "main", "--sha", "abc"},
			want: workflow.TriggerMetadata{
				Kind: workflow.TriggerKindPush,
				Push: &workflow.PushTriggerData{Ref: "refs/heads/main", NewSha: "abc"},
			},
		},
		{
			name: "pull request",
			args: []string{"--event", "pull_request", "--branch", "dev", "--sha", "abc"},
			want: workflow.TriggerMetadata{
				Kind: workflow.TriggerKindPullRequest,
				PullRequest: &workflow.PullRequestTriggerData{
					TargetBranch: "dev",
					SourceBranch: "dev",
					SourceSha:    "abc",
					Action:       "opened",
				},
			},
		},
		{
			name: "unknown event",
			args: []string{"--event", "tag", "--branch", "main", "--sha", "abc"},
			err:  true,
		},
		{
			name: "no branch outside a repository",
			args: []string{"--sha", "abc"},
			err:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got workflow.TriggerMetadata
			var err error

			cmd := RunCommand()
			cmd.Action = func(ctx context.Context, c *cli.Command) error {
				got, err = triggerFromFlags(c, t.TempDir())
				return nil
			}
			require.NoError(t, cmd.Run(context.Background(), append([]string{"run"}, tt.args...)))

			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestApplyRunFlags(t *testing.T) {
	apply := func(cfg *config.Config, args ...string) error {
		cmd := RunCommand()
		cmd.Action = func(ctx context.Context, c *cli.Command) error {
			return applyRunFlags(c, cfg)
		}
		return cmd.Run(context.Background(), append([]string{"run"}, args...))
	}
	newConfig := func() *config.Config {
		return &config.Config{
			Server:    config.Server{Workers: 1},
			Pipelines: config.Pipelines{Engine: config.EngineLocal, MaxParallel: 4, StepTimeout: time.Minute},
		}
	}

	cfg := newConfig()
	require.NoError(t, apply(cfg, "--engine", "docker", "--parallel", "2", "--step-timeout", "5s", "--setup-retries", "3"))
	assert.Equal(t, config.EngineDocker, cfg.Pipelines.Engine)
	assert.Equal(t, 2, cfg.Pipelines.MaxParallel)
	assert.Equal(t, 5*time.Second, cfg.Pipelines.StepTimeout)
	assert.Equal(t, uint(3), cfg.Pipelines.SetupRetries)

	cfg = newConfig()
	require.NoError(t, apply(cfg))
	assert.Equal(t, 4, cfg.Pipelines.MaxParallel, "unset flags keep the config")

	assert.Error(t, apply(newConfig(), "--parallel", "0"))
	assert.Error(t, apply(newConfig(), "--engine", "docker", "--in-place"))
}

func TestPrintSummary(t *testing.T) {
	start := time.Now()
	res := &models.RunResult{
		Pipeline: models.PipelineId{Rkey: "p1"},
		Status:   models.StatusKindFailed,
		Jobs: []models.JobResult{
			{Name: "build (3.7)", Status: models.StatusKindSuccess, StartedAt: start, FinishedAt: start.Add(time.Second)},
			{
				Name:   "build (3.8)",
				Status: models.StatusKindFailed,
				Steps: []models.StepResult{
					{Name: "test", Status: models.StatusKindFailed, Error: "exit status 1"},
					{Name: "lint", Status: models.StatusKindSkipped},
				},
			},
		},
		StartedAt:  start,
		FinishedAt: start.Add(2 * time.Second),
	}

	var buf bytes.Buffer
	PrintSummary(&buf, res)

	out := buf.String()
	assert.Contains(t, out, "passed     build (3.7) (1s)")
	assert.Contains(t, out, `step "test" failed: exit status 1`)
	assert.NotContains(t, out, "lint")
	assert.Contains(t, out, "pipeline p1 failed in 2s")
}

func TestPrintLogLine(t *testing.T) {
	step := models.Step{Name: "test"}
	tests := []struct {
		line models.LogLine
		want string
	}{
		{models.NewControlLogLine(0, step, models.StatusKindRunning), "==> test\n"},
		{models.NewDataLogLine(0, "hello", "stdout"), "hello\n"},
		{models.NewControlLogLine(0, step, models.StatusKindSuccess), ""},
		{models.NewControlLogLine(0, step, models.StatusKindFailed), "==> test failed\n"},
	}

	for _, tt := range tests {
		b, err := json.Marshal(tt.line)
		require.NoError(t, err)

		var buf bytes.Buffer
		require.NoError(t, printLogLine(&buf, string(b)))
		assert.Equal(t, tt.want, buf.String())
	}
}

func TestPrintPipelines(t *testing.T) {
	var buf bytes.Buffer
	printPipelines(&buf, nil)
	assert.Equal(t, "no pipelines yet\n", buf.String())

	buf.Reset()
	printPipelines(&buf, []db.Pipeline{{
		Rkey:      "p1",
		Event:     "push",
		Branch:    "main",
		Status:    models.StatusKindFailed,
		Error:     "1 of 2 jobs failed",
		StartedAt: time.Now().Add(-time.Hour),
	}})
	assert.Contains(t, buf.String(), "p1  failed")
	assert.Contains(t, buf.String(), "1 hour ago")
	assert.Contains(t, buf.String(), "1 of 2 jobs failed")
}
