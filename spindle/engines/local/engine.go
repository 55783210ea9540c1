// Package local runs steps as subprocesses on the host.
package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"tangled.org/spindle/log"
	"tangled.org/spindle/spindle/config"
	"tangled.org/spindle/spindle/engine"
	"tangled.org/spindle/spindle/models"
	"tangled.org/spindle/spindle/workspace"
	"tangled.org/spindle/workflow"
)

// grace period for output pipes after the process was killed
const waitDelay = 5 * time.Second

type Engine struct {
	l   *slog.Logger
	cfg *config.Config

	// repository checked out by checkout steps
	src string
	// run in src instead of a fresh clone
	inPlace bool

	mu        sync.Mutex
	instances map[string]*instance
}

type instance struct {
	dir string
	bin string
}

type Option func(*Engine)

// InPlace makes every instance run directly in the source repository.
// Checkout steps become no-ops.
func InPlace() Option {
	return func(e *Engine) {
		e.inPlace = true
	}
}

func New(ctx context.Context, cfg *config.Config, src string, opts ...Option) (*Engine, error) {
	abs, err := filepath.Abs(src)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		l:         log.FromContext(ctx).With("component", "local"),
		cfg:       cfg,
		src:       abs,
		instances: make(map[string]*instance),
	}
	for _, o := range opts {
		o(e)
	}

	return e, nil
}

func (e *Engine) InitWorkflow(job workflow.CompiledJob, tr workflow.TriggerMetadata) (*models.Workflow, error) {
	return models.BuildWorkflow(job, tr)
}

// SetupWorkflow creates the workspace and the directory provisioned tools
// are linked into.
func (e *Engine) SetupWorkflow(ctx context.Context, jid models.JobId, wf *models.Workflow) error {
	e.l.Info("setting up workflow", "job", jid)

	inst := &instance{dir: e.src}
	if !e.inPlace {
		dir, err := workspace.Create(e.workspaceDir(), jid)
		if err != nil {
			return err
		}
		inst.dir = dir
	}

	bin, err := os.MkdirTemp("", "spindle-bin-")
	if err != nil {
		return fmt.Errorf("creating tool directory: %w", err)
	}
	inst.bin = bin

	e.mu.Lock()
	e.instances[jid.String()] = inst
	e.mu.Unlock()

	wf.Data = inst
	return nil
}

func (e *Engine) DestroyWorkflow(ctx context.Context, jid models.JobId) error {
	e.mu.Lock()
	inst, ok := e.instances[jid.String()]
	delete(e.instances, jid.String())
	e.mu.Unlock()

	if !ok {
		return nil
	}

	var errs []error
	errs = append(errs, os.RemoveAll(inst.bin))
	if !e.inPlace && !e.cfg.Pipelines.KeepWorkspaces {
		errs = append(errs, workspace.Remove(e.workspaceDir(), jid))
	}
	return errors.Join(errs...)
}

func (e *Engine) RunStep(ctx context.Context, jid models.JobId, wf *models.Workflow, idx int, logger *models.JobLogger) error {
	inst, ok := wf.Data.(*instance)
	if !ok {
		return fmt.Errorf("workflow %s was not set up", jid)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	step := wf.Steps[idx]
	switch step.Kind {
	case models.StepKindCheckout:
		return e.checkout(ctx, inst, step, idx, logger)
	case models.StepKindSetup:
		return e.setup(ctx, inst, step, idx, logger)
	}
	return e.run(ctx, inst, wf, step, idx, logger)
}

func (e *Engine) workspaceDir() string {
	return e.cfg.Pipelines.WorkspaceDir
}

func (e *Engine) checkout(ctx context.Context, inst *instance, step models.Step, idx int, logger *models.JobLogger) error {
	out := logger.DataWriter(idx, "stdout")
	defer out.Flush()

	if e.inPlace {
		fmt.Fprintf(out, "using %s in place\n", e.src)
		return nil
	}

	sha, err := workspace.Checkout(ctx, e.src, inst.dir, step.Checkout)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "checked out %s\n", sha)
	return nil
}

func (e *Engine) run(ctx context.Context, inst *instance, wf *models.Workflow, step models.Step, idx int, logger *models.JobLogger) error {
	dir := inst.dir
	if step.WorkingDirectory != "" {
		var err error
		dir, err = securejoin.SecureJoin(inst.dir, step.WorkingDirectory)
		if err != nil {
			return err
		}
	}

	envs := engine.EnvVars(os.Environ())
	envs.Merge(wf.Environment, step.Environment)
	envs.AddEnv("SPINDLE_WORKSPACE", inst.dir)
	envs.AddEnv("PATH", inst.bin+string(os.PathListSeparator)+os.Getenv("PATH"))

	args := step.Shell.Args(step.Script)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = dir
	cmd.Env = envs.Slice()
	cmd.WaitDelay = waitDelay
	killProcessGroup(cmd)

	stdout := logger.DataWriter(idx, "stdout")
	stderr := logger.DataWriter(idx, "stderr")
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	e.l.Debug("running step", "step", step.Name, "commands", len(step.Commands), "dir", dir)

	err := cmd.Run()
	stdout.Flush()
	stderr.Flush()

	if ctx.Err() != nil {
		return ctx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &engine.CommandError{ExitCode: exitErr.ExitCode()}
	}
	return err
}
