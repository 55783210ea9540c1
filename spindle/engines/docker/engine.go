// Package docker runs every step in its own container. Steps of an
// instance share the workspace through a bind mount, and what they install
// under /usr/local through a volume per image.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"tangled.org/spindle/log"
	"tangled.org/spindle/spindle/config"
	"tangled.org/spindle/spindle/engine"
	"tangled.org/spindle/spindle/models"
	"tangled.org/spindle/spindle/workspace"
	"tangled.org/spindle/workflow"
)

const (
	workspaceDir = "/workspace"
	// where pip, npm and friends install into official images
	toolsDir = "/usr/local"
)

// Client is the part of the docker API the engine uses.
type Client interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error)
	NetworkConnect(ctx context.Context, networkID, containerID string, config *network.EndpointSettings) error
	NetworkRemove(ctx context.Context, networkID string) error
	VolumeCreate(ctx context.Context, options volume.CreateOptions) (volume.Volume, error)
	VolumeRemove(ctx context.Context, volumeID string, force bool) error
}

type cleanupFunc func(context.Context) error

type Engine struct {
	docker Client
	l      *slog.Logger
	cfg    *config.Config

	// repository checked out by checkout steps
	src string

	cleanupMu sync.Mutex
	cleanup   map[string][]cleanupFunc
}

// instance is the per job state kept in models.Workflow.Data.
type instance struct {
	// host directory mounted at workspaceDir
	dir string
	// image used by run steps, replaced by setup steps
	image string
	// volume mounted at toolsDir, seeded from image
	volume string
}

func New(ctx context.Context, cfg *config.Config, src string) (*Engine, error) {
	dcli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}

	return NewWithClient(ctx, cfg, src, dcli), nil
}

func NewWithClient(ctx context.Context, cfg *config.Config, src string, dcli Client) *Engine {
	l := log.FromContext(ctx).With("component", "docker")

	e := &Engine{
		docker: dcli,
		l:      l,
		cfg:    cfg,
		src:    src,
	}

	e.cleanup = make(map[string][]cleanupFunc)

	return e
}

func (e *Engine) InitWorkflow(job workflow.CompiledJob, tr workflow.TriggerMetadata) (*models.Workflow, error) {
	wf, err := models.BuildWorkflow(job, tr)
	if err != nil {
		return nil, err
	}

	wf.Data = &instance{image: e.cfg.Pipelines.Docker.DefaultImage}
	return wf, nil
}

// SetupWorkflow creates the workspace directory and, when enabled, a
// network shared by the containers of the instance. Both are destroyed at
// the end of the workflow.
func (e *Engine) SetupWorkflow(ctx context.Context, jid models.JobId, wf *models.Workflow) error {
	e.l.Info("setting up workflow", "job", jid)

	inst := wf.Data.(*instance)

	dir, err := workspace.Create(e.cfg.Pipelines.WorkspaceDir, jid)
	if err != nil {
		return err
	}
	inst.dir = dir
	if !e.cfg.Pipelines.KeepWorkspaces {
		e.registerCleanup(jid, func(ctx context.Context) error {
			return workspace.Remove(e.cfg.Pipelines.WorkspaceDir, jid)
		})
	}

	if e.cfg.Pipelines.Docker.Network {
		_, err = e.docker.NetworkCreate(ctx, networkName(jid), network.CreateOptions{
			Driver: "bridge",
		})
		if err != nil {
			return err
		}
		e.registerCleanup(jid, func(ctx context.Context) error {
			return e.docker.NetworkRemove(ctx, networkName(jid))
		})
	}

	return e.useImage(ctx, jid, inst, inst.image)
}

// useImage pulls ref and gives the instance a fresh tools volume for it.
// Docker seeds an empty volume from the image on first mount, so later
// steps see what earlier ones installed.
func (e *Engine) useImage(ctx context.Context, jid models.JobId, inst *instance, ref string) error {
	if err := e.pull(ctx, jid, ref); err != nil {
		return err
	}

	name := toolsVolume(jid, ref)
	_, err := e.docker.VolumeCreate(ctx, volume.CreateOptions{
		Name:   name,
		Driver: "local",
	})
	if err != nil {
		return err
	}
	e.registerCleanup(jid, func(ctx context.Context) error {
		return e.docker.VolumeRemove(ctx, name, true)
	})

	inst.image = ref
	inst.volume = name
	return nil
}

func (e *Engine) pull(ctx context.Context, jid models.JobId, ref string) error {
	reader, err := e.docker.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		e.l.Error("pipeline image pull failed!", "image", ref, "job", jid, "error", err.Error())

		return fmt.Errorf("%w: pulling image %s: %s", engine.ErrEnvironmentUnavailable, ref, err)
	}
	defer reader.Close()

	// the pull only completes once the progress stream is drained
	_, err = io.Copy(io.Discard, reader)
	if err != nil {
		return fmt.Errorf("%w: pulling image %s: %s", engine.ErrEnvironmentUnavailable, ref, err)
	}
	return nil
}

func (e *Engine) RunStep(ctx context.Context, jid models.JobId, w *models.Workflow, idx int, logger *models.JobLogger) error {
	inst := w.Data.(*instance)
	step := w.Steps[idx]

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	switch step.Kind {
	case models.StepKindCheckout:
		return e.checkout(ctx, inst, step, idx, logger)
	case models.StepKindSetup:
		return e.setup(ctx, jid, inst, step, idx, logger)
	}

	envs := engine.ConstructEnvs(w.Environment)
	envs.Merge(step.Environment)
	envs.AddEnv("SPINDLE_WORKSPACE", workspaceDir)
	envs.AddEnv("HOME", workspaceDir)
	e.l.Debug("envs for step", "step", step.Name, "envs", envs.Slice())

	resp, err := e.docker.ContainerCreate(ctx, &container.Config{
		Image:      inst.image,
		Cmd:        step.Shell.Args(step.Script),
		WorkingDir: path.Join(workspaceDir, step.WorkingDirectory),
		Tty:        false,
		Hostname:   "spindle",
		Env:        envs.Slice(),
	}, hostConfig(inst.dir, inst.volume), nil, nil, "")
	if err != nil {
		return fmt.Errorf("creating container: %w", err)
	}
	defer e.DestroyStep(context.WithoutCancel(ctx), resp.ID)

	if e.cfg.Pipelines.Docker.Network {
		err = e.docker.NetworkConnect(ctx, networkName(jid), resp.ID, nil)
		if err != nil {
			return fmt.Errorf("connecting network: %w", err)
		}
	}

	err = e.docker.ContainerStart(ctx, resp.ID, container.StartOptions{})
	if err != nil {
		return err
	}
	e.l.Info("started container", "name", resp.ID, "step", step.Name)

	// start tailing logs in background
	tailDone := make(chan error, 1)
	go func() {
		tailDone <- e.tailStep(ctx, logger, resp.ID, idx)
	}()

	// wait for container completion or cancellation
	waitDone := make(chan struct{})
	var state *container.State
	var waitErr error

	go func() {
		defer close(waitDone)
		state, waitErr = e.WaitStep(ctx, resp.ID)
	}()

	select {
	case <-waitDone:

		// wait for tailing to complete
		<-tailDone

	case <-ctx.Done():
		e.l.Warn("step interrupted; killing container", "container", resp.ID, "step", step.Name)
		err = e.DestroyStep(context.WithoutCancel(ctx), resp.ID)
		if err != nil {
			e.l.Error("failed to destroy step", "container", resp.ID, "error", err)
		}

		// wait for both goroutines to finish
		<-waitDone
		<-tailDone

		return ctx.Err()
	}

	if waitErr != nil {
		return waitErr
	}

	if state.ExitCode != 0 {
		e.l.Error("step failed!", "job", jid.String(), "error", state.Error, "exit_code", state.ExitCode, "oom_killed", state.OOMKilled)
		if state.OOMKilled {
			return engine.ErrOOMKilled
		}
		return &engine.CommandError{ExitCode: state.ExitCode}
	}

	return nil
}

func (e *Engine) checkout(ctx context.Context, inst *instance, step models.Step, idx int, logger *models.JobLogger) error {
	out := logger.DataWriter(idx, "stdout")
	defer out.Flush()

	sha, err := workspace.Checkout(ctx, e.src, inst.dir, step.Checkout)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "checked out %s\n", sha)
	return nil
}

// setup switches the instance to the official image of the requested tool
// version, which the following run steps are executed in.
func (e *Engine) setup(ctx context.Context, jid models.JobId, inst *instance, step models.Step, idx int, logger *models.JobLogger) error {
	out := logger.DataWriter(idx, "stdout")
	defer out.Flush()

	ref := toolImage(step.Tool, step.Version)
	if err := e.useImage(ctx, jid, inst, ref); err != nil {
		return err
	}

	fmt.Fprintf(out, "using image %s\n", ref)
	return nil
}

// image names on docker hub, where they differ from the tool name
var toolImages = map[string]string{
	"go": "golang",
}

func toolImage(tool, version string) string {
	name := tool
	if n, ok := toolImages[tool]; ok {
		name = n
	}

	version = strings.TrimSuffix(strings.TrimSpace(version), ".x")
	if version == "" {
		version = "latest"
	}
	return name + ":" + version
}

func (e *Engine) WaitStep(ctx context.Context, containerID string) (*container.State, error) {
	wait, errCh := e.docker.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return nil, err
		}
	case <-wait:
	}

	e.l.Info("waited for container", "name", containerID)

	info, err := e.docker.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, err
	}

	return info.State, nil
}

func (e *Engine) tailStep(ctx context.Context, logger *models.JobLogger, containerID string, stepIdx int) error {
	if logger == nil {
		return nil
	}

	logs, err := e.docker.ContainerLogs(ctx, containerID, container.LogsOptions{
		Follow:     true,
		ShowStdout: true,
		ShowStderr: true,
		Details:    false,
		Timestamps: false,
	})
	if err != nil {
		return err
	}
	defer logs.Close()

	stdout := logger.DataWriter(stepIdx, "stdout")
	stderr := logger.DataWriter(stepIdx, "stderr")
	defer stdout.Flush()
	defer stderr.Flush()

	_, err = stdcopy.StdCopy(stdout, stderr, logs)
	if err != nil && err != io.EOF && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to copy logs: %w", err)
	}

	return nil
}

func (e *Engine) DestroyStep(ctx context.Context, containerID string) error {
	err := e.docker.ContainerKill(ctx, containerID, "9") // SIGKILL
	if err != nil && !isErrContainerNotFoundOrNotRunning(err) {
		return err
	}

	if err := e.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{
		RemoveVolumes: true,
		RemoveLinks:   false,
		Force:         false,
	}); err != nil && !isErrContainerNotFoundOrNotRunning(err) {
		return err
	}

	return nil
}

func (e *Engine) DestroyWorkflow(ctx context.Context, jid models.JobId) error {
	e.cleanupMu.Lock()
	key := jid.String()

	fns := e.cleanup[key]
	delete(e.cleanup, key)
	e.cleanupMu.Unlock()

	for _, fn := range fns {
		if err := fn(ctx); err != nil {
			e.l.Error("failed to cleanup workflow resource", "job", jid, "error", err)
		}
	}
	return nil
}

func (e *Engine) registerCleanup(jid models.JobId, fn cleanupFunc) {
	e.cleanupMu.Lock()
	defer e.cleanupMu.Unlock()

	key := jid.String()
	e.cleanup[key] = append(e.cleanup[key], fn)
}

func networkName(jid models.JobId) string {
	return fmt.Sprintf("spindle-%s", jid)
}

var imageNameReplacer = strings.NewReplacer(":", "-", "/", "-", "@", "-")

func toolsVolume(jid models.JobId, ref string) string {
	return fmt.Sprintf("tools-%s-%s", jid, imageNameReplacer.Replace(ref))
}

func hostConfig(dir, toolsVolume string) *container.HostConfig {
	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: dir,
				Target: workspaceDir,
			},
			{
				Type:   mount.TypeVolume,
				Source: toolsVolume,
				Target: toolsDir,
			},
			{
				Type:     mount.TypeTmpfs,
				Target:   "/tmp",
				ReadOnly: false,
				TmpfsOptions: &mount.TmpfsOptions{
					Mode: 0o1777, // world-writeable sticky bit
					Options: [][]string{
						{"exec"},
					},
				},
			},
		},
		ReadonlyRootfs: false,
		SecurityOpt:    []string{"no-new-privileges"},
		ExtraHosts:     []string{"host.docker.internal:host-gateway"},
	}

	return hostConfig
}

// thanks woodpecker
func isErrContainerNotFoundOrNotRunning(err error) bool {
	// Error response from daemon: Cannot kill container: ...: No such container: ...
	// Error response from daemon: Cannot kill container: ...: Container ... is not running"
	// Error response from podman daemon: can only kill running containers. ... is in state exited
	// Error: No such container: ...
	return err != nil && (strings.Contains(err.Error(), "No such container") || strings.Contains(err.Error(), "is not running") || strings.Contains(err.Error(), "can only kill running containers"))
}
