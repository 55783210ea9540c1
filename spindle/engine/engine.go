package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"
	"tangled.org/spindle/log"
	"tangled.org/spindle/notifier"
	"tangled.org/spindle/spindle/config"
	"tangled.org/spindle/spindle/db"
	"tangled.org/spindle/spindle/models"
	"tangled.org/spindle/spindle/queue"
	"tangled.org/spindle/spindle/secrets"
	"tangled.org/spindle/workflow"
)

// Runner executes compiled pipelines on an engine. Job instances run in
// parallel, bounded by MaxParallel; the steps of an instance run in order
// and stop at the first failure.
type Runner struct {
	l   *slog.Logger
	cfg *config.Config
	eng models.Engine

	// both optional
	db *db.DB
	n  *notifier.Notifier

	secrets secrets.Manager
	echo    io.Writer
	inst    *instruments
}

func New(ctx context.Context, cfg *config.Config, eng models.Engine, d *db.DB, n *notifier.Notifier) *Runner {
	l := log.FromContext(ctx).With("component", "runner")

	return &Runner{
		l:    l,
		cfg:  cfg,
		eng:  eng,
		db:   d,
		n:    n,
		inst: defaultInstruments(),
	}
}

// Echo prints step output and status changes to w as they happen.
func (r *Runner) Echo(w io.Writer) {
	r.echo = w
}

// UseSecrets exposes the secrets of m to every job as environment
// variables. Their values are masked in job logs.
func (r *Runner) UseSecrets(m secrets.Manager) {
	r.secrets = m
}

// StartWorkflows runs every job instance of the pipeline and waits for all
// of them. Cancelling ctx stops running steps; the affected instances end
// up cancelled while finished ones keep their status. The error is only
// set when the run could not be recorded at all.
func (r *Runner) StartWorkflows(ctx context.Context, pipeline workflow.CompiledPipeline, pid models.PipelineId) (*models.RunResult, error) {
	l := r.l.With("pipeline", pid.String())

	result := &models.RunResult{
		Pipeline:  pid,
		Trigger:   pipeline.Trigger,
		Status:    models.StatusKindRunning,
		Jobs:      make([]models.JobResult, len(pipeline.Jobs)),
		StartedAt: time.Now(),
	}
	for i, job := range pipeline.Jobs {
		jid := models.JobId{PipelineId: pid, Name: job.Id}
		result.Jobs[i] = models.NewJobResult(jid, job)
	}

	if r.db != nil {
		if err := r.db.CreatePipeline(pid, pipeline.Trigger, len(pipeline.Jobs), r.n); err != nil {
			return nil, fmt.Errorf("recording pipeline: %w", err)
		}
		for _, jr := range result.Jobs {
			if err := r.db.StatusPending(jr.Id, jr.Name, r.n); err != nil {
				l.Error("failed to record status", "job", jr.Id, "error", err)
			}
		}
		if err := r.db.MarkPipelineRunning(pid, r.n); err != nil {
			l.Error("failed to mark pipeline running", "error", err)
		}
	}

	ctx, span := r.inst.startPipeline(ctx, pid, string(pipeline.Trigger.Kind), pipeline.Trigger.Branch(), len(pipeline.Jobs))

	l.Info("starting all workflows in parallel", "jobs", len(pipeline.Jobs), "parallel", r.cfg.Pipelines.MaxParallel)

	q := queue.NewQueue(len(pipeline.Jobs), r.cfg.Pipelines.MaxParallel)
	q.Start()
	for i, job := range pipeline.Jobs {
		jr := &result.Jobs[i]
		q.Enqueue(queue.Job{
			Run: func() error {
				jctx, span := r.inst.startJob(ctx, jr)
				defer r.inst.finishJob(jctx, span, jr)
				return r.runJob(jctx, pipeline.Trigger, job, jr)
			},
			OnFail: func(err error) {
				l.Error("job errored", "job", jr.Id, "error", err)
			},
		})
	}
	q.Stop()

	now := time.Now()
	for i := range result.Jobs {
		result.Jobs[i].Finalize(now)
	}
	result.Status = models.Aggregate(result.Jobs)
	result.FinishedAt = now
	r.inst.finishPipeline(ctx, span, result.Status)

	if r.db != nil {
		if err := r.db.FinishPipeline(pid, result.Status, summary(result.Jobs), r.n); err != nil {
			l.Error("failed to finish pipeline", "error", err)
		}
	}

	switch result.Status {
	case models.StatusKindSuccess:
		l.Info("pipeline success!", "duration", result.Duration())
	case models.StatusKindCancelled:
		l.Warn("pipeline incomplete", "duration", result.Duration())
	default:
		l.Error("pipeline failed!", "error", summary(result.Jobs))
	}

	return result, nil
}

func (r *Runner) runJob(ctx context.Context, tr workflow.TriggerMetadata, job workflow.CompiledJob, jr *models.JobResult) error {
	jid := jr.Id
	l := r.l.With("job", jid.String())

	if ctx.Err() != nil {
		r.cancelJob(jr, "cancelled before start")
		return nil
	}

	jr.Status = models.StatusKindRunning
	jr.StartedAt = time.Now()
	r.record(jr, nil)

	wf, err := r.eng.InitWorkflow(job, tr)
	if err != nil {
		r.failJob(jr, fmt.Errorf("initializing workflow: %w", err))
		return err
	}
	if len(wf.Steps) != len(jr.Steps) {
		jr.Steps = make([]models.StepResult, len(wf.Steps))
		for i, s := range wf.Steps {
			jr.Steps[i] = models.StepResult{Name: s.Name, Status: models.StatusKindPending}
		}
	}

	logger, err := models.NewJobLogger(r.cfg.Pipelines.LogDir, jid)
	if err != nil {
		r.failJob(jr, err)
		return err
	}
	defer logger.Close()
	if r.echo != nil {
		logger.Echo(r.echo, job.Name)
	}

	if err := r.injectSecrets(ctx, wf, logger); err != nil {
		r.failJob(jr, fmt.Errorf("loading secrets: %w", err))
		return err
	}

	jobCtx := ctx
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	defer func() {
		// cleanup must run even when the pipeline was cancelled
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		defer cancel()
		if err := r.eng.DestroyWorkflow(dctx, jid); err != nil {
			l.Error("failed to destroy workflow", "error", err)
		}
	}()

	if err := r.eng.SetupWorkflow(jobCtx, jid, wf); err != nil {
		if ctx.Err() != nil {
			r.cancelJob(jr, ctx.Err().Error())
			return nil
		}
		r.failJob(jr, fmt.Errorf("setting up workflow: %w", err))
		return nil
	}

	for i, step := range wf.Steps {
		sr := &jr.Steps[i]

		if ctx.Err() != nil {
			r.cancelJob(jr, ctx.Err().Error())
			return nil
		}

		sr.Status = models.StatusKindRunning
		sr.StartedAt = time.Now()
		r.control(l, logger, i, step, sr.Status)

		stepCtx, span := r.inst.startStep(jobCtx, step)
		err := r.runStep(stepCtx, l, jid, wf, i, logger, sr)

		sr.FinishedAt = time.Now()
		sr.Status = stepStatus(ctx, err)
		if err != nil {
			sr.Error = err.Error()
			sr.ExitCode = ExitCode(err)
		}
		r.control(l, logger, i, step, sr.Status)
		r.inst.finishStep(span, sr, err)

		switch sr.Status {
		case models.StatusKindSuccess:
			continue
		case models.StatusKindCancelled:
			r.cancelJob(jr, err.Error())
			return nil
		}

		l.Warn("step failed", "step", step.Name, "status", sr.Status, "error", err)
		jr.SkipRemaining(i)
		jr.Status = sr.Status
		jr.Error = fmt.Sprintf("step %q: %s", step.Name, err)
		jr.FinishedAt = time.Now()
		r.record(jr, err)
		return nil
	}

	jr.Status = models.StatusKindSuccess
	jr.FinishedAt = time.Now()
	r.record(jr, nil)
	l.Info("job success!", "duration", jr.Duration())

	return nil
}

func (r *Runner) runStep(ctx context.Context, l *slog.Logger, jid models.JobId, wf *models.Workflow, idx int, logger *models.JobLogger, sr *models.StepResult) error {
	step := wf.Steps[idx]

	timeout := step.Timeout
	if timeout == 0 {
		timeout = r.cfg.Pipelines.StepTimeout
	}

	run := func() error {
		sr.Attempts++

		stepCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		err := r.eng.RunStep(stepCtx, jid, wf, idx, logger)
		if err != nil && !errors.Is(err, ErrTimedOut) && errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", ErrTimedOut, timeout)
		}
		return err
	}

	retries := r.cfg.Pipelines.SetupRetries
	if step.Kind != models.StepKindSetup || retries == 0 {
		return run()
	}

	return retry.Do(
		run,
		retry.Context(ctx),
		retry.Attempts(retries+1),
		retry.Delay(r.cfg.Pipelines.SetupRetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, ErrEnvironmentUnavailable)
		}),
		retry.OnRetry(func(n uint, err error) {
			l.Warn("retrying setup", "step", step.Name, "attempt", n+1, "error", err)
		}),
	)
}

// injectSecrets adds secrets to the workflow environment. Variables set by
// the workflow itself win over secrets of the same name.
func (r *Runner) injectSecrets(ctx context.Context, wf *models.Workflow, logger *models.JobLogger) error {
	if r.secrets == nil {
		return nil
	}

	all, err := r.secrets.GetSecretsUnlocked(ctx)
	if err != nil {
		return err
	}

	if wf.Environment == nil {
		wf.Environment = make(map[string]string)
	}

	logger.Mask(secrets.Inject(wf.Environment, all)...)

	return nil
}

// stepStatus classifies the outcome of a step. Cancellation of the whole
// run takes precedence over whatever the step reported.
func stepStatus(ctx context.Context, err error) models.StatusKind {
	switch {
	case err == nil:
		return models.StatusKindSuccess
	case ctx.Err() != nil, errors.Is(err, ErrCancelled):
		return models.StatusKindCancelled
	case errors.Is(err, ErrTimedOut), errors.Is(err, context.DeadlineExceeded):
		return models.StatusKindTimeout
	}
	return models.StatusKindFailed
}

func (r *Runner) control(l *slog.Logger, logger *models.JobLogger, idx int, step models.Step, status models.StatusKind) {
	if err := logger.Control(idx, step, status); err != nil {
		l.Warn("failed to write control line", "step", step.Name, "error", err)
	}
}

func (r *Runner) failJob(jr *models.JobResult, err error) {
	jr.Status = models.StatusKindFailed
	jr.Error = err.Error()
	jr.FinishedAt = time.Now()
	jr.SkipRemaining(-1)
	r.record(jr, err)
}

func (r *Runner) cancelJob(jr *models.JobResult, reason string) {
	jr.Finalize(time.Now())
	jr.Error = reason
	r.record(jr, nil)
}

// record writes the current status of a job to the store.
func (r *Runner) record(jr *models.JobResult, cause error) {
	if r.db == nil {
		return
	}

	var err error
	switch jr.Status {
	case models.StatusKindRunning:
		err = r.db.StatusRunning(jr.Id, jr.Name, r.n)
	case models.StatusKindSuccess:
		err = r.db.StatusSuccess(jr.Id, jr.Name, r.n)
	case models.StatusKindTimeout:
		err = r.db.StatusTimeout(jr.Id, jr.Name, r.n)
	case models.StatusKindCancelled:
		err = r.db.StatusCancelled(jr.Id, jr.Name, jr.Error, r.n)
	case models.StatusKindFailed:
		err = r.db.StatusFailed(jr.Id, jr.Name, jr.Error, int64(ExitCode(cause)), r.n)
	}
	if err != nil {
		r.l.Error("failed to record status", "job", jr.Id, "status", jr.Status, "error", err)
	}
}

func summary(jobs []models.JobResult) string {
	var failed, cancelled int
	for _, j := range jobs {
		switch {
		case j.Status.IsFailed():
			failed++
		case j.Status == models.StatusKindCancelled:
			cancelled++
		}
	}

	switch {
	case failed > 0:
		return fmt.Sprintf("%d of %d jobs failed", failed, len(jobs))
	case cancelled > 0:
		return fmt.Sprintf("%d of %d jobs cancelled", cancelled, len(jobs))
	}
	return ""
}
