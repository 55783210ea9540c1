package models

import (
	"time"

	"tangled.org/spindle/workflow"
)

type StepResult struct {
	Name       string     `json:"name"`
	Status     StatusKind `json:"status"`
	Error      string     `json:"error,omitempty"`
	ExitCode   int        `json:"exit_code,omitempty"`
	Attempts   int        `json:"attempts,omitempty"`
	StartedAt  time.Time  `json:"started_at,omitzero"`
	FinishedAt time.Time  `json:"finished_at,omitzero"`
}

type JobResult struct {
	Id         JobId                `json:"-"`
	Name       string               `json:"name"`
	Workflow   string               `json:"workflow"`
	Matrix     workflow.Combination `json:"matrix,omitempty"`
	Status     StatusKind           `json:"status"`
	Error      string               `json:"error,omitempty"`
	Steps      []StepResult         `json:"steps"`
	StartedAt  time.Time            `json:"started_at,omitzero"`
	FinishedAt time.Time            `json:"finished_at,omitzero"`
}

func (j JobResult) Duration() time.Duration {
	if j.StartedAt.IsZero() || j.FinishedAt.IsZero() {
		return 0
	}
	return j.FinishedAt.Sub(j.StartedAt)
}

// NewJobResult creates the pending result of a job instance, with every
// step pending.
func NewJobResult(jid JobId, job workflow.CompiledJob) JobResult {
	jr := JobResult{
		Id:       jid,
		Name:     job.Name,
		Workflow: job.Workflow,
		Matrix:   job.Matrix,
		Status:   StatusKindPending,
		Steps:    make([]StepResult, len(job.Steps)),
	}
	for i, s := range job.Steps {
		jr.Steps[i] = StepResult{Name: s.Name, Status: StatusKindPending}
	}
	return jr
}

// Finalize settles a job that was interrupted: the job becomes cancelled
// unless it already finished, a running step is cancelled and steps that
// never ran are skipped. Finished jobs are left untouched.
func (j *JobResult) Finalize(now time.Time) {
	if j.Status.IsFinish() {
		return
	}

	j.Status = StatusKindCancelled
	if j.FinishedAt.IsZero() {
		j.FinishedAt = now
	}
	for i := range j.Steps {
		switch j.Steps[i].Status {
		case StatusKindRunning:
			j.Steps[i].Status = StatusKindCancelled
			j.Steps[i].FinishedAt = now
		case StatusKindPending:
			j.Steps[i].Status = StatusKindSkipped
		}
	}
}

// SkipRemaining marks every step after idx as skipped.
func (j *JobResult) SkipRemaining(idx int) {
	for i := idx + 1; i < len(j.Steps); i++ {
		j.Steps[i].Status = StatusKindSkipped
	}
}

type RunResult struct {
	Pipeline   PipelineId               `json:"pipeline"`
	Trigger    workflow.TriggerMetadata `json:"trigger"`
	Status     StatusKind               `json:"status"`
	Jobs       []JobResult              `json:"jobs"`
	StartedAt  time.Time                `json:"started_at"`
	FinishedAt time.Time                `json:"finished_at"`
}

func (r RunResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Aggregate folds the status of every job instance into the status of the
// run: failed if any instance failed, otherwise cancelled if any instance
// did not finish, otherwise success. No jobs is a vacuous success.
func Aggregate(jobs []JobResult) StatusKind {
	status := StatusKindSuccess
	for _, j := range jobs {
		switch {
		case j.Status.IsFailed():
			return StatusKindFailed
		case j.Status != StatusKindSuccess:
			status = StatusKindCancelled
		}
	}
	return status
}
