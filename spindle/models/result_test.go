package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tangled.org/spindle/workflow"
)

func jobs(statuses ...StatusKind) []JobResult {
	js := make([]JobResult, len(statuses))
	for i, s := range statuses {
		js[i] = JobResult{Status: s}
	}
	return js
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name string
		jobs []JobResult
		want StatusKind
	}{
		{"all passed", jobs(StatusKindSuccess, StatusKindSuccess, StatusKindSuccess), StatusKindSuccess},
		{"one failed", jobs(StatusKindSuccess, StatusKindSuccess, StatusKindFailed), StatusKindFailed},
		{"timeout is a failure", jobs(StatusKindSuccess, StatusKindTimeout), StatusKindFailed},
		{"cancelled", jobs(StatusKindSuccess, StatusKindCancelled), StatusKindCancelled},
		{"failure wins over cancellation", jobs(StatusKindCancelled, StatusKindFailed), StatusKindFailed},
		{"still running", jobs(StatusKindSuccess, StatusKindRunning), StatusKindCancelled},
		{"no jobs", nil, StatusKindSuccess},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Aggregate(tt.jobs))
		})
	}
}

func TestStatusKind(t *testing.T) {
	assert.True(t, StatusKindPending.IsStart())
	assert.True(t, StatusKindRunning.IsStart())
	assert.False(t, StatusKindSuccess.IsStart())

	assert.True(t, StatusKindTimeout.IsFinish())
	assert.True(t, StatusKindCancelled.IsFinish())
	assert.False(t, StatusKindSkipped.IsFinish())

	assert.True(t, StatusKindTimeout.IsFailed())
	assert.False(t, StatusKindCancelled.IsFailed())
	assert.True(t, StatusKindCancelled.IsIncomplete())
	assert.True(t, StatusKindRunning.IsIncomplete())

	assert.Equal(t, "passed", StatusKindSuccess.Outcome())
	assert.Equal(t, "failed", StatusKindTimeout.Outcome())
	assert.Equal(t, "incomplete", StatusKindCancelled.Outcome())
	assert.Equal(t, "skipped", StatusKindSkipped.Outcome())
}

func TestJobResultFinalize(t *testing.T) {
	job := workflow.CompiledJob{
		Name: "build (3.9)",
		Steps: []workflow.CompiledStep{
			{Name: "checkout"}, {Name: "install"}, {Name: "test"},
		},
	}

	jr := NewJobResult(JobId{Name: job.Name}, job)
	require.Len(t, jr.Steps, 3)
	assert.Equal(t, StatusKindPending, jr.Status)

	jr.Status = StatusKindRunning
	jr.Steps[0].Status = StatusKindSuccess
	jr.Steps[1].Status = StatusKindRunning

	now := time.Now()
	jr.Finalize(now)

	assert.Equal(t, StatusKindCancelled, jr.Status)
	assert.Equal(t, StatusKindSuccess, jr.Steps[0].Status)
	assert.Equal(t, StatusKindCancelled, jr.Steps[1].Status)
	assert.Equal(t, StatusKindSkipped, jr.Steps[2].Status)
	assert.Equal(t, now, jr.FinishedAt)

	t.Run("finished jobs are unchanged", func(t *testing.T) {
		done := NewJobResult(JobId{}, job)
		done.Status = StatusKindFailed
		done.Steps[0].Status = StatusKindFailed
		done.SkipRemaining(0)

		before := done
		before.Steps = append([]StepResult(nil), done.Steps...)

		done.Finalize(now)
		assert.Equal(t, before, done)
	})
}

func TestJobId(t *testing.T) {
	jid := JobId{PipelineId: PipelineId{Rkey: "3l2abc"}, Name: "ci-build-3.9 (x64)"}
	assert.Equal(t, "3l2abc-ci-build-3.9--x64-", jid.String())
}
