package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tangled.org/spindle/notifier"
	"tangled.org/spindle/spindle/models"
	"tangled.org/spindle/workflow"
)

func newDB(t *testing.T) *DB {
	t.Helper()
	d, err := Make(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

var pushTrigger = workflow.TriggerMetadata{
	Kind: workflow.TriggerKindPush,
	Push: &workflow.PushTriggerData{Ref: "refs/heads/main", NewSha: "abc123"},
}

func TestMakeOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "spindle.db")
	d, err := Make(path)
	require.NoError(t, err)
	defer d.Close()

	// reopening runs the migrations again
	d2, err := Make(path)
	require.NoError(t, err)
	d2.Close()
}

func TestPipelineLifecycle(t *testing.T) {
	d := newDB(t)
	n := notifier.New()
	ch := n.Subscribe()
	defer n.Unsubscribe(ch)

	pid := models.PipelineId{Rkey: "3abc"}
	require.NoError(t, d.CreatePipeline(pid, pushTrigger, 3, n))
	assert.Len(t, ch, 1, "creating a pipeline notifies subscribers")

	p, err := d.GetPipeline(pid.Rkey)
	require.NoError(t, err)
	assert.Equal(t, "push", p.Event)
	assert.Equal(t, "main", p.Branch)
	assert.Equal(t, "abc123", p.Sha)
	assert.Equal(t, 3, p.Jobs)
	assert.Equal(t, models.StatusKindPending, p.Status)
	assert.Equal(t, pushTrigger, p.Trigger)
	assert.False(t, p.StartedAt.IsZero())
	assert.True(t, p.FinishedAt.IsZero())

	require.NoError(t, d.MarkPipelineRunning(pid, n))
	p, err = d.GetPipeline(pid.Rkey)
	require.NoError(t, err)
	assert.Equal(t, models.StatusKindRunning, p.Status)

	require.NoError(t, d.FinishPipeline(pid, models.StatusKindFailed, "1 of 3 jobs failed", n))
	p, err = d.GetPipeline(pid.Rkey)
	require.NoError(t, err)
	assert.Equal(t, models.StatusKindFailed, p.Status)
	assert.Equal(t, "1 of 3 jobs failed", p.Error)
	assert.False(t, p.FinishedAt.IsZero())
}

func TestGetPipelineNotFound(t *testing.T) {
	d := newDB(t)
	_, err := d.GetPipeline("missing")
	assert.ErrorIs(t, err, ErrPipelineNotFound)
}

func TestListPipelines(t *testing.T) {
	d := newDB(t)
	for _, rkey := range []string{"a", "b", "c"} {
		require.NoError(t, d.CreatePipeline(models.PipelineId{Rkey: rkey}, pushTrigger, 1, nil))
	}

	all, err := d.GetPipelines("")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].Rkey)

	after, err := d.GetPipelines("a")
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, "b", after[0].Rkey)

	recent, err := d.RecentPipelines(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "c", recent[0].Rkey)
	assert.Equal(t, "b", recent[1].Rkey)
}

func TestStatusEvents(t *testing.T) {
	d := newDB(t)
	pid := models.PipelineId{Rkey: "p1"}
	build := models.JobId{PipelineId: pid, Name: "ci-build-3.9"}
	lint := models.JobId{PipelineId: pid, Name: "ci-lint"}

	require.NoError(t, d.StatusPending(build, "build (3.9)", nil))
	require.NoError(t, d.StatusPending(lint, "lint", nil))
	require.NoError(t, d.StatusRunning(build, "build (3.9)", nil))
	require.NoError(t, d.StatusFailed(build, "build (3.9)", "step 2 failed", 1, nil))
	require.NoError(t, d.StatusRunning(lint, "lint", nil))
	require.NoError(t, d.StatusCancelled(lint, "lint", "superseded", nil))

	s, err := d.GetStatus(build)
	require.NoError(t, err)
	assert.Equal(t, models.StatusKindFailed, s.Status)
	require.NotNil(t, s.Error)
	assert.Equal(t, "step 2 failed", *s.Error)
	require.NotNil(t, s.ExitCode)
	assert.Equal(t, int64(1), *s.ExitCode)
	assert.Equal(t, "build (3.9)", s.Name)

	statuses, err := d.GetStatuses(pid)
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.Equal(t, "ci-build-3.9", statuses[0].Job)
	assert.Equal(t, models.StatusKindFailed, statuses[0].Status)
	assert.Equal(t, "ci-lint", statuses[1].Job)
	assert.Equal(t, models.StatusKindCancelled, statuses[1].Status)

	events, err := d.GetEvents(0)
	require.NoError(t, err)
	require.Len(t, events, 6)
	assert.Equal(t, "ci-build-3.9", events[0].Job)

	later, err := d.GetEvents(events[3].Created)
	require.NoError(t, err)
	assert.Len(t, later, 2)
}
