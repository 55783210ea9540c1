package models

import (
	"context"

	"tangled.org/spindle/workflow"
)

type Engine interface {
	InitWorkflow(job workflow.CompiledJob, tr workflow.TriggerMetadata) (*Workflow, error)
	SetupWorkflow(ctx context.Context, jid JobId, wf *Workflow) error
	DestroyWorkflow(ctx context.Context, jid JobId) error
	RunStep(ctx context.Context, jid JobId, wf *Workflow, idx int, logger *JobLogger) error
}
