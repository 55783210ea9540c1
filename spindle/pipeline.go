package spindle

import (
	"context"
	"fmt"

	"tangled.org/spindle/spindle/config"
	"tangled.org/spindle/spindle/engines/docker"
	"tangled.org/spindle/spindle/engines/local"
	"tangled.org/spindle/spindle/models"
	"tangled.org/spindle/workflow"
)

// Compile validates every workflow of the pipeline and expands the ones
// matching the trigger into job instances. No instances are returned when
// any workflow is invalid.
func Compile(tr workflow.TriggerMetadata, raw workflow.RawPipeline) (workflow.CompiledPipeline, workflow.Diagnostics) {
	c := workflow.Compiler{Trigger: tr}
	p := c.Parse(raw)
	cp := c.Compile(p)
	return cp, c.Diagnostics
}

// ValidateTrigger checks that the event data matches its kind.
func ValidateTrigger(tr *workflow.TriggerMetadata) error {
	if !tr.Kind.Valid() {
		return fmt.Errorf("unknown event %q", tr.Kind)
	}

	switch tr.Kind {
	case workflow.TriggerKindPush:
		if tr.Push == nil || tr.Push.Ref == "" {
			return fmt.Errorf("push event needs a ref")
		}
	case workflow.TriggerKindPullRequest:
		if tr.PullRequest == nil || tr.PullRequest.TargetBranch == "" {
			return fmt.Errorf("pull_request event needs a target branch")
		}
	case workflow.TriggerKindManual:
		if tr.Manual == nil {
			tr.Manual = &workflow.ManualTriggerData{}
		}
	}

	return nil
}

// NewEngine builds the configured engine. Checkout steps clone src.
func NewEngine(ctx context.Context, cfg *config.Config, src string, inPlace bool) (models.Engine, error) {
	switch cfg.Pipelines.Engine {
	case config.EngineDocker:
		return docker.New(ctx, cfg, src)
	case config.EngineLocal:
		var opts []local.Option
		if inPlace {
			opts = append(opts, local.InPlace())
		}
		return local.New(ctx, cfg, src, opts...)
	}
	return nil, fmt.Errorf("unknown engine %q", cfg.Pipelines.Engine)
}
