package models

import (
	"time"

	"tangled.org/spindle/workflow"
)

type StepKind int

const (
	// runs a user supplied script
	StepKindRun StepKind = iota
	// clones the repository into the workspace
	StepKindCheckout
	// provisions a tool version for the following steps
	StepKindSetup
)

func (k StepKind) String() string {
	switch k {
	case StepKindCheckout:
		return "checkout"
	case StepKindSetup:
		return "setup"
	}
	return "run"
}

type Step struct {
	Name   string
	Kind   StepKind
	System bool

	// run
	Script   string
	Commands []string
	Shell    workflow.Shell

	// setup
	Tool    string
	Version string

	// checkout
	Checkout CheckoutOpts

	Environment      map[string]string
	WorkingDirectory string
	Timeout          time.Duration
}

// Workflow is a job instance as an engine sees it.
type Workflow struct {
	Name        string
	Job         workflow.CompiledJob
	Steps       []Step
	Environment map[string]string
	Data        any
}

// BuildWorkflow converts a compiled job instance into engine steps.
func BuildWorkflow(job workflow.CompiledJob, tr workflow.TriggerMetadata) (*Workflow, error) {
	wf := &Workflow{
		Name:        job.Name,
		Job:         job,
		Environment: ciEnvironment(job, tr),
	}
	for k, v := range job.Environment {
		wf.Environment[k] = v
	}

	for _, cs := range job.Steps {
		s := Step{
			Name:             cs.Name,
			System:           cs.System,
			Shell:            cs.Shell,
			Environment:      cs.Environment,
			WorkingDirectory: cs.WorkingDirectory,
			Timeout:          cs.Timeout,
		}

		switch {
		case cs.Action == nil:
			s.Kind = StepKindRun
			s.Script = cs.Run
			s.Commands = cs.Commands

		case cs.Action.Kind == workflow.ActionCheckout:
			s.Kind = StepKindCheckout
			opts, err := BuildCheckoutOpts(cs.With, tr)
			if err != nil {
				return nil, err
			}
			s.Checkout = opts

		case cs.Action.Kind == workflow.ActionSetup:
			s.Kind = StepKindSetup
			s.Tool = cs.Action.Tool
			s.Version = cs.With[cs.Action.VersionInput()]
		}

		wf.Steps = append(wf.Steps, s)
	}

	return wf, nil
}

func ciEnvironment(job workflow.CompiledJob, tr workflow.TriggerMetadata) map[string]string {
	return map[string]string{
		"CI":               "true",
		"SPINDLE_WORKFLOW": job.Workflow,
		"SPINDLE_JOB":      job.Job,
		"SPINDLE_EVENT":    string(tr.Kind),
		"SPINDLE_REF":      tr.Ref(),
		"SPINDLE_SHA":      tr.Sha(),
	}
}
