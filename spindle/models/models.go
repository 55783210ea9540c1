package models

import (
	"fmt"
	"regexp"
	"slices"
)

var (
	re = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)
)

type PipelineId struct {
	Rkey string
}

func (p PipelineId) String() string {
	return p.Rkey
}

// JobId names a single job instance of a pipeline.
type JobId struct {
	PipelineId
	Name string
}

func (jid JobId) String() string {
	return fmt.Sprintf("%s-%s", jid.Rkey, normalize(jid.Name))
}

func normalize(name string) string {
	normalized := re.ReplaceAllString(name, "-")
	return normalized
}

type StatusKind string

var (
	// step and job status
	StatusKindPending   StatusKind = "pending"
	StatusKindRunning   StatusKind = "running"
	StatusKindSuccess   StatusKind = "success"
	StatusKindFailed    StatusKind = "failed"
	StatusKindTimeout   StatusKind = "timeout"
	StatusKindCancelled StatusKind = "cancelled"
	StatusKindSkipped   StatusKind = "skipped"

	StartStates = [2]StatusKind{
		StatusKindPending,
		StatusKindRunning,
	}
	FinishStates = [4]StatusKind{
		StatusKindCancelled,
		StatusKindFailed,
		StatusKindSuccess,
		StatusKindTimeout,
	}
)

func (s StatusKind) String() string {
	return string(s)
}

func (s StatusKind) IsStart() bool {
	return slices.Contains(StartStates[:], s)
}

func (s StatusKind) IsFinish() bool {
	return slices.Contains(FinishStates[:], s)
}

// IsFailed is true for failures proper and their timeout variant.
func (s StatusKind) IsFailed() bool {
	return s == StatusKindFailed || s == StatusKindTimeout
}

// IsIncomplete is true for anything that never reached a verdict.
func (s StatusKind) IsIncomplete() bool {
	return s == StatusKindCancelled || s.IsStart()
}

// Outcome is the user facing verdict: passed, failed or incomplete.
func (s StatusKind) Outcome() string {
	switch {
	case s == StatusKindSuccess:
		return "passed"
	case s.IsFailed():
		return "failed"
	case s == StatusKindSkipped:
		return "skipped"
	}
	return "incomplete"
}
