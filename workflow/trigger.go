package workflow

import (
	"slices"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-git/go-git/v5/plumbing"
)

// TriggerMetadata describes the event that started a pipeline.
type TriggerMetadata struct {
	Kind        TriggerKind             `json:"kind"`
	Push        *PushTriggerData        `json:"push,omitempty"`
	PullRequest *PullRequestTriggerData `json:"pull_request,omitempty"`
	Manual      *ManualTriggerData      `json:"manual,omitempty"`
}

type PushTriggerData struct {
	Ref    string `json:"ref"`
	NewSha string `json:"new_sha"`
	OldSha string `json:"old_sha"`
}

type PullRequestTriggerData struct {
	TargetBranch string `json:"target_branch"`
	SourceBranch string `json:"source_branch"`
	SourceSha    string `json:"source_sha"`
	Action       string `json:"action"`
}

type ManualTriggerData struct {
	Ref    string            `json:"ref"`
	Inputs map[string]string `json:"inputs,omitempty"`
}

// Branch is the branch the event targets: the pushed branch, or the target
// branch of a pull request.
func (t TriggerMetadata) Branch() string {
	switch {
	case t.Push != nil:
		return branchOf(t.Push.Ref)
	case t.PullRequest != nil:
		return t.PullRequest.TargetBranch
	case t.Manual != nil:
		return branchOf(t.Manual.Ref)
	}
	return ""
}

// Ref is the fully qualified ref of the event.
func (t TriggerMetadata) Ref() string {
	if b := t.Branch(); b != "" {
		return plumbing.NewBranchReferenceName(b).String()
	}
	return ""
}

// Sha is the commit the pipeline should build, possibly empty.
func (t TriggerMetadata) Sha() string {
	switch {
	case t.Push != nil:
		return t.Push.NewSha
	case t.PullRequest != nil:
		return t.PullRequest.SourceSha
	}
	return ""
}

func branchOf(ref string) string {
	refName := plumbing.ReferenceName(ref)
	if refName.IsBranch() {
		return refName.Short()
	}
	// already a short branch name
	return ref
}

// if any of the constraints on a workflow is true, return true
func (w *Workflow) Match(trigger TriggerMetadata) bool {
	// manual triggers always run the workflow
	if trigger.Kind == TriggerKindManual {
		return true
	}

	for _, c := range w.When {
		if c.Match(trigger) {
			return true
		}
	}

	return false
}

// MatchingConstraints returns every constraint matching the trigger.
// Overlapping filters still result in a single run; this only serves
// diagnostics.
func (w *Workflow) MatchingConstraints(trigger TriggerMetadata) []Constraint {
	var cs []Constraint
	for _, c := range w.When {
		if c.Match(trigger) {
			cs = append(cs, c)
		}
	}
	return cs
}

func (c *Constraint) Match(trigger TriggerMetadata) bool {
	if trigger.Kind == TriggerKindManual {
		return true
	}

	if !c.MatchEvent(string(trigger.Kind)) {
		return false
	}

	switch {
	case trigger.PullRequest != nil:
		return c.MatchBranch(trigger.PullRequest.TargetBranch)
	case trigger.Push != nil:
		return c.MatchRef(trigger.Push.Ref)
	}

	return len(c.Branch) == 0
}

func (c *Constraint) MatchBranch(branch string) bool {
	if matchAny(c.Ignore, branch) {
		return false
	}
	if len(c.Branch) == 0 {
		return true
	}
	return matchAny(c.Branch, branch)
}

func (c *Constraint) MatchRef(ref string) bool {
	refName := plumbing.ReferenceName(ref)
	if refName.IsTag() || refName.IsRemote() || refName.IsNote() {
		return false
	}
	return c.MatchBranch(branchOf(ref))
}

func (c *Constraint) MatchEvent(event string) bool {
	return slices.Contains(c.Event, event)
}

// matchAny reports whether branch matches one of the patterns. `*` stays
// within a path segment and `**` spans segments, as in GitHub filters.
func matchAny(patterns []string, branch string) bool {
	for _, p := range patterns {
		if p == branch {
			return true
		}
		if ok, err := doublestar.Match(p, branch); err == nil && ok {
			return true
		}
	}
	return false
}
