package models

import (
	"fmt"
	"strconv"

	"tangled.org/spindle/workflow"
)

// CheckoutOpts describes how a checkout step populates the workspace.
type CheckoutOpts struct {
	// 0 clones the full history
	Depth      int
	Submodules bool
	// branch to check out; empty means the source's HEAD
	Ref string
	// commit to check out after cloning, if known
	Sha   string
	Clean bool
}

// BuildCheckoutOpts reads the inputs of an actions/checkout step and
// resolves the commit to build from the trigger.
func BuildCheckoutOpts(with map[string]string, tr workflow.TriggerMetadata) (CheckoutOpts, error) {
	opts := CheckoutOpts{
		Depth: 1,
		Clean: true,
	}

	sha, err := extractCommitSHA(tr)
	if err != nil {
		return opts, err
	}
	opts.Sha = sha
	opts.Ref = tr.Branch()
	if tr.PullRequest != nil {
		// the change lives on the source branch, not the target
		opts.Ref = tr.PullRequest.SourceBranch
	}

	if v, ok := with["fetch-depth"]; ok && v != "" {
		d, err := strconv.Atoi(v)
		if err != nil || d < 0 {
			return opts, fmt.Errorf("invalid fetch-depth %q", v)
		}
		opts.Depth = d
	}

	if v, ok := with["submodules"]; ok && v != "" {
		// "recursive" is accepted as true
		b, err := strconv.ParseBool(v)
		opts.Submodules = b || (err != nil && v == "recursive")
	}

	if v, ok := with["clean"]; ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return opts, fmt.Errorf("invalid clean %q", v)
		}
		opts.Clean = b
	}

	// an explicit ref overrides the trigger
	if v := with["ref"]; v != "" {
		opts.Ref = v
		opts.Sha = ""
	}

	return opts, nil
}

// extractCommitSHA extracts the commit SHA from trigger metadata based on trigger type
func extractCommitSHA(tr workflow.TriggerMetadata) (string, error) {
	switch tr.Kind {
	case workflow.TriggerKindPush:
		if tr.Push == nil {
			return "", fmt.Errorf("push trigger metadata is nil")
		}
		return tr.Push.NewSha, nil

	case workflow.TriggerKindPullRequest:
		if tr.PullRequest == nil {
			return "", fmt.Errorf("pull request trigger metadata is nil")
		}
		return tr.PullRequest.SourceSha, nil

	case workflow.TriggerKindManual:
		// manual triggers build the tip of the requested ref
		return "", nil

	default:
		return "", fmt.Errorf("unknown trigger kind: %s", tr.Kind)
	}
}
