package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func push(ref string) TriggerMetadata {
	return TriggerMetadata{
		Kind: TriggerKindPush,
		Push: &PushTriggerData{Ref: ref, NewSha: "abc123"},
	}
}

func pullRequest(target string) TriggerMetadata {
	return TriggerMetadata{
		Kind:        TriggerKindPullRequest,
		PullRequest: &PullRequestTriggerData{TargetBranch: target, SourceBranch: "feature", SourceSha: "def456"},
	}
}

func TestMatchesPattern(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		branch   string
		want     bool
	}{
		{"exact", []string{"main"}, "main", true},
		{"no match", []string{"main"}, "develop", false},
		{"glob", []string{"release/*"}, "release/1.0", true},
		{"glob does not cross slash", []string{"release/*"}, "release/1.0/hotfix", false},
		{"double star crosses slashes", []string{"release/**"}, "release/1/x", true},
		{"double star prefix", []string{"**/hotfix"}, "release/1.0/hotfix", true},
		{"double star other prefix", []string{"release/**"}, "feature/x", false},
		{"brace alternatives", []string{"{main,develop}"}, "develop", true},
		{"any of", []string{"main", "develop"}, "develop", true},
		{"empty", nil, "main", false},
		{"bad pattern", []string{"[main"}, "main", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matchAny(tt.patterns, tt.branch))
		})
	}
}

func TestConstraintMatch(t *testing.T) {
	tests := []struct {
		name       string
		constraint Constraint
		trigger    TriggerMetadata
		want       bool
	}{
		{
			name:       "push to filtered branch",
			constraint: Constraint{Event: StringList{"push"}, Branch: StringList{"main"}},
			trigger:    push("refs/heads/main"),
			want:       true,
		},
		{
			name:       "push to other branch",
			constraint: Constraint{Event: StringList{"push"}, Branch: StringList{"main"}},
			trigger:    push("refs/heads/develop"),
			want:       false,
		},
		{
			name:       "push without branch filter",
			constraint: Constraint{Event: StringList{"push"}},
			trigger:    push("refs/heads/anything"),
			want:       true,
		},
		{
			name:       "tag push",
			constraint: Constraint{Event: StringList{"push"}},
			trigger:    push("refs/tags/v1.0"),
			want:       false,
		},
		{
			name:       "short ref",
			constraint: Constraint{Event: StringList{"push"}, Branch: StringList{"main"}},
			trigger:    push("main"),
			want:       true,
		},
		{
			name:       "ignored branch",
			constraint: Constraint{Event: StringList{"push"}, Ignore: StringList{"wip/*"}},
			trigger:    push("refs/heads/wip/foo"),
			want:       false,
		},
		{
			name:       "pull request uses target branch",
			constraint: Constraint{Event: StringList{"pull_request"}, Branch: StringList{"main"}},
			trigger:    pullRequest("main"),
			want:       true,
		},
		{
			name:       "pull request to other target",
			constraint: Constraint{Event: StringList{"pull_request"}, Branch: StringList{"main"}},
			trigger:    pullRequest("develop"),
			want:       false,
		},
		{
			name:       "wrong event",
			constraint: Constraint{Event: StringList{"pull_request"}},
			trigger:    push("refs/heads/main"),
			want:       false,
		},
		{
			name:       "manual always matches",
			constraint: Constraint{Event: StringList{"push"}, Branch: StringList{"main"}},
			trigger:    TriggerMetadata{Kind: TriggerKindManual},
			want:       true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.constraint.Match(tt.trigger))
		})
	}
}

func TestWorkflowMatch(t *testing.T) {
	t.Run("no constraints", func(t *testing.T) {
		w := Workflow{}
		assert.False(t, w.Match(push("refs/heads/main")))
		assert.False(t, w.Match(pullRequest("main")))
		assert.True(t, w.Match(TriggerMetadata{Kind: TriggerKindManual}))
	})

	t.Run("any constraint", func(t *testing.T) {
		w := Workflow{When: []Constraint{
			{Event: StringList{"pull_request"}},
			{Event: StringList{"push"}, Branch: StringList{"main"}},
		}}
		assert.True(t, w.Match(push("refs/heads/main")))
		assert.True(t, w.Match(pullRequest("develop")))
		assert.False(t, w.Match(push("refs/heads/develop")))
	})

	t.Run("overlapping filters", func(t *testing.T) {
		w := Workflow{When: []Constraint{
			{Event: StringList{"push"}},
			{Event: StringList{"push"}, Branch: StringList{"main"}},
		}}
		assert.True(t, w.Match(push("refs/heads/main")))
		assert.Len(t, w.MatchingConstraints(push("refs/heads/main")), 2)
	})
}

func TestTriggerAccessors(t *testing.T) {
	p := push("refs/heads/main")
	assert.Equal(t, "main", p.Branch())
	assert.Equal(t, "refs/heads/main", p.Ref())
	assert.Equal(t, "abc123", p.Sha())

	pr := pullRequest("develop")
	assert.Equal(t, "develop", pr.Branch())
	assert.Equal(t, "refs/heads/develop", pr.Ref())
	assert.Equal(t, "def456", pr.Sha())

	m := TriggerMetadata{Kind: TriggerKindManual}
	assert.Empty(t, m.Branch())
	assert.Empty(t, m.Ref())
}
