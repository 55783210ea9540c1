package workflow

import (
	"slices"
	"strings"
)

type ActionKind int

const (
	// clones the repository into the job workspace
	ActionCheckout ActionKind = iota
	// provisions an interpreter or toolchain at a given version
	ActionSetup
)

// Action is a reusable step a workflow can refer to with `uses:`. There is
// no marketplace; only the actions below have handlers in the engines.
type Action struct {
	Kind   ActionKind
	Tool   string
	Inputs []string
}

var actions = map[string]Action{
	"actions/checkout": {
		Kind:   ActionCheckout,
		Inputs: []string{"fetch-depth", "submodules", "ref", "clean"},
	},
	"actions/setup-python": {
		Kind:   ActionSetup,
		Tool:   "python",
		Inputs: []string{"python-version", "architecture", "cache"},
	},
	"actions/setup-go": {
		Kind:   ActionSetup,
		Tool:   "go",
		Inputs: []string{"go-version", "cache"},
	},
	"actions/setup-node": {
		Kind:   ActionSetup,
		Tool:   "node",
		Inputs: []string{"node-version", "cache"},
	},
}

// ParseActionRef splits "actions/setup-python@v2" into name and version.
func ParseActionRef(ref string) (name, version string) {
	name, version, _ = strings.Cut(strings.TrimSpace(ref), "@")
	return name, version
}

func LookupAction(ref string) (Action, bool) {
	name, _ := ParseActionRef(ref)
	a, ok := actions[name]
	return a, ok
}

// VersionInput is the `with:` key selecting the tool version.
func (a Action) VersionInput() string {
	if a.Kind != ActionSetup {
		return ""
	}
	return a.Tool + "-version"
}

func (a Action) KnowsInput(input string) bool {
	return slices.Contains(a.Inputs, input)
}
