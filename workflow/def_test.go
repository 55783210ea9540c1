package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshalWorkflow(t *testing.T) {
	yamlData := `
when:
  - event: ["push", "pull_request"]
    branch: ["main", "develop"]`

	wf, err := FromFile("test.yml", []byte(yamlData))
	assert.NoError(t, err, "YAML should unmarshal without error")

	assert.Len(t, wf.When, 1, "Should have one constraint")
	assert.ElementsMatch(t, []string{"main", "develop"}, wf.When[0].Branch)
	assert.ElementsMatch(t, []string{"push", "pull_request"}, wf.When[0].Event)

	assert.False(t, wf.CloneOpts.Skip, "Skip should default to false")
}

func TestUnmarshalCloneSkip(t *testing.T) {
	yamlData := `
when:
  - event: push

clone:
  skip: true

steps:
  - run: make
`

	wf, err := FromFile("test.yml", []byte(yamlData))
	require.NoError(t, err)

	require.Len(t, wf.Jobs, 1)
	require.NotNil(t, wf.Jobs[0].Clone)
	assert.True(t, wf.Jobs[0].Clone.Skip)
}

func TestUnmarshalGithubForm(t *testing.T) {
	yamlData := `
name: Python CI
on:
  push:
    branches: [main]
  pull_request:
  workflow_dispatch:
env:
  FOO: bar
jobs:
  lint:
    runs-on: ubuntu-latest
    steps:
      - run: ruff check .
  build:
    name: Build
    strategy:
      matrix:
        python-version: ["3.8", "3.9", "3.10"]
    steps:
      - uses: actions/setup-python@v2
        with:
          python-version: ${{ matrix.python-version }}
      - command: pytest
`

	wf, err := FromFile(".github/workflows/ci.yml", []byte(yamlData))
	require.NoError(t, err)

	assert.Equal(t, "Python CI", wf.DisplayName())
	assert.Equal(t, map[string]string{"FOO": "bar"}, wf.Environment)

	require.Len(t, wf.When, 3)
	assert.Equal(t, StringList{"push"}, wf.When[0].Event)
	assert.Equal(t, StringList{"main"}, wf.When[0].Branch)
	assert.Equal(t, StringList{"pull_request"}, wf.When[1].Event)
	assert.Empty(t, wf.When[1].Branch)
	assert.Equal(t, StringList{"manual"}, wf.When[2].Event)

	require.Len(t, wf.Jobs, 2)
	assert.Equal(t, "lint", wf.Jobs[0].Id)
	assert.Equal(t, "build", wf.Jobs[1].Id)
	assert.Equal(t, "Build", wf.Jobs[1].DisplayName())
	assert.Nil(t, wf.Jobs[1].Clone, "jobs form has no implicit clone")

	steps := wf.Jobs[1].Steps
	require.Len(t, steps, 2)
	assert.Equal(t, "actions/setup-python@v2", steps[0].Uses)
	assert.Equal(t, "pytest", steps[1].Run, "command is an alias of run")

	axis, ok := wf.Jobs[1].Strategy.Matrix.Lookup("python-version")
	require.True(t, ok)
	assert.Equal(t, []string{"3.8", "3.9", "3.10"}, axis.Values)
}

func TestUnmarshalOnForms(t *testing.T) {
	tests := []struct {
		name   string
		yaml   string
		events []string
	}{
		{"scalar", "on: push", []string{"push"}},
		{"list", "on: [push, pull_request]", []string{"push", "pull_request"}},
		{"dispatch", "on: workflow_dispatch", []string{"manual"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wf, err := FromFile("t.yml", []byte(tt.yaml))
			require.NoError(t, err)
			require.Len(t, wf.When, 1)
			assert.Equal(t, tt.events, []string(wf.When[0].Event))
		})
	}
}

func TestUnmarshalFlatForm(t *testing.T) {
	yamlData := `
environment:
  A: "1"
env:
  A: "2"
matrix:
  os: [linux]
steps:
  - run: echo hi
`

	wf, err := FromFile("dir/build.yaml", []byte(yamlData))
	require.NoError(t, err)

	assert.Equal(t, "2", wf.Environment["A"], "env wins over environment")
	require.Len(t, wf.Jobs, 1)
	assert.Equal(t, "build", wf.Jobs[0].Id)
	assert.Equal(t, 1, wf.Jobs[0].Strategy.Matrix.Size())
	assert.NotNil(t, wf.Jobs[0].Clone)
	assert.Nil(t, wf.Steps)
}

func TestUnmarshalDuplicateJob(t *testing.T) {
	yamlData := `
jobs:
  a:
    steps: []
  a:
    steps: []
`
	_, err := FromFile("t.yml", []byte(yamlData))
	assert.Error(t, err)
}

func TestStringList(t *testing.T) {
	yamlData := `
when:
  - event: push
    branch: [main, "release/*"]
`
	wf, err := FromFile("t.yml", []byte(yamlData))
	require.NoError(t, err)
	assert.Equal(t, StringList{"push"}, wf.When[0].Event)
	assert.Equal(t, StringList{"main", "release/*"}, wf.When[0].Branch)

	_, err = FromFile("t.yml", []byte("when:\n  - event: [1, 2]\n"))
	assert.Error(t, err)
}

func TestStepDisplayName(t *testing.T) {
	assert.Equal(t, "Install", (&Step{Name: "Install", Run: "make"}).DisplayName())
	assert.Equal(t, "Run actions/checkout@v4", (&Step{Uses: "actions/checkout@v4"}).DisplayName())
	assert.Equal(t, "Run make", (&Step{Run: "make\nmake test"}).DisplayName())
}
