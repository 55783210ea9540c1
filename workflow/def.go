package workflow

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// - a trigger event results in a "Pipeline"
// - a repo could consist of several workflow files
//   * .tangled/workflows/test.yml
//   * .github/workflows/lint.yml
// - a workflow has one or more jobs, each job has a matrix of versions
// - every matrix combination is an independent job instance, instances
//   execute in parallel
// - each job instance executes its steps serially

type (
	Pipeline []Workflow

	// this is simply a structural representation of the workflow file
	Workflow struct {
		Name        string            `yaml:"-"` // name of the workflow file
		Title       string            `yaml:"name"`
		On          Triggers          `yaml:"on"`
		When        []Constraint      `yaml:"when"`
		Environment map[string]string `yaml:"env"`
		Jobs        Jobs              `yaml:"jobs"`

		// flat, single job form: matrix and steps at the top level
		Matrix    Matrix            `yaml:"matrix"`
		Steps     []Step            `yaml:"steps"`
		LegacyEnv map[string]string `yaml:"environment"`
		CloneOpts CloneOpts         `yaml:"clone"`
	}

	Jobs []Job

	Job struct {
		Id             string            `yaml:"-"`
		Name           string            `yaml:"name"`
		RunsOn         StringList        `yaml:"runs-on"`
		Strategy       Strategy          `yaml:"strategy"`
		Environment    map[string]string `yaml:"env"`
		Steps          []Step            `yaml:"steps"`
		TimeoutMinutes float64           `yaml:"timeout-minutes"`

		// implicit clone, only for the flat form
		Clone *CloneOpts `yaml:"-"`
	}

	Strategy struct {
		Matrix      Matrix `yaml:"matrix"`
		FailFast    *bool  `yaml:"fail-fast"`
		MaxParallel int    `yaml:"max-parallel"`
	}

	Constraint struct {
		Event  StringList `yaml:"event"`
		Branch StringList `yaml:"branch"` // empty means any branch
		Ignore StringList `yaml:"branch-ignore"`
	}

	CloneOpts struct {
		Skip              bool `yaml:"skip"`
		Depth             int  `yaml:"depth"`
		IncludeSubmodules bool `yaml:"submodules"`
	}

	Step struct {
		Name             string            `yaml:"name"`
		Id               string            `yaml:"id"`
		Uses             string            `yaml:"uses"`
		With             map[string]string `yaml:"with"`
		Run              string            `yaml:"run"`
		Command          string            `yaml:"command"` // alias of run
		Shell            string            `yaml:"shell"`
		Environment      map[string]string `yaml:"env"`
		WorkingDirectory string            `yaml:"working-directory"`
		TimeoutMinutes   float64           `yaml:"timeout-minutes"`
	}

	StringList []string
)

type TriggerKind string

const (
	TriggerKindPush        TriggerKind = "push"
	TriggerKindPullRequest TriggerKind = "pull_request"
	TriggerKindManual      TriggerKind = "manual"
)

func (t TriggerKind) Valid() bool {
	switch t {
	case TriggerKindPush, TriggerKindPullRequest, TriggerKindManual:
		return true
	}
	return false
}

// GitHub spells manual triggers differently
const workflowDispatch = "workflow_dispatch"

func FromFile(name string, contents []byte) (Workflow, error) {
	var wf Workflow

	err := yaml.Unmarshal(contents, &wf)
	if err != nil {
		return wf, err
	}

	wf.Name = name
	wf.normalize()

	return wf, nil
}

// normalize folds the alternate spellings into a single shape: `on` into
// `when`, `environment` into `env` and the flat form into a single job.
func (w *Workflow) normalize() {
	w.When = append(w.When, w.On...)
	w.On = nil
	for i := range w.When {
		for j, e := range w.When[i].Event {
			w.When[i].Event[j] = eventName(e)
		}
	}

	if len(w.LegacyEnv) > 0 {
		if w.Environment == nil {
			w.Environment = make(map[string]string, len(w.LegacyEnv))
		}
		for k, v := range w.LegacyEnv {
			if _, ok := w.Environment[k]; !ok {
				w.Environment[k] = v
			}
		}
	}
	w.LegacyEnv = nil

	if len(w.Jobs) == 0 && (w.Steps != nil || w.Matrix != nil) {
		clone := w.CloneOpts
		w.Jobs = Jobs{{
			Id:       w.baseName(),
			Strategy: Strategy{Matrix: w.Matrix},
			Steps:    w.Steps,
			Clone:    &clone,
		}}
		w.Matrix = nil
		w.Steps = nil
	}

	for i := range w.Jobs {
		for j := range w.Jobs[i].Steps {
			s := &w.Jobs[i].Steps[j]
			if s.Run == "" && s.Command != "" {
				s.Run = s.Command
				s.Command = ""
			}
		}
	}
}

func (w *Workflow) baseName() string {
	base := filepath.Base(w.Name)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// DisplayName is the `name:` of the workflow, or its file name.
func (w *Workflow) DisplayName() string {
	if w.Title != "" {
		return w.Title
	}
	return w.baseName()
}

func (j *Job) DisplayName() string {
	if j.Name != "" {
		return j.Name
	}
	return j.Id
}

func (s *Step) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	if s.Uses != "" {
		return "Run " + s.Uses
	}
	first, _, _ := strings.Cut(strings.TrimSpace(s.Run), "\n")
	return "Run " + first
}

// UnmarshalYAML preserves the declaration order of jobs.
func (j *Jobs) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: jobs must be a mapping of job id to job", node.Line)
	}

	seen := make(map[string]struct{})
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]

		if _, ok := seen[key.Value]; ok {
			return fmt.Errorf("line %d: duplicate job %q", key.Line, key.Value)
		}
		seen[key.Value] = struct{}{}

		var job Job
		if err := val.Decode(&job); err != nil {
			return fmt.Errorf("job %q: %w", key.Value, err)
		}
		job.Id = key.Value
		*j = append(*j, job)
	}

	return nil
}

// Triggers decodes the GitHub style `on:` key, which may be a single event,
// a list of events, or a mapping of event to branch filters.
type Triggers []Constraint

func (t *Triggers) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*t = Triggers{{Event: StringList{eventName(node.Value)}}}
		return nil

	case yaml.SequenceNode:
		var events []string
		if err := node.Decode(&events); err != nil {
			return err
		}
		c := Constraint{}
		for _, e := range events {
			c.Event = append(c.Event, eventName(e))
		}
		*t = Triggers{c}
		return nil

	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			key, val := node.Content[i], node.Content[i+1]

			filter := struct {
				Branches       StringList `yaml:"branches"`
				BranchesIgnore StringList `yaml:"branches-ignore"`
			}{}
			if val.ShortTag() != "!!null" {
				if err := val.Decode(&filter); err != nil {
					return fmt.Errorf("trigger %q: %w", key.Value, err)
				}
			}

			*t = append(*t, Constraint{
				Event:  StringList{eventName(key.Value)},
				Branch: filter.Branches,
				Ignore: filter.BranchesIgnore,
			})
		}
		return nil
	}

	return fmt.Errorf("line %d: cannot decode triggers", node.Line)
}

func eventName(e string) string {
	if e == workflowDispatch {
		return string(TriggerKindManual)
	}
	return e
}

// Custom unmarshaller for StringList
func (s *StringList) UnmarshalYAML(unmarshal func(any) error) error {
	var stringType string
	if err := unmarshal(&stringType); err == nil {
		*s = []string{stringType}
		return nil
	}

	var sliceType []any
	if err := unmarshal(&sliceType); err == nil {

		if sliceType == nil {
			*s = nil
			return nil
		}

		parts := make([]string, len(sliceType))
		for k, v := range sliceType {
			if sv, ok := v.(string); ok {
				parts[k] = sv
			} else {
				return fmt.Errorf("cannot unmarshal '%v' of type %T into a string value", v, v)
			}
		}

		*s = parts
		return nil
	}

	return errors.New("failed to unmarshal StringOrSlice")
}
