package workflow

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

type RawWorkflow struct {
	Name     string
	Contents []byte
}

type RawPipeline = []RawWorkflow

// ErrInvalidWorkflowSpec is returned when any workflow of a pipeline fails
// validation. Nothing is executed in that case.
var ErrInvalidWorkflowSpec = errors.New("invalid workflow spec")

type Compiler struct {
	Trigger     TriggerMetadata
	Diagnostics Diagnostics

	ids map[string]int
}

type Diagnostics struct {
	Errors   []Error
	Warnings []Warning
}

func (d *Diagnostics) AddWarning(path string, kind WarningKind, reason string) {
	d.Warnings = append(d.Warnings, Warning{path, kind, reason})
}

func (d *Diagnostics) AddError(path string, err error) {
	d.Errors = append(d.Errors, Error{path, err})
}

func (d Diagnostics) IsErr() bool {
	return len(d.Errors) != 0
}

// Err folds all errors into one that wraps ErrInvalidWorkflowSpec.
func (d Diagnostics) Err() error {
	if !d.IsErr() {
		return nil
	}

	msgs := make([]string, len(d.Errors))
	for i, e := range d.Errors {
		msgs[i] = e.String()
	}
	return fmt.Errorf("%w:\n%s", ErrInvalidWorkflowSpec, strings.Join(msgs, "\n"))
}

type Error struct {
	Path  string `json:"path"`
	Error error  `json:"-"`
}

func (e Error) String() string {
	return fmt.Sprintf("error: %s: %s", e.Path, e.Error.Error())
}

type Warning struct {
	Path   string      `json:"path"`
	Type   WarningKind `json:"type"`
	Reason string      `json:"reason"`
}

func (w Warning) String() string {
	return fmt.Sprintf("warning: %s: %s: %s", w.Path, w.Type, w.Reason)
}

var (
	ErrNoAction          = errors.New("step needs one of `uses` or `run`")
	ErrAmbiguousAction   = errors.New("step cannot have both `uses` and `run`")
	ErrEmptyRun          = errors.New("`run` has no commands")
	ErrUnknownAction     = errors.New("no handler for action")
	ErrUnknownEvent      = errors.New("unknown trigger event")
	ErrBadBranchPattern  = errors.New("malformed branch pattern")
	ErrEmptyAxis         = errors.New("matrix axis has no values")
	ErrInvalidShell      = errors.New("unsupported shell")
	ErrNegativeTimeout   = errors.New("timeout-minutes cannot be negative")
	ErrSetupNotParameter = errors.New("setup version must be a single value")
)

type WarningKind string

var (
	WorkflowSkipped      WarningKind = "workflow skipped"
	InvalidConfiguration WarningKind = "invalid configuration"
	Ignored              WarningKind = "ignored"
)

func (compiler *Compiler) Parse(p RawPipeline) Pipeline {
	var pp Pipeline

	for _, w := range p {
		wf, err := FromFile(w.Name, w.Contents)
		if err != nil {
			compiler.Diagnostics.AddError(w.Name, err)
			continue
		}

		pp = append(pp, wf)
	}

	return pp
}

// CompiledPipeline is the set of job instances one trigger event produced,
// in a stable order: workflows, then jobs, then matrix combinations.
type CompiledPipeline struct {
	Trigger TriggerMetadata
	Jobs    []CompiledJob
}

type CompiledJob struct {
	Id          string
	Workflow    string
	Job         string
	Name        string
	Matrix      Combination
	Environment map[string]string
	Steps       []CompiledStep
	Timeout     time.Duration
}

type CompiledStep struct {
	Name             string
	Uses             string
	Action           *Action
	With             map[string]string
	Run              string
	Commands         []string
	Shell            Shell
	Environment      map[string]string
	WorkingDirectory string
	Timeout          time.Duration
	// injected by the runner rather than declared by the user
	System bool
}

// Validate checks every workflow of the pipeline, matched or not, so that
// a broken file is reported before anything runs.
func (compiler *Compiler) Validate(p Pipeline) {
	for _, w := range p {
		compiler.validateWorkflow(w)
	}
}

// convert a repositories' workflow files into the job instances runners accept
func (compiler *Compiler) Compile(p Pipeline) CompiledPipeline {
	cp := CompiledPipeline{
		Trigger: compiler.Trigger,
	}

	compiler.Validate(p)
	if compiler.Diagnostics.IsErr() {
		return cp
	}

	for _, wf := range p {
		cp.Jobs = append(cp.Jobs, compiler.compileWorkflow(wf)...)
	}

	return cp
}

func (compiler *Compiler) compileWorkflow(w Workflow) []CompiledJob {
	if !w.Match(compiler.Trigger) {
		compiler.Diagnostics.AddWarning(
			w.Name,
			WorkflowSkipped,
			fmt.Sprintf("did not match trigger %s", compiler.Trigger.Kind),
		)
		return nil
	}
	if cs := w.MatchingConstraints(compiler.Trigger); len(cs) > 1 {
		compiler.Diagnostics.AddWarning(
			w.Name,
			Ignored,
			fmt.Sprintf("%d trigger filters match %s, running once", len(cs), compiler.Trigger.Kind),
		)
	}

	var jobs []CompiledJob
	for _, j := range w.Jobs {
		for _, combo := range j.Strategy.Matrix.Expand() {
			cj, err := compiler.compileJob(w, j, combo)
			if err != nil {
				compiler.Diagnostics.AddError(jobPath(w, j), err)
				continue
			}
			jobs = append(jobs, cj)
		}
	}

	return jobs
}

func (compiler *Compiler) compileJob(w Workflow, j Job, combo Combination) (CompiledJob, error) {
	ctx := ExprContext{Matrix: combo, Trigger: compiler.Trigger}

	name := j.DisplayName()
	if len(combo) > 0 {
		name = fmt.Sprintf("%s (%s)", name, combo.Values())
	}

	env := make(map[string]string, len(w.Environment)+len(j.Environment))
	for k, v := range w.Environment {
		env[k] = v
	}
	for k, v := range j.Environment {
		env[k] = v
	}
	env, err := InterpolateMap(env, ctx)
	if err != nil {
		return CompiledJob{}, err
	}

	cj := CompiledJob{
		Id:          compiler.uniqueId(w, j, combo),
		Workflow:    w.Name,
		Job:         j.Id,
		Name:        name,
		Matrix:      combo,
		Environment: env,
		Timeout:     minutes(j.TimeoutMinutes),
	}

	if s, ok := cloneStep(j); ok {
		cj.Steps = append(cj.Steps, s)
	}

	for _, s := range j.Steps {
		cs, err := compileStep(s, ctx)
		if err != nil {
			return CompiledJob{}, err
		}
		cj.Steps = append(cj.Steps, cs)
	}

	return cj, nil
}

func compileStep(s Step, ctx ExprContext) (CompiledStep, error) {
	name, err := Interpolate(s.DisplayName(), ctx)
	if err != nil {
		return CompiledStep{}, err
	}

	with, err := InterpolateMap(s.With, ctx)
	if err != nil {
		return CompiledStep{}, err
	}

	env, err := InterpolateMap(s.Environment, ctx)
	if err != nil {
		return CompiledStep{}, err
	}

	run, err := Interpolate(s.Run, ctx)
	if err != nil {
		return CompiledStep{}, err
	}

	cs := CompiledStep{
		Name:             name,
		Uses:             s.Uses,
		With:             with,
		Run:              run,
		Shell:            ShellBash,
		Environment:      env,
		WorkingDirectory: s.WorkingDirectory,
		Timeout:          minutes(s.TimeoutMinutes),
	}

	if s.Shell != "" {
		cs.Shell = Shell(s.Shell)
	}

	if s.Uses != "" {
		a, _ := LookupAction(s.Uses)
		cs.Action = &a
	} else {
		cs.Commands = Commands(run)
	}

	return cs, nil
}

// cloneStep injects a checkout at the start of flat-form workflows, unless
// cloning is skipped, there is nothing to run, or the job already checks
// out the repository itself.
func cloneStep(j Job) (CompiledStep, bool) {
	if j.Clone == nil || j.Clone.Skip || len(j.Steps) == 0 {
		return CompiledStep{}, false
	}

	for _, s := range j.Steps {
		if a, ok := LookupAction(s.Uses); ok && a.Kind == ActionCheckout {
			return CompiledStep{}, false
		}
	}

	a, _ := LookupAction("actions/checkout")
	with := map[string]string{
		"submodules": strconv.FormatBool(j.Clone.IncludeSubmodules),
	}
	if j.Clone.Depth > 0 {
		with["fetch-depth"] = strconv.Itoa(j.Clone.Depth)
	}

	return CompiledStep{
		Name:   "Clone repository into workspace",
		Uses:   "actions/checkout",
		Action: &a,
		With:   with,
		Shell:  ShellBash,
		System: true,
	}, true
}

func (compiler *Compiler) uniqueId(w Workflow, j Job, combo Combination) string {
	parts := []string{w.baseName(), j.Id}
	for _, av := range combo {
		parts = append(parts, av.Value)
	}
	id := strings.Join(parts, "-")

	if compiler.ids == nil {
		compiler.ids = make(map[string]int)
	}
	compiler.ids[id]++
	if n := compiler.ids[id]; n > 1 {
		id = fmt.Sprintf("%s-%d", id, n)
	}

	return id
}

func (compiler *Compiler) validateWorkflow(w Workflow) {
	for _, c := range w.When {
		for _, e := range c.Event {
			if !TriggerKind(e).Valid() {
				compiler.Diagnostics.AddError(w.Name, fmt.Errorf("%w: %q", ErrUnknownEvent, e))
			}
		}
		for _, b := range slices.Concat(c.Branch, c.Ignore) {
			if !doublestar.ValidatePattern(b) {
				compiler.Diagnostics.AddError(w.Name, fmt.Errorf("%w: %q", ErrBadBranchPattern, b))
			}
		}
	}

	if len(w.Jobs) == 0 {
		compiler.Diagnostics.AddWarning(w.Name, InvalidConfiguration, "workflow has no jobs")
	}

	for k, v := range w.Environment {
		if err := CheckExpressions(v, nil); err != nil {
			compiler.Diagnostics.AddError(w.Name+": env."+k, err)
		}
	}

	for _, j := range w.Jobs {
		compiler.validateJob(w, j)
	}
}

func (compiler *Compiler) validateJob(w Workflow, j Job) {
	path := jobPath(w, j)
	m := j.Strategy.Matrix

	for _, a := range m {
		if len(a.Values) == 0 {
			compiler.Diagnostics.AddError(path, fmt.Errorf("%w: %q", ErrEmptyAxis, a.Name))
		}
	}

	if j.TimeoutMinutes < 0 {
		compiler.Diagnostics.AddError(path, ErrNegativeTimeout)
	}

	if j.Strategy.FailFast != nil && *j.Strategy.FailFast {
		compiler.Diagnostics.AddWarning(path, Ignored, "`fail-fast`: matrix instances always run independently")
	}
	if j.Strategy.MaxParallel > 0 {
		compiler.Diagnostics.AddWarning(path, Ignored, "`max-parallel`: parallelism is set by the runner")
	}
	if len(j.RunsOn) > 0 {
		compiler.Diagnostics.AddWarning(path, Ignored, "`runs-on`: jobs run on the configured engine")
	}

	for k, v := range j.Environment {
		if err := CheckExpressions(v, m); err != nil {
			compiler.Diagnostics.AddError(path+".env."+k, err)
		}
	}

	if j.Clone != nil {
		compiler.analyzeCloneOptions(w, *j.Clone)
	}

	for i, s := range j.Steps {
		compiler.validateStep(fmt.Sprintf("%s.steps[%d]", path, i), s, m)
	}
}

func (compiler *Compiler) validateStep(path string, s Step, m Matrix) {
	hasUses := strings.TrimSpace(s.Uses) != ""
	hasRun := strings.TrimSpace(s.Run) != ""

	switch {
	case hasUses && hasRun:
		compiler.Diagnostics.AddError(path, ErrAmbiguousAction)
	case !hasUses && !hasRun:
		if s.Run != "" {
			compiler.Diagnostics.AddError(path, ErrEmptyRun)
		} else {
			compiler.Diagnostics.AddError(path, ErrNoAction)
		}
	case hasUses:
		compiler.validateAction(path, s, m)
	case hasRun:
		if len(Commands(s.Run)) == 0 {
			compiler.Diagnostics.AddError(path, ErrEmptyRun)
		}
	}

	if s.Shell != "" && !Shell(s.Shell).Valid() {
		compiler.Diagnostics.AddError(path, fmt.Errorf("%w: %q", ErrInvalidShell, s.Shell))
	}

	if s.TimeoutMinutes < 0 {
		compiler.Diagnostics.AddError(path, ErrNegativeTimeout)
	}

	check := func(field, v string) {
		if err := CheckExpressions(v, m); err != nil {
			compiler.Diagnostics.AddError(path+"."+field, err)
		}
	}
	check("name", s.Name)
	check("run", s.Run)
	for k, v := range s.With {
		check("with."+k, v)
	}
	for k, v := range s.Environment {
		check("env."+k, v)
	}
}

func (compiler *Compiler) validateAction(path string, s Step, m Matrix) {
	a, ok := LookupAction(s.Uses)
	if !ok {
		compiler.Diagnostics.AddError(path, fmt.Errorf("%w: %q", ErrUnknownAction, s.Uses))
		return
	}

	for k := range s.With {
		if !a.KnowsInput(k) {
			compiler.Diagnostics.AddWarning(path, Ignored, fmt.Sprintf("unknown input %q for %s", k, s.Uses))
		}
	}

	if a.Kind == ActionSetup {
		// expressions resolve to a single matrix value
		v := s.With[a.VersionInput()]
		bare := exprRe.ReplaceAllString(strings.TrimSpace(v), "x")
		if strings.ContainsAny(bare, " \n,") {
			compiler.Diagnostics.AddError(path, fmt.Errorf("%w: %q", ErrSetupNotParameter, v))
		}
	}
}

func (compiler *Compiler) analyzeCloneOptions(w Workflow, c CloneOpts) {
	if c.Skip && c.IncludeSubmodules {
		compiler.Diagnostics.AddWarning(
			w.Name,
			InvalidConfiguration,
			"cannot apply `clone.skip` and `clone.submodules`",
		)
	}

	if c.Skip && c.Depth > 0 {
		compiler.Diagnostics.AddWarning(
			w.Name,
			InvalidConfiguration,
			"cannot apply `clone.skip` and `clone.depth`",
		)
	}
}

func jobPath(w Workflow, j Job) string {
	return w.Name + ": jobs." + j.Id
}

func minutes(m float64) time.Duration {
	if m <= 0 {
		return 0
	}
	return time.Duration(m * float64(time.Minute))
}
