package spindle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"
	"tangled.org/spindle/log"
	"tangled.org/spindle/spindle/config"
	"tangled.org/spindle/spindle/db"
	"tangled.org/spindle/spindle/engine"
	"tangled.org/spindle/spindle/models"
	"tangled.org/spindle/spindle/secrets"
	"tangled.org/spindle/spindle/workspace"
	"tangled.org/spindle/tid"
	"tangled.org/spindle/workflow"
)

// exit codes of the run command
const (
	ExitPassed     = 0
	ExitFailed     = 1
	ExitInvalid    = 2
	ExitIncomplete = 3
	ExitInternal   = 4
)

func RunCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "run the workflows of a repository locally",
		ArgsUsage: "[repo]",
		Action:    runPipeline,
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:    "workflow",
				Aliases: []string{"w"},
				Usage:   "workflow file or directory, may be repeated (default: configured workflow dirs)",
			},
			&cli.StringFlag{
				Name:  "event",
				Usage: "event to simulate: push, pull_request or manual",
				Value: string(workflow.TriggerKindPush),
			},
			&cli.StringFlag{
				Name:  "branch",
				Usage: "branch of the event (default: checked out branch)",
			},
			&cli.StringFlag{
				Name:  "sha",
				Usage: "commit of the event (default: HEAD)",
			},
			&cli.StringFlag{
				Name:  "engine",
				Usage: "engine running the steps: local or docker",
			},
			&cli.IntFlag{
				Name:  "parallel",
				Usage: "maximum number of job instances running at once",
			},
			&cli.DurationFlag{
				Name:  "step-timeout",
				Usage: "timeout of a single step",
			},
			&cli.UintFlag{
				Name:  "setup-retries",
				Usage: "retries of setup steps failing with an unavailable environment",
			},
			&cli.BoolFlag{
				Name:  "in-place",
				Usage: "run steps in the repository instead of a fresh workspace (local engine only)",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "log runner internals",
			},
		},
	}
}

func runPipeline(ctx context.Context, cmd *cli.Command) error {
	level := slog.LevelWarn
	if cmd.Bool("verbose") {
		level = slog.LevelDebug
	}
	ctx = log.IntoContext(ctx, slog.New(log.NewHandlerWithOptions("spindle", log.Options{Level: level})))

	cfg, err := config.Load(ctx)
	if err != nil {
		return internalError("failed to load config", err)
	}
	if err := applyRunFlags(cmd, cfg); err != nil {
		return cli.Exit(err.Error(), ExitInternal)
	}

	dir := cmd.Args().First()
	if dir == "" {
		dir = "."
	}
	root, err := workspace.Root(dir)
	if err != nil {
		// not a git repository, checkout steps will fail but plain runs work
		root = dir
	}

	tr, err := triggerFromFlags(cmd, root)
	if err != nil {
		return cli.Exit(err.Error(), ExitInternal)
	}

	paths := cmd.StringSlice("workflow")
	if len(paths) == 0 {
		paths = cfg.Pipelines.WorkflowDirs
	}
	raw, err := workflow.Load(root, paths...)
	if err != nil {
		return internalError("failed to load workflows", err)
	}

	pipeline, diags := Compile(tr, raw)
	for _, w := range diags.Warnings {
		fmt.Fprintln(os.Stderr, "warning:", w)
	}
	if diags.IsErr() {
		for _, e := range diags.Errors {
			fmt.Fprintln(os.Stderr, "error:", e)
		}
		return cli.Exit(workflow.ErrInvalidWorkflowSpec.Error(), ExitInvalid)
	}

	if len(pipeline.Jobs) == 0 {
		fmt.Printf("no workflow matched %s on %q\n", tr.Kind, tr.Branch())
		return nil
	}

	d, err := db.Make(cfg.Server.DBPath)
	if err != nil {
		return internalError("failed to setup db", err)
	}
	defer d.Close()

	eng, err := NewEngine(ctx, cfg, root, cmd.Bool("in-place"))
	if err != nil {
		return internalError("failed to setup engine", err)
	}

	sm, err := secrets.FromDB(d.DB)
	if err != nil {
		return internalError("failed to setup secrets", err)
	}

	r := engine.New(ctx, cfg, eng, d, nil)
	r.UseSecrets(sm)
	r.Echo(os.Stdout)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	pid := models.PipelineId{Rkey: tid.TID()}
	res, err := r.StartWorkflows(ctx, pipeline, pid)
	if err != nil {
		return internalError("failed to run pipeline", err)
	}

	PrintSummary(os.Stdout, res)

	switch {
	case res.Status == models.StatusKindSuccess:
		return nil
	case res.Status.IsFailed():
		return cli.Exit("", ExitFailed)
	}
	return cli.Exit("", ExitIncomplete)
}

func internalError(msg string, err error) error {
	return cli.Exit(fmt.Sprintf("%s: %s", msg, err), ExitInternal)
}

func applyRunFlags(cmd *cli.Command, cfg *config.Config) error {
	if cmd.IsSet("engine") {
		cfg.Pipelines.Engine = cmd.String("engine")
	}
	if cmd.IsSet("parallel") {
		cfg.Pipelines.MaxParallel = cmd.Int("parallel")
	}
	if cmd.IsSet("step-timeout") {
		cfg.Pipelines.StepTimeout = cmd.Duration("step-timeout")
	}
	if cmd.IsSet("setup-retries") {
		cfg.Pipelines.SetupRetries = cmd.Uint("setup-retries")
	}
	if cmd.Bool("in-place") && cfg.Pipelines.Engine != config.EngineLocal {
		return fmt.Errorf("--in-place needs the %s engine", config.EngineLocal)
	}
	return cfg.Validate()
}

// triggerFromFlags builds the simulated event. Branch and commit default
// to the checked out state of the repository at root.
func triggerFromFlags(cmd *cli.Command, root string) (workflow.TriggerMetadata, error) {
	branch, sha := cmd.String("branch"), cmd.String("sha")
	if branch == "" || sha == "" {
		headBranch, headSha, err := workspace.Head(root)
		if err == nil {
			if branch == "" {
				branch = headBranch
			}
			if sha == "" {
				sha = headSha
			}
		}
	}

	tr := workflow.TriggerMetadata{Kind: workflow.TriggerKind(cmd.String("event"))}
	ref := "refs/heads/" + branch

	switch tr.Kind {
	case workflow.TriggerKindPush:
		tr.Push = &workflow.PushTriggerData{Ref: ref, NewSha: sha}
	case workflow.TriggerKindPullRequest:
		tr.PullRequest = &workflow.PullRequestTriggerData{
			TargetBranch: branch,
			SourceBranch: branch,
			SourceSha:    sha,
			Action:       "opened",
		}
	case workflow.TriggerKindManual:
		tr.Manual = &workflow.ManualTriggerData{Ref: ref}
	}

	if err := ValidateTrigger(&tr); err != nil {
		return tr, err
	}
	if branch == "" && tr.Kind != workflow.TriggerKindManual {
		return tr, errors.New("no branch checked out, pass --branch")
	}
	return tr, nil
}

// PrintSummary writes the verdict of every job instance and of the run.
func PrintSummary(w io.Writer, res *models.RunResult) {
	fmt.Fprintln(w)
	for _, j := range res.Jobs {
		fmt.Fprintf(w, "%-10s %s (%s)\n", j.Status.Outcome(), j.Name, j.Duration().Round(time.Millisecond))
		for _, s := range j.Steps {
			if s.Status.IsFailed() || s.Status == models.StatusKindCancelled {
				fmt.Fprintf(w, "           step %q %s: %s\n", s.Name, s.Status, s.Error)
			}
		}
	}
	fmt.Fprintf(w, "\npipeline %s %s in %s\n", res.Pipeline, res.Status.Outcome(), res.Duration().Round(time.Millisecond))
}

func StatusCommand() *cli.Command {
	return &cli.Command{
		Name:   "status",
		Usage:  "list recent pipelines",
		Action: status,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "limit",
				Usage: "number of pipelines to show",
				Value: 10,
			},
		},
	}
}

func status(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	d, err := db.Make(cfg.Server.DBPath)
	if err != nil {
		return fmt.Errorf("failed to setup db: %w", err)
	}
	defer d.Close()

	pipelines, err := d.RecentPipelines(cmd.Int("limit"))
	if err != nil {
		return err
	}

	printPipelines(os.Stdout, pipelines)
	return nil
}

func printPipelines(w io.Writer, pipelines []db.Pipeline) {
	if len(pipelines) == 0 {
		fmt.Fprintln(w, "no pipelines yet")
		return
	}

	for _, p := range pipelines {
		line := fmt.Sprintf("%s  %-10s %-12s %-20s %s", p.Rkey, p.Status.Outcome(), p.Event, p.Branch, humanize.Time(p.StartedAt))
		if p.Error != "" {
			line += "  " + p.Error
		}
		fmt.Fprintln(w, line)
	}
}

func LogsCommand() *cli.Command {
	return &cli.Command{
		Name:      "logs",
		Usage:     "print the output of a job",
		ArgsUsage: "<pipeline> <job>",
		Action:    logs,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "follow",
				Aliases: []string{"f"},
				Usage:   "keep printing until the job finishes",
			},
			&cli.BoolFlag{
				Name:  "raw",
				Usage: "print log lines as stored",
			},
		},
	}
}

func logs(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 2 {
		return fmt.Errorf("expected <pipeline> <job>")
	}

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	d, err := db.Make(cfg.Server.DBPath)
	if err != nil {
		return fmt.Errorf("failed to setup db: %w", err)
	}
	defer d.Close()

	jid := models.JobId{
		PipelineId: models.PipelineId{Rkey: cmd.Args().Get(0)},
		Name:       cmd.Args().Get(1),
	}

	finished := func() bool {
		st, err := d.GetStatus(jid)
		return err != nil || st.Status.IsFinish()
	}
	if _, err := d.GetStatus(jid); err != nil {
		return fmt.Errorf("job %s: %w", jid, err)
	}

	path, err := models.LogFilePath(cfg.Pipelines.LogDir, jid)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	raw := cmd.Bool("raw")
	follow := cmd.Bool("follow") && !finished()
	return TailLog(ctx, path, follow, nil, finished, func(line string) error {
		if raw {
			_, err := fmt.Println(line)
			return err
		}
		return printLogLine(os.Stdout, line)
	})
}

func printLogLine(w io.Writer, line string) error {
	l, err := models.ParseLogLine([]byte(line))
	if err != nil {
		return err
	}

	switch l.Kind {
	case models.LogKindControl:
		if l.StepStatus == models.StatusKindRunning {
			_, err = fmt.Fprintf(w, "==> %s\n", l.Content)
		} else if l.StepStatus != models.StatusKindSuccess {
			_, err = fmt.Fprintf(w, "==> %s %s\n", l.Content, l.StepStatus)
		}
	default:
		_, err = fmt.Fprintln(w, l.Content)
	}
	return err
}

func SecretCommand() *cli.Command {
	return &cli.Command{
		Name:  "secret",
		Usage: "manage secrets exposed to jobs as environment variables",
		Commands: []*cli.Command{
			{
				Name:      "add",
				Usage:     "add a secret, the value is read from stdin when omitted",
				ArgsUsage: "<key> [value]",
				Action:    addSecret,
			},
			{
				Name:   "list",
				Usage:  "list secret keys",
				Action: listSecrets,
			},
			{
				Name:      "remove",
				Usage:     "remove a secret",
				ArgsUsage: "<key>",
				Action:    removeSecret,
			},
		},
	}
}

func openSecrets(ctx context.Context) (*secrets.SqliteManager, *db.DB, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	d, err := db.Make(cfg.Server.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to setup db: %w", err)
	}

	m, err := secrets.FromDB(d.DB)
	if err != nil {
		d.Close()
		return nil, nil, err
	}
	return m, d, nil
}

func addSecret(ctx context.Context, cmd *cli.Command) error {
	key := cmd.Args().Get(0)
	if err := secrets.ValidateKey(key); err != nil {
		return fmt.Errorf("%q: %w", key, err)
	}

	value := cmd.Args().Get(1)
	if cmd.Args().Len() < 2 {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return err
		}
		value = strings.TrimRight(string(b), "\r\n")
	}

	m, d, err := openSecrets(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	return m.AddSecret(ctx, secrets.UnlockedSecret{Key: key, Value: value})
}

func listSecrets(ctx context.Context, cmd *cli.Command) error {
	m, d, err := openSecrets(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	all, err := m.GetSecretsLocked(ctx)
	if err != nil {
		return err
	}
	for _, s := range all {
		fmt.Printf("%-30s added %s\n", s.Key, humanize.Time(s.CreatedAt))
	}
	return nil
}

func removeSecret(ctx context.Context, cmd *cli.Command) error {
	m, d, err := openSecrets(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	return m.RemoveSecret(ctx, cmd.Args().First())
}
