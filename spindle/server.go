package spindle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/go-chi/chi/v5"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
	"tangled.org/spindle/log"
	"tangled.org/spindle/notifier"
	"tangled.org/spindle/spindle/api"
	"tangled.org/spindle/spindle/config"
	"tangled.org/spindle/spindle/db"
	"tangled.org/spindle/spindle/engine"
	"tangled.org/spindle/spindle/models"
	"tangled.org/spindle/spindle/queue"
	"tangled.org/spindle/spindle/secrets"
	"tangled.org/spindle/telemetry"
	"tangled.org/spindle/tid"
	"tangled.org/spindle/workflow"
)

type Spindle struct {
	db  *db.DB
	l   *slog.Logger
	n   *notifier.Notifier
	r   *engine.Runner
	jq  *queue.Queue
	cfg *config.Config
	sm  secrets.Manager
	t   *telemetry.Telemetry

	// returns the workflows considered for every trigger
	load func() (workflow.RawPipeline, error)

	// parent of every pipeline run, cancelled on shutdown
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	inflight map[string]inflight
}

// inflight is the latest pipeline for an (event, branch) pair.
type inflight struct {
	pid    models.PipelineId
	cancel context.CancelFunc
}

func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "run the spindle daemon",
		Action: Run,
		Description: `
Environment variables:
	SPINDLE_SERVER_LISTEN_ADDR        (default: 127.0.0.1:6555)
	SPINDLE_SERVER_DB_PATH            (default: .spindle/spindle.db)
	SPINDLE_SERVER_REPO_DIR           (default: .)
	SPINDLE_SERVER_QUEUE_SIZE         (default: 100)
	SPINDLE_SERVER_WORKERS            (default: 2)
	SPINDLE_SERVER_DEV                (default: false)
	SPINDLE_SERVER_ADMIN_TOKEN        (secrets api disabled when unset)
	SPINDLE_SERVER_TELEMETRY          (default: none, or stdout, otlp)
	SPINDLE_PIPELINES_ENGINE          (default: local)
	SPINDLE_PIPELINES_WORKFLOW_DIRS   (default: .tangled/workflows,.github/workflows)
	SPINDLE_PIPELINES_LOG_DIR         (default: .spindle/logs)
	SPINDLE_PIPELINES_WORKSPACE_DIR   (default: .spindle/workspaces)
	SPINDLE_PIPELINES_MAX_PARALLEL    (default: 4)
	SPINDLE_PIPELINES_STEP_TIMEOUT    (default: 30m)
	SPINDLE_PIPELINES_SETUP_RETRIES   (default: 0)
	SPINDLE_PIPELINES_KEEP_WORKSPACES (default: false)
`,
	}
}

func Run(ctx context.Context, cmd *cli.Command) error {
	logger := log.FromContext(ctx)

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	d, err := db.Make(cfg.Server.DBPath)
	if err != nil {
		return fmt.Errorf("failed to setup db: %w", err)
	}
	defer d.Close()

	eng, err := NewEngine(ctx, cfg, cfg.Server.RepoDir, false)
	if err != nil {
		return fmt.Errorf("failed to setup engine: %w", err)
	}

	load := func() (workflow.RawPipeline, error) {
		return workflow.Load(cfg.Server.RepoDir, cfg.Pipelines.WorkflowDirs...)
	}

	sm, err := secrets.FromDB(d.DB)
	if err != nil {
		return fmt.Errorf("failed to setup secrets: %w", err)
	}

	s := New(ctx, cfg, d, eng, load)
	s.UseSecrets(sm)
	defer s.Stop()

	if exp := telemetry.Exporter(cfg.Server.Telemetry); exp != telemetry.ExporterNone {
		t, err := telemetry.NewTelemetry(ctx, "spindle", versioninfo.Short(), exp)
		if err != nil {
			return fmt.Errorf("failed to setup telemetry: %w", err)
		}
		defer t.Shutdown(context.WithoutCancel(ctx))
		s.UseTelemetry(t)
		logger.Info("telemetry enabled", "exporter", exp)
	}

	if cfg.Server.Dev {
		logger.Info("running in dev mode")
	}

	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: s.Router(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting spindle server", "address", cfg.Server.ListenAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	return g.Wait()
}

// New wires a daemon around an existing store and engine. The queue is
// started right away; Stop cancels running pipelines and waits for them.
func New(ctx context.Context, cfg *config.Config, d *db.DB, eng models.Engine, load func() (workflow.RawPipeline, error)) *Spindle {
	n := notifier.New()
	l := log.FromContext(ctx)

	r := engine.New(ctx, cfg, eng, d, n)
	jq := queue.NewQueue(cfg.Server.QueueSize, cfg.Server.Workers)

	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	s := &Spindle{
		db:       d,
		l:        l,
		n:        n,
		r:        r,
		jq:       jq,
		cfg:      cfg,
		load:     load,
		ctx:      rctx,
		cancel:   cancel,
		inflight: make(map[string]inflight),
	}

	// starts a job queue runner in the background
	jq.Start()

	return s
}

// UseSecrets exposes secrets to every job and, with an admin token
// configured, serves them under /api.
func (s *Spindle) UseSecrets(m secrets.Manager) {
	s.sm = m
	s.r.UseSecrets(m)
}

// UseTelemetry traces and measures requests and pipeline runs.
func (s *Spindle) UseTelemetry(t *telemetry.Telemetry) {
	s.t = t
	s.r.Instrument(t.TracerProvider(), t.MeterProvider())
}

func (s *Spindle) Stop() {
	s.cancel()
	s.jq.Stop()
}

func (s *Spindle) Router() http.Handler {
	mux := chi.NewRouter()
	mux.Use(s.RequestLogger)
	if s.t != nil {
		mux.Use(s.t.Trace(), s.t.RequestInFlight(), s.t.RequestDuration())
	}

	mux.Post("/trigger", s.Trigger)
	mux.Get("/pipelines", s.Pipelines)
	mux.Get("/pipelines/{pipeline}", s.Pipeline)
	mux.HandleFunc("/events", s.Events)
	mux.HandleFunc("/logs/{pipeline}/{job}", s.Logs)
	mux.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	if s.sm != nil && s.cfg.Server.AdminToken != "" {
		a := &api.Api{
			Logger:  s.l.With("component", "api"),
			Secrets: s.sm,
			Token:   s.cfg.Server.AdminToken,
		}
		mux.Mount("/api", a.Router())
	}

	return mux
}

type triggerResponse struct {
	Pipeline string   `json:"pipeline"`
	Jobs     []string `json:"jobs"`
	Warnings []string `json:"warnings,omitempty"`
}

type errorResponse struct {
	Error    string   `json:"error"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func (s *Spindle) Trigger(w http.ResponseWriter, r *http.Request) {
	l := s.l.With("handler", "Trigger")

	var tr workflow.TriggerMetadata
	if err := json.NewDecoder(r.Body).Decode(&tr); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("decoding trigger: %s", err)})
		return
	}
	if err := ValidateTrigger(&tr); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	raw, err := s.load()
	if err != nil {
		l.Error("failed to load workflows", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to load workflows"})
		return
	}

	pipeline, diags := Compile(tr, raw)
	if diags.IsErr() {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:    workflow.ErrInvalidWorkflowSpec.Error(),
			Errors:   messages(diags.Errors),
			Warnings: messages(diags.Warnings),
		})
		return
	}

	if len(pipeline.Jobs) == 0 {
		l.Info("no workflow matched", "event", tr.Kind, "branch", tr.Branch())
		w.WriteHeader(http.StatusNoContent)
		return
	}

	pid := models.PipelineId{Rkey: tid.TID()}
	if !s.enqueue(pid, pipeline) {
		l.Error("failed to enqueue pipeline: queue is full")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "queue is full"})
		return
	}
	l.Info("pipeline enqueued successfully", "id", pid.Rkey, "jobs", len(pipeline.Jobs))

	resp := triggerResponse{
		Pipeline: pid.Rkey,
		Warnings: messages(diags.Warnings),
	}
	for _, j := range pipeline.Jobs {
		resp.Jobs = append(resp.Jobs, models.JobId{PipelineId: pid, Name: j.Id}.String())
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// enqueue schedules a pipeline run. A pending or running pipeline for the
// same event and branch is cancelled; it finishes incomplete.
func (s *Spindle) enqueue(pid models.PipelineId, pipeline workflow.CompiledPipeline) bool {
	key := supersedeKey(pipeline.Trigger)
	ctx, cancel := context.WithCancel(s.ctx)

	s.mu.Lock()
	if prev, ok := s.inflight[key]; ok {
		s.l.Info("superseding pipeline", "old", prev.pid, "new", pid, "key", key)
		prev.cancel()
	}
	s.inflight[key] = inflight{pid: pid, cancel: cancel}
	s.mu.Unlock()

	ok := s.jq.Enqueue(queue.Job{
		Run: func() error {
			defer s.release(key, pid)
			_, err := s.r.StartWorkflows(ctx, pipeline, pid)
			return err
		},
		OnFail: func(jobError error) {
			s.l.Error("pipeline run failed", "pipeline", pid, "error", jobError)
		},
	})
	if !ok {
		s.release(key, pid)
	}
	return ok
}

func (s *Spindle) release(key string, pid models.PipelineId) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.inflight[key]; ok && cur.pid == pid {
		cur.cancel()
		delete(s.inflight, key)
	}
}

func supersedeKey(tr workflow.TriggerMetadata) string {
	return string(tr.Kind) + "/" + tr.Branch()
}

type pipelineResponse struct {
	db.Pipeline
	Statuses []models.PipelineStatus `json:"statuses"`
}

func (s *Spindle) Pipelines(w http.ResponseWriter, r *http.Request) {
	pipelines, err := s.db.GetPipelines(r.URL.Query().Get("cursor"))
	if err != nil {
		s.l.Error("failed to list pipelines", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if pipelines == nil {
		pipelines = []db.Pipeline{}
	}
	writeJSON(w, http.StatusOK, pipelines)
}

func (s *Spindle) Pipeline(w http.ResponseWriter, r *http.Request) {
	rkey := chi.URLParam(r, "pipeline")

	p, err := s.db.GetPipeline(rkey)
	if errors.Is(err, db.ErrPipelineNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		s.l.Error("failed to get pipeline", "pipeline", rkey, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	statuses, err := s.db.GetStatuses(models.PipelineId{Rkey: rkey})
	if err != nil {
		s.l.Error("failed to get statuses", "pipeline", rkey, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, pipelineResponse{Pipeline: p, Statuses: statuses})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func messages[T fmt.Stringer](ds []T) []string {
	var msgs []string
	for _, d := range ds {
		msgs = append(msgs, d.String())
	}
	return msgs
}
