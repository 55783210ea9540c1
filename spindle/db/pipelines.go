package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tangled.org/spindle/notifier"
	"tangled.org/spindle/spindle/models"
	"tangled.org/spindle/workflow"
)

type Pipeline struct {
	Rkey    string                   `json:"rkey"`
	Event   string                   `json:"event"`
	Branch  string                   `json:"branch"`
	Sha     string                   `json:"sha"`
	Trigger workflow.TriggerMetadata `json:"trigger"`
	Status  models.StatusKind        `json:"status"`
	Jobs    int                      `json:"jobs"`

	// only if the pipeline did not pass
	Error string `json:"error,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

var ErrPipelineNotFound = errors.New("pipeline not found")

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func (db *DB) CreatePipeline(pid models.PipelineId, tr workflow.TriggerMetadata, jobs int, n *notifier.Notifier) error {
	trigger, err := json.Marshal(tr)
	if err != nil {
		return err
	}

	ts := now()
	_, err = db.Exec(`
		insert into pipelines (rkey, event, branch, sha, trigger_json, status, jobs, started_at, updated_at)
		values (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, pid.Rkey, string(tr.Kind), tr.Branch(), tr.Sha(), string(trigger), models.StatusKindPending, jobs, ts, ts)
	if err != nil {
		return err
	}

	n.NotifyAll()
	return nil
}

func (db *DB) MarkPipelineRunning(pid models.PipelineId, n *notifier.Notifier) error {
	_, err := db.Exec(`
		update pipelines
		set status = ?, updated_at = ?
		where rkey = ?
	`, models.StatusKindRunning, now(), pid.Rkey)
	if err != nil {
		return err
	}

	n.NotifyAll()
	return nil
}

// FinishPipeline records the aggregated status of a pipeline.
func (db *DB) FinishPipeline(pid models.PipelineId, status models.StatusKind, errorMsg string, n *notifier.Notifier) error {
	ts := now()
	_, err := db.Exec(`
		update pipelines
		set status = ?,
		    error = ?,
		    updated_at = ?,
		    finished_at = ?
		where rkey = ?
	`, status, errorMsg, ts, ts, pid.Rkey)
	if err != nil {
		return err
	}

	n.NotifyAll()
	return nil
}

const pipelineColumns = `rkey, event, branch, sha, trigger_json, status, jobs, error, started_at, updated_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanPipeline(row scanner) (Pipeline, error) {
	var p Pipeline
	var trigger, startedAt, updatedAt, finishedAt string

	err := row.Scan(&p.Rkey, &p.Event, &p.Branch, &p.Sha, &trigger, &p.Status, &p.Jobs, &p.Error, &startedAt, &updatedAt, &finishedAt)
	if err != nil {
		return p, err
	}

	if err := json.Unmarshal([]byte(trigger), &p.Trigger); err != nil {
		return p, fmt.Errorf("decoding trigger: %w", err)
	}

	p.StartedAt = parseTime(startedAt)
	p.UpdatedAt = parseTime(updatedAt)
	p.FinishedAt = parseTime(finishedAt)

	return p, nil
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (db *DB) GetPipeline(rkey string) (Pipeline, error) {
	row := db.QueryRow(`select `+pipelineColumns+` from pipelines where rkey = ?`, rkey)

	p, err := scanPipeline(row)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrPipelineNotFound
	}
	return p, err
}

// GetPipelines pages through pipelines oldest first, starting after cursor.
func (db *DB) GetPipelines(cursor string) ([]Pipeline, error) {
	whereClause := ""
	args := []any{}
	if cursor != "" {
		whereClause = "where rkey > ?"
		args = append(args, cursor)
	}

	query := fmt.Sprintf(`
		select %s
		from pipelines
		%s
		order by rkey asc
		limit 100
	`, pipelineColumns, whereClause)

	return db.queryPipelines(query, args...)
}

// RecentPipelines returns the latest pipelines, newest first.
func (db *DB) RecentPipelines(limit int) ([]Pipeline, error) {
	query := fmt.Sprintf(`
		select %s
		from pipelines
		order by rkey desc
		limit ?
	`, pipelineColumns)

	return db.queryPipelines(query, limit)
}

func (db *DB) queryPipelines(query string, args ...any) ([]Pipeline, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pipelines []Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, err
		}
		pipelines = append(pipelines, p)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return pipelines, nil
}
