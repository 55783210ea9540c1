package db

import (
	"encoding/json"
	"fmt"
	"time"

	"tangled.org/spindle/notifier"
	"tangled.org/spindle/spindle/models"
	"tangled.org/spindle/tid"
)

type Event struct {
	Rkey      string `json:"rkey"`
	Pipeline  string `json:"pipeline"`
	Job       string `json:"job"`
	Created   int64  `json:"created"`
	EventJson string `json:"event"`
}

func (d *DB) InsertEvent(event Event, notifier *notifier.Notifier) error {
	_, err := d.Exec(
		`insert into events (rkey, pipeline, job, event, created) values (?, ?, ?, ?, ?)`,
		event.Rkey,
		event.Pipeline,
		event.Job,
		event.EventJson,
		event.Created,
	)

	notifier.NotifyAll()

	return err
}

// GetEvents returns the events created after cursor, oldest first.
func (d *DB) GetEvents(cursor int64) ([]Event, error) {
	whereClause := ""
	args := []any{}
	if cursor > 0 {
		whereClause = "where created > ?"
		args = append(args, cursor)
	}

	query := fmt.Sprintf(`
		select rkey, pipeline, job, event, created
		from events
		%s
		order by created asc
		limit 100
	`, whereClause)

	rows, err := d.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var evts []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.Rkey, &ev.Pipeline, &ev.Job, &ev.EventJson, &ev.Created); err != nil {
			return nil, err
		}
		evts = append(evts, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return evts, nil
}

func (d *DB) createStatusEvent(
	jobId models.JobId,
	name string,
	statusKind models.StatusKind,
	jobError *string,
	exitCode *int64,
	n *notifier.Notifier,
) error {
	now := time.Now()
	s := models.PipelineStatus{
		CreatedAt: now.Format(time.RFC3339),
		Error:     jobError,
		ExitCode:  exitCode,
		Pipeline:  jobId.Rkey,
		Job:       jobId.Name,
		Name:      name,
		Status:    statusKind,
	}

	eventJson, err := json.Marshal(s)
	if err != nil {
		return err
	}

	event := Event{
		Rkey:      tid.TID(),
		Pipeline:  jobId.Rkey,
		Job:       jobId.Name,
		Created:   now.UnixNano(),
		EventJson: string(eventJson),
	}

	return d.InsertEvent(event, n)
}

// GetStatus returns the latest status of a job instance.
func (d *DB) GetStatus(jobId models.JobId) (*models.PipelineStatus, error) {
	var eventJson string
	err := d.QueryRow(
		`
		select
			event from events
		where
			pipeline = ?
			and job = ?
		order by
			created desc, rowid desc
		limit
			1
		`,
		jobId.Rkey,
		jobId.Name,
	).Scan(&eventJson)

	if err != nil {
		return nil, err
	}

	var status models.PipelineStatus
	if err := json.Unmarshal([]byte(eventJson), &status); err != nil {
		return nil, err
	}

	return &status, nil
}

// GetStatuses returns the latest status of every job instance of a
// pipeline, ordered by job.
func (d *DB) GetStatuses(pid models.PipelineId) ([]models.PipelineStatus, error) {
	rows, err := d.Query(
		`
		select e.event
		from events e
		where
			e.pipeline = ?
			and e.rowid = (
				select max(rowid) from events
				where pipeline = e.pipeline and job = e.job
			)
		order by e.job
		`,
		pid.Rkey,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var statuses []models.PipelineStatus
	for rows.Next() {
		var eventJson string
		if err := rows.Scan(&eventJson); err != nil {
			return nil, err
		}

		var status models.PipelineStatus
		if err := json.Unmarshal([]byte(eventJson), &status); err != nil {
			return nil, err
		}
		statuses = append(statuses, status)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return statuses, nil
}

func (d *DB) StatusPending(jobId models.JobId, name string, n *notifier.Notifier) error {
	return d.createStatusEvent(jobId, name, models.StatusKindPending, nil, nil, n)
}

func (d *DB) StatusRunning(jobId models.JobId, name string, n *notifier.Notifier) error {
	return d.createStatusEvent(jobId, name, models.StatusKindRunning, nil, nil, n)
}

func (d *DB) StatusFailed(jobId models.JobId, name string, jobError string, exitCode int64, n *notifier.Notifier) error {
	return d.createStatusEvent(jobId, name, models.StatusKindFailed, &jobError, &exitCode, n)
}

func (d *DB) StatusSuccess(jobId models.JobId, name string, n *notifier.Notifier) error {
	return d.createStatusEvent(jobId, name, models.StatusKindSuccess, nil, nil, n)
}

func (d *DB) StatusTimeout(jobId models.JobId, name string, n *notifier.Notifier) error {
	return d.createStatusEvent(jobId, name, models.StatusKindTimeout, nil, nil, n)
}

func (d *DB) StatusCancelled(jobId models.JobId, name string, reason string, n *notifier.Notifier) error {
	return d.createStatusEvent(jobId, name, models.StatusKindCancelled, &reason, nil, n)
}
