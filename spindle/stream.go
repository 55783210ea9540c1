package spindle

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/hpcloud/tail"
	"tangled.org/spindle/spindle/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

const keepalive = 30 * time.Second

// Events streams status events as JSON. Clients resume with ?cursor=, the
// creation time of the last event they saw.
func (s *Spindle) Events(w http.ResponseWriter, r *http.Request) {
	l := s.l.With("handler", "Events")
	l.Info("received new connection")

	var cursor int64
	if c := r.URL.Query().Get("cursor"); c != "" {
		var err error
		cursor, err = strconv.ParseInt(c, 10, 64)
		if err != nil {
			http.Error(w, "invalid cursor", http.StatusBadRequest)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()
	l.Info("upgraded http to wss")

	ch := s.n.Subscribe()
	defer s.n.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go readUntilClosed(conn, cancel)

	// complete backfill first before going to live data
	l.Info("going through backfill", "cursor", cursor)
	if err := s.streamEvents(conn, &cursor); err != nil {
		l.Error("failed to backfill", "err", err)
		return
	}

	for {
		// wait for new data or timeout
		select {
		case <-ctx.Done():
			l.Info("stopping stream: client closed connection")
			return
		case <-ch:
			// we have been notified of new data
			l.Debug("going through live data", "cursor", cursor)
			if err := s.streamEvents(conn, &cursor); err != nil {
				l.Error("failed to stream", "err", err)
				return
			}
		case <-time.After(keepalive):
			// send a keep-alive
			l.Debug("sent keepalive")
			if err = conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(time.Second)); err != nil {
				l.Error("failed to write control", "err", err)
			}
		}
	}
}

func (s *Spindle) streamEvents(conn *websocket.Conn, cursor *int64) error {
	for {
		events, err := s.db.GetEvents(*cursor)
		if err != nil {
			return err
		}

		for _, ev := range events {
			if err := conn.WriteJSON(ev); err != nil {
				return err
			}
			*cursor = ev.Created
		}

		// pages hold at most 100 events
		if len(events) < 100 {
			return nil
		}
	}
}

// Logs streams the log lines of a job instance. The stream follows the
// file until the job finishes.
func (s *Spindle) Logs(w http.ResponseWriter, r *http.Request) {
	l := s.l.With("handler", "Logs")

	jid := models.JobId{
		PipelineId: models.PipelineId{Rkey: chi.URLParam(r, "pipeline")},
		Name:       chi.URLParam(r, "job"),
	}

	status, err := s.db.GetStatus(jid)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		l.Error("failed to get status", "job", jid, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	path, err := models.LogFilePath(s.cfg.Pipelines.LogDir, jid)
	if err != nil {
		http.Error(w, "invalid job", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go readUntilClosed(conn, cancel)

	finished := func() bool {
		st, err := s.db.GetStatus(jid)
		return err == nil && st.Status.IsFinish()
	}

	ch := s.n.Subscribe()
	defer s.n.Unsubscribe(ch)

	err = TailLog(ctx, path, !status.Status.IsFinish(), ch, finished, func(line string) error {
		return conn.WriteMessage(websocket.TextMessage, []byte(line))
	})
	if err != nil {
		l.Error("failed to stream logs", "job", jid, "error", err)
		return
	}

	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "end of log"),
		time.Now().Add(time.Second),
	)
}

// TailLog calls fn for every line of the log file at path. When follow is
// set it keeps reading new lines until done reports true, which is checked
// on every wake and once a second.
func TailLog(ctx context.Context, path string, follow bool, wake <-chan struct{}, done func() bool, fn func(string) error) error {
	if !follow {
		if _, err := os.Stat(path); err != nil {
			return err
		}
	}

	t, err := tail.TailFile(path, tail.Config{
		Follow:    follow,
		ReOpen:    follow,
		MustExist: !follow,
		Location:  &tail.SeekInfo{Offset: 0, Whence: io.SeekStart},
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return err
	}
	defer func() {
		// the tailer blocks on sending lines nobody reads anymore
		go func() {
			for range t.Lines {
			}
		}()
		t.Stop()
		t.Cleanup()
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	stopping := false
	check := func() {
		if follow && !stopping && done() {
			stopping = true
			// drain what was written before the job finished
			go t.StopAtEOF()
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-wake:
			check()

		case <-ticker.C:
			check()

		case line, ok := <-t.Lines:
			if !ok {
				return nil
			}
			if line.Err != nil {
				return line.Err
			}
			if err := fn(line.Text); err != nil {
				return err
			}
		}
	}
}

func readUntilClosed(conn *websocket.Conn, cancel context.CancelFunc) {
	for {
		if _, _, err := conn.NextReader(); err != nil {
			cancel()
			return
		}
	}
}
