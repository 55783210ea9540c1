package models

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// regex to match ANSI escape codes (e.g., color codes, cursor moves)
const ansi = "[\u001B\u009B][[\\]()#;?]*(?:(?:(?:[a-zA-Z\\d]*(?:;[a-zA-Z\\d]*)*)?\u0007)|(?:(?:\\d{1,4}(?:;\\d{0,4})*)?[\\dA-PRZcf-ntqry=><~]))"

var ansiRe = regexp.MustCompile(ansi)

type LogKind string

const (
	// step output
	LogKindData LogKind = "data"
	// step boundaries and status changes
	LogKindControl LogKind = "control"
)

type LogLine struct {
	Kind       LogKind    `json:"kind"`
	Time       time.Time  `json:"time"`
	Content    string     `json:"content"`
	StepId     int        `json:"step_id"`
	Stream     string     `json:"stream,omitempty"`
	StepStatus StatusKind `json:"step_status,omitempty"`
	StepKind   string     `json:"step_kind,omitempty"`
}

func NewDataLogLine(idx int, content, stream string) LogLine {
	return LogLine{
		Kind:    LogKindData,
		Time:    time.Now(),
		Content: content,
		StepId:  idx,
		Stream:  stream,
	}
}

func NewControlLogLine(idx int, step Step, status StatusKind) LogLine {
	return LogLine{
		Kind:       LogKindControl,
		Time:       time.Now(),
		Content:    step.Name,
		StepId:     idx,
		StepStatus: status,
		StepKind:   step.Kind.String(),
	}
}

// JobLogger records the output of one job instance as JSON lines.
type JobLogger struct {
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder

	echo   io.Writer
	prefix string

	// redacts secret values from step output
	masker *strings.Replacer
}

func NewJobLogger(baseDir string, jid JobId) (*JobLogger, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}

	path, err := LogFilePath(baseDir, jid)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("creating log file: %w", err)
	}

	return &JobLogger{
		file:    file,
		encoder: json.NewEncoder(file),
	}, nil
}

// Echo additionally prints every line to w, prefixed with the job name.
func (l *JobLogger) Echo(w io.Writer, prefix string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.echo = w
	l.prefix = prefix
}

func LogFilePath(baseDir string, jid JobId) (string, error) {
	path, err := securejoin.SecureJoin(baseDir, fmt.Sprintf("%s.log", jid.String()))
	if err != nil {
		return "", fmt.Errorf("resolving log path: %w", err)
	}
	return path, nil
}

func (l *JobLogger) Close() error {
	return l.file.Close()
}

func (l *JobLogger) encode(entry LogLine) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.masker != nil && entry.Kind == LogKindData {
		entry.Content = l.masker.Replace(entry.Content)
	}

	if l.echo != nil {
		switch entry.Kind {
		case LogKindData:
			fmt.Fprintf(l.echo, "[%s] %s\n", l.prefix, entry.Content)
		case LogKindControl:
			fmt.Fprintf(l.echo, "[%s] %s: %s\n", l.prefix, entry.StepStatus, entry.Content)
		}
	}

	return l.encoder.Encode(entry)
}

// Mask replaces every occurrence of the given values in step output.
func (l *JobLogger) Mask(values ...string) {
	var pairs []string
	for _, v := range values {
		if v != "" {
			pairs = append(pairs, v, "***")
		}
	}
	if len(pairs) == 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.masker = strings.NewReplacer(pairs...)
}

// Control records a status change of step idx.
func (l *JobLogger) Control(idx int, step Step, status StatusKind) error {
	return l.encode(NewControlLogLine(idx, step, status))
}

// DataWriter returns a writer that records whole lines of the given stream.
// Call Flush once the step is done to record a trailing partial line.
func (l *JobLogger) DataWriter(idx int, stream string) *DataWriter {
	return &DataWriter{
		logger: l,
		idx:    idx,
		stream: stream,
	}
}

type DataWriter struct {
	logger *JobLogger
	idx    int
	stream string

	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *DataWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadBytes('\n')
		if err != nil {
			// keep the partial line for the next write
			w.buf.Reset()
			w.buf.Write(line)
			break
		}
		if err := w.emit(line); err != nil {
			return 0, err
		}
	}

	return len(p), nil
}

func (w *DataWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.buf.Len() == 0 {
		return nil
	}
	line := w.buf.Bytes()
	w.buf.Reset()
	return w.emit(line)
}

func (w *DataWriter) emit(line []byte) error {
	clean := string(ansiRe.ReplaceAll(bytes.TrimRight(line, "\r\n"), nil))
	return w.logger.encode(NewDataLogLine(w.idx, clean, w.stream))
}

// ReadLogLines decodes a job log written by JobLogger.
func ReadLogLines(r io.Reader) ([]LogLine, error) {
	var lines []LogLine

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line, err := ParseLogLine(sc.Bytes())
		if err != nil {
			return lines, err
		}
		lines = append(lines, line)
	}

	return lines, sc.Err()
}

func ParseLogLine(b []byte) (LogLine, error) {
	var line LogLine
	if err := json.Unmarshal(b, &line); err != nil {
		return line, fmt.Errorf("decoding log line: %w", err)
	}
	return line, nil
}
