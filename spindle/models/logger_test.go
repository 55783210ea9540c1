package models

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobLogger(t *testing.T) {
	dir := t.TempDir()
	jid := JobId{PipelineId: PipelineId{Rkey: "p1"}, Name: "build"}

	l, err := NewJobLogger(dir, jid)
	require.NoError(t, err)

	var echo bytes.Buffer
	l.Echo(&echo, "build")

	step := Step{Name: "test", Kind: StepKindRun}
	require.NoError(t, l.Control(0, step, StatusKindRunning))

	w := l.DataWriter(0, "stdout")
	_, err = w.Write([]byte("hello\nwor"))
	require.NoError(t, err)
	_, err = w.Write([]byte("ld\n\x1b[31mred\x1b[0m"))
	require.NoError(t, err)
	require.NoError(t, w.Flush())

	require.NoError(t, l.Control(0, step, StatusKindSuccess))
	require.NoError(t, l.Close())

	path, err := LogFilePath(dir, jid)
	require.NoError(t, err)
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	lines, err := ReadLogLines(f)
	require.NoError(t, err)
	require.Len(t, lines, 5)

	assert.Equal(t, LogKindControl, lines[0].Kind)
	assert.Equal(t, StatusKindRunning, lines[0].StepStatus)
	assert.Equal(t, "run", lines[0].StepKind)

	assert.Equal(t, "hello", lines[1].Content)
	assert.Equal(t, "world", lines[2].Content)
	assert.Equal(t, "red", lines[3].Content, "ansi codes are stripped")
	assert.Equal(t, "stdout", lines[3].Stream)

	assert.Equal(t, StatusKindSuccess, lines[4].StepStatus)

	assert.Equal(t, "[build] running: test\n[build] hello\n[build] world\n[build] red\n[build] success: test\n", echo.String())
}

func TestJobLoggerMask(t *testing.T) {
	dir := t.TempDir()
	jid := JobId{PipelineId: PipelineId{Rkey: "p1"}, Name: "deploy"}

	l, err := NewJobLogger(dir, jid)
	require.NoError(t, err)
	l.Mask("hunter2", "")

	w := l.DataWriter(0, "stdout")
	_, err = w.Write([]byte("password is hunter2\n"))
	require.NoError(t, err)
	require.NoError(t, l.Control(0, Step{Name: "hunter2"}, StatusKindSuccess))
	require.NoError(t, l.Close())

	path, err := LogFilePath(dir, jid)
	require.NoError(t, err)
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	lines, err := ReadLogLines(f)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, "password is ***", lines[0].Content)
	assert.Equal(t, "hunter2", lines[1].Content, "step names are not masked")
}

func TestLogFilePathStaysInBaseDir(t *testing.T) {
	dir := t.TempDir()
	path, err := LogFilePath(dir, JobId{PipelineId: PipelineId{Rkey: "../../etc"}, Name: "passwd"})
	require.NoError(t, err)
	assert.True(t, len(path) > len(dir) && path[:len(dir)] == dir, path)
}

func TestParseLogLine(t *testing.T) {
	_, err := ParseLogLine([]byte("not json"))
	assert.Error(t, err)
}
