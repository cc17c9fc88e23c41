// Structured logging tests
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(buf *bytes.Buffer) *Logger {
	logger := New("test")
	logger.SetWriter(buf)
	logger.SetColorize(false)
	return logger
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &m), "line %q", line)
		out = append(out, m)
	}
	return out
}

func TestLoggerBasic(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)
	logger.SetLevel(DEBUG)

	logger.Info("hello %s", "world")

	output := buf.String()
	assert.Contains(t, output, "INFO")
	assert.Contains(t, output, "test")
	assert.Contains(t, output, "hello world")
}

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	logger.SetLevel(INFO)
	logger.Debug("debug message")
	assert.Zero(t, buf.Len(), "DEBUG should be filtered")

	for _, tc := range []struct {
		fn  func(string, ...interface{})
		msg string
	}{
		{logger.Info, "info message"},
		{logger.Warn, "warn message"},
		{logger.Error, "error message"},
	} {
		buf.Reset()
		tc.fn(tc.msg)
		assert.Contains(t, buf.String(), tc.msg)
	}

	buf.Reset()
	logger.SetLevel(ERROR)
	logger.Warn("quiet")
	assert.Zero(t, buf.Len())
	assert.Equal(t, ERROR, logger.GetLevel())
}

func TestLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)
	logger.SetFormat(FormatJSON)
	logger.SetLevel(DEBUG)

	logger.Info("json test")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "INFO", lines[0]["level"])
	assert.Equal(t, "test", lines[0]["logger"])
	assert.Equal(t, "json test", lines[0]["message"])
	assert.NotEmpty(t, lines[0]["timestamp"])
}

func TestLoggerWithFieldsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)
	logger.SetFormat(FormatJSON)

	logger.WithFields(Fields{"phase": "P1", "side": "U"}).WithField("ms", 250).Info("phase start")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "P1", lines[0]["phase"])
	assert.Equal(t, "U", lines[0]["side"])
	assert.EqualValues(t, 250, lines[0]["ms"])
}

func TestLoggerWithError(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)
	logger.SetFormat(FormatJSON)

	logger.WithError(errors.New("port closed")).Error("write failed")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "port closed", lines[0]["error"])
	assert.Equal(t, "ERROR", lines[0]["level"])
}

func TestLoggerWithPrefixSharesSettings(t *testing.T) {
	var buf bytes.Buffer
	parent := newTestLogger(&buf)
	child := parent.WithPrefix("runner")

	parent.SetFormat(FormatJSON)
	child.Info("from child")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "runner", lines[0]["logger"])

	buf.Reset()
	parent.SetLevel(ERROR)
	child.Info("filtered")
	assert.Zero(t, buf.Len())
}

func TestLoggerCallerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)
	logger.SetFormat(FormatJSON)
	logger.SetCaller(true)

	logger.Info("with caller")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	caller, _ := lines[0]["caller"].(string)
	assert.Contains(t, caller, "logger_test.go")
}

func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"DEBUG":   DEBUG,
		"debug":   DEBUG,
		"INFO":    INFO,
		"warn":    WARN,
		"WARNING": WARN,
		"error":   ERROR,
		"bogus":   INFO,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestLogLevelString(t *testing.T) {
	assert.Equal(t, "DEBUG", DEBUG.String())
	assert.Equal(t, "INFO", INFO.String())
	assert.Equal(t, "WARN", WARN.String())
	assert.Equal(t, "ERROR", ERROR.String())
	assert.Equal(t, "UNKNOWN", LogLevel(42).String())
}

func TestEntryChainingDoesNotMutate(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)
	logger.SetFormat(FormatJSON)

	base := logger.WithField("a", 1)
	base.WithField("b", 2).Info("first")
	base.Info("second")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "b")
	assert.NotContains(t, lines[1], "b")
}

func TestGetLogger(t *testing.T) {
	old := Default()
	defer SetDefaultLogger(old)

	var buf bytes.Buffer
	root := newTestLogger(&buf)
	root.SetFormat(FormatJSON)
	SetDefaultLogger(root)

	GetLogger("device").Info("hi")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "device", lines[0]["logger"])
}

func TestConfigureFromEnv(t *testing.T) {
	t.Setenv("SHOCKCTL_LOG_LEVEL", "warn")
	t.Setenv("SHOCKCTL_LOG_FORMAT", "json")

	var buf bytes.Buffer
	logger := newTestLogger(&buf)
	ConfigureFromEnv(logger)

	logger.Info("dropped")
	logger.Warn("kept")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "kept", lines[0]["message"])
}
