package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/netstack/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected logrus.Level
		valid    bool
	}{
		{"trace", logrus.TraceLevel, true},
		{"DEBUG", logrus.DebugLevel, true},
		{"info", logrus.InfoLevel, true},
		{"warn", logrus.WarnLevel, true},
		{"warning", logrus.WarnLevel, true},
		{"error", logrus.ErrorLevel, true},
		{"fatal", defaultLevel, false},
		{"", defaultLevel, false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			level, err := parseLevel(tt.input)
			if tt.valid {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
			assert.Equal(t, tt.expected, level)
		})
	}
}

func TestPatternFormatter(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, config.LogConfig{
		Level:   "debug",
		Pattern: "[%level] %field %msg",
	})

	l.WithFields(map[string]interface{}{"component": "arp", "ip": "10.0.0.1"}).Debug("resolved")
	assert.Equal(t, "[DEBUG] component=arp,ip=10.0.0.1 resolved\n", buf.String())

	buf.Reset()
	l.Trace("hidden")
	assert.Empty(t, buf.String())
	assert.True(t, l.IsDebugEnabled())
	assert.False(t, l.IsTraceEnabled())
}

func TestPatternTime(t *testing.T) {
	f := newFormatter("%time|%msg%n", "2006-01-02")
	out, err := f.Format(&logrus.Entry{
		Time:    time.Date(2024, 3, 9, 1, 2, 3, 0, time.UTC),
		Level:   logrus.InfoLevel,
		Message: "m",
		Data:    logrus.Fields{},
	})
	require.NoError(t, err)
	assert.Equal(t, "2024-03-09|m\n", string(out))
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, config.LogConfig{Level: "info", Format: "json"})
	l.WithError(errors.New("boom")).Info("failed")

	var rec map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "failed", rec["msg"])
	assert.Equal(t, "boom", rec["error"])
	assert.Equal(t, "info", rec["level"])
}

func TestNewErrors(t *testing.T) {
	_, err := New(config.LogConfig{Level: "loud"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")

	_, err = New(config.LogConfig{Level: "info", Format: "xml"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported log format")

	_, err = New(config.LogConfig{
		Level:   "info",
		Outputs: config.LogOutputsConfig{File: config.FileOutputConfig{Enabled: true}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path")
}

func TestFileAppender(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netstack.log")
	l, err := New(config.LogConfig{
		Level:  "info",
		Format: "text",
		Outputs: config.LogOutputsConfig{File: config.FileOutputConfig{
			Enabled:  true,
			Path:     path,
			Rotation: config.RotationConfig{MaxSizeMB: 1, MaxBackups: 1, MaxAgeDays: 1},
		}},
	})
	require.NoError(t, err)
	l.WithField("component", "test").Info("to file")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "component=test to file"), string(data))
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("closed") }

func TestMultiWriter(t *testing.T) {
	var a, b bytes.Buffer
	m := NewMultiWriter().Add(&a).Add(failingWriter{}).Add(&b)
	assert.Equal(t, 3, m.Len())

	n, err := m.Write([]byte("x"))
	assert.Equal(t, 1, n)
	assert.Error(t, err)
	assert.Equal(t, "x", a.String())
	assert.Equal(t, "x", b.String())
}

func TestInitAndGetLogger(t *testing.T) {
	assert.NotNil(t, GetLogger())
	require.NoError(t, Init(config.LogConfig{Level: "warn"}))
	assert.False(t, GetLogger().IsInfoEnabled())
	assert.Error(t, Init(config.LogConfig{Level: "nope"}))

	Discard().Error("dropped")
}
