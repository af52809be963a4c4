package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		name      string
		level     string
		wantLevel slog.Level
	}{
		{name: "debug level", level: "debug", wantLevel: slog.LevelDebug},
		{name: "info level", level: "info", wantLevel: slog.LevelInfo},
		{name: "warning level", level: "warning", wantLevel: slog.LevelWarn},
		{name: "error level", level: "error", wantLevel: slog.LevelError},
		{name: "silent level", level: "silent", wantLevel: LevelSilent},
		{name: "invalid level defaults to info", level: "invalid", wantLevel: slog.LevelInfo},
		{name: "empty string defaults to info", level: "", wantLevel: slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantLevel, ParseLogLevel(tt.level))
		})
	}
}

func TestLogLevelFlag_Set(t *testing.T) {
	tests := []struct {
		name      string
		value     string
		wantError bool
		wantValue string
		wantSet   bool
	}{
		{name: "valid debug level", value: "debug", wantValue: "debug", wantSet: true},
		{name: "valid silent level", value: "silent", wantValue: "silent", wantSet: true},
		{name: "invalid level", value: "invalid", wantError: true, wantValue: "info"},
		{name: "empty string", value: "", wantError: true, wantValue: "info"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flag := &logLevelFlag{value: "info", set: false}

			err := flag.Set(tt.value)
			if tt.wantError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantValue, flag.String())
			assert.Equal(t, tt.wantSet, flag.IsSet())
		})
	}
}

func TestLogLevelFlag_Type(t *testing.T) {
	flag := &logLevelFlag{value: "info"}
	assert.Equal(t, "one of [debug|info|warning|error|silent]", flag.Type())
}

func TestInitLoggingTo_JSON(t *testing.T) {
	original := slog.Default()
	defer slog.SetDefault(original)

	var buf bytes.Buffer
	InitLoggingTo(&buf, "info", true)

	Layer("deploy").Info("Deploy started", "service", "web")
	slog.Debug("hidden")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "deploy", record["layer"])
	assert.Equal(t, "web", record["service"])
	assert.Equal(t, "Deploy started", record["msg"])
}

func TestInitLoggingTo_Silent(t *testing.T) {
	original := slog.Default()
	defer slog.SetDefault(original)

	var buf bytes.Buffer
	InitLoggingTo(&buf, "silent", false)
	slog.Error("should not appear")

	assert.Empty(t, buf.String())
}
