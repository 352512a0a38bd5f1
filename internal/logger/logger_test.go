package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestLogger(t *testing.T) {
	if Logger() == nil {
		t.Error("Logger() should not return nil")
	}
}

func TestSetLevel(t *testing.T) {
	originalLevel := atomicLevel.Level()
	defer SetLevel(originalLevel.String())

	tests := []struct {
		name     string
		levelStr string
		expected zapcore.Level
	}{
		{"debug", "debug", zapcore.DebugLevel},
		{"info", "info", zapcore.InfoLevel},
		{"warn", "warn", zapcore.WarnLevel},
		{"error", "error", zapcore.ErrorLevel},
		{"fatal", "fatal", zapcore.FatalLevel},
		{"invalid", "invalid", zapcore.InfoLevel},
		{"empty", "", zapcore.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetLevel(tt.levelStr)
			if atomicLevel.Level() != tt.expected {
				t.Errorf("Expected level %v, got %v", tt.expected, atomicLevel.Level())
			}
		})
	}
}

func TestLogFunctions(t *testing.T) {
	originalLevel := atomicLevel.Level()
	defer SetLevel(originalLevel.String())

	var buf bytes.Buffer
	restore := SetOutput(zapcore.AddSync(&buf))
	defer restore()

	SetLevel("debug")
	Debug("test debug message", zap.String("key", "value"))
	Info("test info message", zap.String("key", "value"))
	Warn("test warn message", zap.String("key", "value"))
	Error("test error message", zap.String("key", "value"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("Expected 4 log lines, got %d: %q", len(lines), buf.String())
	}

	var rec map[string]interface{}
	if err := json.Unmarshal([]byte(lines[1]), &rec); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if rec["level"] != "info" {
		t.Errorf("Expected lowercase level info, got %v", rec["level"])
	}
	if rec["key"] != "value" {
		t.Errorf("Expected field key=value, got %v", rec["key"])
	}
	if caller, _ := rec["caller"].(string); !strings.Contains(caller, "logger_test.go") {
		t.Errorf("Expected caller to point at the test, got %q", caller)
	}
}

func TestLevelFiltering(t *testing.T) {
	originalLevel := atomicLevel.Level()
	defer SetLevel(originalLevel.String())

	var buf bytes.Buffer
	restore := SetOutput(zapcore.AddSync(&buf))
	defer restore()

	SetLevel("warn")
	Debug("dropped")
	Info("dropped")
	Warn("kept")

	if strings.Contains(buf.String(), "dropped") {
		t.Errorf("records below warn should be filtered: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "kept") {
		t.Errorf("warn record missing: %q", buf.String())
	}
}

func TestSync(t *testing.T) {
	Sync()
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		name     string
		levelStr string
		expected zapcore.Level
	}{
		{"debug", "debug", zapcore.DebugLevel},
		{"info", "info", zapcore.InfoLevel},
		{"warn", "warn", zapcore.WarnLevel},
		{"error", "error", zapcore.ErrorLevel},
		{"fatal", "fatal", zapcore.FatalLevel},
		{"invalid", "invalid", zapcore.InfoLevel},
		{"uppercase", "DEBUG", zapcore.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := parseLogLevel(tt.levelStr); result != tt.expected {
				t.Errorf("Expected %v, got %v", tt.expected, result)
			}
		})
	}
}

func TestGetLogLevel_Env(t *testing.T) {
	t.Setenv("EINTRPROBE_LOG_LEVEL", "error")
	if got := getLogLevel(); got != zapcore.ErrorLevel {
		t.Errorf("Expected error level from env, got %v", got)
	}
	t.Setenv("EINTRPROBE_LOG_LEVEL", "")
	if got := getLogLevel(); got != zapcore.InfoLevel {
		t.Errorf("Expected default info level, got %v", got)
	}
}
