package zerolog

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/mykidapp/lifecycle/pkg/lifecycle"
)

var _ lifecycle.Logger = (*Logger)(nil)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("invalid log line %q: %v", buf.String(), err)
	}
	return line
}

func TestZerologLogger_Levels(t *testing.T) {
	tests := []struct {
		level string
		log   func(l *Logger)
	}{
		{"debug", func(l *Logger) { l.Debug("msg", lifecycle.Field{Key: "k", Value: "v"}) }},
		{"info", func(l *Logger) { l.Info("msg", lifecycle.Field{Key: "k", Value: "v"}) }},
		{"warn", func(l *Logger) { l.Warn("msg", lifecycle.Field{Key: "k", Value: "v"}) }},
		{"error", func(l *Logger) { l.Error("msg", lifecycle.Field{Key: "k", Value: "v"}) }},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			tt.log(NewLogger(zerolog.New(&buf)))

			line := decodeLine(t, &buf)
			if line["level"] != tt.level {
				t.Errorf("expected level %s, got %v", tt.level, line["level"])
			}
			if line["message"] != "msg" || line["k"] != "v" {
				t.Errorf("unexpected line %v", line)
			}
		})
	}
}

func TestZerologLogger_FieldTypes(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(zerolog.New(&buf))

	logger.Info("typed",
		lifecycle.Field{Key: "err", Value: errors.New("boom")},
		lifecycle.Field{Key: "rows", Value: int64(3)},
	)

	line := decodeLine(t, &buf)
	if line["err"] != "boom" {
		t.Errorf("expected error string, got %v", line["err"])
	}
	if line["rows"] != float64(3) {
		t.Errorf("expected rows 3, got %v", line["rows"])
	}
}

func TestZerologLogger_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(zerolog.New(&buf).Level(zerolog.WarnLevel))

	logger.Debug("hidden")
	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("expected no output below warn, got %q", buf.String())
	}
}
