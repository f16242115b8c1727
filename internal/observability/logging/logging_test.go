package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNewRespectsCustomWriter(t *testing.T) {
	var buf bytes.Buffer

	logger := New(Config{Writer: &buf})
	logger.Info("custom writer")

	if buf.Len() == 0 {
		t.Fatalf("expected output in custom writer, got none")
	}
}

func TestNewTextFormat(t *testing.T) {
	var buf bytes.Buffer

	logger := New(Config{Writer: &buf, Format: "text"})
	logger.Info("plain")

	if strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Fatalf("expected text output, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected slog.Level
	}{
		{name: "debug", input: "debug", expected: slog.LevelDebug},
		{name: "warning", input: "warning", expected: slog.LevelWarn},
		{name: "warn", input: "warn", expected: slog.LevelWarn},
		{name: "error", input: "error", expected: slog.LevelError},
		{name: "info", input: "info", expected: slog.LevelInfo},
		{name: "empty", input: "", expected: slog.LevelInfo},
		{name: "mixed case", input: " DeBuG ", expected: slog.LevelDebug},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			leveler := parseLevel(tc.input)
			if leveler == nil {
				t.Fatalf("expected leveler, got nil")
			}
			if got := leveler.Level(); got != tc.expected {
				t.Fatalf("expected level %v, got %v", tc.expected, got)
			}
		})
	}
}

func TestContextIDRoundTrips(t *testing.T) {
	ctx := context.Background()

	ctx = ContextWithRequestID(ctx, "req-1")
	ctx = ContextWithConversationID(ctx, "conv-1")
	ctx = ContextWithUploadID(ctx, " upload-1 ")

	if got, ok := RequestIDFromContext(ctx); !ok || got != "req-1" {
		t.Fatalf("unexpected request id %q (%v)", got, ok)
	}
	if got, ok := ConversationIDFromContext(ctx); !ok || got != "conv-1" {
		t.Fatalf("unexpected conversation id %q (%v)", got, ok)
	}
	if got, ok := UploadIDFromContext(ctx); !ok || got != "upload-1" {
		t.Fatalf("unexpected upload id %q (%v)", got, ok)
	}

	if _, ok := RequestIDFromContext(context.Background()); ok {
		t.Fatal("expected no request id on empty context")
	}
	if blank := ContextWithRequestID(context.Background(), "  "); blank.Value(requestIDKey) != nil {
		t.Fatal("expected blank request id to be dropped")
	}
}

func TestWithContextAnnotatesLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	ctx := ContextWithRequestID(context.Background(), "req-9")
	ctx = ContextWithConversationID(ctx, "conv-9")

	WithContext(ctx, logger).Info("annotated")

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if payload["request_id"] != "req-9" || payload["conversation_id"] != "conv-9" {
		t.Fatalf("unexpected log payload %+v", payload)
	}
}

func TestLoggerFromContextFallsBackToNil(t *testing.T) {
	if got := LoggerFromContext(context.Background()); got != nil {
		t.Fatalf("expected nil logger, got %v", got)
	}

	logger := slog.Default()
	ctx := ContextWithLogger(context.Background(), logger)
	if got := LoggerFromContext(ctx); got != logger {
		t.Fatal("expected stored logger to round-trip")
	}
}
