package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"testing"
)

func TestRedactBlanksCredentialShapedKeys(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{ReplaceAttr: redact})
	l := slog.New(handler)

	l.Info("session authenticated", "apiKey", "super-secret", "accessToken", "also-secret", "sessionId", "abc123")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("unmarshal log record: %v", err)
	}
	if record["apiKey"] != "[REDACTED]" {
		t.Errorf("apiKey = %v, want [REDACTED]", record["apiKey"])
	}
	if record["accessToken"] != "[REDACTED]" {
		t.Errorf("accessToken = %v, want [REDACTED]", record["accessToken"])
	}
	if record["sessionId"] != "abc123" {
		t.Errorf("sessionId should pass through unredacted, got %v", record["sessionId"])
	}
}

func TestInitWritesJSONToStdoutAndFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/broker.log"
	if err := Init("debug", path); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if Log == nil {
		t.Fatal("Init should set the package logger")
	}

	Log.Info("hello", "secret", "xyz")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "[REDACTED]") {
		t.Errorf("expected redacted secret in log file, got: %s", data)
	}
}
