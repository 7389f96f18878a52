package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestRedactEmail(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"jordan@acme.com", "jo***@acme.com"},
		{"ab@acme.com", "***@acme.com"},
		{"a@acme.com", "***@acme.com"},
		{"not-an-email", "not-an-email"},
	}
	for _, tt := range tests {
		if got := RedactEmail(tt.in); got != tt.want {
			t.Errorf("RedactEmail(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLoggerRedactsEmailFields(t *testing.T) {
	var buf bytes.Buffer
	l := New("tracking")
	l.SetOutput(&buf)

	l.Info("open recorded", "email", "jordan@acme.com", "hash", "abc123")

	var entry map[string]string
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line not JSON: %v", err)
	}
	if entry["email"] != "jo***@acme.com" {
		t.Errorf("email field = %q, not redacted", entry["email"])
	}
	if entry["hash"] != "abc123" {
		t.Errorf("hash field = %q", entry["hash"])
	}
	if entry["component"] != "tracking" {
		t.Errorf("component = %q", entry["component"])
	}
}

func TestLoggerRedactsEmbeddedEmails(t *testing.T) {
	var buf bytes.Buffer
	l := New("inbound")
	l.SetOutput(&buf)

	l.Warn("bounce", "detail", "delivery to jordan@acme.com failed")

	if strings.Contains(buf.String(), "jordan@acme.com") {
		t.Error("embedded email leaked into log output")
	}
	if !strings.Contains(buf.String(), "jo***@acme.com") {
		t.Errorf("embedded email not masked: %s", buf.String())
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := New("api")
	l.SetOutput(&buf)
	l.SetLevel(WARN)

	l.Info("hidden")
	l.Warn("visible")

	if strings.Contains(buf.String(), "hidden") {
		t.Error("INFO emitted below WARN level")
	}
	if !strings.Contains(buf.String(), "visible") {
		t.Error("WARN entry missing")
	}
}
