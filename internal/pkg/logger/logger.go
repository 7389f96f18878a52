// Package logger emits structured JSON log lines with contact email
// redaction, used by the HTTP surface and the inbound pipeline where
// recipient addresses would otherwise leak into logs.
package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Level is the severity of a log entry.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}

// Logger writes JSON entries to a single destination. The component
// name appears on every line.
type Logger struct {
	component string
	level     Level
	redact    bool

	mu  sync.Mutex
	out io.Writer
}

// New creates a logger for one component with PII redaction enabled.
func New(component string) *Logger {
	return &Logger{component: component, level: INFO, redact: true, out: os.Stderr}
}

// SetLevel sets the minimum level emitted.
func (l *Logger) SetLevel(level Level) { l.level = level }

// SetOutput redirects log output. Tests capture it in a buffer.
func (l *Logger) SetOutput(w io.Writer) { l.out = w }

// SetRedact toggles email redaction.
func (l *Logger) SetRedact(on bool) { l.redact = on }

// Debug emits a DEBUG entry with alternating key/value fields.
func (l *Logger) Debug(msg string, fields ...interface{}) { l.log(DEBUG, msg, fields...) }

// Info emits an INFO entry.
func (l *Logger) Info(msg string, fields ...interface{}) { l.log(INFO, msg, fields...) }

// Warn emits a WARN entry.
func (l *Logger) Warn(msg string, fields ...interface{}) { l.log(WARN, msg, fields...) }

// Error emits an ERROR entry.
func (l *Logger) Error(msg string, fields ...interface{}) { l.log(ERROR, msg, fields...) }

func (l *Logger) log(level Level, msg string, fields ...interface{}) {
	if level < l.level {
		return
	}

	entry := map[string]interface{}{
		"time":      time.Now().UTC().Format(time.RFC3339),
		"level":     levelNames[level],
		"component": l.component,
		"msg":       msg,
	}
	for i := 0; i+1 < len(fields); i += 2 {
		key := fmt.Sprintf("%v", fields[i])
		val := fmt.Sprintf("%v", fields[i+1])
		if l.redact {
			val = redactValue(key, val)
		}
		entry[key] = val
	}

	data, _ := json.Marshal(entry)
	l.mu.Lock()
	fmt.Fprintln(l.out, string(data))
	l.mu.Unlock()
}

var emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

func redactValue(key, val string) string {
	if strings.Contains(strings.ToLower(key), "email") ||
		strings.Contains(strings.ToLower(key), "contact") ||
		strings.Contains(strings.ToLower(key), "to") {
		return RedactEmail(val)
	}
	return emailPattern.ReplaceAllStringFunc(val, RedactEmail)
}

// RedactEmail masks a recipient address for logging:
// "jordan@acme.com" becomes "jo***@acme.com". Local parts of two or
// fewer characters are fully masked.
func RedactEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return email
	}
	local, domain := email[:at], email[at+1:]
	if len(local) > 2 {
		return local[:2] + "***@" + domain
	}
	return "***@" + domain
}
