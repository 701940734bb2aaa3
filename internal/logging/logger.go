// Package logging provides zerolog constructors and secret redaction helpers
// shared by the agent, the tool handlers and the workflow event log.
package logging

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Field names whose values never reach log output or the event log verbatim.
var secretFieldNames = []string{
	"secretaccesskey",
	"sessiontoken",
	"session_token",
	"password",
	"passwd",
	"secret",
	"private_key",
	"privatekey",
	"api_key",
	"apikey",
	"token",
	"credentials",
}

// NewLogger returns a human-readable console logger on stderr.
func NewLogger(level string, component string) zerolog.Logger {
	writer := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}
	return build(writer, level, component)
}

// NewJSONLogger creates a JSON-formatted logger for file output or machine consumption.
func NewJSONLogger(w io.Writer, level string, component string) zerolog.Logger {
	return build(w, level, component)
}

func build(w io.Writer, level, component string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	if component == "" {
		component = "infra-agent"
	}
	return zerolog.New(w).
		Level(lvl).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// IsSecretField checks if a field name is a known secret field that should be redacted.
func IsSecretField(fieldName string) bool {
	lower := strings.ToLower(fieldName)
	for _, secret := range secretFieldNames {
		if strings.Contains(lower, secret) {
			return true
		}
	}
	return false
}

// RedactValue replaces a secret value with a safe placeholder containing a hash prefix.
func RedactValue(value string) string {
	if value == "" {
		return ""
	}
	h := sha256.Sum256([]byte(value))
	return "[REDACTED:sha256:" + hex.EncodeToString(h[:])[:8] + "]"
}

// RedactMap returns a copy of m with secret fields replaced, descending into
// nested maps and slices. The input is not modified.
func RedactMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if IsSecretField(k) {
			if s, ok := v.(string); ok {
				out[k] = RedactValue(s)
			} else {
				out[k] = "[REDACTED]"
			}
			continue
		}
		out[k] = redactAny(v)
	}
	return out
}

func redactAny(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return RedactMap(t)
	case []any:
		cp := make([]any, len(t))
		for i, item := range t {
			cp[i] = redactAny(item)
		}
		return cp
	default:
		return v
	}
}
