// Package status rewrites raw failure text before it lands on a step record.
// Known database and hub failures get a stable user-facing message, and
// everything else is scrubbed of credentials, internal addresses and
// oversized detail.
package status

import (
	"regexp"
	"strings"
)

// maxErrorLength caps the persisted error text. Driver errors embed the
// full statement, which can be tens of kilobytes for a tile query.
const maxErrorLength = 512

// ErrorSanitizer converts raw error text into something safe to store and
// show to API clients.
type ErrorSanitizer struct {
	mappings          []errorMapping
	sensitivePatterns []*sensitivePattern
}

// errorMapping maps a substring of raw error text to a stable message.
type errorMapping struct {
	match   string
	message string
	code    string
}

// sensitivePattern represents a pattern for sensitive information
type sensitivePattern struct {
	pattern     *regexp.Regexp
	replacement string
	description string
}

// NewErrorSanitizer creates a sanitizer with the default mappings and
// redaction patterns.
func NewErrorSanitizer() *ErrorSanitizer {
	return &ErrorSanitizer{
		mappings:          defaultErrorMappings(),
		sensitivePatterns: buildDefaultSensitivePatterns(),
	}
}

func defaultErrorMappings() []errorMapping {
	return []errorMapping{
		// Postgres SQLSTATE classes seen on the reader endpoint
		{match: "SQLSTATE 57014", message: "Task query was cancelled after exceeding its timeout", code: "DB_QUERY_CANCELLED"},
		{match: "SQLSTATE 53300", message: "Database reader has no free connections", code: "DB_TOO_MANY_CONNECTIONS"},
		{match: "SQLSTATE 53100", message: "Database reader ran out of disk space", code: "DB_DISK_FULL"},
		{match: "SQLSTATE 40P01", message: "Task query was rolled back after a deadlock", code: "DB_DEADLOCK"},
		{match: "connection refused", message: "Database connection failed", code: "DB_UNREACHABLE"},
		{match: "context deadline exceeded", message: "Operation timed out", code: "TIMEOUT"},
		{match: "i/o timeout", message: "Operation timed out", code: "TIMEOUT"},
	}
}

func buildDefaultSensitivePatterns() []*sensitivePattern {
	return []*sensitivePattern{
		{
			pattern:     regexp.MustCompile(`(?i)\bpassword=\S+`),
			replacement: "password=[redacted]",
			description: "connection string passwords",
		},
		{
			pattern:     regexp.MustCompile(`(?i)\bbearer\s+[a-zA-Z0-9._~+/=-]+`),
			replacement: "bearer [redacted]",
			description: "bearer tokens",
		},
		{
			pattern:     regexp.MustCompile(`[a-z][a-z0-9+.-]*://[^:/\s]+:[^@\s]+@`),
			replacement: "[redacted]@",
			description: "URL userinfo credentials",
		},
		{
			pattern:     regexp.MustCompile(`\b10\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`),
			replacement: "[internal-ip]",
			description: "10.x private addresses",
		},
		{
			pattern:     regexp.MustCompile(`\b172\.(1[6-9]|2[0-9]|3[0-1])\.\d{1,3}\.\d{1,3}\b`),
			replacement: "[internal-ip]",
			description: "172.16-31.x private addresses",
		},
		{
			pattern:     regexp.MustCompile(`\b192\.168\.\d{1,3}\.\d{1,3}\b`),
			replacement: "[internal-ip]",
			description: "192.168.x private addresses",
		},
		{
			pattern:     regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
			replacement: "[redacted-key]",
			description: "AWS access key IDs",
		},
	}
}

// Sanitize returns the text to persist for a raw failure. A known failure
// class is replaced wholesale by its stable message; anything else is
// redacted and truncated.
func (s *ErrorSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}
	for _, m := range s.mappings {
		if strings.Contains(raw, m.match) {
			return m.message + " (" + m.code + ")"
		}
	}
	return s.Redact(raw)
}

// Redact removes credentials and internal addresses from free-form error
// text and caps its length.
func (s *ErrorSanitizer) Redact(message string) string {
	for _, p := range s.sensitivePatterns {
		message = p.pattern.ReplaceAllString(message, p.replacement)
	}
	if len(message) > maxErrorLength {
		message = message[:maxErrorLength] + "..."
	}
	return message
}

// AddErrorMapping registers an extra failure class. Later registrations win
// over the defaults only for text the defaults do not match.
func (s *ErrorSanitizer) AddErrorMapping(match, message, code string) {
	s.mappings = append(s.mappings, errorMapping{match: match, message: message, code: code})
}

// AddSensitivePattern registers an extra redaction pattern.
func (s *ErrorSanitizer) AddSensitivePattern(pattern *regexp.Regexp, replacement, description string) {
	s.sensitivePatterns = append(s.sensitivePatterns, &sensitivePattern{
		pattern:     pattern,
		replacement: replacement,
		description: description,
	})
}
