// Package logutil redacts credentials out of intercepted network traffic
// before it reaches the log stream. The login flow posts passwords, PKCE
// verifiers and authorization codes, none of which may be logged verbatim.
package logutil

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

const redacted = "[REDACTED]"

// IsSensitiveLogField returns true when a key likely contains sensitive data.
func IsSensitiveLogField(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	normalized = strings.ReplaceAll(normalized, "-", "")
	normalized = strings.ReplaceAll(normalized, "_", "")

	switch {
	case normalized == "authorization":
		return true
	case normalized == "code" || strings.HasSuffix(normalized, "code"):
		return true
	case strings.Contains(normalized, "token"):
		return true
	case strings.Contains(normalized, "secret"):
		return true
	case strings.Contains(normalized, "password"):
		return true
	case strings.Contains(normalized, "verifier"):
		return true
	case strings.Contains(normalized, "cookie"):
		return true
	default:
		return false
	}
}

// RedactHeaderValue redacts a header value when the key looks sensitive.
func RedactHeaderValue(key, value string) string {
	if IsSensitiveLogField(key) {
		return redacted
	}
	return value
}

// FormatHeadersForLog returns stable, redacted header text. Playwright reports
// headers as a flat lower-cased map, so that is the accepted shape.
func FormatHeadersForLog(headers map[string]string) string {
	if len(headers) == 0 {
		return "{}"
	}

	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", strings.ToLower(k), RedactHeaderValue(k, headers[k])))
	}
	return strings.Join(parts, "; ")
}

// RedactURLForLog redacts sensitive query parameters, leaving the path intact.
// Unparseable input is returned unchanged.
func RedactURLForLog(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.RawQuery == "" {
		return raw
	}
	query := parsed.Query()
	changed := false
	for key := range query {
		if IsSensitiveLogField(key) {
			query[key] = []string{redacted}
			changed = true
		}
	}
	if !changed {
		return raw
	}
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

// RedactBodyForLog redacts sensitive fields from JSON and form-encoded
// payloads; other bodies are returned as-is.
func RedactBodyForLog(contentType string, body []byte) string {
	text := string(body)
	ct := strings.ToLower(contentType)

	switch {
	case strings.Contains(ct, "x-www-form-urlencoded"):
		return redactForm(text)
	case strings.Contains(ct, "json"):
		return redactJSON(body, text)
	default:
		return text
	}
}

func redactForm(text string) string {
	values, err := url.ParseQuery(text)
	if err != nil {
		return redacted
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		for _, v := range values[k] {
			if IsSensitiveLogField(k) {
				v = redacted
			}
			parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
		}
	}
	return strings.Join(parts, "&")
}

func redactJSON(body []byte, fallback string) string {
	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		return fallback
	}

	var redact func(v any)
	redact = func(v any) {
		switch typed := v.(type) {
		case map[string]any:
			for k, child := range typed {
				if IsSensitiveLogField(k) {
					typed[k] = redacted
					continue
				}
				redact(child)
			}
		case []any:
			for _, child := range typed {
				redact(child)
			}
		}
	}

	redact(payload)
	safeJSON, err := json.Marshal(payload)
	if err != nil {
		return fallback
	}
	return string(safeJSON)
}

// FormatBodyForLog truncates and redacts body text for safe logging.
// Redaction runs on the full body so truncation cannot split a secret.
func FormatBodyForLog(contentType string, body []byte, maxBytes int) string {
	if len(body) == 0 {
		return ""
	}
	text := RedactBodyForLog(contentType, body)
	if maxBytes > 0 && len(text) > maxBytes {
		return text[:maxBytes] + " [truncated]"
	}
	return text
}

// TruncateForLog returns a single-line truncated preview for unstructured values.
func TruncateForLog(value string, maxChars int) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	normalized := strings.ReplaceAll(trimmed, "\n", "\\n")
	if maxChars <= 0 || len(normalized) <= maxChars {
		return normalized
	}
	return normalized[:maxChars] + "... [truncated]"
}
