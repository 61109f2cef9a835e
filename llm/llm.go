// Package llm talks to language-model completion services.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

var (
	// ErrUnconfigured is returned when no credential is configured.
	ErrUnconfigured = errors.New("llm: no API key configured")
	// ErrTimeout is returned when a completion exceeds its deadline.
	ErrTimeout = errors.New("llm: completion timed out")
	// ErrRateLimited is returned on provider or local rate limiting.
	ErrRateLimited = errors.New("llm: rate limited")
	// ErrAuth is returned when the provider rejects the credential.
	ErrAuth = errors.New("llm: authentication failed")
	// ErrUnavailable is returned while the circuit breaker is open.
	ErrUnavailable = errors.New("llm: provider unavailable")
)

// Request is a single-turn completion.
type Request struct {
	System string
	User   string
	// Schema optionally constrains the output to a JSON schema.
	Schema      json.RawMessage
	SchemaName  string
	MaxTokens   int
	Temperature float64
}

// Response is the text returned by the model.
type Response struct {
	Text       string
	Model      string
	TokensUsed int
}

// Completer produces completions.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// codeFenceRe matches markdown code fences wrapping JSON.
var codeFenceRe = regexp.MustCompile(`(?si)^` + "```" + `(?:json)?\s*(.*?)\s*` + "```" + `$`)

// StripCodeFences removes a markdown fence around s, if any.
func StripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if m := codeFenceRe.FindStringSubmatch(s); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	return s
}
