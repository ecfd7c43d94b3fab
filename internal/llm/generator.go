// Package llm provides the text generation capability used by the
// facilitator, with an OpenAI-compatible HTTP backend and a backend
// that shells out to the claude command-line client.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// Role identifies the author of a context message.
type Role string

const (
	// RoleSystem carries instructions.
	RoleSystem Role = "system"
	// RoleUser carries conversation lines.
	RoleUser Role = "user"
	// RoleAssistant carries earlier generated replies.
	RoleAssistant Role = "assistant"
)

// ChatMessage is one ordered context entry.
type ChatMessage struct {
	Role    Role
	Content string
}

// Request is a single generation call.
type Request struct {
	Model       string
	System      string
	Messages    []ChatMessage
	MaxTokens   int
	Temperature float64
}

// Generator turns a system prompt and context messages into reply text.
type Generator interface {
	// Generate returns the reply text. Every failure is a *ProviderError.
	Generate(ctx context.Context, req Request) (string, error)
}

// ProviderError reports a failed generation call.
type ProviderError struct {
	Err        error
	Provider   string
	Type       string
	Message    string
	StatusCode int
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Type != "":
		return fmt.Sprintf("%s: HTTP %d: %s: %s", e.Provider, e.StatusCode, e.Type, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Message, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Provider, e.Message)
	}
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsRateLimited reports an HTTP 429 response.
func (e *ProviderError) IsRateLimited() bool {
	return e.StatusCode == 429
}

// IsProviderError checks if err is or wraps a *ProviderError.
func IsProviderError(err error) bool {
	var providerErr *ProviderError
	return errors.As(err, &providerErr)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, req Request) (string, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}
