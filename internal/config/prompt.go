package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrEmptyPrompt is returned for a prompt that is blank after trimming.
var ErrEmptyPrompt = errors.New("system prompt is empty")

// LoadSystemPrompt loads the facilitator's base prompt from path.
func LoadSystemPrompt(path string) (string, error) {
	content, err := os.ReadFile(path) // #nosec G304 - path comes from config
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("system prompt file not found: %s", path)
		}
		return "", fmt.Errorf("failed to read system prompt: %w", err)
	}

	prompt := string(content)
	if err := ValidateSystemPrompt(prompt); err != nil {
		return "", fmt.Errorf("%s: %w", path, err)
	}
	return strings.TrimSpace(prompt), nil
}

// ValidateSystemPrompt ensures the prompt is non-empty after trimming whitespace.
func ValidateSystemPrompt(prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return ErrEmptyPrompt
	}
	return nil
}

// ResolveSystemPrompt returns the prompt at path, or fallback when path is empty.
func ResolveSystemPrompt(path, fallback string) (string, error) {
	if path == "" {
		if err := ValidateSystemPrompt(fallback); err != nil {
			return "", fmt.Errorf("embedded prompt: %w", err)
		}
		return strings.TrimSpace(fallback), nil
	}
	return LoadSystemPrompt(path)
}
