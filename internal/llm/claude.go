package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Veraticus/sage/internal/command"
)

const (
	// DefaultClaudeTimeout bounds one claude CLI invocation.
	DefaultClaudeTimeout = 60 * time.Second

	claudeProvider = "llm/claude"
)

// CommandRunner executes an external command and returns its output.
type CommandRunner interface {
	RunCommandContext(ctx context.Context, name string, args ...string) (string, error)
}

type execRunner struct{}

func (execRunner) RunCommandContext(ctx context.Context, name string, args ...string) (string, error) {
	output, err := command.RunCommandContext(ctx, name, args...)
	if err != nil {
		return "", fmt.Errorf("command execution failed: %w", err)
	}
	return output, nil
}

// ClaudeConfig configures the claude CLI backend.
type ClaudeConfig struct {
	Runner  CommandRunner
	Command string
	Model   string
	Timeout time.Duration
}

// ClaudeCLI implements Generator by running `claude --print`. Token and
// temperature settings are not exposed by the CLI and are ignored.
type ClaudeCLI struct {
	runner  CommandRunner
	command string
	model   string
	timeout time.Duration
}

var _ Generator = (*ClaudeCLI)(nil)

// NewClaudeCLI creates a claude CLI backend.
func NewClaudeCLI(cfg ClaudeConfig) (*ClaudeCLI, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("command path cannot be empty")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultClaudeTimeout
	}
	if cfg.Model == "" {
		cfg.Model = "sonnet"
	}
	runner := cfg.Runner
	if runner == nil {
		runner = execRunner{}
	}
	return &ClaudeCLI{
		runner:  runner,
		command: cfg.Command,
		model:   cfg.Model,
		timeout: cfg.Timeout,
	}, nil
}

// Generate runs one non-interactive claude invocation.
func (c *ClaudeCLI) Generate(ctx context.Context, req Request) (string, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	args := []string{
		"--print",
		"--output-format", "json",
		"--model", c.model,
		renderClaudePrompt(req),
	}

	output, err := c.runner.RunCommandContext(ctx, c.command, args...)
	if err != nil {
		if ctx.Err() != nil {
			return "", &ProviderError{Provider: claudeProvider, Message: "query timed out", Err: ctx.Err()}
		}
		return "", &ProviderError{Provider: claudeProvider, Message: "running claude", Err: err}
	}

	return parseClaudeOutput(output)
}

// renderClaudePrompt flattens the request into the tagged prompt format
// the CLI accepts on its command line.
func renderClaudePrompt(req Request) string {
	var b strings.Builder
	var system []string
	if req.System != "" {
		system = append(system, req.System)
	}
	var transcript []string
	for _, msg := range req.Messages {
		if msg.Role == RoleSystem {
			system = append(system, msg.Content)
			continue
		}
		transcript = append(transcript, msg.Content)
	}

	if len(system) > 0 {
		b.WriteString("<system>\n")
		b.WriteString(strings.Join(system, "\n\n"))
		b.WriteString("\n</system>\n\n")
	}
	b.WriteString("<conversation>\n")
	b.WriteString(strings.Join(transcript, "\n"))
	b.WriteString("\n</conversation>\n\nReply with your next turn only.")
	return b.String()
}

// claudeResponse is the JSON document printed by `claude --output-format json`.
type claudeResponse struct {
	Message string `json:"message"`
	Result  string `json:"result"`
	Type    string `json:"type"`
	IsError bool   `json:"is_error"`
}

func parseClaudeOutput(output string) (string, error) {
	output = stripCodeFence(strings.TrimSpace(output))
	if output == "" {
		return "", &ProviderError{Provider: claudeProvider, Message: "claude returned empty output"}
	}

	if !strings.HasPrefix(output, "{") {
		// Older CLI versions print plain text.
		return strings.Join(strings.Fields(output), " "), nil
	}

	var resp claudeResponse
	if err := json.Unmarshal([]byte(output), &resp); err != nil {
		return "", &ProviderError{Provider: claudeProvider, Message: "parsing claude response", Err: err}
	}

	text := strings.TrimSpace(resp.Message)
	if text == "" {
		text = strings.TrimSpace(resp.Result)
	}

	if resp.IsError {
		errType := "cli_error"
		if strings.Contains(text, "Invalid API key") || strings.Contains(text, "Please run /login") {
			errType = "authentication_error"
		}
		return "", &ProviderError{Provider: claudeProvider, Type: errType, Message: text}
	}
	if text == "" {
		return "", &ProviderError{Provider: claudeProvider, Message: "claude response has no text"}
	}
	return text, nil
}

func stripCodeFence(output string) string {
	if !strings.HasPrefix(output, "```") || !strings.HasSuffix(output, "```") {
		return output
	}
	start := strings.Index(output, "\n") + 1
	end := strings.LastIndex(output, "\n```")
	if start > 0 && end > start {
		return strings.TrimSpace(output[start:end])
	}
	return output
}
