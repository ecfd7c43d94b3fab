package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	err    error
	output string
	name   string
	args   []string
}

func (f *fakeRunner) RunCommandContext(_ context.Context, name string, args ...string) (string, error) {
	f.name = name
	f.args = args
	return f.output, f.err
}

func TestNewClaudeCLI(t *testing.T) {
	_, err := NewClaudeCLI(ClaudeConfig{})
	require.EqualError(t, err, "command path cannot be empty")

	client, err := NewClaudeCLI(ClaudeConfig{Command: "/usr/bin/claude"})
	require.NoError(t, err)
	assert.Equal(t, DefaultClaudeTimeout, client.timeout)
	assert.Equal(t, "sonnet", client.model)
}

func TestClaudeCLI_Generate(t *testing.T) {
	runner := &fakeRunner{output: `{"type":"result","result":"How are you both feeling?","is_error":false}`}
	client, err := NewClaudeCLI(ClaudeConfig{Command: "claude", Runner: runner, Timeout: time.Second})
	require.NoError(t, err)

	text, err := client.Generate(context.Background(), Request{
		System: "You are Sage.",
		Messages: []ChatMessage{
			{Role: RoleSystem, Content: "Session context: 2 participants."},
			{Role: RoleUser, Content: "Alex: hello"},
			{Role: RoleUser, Content: "Blair: hi"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "How are you both feeling?", text)

	assert.Equal(t, "claude", runner.name)
	require.Len(t, runner.args, 6)
	assert.Equal(t, []string{"--print", "--output-format", "json", "--model", "sonnet"}, runner.args[:5])
	prompt := runner.args[5]
	assert.Contains(t, prompt, "<system>\nYou are Sage.\n\nSession context: 2 participants.\n</system>")
	assert.Contains(t, prompt, "Alex: hello\nBlair: hi")
}

func TestClaudeCLI_GenerateFailures(t *testing.T) {
	tests := []struct {
		name     string
		runner   *fakeRunner
		wantType string
	}{
		{name: "command error", runner: &fakeRunner{err: errors.New("exit 1")}},
		{name: "auth error", runner: &fakeRunner{output: `{"is_error":true,"result":"Invalid API key"}`}, wantType: "authentication_error"},
		{name: "cli error", runner: &fakeRunner{output: `{"is_error":true,"result":"boom"}`}, wantType: "cli_error"},
		{name: "empty output", runner: &fakeRunner{output: "  "}},
		{name: "broken json", runner: &fakeRunner{output: `{"result":`}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewClaudeCLI(ClaudeConfig{Command: "claude", Runner: tt.runner})
			require.NoError(t, err)

			_, err = client.Generate(context.Background(), Request{})
			require.Error(t, err)

			var providerErr *ProviderError
			require.True(t, errors.As(err, &providerErr))
			assert.Equal(t, tt.wantType, providerErr.Type)
		})
	}
}

func TestParseClaudeOutput(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   string
	}{
		{name: "message field wins", output: `{"message":"one","result":"two"}`, want: "one"},
		{name: "result field", output: `{"result":"  two  "}`, want: "two"},
		{name: "code fence", output: "```json\n{\"result\":\"fenced\"}\n```", want: "fenced"},
		{name: "plain text", output: "line one\n\nline two", want: "line one line two"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseClaudeOutput(tt.output)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRenderClaudePrompt_NoSystem(t *testing.T) {
	prompt := renderClaudePrompt(Request{Messages: []ChatMessage{{Role: RoleUser, Content: "Alex: hi"}}})
	assert.False(t, strings.Contains(prompt, "<system>"))
	assert.True(t, strings.HasPrefix(prompt, "<conversation>\nAlex: hi\n</conversation>"))
}
