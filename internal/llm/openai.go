package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultOpenAIBaseURL is the public OpenAI API.
	DefaultOpenAIBaseURL = "https://api.openai.com/v1"

	// DefaultModel matches the model the counseling prompts were tuned on.
	DefaultModel = "gpt-3.5-turbo"

	openaiProvider   = "llm/openai"
	maxErrorBodySize = 4096
)

// OpenAIConfig configures the OpenAI backend.
type OpenAIConfig struct {
	HTTPClient *http.Client
	BaseURL    string
	APIKey     string
	Model      string
	Timeout    time.Duration
}

// OpenAI implements Generator for any OpenAI-compatible chat
// completions endpoint (OpenAI, OpenRouter, vLLM, Ollama, ...).
type OpenAI struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

var _ Generator = (*OpenAI)(nil)

// NewOpenAI creates an OpenAI backend.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key cannot be empty")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultOpenAIBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &OpenAI{
		httpClient: client,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
	}, nil
}

// Generate sends a non-streaming chat completion request.
func (o *OpenAI) Generate(ctx context.Context, req Request) (string, error) {
	wire := o.buildRequest(req)

	body, err := json.Marshal(wire)
	if err != nil {
		return "", &ProviderError{Provider: openaiProvider, Message: "marshaling request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", &ProviderError{Provider: openaiProvider, Message: "creating request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return "", &ProviderError{Provider: openaiProvider, Message: "sending request", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", readOpenAIError(resp)
	}

	var decoded openaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", &ProviderError{Provider: openaiProvider, Message: "decoding response", Err: err}
	}
	if len(decoded.Choices) == 0 {
		return "", &ProviderError{Provider: openaiProvider, Message: "response has no choices"}
	}

	text := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if text == "" {
		return "", &ProviderError{Provider: openaiProvider, Message: "response is empty"}
	}
	return text, nil
}

func (o *OpenAI) buildRequest(req Request) openaiRequest {
	model := req.Model
	if model == "" {
		model = o.model
	}
	temperature := req.Temperature

	wire := openaiRequest{
		Model:       model,
		MaxTokens:   req.MaxTokens,
		Temperature: &temperature,
	}
	if req.System != "" {
		wire.Messages = append(wire.Messages, openaiMessage{Role: string(RoleSystem), Content: req.System})
	}
	for _, msg := range req.Messages {
		wire.Messages = append(wire.Messages, openaiMessage{Role: string(msg.Role), Content: msg.Content})
	}
	return wire
}

// readOpenAIError parses {"error":{"type":"...","message":"..."}},
// falling back to the raw body.
func readOpenAIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))

	var wireError struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &wireError) == nil && wireError.Error.Message != "" {
		return &ProviderError{
			Provider:   openaiProvider,
			StatusCode: resp.StatusCode,
			Type:       wireError.Error.Type,
			Message:    wireError.Error.Message,
		}
	}
	return &ProviderError{
		Provider:   openaiProvider,
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(body)),
	}
}

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openaiChoice `json:"choices"`
}

type openaiChoice struct {
	Message      openaiMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
	Index        int           `json:"index"`
}
