package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/QwavePune/aws-infra-agent-bot/internal/config"
)

// ErrToolsUnsupported is returned when the provider refuses tool calling
// for the selected model.
var ErrToolsUnsupported = errors.New("llm: provider does not support tool calling for this model")

// ToolsUnsupportedMessage is shown to the user instead of the raw provider
// error when ErrToolsUnsupported is returned.
const ToolsUnsupportedMessage = "The selected model does not support tool calling, so I cannot run infrastructure actions with it. " +
	"Switch to a tool-capable model such as gpt-4o, or select the 'none' backend for general guidance."

// Client invokes a chat model with the full history.
type Client interface {
	Invoke(ctx context.Context, history []Message, tools []ToolDefinition) (Message, error)
}

// Provider describes a supported chat provider.
type Provider struct {
	Name          string
	DefaultModel  string
	BaseURL       string
	APIKeyEnv     string
	LimitedTools  bool
	LimitedNotice string
}

// Providers lists the OpenAI-compatible providers the agent can reach.
var Providers = map[string]Provider{
	"openai": {
		Name:         "openai",
		DefaultModel: "gpt-4o",
		BaseURL:      "https://api.openai.com",
		APIKeyEnv:    "OPENAI_API_KEY",
	},
	"perplexity": {
		Name:         "perplexity",
		DefaultModel: "sonar-pro",
		BaseURL:      "https://api.perplexity.ai",
		APIKeyEnv:    "PERPLEXITY_API_KEY",
		LimitedTools: true,
		LimitedNotice: "> **Note:** Perplexity (Sonar) may have limited support for dynamic tool calling. " +
			"If tools aren't being used, try switching to a model like GPT-4o or Gemini.\n\n",
	},
	"bedrock-gateway": {
		Name:         "bedrock-gateway",
		DefaultModel: "anthropic.claude-3-5-sonnet-20240620-v1:0",
		BaseURL:      "http://127.0.0.1:8080/api",
		APIKeyEnv:    "BEDROCK_GATEWAY_API_KEY",
	},
	"mock": {Name: "mock", DefaultModel: "scripted"},
}

// ProviderNotice returns the warning shown before a run when provider has
// limited tool support and a tool backend is active.
func ProviderNotice(provider string, toolsActive bool) string {
	p, ok := Providers[provider]
	if !ok || !toolsActive || !p.LimitedTools {
		return ""
	}
	return p.LimitedNotice
}

// ProviderError is a non-200 response from the provider.
type ProviderError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("llm: HTTP %d: %s: %s", e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("llm: HTTP %d: %s", e.StatusCode, e.Message)
}

// OpenAI talks to any endpoint implementing the chat completions API.
type OpenAI struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	logger     zerolog.Logger
}

// NewOpenAI creates a client for baseURL. An empty apiKey sends no
// Authorization header.
func NewOpenAI(httpClient *http.Client, baseURL, apiKey, model string, logger zerolog.Logger) *OpenAI {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	return &OpenAI{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		logger:     logger,
	}
}

// Model returns the configured model name.
func (c *OpenAI) Model() string { return c.model }

type chatRequest struct {
	Model       string     `json:"model"`
	Messages    []Message  `json:"messages"`
	Tools       []wireTool `json:"tools,omitempty"`
	Temperature float64    `json:"temperature"`
}

type wireTool struct {
	Type     string         `json:"type"`
	Function ToolDefinition `json:"function"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
}

// Invoke sends one non-streaming completion request.
func (c *OpenAI) Invoke(ctx context.Context, history []Message, tools []ToolDefinition) (Message, error) {
	req := chatRequest{Model: c.model, Messages: history}
	for _, t := range tools {
		req.Tools = append(req.Tools, wireTool{Type: "function", Function: t})
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Message{}, fmt.Errorf("llm: marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Message{}, fmt.Errorf("llm: creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Message{}, fmt.Errorf("llm: sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		perr := readProviderError(resp)
		if len(tools) > 0 && isToolsUnsupported(perr) {
			return Message{}, fmt.Errorf("%w: %s", ErrToolsUnsupported, perr.Message)
		}
		return Message{}, perr
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Message{}, fmt.Errorf("llm: decoding response: %w", err)
	}
	if len(out.Choices) == 0 {
		return Message{}, fmt.Errorf("llm: response carried no choices")
	}
	msg := out.Choices[0].Message
	if msg.Role == "" {
		msg.Role = RoleAssistant
	}
	c.logger.Debug().
		Str("model", out.Model).
		Int("tool_calls", len(msg.ToolCalls)).
		Dur("elapsed", time.Since(start)).
		Msg("llm completion")
	return msg, nil
}

func readProviderError(resp *http.Response) *ProviderError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var wire struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &wire) == nil && wire.Error.Message != "" {
		return &ProviderError{StatusCode: resp.StatusCode, Type: wire.Error.Type, Message: wire.Error.Message}
	}
	return &ProviderError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
}

func isToolsUnsupported(e *ProviderError) bool {
	if e.StatusCode != http.StatusBadRequest && e.StatusCode != http.StatusNotFound {
		return false
	}
	msg := strings.ToLower(e.Message)
	if !strings.Contains(msg, "tool") && !strings.Contains(msg, "function") {
		return false
	}
	return strings.Contains(msg, "not support") || strings.Contains(msg, "unsupported") || strings.Contains(msg, "does not support")
}

// FromConfig builds the client selected by cfg. The provider and model
// arguments override the configured ones when non-empty.
func FromConfig(cfg config.LLMConfig, provider, model string, logger zerolog.Logger) (Client, error) {
	if provider == "" {
		provider = cfg.Provider
	}
	p, ok := Providers[provider]
	if !ok {
		return nil, fmt.Errorf("unsupported provider %q", provider)
	}
	if provider == "mock" {
		return NewScripted(), nil
	}
	if model == "" {
		model = cfg.Model
		if cfg.Provider != provider || model == "" {
			model = p.DefaultModel
		}
	}
	baseURL := p.BaseURL
	keyEnv := p.APIKeyEnv
	if cfg.Provider == provider {
		if cfg.BaseURL != "" {
			baseURL = cfg.BaseURL
		}
		if cfg.APIKeyEnv != "" {
			keyEnv = cfg.APIKeyEnv
		}
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return NewOpenAI(&http.Client{Timeout: timeout}, baseURL, os.Getenv(keyEnv), model, logger), nil
}
