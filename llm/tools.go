package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// ToolConfig describes an HTTP tool offered to the model.
type ToolConfig struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Parameters  map[string]any `yaml:"parameters"`
	URL         string         `yaml:"url"`
}

// HTTPTool executes a tool call by POSTing it to a remote endpoint that
// answers {"result": "..."} or {"error": "..."}.
type HTTPTool struct {
	ToolConfig
	Client *http.Client
}

// NewHTTPTool creates a new HTTP-backed tool.
func NewHTTPTool(cfg ToolConfig) *HTTPTool {
	return &HTTPTool{
		ToolConfig: cfg,
		Client:     &http.Client{Timeout: 120 * time.Second},
	}
}

// Definition returns the function schema sent to the model.
func (t *HTTPTool) Definition() openai.Tool {
	params := t.Parameters
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return openai.Tool{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		},
	}
}

// Execute runs the tool with the model's JSON arguments. The caller's token
// is forwarded so the tool acts with the caller's permissions.
func (t *HTTPTool) Execute(ctx context.Context, token, arguments string) (string, error) {
	if arguments == "" {
		arguments = "{}"
	}
	if !json.Valid([]byte(arguments)) {
		return "", fmt.Errorf("http_tool: %s: arguments are not valid JSON", t.Name)
	}
	payload, err := json.Marshal(map[string]any{
		"name": t.Name,
		"args": json.RawMessage(arguments),
	})
	if err != nil {
		return "", fmt.Errorf("http_tool: marshal args: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("http_tool: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := t.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("http_tool: call %s: %w", t.Name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("http_tool: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("http_tool: %s returned %d: %s", t.Name, resp.StatusCode, string(body))
	}

	var result struct {
		Result string `json:"result"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("http_tool: parse response: %w", err)
	}
	if result.Error != "" {
		return "", fmt.Errorf("http_tool: %s: %s", t.Name, result.Error)
	}
	return result.Result, nil
}
