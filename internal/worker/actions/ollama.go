package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ollamaURL is a package variable so tests can point it at a fake server.
var ollamaURL = "http://localhost:11434/api/chat"

const defaultOllamaModel = "llama3.1"

// ChatResult is the normalised reply shape shared by all model providers.
type ChatResult struct {
	Text         string `json:"text"`
	ToolCalls    []any  `json:"tool_calls"`
	StopReason   string `json:"stop_reason"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	Model        string `json:"model"`
	ProviderName string `json:"provider_name"`
}

// ollamaResponse mirrors the non-streaming /api/chat reply.
type ollamaResponse struct {
	Model   string `json:"model"`
	Message struct {
		Content   string `json:"content"`
		ToolCalls []any  `json:"tool_calls"`
	} `json:"message"`
	DoneReason      string `json:"done_reason"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

func ollamaChat(ctx context.Context, params map[string]any) (any, error) {
	messages, ok := params["messages"]
	if !ok {
		return nil, fmt.Errorf("missing required parameter 'messages'")
	}

	model, _ := params["model"].(string)
	if model == "" {
		model = defaultOllamaModel
	}

	body, err := json.Marshal(map[string]any{
		"model":    model,
		"messages": messages,
		"stream":   false,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	cctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(cctx, http.MethodPost, ollamaURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: DefaultTimeout + 10*time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama returned HTTP %d", resp.StatusCode)
	}

	var reply ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("decode ollama reply: %w", err)
	}

	stop := reply.DoneReason
	if stop == "" {
		stop = "stop"
	}

	return &ChatResult{
		Text:         reply.Message.Content,
		ToolCalls:    reply.Message.ToolCalls,
		StopReason:   stop,
		InputTokens:  reply.PromptEvalCount,
		OutputTokens: reply.EvalCount,
		Model:        reply.Model,
		ProviderName: "ollama",
	}, nil
}
