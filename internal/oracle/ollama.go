package oracle

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

// OllamaClient talks to an Ollama server's /api/chat endpoint. It uses one
// model for classification and another for chat replies.
type OllamaClient struct {
	baseURL        string
	classifyModel  string
	responderModel string
	replySystem    string
	client         *http.Client
}

type ollamaChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type ollamaChatResponse struct {
	Message Message `json:"message"`
	Done    bool    `json:"done"`
	Error   string  `json:"error,omitempty"`
}

func NewOllamaClient(baseURL, classifyModel, responderModel, replySystem string) *OllamaClient {
	return &OllamaClient{
		baseURL:        strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		classifyModel:  classifyModel,
		responderModel: responderModel,
		replySystem:    replySystem,
		client: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

func (c *OllamaClient) Classify(ctx context.Context, req ClassifyRequest) (ClassifyResponse, error) {
	text, err := c.chat(ctx, c.classifyModel, classifyMessages(req))
	if err != nil {
		return ClassifyResponse{}, err
	}
	return ClassifyResponse{RawText: text}, nil
}

func (c *OllamaClient) Reply(ctx context.Context, req ReplyRequest) (ReplyResponse, error) {
	text, err := c.chat(ctx, c.responderModel, replyMessages(c.replySystem, req))
	if err != nil {
		return ReplyResponse{}, err
	}
	return ReplyResponse{Text: text}, nil
}

func (c *OllamaClient) chat(ctx context.Context, model string, messages []Message) (string, error) {
	payload, err := json.Marshal(ollamaChatRequest{Model: model, Messages: messages})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(httpReq)
	if err != nil {
		return "", wrapCallError(ctx, "ollama", 0, fmt.Errorf("send request: %w", err))
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return "", wrapCallError(ctx, "ollama", res.StatusCode, statusError(res, body))
	}

	var out ollamaChatResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", wrapCallError(ctx, "ollama", 0, fmt.Errorf("decode response: %w", err))
	}
	if out.Error != "" {
		return "", wrapCallError(ctx, "ollama", 0, fmt.Errorf("ollama: %s", out.Error))
	}
	return strings.TrimSpace(out.Message.Content), nil
}
