package oracle

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPClient posts requests as JSON to a generic endpoint. Classification
// goes to <url>/classify and replies to <url>/reply. The answer may be a
// JSON object, plain text, or an SSE/NDJSON stream of fragments.
type HTTPClient struct {
	url    string
	client *http.Client
}

func NewHTTPClient(url string) *HTTPClient {
	return &HTTPClient{
		url: strings.TrimRight(strings.TrimSpace(url), "/"),
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

func (c *HTTPClient) Classify(ctx context.Context, req ClassifyRequest) (ClassifyResponse, error) {
	text, err := c.post(ctx, "/classify", req)
	if err != nil {
		return ClassifyResponse{}, err
	}
	return ClassifyResponse{RawText: text}, nil
}

func (c *HTTPClient) Reply(ctx context.Context, req ReplyRequest) (ReplyResponse, error) {
	text, err := c.post(ctx, "/reply", req)
	if err != nil {
		return ReplyResponse{}, err
	}
	return ReplyResponse{Text: text}, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body any) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+path, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(httpReq)
	if err != nil {
		return "", wrapCallError(ctx, "http", 0, fmt.Errorf("send request: %w", err))
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return "", wrapCallError(ctx, "http", res.StatusCode, statusError(res, raw))
	}

	ct := strings.ToLower(res.Header.Get("Content-Type"))
	if strings.Contains(ct, "text/event-stream") || strings.Contains(ct, "application/x-ndjson") {
		text, err := consumeStreaming(res.Body)
		if err != nil {
			return "", wrapCallError(ctx, "http", 0, err)
		}
		return text, nil
	}

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return "", wrapCallError(ctx, "http", 0, fmt.Errorf("read response: %w", err))
	}

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return strings.TrimSpace(string(raw)), nil
	}
	return strings.TrimSpace(extractText(obj)), nil
}

func consumeStreaming(body io.Reader) (string, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out strings.Builder
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if strings.HasPrefix(line, "data:") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
		if line == "[DONE]" {
			break
		}

		delta := line
		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err == nil {
			delta = extractText(obj)
		}
		out.WriteString(delta)
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("stream read: %w", err)
	}
	return strings.TrimSpace(out.String()), nil
}

func extractText(obj map[string]any) string {
	for _, k := range []string{"raw_text", "text", "label", "delta", "output", "message"} {
		v, ok := obj[k]
		if !ok {
			continue
		}
		switch tv := v.(type) {
		case string:
			return tv
		case map[string]any:
			if s, ok := tv["content"].(string); ok {
				return s
			}
		}
	}
	return ""
}
