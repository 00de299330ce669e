package oracle

import (
	"context"
	"fmt"
	"strings"
)

// MockClient gives deterministic answers when no model endpoint is
// configured. It classifies by picking the first candidate label the
// transcript mentions.
type MockClient struct{}

func NewMockClient() *MockClient { return &MockClient{} }

func (MockClient) Classify(ctx context.Context, req ClassifyRequest) (ClassifyResponse, error) {
	select {
	case <-ctx.Done():
		return ClassifyResponse{}, wrapCallError(ctx, "mock", 0, ctx.Err())
	default:
	}

	text := strings.ToLower(req.TranscriptText)
	for _, label := range req.CandidateLabels {
		if label != "" && strings.Contains(text, strings.ToLower(label)) {
			return ClassifyResponse{RawText: label}, nil
		}
	}
	return ClassifyResponse{RawText: "undetermined"}, nil
}

func (MockClient) Reply(ctx context.Context, req ReplyRequest) (ReplyResponse, error) {
	select {
	case <-ctx.Done():
		return ReplyResponse{}, wrapCallError(ctx, "mock", 0, ctx.Err())
	default:
	}

	base := strings.TrimSpace(req.Input)
	if base == "" {
		base = "I am listening."
	}
	return ReplyResponse{Text: fmt.Sprintf("I heard you: %s\nTell me more about what you enjoy.", base)}, nil
}
