package oracle

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/ent0n29/traitscout/internal/reliability"
)

var (
	// ErrTimeout marks a call that did not answer within its deadline.
	ErrTimeout = errors.New("oracle timed out")
	// ErrFailure marks any other failed call.
	ErrFailure = errors.New("oracle call failed")
)

// ClassifyRequest asks the oracle to pick one label for a transcript.
type ClassifyRequest struct {
	TranscriptText   string            `json:"transcript_text"`
	CandidateLabels  []string          `json:"candidate_labels"`
	LabelDefinitions map[string]string `json:"label_definitions,omitempty"`
}

// ClassifyResponse carries the oracle's raw answer. Callers parse it.
type ClassifyResponse struct {
	RawText string `json:"raw_text"`
}

// Message is one chat history entry.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ReplyRequest asks the responder for the next chat message.
type ReplyRequest struct {
	ParticipantID string    `json:"participant_id"`
	History       []Message `json:"history,omitempty"`
	Input         string    `json:"input"`
	Remaining     int       `json:"remaining"`
}

type ReplyResponse struct {
	Text string `json:"text"`
}

// Classifier is the classification oracle.
type Classifier interface {
	Classify(ctx context.Context, req ClassifyRequest) (ClassifyResponse, error)
}

// Responder produces chat replies to participants.
type Responder interface {
	Reply(ctx context.Context, req ReplyRequest) (ReplyResponse, error)
}

// Client serves both roles.
type Client interface {
	Classifier
	Responder
}

// CallError describes a failed upstream call. It matches ErrTimeout or
// ErrFailure with errors.Is.
type CallError struct {
	Provider   string
	StatusCode int
	Retryable  bool
	Kind       error
	Err        error
}

func (e *CallError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %v (status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v: %v", e.Provider, e.Kind, e.Err)
}

func (e *CallError) Unwrap() []error { return []error{e.Kind, e.Err} }

// wrapCallError classifies err from an upstream call made under ctx.
func wrapCallError(ctx context.Context, provider string, status int, err error) error {
	if err == nil {
		return nil
	}
	var ce *CallError
	if errors.As(err, &ce) {
		return err
	}
	out := &CallError{Provider: provider, StatusCode: status, Kind: ErrFailure, Err: err}
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		out.Kind = ErrTimeout
		out.Retryable = true
	case status != 0:
		out.Retryable = reliability.IsRetryableHTTPStatus(status)
	case !errors.Is(err, context.Canceled):
		out.Retryable = true
	}
	return out
}

// IsRetryable reports the retry hint carried by err. Classification runs
// never retry; chat replies may.
func IsRetryable(err error) bool {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

func statusError(res *http.Response, body []byte) error {
	return fmt.Errorf("http status %d: %s", res.StatusCode, string(body))
}
