package oracle

import (
	"errors"
	"fmt"
	"strings"
)

// Config controls client construction.
type Config struct {
	Mode           string
	URL            string
	ClassifyModel  string
	ResponderModel string
	MaxTurns       int
}

// NewClient builds the oracle for the configured mode. auto selects Ollama
// when a URL is set and falls back to the mock otherwise.
func NewClient(cfg Config) (Client, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}
	url := strings.TrimSpace(cfg.URL)

	switch mode {
	case "auto":
		if url != "" {
			return newOllama(cfg), nil
		}
		return NewMockClient(), nil
	case "ollama":
		if url == "" {
			return nil, errors.New("oracle url is required for ollama mode")
		}
		return newOllama(cfg), nil
	case "http":
		if url == "" {
			return nil, errors.New("oracle url is required for http mode")
		}
		return NewHTTPClient(url), nil
	case "mock":
		return NewMockClient(), nil
	default:
		return nil, fmt.Errorf("unsupported oracle mode %q", cfg.Mode)
	}
}

func newOllama(cfg Config) *OllamaClient {
	return NewOllamaClient(cfg.URL, cfg.ClassifyModel, cfg.ResponderModel, ReplySystemPrompt(cfg.MaxTurns))
}
