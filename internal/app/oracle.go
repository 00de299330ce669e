package app

import (
	"fmt"
	"strings"

	"github.com/ent0n29/traitscout/internal/config"
	"github.com/ent0n29/traitscout/internal/oracle"
)

type oracleSetup struct {
	client       oracle.Client
	resolvedMode string
	detail       string
}

func resolveOracle(cfg config.Config) (oracleSetup, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.OracleMode))
	if mode == "" {
		mode = "auto"
	}
	resolved := mode
	if mode == "auto" {
		resolved = "mock"
		if strings.TrimSpace(cfg.OracleURL) != "" {
			resolved = "ollama"
		}
	}

	client, err := oracle.NewClient(oracle.Config{
		Mode:           resolved,
		URL:            cfg.OracleURL,
		ClassifyModel:  cfg.OracleModel,
		ResponderModel: cfg.ResponderModel,
		MaxTurns:       cfg.TurnThreshold,
	})
	if err != nil {
		return oracleSetup{}, fmt.Errorf("oracle init failed: %w", err)
	}

	var detail string
	switch resolved {
	case "ollama":
		detail = fmt.Sprintf("ollama at %s (classify=%s reply=%s)", cfg.OracleURL, cfg.OracleModel, cfg.ResponderModel)
	case "http":
		detail = fmt.Sprintf("http oracle at %s", cfg.OracleURL)
	default:
		detail = "mock (no ORACLE_URL set)"
		if mode == "mock" {
			detail = "mock"
		}
	}
	return oracleSetup{client: client, resolvedMode: resolved, detail: detail}, nil
}
