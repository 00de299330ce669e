package httpapi

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type setupCheck struct {
	ID     string `json:"id"`
	Status string `json:"status"` // ok|warn|error
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
	Fix    string `json:"fix,omitempty"`
}

type setupStatusResponse struct {
	OracleMode     string       `json:"oracle_mode"`
	StoreDriver    string       `json:"store_driver"`
	TraitPolicy    string       `json:"trait_policy"`
	TurnThreshold  int          `json:"turn_threshold"`
	DiscordEnabled bool         `json:"discord_enabled"`
	Checks         []setupCheck `json:"checks"`
}

func (s *Server) handleSetupStatus(w http.ResponseWriter, _ *http.Request) {
	checks := make([]setupCheck, 0, 8)
	checks = append(checks, s.oracleChecks()...)
	checks = append(checks, s.storeCheck())
	checks = append(checks, s.definitionsCheck())
	checks = append(checks, s.discordChecks()...)

	respondJSON(w, http.StatusOK, setupStatusResponse{
		OracleMode:     s.cfg.OracleMode,
		StoreDriver:    s.cfg.StoreDriver,
		TraitPolicy:    s.cfg.TraitPolicy,
		TurnThreshold:  s.cfg.TurnThreshold,
		DiscordEnabled: s.cfg.DiscordEnabled(),
		Checks:         checks,
	})
}

func (s *Server) oracleChecks() []setupCheck {
	mode := strings.ToLower(strings.TrimSpace(s.cfg.OracleMode))
	rawURL := strings.TrimSpace(s.cfg.OracleURL)
	if mode == "mock" || (mode == "auto" && rawURL == "") {
		return []setupCheck{{
			ID:     "oracle",
			Status: "warn",
			Label:  "Classification oracle is mock",
			Detail: "Labels come from keyword matching, not a model.",
			Fix:    "Set ORACLE_URL to an Ollama server (e.g. http://127.0.0.1:11434).",
		}}
	}

	checks := []setupCheck{{
		ID:     "oracle",
		Status: "ok",
		Label:  "Classification oracle",
		Detail: fmt.Sprintf("%s (%s, model %s)", mode, rawURL, s.cfg.OracleModel),
	}}
	if err := probeTCP(rawURL); err != nil {
		checks = append(checks, setupCheck{
			ID:     "oracle_reachable",
			Status: "error",
			Label:  "Oracle endpoint unreachable",
			Detail: err.Error(),
			Fix:    "Start the model server or fix ORACLE_URL.",
		})
	} else {
		checks = append(checks, setupCheck{
			ID:     "oracle_reachable",
			Status: "ok",
			Label:  "Oracle endpoint reachable",
		})
	}
	return checks
}

func (s *Server) storeCheck() setupCheck {
	switch s.cfg.StoreDriver {
	case "memory":
		return setupCheck{
			ID:     "store",
			Status: "warn",
			Label:  "Persistence",
			Detail: "in-memory only",
			Fix:    "Set STORE_DRIVER=file, sqlite or postgres to survive restarts.",
		}
	case "postgres":
		return setupCheck{ID: "store", Status: "ok", Label: "Persistence", Detail: "postgres"}
	default:
		return setupCheck{
			ID:     "store",
			Status: "ok",
			Label:  "Persistence",
			Detail: fmt.Sprintf("%s (%s)", s.cfg.StoreDriver, s.cfg.StoreDSN),
		}
	}
}

func (s *Server) definitionsCheck() setupCheck {
	if len(s.definitions) == 0 {
		return setupCheck{
			ID:     "trait_definitions",
			Status: "warn",
			Label:  "Trait definitions",
			Detail: "none loaded; the oracle sees label names only",
			Fix:    "Set TRAIT_DEFINITIONS_FILE to a YAML or JSON label map.",
		}
	}
	return setupCheck{
		ID:     "trait_definitions",
		Status: "ok",
		Label:  "Trait definitions",
		Detail: fmt.Sprintf("%d label(s) defined", len(s.definitions)),
	}
}

func (s *Server) discordChecks() []setupCheck {
	if !s.cfg.DiscordEnabled() {
		return []setupCheck{{
			ID:     "discord",
			Status: "warn",
			Label:  "Discord bot disabled",
			Detail: "Events arrive only through the HTTP API.",
			Fix:    "Set DISCORD_BOT_TOKEN to connect the bot.",
		}}
	}
	checks := []setupCheck{{ID: "discord", Status: "ok", Label: "Discord bot", Detail: "token present"}}
	if strings.TrimSpace(s.cfg.DiscordWelcomeChannelID) == "" {
		checks = append(checks, setupCheck{
			ID:     "discord_channel",
			Status: "error",
			Label:  "Welcome channel missing",
			Detail: "Greetings and conversations need a channel.",
			Fix:    "Set DISCORD_WELCOME_CHANNEL_ID.",
		})
	}
	return checks
}

func probeTCP(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	host := strings.TrimSpace(u.Host)
	if host == "" {
		return fmt.Errorf("host missing")
	}
	addr := host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "https" {
			port = "443"
		}
		addr = net.JoinHostPort(u.Hostname(), port)
	}
	c, err := net.DialTimeout("tcp", addr, 250*time.Millisecond)
	if err != nil {
		return err
	}
	_ = c.Close()
	return nil
}
