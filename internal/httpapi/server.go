package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/traitscout/internal/config"
	"github.com/ent0n29/traitscout/internal/conversation"
	"github.com/ent0n29/traitscout/internal/coordinator"
	"github.com/ent0n29/traitscout/internal/events"
	"github.com/ent0n29/traitscout/internal/observability"
	"github.com/ent0n29/traitscout/internal/session"
	"github.com/ent0n29/traitscout/internal/traits"
)

// Dependencies are the components the API reads from and drives.
type Dependencies struct {
	Coordinator   *coordinator.Coordinator
	Sessions      *session.Tracker
	Conversations *conversation.Store
	Registry      *traits.Registry
	Definitions   traits.Definitions
	Hub           *events.Hub
	Metrics       *observability.Metrics
}

type Server struct {
	cfg           config.Config
	coord         *coordinator.Coordinator
	sessions      *session.Tracker
	conversations *conversation.Store
	registry      *traits.Registry
	definitions   traits.Definitions
	hub           *events.Hub
	metrics       *observability.Metrics
	upgrader      websocket.Upgrader
}

func New(cfg config.Config, deps Dependencies) *Server {
	return &Server{
		cfg:           cfg,
		coord:         deps.Coordinator,
		sessions:      deps.Sessions,
		conversations: deps.Conversations,
		registry:      deps.Registry,
		definitions:   deps.Definitions,
		hub:           deps.Hub,
		metrics:       deps.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/setup/status", s.handleSetupStatus)
	r.Get("/v1/stats/analysis", s.handleAnalysisStats)

	r.Get("/v1/traits", s.handleListTraits)
	r.Get("/v1/traits/{label}", s.handleGetTrait)
	r.Get("/v1/participants/{id}", s.handleGetParticipant)

	r.Post("/v1/events/admit", s.handleAdmit)
	r.Post("/v1/events/turn", s.handleTurn)
	r.Post("/v1/events/sweep", s.handleSweep)
	r.Get("/v1/events/ws", s.handleEventsWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"store_driver": s.cfg.StoreDriver,
		"oracle_mode":  s.cfg.OracleMode,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.coord == nil || s.registry == nil {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "pipeline not wired")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":              "ready",
		"active_participants": s.sessions.ActiveCount(),
		"waitlisted":          len(s.sessions.Waitlist()),
		"pending_transcripts": len(s.conversations.Pending()),
	})
}

type traitSummary struct {
	Label      traits.Label `json:"label"`
	Definition string       `json:"definition,omitempty"`
	Count      int          `json:"count"`
}

func (s *Server) handleListTraits(w http.ResponseWriter, _ *http.Request) {
	counts := s.registry.Counts()
	out := make([]traitSummary, 0, len(s.registry.KnownLabels()))
	for _, l := range s.registry.KnownLabels() {
		out = append(out, traitSummary{Label: l, Definition: s.definitions[l], Count: counts[l]})
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"policy": s.registry.Policy(),
		"labels": out,
	})
}

func (s *Server) handleGetTrait(w http.ResponseWriter, r *http.Request) {
	label, err := s.registry.Taxonomy().Lookup(chi.URLParam(r, "label"))
	if err != nil {
		respondError(w, http.StatusNotFound, "unknown_label", err.Error())
		return
	}
	entries, err := s.registry.Lookup(label)
	if err != nil {
		respondError(w, http.StatusNotFound, "unknown_label", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"label":      label,
		"definition": s.definitions[label],
		"entries":    entries,
	})
}

type participantResponse struct {
	session.Participant
	TranscriptStatus conversation.Status `json:"transcript_status"`
	TranscriptTurns  int                 `json:"transcript_turns"`
	Labels           []traits.Label      `json:"labels"`
}

func (s *Server) handleGetParticipant(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	p, err := s.sessions.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "participant_not_found", err.Error())
		return
	}
	snap := s.conversations.Snapshot(id)
	labels := s.registry.LabelsOf(id)
	if labels == nil {
		labels = []traits.Label{}
	}
	respondJSON(w, http.StatusOK, participantResponse{
		Participant:      p,
		TranscriptStatus: snap.Status,
		TranscriptTurns:  len(snap.Turns),
		Labels:           labels,
	})
}

type admitRequest struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
}

type admitResponse struct {
	UserID          string `json:"user_id"`
	AlreadyAdmitted bool   `json:"already_admitted"`
	Activated       bool   `json:"activated"`
	Waitlisted      bool   `json:"waitlisted"`
}

func (s *Server) handleAdmit(w http.ResponseWriter, r *http.Request) {
	var req admitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondDecodeError(w, err)
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		respondError(w, http.StatusBadRequest, "missing_user_id", "user_id is required")
		return
	}
	adm := s.coord.OnParticipantAdmitted(req.UserID, strings.TrimSpace(req.UserName))
	status := http.StatusOK
	if !adm.AlreadyAdmitted {
		status = http.StatusCreated
	}
	respondJSON(w, status, admitResponse{
		UserID:          req.UserID,
		AlreadyAdmitted: adm.AlreadyAdmitted,
		Activated:       adm.Activated,
		Waitlisted:      adm.Waitlisted,
	})
}

type turnRequest struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	AI       string `json:"ai"`
	User     string `json:"user"`
}

type turnResponse struct {
	Status string `json:"status"`
	coordinator.TurnResult
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondDecodeError(w, err)
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		respondError(w, http.StatusBadRequest, "missing_user_id", "user_id is required")
		return
	}

	res, err := s.coord.OnTurnReceived(req.UserID, strings.TrimSpace(req.UserName), req.AI, req.User)
	switch {
	case errors.Is(err, session.ErrNotActiveParticipant):
		respondJSON(w, http.StatusOK, turnResponse{Status: "ignored"})
	case errors.Is(err, conversation.ErrStatusNotAppendable):
		respondError(w, http.StatusConflict, "not_appendable", err.Error())
	case errors.Is(err, coordinator.ErrClosed):
		respondError(w, http.StatusServiceUnavailable, "shutting_down", err.Error())
	case err != nil:
		respondError(w, http.StatusInternalServerError, "turn_failed", err.Error())
	case !res.Recorded:
		respondJSON(w, http.StatusOK, turnResponse{Status: "cycle_complete", TurnResult: res})
	default:
		respondJSON(w, http.StatusOK, turnResponse{Status: "recorded", TurnResult: res})
	}
}

func (s *Server) handleSweep(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"handed_off": s.coord.Sweep()})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// maxBodyBytes caps event request bodies; turn text is persisted on every
// append.
const maxBodyBytes = 64 << 10

var errEmptyBody = errors.New("empty body")

func decodeJSON(w http.ResponseWriter, r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(out); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondDecodeError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		respondError(w, http.StatusRequestEntityTooLarge, "body_too_large",
			fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
		return
	}
	respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
