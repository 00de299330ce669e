package session

import (
	"errors"
	"time"
)

var (
	ErrNotFound             = errors.New("participant not found")
	ErrNotActiveParticipant = errors.New("participant is not active")
)

// DefaultThreshold is the number of turns that completes a cycle.
const DefaultThreshold = 10

// Participant is the tracked state of one admitted participant.
type Participant struct {
	ID         string    `json:"user_id"`
	Name       string    `json:"user_name,omitempty"`
	Active     bool      `json:"active"`
	Waitlisted bool      `json:"waitlisted"`
	TurnCount  int       `json:"turn_count"`
	Cycles     int       `json:"cycles"`
	AdmittedAt time.Time `json:"admitted_at"`
	LastTurnAt time.Time `json:"last_turn_at,omitempty"`
}

// Admission reports the outcome of Admit.
type Admission struct {
	AlreadyAdmitted bool
	Activated       bool
	Waitlisted      bool
}

// Release reports the outcome of Reset.
type Release struct {
	Deactivated bool
	Promoted    string
}

// runState is the persisted run-state document. user_id holds the most
// recently activated participant for readers of the single-slot layout.
type runState struct {
	WelcomedUsers []string       `json:"welcomed_users"`
	UserID        string         `json:"user_id"`
	UserCount     map[string]int `json:"user_count"`
	ActiveUsers   []string       `json:"active_users,omitempty"`
	Waitlist      []string       `json:"waitlist,omitempty"`
}
