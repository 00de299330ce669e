package conversation

import (
	"errors"
	"strings"
)

// Status is the lifecycle state of a transcript.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAnalyzing Status = "analyzing"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
)

var (
	ErrStatusNotAppendable = errors.New("transcript is not accepting turns")
	ErrAlreadyAnalyzing    = errors.New("transcript is already being analyzed")
	ErrInvalidTransition   = errors.New("invalid transcript status transition")
	ErrNotFound            = errors.New("transcript not found")
)

// ParseStatus accepts the persisted spellings, including "processing" as an
// alias of analyzing. Unknown values read as pending.
func ParseStatus(v string) Status {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "analyzing", "processing":
		return StatusAnalyzing
	case "done":
		return StatusDone
	case "failed":
		return StatusFailed
	default:
		return StatusPending
	}
}

// Turn is one responder/participant exchange.
type Turn struct {
	Responder   string `json:"ai"`
	Participant string `json:"user"`
}

// Transcript is a participant's in-progress conversation.
type Transcript struct {
	ParticipantID   string `json:"user_id"`
	ParticipantName string `json:"user_name"`
	Turns           []Turn `json:"all_messages"`
	Status          Status `json:"analysis_status"`
}

func (t Transcript) Clone() Transcript {
	out := t
	out.Turns = make([]Turn, len(t.Turns))
	copy(out.Turns, t.Turns)
	return out
}

// record is the persisted conversation document.
type record struct {
	AllMessages    []Turn `json:"all_messages"`
	UserID         string `json:"user_id"`
	UserName       string `json:"user_name"`
	AnalysisStatus string `json:"analysis_status"`
}
