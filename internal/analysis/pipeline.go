// Package analysis turns a completed transcript into a trait label and
// closes the participant's cycle.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/traitscout/internal/conversation"
	"github.com/ent0n29/traitscout/internal/observability"
	"github.com/ent0n29/traitscout/internal/oracle"
	"github.com/ent0n29/traitscout/internal/policy"
	"github.com/ent0n29/traitscout/internal/session"
	"github.com/ent0n29/traitscout/internal/traits"
)

// ErrEmptyTranscript is returned for a transcript with no turns.
var ErrEmptyTranscript = errors.New("transcript has no turns")

const defaultOracleTimeout = 60 * time.Second

type Conversations interface {
	Complete(id string, outcome conversation.Status) error
	Reset(id string)
}

type Sessions interface {
	Reset(id string) session.Release
}

type Registry interface {
	Record(label traits.Label, userID, userName string) (bool, error)
}

// Config wires a Pipeline. Oracle, Conversations, Sessions, Registry and
// Taxonomy are required.
type Config struct {
	Oracle        oracle.Classifier
	Conversations Conversations
	Sessions      Sessions
	Registry      Registry
	Taxonomy      *traits.Taxonomy
	Definitions   traits.Definitions
	OracleTimeout time.Duration
	RedactPII     bool

	// Guard, when set, is held while the cycle is closed so no turn for the
	// same participant interleaves with the reset.
	Guard func(participantID string) (release func())

	Metrics *observability.Metrics
	Logger  *log.Logger
}

// Result describes one pipeline run.
type Result struct {
	RunID           string
	ParticipantID   string
	ParticipantName string
	Label           traits.Label
	Inserted        bool
	Status          conversation.Status
	Release         session.Release
	Err             error
	Duration        time.Duration
}

// Classified reports whether the run recorded a real label.
func (r Result) Classified() bool {
	return r.Status == conversation.StatusDone && r.Label != traits.Undetermined
}

type Pipeline struct {
	cfg    Config
	logger *log.Logger
}

func New(cfg Config) (*Pipeline, error) {
	switch {
	case cfg.Oracle == nil:
		return nil, errors.New("analysis: oracle is required")
	case cfg.Conversations == nil:
		return nil, errors.New("analysis: conversation store is required")
	case cfg.Sessions == nil:
		return nil, errors.New("analysis: session tracker is required")
	case cfg.Registry == nil:
		return nil, errors.New("analysis: trait registry is required")
	case cfg.Taxonomy == nil:
		return nil, errors.New("analysis: taxonomy is required")
	}
	if cfg.OracleTimeout <= 0 {
		cfg.OracleTimeout = defaultOracleTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Pipeline{cfg: cfg, logger: logger}, nil
}

// BuildTranscriptText renders turns as "AI: ...\nUser: ...\n\n" blocks in
// order.
func BuildTranscriptText(turns []conversation.Turn) string {
	var b strings.Builder
	for _, t := range turns {
		b.WriteString("AI: ")
		b.WriteString(t.Responder)
		b.WriteString("\nUser: ")
		b.WriteString(t.Participant)
		b.WriteString("\n\n")
	}
	return b.String()
}

// Run classifies a transcript already moved to analyzing, records the label
// and closes the cycle. It never retries. Unless ctx is cancelled before the
// oracle answers, the participant is back to an empty pending transcript
// when Run returns.
func (p *Pipeline) Run(ctx context.Context, t conversation.Transcript) Result {
	started := time.Now()
	res := Result{
		RunID:           uuid.NewString(),
		ParticipantID:   t.ParticipantID,
		ParticipantName: t.ParticipantName,
		Label:           traits.Undetermined,
		Status:          conversation.StatusFailed,
	}

	if len(t.Turns) == 0 {
		res.Err = ErrEmptyTranscript
	} else {
		res.Label, res.Err = p.classify(ctx, t)
		if res.Err == nil {
			res.Status = conversation.StatusDone
		}
	}

	// Shutdown mid-call: leave the transcript analyzing so the next start
	// returns it to pending and the sweep re-runs it.
	if ctx.Err() != nil && res.Status != conversation.StatusDone {
		res.Status = conversation.StatusAnalyzing
		res.Label = traits.Undetermined
		res.Err = fmt.Errorf("analysis interrupted: %w", ctx.Err())
		res.Duration = time.Since(started)
		p.logger.Printf("analysis %s: participant %s interrupted: %v", res.RunID, t.ParticipantID, ctx.Err())
		return res
	}

	if res.Label != traits.Undetermined {
		inserted, err := p.cfg.Registry.Record(res.Label, t.ParticipantID, t.ParticipantName)
		if err != nil {
			p.logger.Printf("analysis %s: record %s for %s: %v", res.RunID, res.Label, t.ParticipantID, err)
			res.Err = fmt.Errorf("record label: %w", err)
			res.Label = traits.Undetermined
			res.Status = conversation.StatusFailed
		}
		res.Inserted = inserted
	}

	res.Release = p.finish(t.ParticipantID, res.Status)
	res.Duration = time.Since(started)
	p.cfg.Metrics.ObserveAnalysis(string(res.Status), string(res.Label), res.Duration)

	if res.Err != nil {
		p.logger.Printf("analysis %s: participant %s %s: %v", res.RunID, t.ParticipantID, res.Status, res.Err)
	} else {
		p.logger.Printf("analysis %s: participant %s classified as %s (inserted=%v) in %s",
			res.RunID, t.ParticipantID, res.Label, res.Inserted, res.Duration.Round(time.Millisecond))
	}
	return res
}

func (p *Pipeline) classify(ctx context.Context, t conversation.Transcript) (traits.Label, error) {
	text := BuildTranscriptText(t.Turns)
	if p.cfg.RedactPII {
		var kinds []string
		if text, kinds = policy.RedactPII(text); len(kinds) > 0 {
			p.logger.Printf("participant %s: redacted %v before classification", t.ParticipantID, kinds)
		}
	}
	req := oracle.ClassifyRequest{
		TranscriptText:  text,
		CandidateLabels: p.cfg.Taxonomy.Strings(),
	}
	if len(p.cfg.Definitions) > 0 {
		req.LabelDefinitions = p.cfg.Definitions.StringMap()
	}

	octx, cancel := context.WithTimeout(ctx, p.cfg.OracleTimeout)
	defer cancel()

	callStarted := time.Now()
	resp, err := p.cfg.Oracle.Classify(octx, req)
	p.cfg.Metrics.ObserveStage(observability.StageOracleClassify, time.Since(callStarted))
	if err != nil {
		if !errors.Is(err, oracle.ErrTimeout) && errors.Is(octx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", oracle.ErrTimeout, err)
		} else if !errors.Is(err, oracle.ErrTimeout) && !errors.Is(err, oracle.ErrFailure) {
			err = fmt.Errorf("%w: %v", oracle.ErrFailure, err)
		}
		kind := "failure"
		if errors.Is(err, oracle.ErrTimeout) {
			kind = "timeout"
		}
		p.cfg.Metrics.ObserveOracleError(kind, oracle.IsRetryable(err))
		return traits.Undetermined, err
	}
	return p.cfg.Taxonomy.Parse(resp.RawText), nil
}

// finish closes the cycle: terminal status, session reset (which may promote
// a waitlisted participant), then the transcript reset. After a crash between
// Complete and the session reset, Load discards the terminal record and the
// coordinator resets the session it finds stranded at the threshold.
func (p *Pipeline) finish(id string, outcome conversation.Status) session.Release {
	if p.cfg.Guard != nil {
		release := p.cfg.Guard(id)
		defer release()
	}
	if err := p.cfg.Conversations.Complete(id, outcome); err != nil {
		p.logger.Printf("analysis: complete %s as %s: %v", id, outcome, err)
	}
	rel := p.cfg.Sessions.Reset(id)
	p.cfg.Conversations.Reset(id)
	return rel
}
