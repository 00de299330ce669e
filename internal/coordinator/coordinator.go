// Package coordinator turns admission, turn and sweep triggers into at most
// one analysis handoff per participant cycle.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/ent0n29/traitscout/internal/analysis"
	"github.com/ent0n29/traitscout/internal/conversation"
	"github.com/ent0n29/traitscout/internal/events"
	"github.com/ent0n29/traitscout/internal/observability"
	"github.com/ent0n29/traitscout/internal/session"
)

// ErrClosed is returned once Close has started.
var ErrClosed = errors.New("coordinator closed")

const defaultMaxConcurrentAnalyses = 4

// Runner executes one analysis. *analysis.Pipeline satisfies it.
type Runner interface {
	Run(ctx context.Context, t conversation.Transcript) analysis.Result
}

type Config struct {
	Sessions      *session.Tracker
	Conversations *conversation.Store
	Pipeline      Runner
	// Locks must be the same KeyedMutex the pipeline uses as its guard.
	Locks                 *KeyedMutex
	MaxConcurrentAnalyses int
	Events                events.Sink
	Metrics               *observability.Metrics
	Logger                *log.Logger
}

// TurnResult reports what a turn trigger did.
type TurnResult struct {
	Recorded         bool `json:"recorded"`
	TurnCount        int  `json:"turn_count"`
	Remaining        int  `json:"remaining"`
	ThresholdReached bool `json:"threshold_reached"`
	HandedOff        bool `json:"handed_off"`
}

type Coordinator struct {
	sessions      *session.Tracker
	conversations *conversation.Store
	pipeline      Runner
	locks         *KeyedMutex
	events        events.Sink
	metrics       *observability.Metrics
	logger        *log.Logger

	sem    chan struct{}
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

func New(cfg Config) (*Coordinator, error) {
	switch {
	case cfg.Sessions == nil:
		return nil, errors.New("coordinator: session tracker is required")
	case cfg.Conversations == nil:
		return nil, errors.New("coordinator: conversation store is required")
	case cfg.Pipeline == nil:
		return nil, errors.New("coordinator: pipeline is required")
	}
	if cfg.Locks == nil {
		cfg.Locks = NewKeyedMutex()
	}
	if cfg.MaxConcurrentAnalyses <= 0 {
		cfg.MaxConcurrentAnalyses = defaultMaxConcurrentAnalyses
	}
	if cfg.Events == nil {
		cfg.Events = events.Discard{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		sessions:      cfg.Sessions,
		conversations: cfg.Conversations,
		pipeline:      cfg.Pipeline,
		locks:         cfg.Locks,
		events:        cfg.Events,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
		sem:           make(chan struct{}, cfg.MaxConcurrentAnalyses),
		ctx:           ctx,
		cancel:        cancel,
	}
	c.updateGauges()
	return c, nil
}

// OnParticipantAdmitted admits the participant. Only a first admission
// changes state or publishes an event.
func (c *Coordinator) OnParticipantAdmitted(id, name string) session.Admission {
	adm := c.sessions.Admit(id, name)
	switch {
	case adm.AlreadyAdmitted:
		c.metrics.IncAdmission("already_admitted")
		return adm
	case adm.Waitlisted:
		c.metrics.IncAdmission("waitlisted")
	default:
		c.metrics.IncAdmission("activated")
	}
	c.updateGauges()
	c.events.Publish(events.Event{
		Type:          events.ParticipantAdmitted,
		ParticipantID: id,
		Data: map[string]any{
			"user_name":  name,
			"active":     adm.Activated,
			"waitlisted": adm.Waitlisted,
		},
	})
	return adm
}

// OnTurnReceived records one responder/participant exchange. A turn from a
// participant without a slot returns session.ErrNotActiveParticipant; a turn
// arriving while the transcript is being analyzed returns
// conversation.ErrStatusNotAppendable. Once the threshold is reached further
// turns are not recorded.
func (c *Coordinator) OnTurnReceived(id, name, responderText, participantText string) (TurnResult, error) {
	if c.isClosed() {
		return TurnResult{}, ErrClosed
	}
	unlock := c.locks.Lock(id)
	defer unlock()

	if !c.sessions.IsActive(id) {
		c.metrics.IncTurn("not_active")
		return TurnResult{}, session.ErrNotActiveParticipant
	}
	threshold := c.sessions.Threshold()

	if c.sessions.ThresholdReached(id) {
		handed := c.tryHandoffLocked(id, "turn")
		if handed || !c.releaseStrandedLocked(id) {
			count := c.sessions.TurnCount(id)
			c.metrics.IncTurn("threshold_reached")
			return TurnResult{TurnCount: count, ThresholdReached: true, HandedOff: handed}, nil
		}
		// The stranded cycle was reset; this turn opens the next one unless
		// the slot went to a waitlisted participant.
		if !c.sessions.IsActive(id) {
			c.metrics.IncTurn("not_active")
			return TurnResult{}, session.ErrNotActiveParticipant
		}
	}

	if err := c.conversations.AppendTurn(id, name, responderText, participantText); err != nil {
		if errors.Is(err, conversation.ErrStatusNotAppendable) {
			c.logger.Printf("warning: turn from %s dropped: %v", id, err)
			c.metrics.IncTurn("not_appendable")
		}
		return TurnResult{}, err
	}
	count, err := c.sessions.RecordTurn(id)
	if err != nil {
		return TurnResult{}, fmt.Errorf("record turn: %w", err)
	}
	c.metrics.IncTurn("recorded")

	res := TurnResult{
		Recorded:         true,
		TurnCount:        count,
		Remaining:        max(threshold-count, 0),
		ThresholdReached: count >= threshold,
	}
	c.events.Publish(events.Event{
		Type:          events.TurnRecorded,
		ParticipantID: id,
		Data:          map[string]any{"turn_count": count, "remaining": res.Remaining},
	})
	if res.ThresholdReached {
		res.HandedOff = c.tryHandoffLocked(id, "turn")
	}
	return res, nil
}

// Sweep hands off every pending transcript whose participant reached the
// threshold, then resets active sessions stranded at the threshold with no
// transcript left to analyze. It is idempotent and returns the number of
// handoffs.
func (c *Coordinator) Sweep() int {
	if c.isClosed() {
		return 0
	}
	handed := 0
	for _, id := range c.conversations.Pending() {
		unlock := c.locks.Lock(id)
		if c.sessions.ThresholdReached(id) && c.tryHandoffLocked(id, "sweep") {
			handed++
		}
		unlock()
	}
	released := 0
	for _, id := range c.sessions.Active() {
		unlock := c.locks.Lock(id)
		if c.sessions.ThresholdReached(id) && c.releaseStrandedLocked(id) {
			released++
		}
		unlock()
	}
	if handed > 0 {
		c.logger.Printf("sweep handed off %d transcript(s)", handed)
	}
	if released > 0 {
		c.logger.Printf("sweep reset %d stranded cycle(s)", released)
	}
	return handed
}

// StartSweeper runs Sweep every interval until ctx is done.
func (c *Coordinator) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.ctx.Done():
				return
			case <-ticker.C:
				c.Sweep()
			}
		}
	}()
}

// CycleComplete reports whether the participant has used up the current
// cycle's turns.
func (c *Coordinator) CycleComplete(id string) bool {
	return c.sessions.ThresholdReached(id)
}

// Participant returns the tracked state of an admitted participant.
func (c *Coordinator) Participant(id string) (session.Participant, error) {
	return c.sessions.Get(id)
}

// Threshold is the number of turns in one cycle.
func (c *Coordinator) Threshold() int {
	return c.sessions.Threshold()
}

// Wait blocks until every dispatched analysis has finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Close stops new work and waits for in-flight analyses until ctx is done.
// Runs still going at that point are cancelled and their transcripts stay
// analyzing for the next start to recover.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.cancel()
		return nil
	case <-ctx.Done():
		c.cancel()
		<-done
		return ctx.Err()
	}
}

func (c *Coordinator) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// tryHandoffLocked must be called with the participant's lock held.
func (c *Coordinator) tryHandoffLocked(id, trigger string) bool {
	// Holding the read lock keeps wg.Add ordered before Close's wg.Wait.
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	tr, err := c.conversations.BeginAnalysis(id)
	if err != nil {
		if !errors.Is(err, conversation.ErrAlreadyAnalyzing) && !errors.Is(err, conversation.ErrNotFound) {
			c.logger.Printf("begin analysis for %s: %v", id, err)
		}
		return false
	}
	c.metrics.IncHandoff(trigger)
	c.events.Publish(events.Event{
		Type:          events.AnalysisStarted,
		ParticipantID: id,
		Data:          map[string]any{"trigger": trigger, "turns": len(tr.Turns)},
	})

	c.wg.Add(1)
	go c.run(tr)
	return true
}

// releaseStrandedLocked closes a cycle whose session sits at the threshold
// while the transcript is neither under analysis nor holding turns. A restart
// between the steps that end a cycle, or a corrupt transcript record, leaves
// this state behind. It must be called with the participant's lock held.
func (c *Coordinator) releaseStrandedLocked(id string) bool {
	tr := c.conversations.Snapshot(id)
	if tr.Status == conversation.StatusAnalyzing || len(tr.Turns) > 0 {
		return false
	}
	rel := c.sessions.Reset(id)
	c.conversations.Reset(id)
	c.logger.Printf("participant %s was at the threshold with no transcript; cycle reset", id)
	c.publishPromotion(id, rel)
	c.updateGauges()
	return true
}

func (c *Coordinator) run(tr conversation.Transcript) {
	defer c.wg.Done()
	select {
	case c.sem <- struct{}{}:
	case <-c.ctx.Done():
		return
	}
	defer func() { <-c.sem }()

	res := c.pipeline.Run(c.ctx, tr)
	c.report(res)
}

func (c *Coordinator) report(res analysis.Result) {
	data := map[string]any{
		"run_id":      res.RunID,
		"user_name":   res.ParticipantName,
		"status":      string(res.Status),
		"duration_ms": res.Duration.Milliseconds(),
	}
	if res.Classified() {
		data["label"] = string(res.Label)
		data["inserted"] = res.Inserted
		c.events.Publish(events.Event{Type: events.ParticipantClassified, ParticipantID: res.ParticipantID, Data: data})
	} else {
		data["label"] = string(res.Label)
		if res.Err != nil {
			data["error"] = res.Err.Error()
		}
		c.events.Publish(events.Event{Type: events.AnalysisFailed, ParticipantID: res.ParticipantID, Data: data})
	}
	c.publishPromotion(res.ParticipantID, res.Release)
	c.updateGauges()
}

func (c *Coordinator) publishPromotion(replaced string, rel session.Release) {
	if rel.Promoted == "" {
		return
	}
	c.events.Publish(events.Event{
		Type:          events.ParticipantPromoted,
		ParticipantID: rel.Promoted,
		Data:          map[string]any{"replaced": replaced},
	})
}

func (c *Coordinator) updateGauges() {
	c.metrics.SetParticipants(c.sessions.ActiveCount(), len(c.sessions.Waitlist()))
}
