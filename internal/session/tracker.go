// Package session tracks which participants were admitted, which hold an
// open conversation cycle, and how many turns each has completed.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/ent0n29/traitscout/internal/docstore"
)

// DocumentName is the tracker's persisted run-state document.
const DocumentName = "chat_run"

const persistTimeout = 5 * time.Second

// Tracker is the SessionTracker. Every method is a single atomic
// read-modify-write; the run-state document is rewritten after each change.
type Tracker struct {
	mu           sync.RWMutex
	participants map[string]*Participant
	order        []string
	waitlist     []string
	lastActive   string
	threshold    int
	maxActive    int

	docs           docstore.Store
	logger         *log.Logger
	onPersistError func(name string, err error)
}

// NewTracker creates a tracker. maxActive bounds concurrently open cycles;
// zero means unlimited.
func NewTracker(threshold, maxActive int, docs docstore.Store, logger *log.Logger) *Tracker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if maxActive < 0 {
		maxActive = 0
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Tracker{
		participants: make(map[string]*Participant),
		threshold:    threshold,
		maxActive:    maxActive,
		docs:         docs,
		logger:       logger,
	}
}

func (t *Tracker) SetPersistErrorHook(hook func(name string, err error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onPersistError = hook
}

func (t *Tracker) Threshold() int { return t.threshold }

// Load restores the run-state document. Missing or corrupt documents start
// fresh.
func (t *Tracker) Load(ctx context.Context) error {
	if t.docs == nil {
		return nil
	}
	var doc runState
	if _, err := docstore.LoadJSON(ctx, t.docs, DocumentName, &doc); err != nil {
		if !errors.Is(err, docstore.ErrCorrupt) {
			return fmt.Errorf("load run state: %w", err)
		}
		t.logger.Printf("run state corrupt, starting fresh: %v", err)
		doc = runState{}
	}

	now := time.Now().UTC()
	participants := make(map[string]*Participant, len(doc.WelcomedUsers))
	order := make([]string, 0, len(doc.WelcomedUsers))
	for _, id := range doc.WelcomedUsers {
		if id == "" || participants[id] != nil {
			continue
		}
		participants[id] = &Participant{ID: id, TurnCount: doc.UserCount[id], AdmittedAt: now}
		order = append(order, id)
	}

	active := doc.ActiveUsers
	if len(active) == 0 && doc.UserID != "" {
		active = []string{doc.UserID}
	}
	for _, id := range active {
		if p := participants[id]; p != nil {
			p.Active = true
		}
	}
	var waitlist []string
	for _, id := range doc.Waitlist {
		if p := participants[id]; p != nil && !p.Active && !p.Waitlisted {
			p.Waitlisted = true
			waitlist = append(waitlist, id)
		}
	}

	t.mu.Lock()
	t.participants = participants
	t.order = order
	t.waitlist = waitlist
	t.lastActive = doc.UserID
	t.mu.Unlock()
	return nil
}

// Admit marks the participant admitted and, on first admission, activates
// it or places it on the waitlist when the active cap is reached. A repeated
// admission changes nothing and reports AlreadyAdmitted.
func (t *Tracker) Admit(id, name string) Admission {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.participants[id]; ok {
		return Admission{AlreadyAdmitted: true}
	}
	p := &Participant{ID: id, Name: name, AdmittedAt: time.Now().UTC()}
	t.participants[id] = p
	t.order = append(t.order, id)

	var out Admission
	if t.maxActive == 0 || t.activeCountLocked() < t.maxActive {
		p.Active = true
		t.lastActive = id
		out.Activated = true
	} else {
		p.Waitlisted = true
		t.waitlist = append(t.waitlist, id)
		out.Waitlisted = true
	}
	t.persistLocked()
	return out
}

// RecordTurn increments the turn counter of an active participant.
func (t *Tracker) RecordTurn(id string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.participants[id]
	if !ok || !p.Active {
		return 0, ErrNotActiveParticipant
	}
	p.TurnCount++
	p.LastTurnAt = time.Now().UTC()
	t.persistLocked()
	return p.TurnCount, nil
}

// Reset zeroes the turn counter, keeping admission. When other participants
// are waiting for a slot, this participant yields its slot to the head of
// the waitlist.
func (t *Tracker) Reset(id string) Release {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.participants[id]
	if !ok {
		return Release{}
	}
	p.TurnCount = 0
	p.Cycles++

	var out Release
	if p.Active && len(t.waitlist) > 0 {
		next := t.waitlist[0]
		t.waitlist = t.waitlist[1:]
		p.Active = false
		out.Deactivated = true
		if n := t.participants[next]; n != nil {
			n.Active = true
			n.Waitlisted = false
			t.lastActive = next
			out.Promoted = next
		}
	}
	t.persistLocked()
	return out
}

// ThresholdReached reports whether the participant completed the cycle's
// turns.
func (t *Tracker) ThresholdReached(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.participants[id]
	return ok && p.TurnCount >= t.threshold
}

func (t *Tracker) TurnCount(id string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if p, ok := t.participants[id]; ok {
		return p.TurnCount
	}
	return 0
}

func (t *Tracker) IsActive(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.participants[id]
	return ok && p.Active
}

func (t *Tracker) Get(id string) (Participant, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.participants[id]
	if !ok {
		return Participant{}, ErrNotFound
	}
	return *p, nil
}

// Active lists active participant ids in admission order.
func (t *Tracker) Active() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []string
	for _, id := range t.order {
		if t.participants[id].Active {
			out = append(out, id)
		}
	}
	return out
}

func (t *Tracker) ActiveCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.activeCountLocked()
}

func (t *Tracker) Waitlist() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.waitlist...)
}

func (t *Tracker) activeCountLocked() int {
	n := 0
	for _, p := range t.participants {
		if p.Active {
			n++
		}
	}
	return n
}

func (t *Tracker) persistLocked() {
	if t.docs == nil {
		return
	}
	doc := runState{
		WelcomedUsers: append([]string{}, t.order...),
		UserID:        t.lastActive,
		UserCount:     make(map[string]int, len(t.participants)),
		Waitlist:      append([]string(nil), t.waitlist...),
	}
	for _, id := range t.order {
		p := t.participants[id]
		doc.UserCount[id] = p.TurnCount
		if p.Active {
			doc.ActiveUsers = append(doc.ActiveUsers, id)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := docstore.SaveJSON(ctx, t.docs, DocumentName, doc); err != nil {
		t.logger.Printf("persist run state failed: %v", err)
		if t.onPersistError != nil {
			t.onPersistError(DocumentName, err)
		}
	}
}
