// Package conversation keeps one transcript per participant and enforces
// its pending → analyzing → done|failed → pending lifecycle.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/ent0n29/traitscout/internal/docstore"
)

// DocumentPrefix is the namespace of per-participant conversation records.
const DocumentPrefix = "chat_records"

const persistTimeout = 5 * time.Second

// Store is the ConversationStore. Each call is one atomic read-modify-write
// on the participant's transcript; a missing transcript reads as an empty
// pending one.
type Store struct {
	mu          sync.Mutex
	transcripts map[string]*Transcript

	docs           docstore.Store
	logger         *log.Logger
	onPersistError func(name string, err error)
}

func NewStore(docs docstore.Store, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Store{
		transcripts: make(map[string]*Transcript),
		docs:        docs,
		logger:      logger,
	}
}

func (s *Store) SetPersistErrorHook(hook func(name string, err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPersistError = hook
}

// Load restores persisted records. Corrupt records are discarded. A record
// left in analyzing by an interrupted run goes back to pending so the sweep
// picks it up again; done and failed records are cleared.
func (s *Store) Load(ctx context.Context) error {
	if s.docs == nil {
		return nil
	}
	names, err := s.docs.List(ctx, DocumentPrefix+"/")
	if err != nil {
		return fmt.Errorf("list conversation records: %w", err)
	}

	loaded := make(map[string]*Transcript, len(names))
	for _, name := range names {
		var rec record
		if _, err := docstore.LoadJSON(ctx, s.docs, name, &rec); err != nil {
			if !errors.Is(err, docstore.ErrCorrupt) {
				return fmt.Errorf("load conversation record: %w", err)
			}
			s.logger.Printf("conversation record corrupt, discarding: %v", err)
			_ = s.docs.Delete(ctx, name)
			continue
		}
		id := rec.UserID
		if id == "" {
			id = docstore.LastSegment(name)
		}
		t := &Transcript{
			ParticipantID:   id,
			ParticipantName: rec.UserName,
			Turns:           rec.AllMessages,
			Status:          ParseStatus(rec.AnalysisStatus),
		}
		switch t.Status {
		case StatusAnalyzing:
			s.logger.Printf("conversation %s was interrupted during analysis; returning to pending", id)
			t.Status = StatusPending
		case StatusDone, StatusFailed:
			_ = s.docs.Delete(ctx, name)
			continue
		}
		if len(t.Turns) == 0 {
			continue
		}
		loaded[id] = t
	}

	s.mu.Lock()
	s.transcripts = loaded
	s.mu.Unlock()
	return nil
}

// AppendTurn adds a turn to the participant's transcript, creating it if
// needed. Only a pending transcript accepts turns.
func (s *Store) AppendTurn(id, name, responderText, participantText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transcripts[id]
	if !ok {
		t = &Transcript{ParticipantID: id, Status: StatusPending}
		s.transcripts[id] = t
	}
	if t.Status != StatusPending {
		return fmt.Errorf("%w: status %s", ErrStatusNotAppendable, t.Status)
	}
	if name != "" {
		t.ParticipantName = name
	}
	t.Turns = append(t.Turns, Turn{Responder: responderText, Participant: participantText})
	s.persistLocked(id, t)
	return nil
}

// Snapshot returns a copy of the participant's transcript.
func (s *Store) Snapshot(id string) Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transcripts[id]
	if !ok {
		return Transcript{Status: StatusPending, Turns: []Turn{}}
	}
	return t.Clone()
}

// BeginAnalysis atomically moves a pending transcript to analyzing and
// returns it. Any caller that finds the transcript already past pending gets
// ErrAlreadyAnalyzing; this is the single gate that admits one pipeline run
// per cycle.
func (s *Store) BeginAnalysis(id string) (Transcript, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transcripts[id]
	if !ok {
		return Transcript{}, ErrNotFound
	}
	if t.Status != StatusPending {
		return Transcript{}, fmt.Errorf("%w: status %s", ErrAlreadyAnalyzing, t.Status)
	}
	t.Status = StatusAnalyzing
	s.persistLocked(id, t)
	return t.Clone(), nil
}

// Complete moves an analyzing transcript to done or failed.
func (s *Store) Complete(id string, outcome Status) error {
	if outcome != StatusDone && outcome != StatusFailed {
		return fmt.Errorf("%w: outcome %s", ErrInvalidTransition, outcome)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transcripts[id]
	if !ok {
		return ErrNotFound
	}
	if t.Status != StatusAnalyzing {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, outcome)
	}
	t.Status = outcome
	s.persistLocked(id, t)
	return nil
}

// Reset clears the participant's transcript back to an empty pending one.
// It is valid in every status.
func (s *Store) Reset(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.transcripts, id)
	if s.docs == nil {
		return
	}
	name := docstore.Key(DocumentPrefix, id)
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.docs.Delete(ctx, name); err != nil {
		s.reportLocked(name, err)
	}
}

// Pending lists participants with a non-empty pending transcript.
func (s *Store) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, t := range s.transcripts {
		if t.Status == StatusPending && len(t.Turns) > 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (s *Store) persistLocked(id string, t *Transcript) {
	if s.docs == nil {
		return
	}
	rec := record{
		AllMessages:    append([]Turn{}, t.Turns...),
		UserID:         t.ParticipantID,
		UserName:       t.ParticipantName,
		AnalysisStatus: string(t.Status),
	}
	name := docstore.Key(DocumentPrefix, id)
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := docstore.SaveJSON(ctx, s.docs, name, rec); err != nil {
		s.reportLocked(name, err)
	}
}

func (s *Store) reportLocked(name string, err error) {
	s.logger.Printf("persist %s failed: %v", name, err)
	if s.onPersistError != nil {
		s.onPersistError(name, err)
	}
}
