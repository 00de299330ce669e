package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ent0n29/traitscout/internal/docstore"
)

func TestBeginAnalysisSingleWinnerUnderRace(t *testing.T) {
	s := NewStore(docstore.NewInMemoryStore(), nil)
	if err := s.AppendTurn("u1", "Alice", "hi", "hello"); err != nil {
		t.Fatalf("AppendTurn() error = %v", err)
	}

	const callers = 16
	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		mu      sync.Mutex
		winners int
		losers  int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			tr, err := s.BeginAnalysis("u1")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
				if len(tr.Turns) != 1 {
					t.Errorf("winner transcript turns = %d, want 1", len(tr.Turns))
				}
			case errors.Is(err, ErrAlreadyAnalyzing):
				losers++
			default:
				t.Errorf("BeginAnalysis() unexpected error = %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if winners != 1 || losers != callers-1 {
		t.Fatalf("winners=%d losers=%d, want 1 and %d", winners, losers, callers-1)
	}
}

func TestAppendRejectedWhileAnalyzing(t *testing.T) {
	s := NewStore(nil, nil)
	_ = s.AppendTurn("u1", "Alice", "hi", "hello")
	if _, err := s.BeginAnalysis("u1"); err != nil {
		t.Fatalf("BeginAnalysis() error = %v", err)
	}
	if err := s.AppendTurn("u1", "Alice", "more", "text"); !errors.Is(err, ErrStatusNotAppendable) {
		t.Fatalf("AppendTurn() error = %v, want ErrStatusNotAppendable", err)
	}
	if got := s.Snapshot("u1"); len(got.Turns) != 1 || got.Status != StatusAnalyzing {
		t.Fatalf("Snapshot() = %+v", got)
	}
}

func TestResetClearsAndReenables(t *testing.T) {
	s := NewStore(docstore.NewInMemoryStore(), nil)
	_ = s.AppendTurn("u1", "Alice", "hi", "hello")
	_, _ = s.BeginAnalysis("u1")
	if err := s.Complete("u1", StatusDone); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	s.Reset("u1")

	got := s.Snapshot("u1")
	if got.Status != StatusPending || len(got.Turns) != 0 || got.ParticipantID != "" || got.ParticipantName != "" {
		t.Fatalf("Snapshot() after reset = %+v", got)
	}
	if err := s.AppendTurn("u1", "Alice", "again", "yes"); err != nil {
		t.Fatalf("AppendTurn() after reset error = %v", err)
	}
}

func TestCompleteTransitions(t *testing.T) {
	s := NewStore(nil, nil)
	_ = s.AppendTurn("u1", "Alice", "hi", "hello")

	if err := s.Complete("u1", StatusDone); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Complete() from pending error = %v, want ErrInvalidTransition", err)
	}
	_, _ = s.BeginAnalysis("u1")
	if err := s.Complete("u1", StatusPending); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Complete(pending) error = %v, want ErrInvalidTransition", err)
	}
	if err := s.Complete("u1", StatusFailed); err != nil {
		t.Fatalf("Complete(failed) error = %v", err)
	}
	if _, err := s.BeginAnalysis("u1"); !errors.Is(err, ErrAlreadyAnalyzing) {
		t.Fatalf("BeginAnalysis() on failed error = %v, want ErrAlreadyAnalyzing", err)
	}
	s.Reset("u1")
	if got := s.Snapshot("u1").Status; got != StatusPending {
		t.Fatalf("status after reset = %q, want pending", got)
	}
}

func TestLoadRecoversInterruptedAnalysis(t *testing.T) {
	ctx := context.Background()
	docs := docstore.NewInMemoryStore()

	first := NewStore(docs, nil)
	_ = first.AppendTurn("u1", "Alice", "hi", "hello")
	_ = first.AppendTurn("u2", "Bob", "hi", "yo")
	_, _ = first.BeginAnalysis("u1")

	legacy := `{"all_messages":[{"ai":"a","user":"b"}],"user_id":"u3","user_name":"Cy","analysis_status":"processing"}`
	_ = docs.Save(ctx, docstore.Key(DocumentPrefix, "u3"), []byte(legacy))
	_ = docs.Save(ctx, docstore.Key(DocumentPrefix, "u4"), []byte(`{"all_messages":[{"ai":"a","user":"b"}],"analysis_status":"done"}`))
	_ = docs.Save(ctx, docstore.Key(DocumentPrefix, "u5"), []byte(`not json`))

	second := NewStore(docs, nil)
	if err := second.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	pending := second.Pending()
	want := []string{"u1", "u2", "u3"}
	if len(pending) != len(want) {
		t.Fatalf("Pending() = %v, want %v", pending, want)
	}
	for i := range want {
		if pending[i] != want[i] {
			t.Fatalf("Pending() = %v, want %v", pending, want)
		}
	}
	if got := second.Snapshot("u3"); got.ParticipantName != "Cy" || len(got.Turns) != 1 {
		t.Fatalf("Snapshot(u3) = %+v", got)
	}
	if _, err := docs.Load(ctx, docstore.Key(DocumentPrefix, "u5")); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("corrupt record not discarded: %v", err)
	}
	if _, err := docs.Load(ctx, docstore.Key(DocumentPrefix, "u4")); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("done record not cleared: %v", err)
	}
}

func TestParseStatus(t *testing.T) {
	cases := map[string]Status{
		"pending":    StatusPending,
		"processing": StatusAnalyzing,
		"ANALYZING":  StatusAnalyzing,
		"done":       StatusDone,
		"failed":     StatusFailed,
		"":           StatusPending,
		"weird":      StatusPending,
	}
	for in, want := range cases {
		if got := ParseStatus(in); got != want {
			t.Fatalf("ParseStatus(%q) = %q, want %q", in, got, want)
		}
	}
}
