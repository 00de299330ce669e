package traits

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/traitscout/internal/docstore"
)

// DocumentName is the registry's persisted document.
const DocumentName = "user_traits"

const persistTimeout = 5 * time.Second

// Entry is one participant recorded under a label.
type Entry struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
}

// Policy decides what happens to earlier labels when a participant is
// classified again in a later cycle.
type Policy string

const (
	// PolicyReplace moves the participant so it appears under one label only.
	PolicyReplace Policy = "replace"
	// PolicyAccumulate keeps every label the participant was ever given.
	PolicyAccumulate Policy = "accumulate"
)

func ParsePolicy(v string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(v))) {
	case "", PolicyReplace:
		return PolicyReplace, nil
	case PolicyAccumulate:
		return PolicyAccumulate, nil
	default:
		return "", fmt.Errorf("unsupported trait policy %q (expected replace|accumulate)", v)
	}
}

// Registry maps labels to the participants classified under them. Writes
// are serialized and each one is persisted as a whole document.
type Registry struct {
	mu       sync.RWMutex
	taxonomy *Taxonomy
	policy   Policy
	entries  map[Label][]Entry

	docs           docstore.Store
	logger         *log.Logger
	onPersistError func(name string, err error)
}

func NewRegistry(taxonomy *Taxonomy, policy Policy, docs docstore.Store, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if policy == "" {
		policy = PolicyReplace
	}
	return &Registry{
		taxonomy: taxonomy,
		policy:   policy,
		entries:  emptyEntries(taxonomy),
		docs:     docs,
		logger:   logger,
	}
}

func (r *Registry) SetPersistErrorHook(hook func(name string, err error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onPersistError = hook
}

func (r *Registry) Policy() Policy { return r.policy }

func (r *Registry) Taxonomy() *Taxonomy { return r.taxonomy }

// Load replaces in-memory state with the persisted document. A missing or
// corrupt document starts an empty registry; labels no longer in the
// taxonomy are dropped.
func (r *Registry) Load(ctx context.Context) error {
	if r.docs == nil {
		return nil
	}
	doc := map[string][]Entry{}
	_, err := docstore.LoadJSON(ctx, r.docs, DocumentName, &doc)
	if err != nil {
		if !errors.Is(err, docstore.ErrCorrupt) {
			return fmt.Errorf("load trait registry: %w", err)
		}
		r.logger.Printf("trait registry corrupt, starting fresh: %v", err)
		doc = map[string][]Entry{}
	}

	entries := emptyEntries(r.taxonomy)
	for raw, list := range doc {
		label, err := r.taxonomy.Lookup(raw)
		if err != nil {
			r.logger.Printf("dropping %d entries under unknown label %q", len(list), raw)
			continue
		}
		seen := make(map[string]bool, len(list))
		for _, e := range list {
			id := strings.TrimSpace(e.UserID)
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			entries[label] = append(entries[label], Entry{UserID: id, UserName: e.UserName})
		}
	}

	r.mu.Lock()
	r.entries = entries
	r.mu.Unlock()
	return nil
}

// Record adds the participant under label. It reports inserted=false and
// changes nothing when the participant is already there. Under
// PolicyReplace the participant is removed from every other label in the
// same step.
func (r *Registry) Record(label Label, userID, userName string) (bool, error) {
	if !r.taxonomy.Contains(label) {
		return false, fmt.Errorf("%w: %q", ErrUnknownLabel, label)
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false, fmt.Errorf("user id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries[label] {
		if e.UserID == userID {
			return false, nil
		}
	}
	if r.policy == PolicyReplace {
		for other, list := range r.entries {
			if other == label {
				continue
			}
			r.entries[other] = removeEntry(list, userID)
		}
	}
	r.entries[label] = append(r.entries[label], Entry{UserID: userID, UserName: userName})
	r.persistLocked()
	return true, nil
}

// Lookup returns the entries under label in insertion order.
func (r *Registry) Lookup(label Label) ([]Entry, error) {
	if !r.taxonomy.Contains(label) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLabel, label)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.entries[label]
	out := make([]Entry, len(list))
	copy(out, list)
	return out, nil
}

// KnownLabels returns the taxonomy in scan order.
func (r *Registry) KnownLabels() []Label {
	return r.taxonomy.Labels()
}

// LabelsOf returns every label the participant is recorded under.
func (r *Registry) LabelsOf(userID string) []Label {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Label
	for _, l := range r.taxonomy.labels {
		for _, e := range r.entries[l] {
			if e.UserID == userID {
				out = append(out, l)
				break
			}
		}
	}
	return out
}

func (r *Registry) Counts() map[Label]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[Label]int, len(r.entries))
	for l, list := range r.entries {
		out[l] = len(list)
	}
	return out
}

func (r *Registry) persistLocked() {
	if r.docs == nil {
		return
	}
	doc := make(map[string][]Entry, len(r.entries))
	for l, list := range r.entries {
		cp := make([]Entry, len(list))
		copy(cp, list)
		doc[string(l)] = cp
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := docstore.SaveJSON(ctx, r.docs, DocumentName, doc); err != nil {
		r.logger.Printf("persist trait registry failed: %v", err)
		if r.onPersistError != nil {
			r.onPersistError(DocumentName, err)
		}
	}
}

func emptyEntries(taxonomy *Taxonomy) map[Label][]Entry {
	out := make(map[Label][]Entry, len(taxonomy.labels))
	for _, l := range taxonomy.labels {
		out[l] = []Entry{}
	}
	return out
}

func removeEntry(list []Entry, userID string) []Entry {
	out := list[:0]
	for _, e := range list {
		if e.UserID != userID {
			out = append(out, e)
		}
	}
	return out
}
