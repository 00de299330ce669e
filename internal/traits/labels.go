// Package traits holds the closed label taxonomy and the durable registry
// of participants classified under each label.
package traits

import (
	"errors"
	"fmt"
	"strings"
)

// Label is one category of the taxonomy.
type Label string

// Undetermined is the sentinel produced when no label could be extracted.
// It is never recorded.
const Undetermined Label = "undetermined"

var (
	ErrUnknownLabel  = errors.New("unknown label")
	ErrEmptyTaxonomy = errors.New("taxonomy has no labels")
)

// DefaultLabels is the nine-type enneagram taxonomy, in scan order.
var DefaultLabels = []string{
	"perfectionist",
	"helper",
	"achiever",
	"individualist",
	"investigator",
	"loyalist",
	"enthusiast",
	"challenger",
	"peacemaker",
}

// Taxonomy is an ordered, closed set of labels. It is immutable after
// construction and safe for concurrent use.
type Taxonomy struct {
	labels []Label
	index  map[Label]int
}

// NewTaxonomy normalizes (trim, lowercase) and validates labels. Order is
// preserved and defines the parse scan order.
func NewTaxonomy(labels []string) (*Taxonomy, error) {
	t := &Taxonomy{index: make(map[Label]int, len(labels))}
	for _, raw := range labels {
		l := Label(strings.ToLower(strings.TrimSpace(raw)))
		if l == "" {
			continue
		}
		if l == Undetermined || l == "error" {
			return nil, fmt.Errorf("label %q is reserved", l)
		}
		if _, dup := t.index[l]; dup {
			return nil, fmt.Errorf("duplicate label %q", l)
		}
		t.index[l] = len(t.labels)
		t.labels = append(t.labels, l)
	}
	if len(t.labels) == 0 {
		return nil, ErrEmptyTaxonomy
	}
	return t, nil
}

// MustTaxonomy is NewTaxonomy for static label lists.
func MustTaxonomy(labels []string) *Taxonomy {
	t, err := NewTaxonomy(labels)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Taxonomy) Labels() []Label {
	out := make([]Label, len(t.labels))
	copy(out, t.labels)
	return out
}

func (t *Taxonomy) Strings() []string {
	out := make([]string, len(t.labels))
	for i, l := range t.labels {
		out[i] = string(l)
	}
	return out
}

func (t *Taxonomy) Contains(l Label) bool {
	_, ok := t.index[l]
	return ok
}

// Lookup resolves user input (any case, surrounding space) to a label.
func (t *Taxonomy) Lookup(raw string) (Label, error) {
	l := Label(strings.ToLower(strings.TrimSpace(raw)))
	if !t.Contains(l) {
		return "", fmt.Errorf("%w: %q", ErrUnknownLabel, raw)
	}
	return l, nil
}

// Parse extracts a label from free oracle text: case-insensitive substring
// match in taxonomy order, first hit wins. No hit yields Undetermined.
func (t *Taxonomy) Parse(raw string) Label {
	text := strings.ToLower(raw)
	for _, l := range t.labels {
		if strings.Contains(text, string(l)) {
			return l
		}
	}
	return Undetermined
}
