package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	// ErrNotFound is returned by Load when no document exists under the name.
	ErrNotFound = errors.New("document not found")
	// ErrCorrupt marks a stored document that could not be decoded.
	ErrCorrupt = errors.New("document corrupt")
	// ErrInvalidName is returned for names that cannot be stored safely.
	ErrInvalidName = errors.New("invalid document name")
)

// Store persists named JSON documents.
type Store interface {
	Load(ctx context.Context, name string) ([]byte, error)
	Save(ctx context.Context, name string, body []byte) error
	Delete(ctx context.Context, name string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Key joins escaped path segments into a document name.
func Key(segments ...string) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		parts = append(parts, escapeSegment(s))
	}
	return strings.Join(parts, "/")
}

// LastSegment returns the unescaped final segment of a document name.
func LastSegment(name string) string {
	i := strings.LastIndex(name, "/")
	seg := name[i+1:]
	out, err := url.PathUnescape(seg)
	if err != nil {
		return seg
	}
	return out
}

func escapeSegment(s string) string {
	switch s {
	case "":
		return "%00"
	case ".":
		return "%2E"
	case "..":
		return "%2E%2E"
	}
	return url.PathEscape(s)
}

func validateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == "" || seg == "." || seg == ".." || strings.ContainsAny(seg, "\\\x00") {
			return fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
	}
	return nil
}

// LoadJSON decodes the named document into out. A missing document reports
// found=false with no error; an undecodable one returns an error wrapping
// ErrCorrupt and leaves out untouched.
func LoadJSON(ctx context.Context, s Store, name string, out any) (found bool, err error) {
	body, err := s.Load(ctx, name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return true, fmt.Errorf("%w: %s: %v", ErrCorrupt, name, err)
	}
	return true, nil
}

// SaveJSON stores v as indented JSON.
func SaveJSON(ctx context.Context, s Store, name string, v any) error {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	return s.Save(ctx, name, body)
}
