package docstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

type sample struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := s.Load(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load(missing) error = %v, want ErrNotFound", err)
	}

	if err := SaveJSON(ctx, s, "chat_run", sample{Name: "run", Count: 2}); err != nil {
		t.Fatalf("SaveJSON() error = %v", err)
	}
	if err := SaveJSON(ctx, s, Key("chat_records", "u1"), sample{Name: "u1"}); err != nil {
		t.Fatalf("SaveJSON() error = %v", err)
	}
	if err := SaveJSON(ctx, s, Key("chat_records", "u2"), sample{Name: "u2"}); err != nil {
		t.Fatalf("SaveJSON() error = %v", err)
	}

	var got sample
	found, err := LoadJSON(ctx, s, "chat_run", &got)
	if err != nil || !found {
		t.Fatalf("LoadJSON() found=%v error=%v", found, err)
	}
	if got != (sample{Name: "run", Count: 2}) {
		t.Fatalf("LoadJSON() = %+v", got)
	}

	names, err := s.List(ctx, "chat_records/")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	want := []string{"chat_records/u1", "chat_records/u2"}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("List() = %v, want %v", names, want)
	}

	if err := s.Delete(ctx, Key("chat_records", "u1")); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := s.Delete(ctx, Key("chat_records", "u1")); err != nil {
		t.Fatalf("Delete() twice error = %v", err)
	}
	names, _ = s.List(ctx, "chat_records/")
	if len(names) != 1 || names[0] != "chat_records/u2" {
		t.Fatalf("List() after delete = %v", names)
	}

	if err := s.Save(ctx, "broken", []byte("{not json")); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	var broken sample
	if _, err := LoadJSON(ctx, s, "broken", &broken); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("LoadJSON(broken) error = %v, want ErrCorrupt", err)
	}
}

func TestInMemoryStore(t *testing.T) {
	exerciseStore(t, NewInMemoryStore())
}

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	exerciseStore(t, s)

	if _, err := os.Stat(filepath.Join(dir, "chat_run.json")); err != nil {
		t.Fatalf("expected chat_run.json on disk: %v", err)
	}
}

func TestGormSQLiteStore(t *testing.T) {
	s, err := NewGormStore("sqlite", filepath.Join(t.TempDir(), "nested", "docs.db"))
	if err != nil {
		t.Fatalf("NewGormStore() error = %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)
}

func TestNewStoreDrivers(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(ctx, "memory", "")
	if err != nil {
		t.Fatalf("NewStore(memory) error = %v", err)
	}
	if _, ok := s.(*InMemoryStore); !ok {
		t.Fatalf("NewStore(memory) = %T", s)
	}

	s, err = NewStore(ctx, "", t.TempDir())
	if err != nil {
		t.Fatalf("NewStore(default) error = %v", err)
	}
	if _, ok := s.(*FileStore); !ok {
		t.Fatalf("NewStore(default) = %T", s)
	}

	if _, err := NewStore(ctx, "postgres", ""); err == nil {
		t.Fatalf("NewStore(postgres) without dsn should fail")
	}
	if _, err := NewStore(ctx, "mongo", "x"); err == nil {
		t.Fatalf("NewStore(mongo) should fail")
	}
}

func TestKeyEscapesSegments(t *testing.T) {
	name := Key("chat_records", "a/b")
	if name != "chat_records/a%2Fb" {
		t.Fatalf("Key() = %q", name)
	}
	if got := LastSegment(name); got != "a/b" {
		t.Fatalf("LastSegment() = %q, want a/b", got)
	}
	if err := validateName(Key("chat_records", "..")); err != nil {
		t.Fatalf("escaped dot-dot should be valid: %v", err)
	}
	if err := validateName("../etc/passwd"); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("validateName() error = %v, want ErrInvalidName", err)
	}
}
