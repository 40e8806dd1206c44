package ltdc

import (
	"path/filepath"
	"testing"
)

func TestResumeStoreSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cursors.db")
	s, err := OpenResumeStore(path)
	if err != nil {
		t.Fatalf("OpenResumeStore: %v", err)
	}
	defer s.Close()

	if _, found, err := s.Load(0, 0); err != nil {
		t.Fatalf("Load on empty store: %v", err)
	} else if found {
		t.Fatal("expected no cursor before any Save")
	}

	want := Cursor{Epoch: 3, Position: 128}
	if err := s.Save(0, 1, want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, found, err := s.Load(0, 1)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !found {
		t.Fatal("expected cursor to be found after Save")
	}
	if got != want {
		t.Fatalf("Load = %+v, want %+v", got, want)
	}

	// A different (rank, worker) pair must stay untouched.
	if _, found, err := s.Load(0, 0); err != nil {
		t.Fatalf("Load: %v", err)
	} else if found {
		t.Fatal("expected (0,0) cursor to remain unset")
	}
}

func TestResumeStoreSavePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cursors.db")
	s, err := OpenResumeStore(path)
	if err != nil {
		t.Fatalf("OpenResumeStore: %v", err)
	}
	if err := s.Save(2, 3, Cursor{Epoch: 1, Position: 7}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := OpenResumeStore(path)
	if err != nil {
		t.Fatalf("reopen OpenResumeStore: %v", err)
	}
	defer s2.Close()

	got, found, err := s2.Load(2, 3)
	if err != nil {
		t.Fatalf("Load after reopen: %v", err)
	}
	if !found || got != (Cursor{Epoch: 1, Position: 7}) {
		t.Fatalf("Load after reopen = %+v, found=%v", got, found)
	}
}

func TestResumeStoreOverwritesExistingCursor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cursors.db")
	s, err := OpenResumeStore(path)
	if err != nil {
		t.Fatalf("OpenResumeStore: %v", err)
	}
	defer s.Close()

	if err := s.Save(0, 0, Cursor{Epoch: 0, Position: 5}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(0, 0, Cursor{Epoch: 1, Position: 0}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, found, err := s.Load(0, 0)
	if err != nil || !found {
		t.Fatalf("Load: %+v %v %v", got, found, err)
	}
	if got != (Cursor{Epoch: 1, Position: 0}) {
		t.Fatalf("Load after overwrite = %+v, want {1 0}", got)
	}
}
