package history

import (
	"encoding/json"
	"testing"
)

func TestCommitSnapshotAndHistory(t *testing.T) {
	s := New(t.TempDir())

	v1 := Version{Title: "first", Content: json.RawMessage(`{"body":"a"}`)}
	c1, err := s.CommitSnapshot("n_1", v1, "alice", "initial save")
	if err != nil {
		t.Fatalf("commit 1: %v", err)
	}
	if c1.Author != "alice" || c1.Hash == "" {
		t.Fatalf("commit info: %+v", c1)
	}

	v2 := Version{Title: "second", Content: json.RawMessage(`{"body":"b"}`)}
	c2, err := s.CommitSnapshot("n_1", v2, "bob", "")
	if err != nil {
		t.Fatalf("commit 2: %v", err)
	}
	if c2.Hash == c1.Hash {
		t.Fatal("expected a new commit")
	}

	commits, err := s.History("n_1", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(commits) != 2 {
		t.Fatalf("commits = %d, want 2", len(commits))
	}
	if commits[0].Hash != c2.Hash || commits[1].Hash != c1.Hash {
		t.Fatalf("order: %+v", commits)
	}
}

func TestCommitUnchangedVersionIsNoop(t *testing.T) {
	s := New(t.TempDir())

	v := Version{Title: "same", Content: json.RawMessage(`{"body":"x"}`)}
	c1, err := s.CommitSnapshot("n_1", v, "alice", "save")
	if err != nil {
		t.Fatalf("commit 1: %v", err)
	}
	c2, err := s.CommitSnapshot("n_1", v, "alice", "save again")
	if err != nil {
		t.Fatalf("commit 2: %v", err)
	}
	if c2.Hash != c1.Hash {
		t.Fatalf("unchanged version created commit %s (head was %s)", c2.Hash, c1.Hash)
	}

	commits, err := s.History("n_1", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(commits) != 1 {
		t.Fatalf("commits = %d, want 1", len(commits))
	}
}

func TestVersionAt(t *testing.T) {
	s := New(t.TempDir())

	c1, err := s.CommitSnapshot("n_1", Version{Title: "old"}, "alice", "save")
	if err != nil {
		t.Fatalf("commit 1: %v", err)
	}
	if _, err := s.CommitSnapshot("n_1", Version{Title: "new"}, "alice", "save"); err != nil {
		t.Fatalf("commit 2: %v", err)
	}

	got, err := s.VersionAt("n_1", c1.Hash)
	if err != nil {
		t.Fatalf("version at: %v", err)
	}
	if got.Title != "old" {
		t.Fatalf("title = %q, want old", got.Title)
	}
}

func TestHistoryOfUnknownNote(t *testing.T) {
	s := New(t.TempDir())
	commits, err := s.History("n_missing", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(commits) != 0 {
		t.Fatalf("commits = %v", commits)
	}
}

func TestHistoryLimit(t *testing.T) {
	s := New(t.TempDir())
	for i, title := range []string{"a", "b", "c"} {
		if _, err := s.CommitSnapshot("n_1", Version{Title: title}, "alice", ""); err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
	}
	commits, err := s.History("n_1", 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(commits) != 2 {
		t.Fatalf("commits = %d, want 2", len(commits))
	}
}
