package lifecycle

import (
	"bufio"
	"os"
	"path/filepath"
	"testing"
)

func TestJournalAppendWritesJSONLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "install_journal.jsonl")
	j := NewJournal(JournalConfig{Path: path})
	j.Append(map[string]any{"event": "setup_run", "ref": "p:handler:a", "result": "success"})

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("journal file not created: %v", err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	count := 0
	for scanner.Scan() {
		count++
	}
	if count != 1 {
		t.Fatalf("expected 1 journal line, got %d", count)
	}
}

func TestJournalDisabledConfigSkipsWrites(t *testing.T) {
	j := NewJournal(JournalConfig{})
	j.Append(map[string]any{"event": "x"})
	if j.LastError() != nil {
		t.Fatalf("disabled journal must not attempt a write: %v", j.LastError())
	}
}

func TestUninstallDryRunPlansWithoutDeleting(t *testing.T) {
	tmp := t.TempDir()
	allowed := filepath.Join(tmp, "cache")
	os.MkdirAll(allowed, 0o755)
	created := filepath.Join(allowed, "artifact.txt")
	os.WriteFile(created, []byte("x"), 0o644)

	path := filepath.Join(tmp, "install_journal.jsonl")
	j := NewJournal(JournalConfig{Path: path, AllowedRoots: []string{allowed}})
	j.Append(map[string]any{
		"event": "setup_run",
		"paths": map[string]any{"created": []string{created}},
	})

	result := j.Uninstall(true)
	if len(result.PlannedDelete) != 1 || result.PlannedDelete[0] != created {
		t.Fatalf("expected %s planned for delete, got %+v", created, result.PlannedDelete)
	}
	if _, err := os.Stat(created); err != nil {
		t.Fatal("dry run must not delete the file")
	}
}

func TestUninstallSkipsProtectedRoot(t *testing.T) {
	tmp := t.TempDir()
	protected := filepath.Join(tmp, "chats")
	os.MkdirAll(protected, 0o755)
	created := filepath.Join(protected, "history.json")
	os.WriteFile(created, []byte("x"), 0o644)

	path := filepath.Join(tmp, "install_journal.jsonl")
	j := NewJournal(JournalConfig{Path: path, AllowedRoots: []string{tmp}, ProtectedRoots: []string{protected}})
	j.Append(map[string]any{
		"event": "setup_run",
		"paths": map[string]any{"created": []string{created}},
	})

	result := j.Uninstall(true)
	if len(result.PlannedDelete) != 0 {
		t.Fatalf("protected root must never be planned for delete, got %+v", result.PlannedDelete)
	}
	found := false
	for _, s := range result.Skipped {
		if s.Path == created && s.Reason == "protected_root" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %s skipped as protected_root, got %+v", created, result.Skipped)
	}
}

func TestUninstallActuallyDeletesWhenNotDryRun(t *testing.T) {
	tmp := t.TempDir()
	allowed := filepath.Join(tmp, "cache")
	os.MkdirAll(allowed, 0o755)
	created := filepath.Join(allowed, "artifact.txt")
	os.WriteFile(created, []byte("x"), 0o644)

	path := filepath.Join(tmp, "install_journal.jsonl")
	j := NewJournal(JournalConfig{Path: path, AllowedRoots: []string{allowed}})
	j.Append(map[string]any{
		"event": "setup_run",
		"paths": map[string]any{"created": []string{created}},
	})

	result := j.Uninstall(false)
	if !result.Success || len(result.Deleted) != 1 {
		t.Fatalf("expected successful delete, got %+v", result)
	}
	if _, err := os.Stat(created); !os.IsNotExist(err) {
		t.Fatal("expected file to be removed")
	}
}

func TestUninstallSkipsRootOutsideAllowed(t *testing.T) {
	tmp := t.TempDir()
	outside := filepath.Join(tmp, "elsewhere")
	os.MkdirAll(outside, 0o755)
	created := filepath.Join(outside, "file.txt")
	os.WriteFile(created, []byte("x"), 0o644)

	allowed := filepath.Join(tmp, "cache")
	os.MkdirAll(allowed, 0o755)

	path := filepath.Join(tmp, "install_journal.jsonl")
	j := NewJournal(JournalConfig{Path: path, AllowedRoots: []string{allowed}})
	j.Append(map[string]any{
		"event": "setup_run",
		"paths": map[string]any{"created": []string{created}},
	})

	result := j.Uninstall(true)
	if len(result.PlannedDelete) != 0 {
		t.Fatalf("path outside allowed roots must never be planned for delete, got %+v", result.PlannedDelete)
	}
}
