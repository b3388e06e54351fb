package auditlog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAppendWritesOneJSONLinePerEvent(t *testing.T) {
	dir := t.TempDir()
	l := New(dir)
	defer l.Close()

	if err := l.Append(Event{Type: EventPermission, PrincipalID: "acme.example", Success: true}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.Append(Event{Type: EventSecurity, PrincipalID: "acme.example", Success: false, Reason: "blocked"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	today := time.Now().UTC().Format("2006-01-02")
	path := filepath.Join(dir, "permissions_"+today+".jsonl")
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("expected log file %s: %v", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %v", len(lines), lines)
	}
	var first Event
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("decode first line: %v", err)
	}
	if first.Type != EventPermission || !first.Success {
		t.Fatalf("unexpected first event: %+v", first)
	}
}

func TestAppendStampsATimestampWhenZero(t *testing.T) {
	dir := t.TempDir()
	l := New(dir)
	defer l.Close()

	before := time.Now().UTC()
	if err := l.Append(Event{Type: EventSystem}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	after := time.Now().UTC()

	today := time.Now().UTC().Format("2006-01-02")
	data, err := os.ReadFile(filepath.Join(dir, "permissions_"+today+".jsonl"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.Timestamp.Before(before) || ev.Timestamp.After(after) {
		t.Fatalf("timestamp %v not within [%v, %v]", ev.Timestamp, before, after)
	}
}

func TestAppendLogsFailuresToo(t *testing.T) {
	dir := t.TempDir()
	l := New(dir)
	defer l.Close()

	if err := l.Append(Event{Type: EventNetworkCheck, Success: false, Reason: "no grant"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	today := time.Now().UTC().Format("2006-01-02")
	data, err := os.ReadFile(filepath.Join(dir, "permissions_"+today+".jsonl"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.Success {
		t.Fatal("expected the denied check to be recorded as a failure, not silently dropped")
	}
}

func TestCloseIsIdempotentAndAllowsReopening(t *testing.T) {
	dir := t.TempDir()
	l := New(dir)
	if err := l.Append(Event{Type: EventSystem}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := l.Append(Event{Type: EventSystem}); err != nil {
		t.Fatalf("Append after Close: %v", err)
	}
}
