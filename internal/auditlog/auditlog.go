// Package auditlog implements the kernel's append-only audit trail.
//
// Every capability check, grant mutation, modifier conflict, and security
// event is appended to a daily JSONL file under
// settings/audit/permissions_YYYY-MM-DD.jsonl so operators can reconstruct
// "what was blocked and why" from pending/summary.json + these logs.
package auditlog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType enumerates the audit predicates this kernel emits.
type EventType string

const (
	EventPermission       EventType = "permission_event"
	EventNetworkCheck     EventType = "network_check"
	EventSecurity         EventType = "security_event"
	EventModifierApply    EventType = "modifier_application"
	EventModifierConflict EventType = "modifier_conflict_detected"
	EventSystem           EventType = "system_event"
)

// Event is one line of the audit trail.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Type      EventType      `json:"event"`
	PrincipalID string       `json:"principal_id,omitempty"`
	PermissionType string    `json:"permission_type,omitempty"`
	Action    string         `json:"action,omitempty"`
	Success   bool           `json:"success"`
	Reason    string         `json:"reason,omitempty"`
	Severity  string         `json:"severity,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Log is an append-only, rotating-by-day JSONL writer guarded by a mutex.
type Log struct {
	mu      sync.Mutex
	dir     string
	date    string
	file    *os.File
}

// New creates a Log writing under dir (typically
// user_data/settings/audit). The file is opened lazily on first Append.
func New(dir string) *Log {
	return &Log{dir: dir}
}

func (l *Log) rotateLocked() error {
	today := time.Now().UTC().Format("2006-01-02")
	if l.file != nil && l.date == today {
		return nil
	}
	if l.file != nil {
		_ = l.file.Close()
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(l.dir, "permissions_"+today+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	l.file = f
	l.date = today
	return nil
}

// Append writes one event as a JSON line, regardless of outcome (every
// denied capability check must still produce an audit entry).
func (l *Log) Append(ev Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if err := l.rotateLocked(); err != nil {
		return err
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	_, err = l.file.Write(line)
	return err
}

// Close flushes and closes the underlying file, if open.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
