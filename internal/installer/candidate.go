// Package installer implements the approval-gated auxiliary installers:
// LibExecutor runs a pack's lib/install.py and lib/update.py, while
// PipInstaller and CapabilityInstaller hold pip packages and capability
// grants a pack asks for in a pending/installed/rejected/blocked/failed
// state machine until an operator decides. Each candidate key holds one
// record whose status is overwritten in place.
package installer

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// CandidateStatus is one state in a candidate's approval lifecycle.
type CandidateStatus string

const (
	StatusPending   CandidateStatus = "pending"
	StatusInstalled CandidateStatus = "installed"
	StatusRejected  CandidateStatus = "rejected"
	StatusBlocked   CandidateStatus = "blocked"
	StatusFailed    CandidateStatus = "failed"
)

// Candidate is one auxiliary artifact (a pip package, a requested
// capability grant) awaiting or past an approval decision.
type Candidate struct {
	Key        string          `json:"key"`
	PackID     string          `json:"pack_id"`
	Kind       string          `json:"kind"`
	Detail     map[string]any  `json:"detail,omitempty"`
	Status     CandidateStatus `json:"status"`
	DetectedAt string          `json:"detected_at"`
	DecidedAt  string          `json:"decided_at,omitempty"`
	Actor      string          `json:"actor,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// candidateFile is the on-disk shape of a Store's records file.
type candidateFile struct {
	Version    string               `json:"version"`
	UpdatedAt  string               `json:"updated_at"`
	Candidates map[string]Candidate `json:"candidates"`
}

// Store persists a set of Candidates to a single JSON file, written
// atomically via a temp file + rename so a crash mid-write never leaves a
// truncated file behind.
type Store struct {
	mu          sync.Mutex
	recordsFile string
	candidates  map[string]Candidate
}

// NewStore loads recordsFile if it exists, or starts empty.
func NewStore(recordsFile string) *Store {
	s := &Store{recordsFile: recordsFile, candidates: make(map[string]Candidate)}
	s.load()
	return s
}

func (s *Store) load() {
	data, err := os.ReadFile(s.recordsFile)
	if err != nil {
		return
	}
	var f candidateFile
	if err := json.Unmarshal(data, &f); err != nil {
		return
	}
	if f.Candidates != nil {
		s.candidates = f.Candidates
	}
}

func (s *Store) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.recordsFile), 0o755); err != nil {
		return err
	}
	f := candidateFile{
		Version:    "1.0",
		UpdatedAt:  nowTS(),
		Candidates: s.candidates,
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.recordsFile), ".candidates-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, s.recordsFile)
}

func nowTS() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000000Z")
}

// Upsert inserts or replaces a candidate record.
func (s *Store) Upsert(c Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates[c.Key] = c
	return s.saveLocked()
}

// Get returns a candidate by key.
func (s *Store) Get(key string) (Candidate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.candidates[key]
	return c, ok
}

// ListByStatus returns every candidate matching status, or every candidate
// when status is empty or "all".
func (s *Store) ListByStatus(status string) []Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Candidate
	for _, c := range s.candidates {
		if status == "" || status == "all" || string(c.Status) == status {
			out = append(out, c)
		}
	}
	return out
}

// SetStatus transitions a candidate to a new status, recording who decided
// and why. Returns false if the key is unknown.
func (s *Store) SetStatus(key string, status CandidateStatus, actor, reason string) (Candidate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.candidates[key]
	if !ok {
		return Candidate{}, false
	}
	c.Status = status
	c.Actor = actor
	c.Reason = reason
	c.DecidedAt = nowTS()
	s.candidates[key] = c
	_ = s.saveLocked()
	return c, true
}
