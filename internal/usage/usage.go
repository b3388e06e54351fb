// Package usage persists capability-consumption counters per
// principal/permission/scope so that usage quotas survive kernel
// restarts. Writes are atomic (temp file + rename) and every record is
// HMAC-signed so tampering with the file on disk is detectable.
package usage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"rumikernel/internal/auditlog"
	"rumikernel/internal/signing"
)

// Record is one permission+scope's usage counters for a principal.
type Record struct {
	PermissionID string         `json:"permission_id"`
	ScopeKey     string         `json:"scope_key"`
	UsedCount    int            `json:"used_count"`
	LastUsedTS   string         `json:"last_used_ts,omitempty"`
	DailyCounts  map[string]int `json:"daily_counts"`
}

// ConsumeResult is the outcome of a quota check-and-consume call.
type ConsumeResult struct {
	Allowed   bool
	Reason    string
	UsedCount int
	MaxCount  int
	ScopeKey  string
	Remaining int
}

// Store is the capability-usage persistence layer, keyed by principal ID.
type Store struct {
	mu     sync.Mutex
	dir    string
	signer *signing.Signer
	audit  *auditlog.Log
	cache  map[string]map[string]*Record
}

// New returns a Store persisting usage records under dir.
func New(dir string, signer *signing.Signer, audit *auditlog.Log) *Store {
	_ = os.MkdirAll(dir, 0o755)
	return &Store{
		dir:    dir,
		signer: signer,
		audit:  audit,
		cache:  make(map[string]map[string]*Record),
	}
}

func safePrincipalID(id string) string {
	r := strings.NewReplacer("/", "_", ":", "_", "..", "_")
	return r.Replace(id)
}

func (s *Store) filePath(principalID string) string {
	return filepath.Join(s.dir, safePrincipalID(principalID)+".json")
}

func recordKey(permissionID, scopeKey string) string {
	return permissionID + ":" + scopeKey
}

func todayStr() string {
	return time.Now().UTC().Format("2006-01-02")
}

func nowTS() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000000Z")
}

// loadPrincipal returns the cached record set for principalID, loading
// from disk (and verifying its HMAC signature) on first access. A
// signature mismatch resets the cache to empty rather than denying
// outright, matching the original store's tamper-detected behavior.
func (s *Store) loadPrincipal(principalID string) map[string]*Record {
	if records, ok := s.cache[principalID]; ok {
		return records
	}

	path := s.filePath(principalID)
	data, err := os.ReadFile(path)
	if err != nil {
		s.cache[principalID] = make(map[string]*Record)
		return s.cache[principalID]
	}

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		s.cache[principalID] = make(map[string]*Record)
		return s.cache[principalID]
	}

	sig, hasSig := fields[signing.SignatureField].(string)
	if hasSig && sig != "" {
		if !s.signer.Verify(fields, sig) {
			s.auditTamperDetected(principalID, path)
			s.cache[principalID] = make(map[string]*Record)
			return s.cache[principalID]
		}
	}

	records := make(map[string]*Record)
	if raw, ok := fields["records"].(map[string]any); ok {
		for key, v := range raw {
			rb, err := json.Marshal(v)
			if err != nil {
				continue
			}
			var rec Record
			if err := json.Unmarshal(rb, &rec); err != nil {
				continue
			}
			if rec.DailyCounts == nil {
				rec.DailyCounts = make(map[string]int)
			}
			records[key] = &rec
		}
	}
	s.cache[principalID] = records
	return records
}

func (s *Store) auditTamperDetected(principalID, path string) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Append(auditlog.Event{
		Type:     auditlog.EventSecurity,
		Severity: "error",
		Reason:   "capability_usage_tamper_detected",
		Details: map[string]any{
			"principal_id": principalID,
			"file":         path,
		},
	})
}

// savePrincipal atomically persists principalID's current record set via
// a temp file in the same directory followed by an os.Rename.
func (s *Store) savePrincipal(principalID string) error {
	records := s.cache[principalID]
	out := make(map[string]any, len(records))
	for k, v := range records {
		out[k] = v
	}
	// Sign the records in decoded JSON form, the form loadPrincipal
	// verifies, so the canonical bytes match when the file is reloaded.
	raw, err := json.Marshal(out)
	if err != nil {
		return err
	}
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return err
	}
	fields := map[string]any{
		"principal_id": principalID,
		"updated_at":   nowTS(),
		"records":      generic,
	}
	signed, err := s.signer.SignEnvelope(fields)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(signed, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, "usage-*.tmp")
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
	return os.Rename(tmpName, s.filePath(principalID))
}

// CheckAndConsume evaluates expiry, the lifetime max, and the optional
// daily max, incrementing the counters and persisting them only when the
// call is allowed.
func (s *Store) CheckAndConsume(principalID, permissionID, scopeKey string, maxCount, maxDailyCount int, expiresAtEpoch int64) ConsumeResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if expiresAtEpoch > 0 && time.Now().Unix() > expiresAtEpoch {
		return ConsumeResult{Allowed: false, Reason: "expired", ScopeKey: scopeKey, MaxCount: maxCount}
	}

	records := s.loadPrincipal(principalID)
	key := recordKey(permissionID, scopeKey)
	record, ok := records[key]
	if !ok {
		record = &Record{PermissionID: permissionID, ScopeKey: scopeKey, DailyCounts: make(map[string]int)}
		records[key] = record
	}

	if maxCount > 0 && record.UsedCount >= maxCount {
		return ConsumeResult{
			Allowed: false, Reason: "max_count_exceeded",
			UsedCount: record.UsedCount, MaxCount: maxCount, ScopeKey: scopeKey, Remaining: 0,
		}
	}

	if maxDailyCount > 0 {
		today := todayStr()
		if record.DailyCounts[today] >= maxDailyCount {
			remaining := -1
			if maxCount > 0 {
				remaining = maxInt(0, maxCount-record.UsedCount)
			}
			return ConsumeResult{
				Allowed: false, Reason: "daily_limit_exceeded",
				UsedCount: record.UsedCount, MaxCount: maxCount, ScopeKey: scopeKey, Remaining: remaining,
			}
		}
	}

	record.UsedCount++
	record.LastUsedTS = nowTS()
	if maxDailyCount > 0 {
		today := todayStr()
		record.DailyCounts[today]++
	}
	_ = s.savePrincipal(principalID)

	remaining := -1
	if maxCount > 0 {
		remaining = maxInt(0, maxCount-record.UsedCount)
	}
	return ConsumeResult{
		Allowed: true, UsedCount: record.UsedCount, MaxCount: maxCount,
		ScopeKey: scopeKey, Remaining: remaining,
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// GetUsage returns a copy of one permission/scope's usage record.
func (s *Store) GetUsage(principalID, permissionID, scopeKey string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := s.loadPrincipal(principalID)
	r, ok := records[recordKey(permissionID, scopeKey)]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// GetAllUsage returns every usage record for a principal.
func (s *Store) GetAllUsage(principalID string) map[string]Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := s.loadPrincipal(principalID)
	out := make(map[string]Record, len(records))
	for k, v := range records {
		out[k] = *v
	}
	return out
}

// ResetUsage deletes a single permission/scope record for a principal.
func (s *Store) ResetUsage(principalID, permissionID, scopeKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := s.loadPrincipal(principalID)
	key := recordKey(permissionID, scopeKey)
	if _, ok := records[key]; !ok {
		return false
	}
	delete(records, key)
	return s.savePrincipal(principalID) == nil
}

// ResetAll clears every usage record for a principal.
func (s *Store) ResetAll(principalID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[principalID] = make(map[string]*Record)
	return s.savePrincipal(principalID) == nil
}
