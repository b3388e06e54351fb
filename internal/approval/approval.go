// Package approval implements the kernel's pack approval state machine: no
// pack's code runs until an operator has explicitly approved it, and any
// approved pack whose files change on disk is demoted back to Modified
// until it is re-approved.
package approval

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"rumikernel/internal/kerr"
	"rumikernel/internal/signing"
)

// Status is a pack's position in the approval state machine.
type Status string

const (
	StatusInstalled Status = "installed"
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRunning   Status = "running"
	StatusModified  Status = "modified"
	StatusBlocked   Status = "blocked"
	StatusError     Status = "error"
)

// Approval is one pack's persisted approval record.
type Approval struct {
	PackID              string            `json:"pack_id"`
	Status              Status            `json:"status"`
	CreatedAt           string            `json:"created_at"`
	ApprovedAt          string            `json:"approved_at,omitempty"`
	FileHashes          map[string]string `json:"file_hashes,omitempty"`
	PermissionsRequested []map[string]any `json:"permissions_requested,omitempty"`
	RejectionReason     string            `json:"rejection_reason,omitempty"`
}

// Result reports the outcome of an approve/reject mutation.
type Result struct {
	Success bool
	PackID  string
	Error   string
	Status  Status
}

// Manager tracks every pack's approval record, persisting each as an
// HMAC-signed "<pack_id>.grants.json" file under grantsDir.
type Manager struct {
	mu        sync.Mutex
	packsDir  string
	grantsDir string
	signer    *signing.Signer
	approvals map[string]*Approval
}

func nowTS() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000000Z")
}

// New returns a Manager rooted at packsDir/grantsDir, signing with signer.
func New(packsDir, grantsDir string, signer *signing.Signer) *Manager {
	return &Manager{
		packsDir:  packsDir,
		grantsDir: grantsDir,
		signer:    signer,
		approvals: make(map[string]*Approval),
	}
}

// Initialize loads every "*.grants.json" file under grantsDir, verifying
// its HMAC signature. A signature mismatch demotes that pack to Modified
// rather than discarding the record entirely.
func (m *Manager) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(m.grantsDir, 0o755); err != nil {
		return kerr.New(kerr.Internal, "approval.Initialize", err)
	}

	entries, err := os.ReadDir(m.grantsDir)
	if err != nil {
		return kerr.New(kerr.Internal, "approval.Initialize", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".grants.json") {
			continue
		}
		m.loadGrantFile(filepath.Join(m.grantsDir, e.Name()))
	}
	return nil
}

func (m *Manager) loadGrantFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return
	}

	stem := strings.TrimSuffix(filepath.Base(path), ".grants.json")
	sig, present := fields[signing.SignatureField]
	if present {
		sigStr, _ := sig.(string)
		if !m.signer.Verify(fields, sigStr) {
			packID, _ := fields["pack_id"].(string)
			if packID == "" {
				packID = stem
			}
			created, _ := fields["created_at"].(string)
			if created == "" {
				created = nowTS()
			}
			m.approvals[packID] = &Approval{PackID: packID, Status: StatusModified, CreatedAt: created}
			return
		}
	}

	approval, err := decodeApproval(fields)
	if err != nil || approval.PackID == "" {
		return
	}
	m.approvals[approval.PackID] = approval
}

func decodeApproval(fields map[string]any) (*Approval, error) {
	delete(fields, signing.SignatureField)
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	var a Approval
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (m *Manager) saveGrant(a *Approval) error {
	if err := os.MkdirAll(m.grantsDir, 0o755); err != nil {
		return err
	}
	raw, err := json.Marshal(a)
	if err != nil {
		return err
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return err
	}
	signed, err := m.signer.SignEnvelope(fields)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(signed, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(m.grantsDir, fmt.Sprintf("%s.grants.json", a.PackID))
	return os.WriteFile(path, data, 0o644)
}

// ScanPacks walks packsDir for installed pack bundles (a subdirectory or
// the pack root containing an ecosystem.json) and registers any not
// already known as Installed.
func (m *Manager) ScanPacks() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var found []string
	entries, err := os.ReadDir(m.packsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return found, nil
		}
		return nil, kerr.New(kerr.Internal, "approval.ScanPacks", err)
	}

	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		packDir := filepath.Join(m.packsDir, e.Name())
		if !hasEcosystemManifest(packDir) {
			continue
		}
		packID := e.Name()
		found = append(found, packID)

		if _, exists := m.approvals[packID]; !exists {
			a := &Approval{PackID: packID, Status: StatusInstalled, CreatedAt: nowTS()}
			m.approvals[packID] = a
			_ = m.saveGrant(a)
		}
	}
	return found, nil
}

func hasEcosystemManifest(packDir string) bool {
	subEntries, err := os.ReadDir(packDir)
	if err != nil {
		return false
	}
	for _, sub := range subEntries {
		if sub.IsDir() && !strings.HasPrefix(sub.Name(), ".") {
			if fileExists(filepath.Join(packDir, sub.Name(), "ecosystem.json")) {
				return true
			}
		}
	}
	return fileExists(filepath.Join(packDir, "ecosystem.json"))
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// GetStatus returns a pack's current status, if known.
func (m *Manager) GetStatus(packID string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.approvals[packID]
	if !ok {
		return "", false
	}
	return a.Status, true
}

// GetApproval returns a copy of a pack's full approval record.
func (m *Manager) GetApproval(packID string) (Approval, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.approvals[packID]
	if !ok {
		return Approval{}, false
	}
	return *a, true
}

// GetPendingPacks returns every pack awaiting operator action (Installed,
// Pending, or Modified).
func (m *Manager) GetPendingPacks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, a := range m.approvals {
		switch a.Status {
		case StatusInstalled, StatusPending, StatusModified:
			out = append(out, id)
		}
	}
	return out
}

// GetAllApprovals returns every tracked pack's approval record, for the
// admin surface's full-listing view.
func (m *Manager) GetAllApprovals() []Approval {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Approval, 0, len(m.approvals))
	for _, a := range m.approvals {
		out = append(out, *a)
	}
	return out
}

// Approve recomputes the pack's file-hash manifest and transitions it to
// Approved.
func (m *Manager) Approve(packID string) Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.approvals[packID]
	if !ok {
		return Result{Success: false, PackID: packID, Error: "pack not found"}
	}
	packDir := filepath.Join(m.packsDir, packID)
	if !fileExists(packDir) {
		return Result{Success: false, PackID: packID, Error: "pack directory not found"}
	}

	hashes, err := computePackHashes(packDir)
	if err != nil {
		return Result{Success: false, PackID: packID, Error: err.Error()}
	}

	a.Status = StatusApproved
	a.ApprovedAt = nowTS()
	a.FileHashes = hashes
	a.RejectionReason = ""

	if err := m.saveGrant(a); err != nil {
		return Result{Success: false, PackID: packID, Error: err.Error()}
	}
	return Result{Success: true, PackID: packID, Status: StatusApproved}
}

// Reject transitions a pack to Blocked with the given reason.
func (m *Manager) Reject(packID, reason string) Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.approvals[packID]
	if !ok {
		return Result{Success: false, PackID: packID, Error: "pack not found"}
	}
	a.Status = StatusBlocked
	a.RejectionReason = reason

	if err := m.saveGrant(a); err != nil {
		return Result{Success: false, PackID: packID, Error: err.Error()}
	}
	return Result{Success: true, PackID: packID, Status: StatusBlocked}
}

// MarkModified demotes an approved pack back to Modified, requiring
// re-approval before it can run again.
func (m *Manager) MarkModified(packID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.approvals[packID]
	if !ok {
		return
	}
	a.Status = StatusModified
	_ = m.saveGrant(a)
}

// VerifyHash recomputes the pack's current file hashes and compares them
// against the hashes captured at approval time.
func (m *Manager) VerifyHash(packID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.approvals[packID]
	if !ok || len(a.FileHashes) == 0 {
		return false
	}
	packDir := filepath.Join(m.packsDir, packID)
	if !fileExists(packDir) {
		return false
	}
	current, err := computePackHashes(packDir)
	if err != nil {
		return false
	}
	if len(current) != len(a.FileHashes) {
		return false
	}
	for path, hash := range a.FileHashes {
		if current[path] != hash {
			return false
		}
	}
	return true
}

func computePackHashes(packDir string) (map[string]string, error) {
	hashes := make(map[string]string)
	err := filepath.Walk(packDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if strings.Contains(path, "__pycache__") || strings.HasSuffix(path, ".pyc") || strings.Contains(path, ".git") {
			return nil
		}
		rel, err := filepath.Rel(packDir, path)
		if err != nil {
			return err
		}
		h, err := hashFile(path)
		if err != nil {
			return err
		}
		hashes[rel] = h
		return nil
	})
	if err != nil {
		return nil, err
	}
	return hashes, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, 8192)
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return "", rerr
		}
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

// RemoveApproval discards a pack's in-memory and on-disk approval record.
func (m *Manager) RemoveApproval(packID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.approvals[packID]; !ok {
		return false
	}
	delete(m.approvals, packID)
	path := filepath.Join(m.grantsDir, fmt.Sprintf("%s.grants.json", packID))
	_ = os.Remove(path)
	return true
}
