package grants

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"rumikernel/internal/auditlog"
	"rumikernel/internal/dockercap"
	"rumikernel/internal/signing"
)

// CapabilityGrant is the persisted, signed form of a pack's docker
// capability policy (internal/dockercap.Grant plus ownership metadata).
type CapabilityGrant struct {
	PackID    string          `json:"pack_id"`
	Config    dockercap.Grant `json:"config"`
	GrantedAt string          `json:"granted_at"`
	UpdatedAt string          `json:"updated_at"`
	GrantedBy string          `json:"granted_by"`
}

// CapabilityManager persists the per-pack dockercap.Grant policy
// (allowed images, resource ceilings, container limits) that both the
// kernel's docker.* handlers and the capability UDS proxy consult before
// handing a request to internal/dockercap.
type CapabilityManager struct {
	mu     sync.RWMutex
	dir    string
	signer *signing.Signer
	audit  *auditlog.Log
	grants map[string]*CapabilityGrant
}

// NewCapabilityManager returns a CapabilityManager persisting grants
// under dir.
func NewCapabilityManager(dir string, signer *signing.Signer, audit *auditlog.Log) *CapabilityManager {
	m := &CapabilityManager{
		dir:    dir,
		signer: signer,
		audit:  audit,
		grants: make(map[string]*CapabilityGrant),
	}
	m.loadAll()
	return m
}

func (m *CapabilityManager) grantFile(packID string) string {
	return filepath.Join(m.dir, safeID(packID)+".json")
}

func (m *CapabilityManager) loadAll() {
	_ = os.MkdirAll(m.dir, 0o755)
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		m.loadGrantFile(filepath.Join(m.dir, e.Name()))
	}
}

func (m *CapabilityManager) loadGrantFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return
	}
	sig, hasSig := fields[signing.SignatureField].(string)
	packID, _ := fields["pack_id"].(string)

	if !hasSig || sig == "" {
		m.logEvent(packID, "hmac_missing", false, map[string]any{"file_path": path})
		return
	}
	if !m.signer.Verify(fields, sig) {
		m.logEvent(packID, "hmac_mismatch", false, map[string]any{"file_path": path})
		return
	}

	raw, err := json.Marshal(fields)
	if err != nil {
		return
	}
	var grant CapabilityGrant
	if err := json.Unmarshal(raw, &grant); err != nil {
		return
	}
	m.grants[grant.PackID] = &grant
}

func (m *CapabilityManager) saveGrant(g *CapabilityGrant) error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return err
	}
	raw, err := json.Marshal(g)
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
	return os.WriteFile(m.grantFile(g.PackID), data, 0o644)
}

func (m *CapabilityManager) logEvent(packID, action string, success bool, details map[string]any) {
	if m.audit == nil {
		return
	}
	_ = m.audit.Append(auditlog.Event{
		Type:           auditlog.EventPermission,
		PrincipalID:    packID,
		PermissionType: "capability",
		Action:         action,
		Success:        success,
		Details:        details,
	})
}

// GrantCapability replaces packID's docker capability policy.
func (m *CapabilityManager) GrantCapability(packID string, config dockercap.Grant, grantedBy string) *CapabilityGrant {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := nowTS()
	grantedAt := now
	if existing, ok := m.grants[packID]; ok {
		grantedAt = existing.GrantedAt
	}
	grant := &CapabilityGrant{
		PackID:    packID,
		Config:    config,
		GrantedAt: grantedAt,
		UpdatedAt: now,
		GrantedBy: grantedBy,
	}
	m.grants[packID] = grant
	_ = m.saveGrant(grant)
	m.logEvent(packID, "grant", true, map[string]any{"granted_by": grantedBy})
	return grant
}

// GetGrant returns packID's docker capability policy, or the zero-value
// policy (deny-by-default: no allowed images) if none was ever granted.
func (m *CapabilityManager) GetGrant(packID string) (dockercap.Grant, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	grant, ok := m.grants[packID]
	if !ok {
		return dockercap.Grant{}, false
	}
	return grant.Config, true
}

// RevokeCapability removes packID's docker capability policy entirely.
func (m *CapabilityManager) RevokeCapability(packID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.grants[packID]; !ok {
		return false
	}
	delete(m.grants, packID)
	_ = os.Remove(m.grantFile(packID))
	m.logEvent(packID, "revoke", true, nil)
	return true
}

// ListAllGrants returns every pack's capability policy.
func (m *CapabilityManager) ListAllGrants() map[string]CapabilityGrant {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]CapabilityGrant, len(m.grants))
	for k, v := range m.grants {
		out[k] = *v
	}
	return out
}
