package grants

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"rumikernel/internal/auditlog"
	"rumikernel/internal/signing"
)

// SecretGrant is the set of secret keys a pack may read.
type SecretGrant struct {
	PackID       string   `json:"pack_id"`
	GrantedKeys  []string `json:"granted_keys"`
	GrantedAt    string   `json:"granted_at"`
	UpdatedAt    string   `json:"updated_at"`
	GrantedBy    string   `json:"granted_by"`
}

// SecretManager tracks per-pack secret-key grants. Unlike NetworkManager,
// a secret grant never carries a resolved secret value itself — only the
// set of key names a pack is permitted to read at injection time.
type SecretManager struct {
	mu     sync.RWMutex
	dir    string
	signer *signing.Signer
	audit  *auditlog.Log
	grants map[string]*SecretGrant
}

// NewSecretManager returns a SecretManager persisting grants under dir.
func NewSecretManager(dir string, signer *signing.Signer, audit *auditlog.Log) *SecretManager {
	m := &SecretManager{
		dir:    dir,
		signer: signer,
		audit:  audit,
		grants: make(map[string]*SecretGrant),
	}
	m.loadAll()
	return m
}

func (m *SecretManager) grantFile(packID string) string {
	return filepath.Join(m.dir, safeID(packID)+".json")
}

func (m *SecretManager) loadAll() {
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

func (m *SecretManager) loadGrantFile(path string) {
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
	var grant SecretGrant
	if err := json.Unmarshal(raw, &grant); err != nil {
		return
	}
	m.grants[grant.PackID] = &grant
}

func (m *SecretManager) saveGrant(g *SecretGrant) error {
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

func (m *SecretManager) logEvent(packID, action string, success bool, details map[string]any) {
	if m.audit == nil {
		return
	}
	_ = m.audit.Append(auditlog.Event{
		Type:           auditlog.EventPermission,
		PrincipalID:    packID,
		PermissionType: "secret",
		Action:         action,
		Success:        success,
		Details:        details,
	})
}

func dedupeKeep(existing, add []string) []string {
	seen := make(map[string]bool, len(existing)+len(add))
	out := make([]string, 0, len(existing)+len(add))
	for _, k := range existing {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	for _, k := range add {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}

// GrantSecretAccess merges secretKeys into packID's existing grant
// (deduplicating), or creates a new grant if none exists.
func (m *SecretManager) GrantSecretAccess(packID string, secretKeys []string, grantedBy string) *SecretGrant {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := nowTS()
	existing, ok := m.grants[packID]
	var grant *SecretGrant
	if ok {
		grant = &SecretGrant{
			PackID:      packID,
			GrantedKeys: dedupeKeep(existing.GrantedKeys, secretKeys),
			GrantedAt:   existing.GrantedAt,
			UpdatedAt:   now,
			GrantedBy:   grantedBy,
		}
	} else {
		grant = &SecretGrant{
			PackID:      packID,
			GrantedKeys: dedupeKeep(nil, secretKeys),
			GrantedAt:   now,
			UpdatedAt:   now,
			GrantedBy:   grantedBy,
		}
	}
	m.grants[packID] = grant
	_ = m.saveGrant(grant)
	m.logEvent(packID, "grant", true, map[string]any{
		"secret_keys":        secretKeys,
		"granted_by":         grantedBy,
		"total_granted_keys": grant.GrantedKeys,
	})
	return grant
}

// RevokeSecretAccess removes secretKeys from packID's grant, if any.
func (m *SecretManager) RevokeSecretAccess(packID string, secretKeys []string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	grant, ok := m.grants[packID]
	if !ok {
		return false
	}
	revoke := make(map[string]bool, len(secretKeys))
	for _, k := range secretKeys {
		revoke[k] = true
	}
	kept := grant.GrantedKeys[:0:0]
	for _, k := range grant.GrantedKeys {
		if !revoke[k] {
			kept = append(kept, k)
		}
	}
	grant.GrantedKeys = kept
	grant.UpdatedAt = nowTS()
	_ = m.saveGrant(grant)
	m.logEvent(packID, "revoke", true, map[string]any{
		"revoked_keys":    secretKeys,
		"remaining_keys":  grant.GrantedKeys,
	})
	return true
}

// RevokeAll clears every granted key for packID.
func (m *SecretManager) RevokeAll(packID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	grant, ok := m.grants[packID]
	if !ok {
		return false
	}
	grant.GrantedKeys = nil
	grant.UpdatedAt = nowTS()
	_ = m.saveGrant(grant)
	m.logEvent(packID, "revoke_all", true, nil)
	return true
}

// GetGrantedKeys returns the secret key names granted to packID.
func (m *SecretManager) GetGrantedKeys(packID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	grant, ok := m.grants[packID]
	if !ok {
		return nil
	}
	out := make([]string, len(grant.GrantedKeys))
	copy(out, grant.GrantedKeys)
	return out
}

// HasGrant reports whether packID is granted access to secretKey.
func (m *SecretManager) HasGrant(packID, secretKey string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	grant, ok := m.grants[packID]
	if !ok {
		return false
	}
	for _, k := range grant.GrantedKeys {
		if k == secretKey {
			return true
		}
	}
	return false
}

// ListAllGrants returns every pack's secret grant.
func (m *SecretManager) ListAllGrants() map[string]SecretGrant {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]SecretGrant, len(m.grants))
	for k, v := range m.grants {
		out[k] = *v
	}
	return out
}

// DeleteGrant removes packID's secret grant file entirely.
func (m *SecretManager) DeleteGrant(packID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.grants[packID]; !ok {
		return false
	}
	delete(m.grants, packID)
	_ = os.Remove(m.grantFile(packID))
	m.logEvent(packID, "delete", true, nil)
	return true
}
