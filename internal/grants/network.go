// Package grants implements the kernel's per-pack authorization stores:
// network access, secret access, docker capability policy, and
// host-privilege access. The network, secret and capability stores are
// independent HMAC-signed JSON file stores, following the same pattern
// the approval manager uses for pack approvals; host-privilege grants are
// held in memory only.
package grants

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

// NetworkGrant is a pack's declared network access.
type NetworkGrant struct {
	PackID         string   `json:"pack_id"`
	Enabled        bool     `json:"enabled"`
	AllowedDomains []string `json:"allowed_domains"`
	AllowedPorts   []int    `json:"allowed_ports"`
	GrantedAt      string   `json:"granted_at"`
	UpdatedAt      string   `json:"updated_at"`
	GrantedBy      string   `json:"granted_by,omitempty"`
	Notes          string   `json:"notes,omitempty"`
}

// NetworkCheckResult is the outcome of a single access check.
type NetworkCheckResult struct {
	Allowed bool
	Reason  string
}

// NetworkManager tracks and enforces per-pack network grants.
type NetworkManager struct {
	mu            sync.RWMutex
	dir           string
	signer        *signing.Signer
	audit         *auditlog.Log
	grants        map[string]*NetworkGrant
	disabledPacks map[string]bool
}

func safeID(packID string) string {
	r := strings.NewReplacer("/", "_", ":", "_")
	return r.Replace(packID)
}

func nowTS() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000000Z")
}

// NewNetworkManager returns a NetworkManager persisting grants under dir
// and loads any existing grant files immediately.
func NewNetworkManager(dir string, signer *signing.Signer, audit *auditlog.Log) *NetworkManager {
	m := &NetworkManager{
		dir:           dir,
		signer:        signer,
		audit:         audit,
		grants:        make(map[string]*NetworkGrant),
		disabledPacks: make(map[string]bool),
	}
	m.loadAll()
	return m
}

func (m *NetworkManager) grantFile(packID string) string {
	return filepath.Join(m.dir, safeID(packID)+".json")
}

func (m *NetworkManager) loadAll() {
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

func (m *NetworkManager) loadGrantFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return
	}
	sig, _ := fields[signing.SignatureField].(string)
	packID, _ := fields["pack_id"].(string)

	if sig == "" || !m.signer.Verify(fields, sig) {
		if packID != "" {
			m.disabledPacks[packID] = true
		}
		return
	}

	raw, err := json.Marshal(fields)
	if err != nil {
		return
	}
	var grant NetworkGrant
	if err := json.Unmarshal(raw, &grant); err != nil {
		return
	}
	m.grants[grant.PackID] = &grant
}

func (m *NetworkManager) saveGrant(g *NetworkGrant) error {
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

// GrantNetworkAccess creates or replaces a pack's network grant,
// preserving the original GrantedAt and clearing any disabled flag.
func (m *NetworkManager) GrantNetworkAccess(packID string, domains []string, ports []int, grantedBy, notes string) (*NetworkGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := nowTS()
	grantedAt := now
	if existing, ok := m.grants[packID]; ok {
		grantedAt = existing.GrantedAt
	}
	g := &NetworkGrant{
		PackID:         packID,
		Enabled:        true,
		AllowedDomains: domains,
		AllowedPorts:   ports,
		GrantedAt:      grantedAt,
		UpdatedAt:      now,
		GrantedBy:      grantedBy,
		Notes:          notes,
	}
	m.grants[packID] = g
	delete(m.disabledPacks, packID)

	if err := m.saveGrant(g); err != nil {
		return nil, err
	}
	return g, nil
}

// RevokeNetworkAccess removes a pack's network grant entirely.
func (m *NetworkManager) RevokeNetworkAccess(packID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.grants[packID]; !ok {
		return false
	}
	delete(m.grants, packID)
	_ = os.Remove(m.grantFile(packID))
	return true
}

// DisableForModified marks a pack's network grant disabled because its
// approval has been demoted to Modified.
func (m *NetworkManager) DisableForModified(packID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disabledPacks[packID] = true
}

// EnableAfterReapproval clears a pack's disabled-for-modification flag.
func (m *NetworkManager) EnableAfterReapproval(packID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.disabledPacks, packID)
}

// CheckAccess evaluates whether pack packID may reach domain:port, logging
// the outcome to the audit trail regardless of result.
func (m *NetworkManager) CheckAccess(packID, domain string, port int) NetworkCheckResult {
	result := m.checkAccessLocked(packID, domain, port)
	if m.audit != nil {
		_ = m.audit.Append(auditlog.Event{
			Type:           auditlog.EventNetworkCheck,
			PrincipalID:    packID,
			PermissionType: "network",
			Action:         "check_access",
			Success:        result.Allowed,
			Reason:         result.Reason,
			Details: map[string]any{
				"domain": domain,
				"port":   port,
			},
		})
	}
	return result
}

func (m *NetworkManager) checkAccessLocked(packID, domain string, port int) NetworkCheckResult {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.disabledPacks[packID] {
		return NetworkCheckResult{Allowed: false, Reason: "Pack is disabled due to modification"}
	}
	grant, ok := m.grants[packID]
	if !ok {
		return NetworkCheckResult{Allowed: false, Reason: "No network grant for this pack"}
	}
	if !grant.Enabled {
		return NetworkCheckResult{Allowed: false, Reason: "Network grant is disabled"}
	}
	if !matchDomain(grant.AllowedDomains, domain) {
		return NetworkCheckResult{Allowed: false, Reason: "Domain not in allowed list: " + domain}
	}
	if !matchPort(grant.AllowedPorts, port) {
		return NetworkCheckResult{Allowed: false, Reason: "Port not in allowed list"}
	}
	return NetworkCheckResult{Allowed: true, Reason: "ok"}
}

func matchDomain(patterns []string, domain string) bool {
	domain = strings.ToLower(domain)
	for _, raw := range patterns {
		pattern := strings.ToLower(raw)
		if pattern == domain {
			return true
		}
		if strings.HasPrefix(pattern, "*.") {
			base := pattern[2:]
			if domain == base || strings.HasSuffix(domain, "."+base) {
				return true
			}
			continue
		}
		if strings.HasSuffix(domain, "."+pattern) {
			return true
		}
	}
	return false
}

func matchPort(allowed []int, port int) bool {
	if len(allowed) == 0 {
		return false
	}
	for _, p := range allowed {
		if p == 0 || p == port {
			return true
		}
	}
	return false
}

// GetGrant returns a copy of a pack's network grant, if any.
func (m *NetworkManager) GetGrant(packID string) (NetworkGrant, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.grants[packID]
	if !ok {
		return NetworkGrant{}, false
	}
	return *g, true
}

// GetAllGrants returns every known network grant, keyed by pack ID.
func (m *NetworkManager) GetAllGrants() map[string]NetworkGrant {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]NetworkGrant, len(m.grants))
	for k, v := range m.grants {
		out[k] = *v
	}
	return out
}

// GetDisabledPacks returns the set of packs currently disabled for
// modification, as a slice.
func (m *NetworkManager) GetDisabledPacks() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.disabledPacks))
	for id := range m.disabledPacks {
		out = append(out, id)
	}
	return out
}

// IsNetworkEnabled reports whether packID currently has an enabled,
// non-disabled network grant.
func (m *NetworkManager) IsNetworkEnabled(packID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.disabledPacks[packID] {
		return false
	}
	g, ok := m.grants[packID]
	return ok && g.Enabled
}

// DeleteGrant removes a pack's network grant file and in-memory record.
func (m *NetworkManager) DeleteGrant(packID string) bool {
	return m.RevokeNetworkAccess(packID)
}
