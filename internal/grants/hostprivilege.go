package grants

import "sync"

// PrivilegeResult is the outcome of a host-privilege grant/execute call.
type PrivilegeResult struct {
	Success bool
	Data    map[string]any
	Error   string
}

// HostPrivilegeManager tracks which packs may invoke which host-level
// privileged operations (those that must run outside the Docker sandbox
// entirely, e.g. a host filesystem mount helper). Grants are in-memory
// only and are not persisted, so none survive a kernel restart; nothing
// re-grants them at start.
type HostPrivilegeManager struct {
	mu      sync.Mutex
	granted map[string]map[string]bool
}

// NewHostPrivilegeManager returns an empty HostPrivilegeManager.
func NewHostPrivilegeManager() *HostPrivilegeManager {
	return &HostPrivilegeManager{granted: make(map[string]map[string]bool)}
}

// Grant authorizes packID to invoke privilegeID.
func (m *HostPrivilegeManager) Grant(packID, privilegeID string) PrivilegeResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.granted[packID] == nil {
		m.granted[packID] = make(map[string]bool)
	}
	m.granted[packID][privilegeID] = true
	return PrivilegeResult{Success: true}
}

// Revoke withdraws a single privilege from packID.
func (m *HostPrivilegeManager) Revoke(packID, privilegeID string) PrivilegeResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	if privs, ok := m.granted[packID]; ok {
		delete(privs, privilegeID)
	}
	return PrivilegeResult{Success: true}
}

// RevokeAll withdraws every privilege granted to packID.
func (m *HostPrivilegeManager) RevokeAll(packID string) PrivilegeResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.granted, packID)
	return PrivilegeResult{Success: true}
}

// HasPrivilege reports whether packID currently holds privilegeID.
func (m *HostPrivilegeManager) HasPrivilege(packID, privilegeID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.granted[packID][privilegeID]
}

// Execute runs a host-privileged operation if and only if packID holds
// privilegeID; the caller supplies the actual operation semantics via
// params, this manager only enforces the authorization gate.
func (m *HostPrivilegeManager) Execute(packID, privilegeID string, params map[string]any) PrivilegeResult {
	if !m.HasPrivilege(packID, privilegeID) {
		return PrivilegeResult{Success: false, Error: "privilege not granted: " + privilegeID}
	}
	return PrivilegeResult{Success: true, Data: map[string]any{
		"privilege_id": privilegeID,
		"pack_id":      packID,
	}}
}

// ListPrivileges returns every pack's currently granted privilege set.
func (m *HostPrivilegeManager) ListPrivileges() map[string][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]string, len(m.granted))
	for packID, privs := range m.granted {
		list := make([]string, 0, len(privs))
		for p := range privs {
			list = append(list, p)
		}
		out[packID] = list
	}
	return out
}
