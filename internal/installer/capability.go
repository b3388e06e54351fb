package installer

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"rumikernel/internal/auditlog"
	"rumikernel/internal/dockercap"
	"rumikernel/internal/grants"
	"rumikernel/internal/registry"
)

// CapabilityCandidateKey derives the stable candidate key for one pack's
// requested capability.
func CapabilityCandidateKey(packID string, req registry.CapabilityRequest) string {
	return "capability:" + packID + ":" + req.Type + ":" + req.Detail
}

// CapabilityScanResult tallies one scan_candidates sweep.
type CapabilityScanResult struct {
	ScannedCount   int `json:"scanned_count"`
	PendingCreated int `json:"pending_created"`
}

// CapabilityInstaller holds pending/approved/rejected/blocked capability
// requests declared in pack manifests, activating the matching grant
// manager only once an operator approves the request.
type CapabilityInstaller struct {
	store *Store
	audit *auditlog.Log

	network  *grants.NetworkManager
	secrets  *grants.SecretManager
	hostPriv *grants.HostPrivilegeManager
	docker   *grants.CapabilityManager
}

// NewCapabilityInstaller returns a CapabilityInstaller persisting
// candidates under recordsFile. Any grant manager may be nil, in which
// case approving a request of that type fails with "manager not
// configured" rather than panicking.
func NewCapabilityInstaller(recordsFile string, audit *auditlog.Log, network *grants.NetworkManager, secrets *grants.SecretManager, hostPriv *grants.HostPrivilegeManager, docker *grants.CapabilityManager) *CapabilityInstaller {
	return &CapabilityInstaller{
		store:    NewStore(recordsFile),
		audit:    audit,
		network:  network,
		secrets:  secrets,
		hostPriv: hostPriv,
		docker:   docker,
	}
}

// PackManifest is the minimal shape ScanCandidates needs per pack.
type PackManifest struct {
	PackID       string
	Capabilities []registry.CapabilityRequest
}

// ScanCandidates records a pending candidate for every capability request
// not already known to the store, skipping local_pack.
func (c *CapabilityInstaller) ScanCandidates(packs []PackManifest) CapabilityScanResult {
	result := CapabilityScanResult{}
	for _, pack := range packs {
		if pack.PackID == LocalPackID {
			continue
		}
		for _, req := range pack.Capabilities {
			result.ScannedCount++
			key := CapabilityCandidateKey(pack.PackID, req)
			if _, exists := c.store.Get(key); exists {
				continue
			}
			_ = c.store.Upsert(Candidate{
				Key:    key,
				PackID: pack.PackID,
				Kind:   "capability",
				Detail: map[string]any{
					"type":   req.Type,
					"detail": req.Detail,
					"reason": req.Reason,
				},
				Status:     StatusPending,
				DetectedAt: nowTS(),
			})
			result.PendingCreated++
		}
	}
	c.logEvent("capability_scan", true, map[string]any{
		"scanned_count":   result.ScannedCount,
		"pending_created": result.PendingCreated,
	})
	return result
}

// ListItems returns every candidate matching statusFilter ("all" for
// every status).
func (c *CapabilityInstaller) ListItems(statusFilter string) []Candidate {
	return c.store.ListByStatus(statusFilter)
}

// ListBlocked returns every blocked candidate.
func (c *CapabilityInstaller) ListBlocked() []Candidate {
	return c.store.ListByStatus(string(StatusBlocked))
}

// CapabilityApproveResult is the outcome of Approve.
type CapabilityApproveResult struct {
	Success bool   `json:"success"`
	Key     string `json:"key"`
	Error   string `json:"error,omitempty"`
}

// Approve activates a pending capability request against the matching
// grant manager: network access, secret access, a host privilege, or a
// docker capability grant, parsed from the request's free-form Detail
// string.
func (c *CapabilityInstaller) Approve(candidateKey, actor string) CapabilityApproveResult {
	cand, ok := c.store.Get(candidateKey)
	if !ok {
		return CapabilityApproveResult{Success: false, Key: candidateKey, Error: "candidate not found"}
	}
	if cand.Status != StatusPending {
		return CapabilityApproveResult{Success: false, Key: candidateKey,
			Error: fmt.Sprintf("candidate is %s, not pending", cand.Status)}
	}

	reqType, _ := cand.Detail["type"].(string)
	detail, _ := cand.Detail["detail"].(string)

	var err error
	switch reqType {
	case "network":
		err = c.approveNetwork(cand.PackID, detail, actor)
	case "secrets":
		err = c.approveSecrets(cand.PackID, detail, actor)
	case "host_privilege":
		err = c.approveHostPrivilege(cand.PackID, detail)
	case "docker":
		err = c.approveDocker(cand.PackID, detail, actor)
	default:
		err = fmt.Errorf("unknown capability type: %s", reqType)
	}

	if err != nil {
		c.store.SetStatus(candidateKey, StatusFailed, actor, err.Error())
		c.logEvent("capability_approve", false, map[string]any{"key": candidateKey, "error": err.Error()})
		return CapabilityApproveResult{Success: false, Key: candidateKey, Error: err.Error()}
	}
	c.store.SetStatus(candidateKey, StatusInstalled, actor, "")
	c.logEvent("capability_approve", true, map[string]any{"key": candidateKey, "pack_id": cand.PackID})
	return CapabilityApproveResult{Success: true, Key: candidateKey}
}

// approveNetwork parses detail as "domain1,domain2|port1,port2" (ports may
// be empty, meaning all ports).
func (c *CapabilityInstaller) approveNetwork(packID, detail, actor string) error {
	if c.network == nil {
		return fmt.Errorf("network grant manager not configured")
	}
	domainsPart, portsPart, _ := strings.Cut(detail, "|")
	var domains []string
	for _, d := range strings.Split(domainsPart, ",") {
		if d = strings.TrimSpace(d); d != "" {
			domains = append(domains, d)
		}
	}
	var ports []int
	for _, p := range strings.Split(portsPart, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return fmt.Errorf("invalid port %q: %w", p, err)
		}
		ports = append(ports, n)
	}
	if len(ports) == 0 {
		ports = []int{0}
	}
	_, err := c.network.GrantNetworkAccess(packID, domains, ports, actor, "approved via capability installer")
	return err
}

// approveSecrets parses detail as a comma-separated list of secret keys.
func (c *CapabilityInstaller) approveSecrets(packID, detail, actor string) error {
	if c.secrets == nil {
		return fmt.Errorf("secret grant manager not configured")
	}
	var keys []string
	for _, k := range strings.Split(detail, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return fmt.Errorf("no secret keys in request detail")
	}
	c.secrets.GrantSecretAccess(packID, keys, actor)
	return nil
}

// approveHostPrivilege treats detail as a single privilege ID.
func (c *CapabilityInstaller) approveHostPrivilege(packID, detail string) error {
	if c.hostPriv == nil {
		return fmt.Errorf("host privilege manager not configured")
	}
	result := c.hostPriv.Grant(packID, detail)
	if !result.Success {
		return fmt.Errorf("%s", result.Error)
	}
	return nil
}

// approveDocker treats detail as an allowed image glob; every other docker
// grant field keeps the package's conservative defaults.
func (c *CapabilityInstaller) approveDocker(packID, detail, actor string) error {
	if c.docker == nil {
		return fmt.Errorf("docker capability manager not configured")
	}
	c.docker.GrantCapability(packID, dockercap.Grant{AllowedImages: []string{detail}}, actor)
	return nil
}

// Reject transitions a pending candidate to rejected.
func (c *CapabilityInstaller) Reject(candidateKey, actor, reason string) CapabilityApproveResult {
	if _, ok := c.store.SetStatus(candidateKey, StatusRejected, actor, reason); !ok {
		return CapabilityApproveResult{Success: false, Key: candidateKey, Error: "candidate not found"}
	}
	c.logEvent("capability_reject", true, map[string]any{"key": candidateKey, "reason": reason})
	return CapabilityApproveResult{Success: true, Key: candidateKey}
}

// Block transitions a candidate to blocked.
func (c *CapabilityInstaller) Block(candidateKey, actor, reason string) CapabilityApproveResult {
	if _, ok := c.store.SetStatus(candidateKey, StatusBlocked, actor, reason); !ok {
		return CapabilityApproveResult{Success: false, Key: candidateKey, Error: "candidate not found"}
	}
	c.logEvent("capability_block", true, map[string]any{"key": candidateKey, "reason": reason})
	return CapabilityApproveResult{Success: true, Key: candidateKey}
}

// Unblock returns a blocked candidate to pending.
func (c *CapabilityInstaller) Unblock(candidateKey, actor, reason string) CapabilityApproveResult {
	cand, ok := c.store.Get(candidateKey)
	if !ok || cand.Status != StatusBlocked {
		return CapabilityApproveResult{Success: false, Key: candidateKey, Error: "candidate is not blocked"}
	}
	c.store.SetStatus(candidateKey, StatusPending, actor, reason)
	c.logEvent("capability_unblock", true, map[string]any{"key": candidateKey, "reason": reason})
	return CapabilityApproveResult{Success: true, Key: candidateKey}
}

func (c *CapabilityInstaller) logEvent(action string, success bool, details map[string]any) {
	if c.audit == nil {
		return
	}
	_ = c.audit.Append(auditlog.Event{
		Timestamp: time.Now().UTC(),
		Type:      auditlog.EventSystem,
		Action:    action,
		Success:   success,
		Details:   details,
	})
}
