package installer

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"rumikernel/internal/auditlog"
)

// AllowedPipIndexes is the fixed allowlist of pip index URLs an approval
// may use; anything else is refused before a single candidate is touched.
var AllowedPipIndexes = map[string]bool{
	"https://pypi.org/simple": true,
}

// PipCandidateKey derives the stable candidate key for one pack's
// dependency string, so re-scanning the same unchanged requirement is
// idempotent against the Store.
func PipCandidateKey(packID, requirement string) string {
	return "pip:" + packID + ":" + requirement
}

// PipScanResult tallies one scan_candidates sweep.
type PipScanResult struct {
	ScannedCount   int `json:"scanned_count"`
	PendingCreated int `json:"pending_created"`
}

// PipInstaller holds pending/approved/rejected/blocked pip dependency
// requests a pack's manifest declares, gating actual `pip install` behind
// operator approval.
type PipInstaller struct {
	store *Store
	audit *auditlog.Log
}

// NewPipInstaller returns a PipInstaller persisting candidates under
// recordsFile.
func NewPipInstaller(recordsFile string, audit *auditlog.Log) *PipInstaller {
	return &PipInstaller{store: NewStore(recordsFile), audit: audit}
}

// PackDependencies is the minimal shape ScanCandidates needs per pack: its
// ID and the dependency strings its ecosystem.json manifest declares.
type PackDependencies struct {
	PackID       string
	Dependencies []string
}

// ScanCandidates records a pending candidate for every dependency string
// not already known to the store, skipping local_pack and already-decided
// requirements.
func (p *PipInstaller) ScanCandidates(packs []PackDependencies) PipScanResult {
	result := PipScanResult{}
	for _, pack := range packs {
		if pack.PackID == LocalPackID {
			continue
		}
		for _, dep := range pack.Dependencies {
			result.ScannedCount++
			key := PipCandidateKey(pack.PackID, dep)
			if _, exists := p.store.Get(key); exists {
				continue
			}
			_ = p.store.Upsert(Candidate{
				Key:        key,
				PackID:     pack.PackID,
				Kind:       "pip",
				Detail:     map[string]any{"requirement": dep},
				Status:     StatusPending,
				DetectedAt: nowTS(),
			})
			result.PendingCreated++
		}
	}
	p.logEvent("pip_scan", true, map[string]any{
		"scanned_count":   result.ScannedCount,
		"pending_created": result.PendingCreated,
	})
	return result
}

// ListItems returns every candidate matching statusFilter ("all" for
// every status).
func (p *PipInstaller) ListItems(statusFilter string) []Candidate {
	return p.store.ListByStatus(statusFilter)
}

// ListBlocked returns every blocked candidate.
func (p *PipInstaller) ListBlocked() []Candidate {
	return p.store.ListByStatus(string(StatusBlocked))
}

// PipApproveResult is the outcome of ApproveAndInstall.
type PipApproveResult struct {
	Success bool   `json:"success"`
	Key     string `json:"key"`
	Error   string `json:"error,omitempty"`
}

// ApproveAndInstall runs `pip install` for a pending candidate's
// requirement string, refusing any index URL outside AllowedPipIndexes
// and any requirement that resolves to a source distribution unless
// allowSdist is set.
func (p *PipInstaller) ApproveAndInstall(ctx context.Context, candidateKey, actor string, allowSdist bool, indexURL string) PipApproveResult {
	if !AllowedPipIndexes[indexURL] {
		return PipApproveResult{Success: false, Key: candidateKey,
			Error: fmt.Sprintf("index_url not in allowed list: %s", indexURL)}
	}
	c, ok := p.store.Get(candidateKey)
	if !ok {
		return PipApproveResult{Success: false, Key: candidateKey, Error: "candidate not found"}
	}
	if c.Status != StatusPending {
		return PipApproveResult{Success: false, Key: candidateKey,
			Error: fmt.Sprintf("candidate is %s, not pending", c.Status)}
	}

	requirement, _ := c.Detail["requirement"].(string)
	args := []string{"install", "--index-url", indexURL}
	if !allowSdist {
		args = append(args, "--only-binary=:all:")
	}
	args = append(args, requirement)

	cctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	cmd := exec.CommandContext(cctx, "pip", args...)
	output, err := cmd.CombinedOutput()

	if err != nil {
		p.store.SetStatus(candidateKey, StatusFailed, actor, strings.TrimSpace(string(output)))
		p.logEvent("pip_approve", false, map[string]any{"key": candidateKey, "error": err.Error()})
		return PipApproveResult{Success: false, Key: candidateKey, Error: err.Error()}
	}

	p.store.SetStatus(candidateKey, StatusInstalled, actor, "")
	p.logEvent("pip_approve", true, map[string]any{"key": candidateKey, "pack_id": c.PackID})
	return PipApproveResult{Success: true, Key: candidateKey}
}

// Reject transitions a pending candidate to rejected.
func (p *PipInstaller) Reject(candidateKey, actor, reason string) PipApproveResult {
	if _, ok := p.store.SetStatus(candidateKey, StatusRejected, actor, reason); !ok {
		return PipApproveResult{Success: false, Key: candidateKey, Error: "candidate not found"}
	}
	p.logEvent("pip_reject", true, map[string]any{"key": candidateKey, "reason": reason})
	return PipApproveResult{Success: true, Key: candidateKey}
}

// Block transitions a candidate to blocked, preventing future re-scans
// from reviving it as pending until Unblock is called.
func (p *PipInstaller) Block(candidateKey, actor, reason string) PipApproveResult {
	if _, ok := p.store.SetStatus(candidateKey, StatusBlocked, actor, reason); !ok {
		return PipApproveResult{Success: false, Key: candidateKey, Error: "candidate not found"}
	}
	p.logEvent("pip_block", true, map[string]any{"key": candidateKey, "reason": reason})
	return PipApproveResult{Success: true, Key: candidateKey}
}

// Unblock returns a blocked candidate to pending.
func (p *PipInstaller) Unblock(candidateKey, actor, reason string) PipApproveResult {
	c, ok := p.store.Get(candidateKey)
	if !ok || c.Status != StatusBlocked {
		return PipApproveResult{Success: false, Key: candidateKey, Error: "candidate is not blocked"}
	}
	p.store.SetStatus(candidateKey, StatusPending, actor, reason)
	p.logEvent("pip_unblock", true, map[string]any{"key": candidateKey, "reason": reason})
	return PipApproveResult{Success: true, Key: candidateKey}
}

func (p *PipInstaller) logEvent(action string, success bool, details map[string]any) {
	if p.audit == nil {
		return
	}
	_ = p.audit.Append(auditlog.Event{
		Timestamp: time.Now().UTC(),
		Type:      auditlog.EventSystem,
		Action:    action,
		Success:   success,
		Details:   details,
	})
}
