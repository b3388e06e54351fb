package installer

import (
	"context"
	"path/filepath"
	"testing"
)

func TestPipScanCandidatesCreatesPendingAndSkipsLocalPack(t *testing.T) {
	p := NewPipInstaller(filepath.Join(t.TempDir(), "pip.json"), nil)
	result := p.ScanCandidates([]PackDependencies{
		{PackID: "acme/pack", Dependencies: []string{"requests>=2.0", "numpy"}},
		{PackID: LocalPackID, Dependencies: []string{"anything"}},
	})
	if result.ScannedCount != 2 || result.PendingCreated != 2 {
		t.Fatalf("unexpected scan result: %+v", result)
	}
	items := p.ListItems("pending")
	if len(items) != 2 {
		t.Fatalf("expected 2 pending candidates, got %d", len(items))
	}
}

func TestPipScanCandidatesIsIdempotent(t *testing.T) {
	p := NewPipInstaller(filepath.Join(t.TempDir(), "pip.json"), nil)
	deps := []PackDependencies{{PackID: "acme/pack", Dependencies: []string{"requests"}}}
	p.ScanCandidates(deps)
	result := p.ScanCandidates(deps)
	if result.PendingCreated != 0 {
		t.Fatalf("expected no new candidates on re-scan, got %+v", result)
	}
}

func TestPipApproveAndInstallRejectsDisallowedIndex(t *testing.T) {
	p := NewPipInstaller(filepath.Join(t.TempDir(), "pip.json"), nil)
	p.ScanCandidates([]PackDependencies{{PackID: "acme/pack", Dependencies: []string{"requests"}}})
	key := PipCandidateKey("acme/pack", "requests")

	result := p.ApproveAndInstall(context.Background(), key, "admin", false, "https://evil.example.com/simple")
	if result.Success {
		t.Fatal("expected rejection for a disallowed index URL")
	}
}

func TestPipRejectAndBlockUnblockCycle(t *testing.T) {
	p := NewPipInstaller(filepath.Join(t.TempDir(), "pip.json"), nil)
	p.ScanCandidates([]PackDependencies{{PackID: "acme/pack", Dependencies: []string{"requests"}}})
	key := PipCandidateKey("acme/pack", "requests")

	if r := p.Reject(key, "admin", "not needed"); !r.Success {
		t.Fatalf("expected reject to succeed: %+v", r)
	}
	c, _ := p.store.Get(key)
	if c.Status != StatusRejected {
		t.Fatalf("expected rejected status, got %s", c.Status)
	}

	if r := p.Block(key, "admin", "repeated bad actor"); !r.Success {
		t.Fatalf("expected block to succeed: %+v", r)
	}
	blocked := p.ListBlocked()
	if len(blocked) != 1 || blocked[0].Key != key {
		t.Fatalf("expected blocked list to contain %s, got %+v", key, blocked)
	}

	if r := p.Unblock(key, "admin", "reconsidered"); !r.Success {
		t.Fatalf("expected unblock to succeed: %+v", r)
	}
	c, _ = p.store.Get(key)
	if c.Status != StatusPending {
		t.Fatalf("expected pending status after unblock, got %s", c.Status)
	}
}
