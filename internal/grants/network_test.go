package grants

import (
	"testing"

	"rumikernel/internal/signing"
)

func newTestNetworkManagerGrants(t *testing.T) *NetworkManager {
	t.Helper()
	return NewNetworkManager(t.TempDir(), signing.New([]byte("test-key")), nil)
}

func TestGrantNetworkAccessPersistsAndReloads(t *testing.T) {
	dir := t.TempDir()
	signer := signing.New([]byte("test-key"))

	m1 := NewNetworkManager(dir, signer, nil)
	if _, err := m1.GrantNetworkAccess("acme/pack", []string{"*.example.com"}, []int{443}, "admin", "initial"); err != nil {
		t.Fatalf("GrantNetworkAccess: %v", err)
	}

	m2 := NewNetworkManager(dir, signer, nil)
	grant, ok := m2.GetGrant("acme/pack")
	if !ok {
		t.Fatal("expected grant to survive reload")
	}
	if len(grant.AllowedDomains) != 1 || grant.AllowedDomains[0] != "*.example.com" {
		t.Fatalf("unexpected allowed domains after reload: %+v", grant.AllowedDomains)
	}
}

func TestGrantNetworkAccessPreservesOriginalGrantedAt(t *testing.T) {
	m := newTestNetworkManagerGrants(t)
	first, err := m.GrantNetworkAccess("acme/pack", []string{"example.com"}, []int{443}, "admin", "")
	if err != nil {
		t.Fatalf("GrantNetworkAccess: %v", err)
	}
	second, err := m.GrantNetworkAccess("acme/pack", []string{"example.com", "api.example.com"}, []int{443}, "admin", "")
	if err != nil {
		t.Fatalf("GrantNetworkAccess: %v", err)
	}
	if second.GrantedAt != first.GrantedAt {
		t.Fatalf("expected GrantedAt to be preserved across updates: %q != %q", second.GrantedAt, first.GrantedAt)
	}
}

func TestCheckAccessEnforcesDomainAndPort(t *testing.T) {
	m := newTestNetworkManagerGrants(t)
	if _, err := m.GrantNetworkAccess("acme/pack", []string{"*.example.com"}, []int{443, 8443}, "admin", ""); err != nil {
		t.Fatalf("GrantNetworkAccess: %v", err)
	}

	cases := []struct {
		domain string
		port   int
		want   bool
	}{
		{"api.example.com", 443, true},
		{"api.example.com", 8443, true},
		{"api.example.com", 80, false},
		{"evil.com", 443, false},
		{"example.com", 443, true}, // a *. pattern also matches its own bare apex
	}
	for _, c := range cases {
		got := m.CheckAccess("acme/pack", c.domain, c.port)
		if got.Allowed != c.want {
			t.Fatalf("CheckAccess(%q, %d) = %v (%s), want %v", c.domain, c.port, got.Allowed, got.Reason, c.want)
		}
	}
}

func TestCheckAccessDeniesUnknownPack(t *testing.T) {
	m := newTestNetworkManagerGrants(t)
	result := m.CheckAccess("nobody/pack", "example.com", 443)
	if result.Allowed {
		t.Fatal("expected no grant to deny access")
	}
}

func TestDisableForModifiedBlocksAccessUntilReapproval(t *testing.T) {
	m := newTestNetworkManagerGrants(t)
	if _, err := m.GrantNetworkAccess("acme/pack", []string{"example.com"}, []int{443}, "admin", ""); err != nil {
		t.Fatalf("GrantNetworkAccess: %v", err)
	}
	if !m.CheckAccess("acme/pack", "example.com", 443).Allowed {
		t.Fatal("expected initial access to be allowed")
	}

	m.DisableForModified("acme/pack")
	if m.CheckAccess("acme/pack", "example.com", 443).Allowed {
		t.Fatal("expected access to be denied while disabled for modification")
	}
	if m.IsNetworkEnabled("acme/pack") {
		t.Fatal("expected IsNetworkEnabled to report false while disabled")
	}

	m.EnableAfterReapproval("acme/pack")
	if !m.CheckAccess("acme/pack", "example.com", 443).Allowed {
		t.Fatal("expected access to be restored after EnableAfterReapproval")
	}
}

func TestRevokeNetworkAccessRemovesGrant(t *testing.T) {
	m := newTestNetworkManagerGrants(t)
	if _, err := m.GrantNetworkAccess("acme/pack", []string{"example.com"}, []int{443}, "admin", ""); err != nil {
		t.Fatalf("GrantNetworkAccess: %v", err)
	}
	if !m.RevokeNetworkAccess("acme/pack") {
		t.Fatal("expected revoke to report success")
	}
	if _, ok := m.GetGrant("acme/pack"); ok {
		t.Fatal("expected grant to be gone after revoke")
	}
	if m.RevokeNetworkAccess("acme/pack") {
		t.Fatal("expected second revoke of same pack to report no-op")
	}
}

func TestGetAllGrantsReturnsEveryPack(t *testing.T) {
	m := newTestNetworkManagerGrants(t)
	if _, err := m.GrantNetworkAccess("acme/pack-a", []string{"a.example.com"}, []int{443}, "admin", ""); err != nil {
		t.Fatalf("GrantNetworkAccess: %v", err)
	}
	if _, err := m.GrantNetworkAccess("acme/pack-b", []string{"b.example.com"}, []int{443}, "admin", ""); err != nil {
		t.Fatalf("GrantNetworkAccess: %v", err)
	}
	all := m.GetAllGrants()
	if len(all) != 2 {
		t.Fatalf("expected 2 grants, got %d", len(all))
	}
}

func TestMatchPortZeroAllowsAnyPort(t *testing.T) {
	if !matchPort([]int{0}, 31337) {
		t.Fatal("expected a zero entry in allowed ports to match any port")
	}
	if matchPort(nil, 443) {
		t.Fatal("expected an empty allow-list to match no port")
	}
}
