package grants

import (
	"testing"

	"rumikernel/internal/signing"
)

func newTestSecretManager(t *testing.T) *SecretManager {
	t.Helper()
	return NewSecretManager(t.TempDir(), signing.New([]byte("test-key")), nil)
}

func TestGrantSecretAccessPersistsAndReloads(t *testing.T) {
	dir := t.TempDir()
	signer := signing.New([]byte("test-key"))

	m1 := NewSecretManager(dir, signer, nil)
	m1.GrantSecretAccess("acme/pack", []string{"API_KEY"}, "admin")

	m2 := NewSecretManager(dir, signer, nil)
	keys := m2.GetGrantedKeys("acme/pack")
	if len(keys) != 1 || keys[0] != "API_KEY" {
		t.Fatalf("unexpected granted keys after reload: %v", keys)
	}
}

func TestGrantSecretAccessDedupesAcrossCalls(t *testing.T) {
	m := newTestSecretManager(t)
	first := m.GrantSecretAccess("acme/pack", []string{"API_KEY", "DB_PASSWORD"}, "admin")
	second := m.GrantSecretAccess("acme/pack", []string{"DB_PASSWORD", "OTHER_KEY"}, "admin")

	if second.GrantedAt != first.GrantedAt {
		t.Fatalf("expected GrantedAt to be preserved across grants: %q != %q", second.GrantedAt, first.GrantedAt)
	}
	if len(second.GrantedKeys) != 3 {
		t.Fatalf("expected 3 deduplicated keys, got %v", second.GrantedKeys)
	}
}

func TestHasGrantReflectsGrantedKeys(t *testing.T) {
	m := newTestSecretManager(t)
	m.GrantSecretAccess("acme/pack", []string{"API_KEY"}, "admin")

	if !m.HasGrant("acme/pack", "API_KEY") {
		t.Fatal("expected HasGrant to report true for a granted key")
	}
	if m.HasGrant("acme/pack", "OTHER_KEY") {
		t.Fatal("expected HasGrant to report false for an ungranted key")
	}
	if m.HasGrant("nobody/pack", "API_KEY") {
		t.Fatal("expected HasGrant to report false for an unknown pack")
	}
}

func TestRevokeSecretAccessRemovesOnlyNamedKeys(t *testing.T) {
	m := newTestSecretManager(t)
	m.GrantSecretAccess("acme/pack", []string{"API_KEY", "DB_PASSWORD"}, "admin")

	if !m.RevokeSecretAccess("acme/pack", []string{"API_KEY"}) {
		t.Fatal("expected revoke to report success")
	}
	keys := m.GetGrantedKeys("acme/pack")
	if len(keys) != 1 || keys[0] != "DB_PASSWORD" {
		t.Fatalf("expected only DB_PASSWORD to remain, got %v", keys)
	}
	if m.RevokeSecretAccess("nobody/pack", []string{"API_KEY"}) {
		t.Fatal("expected revoke against an unknown pack to report no-op")
	}
}

func TestRevokeAllClearsEveryGrantedKey(t *testing.T) {
	m := newTestSecretManager(t)
	m.GrantSecretAccess("acme/pack", []string{"API_KEY", "DB_PASSWORD"}, "admin")

	if !m.RevokeAll("acme/pack") {
		t.Fatal("expected RevokeAll to report success")
	}
	if keys := m.GetGrantedKeys("acme/pack"); len(keys) != 0 {
		t.Fatalf("expected no granted keys after RevokeAll, got %v", keys)
	}
}

func TestDeleteGrantRemovesPackEntirely(t *testing.T) {
	m := newTestSecretManager(t)
	m.GrantSecretAccess("acme/pack", []string{"API_KEY"}, "admin")

	if !m.DeleteGrant("acme/pack") {
		t.Fatal("expected delete to report success")
	}
	if m.HasGrant("acme/pack", "API_KEY") {
		t.Fatal("expected HasGrant to report false after delete")
	}
	if m.DeleteGrant("acme/pack") {
		t.Fatal("expected second delete of same pack to report no-op")
	}
}

func TestListAllGrantsReturnsEverySecretPack(t *testing.T) {
	m := newTestSecretManager(t)
	m.GrantSecretAccess("acme/pack-a", []string{"KEY_A"}, "admin")
	m.GrantSecretAccess("acme/pack-b", []string{"KEY_B"}, "admin")

	all := m.ListAllGrants()
	if len(all) != 2 {
		t.Fatalf("expected 2 grants, got %d", len(all))
	}
}

func TestLoadGrantFileRejectsUnsignedSecretGrant(t *testing.T) {
	dir := t.TempDir()
	m1 := NewSecretManager(dir, signing.New([]byte("key-a")), nil)
	m1.GrantSecretAccess("acme/pack", []string{"API_KEY"}, "admin")

	// A manager keyed differently must not trust the file's signature.
	m2 := NewSecretManager(dir, signing.New([]byte("key-b")), nil)
	if m2.HasGrant("acme/pack", "API_KEY") {
		t.Fatal("expected a grant signed with a different key to be rejected on load")
	}
}
