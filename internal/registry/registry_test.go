package registry

import "testing"

func TestPackUUIDIsDeterministic(t *testing.T) {
	a := PackUUID("acme/example@1.0.0")
	b := PackUUID("acme/example@1.0.0")
	if a != b {
		t.Fatal("expected the same identity string to always derive the same UUID")
	}
	if PackUUID("acme/other@1.0.0") == a {
		t.Fatal("expected different identities to derive different UUIDs")
	}
}

func TestComponentAndAddonUUIDsAreNamespacedByPack(t *testing.T) {
	packA := PackUUID("acme/a")
	packB := PackUUID("acme/b")
	if ComponentUUID(packA, "flow", "main") == ComponentUUID(packB, "flow", "main") {
		t.Fatal("same component id under different packs must derive different UUIDs")
	}
	if AddonUUID(packA, "hook") == AddonUUID(packB, "hook") {
		t.Fatal("same addon id under different packs must derive different UUIDs")
	}
}

func TestPutDerivesComponentAndAddonUUIDsFromPackIdentity(t *testing.T) {
	r := New()
	m := Manifest{
		Identity: "acme/example",
		Components: []Component{
			{ID: "main", Kind: KindFlow},
		},
		Addons: []Addon{
			{ID: "hook"},
		},
	}
	pack := r.Put("/packs/acme.example", m)

	wantPackUUID := PackUUID("acme/example")
	if pack.UUID != wantPackUUID {
		t.Fatalf("pack UUID = %v, want %v", pack.UUID, wantPackUUID)
	}
	wantComponentUUID := ComponentUUID(wantPackUUID, string(KindFlow), "main")
	if pack.Manifest.Components[0].UUID != wantComponentUUID {
		t.Fatalf("component UUID = %v, want %v", pack.Manifest.Components[0].UUID, wantComponentUUID)
	}
	wantAddonUUID := AddonUUID(wantPackUUID, "hook")
	if pack.Manifest.Addons[0].UUID != wantAddonUUID {
		t.Fatalf("addon UUID = %v, want %v", pack.Manifest.Addons[0].UUID, wantAddonUUID)
	}
}

func TestGetAndGetByUUIDFindThePutPack(t *testing.T) {
	r := New()
	pack := r.Put("/packs/acme.example", Manifest{Identity: "acme/example"})

	got, ok := r.Get("acme/example")
	if !ok || got != pack {
		t.Fatal("expected Get to find the pack by identity")
	}
	got, ok = r.GetByUUID(pack.UUID)
	if !ok || got != pack {
		t.Fatal("expected GetByUUID to find the pack by derived UUID")
	}
}

func TestGetMissingPackReportsFalse(t *testing.T) {
	r := New()
	if _, ok := r.Get("nothing/here"); ok {
		t.Fatal("expected Get to report false for an unregistered identity")
	}
}

func TestPutOverwritesAPreviousEntryForTheSameIdentity(t *testing.T) {
	r := New()
	r.Put("/packs/v1", Manifest{Identity: "acme/example", Version: "1.0.0"})
	r.Put("/packs/v2", Manifest{Identity: "acme/example", Version: "2.0.0"})

	got, ok := r.Get("acme/example")
	if !ok {
		t.Fatal("expected pack still registered")
	}
	if got.Manifest.Version != "2.0.0" {
		t.Fatalf("version = %q, want 2.0.0 (overwrite expected)", got.Manifest.Version)
	}
	if len(r.All()) != 1 {
		t.Fatalf("expected exactly one pack after overwrite, got %d", len(r.All()))
	}
}

func TestRemoveDeletesBothIndexes(t *testing.T) {
	r := New()
	pack := r.Put("/packs/acme.example", Manifest{Identity: "acme/example"})
	r.Remove("acme/example")

	if _, ok := r.Get("acme/example"); ok {
		t.Fatal("expected Get to fail after Remove")
	}
	if _, ok := r.GetByUUID(pack.UUID); ok {
		t.Fatal("expected GetByUUID to fail after Remove")
	}
}
