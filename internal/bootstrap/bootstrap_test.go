package bootstrap

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func writeManifest(t *testing.T, packsDir, packID string, manifest map[string]any) {
	t.Helper()
	dir := filepath.Join(packsDir, packID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	data, err := json.Marshal(manifest)
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "ecosystem.json"), data, 0o644); err != nil {
		t.Fatalf("write ecosystem.json: %v", err)
	}
}

func TestBuildConstructsEveryDependency(t *testing.T) {
	workspace := t.TempDir()

	deps, err := Build(workspace, filepath.Join(workspace, "rumikernel.yaml"))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(func() {
		if deps.Watcher != nil {
			deps.Watcher.Stop()
		}
	})
	if deps.Config == nil || deps.Resolver == nil || deps.Registry == nil || deps.Approval == nil ||
		deps.Audit == nil || deps.Applier == nil || deps.Watcher == nil || deps.Pip == nil || deps.Capability == nil ||
		deps.Lib == nil || deps.Egress == nil || deps.CapProxy == nil || deps.DockerCap == nil ||
		deps.Sandbox == nil || deps.Kernel == nil || deps.Container == nil {
		t.Fatalf("Build left a nil field: %+v", deps)
	}
	if deps.Resolver.Root() != workspace {
		t.Fatalf("resolver root = %q, want %q", deps.Resolver.Root(), workspace)
	}
}

func TestBuildDiscoversPacksIntoRegistryAndCandidates(t *testing.T) {
	workspace := t.TempDir()
	packsDir := filepath.Join(workspace, "packs")
	writeManifest(t, packsDir, "acme.example", map[string]any{
		"name":         "example",
		"identity":     "acme.example",
		"dependencies": []string{"requests>=2.0"},
		"capabilities": []map[string]any{{"type": "network", "detail": "api.example.com"}},
	})
	// A directory with no ecosystem.json must not be registered as a pack.
	if err := os.MkdirAll(filepath.Join(packsDir, "not-a-pack"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	deps, err := Build(workspace, filepath.Join(workspace, "rumikernel.yaml"))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(func() {
		if deps.Watcher != nil {
			deps.Watcher.Stop()
		}
	})

	if _, ok := deps.Registry.Get("acme.example"); !ok {
		t.Fatal("expected acme.example registered in pack registry")
	}
	if _, ok := deps.Registry.Get("not-a-pack"); ok {
		t.Fatal("directory without ecosystem.json should not be registered")
	}

	pipItems := deps.Pip.ListItems("pending")
	if len(pipItems) == 0 {
		t.Fatal("expected the declared pip dependency to surface as a pending candidate")
	}

	capItems := deps.Capability.ListItems("pending")
	if len(capItems) == 0 {
		t.Fatal("expected the declared capability request to surface as a pending candidate")
	}
}

func TestBuildIsIdempotentAcrossRestarts(t *testing.T) {
	workspace := t.TempDir()
	configPath := filepath.Join(workspace, "rumikernel.yaml")

	first, err := Build(workspace, configPath)
	if err != nil {
		t.Fatalf("first Build: %v", err)
	}
	t.Cleanup(func() {
		if first.Watcher != nil {
			first.Watcher.Stop()
		}
	})
	first.Approval.ScanPacks()
	keyBefore, err := os.ReadFile(first.Resolver.SecretKeyFile())
	if err != nil {
		t.Fatalf("expected persisted secret key file: %v", err)
	}

	second, err := Build(workspace, configPath)
	if err != nil {
		t.Fatalf("second Build: %v", err)
	}
	t.Cleanup(func() {
		if second.Watcher != nil {
			second.Watcher.Stop()
		}
	})
	// The signing key persisted by the first Build must be reused, not
	// regenerated, or every restart would invalidate prior grant signatures.
	if _, err := os.Stat(first.Resolver.SecretKeyFile()); err != nil {
		t.Fatalf("expected persisted secret key file: %v", err)
	}
	if second.Resolver.SecretKeyFile() != first.Resolver.SecretKeyFile() {
		t.Fatalf("secret key path changed across restarts")
	}
	keyAfter, err := os.ReadFile(second.Resolver.SecretKeyFile())
	if err != nil || string(keyAfter) != string(keyBefore) {
		t.Fatalf("secret key was regenerated across restarts")
	}
}

func TestContainerResolvesEveryRegisteredService(t *testing.T) {
	workspace := t.TempDir()
	deps, err := Build(workspace, filepath.Join(workspace, "rumikernel.yaml"))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(func() {
		if deps.Watcher != nil {
			deps.Watcher.Stop()
		}
	})

	names := deps.Container.RegisteredNames()
	if len(names) == 0 {
		t.Fatal("expected at least one registered service")
	}
	for _, name := range names {
		if deps.Container.GetOrNil(name) == nil {
			t.Errorf("service %q registered but resolves to nil", name)
		}
	}
	if deps.Container.GetOrNil("kernel") == nil {
		t.Fatal("expected kernel instance registered under \"kernel\"")
	}
}
