package kernel

import (
	"os"
	"testing"
)

func TestBuildContextCarriesEveryHandle(t *testing.T) {
	k := newTestKernel(t)
	ctx := k.buildContext()

	for _, key := range []string{"registry", "audit", "event_bus", "interface_registry", "_disabled_targets", "mount_manager", "active_ecosystem", "diagnostics", "install_journal", "lifecycle"} {
		if _, ok := ctx[key]; !ok {
			t.Fatalf("expected buildContext to set %q", key)
		}
	}
	if _, ok := ctx["diagnostics"].(NullService); !ok {
		t.Fatalf("expected diagnostics to be a NullService when no lifecycle executor is configured, got %T", ctx["diagnostics"])
	}
	if _, ok := ctx["mount_manager"].(NullService); !ok {
		t.Fatalf("expected mount_manager to always be a NullService, got %T", ctx["mount_manager"])
	}
}

func TestBuildSafeContextStripsInternalHandles(t *testing.T) {
	k := newTestKernel(t)
	t.Setenv("RUMI_SAFE_CONTEXT", "1")

	ctx := k.buildSafeContext("myflow", "step1")

	for _, key := range []string{"registry", "audit", "event_bus", "mount_manager", "active_ecosystem"} {
		if _, ok := ctx[key]; ok {
			t.Fatalf("expected safe context to omit %q", key)
		}
	}
	for _, key := range []string{"ts", "_disabled_targets", "diagnostics", "_flow_id", "_step_id"} {
		if _, ok := ctx[key]; !ok {
			t.Fatalf("expected safe context to retain %q", key)
		}
	}
	if ctx["_flow_id"] != "myflow" || ctx["_step_id"] != "step1" {
		t.Fatalf("expected flow/step ids to be carried through, got %+v %+v", ctx["_flow_id"], ctx["_step_id"])
	}
}

func TestBuildSafeContextOffByDefault(t *testing.T) {
	k := newTestKernel(t)
	os.Unsetenv("RUMI_SAFE_CONTEXT")

	ctx := k.buildSafeContext("", "")
	if _, ok := ctx["registry"]; !ok {
		t.Fatal("expected the full context to be returned when RUMI_SAFE_CONTEXT is unset")
	}
}
