package kernel

import (
	"os"
	"time"
)

// Ctx is a flow execution's mutable variable scope: the context map every
// step reads from and writes its output into.
type Ctx map[string]any

// Get performs dotted nested lookup ("a.b.c") against the context map.
func (c Ctx) Get(path string) (any, bool) {
	var current any = map[string]any(c)
	for _, key := range splitDot(path) {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		next, ok := m[key]
		if !ok {
			return nil, false
		}
		current = next
	}
	return current, true
}

func splitDot(path string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			parts = append(parts, path[start:i])
			start = i + 1
		}
	}
	return append(parts, path[start:])
}

// NullService is returned in place of an external service handle this
// kernel build does not resolve (mount_manager, active_ecosystem, or any
// internal handle when its backing component is absent): every method
// call is a safe no-op rather than a nil-pointer panic.
type NullService struct{ Name string }

// Call implements the callable no-op surface a NullService stands in for.
func (NullService) Call(args ...any) any { return nil }

// disabledTargets tracks packs/components the kernel has administratively
// disabled (e.g. after a failed lifecycle phase), consulted by flow
// execution to skip steps that belong to them.
type disabledTargets struct {
	Packs      map[string]bool
	Components map[string]bool
}

func newDisabledTargets() *disabledTargets {
	return &disabledTargets{Packs: map[string]bool{}, Components: map[string]bool{}}
}

// buildContext assembles the full (non-sanitized) context handed to
// kernel-internal code and to the step executor before any per-call
// overrides are merged in. It carries a handle to every internal service
// a flow step might need, plus NullService sentinels for the external
// services this kernel build never resolves (mount_manager,
// active_ecosystem) so a step probing for them gets a harmless no-op
// instead of a nil-map panic.
func (k *Kernel) buildContext() Ctx {
	ctx := Ctx{
		"registry":           k.registry,
		"audit":              k.audit,
		"event_bus":          k.eventBus,
		"interface_registry": k.registry,
		"_disabled_targets":  k.disabled,
		"mount_manager":      NullService{Name: "mount_manager"},
		"active_ecosystem":   NullService{Name: "active_ecosystem"},
	}
	if k.lifecycle != nil {
		ctx["diagnostics"] = k.lifecycle.Diagnostics()
		ctx["install_journal"] = k.lifecycle.Journal()
		ctx["lifecycle"] = k.lifecycle
	} else {
		ctx["diagnostics"] = NullService{Name: "diagnostics"}
		ctx["install_journal"] = NullService{Name: "install_journal"}
		ctx["lifecycle"] = NullService{Name: "lifecycle"}
	}
	return ctx
}

// safeContextEnv gates whether pack-facing handlers receive the
// sanitized context instead of the full one.
const safeContextEnv = "RUMI_SAFE_CONTEXT"

// buildSafeContext returns the sanitized context pack handlers receive
// when RUMI_SAFE_CONTEXT=1, or the full context otherwise.
func (k *Kernel) buildSafeContext(flowID, stepID string) Ctx {
	if os.Getenv(safeContextEnv) != "1" {
		return k.buildContext()
	}
	ctx := Ctx{
		"ts":                time.Now().UTC().Format(time.RFC3339Nano),
		"_disabled_targets": k.disabled,
	}
	if k.lifecycle != nil {
		ctx["diagnostics"] = k.lifecycle.Diagnostics().ReadOnly()
	} else {
		ctx["diagnostics"] = NullService{Name: "diagnostics"}
	}
	if flowID != "" {
		ctx["_flow_id"] = flowID
	}
	if stepID != "" {
		ctx["_step_id"] = stepID
	}
	return ctx
}
