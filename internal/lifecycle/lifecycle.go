package lifecycle

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"rumikernel/internal/registry"
	"rumikernel/internal/sandbox"
)

// Phase names the three fixed lifecycle stages every component runs
// through, in this order, before a pack's flows/handlers are considered
// live.
type Phase string

const (
	PhaseDependency  Phase = "dependency"
	PhaseSetup       Phase = "setup"
	PhaseRuntimeBoot Phase = "runtime_boot"
)

var phaseFilenames = map[Phase]string{
	PhaseDependency:  "dependency_manager.py",
	PhaseSetup:       "setup.py",
	PhaseRuntimeBoot: "runtime_boot.py",
}

// phaseTimeout bounds how long a single component's phase script may run
// inside the sandbox before it is killed and treated as a failure.
const phaseTimeout = 60 * time.Second

// PhaseResult summarizes one RunPhase call: how many components ran, and
// which ones were newly disabled as a result of a failure during this
// call.
type PhaseResult struct {
	Phase          Phase
	Count          int
	NewlyDisabled  []string
	ImplementedNow bool
}

// Executor runs dependency/setup/runtime_boot phase scripts for every
// active component across every registered pack, in deterministic order,
// disabling (never crashing on) any component whose phase script fails.
type Executor struct {
	registry    *registry.Registry
	sandbox     *sandbox.Executor
	diagnostics *Diagnostics
	journal     *Journal

	// DisabledPersistent optionally reports components an operator has
	// permanently disabled (independent of this process's runtime
	// failures). Nil means none.
	DisabledPersistent func() map[string]bool

	mu              sync.Mutex
	disabledRuntime map[string]bool
}

// NewExecutor builds a lifecycle Executor. sandboxExec must not be nil;
// diagnostics/journal may be nil, in which case this executor allocates
// its own (journal defaults to disabled — no path configured).
func NewExecutor(reg *registry.Registry, sandboxExec *sandbox.Executor, diag *Diagnostics, journal *Journal) *Executor {
	if diag == nil {
		diag = NewDiagnostics()
	}
	if journal == nil {
		journal = NewJournal(JournalConfig{})
	}
	return &Executor{
		registry:        reg,
		sandbox:         sandboxExec,
		diagnostics:     diag,
		journal:         journal,
		disabledRuntime: map[string]bool{},
	}
}

// Diagnostics returns the executor's diagnostics sink.
func (e *Executor) Diagnostics() *Diagnostics { return e.diagnostics }

// Journal returns the executor's install journal.
func (e *Executor) Journal() *Journal { return e.journal }

// activeComponent pairs a component with the pack that owns it, the
// component's runtime directory, and its fully-qualified id.
type activeComponent struct {
	pack      *registry.Pack
	component registry.Component
	fullID    string
	dir       string
}

// componentFullID derives the "pack:kind:id" identity used across
// diagnostics, the journal, and the runtime-disabled set.
func componentFullID(pack *registry.Pack, c registry.Component) string {
	return fmt.Sprintf("%s:%s:%s", pack.Identity, c.Kind, c.ID)
}

// componentDir resolves where a component's phase scripts live: the
// directory containing its declared file, or the pack root if the
// component declares no file of its own.
func componentDir(pack *registry.Pack, c registry.Component) string {
	if c.File == "" {
		return pack.Dir
	}
	return filepath.Dir(filepath.Join(pack.Dir, c.File))
}

// IterActiveComponents enumerates every component eligible to run a
// lifecycle phase: every component of every registered pack, minus
// whatever is disabled (persistently or for this process's lifetime),
// in a deterministic order so re-runs are reproducible.
func (e *Executor) IterActiveComponents(phase Phase) []activeComponent {
	packs := e.registry.All()
	sort.Slice(packs, func(i, j int) bool { return packs[i].Identity < packs[j].Identity })

	persistent := map[string]bool{}
	if e.DisabledPersistent != nil {
		persistent = e.DisabledPersistent()
	}

	e.mu.Lock()
	runtimeDisabled := make(map[string]bool, len(e.disabledRuntime))
	for k := range e.disabledRuntime {
		runtimeDisabled[k] = true
	}
	e.mu.Unlock()

	var out []activeComponent
	for _, pack := range packs {
		comps := append([]registry.Component(nil), pack.Manifest.Components...)
		sort.Slice(comps, func(i, j int) bool {
			if comps[i].Kind != comps[j].Kind {
				return comps[i].Kind < comps[j].Kind
			}
			return comps[i].ID < comps[j].ID
		})

		for _, c := range comps {
			fullID := componentFullID(pack, c)

			if persistent[fullID] {
				e.diagnostics.RecordStep("startup", "component.filter", "component_lifecycle:filter",
					StatusSkipped, Target{Kind: "component", ID: fullID},
					nil, map[string]any{"reason": "disabled_persistent", "phase": string(phase)})
				continue
			}
			if runtimeDisabled[fullID] {
				e.diagnostics.RecordStep("startup", "component.filter", "component_lifecycle:filter",
					StatusSkipped, Target{Kind: "component", ID: fullID},
					nil, map[string]any{"reason": "disabled_runtime", "phase": string(phase)})
				continue
			}

			out = append(out, activeComponent{pack: pack, component: c, fullID: fullID, dir: componentDir(pack, c)})
		}
	}
	return out
}

// RunPhase runs one of the three fixed lifecycle phases across every
// active component. Any other phase name is recorded as skipped
// (not-yet-implemented) and returns immediately, mirroring the runtime's
// staged rollout of lifecycle phases.
func (e *Executor) RunPhase(phase Phase) PhaseResult {
	filename, ok := phaseFilenames[phase]
	if !ok {
		e.diagnostics.RecordStep("startup", fmt.Sprintf("component_phase.%s", phase),
			fmt.Sprintf("component_phase:%s", phase), StatusSkipped,
			Target{Kind: "none"}, nil, map[string]any{"reason": "not_implemented_yet"})
		return PhaseResult{Phase: phase, ImplementedNow: false}
	}

	components := e.IterActiveComponents(phase)

	e.diagnostics.RecordStep("startup", fmt.Sprintf("component_phase.%s.start", phase),
		fmt.Sprintf("component_phase:%s", phase), StatusSuccess,
		Target{Kind: "none"}, nil, map[string]any{"count": len(components)})

	e.mu.Lock()
	before := make(map[string]bool, len(e.disabledRuntime))
	for k := range e.disabledRuntime {
		before[k] = true
	}
	e.mu.Unlock()

	for _, ac := range components {
		e.runPhaseForComponent(phase, filename, ac)
	}

	e.mu.Lock()
	var newlyDisabled []string
	for k := range e.disabledRuntime {
		if !before[k] {
			newlyDisabled = append(newlyDisabled, k)
		}
	}
	disabledCount := len(e.disabledRuntime)
	e.mu.Unlock()
	sort.Strings(newlyDisabled)

	e.diagnostics.RecordStep("startup", fmt.Sprintf("component_phase.%s.end", phase),
		fmt.Sprintf("component_phase:%s", phase), StatusSuccess,
		Target{Kind: "none"}, nil, map[string]any{"disabled_runtime_count": disabledCount})

	return PhaseResult{Phase: phase, Count: len(components), NewlyDisabled: newlyDisabled, ImplementedNow: true}
}

func (e *Executor) runPhaseForComponent(phase Phase, filename string, ac activeComponent) {
	filePath := filepath.Join(ac.dir, filename)
	if _, err := os.Stat(filePath); err != nil {
		e.diagnostics.RecordStep("startup", fmt.Sprintf("%s.%s", phase, ac.fullID),
			fmt.Sprintf("component_phase:%s", phase), StatusSkipped,
			Target{Kind: "component", ID: ac.fullID}, nil,
			map[string]any{"reason": "file_not_found", "file": filePath})
		return
	}

	ctx := e.buildComponentContext(phase, ac)

	e.diagnostics.RecordStep("startup", fmt.Sprintf("%s.%s.start", phase, ac.fullID),
		fmt.Sprintf("component_phase:%s", phase), StatusSuccess,
		Target{Kind: "component", ID: ac.fullID}, nil, map[string]any{"file": filePath})

	result := e.sandbox.ExecuteComponentPhase(ac.pack.Identity, ac.fullID, string(phase), filePath, ctx, ac.dir, phaseTimeout)

	if result.Success {
		e.journal.Append(map[string]any{
			"event":  string(phase) + "_run",
			"scope":  "component",
			"ref":    ac.fullID,
			"result": "success",
			"paths":  map[string]any{"created": []string{}, "modified": []string{}},
			"meta":   map[string]any{"file": filePath},
		})
		e.diagnostics.RecordStep("startup", fmt.Sprintf("%s.%s.done", phase, ac.fullID),
			fmt.Sprintf("component_phase:%s", phase), StatusSuccess,
			Target{Kind: "component", ID: ac.fullID}, nil, map[string]any{"file": filePath})
		return
	}

	e.mu.Lock()
	e.disabledRuntime[ac.fullID] = true
	e.mu.Unlock()

	evErr := &EventError{Type: "ExecutionError", Message: result.Error}

	e.journal.Append(map[string]any{
		"event":  string(phase) + "_run",
		"scope":  "component",
		"ref":    ac.fullID,
		"result": "failed",
		"paths":  map[string]any{"created": []string{}, "modified": []string{}},
		"meta":   map[string]any{"file": filePath},
		"error":  map[string]any{"type": evErr.Type, "message": evErr.Message},
	})

	e.diagnostics.RecordStep("startup", fmt.Sprintf("%s.%s.failed", phase, ac.fullID),
		fmt.Sprintf("component_phase:%s", phase), StatusDisabled,
		Target{Kind: "component", ID: ac.fullID}, evErr,
		map[string]any{"file": filePath, "reason": "phase_failed_fail_soft"})
}

// buildComponentContext assembles the sandboxed context handed to
// dependency_manager.py / setup.py / runtime_boot.py. Only
// json-marshalable, allow-listed fields actually cross the sandbox
// boundary (sandbox.sanitizeContext enforces that); everything else here
// is for the diagnostics/journal record and for any host-side caller
// that wants the unsanitized view.
func (e *Executor) buildComponentContext(phase Phase, ac activeComponent) map[string]any {
	absDir, err := filepath.Abs(ac.dir)
	if err != nil {
		absDir = ac.dir
	}
	return map[string]any{
		"phase": string(phase),
		"ts":    time.Now().UTC().Format("2006-01-02T15:04:05.000000Z"),
		"ids": map[string]any{
			"component_full_id": ac.fullID,
			"component_type":    string(ac.component.Kind),
			"component_id":      ac.component.ID,
			"pack_id":           ac.pack.Identity,
		},
		"paths": map[string]any{
			"component_runtime_dir": absDir,
		},
	}
}

// DisabledRuntime returns the full ids of every component this process
// has disabled at runtime so far (across all phases run in this
// process's lifetime).
func (e *Executor) DisabledRuntime() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.disabledRuntime))
	for k := range e.disabledRuntime {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Boot runs the three fixed startup phases in order and always runs all
// three; a component failure is handled fail-soft per component and never
// stops the sequence.
func (e *Executor) Boot() []PhaseResult {
	phases := []Phase{PhaseDependency, PhaseSetup, PhaseRuntimeBoot}
	results := make([]PhaseResult, 0, len(phases))
	for _, p := range phases {
		results = append(results, e.RunPhase(p))
	}
	return results
}
