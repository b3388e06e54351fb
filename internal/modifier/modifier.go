// Package modifier implements Flow Modifiers: pack-declared, YAML-defined
// patches that inject, append, replace, or remove steps in a loaded Flow
// without the target flow needing to know about the pack at all.
package modifier

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"rumikernel/internal/auditlog"
	"rumikernel/internal/flow"
	"rumikernel/internal/kerr"
)

// Action is the kind of patch a modifier applies.
type Action string

const (
	ActionInjectBefore Action = "inject_before"
	ActionInjectAfter  Action = "inject_after"
	ActionAppend       Action = "append"
	ActionReplace      Action = "replace"
	ActionRemove       Action = "remove"
)

// Requires gates a modifier's application on interfaces/capabilities
// being present in the running kernel.
type Requires struct {
	Interfaces   []string `yaml:"interfaces,omitempty"`
	Capabilities []string `yaml:"capabilities,omitempty"`
}

// Def is one parsed "*.modifier.yaml" document.
type Def struct {
	ModifierID      string         `yaml:"modifier_id"`
	TargetFlowID    string         `yaml:"target_flow_id"`
	Phase           string         `yaml:"phase"`
	Priority        int            `yaml:"priority"`
	Action          Action         `yaml:"action"`
	TargetStepID    string         `yaml:"target_step_id,omitempty"`
	Step            map[string]any `yaml:"step,omitempty"`
	Requires        Requires       `yaml:"requires,omitempty"`
	SourceFile      string         `yaml:"-"`
	SourcePackID    string         `yaml:"-"`
	ConflictsWith   []string       `yaml:"conflicts_with,omitempty"`
	CompatibleWith  []string       `yaml:"compatible_with,omitempty"`
}

// LoadFile parses and validates a single modifier YAML document.
func LoadFile(path, packID string) (*Def, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, kerr.New(kerr.Internal, "modifier.LoadFile", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, kerr.Validationf("modifier.LoadFile", "YAML parse error: %v", err)
	}
	return fromRaw(raw, path, packID)
}

// FromMap builds a Def from an already-decoded map, the same shape
// LoadFile accepts from YAML — used when a modifier is supplied as flow
// step input (e.g. "kernel:modifier.apply" args) rather than read from a
// "*.modifier.yaml" file.
func FromMap(raw map[string]any, packID string) (*Def, error) {
	return fromRaw(raw, "", packID)
}

func fromRaw(raw map[string]any, path, packID string) (*Def, error) {
	modifierID, _ := raw["modifier_id"].(string)
	if modifierID == "" {
		return nil, kerr.Validationf("modifier.LoadFile", "missing or invalid modifier_id")
	}
	targetFlowID, _ := raw["target_flow_id"].(string)
	if targetFlowID == "" {
		return nil, kerr.Validationf("modifier.LoadFile", "missing or invalid target_flow_id")
	}
	phase, _ := raw["phase"].(string)
	if phase == "" {
		return nil, kerr.Validationf("modifier.LoadFile", "missing or invalid phase")
	}
	action, _ := raw["action"].(string)
	switch Action(action) {
	case ActionInjectBefore, ActionInjectAfter, ActionAppend, ActionReplace, ActionRemove:
	default:
		return nil, kerr.Validationf("modifier.LoadFile", "invalid action %q", action)
	}

	targetStepID, _ := raw["target_step_id"].(string)
	switch Action(action) {
	case ActionInjectBefore, ActionInjectAfter, ActionReplace, ActionRemove:
		if targetStepID == "" {
			return nil, kerr.Validationf("modifier.LoadFile", "target_step_id is required for action %q", action)
		}
	}

	var step map[string]any
	switch Action(action) {
	case ActionInjectBefore, ActionInjectAfter, ActionAppend, ActionReplace:
		s, ok := raw["step"].(map[string]any)
		if !ok {
			return nil, kerr.Validationf("modifier.LoadFile", "step is required for action %q", action)
		}
		if _, ok := s["id"]; !ok {
			return nil, kerr.Validationf("modifier.LoadFile", "step.id is required")
		}
		if _, ok := s["type"]; !ok {
			return nil, kerr.Validationf("modifier.LoadFile", "step.type is required")
		}
		step = s
	}

	priority := 100
	if p, ok := raw["priority"]; ok {
		if pi, ok := toInt(p); ok {
			priority = pi
		}
	}

	var requires Requires
	if r, ok := raw["requires"].(map[string]any); ok {
		requires.Interfaces = toStringSlice(r["interfaces"])
		requires.Capabilities = toStringSlice(r["capabilities"])
	}

	return &Def{
		ModifierID:     modifierID,
		TargetFlowID:   targetFlowID,
		Phase:          phase,
		Priority:       priority,
		Action:         Action(action),
		TargetStepID:   targetStepID,
		Step:           step,
		Requires:       requires,
		SourceFile:     path,
		SourcePackID:   packID,
		ConflictsWith:  toStringSlice(raw["conflicts_with"]),
		CompatibleWith: toStringSlice(raw["compatible_with"]),
	}, nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func toStringSlice(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ApplyResult is the outcome of applying a single modifier.
type ApplyResult struct {
	Success        bool
	ModifierID     string
	Action         Action
	TargetFlowID   string
	TargetStepID   string
	SkippedReason  string
	Errors         []string
}

// AvailabilityProvider reports which interfaces/capabilities are
// currently registered, used to gate modifiers declaring "requires".
type AvailabilityProvider interface {
	HasInterface(name string) bool
	HasCapability(name string) bool
}

// Applier applies a sorted set of modifiers to a flow.Definition.
type Applier struct {
	availability AvailabilityProvider
	audit        *auditlog.Log
	dryRun       bool
}

// New returns an Applier. availability may be nil, in which case every
// "requires" clause is treated as satisfied.
func New(availability AvailabilityProvider, audit *auditlog.Log, dryRun bool) *Applier {
	return &Applier{availability: availability, audit: audit, dryRun: dryRun}
}

// CheckRequires reports whether requires is satisfied given the current
// availability provider.
func (a *Applier) CheckRequires(req Requires) (bool, string) {
	if a.availability == nil {
		return true, ""
	}
	for _, iface := range req.Interfaces {
		if !a.availability.HasInterface(iface) {
			return false, fmt.Sprintf("interface '%s' not available", iface)
		}
	}
	for _, cap := range req.Capabilities {
		if !a.availability.HasCapability(cap) {
			return false, fmt.Sprintf("capability '%s' not available", cap)
		}
	}
	return true, ""
}

// Apply applies modifiers to def, returning a new Definition (or def
// itself in dry-run mode) plus the per-modifier outcome list.
//
// modifiers need not arrive pre-sorted: Apply first orders its own copy
// by (phase, priority, modifier_id), the same global tie-break the
// modifier loader uses, so the result never depends on the caller's
// slice order. Modifiers sharing an injection point are then grouped and
// sorted again by (priority, step.id, modifier_id), and applied as one
// contiguous batch so earlier insertions never shift the index the next
// one targets. Order of application across groups is: replace, then
// remove, then inject_before, then inject_after, then append — a
// replace always claims its target before a remove targeting the same
// step id can run. An inject_before/inject_after whose target step id
// was replaced in this pass is placed against the replacing step.
// Relative step order is never re-sorted after application.
func (a *Applier) Apply(def *flow.Definition, modifiers []*Def) (*flow.Definition, []ApplyResult) {
	newSteps := def.CloneSteps()
	var results []ApplyResult

	modifiers = append([]*Def(nil), modifiers...)
	sort.SliceStable(modifiers, func(i, j int) bool {
		if modifiers[i].Phase != modifiers[j].Phase {
			return modifiers[i].Phase < modifiers[j].Phase
		}
		if modifiers[i].Priority != modifiers[j].Priority {
			return modifiers[i].Priority < modifiers[j].Priority
		}
		return modifiers[i].ModifierID < modifiers[j].ModifierID
	})

	injectBefore := make(map[string][]*Def)
	injectAfter := make(map[string][]*Def)
	appendGroups := make(map[string][]*Def)
	var replaceGroup, removeGroup []*Def

	for _, m := range modifiers {
		satisfied, reason := a.CheckRequires(m.Requires)
		if !satisfied {
			r := ApplyResult{ModifierID: m.ModifierID, Action: m.Action, TargetFlowID: m.TargetFlowID,
				TargetStepID: m.TargetStepID, SkippedReason: "requires_not_satisfied: " + reason}
			a.logSkip(m, r.SkippedReason)
			results = append(results, r)
			continue
		}

		phase := m.Phase
		if !containsStr(def.Phases, phase) {
			if m.Action == ActionAppend && len(def.Phases) > 0 {
				phase = def.Phases[len(def.Phases)-1]
				fallback := *m
				fallback.Phase = phase
				m = &fallback
			} else {
				r := ApplyResult{ModifierID: m.ModifierID, Action: m.Action, TargetFlowID: m.TargetFlowID,
					TargetStepID: m.TargetStepID, SkippedReason: "phase_not_found: " + m.Phase}
				a.logSkip(m, r.SkippedReason)
				results = append(results, r)
				continue
			}
		}

		switch m.Action {
		case ActionInjectBefore:
			injectBefore[m.TargetStepID] = append(injectBefore[m.TargetStepID], m)
		case ActionInjectAfter:
			injectAfter[m.TargetStepID] = append(injectAfter[m.TargetStepID], m)
		case ActionAppend:
			appendGroups[m.Phase] = append(appendGroups[m.Phase], m)
		case ActionReplace:
			replaceGroup = append(replaceGroup, m)
		case ActionRemove:
			removeGroup = append(removeGroup, m)
		}
	}

	sortGroup := func(group []*Def) {
		sort.SliceStable(group, func(i, j int) bool {
			if group[i].Priority != group[j].Priority {
				return group[i].Priority < group[j].Priority
			}
			si, sj := stepID(group[i]), stepID(group[j])
			if si != sj {
				return si < sj
			}
			return group[i].ModifierID < group[j].ModifierID
		})
	}
	for k := range injectBefore {
		sortGroup(injectBefore[k])
	}
	for k := range injectAfter {
		sortGroup(injectAfter[k])
	}
	for k := range appendGroups {
		sortGroup(appendGroups[k])
	}
	sortGroup(replaceGroup)
	sortGroup(removeGroup)

	a.detectConflicts(modifiers, results)

	replacedTo := make(map[string]string)
	for _, m := range replaceGroup {
		r := a.applySingle(&newSteps, m, def.Phases)
		if r.Success {
			replacedTo[m.TargetStepID] = stepID(m)
		}
		results = append(results, r)
	}
	for _, m := range removeGroup {
		r := a.applySingle(&newSteps, m, def.Phases)
		results = append(results, r)
	}

	applyBatch := func(groups map[string][]*Def, after bool) {
		for targetStepID, group := range groups {
			idx := resolveTargetIndex(newSteps, targetStepID)
			if to, ok := replacedTo[targetStepID]; ok && idx < 0 {
				idx = resolveTargetIndex(newSteps, to)
			}
			if idx < 0 {
				for _, m := range group {
					r := ApplyResult{ModifierID: m.ModifierID, Action: m.Action, TargetFlowID: m.TargetFlowID,
						TargetStepID: m.TargetStepID, SkippedReason: "target_step_not_found: " + targetStepID}
					a.logSkip(m, r.SkippedReason)
					results = append(results, r)
				}
				continue
			}
			insertAt := idx
			if after {
				insertAt = idx + 1
			}
			for i, m := range group {
				step := stepFromDict(m.Step, m.Phase, m.ModifierID)
				pos := insertAt + i
				newSteps = append(newSteps, flow.Step{})
				copy(newSteps[pos+1:], newSteps[pos:])
				newSteps[pos] = step
				r := ApplyResult{Success: true, ModifierID: m.ModifierID, Action: m.Action,
					TargetFlowID: m.TargetFlowID, TargetStepID: m.TargetStepID}
				results = append(results, r)
				a.logSuccess(m)
			}
		}
	}
	applyBatch(injectBefore, false)
	applyBatch(injectAfter, true)

	for _, group := range appendGroups {
		for _, m := range group {
			actionAppend(&newSteps, m, def.Phases)
			r := ApplyResult{Success: true, ModifierID: m.ModifierID, Action: m.Action,
				TargetFlowID: m.TargetFlowID, TargetStepID: m.TargetStepID}
			results = append(results, r)
			a.logSuccess(m)
		}
	}

	newDef := &flow.Definition{
		FlowID: def.FlowID, Inputs: def.Inputs, Outputs: def.Outputs,
		Phases: append([]string(nil), def.Phases...), Defaults: def.Defaults,
		Steps: newSteps, SourceFile: def.SourceFile, SourceType: def.SourceType, SourcePack: def.SourcePack,
	}

	if a.dryRun {
		return def, results
	}
	return newDef, results
}

func stepID(m *Def) string {
	if m.Step == nil {
		return ""
	}
	if id, ok := m.Step["id"].(string); ok {
		return id
	}
	return ""
}

// MatchesFlow reports whether def targets flowID. target_flow_id is
// matched as a shell glob pattern (fnmatch-style); the bare wildcard "*"
// is matched only when wildcardAllowed is true, since an ungated "*"
// would apply the modifier to every flow in the kernel.
func MatchesFlow(def *Def, flowID string, wildcardAllowed bool) bool {
	if def.TargetFlowID == "*" {
		return wildcardAllowed
	}
	matched, err := path.Match(def.TargetFlowID, flowID)
	return err == nil && matched
}

// FilterForFlow returns the modifiers matching flowID, sorted by
// (phase, priority, modifier_id) — the order Apply expects its input in.
// wildcardAllowed decides, per modifier, whether its target_flow_id may
// be the bare "*" wildcard (typically gated on the source pack's
// manifest flag or a kernel-wide override); a nil wildcardAllowed treats
// every wildcard modifier as disallowed.
func FilterForFlow(defs []*Def, flowID string, wildcardAllowed func(*Def) bool) []*Def {
	var out []*Def
	for _, d := range defs {
		allowed := wildcardAllowed != nil && wildcardAllowed(d)
		if MatchesFlow(d, flowID, allowed) {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Phase != out[j].Phase {
			return out[i].Phase < out[j].Phase
		}
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ModifierID < out[j].ModifierID
	})
	return out
}

func containsStr(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func resolveTargetIndex(steps []flow.Step, targetStepID string) int {
	switch targetStepID {
	case "__first__":
		if len(steps) == 0 {
			return -1
		}
		return 0
	case "__last__":
		if len(steps) == 0 {
			return -1
		}
		return len(steps) - 1
	default:
		for i, s := range steps {
			if s.ID == targetStepID {
				return i
			}
		}
		return -1
	}
}

func stepFromDict(raw map[string]any, phase, modifierID string) flow.Step {
	id, _ := raw["id"].(string)
	stepType, _ := raw["type"].(string)
	when, _ := raw["when"].(string)
	output, _ := raw["output"].(string)
	file, _ := raw["file"].(string)
	priority := 100
	if p, ok := raw["priority"]; ok {
		if pi, ok := toInt(p); ok {
			priority = pi
		}
	}
	timeout := 60.0
	if t, ok := raw["timeout_seconds"]; ok {
		switch v := t.(type) {
		case float64:
			timeout = v
		case int:
			timeout = float64(v)
		}
	}
	handler, _ := raw["handler"].(string)
	flowRef, _ := raw["flow"].(string)
	principalID, _ := raw["principal_id"].(string)
	return flow.Step{
		ID: id, Phase: phase, Priority: priority, Type: stepType, When: when,
		Input: raw["input"], Output: output, File: file, OwnerPack: modifierID,
		Handler: handler, FlowRef: flowRef, PrincipalID: principalID,
		TimeoutSeconds: timeout,
	}
}

func (a *Applier) applySingle(steps *[]flow.Step, m *Def, phases []string) ApplyResult {
	r := ApplyResult{ModifierID: m.ModifierID, Action: m.Action, TargetFlowID: m.TargetFlowID, TargetStepID: m.TargetStepID}
	switch m.Action {
	case ActionReplace:
		if !actionReplace(steps, m) {
			r.SkippedReason = "target_step_not_found: " + m.TargetStepID
			a.logSkip(m, r.SkippedReason)
			return r
		}
	case ActionRemove:
		if !actionRemove(steps, m) {
			r.SkippedReason = "target_step_not_found: " + m.TargetStepID
			a.logSkip(m, r.SkippedReason)
			return r
		}
	default:
		r.Errors = append(r.Errors, "unknown action: "+string(m.Action))
		return r
	}
	r.Success = true
	a.logSuccess(m)
	return r
}

func actionReplace(steps *[]flow.Step, m *Def) bool {
	for i, s := range *steps {
		if s.ID == m.TargetStepID {
			(*steps)[i] = stepFromDict(m.Step, (*steps)[i].Phase, m.ModifierID)
			return true
		}
	}
	return false
}

func actionRemove(steps *[]flow.Step, m *Def) bool {
	for i, s := range *steps {
		if s.ID == m.TargetStepID {
			*steps = append((*steps)[:i], (*steps)[i+1:]...)
			return true
		}
	}
	return false
}

// actionAppend inserts the modifier's step at the end of its phase's
// block — i.e. immediately before the next phase's first step, or at the
// end of the slice if this is the last phase present.
func actionAppend(steps *[]flow.Step, m *Def, phases []string) {
	newStep := stepFromDict(m.Step, m.Phase, m.ModifierID)

	lastIdx := -1
	for i, s := range *steps {
		if s.Phase == m.Phase {
			lastIdx = i
		}
	}
	if lastIdx == -1 {
		*steps = append(*steps, newStep)
		return
	}
	insertAt := lastIdx + 1
	*steps = append(*steps, flow.Step{})
	copy((*steps)[insertAt+1:], (*steps)[insertAt:])
	(*steps)[insertAt] = newStep
}

// detectConflicts logs (diagnostic only — it never changes application
// outcome) when multiple modifiers target the same step, or when a
// modifier's declared conflicts_with/compatible_with is violated.
func (a *Applier) detectConflicts(modifiers []*Def, results []ApplyResult) {
	skipped := make(map[string]bool)
	for _, r := range results {
		if r.SkippedReason != "" {
			skipped[r.ModifierID] = true
		}
	}
	var active []*Def
	for _, m := range modifiers {
		if !skipped[m.ModifierID] {
			active = append(active, m)
		}
	}

	byTarget := make(map[string][]*Def)
	for _, m := range active {
		if m.TargetStepID != "" {
			byTarget[m.TargetStepID] = append(byTarget[m.TargetStepID], m)
		}
	}
	for tsid, group := range byTarget {
		if len(group) < 2 {
			continue
		}
		hasRemove, hasMutating := false, false
		var ids []string
		actionSet := map[Action]bool{}
		for _, m := range group {
			ids = append(ids, m.ModifierID)
			actionSet[m.Action] = true
			if m.Action == ActionRemove {
				hasRemove = true
			}
			if m.Action == ActionReplace || m.Action == ActionInjectBefore || m.Action == ActionInjectAfter {
				hasMutating = true
			}
		}
		severity := "info"
		if hasRemove && hasMutating {
			severity = "severe"
		}
		a.auditConflict(tsid, ids, actionsOf(actionSet), severity)
	}

	activeIDs := make(map[string]bool, len(active))
	for _, m := range active {
		activeIDs[m.ModifierID] = true
	}
	for _, m := range active {
		for _, cid := range m.ConflictsWith {
			if activeIDs[cid] {
				a.auditConflict(targetOrGlobal(m), []string{m.ModifierID, cid}, []string{"conflicts_with"}, "declared")
			}
		}
		for _, cid := range m.CompatibleWith {
			if !activeIDs[cid] && cid != m.ModifierID {
				a.auditConflict(targetOrGlobal(m), []string{m.ModifierID, cid}, []string{"compatible_with_missing"}, "compatibility")
			}
		}
	}
}

func targetOrGlobal(m *Def) string {
	if m.TargetStepID != "" {
		return m.TargetStepID
	}
	return "(global)"
}

func actionsOf(set map[Action]bool) []string {
	out := make([]string, 0, len(set))
	for a := range set {
		out = append(out, string(a))
	}
	sort.Strings(out)
	return out
}

func (a *Applier) auditConflict(targetStepID string, modifierIDs, actions []string, severity string) {
	if a.audit == nil {
		return
	}
	_ = a.audit.Append(auditlog.Event{
		Type:     auditlog.EventModifierConflict,
		Severity: severity,
		Reason:   "modifier_conflict_detected",
		Details: map[string]any{
			"target_step_id": targetStepID,
			"modifier_ids":   modifierIDs,
			"actions":        actions,
		},
	})
}

func (a *Applier) logSkip(m *Def, reason string) {
	if a.audit == nil {
		return
	}
	_ = a.audit.Append(auditlog.Event{
		Type:    auditlog.EventModifierApply,
		Action:  string(m.Action),
		Success: false,
		Reason:  reason,
		Details: map[string]any{"modifier_id": m.ModifierID, "target_flow_id": m.TargetFlowID},
	})
}

func (a *Applier) logSuccess(m *Def) {
	if a.audit == nil {
		return
	}
	_ = a.audit.Append(auditlog.Event{
		Type:    auditlog.EventModifierApply,
		Action:  string(m.Action),
		Success: true,
		Details: map[string]any{"modifier_id": m.ModifierID, "target_flow_id": m.TargetFlowID},
	})
}

// LoadDirectory loads every "*.modifier.yaml" file recursively under dir,
// attributing each to packID.
func LoadDirectory(dir, packID string) ([]*Def, []error) {
	var defs []*Def
	var errs []error
	_ = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if filepath.Ext(path) != ".yaml" {
			return nil
		}
		if len(path) < len(".modifier.yaml") {
			return nil
		}
		if path[len(path)-len(".modifier.yaml"):] != ".modifier.yaml" {
			return nil
		}
		def, err := LoadFile(path, packID)
		if err != nil {
			errs = append(errs, err)
			return nil
		}
		defs = append(defs, def)
		return nil
	})
	sort.Slice(defs, func(i, j int) bool { return defs[i].SourceFile < defs[j].SourceFile })
	return defs, errs
}
