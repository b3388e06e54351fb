package compose

import (
	"fmt"
	"sort"
	"sync"

	"rumikernel/internal/flow"
	"rumikernel/internal/iface"
)

// Modifier is a dynamically registered flow modification collected from
// the interface registry's "flow.modifier" key, as opposed to the
// file-based definitions internal/modifier loads from disk.
type Modifier struct {
	ID              string
	Priority        int
	TargetFlow      string // empty means every flow
	Requires        map[string]any
	Modifications   []map[string]any
	SourceComponent string
}

// AppliedRecord is one successfully applied Modifier, retained for
// requires.modifiers gating of later modifiers in the same pass.
type AppliedRecord struct {
	ID              string
	SourceComponent string
}

// Composer collects and applies registry-registered Modifiers on top of
// a flow.Definition. It is a second, dynamic composition path alongside
// internal/modifier's file-based one: ecosystem components that want to
// react to runtime state can push a Modifier into the interface registry
// instead of shipping a "*.modifier.yaml" file.
type Composer struct {
	mu      sync.Mutex
	applied []AppliedRecord
	alias   *AliasRegistry
}

// New returns a Composer using alias for function-name step targeting.
// A nil alias is treated as an empty registry.
func New(alias *AliasRegistry) *Composer {
	if alias == nil {
		alias = NewAliasRegistry()
	}
	return &Composer{alias: alias}
}

// CollectModifiers reads every "flow.modifier" entry from registry,
// parses well-formed ones into Modifier, and returns them sorted by
// ascending priority. Malformed entries are silently skipped.
func (c *Composer) CollectModifiers(registry *iface.Registry) []Modifier {
	raw, _ := registry.Get("flow.modifier", iface.StrategyAll).([]any)
	modifiers := make([]Modifier, 0, len(raw))
	for i, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		id, _ := m["id"].(string)
		if id == "" {
			id = fmt.Sprintf("modifier_%d", i)
		}
		priority := 100
		if p, ok := toInt(m["priority"]); ok {
			priority = p
		}
		targetFlow, _ := m["target_flow"].(string)
		requires, _ := m["requires"].(map[string]any)
		sourceComponent, _ := m["source_component"].(string)

		var mods []map[string]any
		if rawMods, ok := m["modifications"].([]any); ok {
			for _, rm := range rawMods {
				if md, ok := rm.(map[string]any); ok {
					mods = append(mods, md)
				}
			}
		}

		modifiers = append(modifiers, Modifier{
			ID: id, Priority: priority, TargetFlow: targetFlow,
			Requires: requires, Modifications: mods, SourceComponent: sourceComponent,
		})
	}
	sort.SliceStable(modifiers, func(i, j int) bool { return modifiers[i].Priority < modifiers[j].Priority })
	return modifiers
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

// CheckRequirements reports whether modifier's requires clause is
// satisfied: every required capability must be truthy in
// availableCapabilities, every required modifier ID must already be in
// this Composer's applied list for the current pass, and every required
// interface key must resolve to a non-nil registry value.
func (c *Composer) CheckRequirements(m Modifier, registry *iface.Registry, availableCapabilities map[string]bool) bool {
	if len(m.Requires) == 0 {
		return true
	}

	if rawCaps, ok := m.Requires["capabilities"].([]any); ok && len(rawCaps) > 0 {
		if availableCapabilities == nil {
			return false
		}
		for _, rc := range rawCaps {
			cap, _ := rc.(string)
			if !availableCapabilities[cap] {
				return false
			}
		}
	}

	if rawMods, ok := m.Requires["modifiers"].([]any); ok && len(rawMods) > 0 {
		applied := make(map[string]bool, len(c.applied))
		for _, a := range c.applied {
			applied[a.ID] = true
		}
		for _, rm := range rawMods {
			id, _ := rm.(string)
			if !applied[id] {
				return false
			}
		}
	}

	if rawIfaces, ok := m.Requires["interfaces"].([]any); ok && len(rawIfaces) > 0 && registry != nil {
		for _, ri := range rawIfaces {
			key, _ := ri.(string)
			if registry.Get(key, iface.StrategyFirst) == nil {
				return false
			}
		}
	}

	return true
}

// ApplyModifiers applies every modifier in modifiers (in the order
// given — callers pass CollectModifiers's priority-sorted output) to a
// cloned copy of def, skipping any whose requirements are unmet and
// continuing past any whose application panics. Returns the new
// definition plus the list of successfully applied modifiers.
func (c *Composer) ApplyModifiers(def *flow.Definition, modifiers []Modifier, registry *iface.Registry, availableCapabilities map[string]bool) (*flow.Definition, []AppliedRecord) {
	result := &flow.Definition{
		FlowID: def.FlowID, Inputs: def.Inputs, Outputs: def.Outputs,
		Phases: def.Phases, Defaults: def.Defaults, Steps: def.CloneSteps(),
		SourceFile: def.SourceFile, SourceType: def.SourceType, SourcePack: def.SourcePack,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.applied = nil

	for _, m := range modifiers {
		if m.TargetFlow != "" && m.TargetFlow != def.FlowID {
			continue
		}
		if !c.CheckRequirements(m, registry, availableCapabilities) {
			continue
		}
		panicked := false
		func() {
			defer func() {
				if recover() != nil {
					panicked = true
				}
			}()
			result = c.applySingleModifier(result, m)
		}()
		if panicked {
			continue
		}
		c.applied = append(c.applied, AppliedRecord{ID: m.ID, SourceComponent: m.SourceComponent})
	}

	return result, append([]AppliedRecord{}, c.applied...)
}

func (c *Composer) applySingleModifier(def *flow.Definition, m Modifier) *flow.Definition {
	for _, mod := range m.Modifications {
		action, _ := mod["action"].(string)
		switch action {
		case "inject_before":
			def = c.actionInject(def, mod, false)
		case "inject_after":
			def = c.actionInject(def, mod, true)
		case "replace":
			def = c.actionReplace(def, mod)
		case "wrap_with_loop":
			def = c.actionWrapLoop(def, mod)
		case "remove":
			def = c.actionRemove(def, mod)
		case "set_property":
			def = c.actionSetProperty(def, mod)
		}
	}
	return def
}

// findStepIndex resolves a target selector ({"id": ...} and/or
// {"function": ...} and/or {"handler": ...}) to a step index. A
// function selector resolves through the alias registry and matches
// against the step's Type; a handler selector matches the step's Handler.
func (c *Composer) findStepIndex(steps []flow.Step, target map[string]any) int {
	targetID, hasID := target["id"].(string)
	targetFunction, hasFunction := target["function"].(string)
	targetHandler, hasHandler := target["handler"].(string)

	var functionAliases []string
	if hasFunction {
		functionAliases = c.alias.FindAll(targetFunction)
	}

	for i, step := range steps {
		if hasID && step.ID == targetID {
			return i
		}
		if hasFunction && containsStr(functionAliases, step.Type) {
			return i
		}
		if hasHandler && step.Handler == targetHandler {
			return i
		}
	}
	return -1
}

func containsStr(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (c *Composer) actionInject(def *flow.Definition, mod map[string]any, after bool) *flow.Definition {
	target, _ := mod["target_step"].(map[string]any)
	rawSteps, _ := mod["steps"].([]any)
	if len(rawSteps) == 0 {
		return def
	}

	index := c.findStepIndex(def.Steps, target)
	if index < 0 {
		return def
	}
	if after {
		index++
	}

	newSteps := make([]flow.Step, 0, len(rawSteps))
	for _, rs := range rawSteps {
		if sm, ok := rs.(map[string]any); ok {
			newSteps = append(newSteps, stepFromMap(sm))
		}
	}

	steps := make([]flow.Step, 0, len(def.Steps)+len(newSteps))
	steps = append(steps, def.Steps[:index]...)
	steps = append(steps, newSteps...)
	steps = append(steps, def.Steps[index:]...)
	def.Steps = steps
	return def
}

func (c *Composer) actionReplace(def *flow.Definition, mod map[string]any) *flow.Definition {
	target, _ := mod["target_step"].(map[string]any)
	rawSteps, _ := mod["steps"].([]any)

	index := c.findStepIndex(def.Steps, target)
	if index < 0 {
		return def
	}

	newSteps := make([]flow.Step, 0, len(rawSteps))
	for _, rs := range rawSteps {
		if sm, ok := rs.(map[string]any); ok {
			newSteps = append(newSteps, stepFromMap(sm))
		}
	}

	steps := make([]flow.Step, 0, len(def.Steps)-1+len(newSteps))
	steps = append(steps, def.Steps[:index]...)
	steps = append(steps, newSteps...)
	steps = append(steps, def.Steps[index+1:]...)
	def.Steps = steps
	return def
}

func (c *Composer) actionRemove(def *flow.Definition, mod map[string]any) *flow.Definition {
	target, _ := mod["target_step"].(map[string]any)
	index := c.findStepIndex(def.Steps, target)
	if index < 0 {
		return def
	}
	def.Steps = append(def.Steps[:index], def.Steps[index+1:]...)
	return def
}

func (c *Composer) actionSetProperty(def *flow.Definition, mod map[string]any) *flow.Definition {
	target, _ := mod["target_step"].(map[string]any)
	properties, _ := mod["properties"].(map[string]any)
	index := c.findStepIndex(def.Steps, target)
	if index < 0 {
		return def
	}
	applyProperties(&def.Steps[index], properties)
	return def
}

func applyProperties(step *flow.Step, properties map[string]any) {
	for key, value := range properties {
		switch key {
		case "phase":
			if s, ok := value.(string); ok {
				step.Phase = s
			}
		case "priority":
			if n, ok := toInt(value); ok {
				step.Priority = n
			}
		case "when":
			if s, ok := value.(string); ok {
				step.When = s
			}
		case "output":
			if s, ok := value.(string); ok {
				step.Output = s
			}
		case "file":
			if s, ok := value.(string); ok {
				step.File = s
			}
		case "timeout_seconds":
			if f, ok := toFloat(value); ok {
				step.TimeoutSeconds = f
			}
		case "input":
			step.Input = value
		}
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// actionWrapLoop collapses a contiguous run of steps spanning the
// earliest and latest named target step into a single synthetic "loop"
// step, carrying the wrapped steps, exit condition, and iteration cap in
// its Input field for the executor to unpack.
func (c *Composer) actionWrapLoop(def *flow.Definition, mod map[string]any) *flow.Definition {
	rawTargets, _ := mod["target_steps"].([]any)
	if len(rawTargets) == 0 {
		return def
	}
	loopConfig, _ := mod["loop_config"].(map[string]any)

	targetIDs := make(map[string]bool, len(rawTargets))
	for _, t := range rawTargets {
		if s, ok := t.(string); ok {
			targetIDs[s] = true
		}
	}

	var indices []int
	for i, step := range def.Steps {
		if targetIDs[step.ID] {
			indices = append(indices, i)
		}
	}
	if len(indices) == 0 {
		return def
	}
	sort.Ints(indices)
	start, end := indices[0], indices[len(indices)-1]

	wrapped := make([]flow.Step, end-start+1)
	copy(wrapped, def.Steps[start:end+1])

	exitWhen := "false"
	if s, ok := loopConfig["exit_condition"].(string); ok {
		exitWhen = s
	}
	maxIterations := 10
	if n, ok := toInt(loopConfig["max_iterations"]); ok {
		maxIterations = n
	}

	loopStep := flow.Step{
		ID:    wrapped[0].ID + "_loop",
		Phase: wrapped[0].Phase,
		Type:  "loop",
		Input: map[string]any{
			"exit_when":      exitWhen,
			"max_iterations": maxIterations,
			"steps":          wrapped,
		},
	}

	steps := make([]flow.Step, 0, len(def.Steps)-len(wrapped)+1)
	steps = append(steps, def.Steps[:start]...)
	steps = append(steps, loopStep)
	steps = append(steps, def.Steps[end+1:]...)
	def.Steps = steps
	return def
}

func stepFromMap(m map[string]any) flow.Step {
	id, _ := m["id"].(string)
	phase, _ := m["phase"].(string)
	stepType, _ := m["type"].(string)
	when, _ := m["when"].(string)
	output, _ := m["output"].(string)
	file, _ := m["file"].(string)
	priority := 100
	if p, ok := toInt(m["priority"]); ok {
		priority = p
	}
	timeout := 60.0
	if t, ok := toFloat(m["timeout_seconds"]); ok {
		timeout = t
	}
	handler, _ := m["handler"].(string)
	flowRef, _ := m["flow"].(string)
	return flow.Step{
		ID: id, Phase: phase, Type: stepType, When: when,
		Input: m["input"], Output: output, File: file,
		Handler: handler, FlowRef: flowRef,
		Priority: priority, TimeoutSeconds: timeout,
	}
}

// GetAppliedModifiers returns the modifiers applied by the most recent
// ApplyModifiers call.
func (c *Composer) GetAppliedModifiers() []AppliedRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]AppliedRecord{}, c.applied...)
}

// ClearApplied discards the applied-modifier history.
func (c *Composer) ClearApplied() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applied = nil
}
