// Package flow defines the Flow data model and the loader that discovers
// and parses "*.flow.yaml" files from the official and ecosystem flow
// directories.
package flow

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"rumikernel/internal/kerr"
)

// Step is one node in a flow's step graph. Type determines which other
// fields apply: "handler" uses Handler, "python_file_call" uses File,
// "flow" uses FlowRef, "set"/"if"/"loop" interpret Input themselves.
type Step struct {
	ID             string   `yaml:"id" json:"id"`
	Phase          string   `yaml:"phase" json:"phase"`
	Priority       int      `yaml:"priority" json:"priority"`
	Type           string   `yaml:"type" json:"type"`
	When           string   `yaml:"when,omitempty" json:"when,omitempty"`
	Input          any      `yaml:"input,omitempty" json:"input,omitempty"`
	Output         string   `yaml:"output,omitempty" json:"output,omitempty"`
	File           string   `yaml:"file,omitempty" json:"file,omitempty"`
	Handler        string   `yaml:"handler,omitempty" json:"handler,omitempty"`
	FlowRef        string   `yaml:"flow,omitempty" json:"flow,omitempty"`
	DependsOn      []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	PrincipalID    string   `yaml:"principal_id,omitempty" json:"principal_id,omitempty"`
	OwnerPack      string   `yaml:"-" json:"owner_pack,omitempty"`
	TimeoutSeconds float64  `yaml:"timeout_seconds,omitempty" json:"timeout_seconds"`
}

// Defaults are the flow-wide behaviors applied unless a step overrides
// them.
type Defaults struct {
	FailSoft     bool   `yaml:"fail_soft"`
	OnMissingStep string `yaml:"on_missing_step"`
}

// Definition is a fully parsed flow.
type Definition struct {
	FlowID      string         `yaml:"flow_id" json:"flow_id"`
	Inputs      map[string]any `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Outputs     map[string]any `yaml:"outputs,omitempty" json:"outputs,omitempty"`
	Phases      []string       `yaml:"phases" json:"phases"`
	Defaults    Defaults       `yaml:"defaults" json:"defaults"`
	Steps       []Step         `yaml:"-" json:"steps"`
	SourceFile  string         `yaml:"-" json:"source_file"`
	SourceType  string         `yaml:"-" json:"source_type"` // "official" or "ecosystem"
	SourcePack  string         `yaml:"-" json:"source_pack,omitempty"`
}

// rawDoc mirrors the YAML document shape before step-level validation.
type rawDoc struct {
	FlowID   string         `yaml:"flow_id"`
	Inputs   map[string]any `yaml:"inputs"`
	Outputs  map[string]any `yaml:"outputs"`
	Phases   []string       `yaml:"phases"`
	Defaults struct {
		FailSoft      *bool   `yaml:"fail_soft"`
		OnMissingStep *string `yaml:"on_missing_step"`
	} `yaml:"defaults"`
	Steps []map[string]any `yaml:"steps"`
}

// LoadError records one file's or one flow_id's failure to load.
type LoadError struct {
	File    string
	FlowID  string
	Message string
}

// LoadResult is the outcome of loading a full directory tree.
type LoadResult struct {
	Flows  map[string]*Definition
	Errors []LoadError
}

// Loader discovers and parses flow definitions from the official and
// ecosystem flow directories.
type Loader struct {
	officialDir  string
	ecosystemDir string
	flows        map[string]*Definition
	errors       []LoadError
}

// New returns a Loader rooted at the given official/ecosystem directories.
func New(officialDir, ecosystemDir string) *Loader {
	return &Loader{officialDir: officialDir, ecosystemDir: ecosystemDir}
}

// LoadAll clears previously loaded state and (re)loads the official
// directory followed by the ecosystem directory. An ecosystem flow may
// never override an official flow_id; doing so is recorded as a load
// error and the ecosystem file is skipped.
func (l *Loader) LoadAll() LoadResult {
	l.flows = make(map[string]*Definition)
	l.errors = nil

	l.loadDirectory(l.officialDir, "official", "")
	l.loadDirectory(l.ecosystemDir, "ecosystem", "")

	return LoadResult{Flows: l.flows, Errors: l.errors}
}

func (l *Loader) loadDirectory(dir, sourceType, ownerPack string) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.flow.yaml"))
	if err != nil {
		return
	}
	sort.Strings(matches)

	for _, path := range matches {
		def, err := l.loadFlowFile(path, sourceType, ownerPack)
		if err != nil {
			l.errors = append(l.errors, LoadError{File: path, Message: err.Error()})
			continue
		}
		if existing, ok := l.flows[def.FlowID]; ok && existing.SourceType == "official" && sourceType == "ecosystem" {
			l.errors = append(l.errors, LoadError{
				File: path, FlowID: def.FlowID,
				Message: fmt.Sprintf("cannot override official flow %q", def.FlowID),
			})
			continue
		}
		l.flows[def.FlowID] = def
	}
}

// loadFlowFile parses and validates a single "*.flow.yaml" document.
func (l *Loader) loadFlowFile(path, sourceType, ownerPack string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, kerr.New(kerr.Internal, "flow.loadFlowFile", err)
	}

	var doc rawDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, kerr.Validationf("flow.loadFlowFile", "invalid YAML: %v", err)
	}
	if doc.FlowID == "" {
		return nil, kerr.Validationf("flow.loadFlowFile", "flow_id is required")
	}
	if len(doc.Phases) == 0 {
		return nil, kerr.Validationf("flow.loadFlowFile", "phases must be a non-empty list")
	}

	defaults := Defaults{FailSoft: true, OnMissingStep: "skip"}
	if doc.Defaults.FailSoft != nil {
		defaults.FailSoft = *doc.Defaults.FailSoft
	}
	if doc.Defaults.OnMissingStep != nil {
		defaults.OnMissingStep = *doc.Defaults.OnMissingStep
	}

	steps, err := parseSteps(doc.Steps, doc.Phases)
	if err != nil {
		return nil, err
	}
	sortSteps(steps, doc.Phases)

	def := &Definition{
		FlowID:     doc.FlowID,
		Inputs:     doc.Inputs,
		Outputs:    doc.Outputs,
		Phases:     doc.Phases,
		Defaults:   defaults,
		Steps:      steps,
		SourceFile: path,
		SourceType: sourceType,
		SourcePack: ownerPack,
	}
	return def, nil
}

func parseSteps(raw []map[string]any, phases []string) ([]Step, error) {
	phaseSet := make(map[string]bool, len(phases))
	for _, p := range phases {
		phaseSet[p] = true
	}

	seenIDs := make(map[string]bool, len(raw))
	steps := make([]Step, 0, len(raw))

	for i, m := range raw {
		id, _ := m["id"].(string)
		if id == "" {
			return nil, kerr.Validationf("flow.parseSteps", "step %d missing required id", i)
		}
		if seenIDs[id] {
			return nil, kerr.Validationf("flow.parseSteps", "duplicate step id %q", id)
		}
		seenIDs[id] = true

		phase, _ := m["phase"].(string)
		if phase == "" {
			return nil, kerr.Validationf("flow.parseSteps", "step %q missing required phase", id)
		}
		if !phaseSet[phase] {
			return nil, kerr.Validationf("flow.parseSteps", "step %q references undeclared phase %q", id, phase)
		}

		stepType, _ := m["type"].(string)
		if stepType == "" {
			return nil, kerr.Validationf("flow.parseSteps", "step %q missing required type", id)
		}

		priority := 100
		if raw, ok := m["priority"]; ok {
			if p, ok := toInt(raw); ok {
				priority = p
			}
		}

		file, _ := m["file"].(string)
		if stepType == "python_file_call" && file == "" {
			return nil, kerr.Validationf("flow.parseSteps", "step %q of type python_file_call requires file", id)
		}

		timeout := 60.0
		if raw, ok := m["timeout_seconds"]; ok {
			if f, ok := toFloat(raw); ok {
				timeout = f
			}
		}

		when, _ := m["when"].(string)
		output, _ := m["output"].(string)
		handler, _ := m["handler"].(string)
		flowRef, _ := m["flow"].(string)
		principalID, _ := m["principal_id"].(string)
		dependsOn := toStringSlice(m["depends_on"])

		steps = append(steps, Step{
			ID: id, Phase: phase, Priority: priority, Type: stepType,
			When: when, Input: m["input"], Output: output, File: file,
			Handler: handler, FlowRef: flowRef, DependsOn: dependsOn,
			PrincipalID: principalID, TimeoutSeconds: timeout,
		})
	}
	return steps, nil
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
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
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

// sortSteps orders steps by (declared phase order, priority, id).
func sortSteps(steps []Step, phases []string) {
	phaseOrder := make(map[string]int, len(phases))
	for i, p := range phases {
		phaseOrder[p] = i
	}
	sort.SliceStable(steps, func(i, j int) bool {
		pi, pj := phaseOrder[steps[i].Phase], phaseOrder[steps[j].Phase]
		if pi != pj {
			return pi < pj
		}
		if steps[i].Priority != steps[j].Priority {
			return steps[i].Priority < steps[j].Priority
		}
		return steps[i].ID < steps[j].ID
	})
}

// GetLoadedFlows returns every currently loaded flow.
func (l *Loader) GetLoadedFlows() map[string]*Definition { return l.flows }

// GetLoadErrors returns every error recorded by the last LoadAll call.
func (l *Loader) GetLoadErrors() []LoadError { return l.errors }

// GetFlow looks up a single loaded flow by ID.
func (l *Loader) GetFlow(flowID string) (*Definition, bool) {
	d, ok := l.flows[flowID]
	return d, ok
}

// SetFlow replaces the loaded definition for flowID, used to install the
// modifier-applied flow in place of the raw parse once modifier
// discovery has run.
func (l *Loader) SetFlow(flowID string, def *Definition) {
	if l.flows == nil {
		l.flows = make(map[string]*Definition)
	}
	l.flows[flowID] = def
}

// CloneSteps returns a copy of a Definition's Steps slice, so steps can be
// inserted, removed or have their fields reassigned without mutating the
// loaded original. The copy is shallow: each step's Input value and
// DependsOn slice are shared with the original.
func (d *Definition) CloneSteps() []Step {
	out := make([]Step, len(d.Steps))
	copy(out, d.Steps)
	return out
}
