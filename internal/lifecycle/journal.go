package lifecycle

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// JournalConfig controls where the install journal is written and which
// directories an uninstall pass is allowed to touch.
type JournalConfig struct {
	// Path is the append-only JSONL file every lifecycle event is
	// recorded to.
	Path string
	// Enabled is set to true by NewJournal whenever Path is non-empty,
	// so a value of false given alongside a Path has no effect; a
	// journal with no Path writes nothing.
	Enabled bool
	// AllowedRoots are directories uninstall may delete created paths
	// from.
	AllowedRoots []string
	// ProtectedRoots are always skipped, even if nested under an
	// allowed root.
	ProtectedRoots []string
}

// Journal is an append-only record of every lifecycle phase outcome,
// doubling as the source of truth for what an uninstall is permitted to
// remove.
type Journal struct {
	mu        sync.Mutex
	cfg       JournalConfig
	lastError error
}

// NewJournal returns a Journal writing to cfg.Path. Enabled is forced to
// true whenever cfg.Path is non-empty, whatever value cfg.Enabled holds.
func NewJournal(cfg JournalConfig) *Journal {
	if cfg.Path != "" {
		cfg.Enabled = true
	}
	return &Journal{cfg: cfg}
}

// LastError reports the most recent append failure, if any.
func (j *Journal) LastError() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastError
}

// Append writes one event as a JSON line. Failures are recorded but never
// propagated to the caller: a broken journal must never block a
// component's lifecycle phase.
func (j *Journal) Append(event map[string]any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.cfg.Enabled || j.cfg.Path == "" {
		return
	}

	ev := make(map[string]any, len(event)+1)
	for k, v := range event {
		ev[k] = v
	}
	if _, ok := ev["ts"]; !ok {
		ev["ts"] = time.Now().UTC().Format("2006-01-02T15:04:05.000000Z")
	}

	if err := os.MkdirAll(filepath.Dir(j.cfg.Path), 0o755); err != nil {
		j.lastError = err
		return
	}
	f, err := os.OpenFile(j.cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		j.lastError = err
		return
	}
	defer f.Close()

	line, err := json.Marshal(ev)
	if err != nil {
		j.lastError = err
		return
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		j.lastError = err
		return
	}
	j.lastError = nil
}

// UninstallResult reports what an uninstall pass would do (dry_run=true)
// or did do.
type UninstallResult struct {
	Success       bool
	DryRun        bool
	JournalFiles  []string
	PlannedDelete []string
	Deleted       []string
	Skipped       []SkippedPath
	Errors        []string
}

// SkippedPath names a candidate path an uninstall declined to delete.
type SkippedPath struct {
	Path   string
	Reason string
}

// Uninstall replays every "paths.created" entry across the journal and
// deletes whatever falls strictly under an allowed root and not under a
// protected one. With dryRun=true it only reports the plan.
func (j *Journal) Uninstall(dryRun bool) UninstallResult {
	result := UninstallResult{Success: true, DryRun: dryRun}

	if j.cfg.Path == "" {
		return result
	}
	if _, err := os.Stat(j.cfg.Path); err != nil {
		return result
	}
	result.JournalFiles = []string{j.cfg.Path}

	candidates, readErrs := j.collectCreatedPaths()
	result.Errors = append(result.Errors, readErrs...)

	planned := make([]string, 0, len(candidates))
	for _, p := range candidates {
		decision, reason := j.decidePath(p)
		if decision == "delete" {
			planned = append(planned, p)
		} else {
			result.Skipped = append(result.Skipped, SkippedPath{Path: p, Reason: reason})
		}
	}
	sort.Strings(planned)
	result.PlannedDelete = planned

	if dryRun {
		return result
	}

	for _, p := range planned {
		if _, err := os.Stat(p); err != nil {
			result.Skipped = append(result.Skipped, SkippedPath{Path: p, Reason: "not_exists"})
			continue
		}
		decision, reason := j.decidePath(p)
		if decision != "delete" {
			result.Skipped = append(result.Skipped, SkippedPath{Path: p, Reason: "recheck:" + reason})
			continue
		}
		if err := os.RemoveAll(p); err != nil {
			result.Success = false
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", p, err))
			continue
		}
		result.Deleted = append(result.Deleted, p)
	}
	return result
}

func (j *Journal) collectCreatedPaths() ([]string, []string) {
	seen := map[string]bool{}
	var out []string
	var errs []string

	f, err := os.Open(j.cfg.Path)
	if err != nil {
		return nil, []string{err.Error()}
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if line == "" {
			continue
		}
		var ev map[string]any
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			errs = append(errs, fmt.Sprintf("line %d: %v", lineNo, err))
			continue
		}
		paths, ok := ev["paths"].(map[string]any)
		if !ok {
			continue
		}
		created, ok := paths["created"].([]any)
		if !ok {
			continue
		}
		for _, c := range created {
			s, ok := c.(string)
			if !ok || s == "" {
				continue
			}
			abs, err := filepath.Abs(s)
			if err != nil {
				continue
			}
			if !seen[abs] {
				seen[abs] = true
				out = append(out, abs)
			}
		}
	}
	return out, errs
}

func (j *Journal) decidePath(path string) (string, string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "skip", "unresolvable_path"
	}
	for _, root := range j.cfg.ProtectedRoots {
		if isWithin(abs, root) {
			return "skip", "protected_root"
		}
	}
	for _, root := range j.cfg.AllowedRoots {
		if isWithin(abs, root) {
			if abs == filepath.Clean(root) {
				return "skip", "is_allowed_root_itself"
			}
			return "delete", "ok"
		}
	}
	return "skip", "outside_allowed_roots"
}

func isWithin(path, root string) bool {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(rootAbs, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !hasDotDotPrefix(rel))
}

func hasDotDotPrefix(rel string) bool {
	return len(rel) >= 2 && rel[0] == '.' && rel[1] == '.'
}
