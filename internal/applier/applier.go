// Package applier copies a pack bundle unpacked in staging into the live
// packs directory, refusing to overwrite a different pack under the same
// identity and backing up whatever it replaces first.
package applier

import (
	"encoding/json"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"rumikernel/internal/approval"
	"rumikernel/internal/auditlog"
	"rumikernel/internal/kerr"
)

// StagingMeta is the contents of a staging directory's meta.json, written
// by whatever unpacked the uploaded bundle there.
type StagingMeta struct {
	DetectedPackIDs []string `json:"detected_pack_ids"`
	IsMultiPack     bool     `json:"is_multi_pack"`
}

// Result reports the outcome of one Apply call across every pack the
// staging bundle contained.
type Result struct {
	Success        bool              `json:"success"`
	AppliedPackIDs []string          `json:"applied_pack_ids"`
	BackupPaths    map[string]string `json:"backup_paths"`
	Error          string            `json:"error,omitempty"`
	Errors         []PackError       `json:"errors,omitempty"`
}

// PackError names one pack within a multi-pack bundle that failed to
// apply, alongside the others that may have succeeded.
type PackError struct {
	PackID string `json:"pack_id"`
	Error  string `json:"error"`
}

// Applier copies staged pack bundles into the live packs directory.
type Applier struct {
	packsDir   string
	backupRoot string
	stagingDir string
	approval   *approval.Manager
	audit      *auditlog.Log

	mu sync.Mutex
}

// New builds an Applier. approvalMgr may be nil, in which case an applied
// pack's modified-since-approval bookkeeping is skipped; audit may be nil,
// in which case apply events are not recorded.
func New(packsDir, backupRoot, stagingDir string, approvalMgr *approval.Manager, audit *auditlog.Log) *Applier {
	return &Applier{
		packsDir:   packsDir,
		backupRoot: backupRoot,
		stagingDir: stagingDir,
		approval:   approvalMgr,
		audit:      audit,
	}
}

func nowTSSafe() string {
	return time.Now().UTC().Format("20060102T150405Z")
}

// Apply reads stagingID/meta.json and payload/ and installs every detected
// pack into the live packs directory, tolerating per-pack failure in a
// multi-pack bundle: one pack's identity mismatch does not block the
// others from applying.
func (a *Applier) Apply(stagingID, actor string) Result {
	a.mu.Lock()
	defer a.mu.Unlock()

	stagingPath := filepath.Join(a.stagingDir, stagingID)
	if _, err := os.Stat(stagingPath); err != nil {
		return Result{Success: false, Error: "staging not found: " + stagingID}
	}

	metaPath := filepath.Join(stagingPath, "meta.json")
	metaRaw, err := os.ReadFile(metaPath)
	if err != nil {
		return Result{Success: false, Error: "meta.json not found in staging"}
	}
	var meta StagingMeta
	if err := json.Unmarshal(metaRaw, &meta); err != nil {
		return Result{Success: false, Error: "failed to read meta.json: " + err.Error()}
	}

	payloadDir := filepath.Join(stagingPath, "payload")
	topDirs, err := topLevelDirs(payloadDir)
	if err != nil {
		return Result{Success: false, Error: "payload directory not found"}
	}
	if len(topDirs) != 1 {
		return Result{Success: false, Error: "expected 1 top-level dir in payload, found " + strconv.Itoa(len(topDirs))}
	}
	topDir := filepath.Join(payloadDir, topDirs[0])

	a.logEvent("pack_apply_started", true, map[string]any{
		"staging_id":        stagingID,
		"detected_pack_ids": meta.DetectedPackIDs,
		"is_multi_pack":     meta.IsMultiPack,
		"actor":             actor,
	})

	result := Result{Success: true, BackupPaths: map[string]string{}}

	if meta.IsMultiPack {
		packsDir := filepath.Join(topDir, "packs")
		if info, err := os.Stat(packsDir); err != nil || !info.IsDir() {
			return Result{Success: false, Error: "multi-pack but no packs/ directory"}
		}
		for _, packID := range meta.DetectedPackIDs {
			packSrc := filepath.Join(packsDir, packID)
			if info, err := os.Stat(packSrc); err != nil || !info.IsDir() {
				result.Errors = append(result.Errors, PackError{PackID: packID, Error: "pack directory not found: " + packID})
				continue
			}
			backupPath, err := a.applySinglePack(packID, packSrc)
			if err != nil {
				result.Errors = append(result.Errors, PackError{PackID: packID, Error: err.Error()})
				continue
			}
			result.AppliedPackIDs = append(result.AppliedPackIDs, packID)
			if backupPath != "" {
				result.BackupPaths[packID] = backupPath
			}
		}
	} else {
		packID := topDirs[0]
		if len(meta.DetectedPackIDs) > 0 {
			packID = meta.DetectedPackIDs[0]
		}
		backupPath, err := a.applySinglePack(packID, topDir)
		if err != nil {
			result.Success = false
			result.Error = err.Error()
			result.Errors = append(result.Errors, PackError{PackID: packID, Error: err.Error()})
		} else {
			result.AppliedPackIDs = append(result.AppliedPackIDs, packID)
			if backupPath != "" {
				result.BackupPaths[packID] = backupPath
			}
		}
	}

	if len(result.Errors) > 0 && len(result.AppliedPackIDs) == 0 {
		result.Success = false
		if result.Error == "" {
			result.Error = "all packs failed to apply"
		}
	}

	eventType := "pack_apply_completed"
	if !result.Success {
		eventType = "pack_apply_failed"
	}
	a.logEvent(eventType, result.Success, map[string]any{
		"staging_id":       stagingID,
		"applied_pack_ids": result.AppliedPackIDs,
		"errors":           result.Errors,
		"actor":            actor,
	})
	return result
}

// applySinglePack backs up and replaces one pack's directory under
// packsDir, rejecting the replacement outright if the incoming bundle's
// pack_id does not match the one already installed there.
func (a *Applier) applySinglePack(packID string, packSrc string) (string, error) {
	dest := filepath.Join(a.packsDir, packID)
	var backupPath string

	if info, err := os.Stat(dest); err == nil && info.IsDir() {
		if err := a.checkPackIdentity(packSrc, dest); err != nil {
			return "", err
		}
		backupPath, err = a.createBackup(packID, dest)
		if err != nil {
			return "", err
		}
		if err := os.RemoveAll(dest); err != nil {
			return "", err
		}
	}

	if err := os.MkdirAll(a.packsDir, 0o755); err != nil {
		return "", err
	}
	if err := copyTree(packSrc, dest); err != nil {
		return "", err
	}

	if a.approval != nil {
		a.approval.MarkModified(packID)
	}
	return backupPath, nil
}

// checkPackIdentity refuses the apply when the new bundle's ecosystem.json
// pack_id disagrees with what is already installed under this directory
// name — the same directory name being reused for an unrelated pack.
func (a *Applier) checkPackIdentity(newPackDir, existingPackDir string) error {
	newIdentity, err := readPackIdentity(newPackDir)
	if err != nil || newIdentity == "" {
		return kerr.Integrityf("applier.checkPackIdentity", "new pack has no ecosystem.json or unreadable")
	}
	existingIdentity, err := readPackIdentity(existingPackDir)
	if err != nil || existingIdentity == "" {
		return nil
	}
	if newIdentity != existingIdentity {
		return kerr.Integrityf("applier.checkPackIdentity",
			"pack_identity mismatch: existing=%q, new=%q", existingIdentity, newIdentity)
	}
	return nil
}

func readPackIdentity(packDir string) (string, error) {
	ecoPath, err := findEcosystemJSON(packDir)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(ecoPath)
	if err != nil {
		return "", err
	}
	var fields struct {
		PackID string `json:"pack_id"`
	}
	if err := json.Unmarshal(data, &fields); err != nil {
		return "", err
	}
	return fields.PackID, nil
}

// findEcosystemJSON locates ecosystem.json directly under dir, or one
// level down in exactly one subdirectory (the same "payload unwraps to a
// single inner dir" shape Apply already handles for staging).
func findEcosystemJSON(dir string) (string, error) {
	direct := filepath.Join(dir, "ecosystem.json")
	if _, err := os.Stat(direct); err == nil {
		return direct, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		nested := filepath.Join(dir, e.Name(), "ecosystem.json")
		if _, err := os.Stat(nested); err == nil {
			return nested, nil
		}
	}
	return "", os.ErrNotExist
}

func (a *Applier) createBackup(packID string, packDir string) (string, error) {
	ts := nowTSSafe()
	backupDir := filepath.Join(a.backupRoot, packID, ts)
	if err := os.MkdirAll(filepath.Dir(backupDir), 0o755); err != nil {
		return "", err
	}
	if err := copyTree(packDir, backupDir); err != nil {
		return "", err
	}
	return backupDir, nil
}

func (a *Applier) logEvent(eventType string, success bool, details map[string]any) {
	if a.audit == nil {
		return
	}
	_ = a.audit.Append(auditlog.Event{
		Timestamp: time.Now().UTC(),
		Type:      auditlog.EventSystem,
		Action:    eventType,
		Success:   success,
		Details:   details,
	})
}

func topLevelDirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	return dirs, nil
}

// copyTree recursively copies src into dst, preserving the source tree's
// file modes and skipping symlinks (mirroring shutil.copytree(symlinks=False)
// by dereferencing nothing: a symlink in src is simply not followed).
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if d.Type()&os.ModeSymlink != 0 {
			return nil
		}
		if d.IsDir() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			return os.MkdirAll(target, info.Mode().Perm())
		}
		return copyFile(path, target, d)
	})
}

func copyFile(src, dst string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
