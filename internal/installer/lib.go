package installer

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"rumikernel/internal/approval"
	"rumikernel/internal/auditlog"
	"rumikernel/internal/sandbox"
)

// LocalPackID names the built-in pack that ships with the kernel itself;
// it never runs lib/pip/capability installers, matching every grant type.
const LocalPackID = "local_pack"

const (
	libDirName     = "lib"
	libInstallFile = "install.py"
	libUpdateFile  = "update.py"
)

// LibExecutionRecord is the last recorded outcome of a pack's lib
// install/update, keyed by pack ID.
type LibExecutionRecord struct {
	PackID     string `json:"pack_id"`
	LibType    string `json:"lib_type"`
	ExecutedAt string `json:"executed_at"`
	FileHash   string `json:"file_hash"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

// LibCheckResult reports whether a pack's lib/install.py or lib/update.py
// needs to run.
type LibCheckResult struct {
	PackID       string
	NeedsInstall bool
	NeedsUpdate  bool
	InstallFile  string
	UpdateFile   string
	Reason       string
}

// LibExecutionResult is the outcome of one lib execution.
type LibExecutionResult struct {
	PackID          string
	LibType         string
	Success         bool
	Output          any
	Error           string
	ErrorType       string
	ExecutionTimeMs int64
}

type libRecordsFile struct {
	Version   string                         `json:"version"`
	UpdatedAt string                         `json:"updated_at"`
	Records   map[string]LibExecutionRecord `json:"records"`
}

// LibExecutor runs a pack's lib/install.py once and lib/update.py whenever
// its contents change, always through the sandbox executor so strict mode
// keeps it Docker-isolated.
type LibExecutor struct {
	mu          sync.Mutex
	recordsFile string
	records     map[string]LibExecutionRecord

	sandbox  *sandbox.Executor
	approval *approval.Manager
	audit    *auditlog.Log
}

// NewLibExecutor returns a LibExecutor persisting its run records to
// recordsFile. approval/audit may be nil, in which case the approval gate
// and audit trail are skipped respectively.
func NewLibExecutor(recordsFile string, sb *sandbox.Executor, approvalMgr *approval.Manager, audit *auditlog.Log) *LibExecutor {
	e := &LibExecutor{
		recordsFile: recordsFile,
		records:     make(map[string]LibExecutionRecord),
		sandbox:     sb,
		approval:    approvalMgr,
		audit:       audit,
	}
	e.loadRecords()
	return e
}

func (e *LibExecutor) loadRecords() {
	data, err := os.ReadFile(e.recordsFile)
	if err != nil {
		return
	}
	var f libRecordsFile
	if err := json.Unmarshal(data, &f); err != nil {
		return
	}
	if f.Records != nil {
		e.records = f.Records
	}
}

func (e *LibExecutor) saveRecords() {
	if err := os.MkdirAll(filepath.Dir(e.recordsFile), 0o755); err != nil {
		return
	}
	f := libRecordsFile{Version: "1.0", UpdatedAt: nowTS(), Records: e.records}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(e.recordsFile, data, 0o644)
}

func computeFileHash(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return hex.EncodeToString(h.Sum(nil))
}

// findLibDir returns the first existing candidate lib directory under
// packDir: packDir/lib, then packDir/backend/lib.
func findLibDir(packDir string) string {
	candidates := []string{
		filepath.Join(packDir, libDirName),
		filepath.Join(packDir, "backend", libDirName),
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && info.IsDir() {
			return c
		}
	}
	return ""
}

// CheckPack reports whether packID's lib/install.py or lib/update.py needs
// to run, based on the file hash recorded from its last execution.
func (e *LibExecutor) CheckPack(packID, packDir string) LibCheckResult {
	result := LibCheckResult{PackID: packID}

	if packID == LocalPackID {
		result.Reason = "local_pack does not support lib execution"
		return result
	}

	libDir := findLibDir(packDir)
	if libDir == "" {
		result.Reason = "no lib directory found"
		return result
	}

	installFile := filepath.Join(libDir, libInstallFile)
	updateFile := filepath.Join(libDir, libUpdateFile)
	if _, err := os.Stat(installFile); err == nil {
		result.InstallFile = installFile
	}
	if _, err := os.Stat(updateFile); err == nil {
		result.UpdateFile = updateFile
	}
	if result.InstallFile == "" && result.UpdateFile == "" {
		result.Reason = "no install.py or update.py found"
		return result
	}

	e.mu.Lock()
	existing, hasRecord := e.records[packID]
	e.mu.Unlock()

	if !hasRecord {
		if result.InstallFile != "" {
			result.NeedsInstall = true
			result.Reason = "first time installation"
		}
		return result
	}

	if result.InstallFile != "" {
		currentHash := computeFileHash(result.InstallFile)
		if currentHash != existing.FileHash {
			if result.UpdateFile != "" {
				result.NeedsUpdate = true
				result.Reason = "file hash changed, update needed"
			} else {
				result.NeedsInstall = true
				result.Reason = "file hash changed, re-install needed"
			}
		}
	}
	if !result.NeedsInstall && !result.NeedsUpdate {
		result.Reason = "no changes detected"
	}
	return result
}

// ExecuteLib runs libFile (install.py or update.py) through the sandbox
// executor, after confirming packID is approved and its on-disk contents
// still match the hash it was approved with.
func (e *LibExecutor) ExecuteLib(packID string, libFile, libDir, libType string, execContext map[string]any, timeout time.Duration) LibExecutionResult {
	if packID == LocalPackID {
		result := LibExecutionResult{PackID: packID, LibType: libType, Success: false,
			Error: "local_pack does not support lib execution", ErrorType: "local_pack_skip"}
		e.logEvent(packID, libType, false, result.Error, "skipped")
		return result
	}

	if _, err := os.Stat(libFile); err != nil {
		result := LibExecutionResult{PackID: packID, LibType: libType, Success: false,
			Error: fmt.Sprintf("file not found: %s", libFile), ErrorType: "file_not_found"}
		e.logEvent(packID, libType, false, result.Error, "rejected")
		return result
	}

	if e.approval != nil {
		status, ok := e.approval.GetStatus(packID)
		if !ok || status != approval.StatusApproved {
			reason := "not_approved"
			result := LibExecutionResult{PackID: packID, LibType: libType, Success: false,
				Error: fmt.Sprintf("pack not approved: %s", reason), ErrorType: reason}
			e.logEvent(packID, libType, false, result.Error, "rejected")
			return result
		}
		if !e.approval.VerifyHash(packID) {
			result := LibExecutionResult{PackID: packID, LibType: libType, Success: false,
				Error: "pack contents modified since approval", ErrorType: "modified"}
			e.logEvent(packID, libType, false, result.Error, "rejected")
			return result
		}
	}

	execResult := e.sandbox.ExecuteComponentPhase(packID, "lib", libType, libFile, execContext, libDir, timeout)

	result := LibExecutionResult{
		PackID:          packID,
		LibType:         libType,
		Success:         execResult.Success,
		Output:          execResult.Output,
		Error:           execResult.Error,
		ErrorType:       execResult.ErrorType,
		ExecutionTimeMs: execResult.ExecutionTimeMs,
	}

	fileHash := computeFileHash(libFile)
	e.saveExecutionRecord(packID, libType, fileHash, result.Success, result.Error)
	e.logEvent(packID, libType, result.Success, result.Error, execResult.ExecutionMode)
	return result
}

func (e *LibExecutor) saveExecutionRecord(packID, libType, fileHash string, success bool, errMsg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.records[packID] = LibExecutionRecord{
		PackID:     packID,
		LibType:    libType,
		ExecutedAt: nowTS(),
		FileHash:   fileHash,
		Success:    success,
		Error:      errMsg,
	}
	e.saveRecords()
}

func (e *LibExecutor) logEvent(packID, libType string, success bool, errMsg, executionMode string) {
	if e.audit == nil {
		return
	}
	_ = e.audit.Append(auditlog.Event{
		Timestamp: time.Now().UTC(),
		Type:      auditlog.EventSystem,
		Action:    "lib_" + libType,
		Success:   success,
		Reason:    errMsg,
		Details: map[string]any{
			"pack_id":        packID,
			"lib_type":       libType,
			"execution_mode": executionMode,
		},
	})
}

// PackLocation is the minimal pack-discovery shape ProcessAllPacks needs:
// a pack ID and the directory its lib/ subdirectory is resolved relative
// to.
type PackLocation struct {
	PackID  string
	PackDir string
}

// ProcessAllPacksResult tallies the outcome of a full lib sweep.
type ProcessAllPacksResult struct {
	Processed int
	Installed []string
	Updated   []string
	Skipped   []string
	Failed    []string
}

// ProcessAllPacks runs CheckPack/ExecuteLib across every discovered pack
// location, tolerating one pack's failure without aborting the sweep.
func (e *LibExecutor) ProcessAllPacks(locations []PackLocation, execContext map[string]any, timeout time.Duration) ProcessAllPacksResult {
	result := ProcessAllPacksResult{}
	for _, loc := range locations {
		if loc.PackID == LocalPackID {
			result.Skipped = append(result.Skipped, loc.PackID)
			continue
		}
		result.Processed++

		check := e.CheckPack(loc.PackID, loc.PackDir)
		switch {
		case check.NeedsInstall && check.InstallFile != "":
			libDir := filepath.Dir(check.InstallFile)
			exec := e.ExecuteLib(loc.PackID, check.InstallFile, libDir, "install", execContext, timeout)
			if exec.Success {
				result.Installed = append(result.Installed, loc.PackID)
			} else {
				result.Failed = append(result.Failed, loc.PackID)
			}
		case check.NeedsUpdate && check.UpdateFile != "":
			libDir := filepath.Dir(check.UpdateFile)
			exec := e.ExecuteLib(loc.PackID, check.UpdateFile, libDir, "update", execContext, timeout)
			if exec.Success {
				result.Updated = append(result.Updated, loc.PackID)
			} else {
				result.Failed = append(result.Failed, loc.PackID)
			}
		default:
			result.Skipped = append(result.Skipped, loc.PackID)
		}
	}
	return result
}

// GetRecord returns the last recorded execution for packID.
func (e *LibExecutor) GetRecord(packID string) (LibExecutionRecord, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.records[packID]
	return r, ok
}

// GetAllRecords returns a snapshot of every recorded execution.
func (e *LibExecutor) GetAllRecords() map[string]LibExecutionRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]LibExecutionRecord, len(e.records))
	for k, v := range e.records {
		out[k] = v
	}
	return out
}

// ClearRecord removes packID's execution record. Returns false if absent.
func (e *LibExecutor) ClearRecord(packID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.records[packID]; !ok {
		return false
	}
	delete(e.records, packID)
	e.saveRecords()
	return true
}

// ClearAllRecords wipes every execution record and returns how many were
// removed.
func (e *LibExecutor) ClearAllRecords() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.records)
	e.records = make(map[string]LibExecutionRecord)
	e.saveRecords()
	return n
}
