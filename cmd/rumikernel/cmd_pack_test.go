package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// captureStdout runs fn with os.Stdout redirected to a pipe and returns
// everything fn wrote to it. printJSON writes with fmt.Println, which has
// no io.Writer seam, so tests intercept the real file descriptor instead.
func captureStdout(t *testing.T, fn func() error) (string, error) {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	orig := os.Stdout
	os.Stdout = w
	runErr := fn()
	w.Close()
	os.Stdout = orig

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		t.Fatalf("copy captured stdout: %v", err)
	}
	return buf.String(), runErr
}

func withTestWorkspace(t *testing.T) {
	t.Helper()
	ws := t.TempDir()
	prevWorkspace, prevConfig := workspace, configPath
	workspace = ws
	configPath = filepath.Join(ws, "rumikernel.yaml")
	t.Cleanup(func() {
		workspace, configPath = prevWorkspace, prevConfig
	})
}

func TestPackListRunsAgainstEmptyWorkspace(t *testing.T) {
	withTestWorkspace(t)
	out, err := captureStdout(t, func() error {
		return packListCmd.RunE(packListCmd, nil)
	})
	if err != nil {
		t.Fatalf("pack list: %v", err)
	}
	var got []string
	if jsonErr := json.Unmarshal([]byte(out), &got); jsonErr != nil {
		t.Fatalf("decode output %q: %v", out, jsonErr)
	}
	if len(got) != 0 {
		t.Fatalf("expected no pending packs in a fresh workspace, got %v", got)
	}
}

func TestPackApproveUnknownPackReportsFailure(t *testing.T) {
	withTestWorkspace(t)
	out, err := captureStdout(t, func() error {
		return packApproveCmd.RunE(packApproveCmd, []string{"does-not-exist"})
	})
	if err != nil {
		t.Fatalf("pack approve: %v", err)
	}
	var got struct {
		Success bool   `json:"Success"`
		Error   string `json:"Error"`
	}
	if jsonErr := json.Unmarshal([]byte(out), &got); jsonErr != nil {
		t.Fatalf("decode output %q: %v", out, jsonErr)
	}
	if got.Success {
		t.Fatal("expected approval of an unknown pack to fail")
	}
}

func TestPackScanDiscoversInstalledBundle(t *testing.T) {
	withTestWorkspace(t)
	packDir := filepath.Join(workspace, "packs", "acme.example")
	if err := os.MkdirAll(packDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	manifest, _ := json.Marshal(map[string]any{"name": "example", "identity": "acme.example"})
	if err := os.WriteFile(filepath.Join(packDir, "ecosystem.json"), manifest, 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	out, err := captureStdout(t, func() error {
		return packScanCmd.RunE(packScanCmd, nil)
	})
	if err != nil {
		t.Fatalf("pack scan: %v", err)
	}
	var found []string
	if jsonErr := json.Unmarshal([]byte(out), &found); jsonErr != nil {
		t.Fatalf("decode output %q: %v", out, jsonErr)
	}
	if len(found) != 1 || found[0] != "acme.example" {
		t.Fatalf("expected [acme.example], got %v", found)
	}
}

func TestPackStatusPrintsOneLinePerTrackedPack(t *testing.T) {
	withTestWorkspace(t)
	packDir := filepath.Join(workspace, "packs", "acme.example")
	if err := os.MkdirAll(packDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	manifest, _ := json.Marshal(map[string]any{"name": "example", "identity": "acme.example"})
	if err := os.WriteFile(filepath.Join(packDir, "ecosystem.json"), manifest, 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	if err := packScanCmd.RunE(packScanCmd, nil); err != nil {
		t.Fatalf("pack scan: %v", err)
	}

	out, err := captureStdout(t, func() error {
		return packStatusCmd.RunE(packStatusCmd, nil)
	})
	if err != nil {
		t.Fatalf("pack status: %v", err)
	}
	if !strings.Contains(out, "acme.example") || !strings.Contains(out, "installed") {
		t.Fatalf("expected status line for acme.example, got %q", out)
	}
}
