package main

import (
	"encoding/json"
	"testing"
)

func TestPipListOnEmptyWorkspaceReturnsNoCandidates(t *testing.T) {
	withTestWorkspace(t)
	pipListStatus = "pending"
	out, err := captureStdout(t, func() error {
		return pipListCmd.RunE(pipListCmd, nil)
	})
	if err != nil {
		t.Fatalf("pip list: %v", err)
	}
	var got []map[string]any
	if jsonErr := json.Unmarshal([]byte(out), &got); jsonErr != nil {
		t.Fatalf("decode output %q: %v", out, jsonErr)
	}
	if len(got) != 0 {
		t.Fatalf("expected no pip candidates in a fresh workspace, got %v", got)
	}
}

func TestPipRejectUnknownCandidateReportsFailure(t *testing.T) {
	withTestWorkspace(t)
	pipActor = "tester"
	out, err := captureStdout(t, func() error {
		return pipRejectCmd.RunE(pipRejectCmd, []string{"does-not-exist", "not wanted"})
	})
	if err != nil {
		t.Fatalf("pip reject: %v", err)
	}
	var got struct {
		Success bool   `json:"success"`
		Error   string `json:"error,omitempty"`
	}
	if jsonErr := json.Unmarshal([]byte(out), &got); jsonErr != nil {
		t.Fatalf("decode output %q: %v", out, jsonErr)
	}
	if got.Success {
		t.Fatal("expected reject of an unknown candidate to fail")
	}
}
