package dockercap

import "testing"

func TestRunRejectsDisallowedImage(t *testing.T) {
	h := New(nil)
	res := h.Run("packA", RunRequest{Image: "evil/image", Command: []string{"sh"}}, Grant{AllowedImages: []string{"python:*"}})
	if res.Error == "" {
		t.Fatal("expected image rejection error")
	}
}

func TestRunRejectsMissingImageOrCommand(t *testing.T) {
	h := New(nil)
	res := h.Run("packA", RunRequest{Command: []string{"sh"}}, Grant{AllowedImages: []string{"*"}})
	if res.Error == "" {
		t.Fatal("expected validation error for missing image")
	}
}

func TestRunEnforcesContainerLimit(t *testing.T) {
	h := New(nil)
	h.active["rumi-cap-packA-aaaaaaaaaaaa"] = "packA"
	h.active["rumi-cap-packA-bbbbbbbbbbbb"] = "packA"
	res := h.Run("packA", RunRequest{Image: "python:3.11-slim", Command: []string{"true"}}, Grant{
		AllowedImages: []string{"python:*"}, MaxContainers: 2,
	})
	if res.Error == "" {
		t.Fatal("expected container limit error")
	}
}

func TestFilterEnvBlocksHardcodedPatterns(t *testing.T) {
	h := New(nil)
	out := h.filterEnv(map[string]string{
		"RUMI_SECRET": "x", "AWS_KEY": "y", "HOME": "/root", "MY_VAR": "ok",
	}, Grant{})
	if _, ok := out["RUMI_SECRET"]; ok {
		t.Fatal("RUMI_* must be blocked")
	}
	if _, ok := out["AWS_KEY"]; ok {
		t.Fatal("AWS_* must be blocked")
	}
	if _, ok := out["HOME"]; ok {
		t.Fatal("HOME must be exact-blocked")
	}
	if out["MY_VAR"] != "ok" {
		t.Fatal("MY_VAR should pass through")
	}
}

func TestEffectiveMemoryClampsToAbsoluteMax(t *testing.T) {
	h := New(nil)
	got := h.effectiveMemory("4g", Grant{MaxMemory: "4g"})
	if got != AbsoluteMaxMemory {
		t.Fatalf("effectiveMemory = %q, want clamped to absolute max %q", got, AbsoluteMaxMemory)
	}
}

func TestEffectivePidsClampsToAbsoluteMax(t *testing.T) {
	h := New(nil)
	if got := h.effectivePids(Grant{MaxPids: 10000}); got != AbsoluteMaxPids {
		t.Fatalf("effectivePids = %d, want %d", got, AbsoluteMaxPids)
	}
}

func TestPostBuildAssertionCatchesForbiddenPattern(t *testing.T) {
	h := New(nil)
	msg := h.checkPostBuildAssertions([]string{"docker", "run", "--privileged"}, "packA", "c1")
	if msg == "" {
		t.Fatal("expected post-build assertion to catch --privileged")
	}
}

func TestVerifyOwnershipRejectsOtherPrincipal(t *testing.T) {
	h := New(nil)
	h.active["c1"] = "packA"
	if msg := h.verifyOwnership("packB", "c1"); msg == "" {
		t.Fatal("expected ownership denial for a different principal")
	}
	if msg := h.verifyOwnership("packA", "c1"); msg != "" {
		t.Fatalf("expected ownership check to pass for the owner, got %q", msg)
	}
}

func TestListOnlyReturnsOwnedContainers(t *testing.T) {
	h := New(nil)
	h.active["c1"] = "packA"
	h.active["c2"] = "packB"
	out := h.List("packA")
	if len(out) != 1 || out[0].Name != "c1" {
		t.Fatalf("List = %v, want only packA's container", out)
	}
}
