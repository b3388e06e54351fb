package uds

import (
	"bufio"
	"net"
	"testing"
	"time"

	"rumikernel/internal/dockercap"
	"rumikernel/internal/grants"
	"rumikernel/internal/signing"
	"rumikernel/internal/usage"
)

func newTestCapabilityStack(t *testing.T) (*grants.SecretManager, *grants.CapabilityManager, *dockercap.Handler, *usage.Store) {
	t.Helper()
	signer := signing.New([]byte("test-key"))
	secrets := grants.NewSecretManager(t.TempDir(), signer, nil)
	capability := grants.NewCapabilityManager(t.TempDir(), signer, nil)
	docker := dockercap.New(nil)
	store := usage.New(t.TempDir(), signer, nil)
	return secrets, capability, docker, store
}

func dialCapability(t *testing.T, path string) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		t.Fatalf("dial capability socket: %v", err)
	}
	return conn, bufio.NewReader(conn)
}

func roundTrip(t *testing.T, conn net.Conn, reader *bufio.Reader, req capabilityRequest) capabilityResponse {
	t.Helper()
	if err := writeFrame(conn, req); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	var resp capabilityResponse
	if err := readFrame(reader, &resp); err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	return resp
}

func TestEnsurePrincipalSocketIsIdempotent(t *testing.T) {
	secrets, capability, docker, store := newTestCapabilityStack(t)
	mgr := NewCapabilityManager(t.TempDir(), secrets, capability, docker, store, nil)
	defer mgr.StopAll()

	p1, err := mgr.EnsurePrincipalSocket("acme/pack")
	if err != nil {
		t.Fatalf("EnsurePrincipalSocket: %v", err)
	}
	p2, err := mgr.EnsurePrincipalSocket("acme/pack")
	if err != nil {
		t.Fatalf("EnsurePrincipalSocket (second): %v", err)
	}
	if p1 != p2 {
		t.Fatalf("expected same socket path, got %q and %q", p1, p2)
	}
}

func TestSecretsReadDeniedWithoutGrant(t *testing.T) {
	secrets, capability, docker, store := newTestCapabilityStack(t)
	mgr := NewCapabilityManager(t.TempDir(), secrets, capability, docker, store, nil)
	defer mgr.StopAll()

	path, err := mgr.EnsurePrincipalSocket("acme/pack")
	if err != nil {
		t.Fatalf("EnsurePrincipalSocket: %v", err)
	}
	conn, reader := dialCapability(t, path)
	defer conn.Close()

	resp := roundTrip(t, conn, reader, capabilityRequest{
		Kind:   "secrets.read",
		Params: map[string]any{"key": "API_TOKEN"},
	})
	if resp.OK {
		t.Fatal("expected secrets.read without a grant to be denied")
	}
}

func TestSecretsReadAllowedWithGrantReadsEnv(t *testing.T) {
	secrets, capability, docker, store := newTestCapabilityStack(t)
	secrets.GrantSecretAccess("acme/pack", []string{"API_TOKEN"}, "admin")
	t.Setenv("API_TOKEN", "shh-its-a-secret")

	mgr := NewCapabilityManager(t.TempDir(), secrets, capability, docker, store, nil)
	defer mgr.StopAll()

	path, err := mgr.EnsurePrincipalSocket("acme/pack")
	if err != nil {
		t.Fatalf("EnsurePrincipalSocket: %v", err)
	}
	conn, reader := dialCapability(t, path)
	defer conn.Close()

	resp := roundTrip(t, conn, reader, capabilityRequest{
		Kind:   "secrets.read",
		Params: map[string]any{"key": "API_TOKEN"},
	})
	if !resp.OK {
		t.Fatalf("expected secrets.read with a grant to succeed, got error %q", resp.Error)
	}
	if resp.Result != "shh-its-a-secret" {
		t.Fatalf("unexpected secret value: %v", resp.Result)
	}
}

func TestFlowRunDelegatesToInjectedRunner(t *testing.T) {
	secrets, capability, docker, store := newTestCapabilityStack(t)
	var gotFlowID string
	runner := func(flowID string, inputs map[string]any) (any, error) {
		gotFlowID = flowID
		return map[string]any{"status": "ok"}, nil
	}

	mgr := NewCapabilityManager(t.TempDir(), secrets, capability, docker, store, runner)
	defer mgr.StopAll()

	path, err := mgr.EnsurePrincipalSocket("acme/pack")
	if err != nil {
		t.Fatalf("EnsurePrincipalSocket: %v", err)
	}
	conn, reader := dialCapability(t, path)
	defer conn.Close()

	resp := roundTrip(t, conn, reader, capabilityRequest{
		Kind:   "flow.run",
		Params: map[string]any{"flow_id": "00_startup", "inputs": map[string]any{}},
	})
	if !resp.OK {
		t.Fatalf("expected flow.run to succeed, got error %q", resp.Error)
	}
	if gotFlowID != "00_startup" {
		t.Fatalf("expected runner invoked with flow_id 00_startup, got %q", gotFlowID)
	}
}

func TestFlowRunWithoutRunnerIsRejected(t *testing.T) {
	secrets, capability, docker, store := newTestCapabilityStack(t)
	mgr := NewCapabilityManager(t.TempDir(), secrets, capability, docker, store, nil)
	defer mgr.StopAll()

	path, err := mgr.EnsurePrincipalSocket("acme/pack")
	if err != nil {
		t.Fatalf("EnsurePrincipalSocket: %v", err)
	}
	conn, reader := dialCapability(t, path)
	defer conn.Close()

	resp := roundTrip(t, conn, reader, capabilityRequest{Kind: "flow.run", Params: map[string]any{"flow_id": "x"}})
	if resp.OK {
		t.Fatal("expected flow.run with no runner configured to fail")
	}
}

func TestUnknownCapabilityKindIsRejected(t *testing.T) {
	secrets, capability, docker, store := newTestCapabilityStack(t)
	mgr := NewCapabilityManager(t.TempDir(), secrets, capability, docker, store, nil)
	defer mgr.StopAll()

	path, err := mgr.EnsurePrincipalSocket("acme/pack")
	if err != nil {
		t.Fatalf("EnsurePrincipalSocket: %v", err)
	}
	conn, reader := dialCapability(t, path)
	defer conn.Close()

	resp := roundTrip(t, conn, reader, capabilityRequest{Kind: "teleport.now"})
	if resp.OK {
		t.Fatal("expected unknown capability kind to be rejected")
	}
}

func TestDockerListReturnsEmptyForPrincipalWithNoContainers(t *testing.T) {
	secrets, capability, docker, store := newTestCapabilityStack(t)
	mgr := NewCapabilityManager(t.TempDir(), secrets, capability, docker, store, nil)
	defer mgr.StopAll()

	path, err := mgr.EnsurePrincipalSocket("acme/pack")
	if err != nil {
		t.Fatalf("EnsurePrincipalSocket: %v", err)
	}
	conn, reader := dialCapability(t, path)
	defer conn.Close()

	resp := roundTrip(t, conn, reader, capabilityRequest{Kind: "docker.list"})
	if !resp.OK {
		t.Fatalf("expected docker.list to succeed, got error %q", resp.Error)
	}
}
