package kernel

import (
	"testing"

	"rumikernel/internal/dockercap"
	"rumikernel/internal/grants"
	"rumikernel/internal/signing"
	"rumikernel/internal/uds"
	"rumikernel/internal/usage"
)

func TestUDSHandlersRejectWhenUnconfigured(t *testing.T) {
	k := newTestKernel(t)
	if _, err := k.handleEgressEnsureSocket(map[string]any{}, Ctx{}); err == nil {
		t.Fatal("expected error when egress proxy is nil")
	}
	if _, err := k.handleCapabilityProxyEnsureSocket(map[string]any{}, Ctx{}); err == nil {
		t.Fatal("expected error when capability proxy is nil")
	}
}

func TestEgressHandlersEnsureAndStopSocket(t *testing.T) {
	k := newTestKernel(t)
	network := grants.NewNetworkManager(t.TempDir(), nil, nil)
	k.egress = uds.NewEgressManager(t.TempDir(), network)
	defer k.egress.StopAll()

	result, err := k.handleEgressEnsureSocket(map[string]any{"pack_id": "acme/pack"}, Ctx{})
	if err != nil {
		t.Fatalf("handleEgressEnsureSocket error = %v", err)
	}
	m, ok := result.(map[string]any)
	if !ok || m["socket_path"] == "" {
		t.Fatalf("unexpected result: %+v", result)
	}

	status, err := k.handleEgressStatus(map[string]any{}, Ctx{})
	if err != nil {
		t.Fatalf("handleEgressStatus error = %v", err)
	}
	sm := status.(map[string]any)
	packs := sm["active_packs"].([]string)
	if len(packs) != 1 || packs[0] != "acme/pack" {
		t.Fatalf("unexpected active packs: %+v", packs)
	}

	stopResult, err := k.handleEgressStop(map[string]any{"pack_id": "acme/pack"}, Ctx{})
	if err != nil {
		t.Fatalf("handleEgressStop error = %v", err)
	}
	if !stopResult.(map[string]any)["stopped"].(bool) {
		t.Fatal("expected stop to report success")
	}
}

func TestCapabilityProxyHandlersEnsureAndStopSocket(t *testing.T) {
	k := newTestKernel(t)
	signer := signing.New([]byte("test-key"))
	secrets := grants.NewSecretManager(t.TempDir(), signer, nil)
	capGrants := grants.NewCapabilityManager(t.TempDir(), signer, nil)
	docker := dockercap.New(nil)
	store := usage.New(t.TempDir(), signer, nil)
	k.capProxy = uds.NewCapabilityManager(t.TempDir(), secrets, capGrants, docker, store, nil)
	defer k.capProxy.StopAll()

	result, err := k.handleCapabilityProxyEnsureSocket(map[string]any{"principal_id": "acme/pack"}, Ctx{})
	if err != nil {
		t.Fatalf("handleCapabilityProxyEnsureSocket error = %v", err)
	}
	if result.(map[string]any)["socket_path"] == "" {
		t.Fatalf("unexpected result: %+v", result)
	}

	status, err := k.handleCapabilityProxyStatus(map[string]any{"principal_id": "acme/pack"}, Ctx{})
	if err != nil {
		t.Fatalf("handleCapabilityProxyStatus error = %v", err)
	}
	if !status.(map[string]any)["running"].(bool) {
		t.Fatal("expected capability proxy to report running")
	}

	stopResult, err := k.handleCapabilityProxyStop(map[string]any{"principal_id": "acme/pack"}, Ctx{})
	if err != nil {
		t.Fatalf("handleCapabilityProxyStop error = %v", err)
	}
	if !stopResult.(map[string]any)["stopped"].(bool) {
		t.Fatal("expected stop to report success")
	}
}

func TestResolveDockerGrantFallsBackToCapabilityManager(t *testing.T) {
	k := newTestKernel(t)
	signer := signing.New([]byte("test-key"))
	k.capability = grants.NewCapabilityManager(t.TempDir(), signer, nil)
	k.capability.GrantCapability("acme/pack", dockercap.Grant{AllowedImages: []string{"python:3.11-slim"}, MaxContainers: 2}, "admin")

	grant := k.resolveDockerGrant(map[string]any{"principal_id": "acme/pack"})
	if len(grant.AllowedImages) != 1 || grant.AllowedImages[0] != "python:3.11-slim" {
		t.Fatalf("expected grant resolved from CapabilityManager, got %+v", grant)
	}
}

func TestResolveDockerGrantPrefersExplicitArg(t *testing.T) {
	k := newTestKernel(t)
	signer := signing.New([]byte("test-key"))
	k.capability = grants.NewCapabilityManager(t.TempDir(), signer, nil)
	k.capability.GrantCapability("acme/pack", dockercap.Grant{AllowedImages: []string{"from-capability-manager"}}, "admin")

	args := map[string]any{
		"principal_id": "acme/pack",
		"grant": map[string]any{
			"allowed_images": []any{"from-explicit-arg"},
		},
	}
	grant := k.resolveDockerGrant(args)
	if len(grant.AllowedImages) != 1 || grant.AllowedImages[0] != "from-explicit-arg" {
		t.Fatalf("expected explicit grant arg to win, got %+v", grant)
	}
}
