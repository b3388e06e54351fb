package kernel

import (
	"fmt"
	"time"

	"rumikernel/internal/auditlog"
	"rumikernel/internal/dockercap"
	"rumikernel/internal/lifecycle"
	"rumikernel/internal/modifier"
)

// registerBuiltinHandlers populates the "kernel:*" dispatch table with the
// small governance-relevant subset of handlers this kernel build ships.
// Everything else a flow step might name is opaque application behavior
// a pack supplies through the interface registry, not this kernel.
func (k *Kernel) registerBuiltinHandlers() {
	k.handlers["kernel:noop"] = func(args map[string]any, ctx Ctx) (any, error) {
		return nil, nil
	}

	k.handlers["kernel:network.grant"] = k.handleNetworkGrant
	k.handlers["kernel:network.revoke"] = k.handleNetworkRevoke
	k.handlers["kernel:network.check"] = k.handleNetworkCheck
	k.handlers["kernel:network.list"] = k.handleNetworkList

	k.handlers["kernel:secret.grant"] = k.handleSecretGrant
	k.handlers["kernel:secret.revoke"] = k.handleSecretRevoke
	k.handlers["kernel:secret.list"] = k.handleSecretList

	k.handlers["kernel:hostprivilege.grant"] = k.handleHostPrivilegeGrant
	k.handlers["kernel:hostprivilege.revoke"] = k.handleHostPrivilegeRevoke
	k.handlers["kernel:hostprivilege.list"] = k.handleHostPrivilegeList

	k.handlers["kernel:usage.check_and_consume"] = k.handleUsageConsume
	k.handlers["kernel:usage.reset"] = k.handleUsageReset

	k.handlers["kernel:approval.scan"] = k.handleApprovalScan
	k.handlers["kernel:approval.approve"] = k.handleApprovalApprove
	k.handlers["kernel:approval.reject"] = k.handleApprovalReject

	k.handlers["kernel:modifier.load_directory"] = k.handleModifierLoadDirectory
	k.handlers["kernel:modifier.apply"] = k.handleModifierApply

	k.handlers["kernel:flow.load_all"] = k.handleFlowLoadAll
	k.handlers["kernel:flow.execute_by_id"] = k.handleFlowExecuteByID

	k.handlers["kernel:audit.append"] = k.handleAuditAppend

	k.handlers["kernel:docker.run"] = k.handleDockerRun
	k.handlers["kernel:docker.exec"] = k.handleDockerExec
	k.handlers["kernel:docker.stop"] = k.handleDockerStop
	k.handlers["kernel:docker.logs"] = k.handleDockerLogs
	k.handlers["kernel:docker.list"] = k.handleDockerList

	k.handlers["kernel:lifecycle.boot"] = k.handleLifecycleBoot
	k.handlers["kernel:lifecycle.run_phase"] = k.handleLifecycleRunPhase

	k.handlers["kernel:egress_proxy.ensure_socket"] = k.handleEgressEnsureSocket
	k.handlers["kernel:egress_proxy.stop"] = k.handleEgressStop
	k.handlers["kernel:egress_proxy.stop_all"] = k.handleEgressStopAll
	k.handlers["kernel:egress_proxy.status"] = k.handleEgressStatus

	k.handlers["kernel:capability_proxy.ensure_socket"] = k.handleCapabilityProxyEnsureSocket
	k.handlers["kernel:capability_proxy.stop"] = k.handleCapabilityProxyStop
	k.handlers["kernel:capability_proxy.stop_all"] = k.handleCapabilityProxyStopAll
	k.handlers["kernel:capability_proxy.status"] = k.handleCapabilityProxyStatus

	k.handlers["kernel:ctx.set"] = func(args map[string]any, ctx Ctx) (any, error) {
		key, _ := args["key"].(string)
		if key == "" {
			return nil, nil
		}
		ctx[key] = args["value"]
		return ctx[key], nil
	}
	k.handlers["kernel:ctx.get"] = func(args map[string]any, ctx Ctx) (any, error) {
		key, _ := args["key"].(string)
		v, _ := ctx.Get(key)
		return v, nil
	}

	k.handlers["kernel:event.publish"] = func(args map[string]any, ctx Ctx) (any, error) {
		topic := strArg(args, "topic")
		if topic == "" {
			return nil, nil
		}
		payload, _ := args["payload"].(map[string]any)
		k.eventBus.Publish(topic, payload)
		return nil, nil
	}
	k.handlers["kernel:event.list_subscribers"] = func(args map[string]any, ctx Ctx) (any, error) {
		return k.eventBus.ListSubscribers(), nil
	}
}

func strArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

func strSliceArg(args map[string]any, key string) []string {
	raw, _ := args[key].([]any)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func intSliceArg(args map[string]any, key string) []int {
	raw, _ := args[key].([]any)
	out := make([]int, 0, len(raw))
	for _, item := range raw {
		switch v := item.(type) {
		case int:
			out = append(out, v)
		case float64:
			out = append(out, int(v))
		}
	}
	return out
}

func (k *Kernel) handleNetworkGrant(args map[string]any, ctx Ctx) (any, error) {
	if k.network == nil {
		return nil, notAvailable("network manager")
	}
	g, err := k.network.GrantNetworkAccess(strArg(args, "pack_id"), strSliceArg(args, "domains"), intSliceArg(args, "ports"), strArg(args, "granted_by"), strArg(args, "notes"))
	if err != nil {
		return nil, err
	}
	return g, nil
}

func (k *Kernel) handleNetworkRevoke(args map[string]any, ctx Ctx) (any, error) {
	if k.network == nil {
		return nil, notAvailable("network manager")
	}
	return k.network.RevokeNetworkAccess(strArg(args, "pack_id")), nil
}

func (k *Kernel) handleNetworkCheck(args map[string]any, ctx Ctx) (any, error) {
	if k.network == nil {
		return nil, notAvailable("network manager")
	}
	return k.network.CheckAccess(strArg(args, "pack_id"), strArg(args, "domain"), intArg(args, "port")), nil
}

func (k *Kernel) handleNetworkList(args map[string]any, ctx Ctx) (any, error) {
	if k.network == nil {
		return nil, notAvailable("network manager")
	}
	return k.network.GetAllGrants(), nil
}

func (k *Kernel) handleSecretGrant(args map[string]any, ctx Ctx) (any, error) {
	if k.secrets == nil {
		return nil, notAvailable("secret manager")
	}
	return k.secrets.GrantSecretAccess(strArg(args, "pack_id"), strSliceArg(args, "keys"), strArg(args, "granted_by")), nil
}

func (k *Kernel) handleSecretRevoke(args map[string]any, ctx Ctx) (any, error) {
	if k.secrets == nil {
		return nil, notAvailable("secret manager")
	}
	return k.secrets.RevokeSecretAccess(strArg(args, "pack_id"), strSliceArg(args, "keys")), nil
}

func (k *Kernel) handleSecretList(args map[string]any, ctx Ctx) (any, error) {
	if k.secrets == nil {
		return nil, notAvailable("secret manager")
	}
	return k.secrets.ListAllGrants(), nil
}

func (k *Kernel) handleHostPrivilegeGrant(args map[string]any, ctx Ctx) (any, error) {
	if k.hostPriv == nil {
		return nil, notAvailable("host privilege manager")
	}
	return k.hostPriv.Grant(strArg(args, "pack_id"), strArg(args, "privilege_id")), nil
}

func (k *Kernel) handleHostPrivilegeRevoke(args map[string]any, ctx Ctx) (any, error) {
	if k.hostPriv == nil {
		return nil, notAvailable("host privilege manager")
	}
	return k.hostPriv.Revoke(strArg(args, "pack_id"), strArg(args, "privilege_id")), nil
}

func (k *Kernel) handleHostPrivilegeList(args map[string]any, ctx Ctx) (any, error) {
	if k.hostPriv == nil {
		return nil, notAvailable("host privilege manager")
	}
	return k.hostPriv.ListPrivileges(), nil
}

func (k *Kernel) handleUsageConsume(args map[string]any, ctx Ctx) (any, error) {
	if k.usage == nil {
		return nil, notAvailable("usage store")
	}
	var expiresAt int64
	if v, ok := args["expires_at_epoch"].(float64); ok {
		expiresAt = int64(v)
	}
	return k.usage.CheckAndConsume(strArg(args, "principal_id"), strArg(args, "permission_id"), strArg(args, "scope_key"), intArg(args, "max_count"), intArg(args, "max_daily_count"), expiresAt), nil
}

func (k *Kernel) handleUsageReset(args map[string]any, ctx Ctx) (any, error) {
	if k.usage == nil {
		return nil, notAvailable("usage store")
	}
	return k.usage.ResetUsage(strArg(args, "principal_id"), strArg(args, "permission_id"), strArg(args, "scope_key")), nil
}

func (k *Kernel) handleApprovalScan(args map[string]any, ctx Ctx) (any, error) {
	if k.approval == nil {
		return nil, notAvailable("approval manager")
	}
	return k.approval.ScanPacks()
}

func (k *Kernel) handleApprovalApprove(args map[string]any, ctx Ctx) (any, error) {
	if k.approval == nil {
		return nil, notAvailable("approval manager")
	}
	return k.approval.Approve(strArg(args, "pack_id")), nil
}

func (k *Kernel) handleApprovalReject(args map[string]any, ctx Ctx) (any, error) {
	if k.approval == nil {
		return nil, notAvailable("approval manager")
	}
	return k.approval.Reject(strArg(args, "pack_id"), strArg(args, "reason")), nil
}

func (k *Kernel) handleModifierLoadDirectory(args map[string]any, ctx Ctx) (any, error) {
	defs, errs := modifier.LoadDirectory(strArg(args, "dir"), strArg(args, "pack_id"))
	result := map[string]any{"modifiers": defs}
	if len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		result["errors"] = msgs
	}
	return result, nil
}

func (k *Kernel) handleModifierApply(args map[string]any, ctx Ctx) (any, error) {
	if k.modApplier == nil {
		return nil, notAvailable("modifier applier")
	}
	flowIDVal := strArg(args, "flow_id")
	def, ok := k.lookupFlow(flowIDVal)
	if !ok {
		return nil, notAvailable("flow " + flowIDVal)
	}
	mods, err := modifiersFromArg(args["modifiers"])
	if err != nil {
		return nil, err
	}
	newDef, results := k.modApplier.Apply(def, mods)
	return map[string]any{"flow": newDef, "results": results}, nil
}

// modifiersFromArg accepts either a []*modifier.Def (passed in-process)
// or a []any of decoded maps (as a flow step's "modifiers" input would
// arrive after YAML/JSON decoding) and normalizes both to []*modifier.Def.
func modifiersFromArg(v any) ([]*modifier.Def, error) {
	switch mods := v.(type) {
	case nil:
		return nil, nil
	case []*modifier.Def:
		return mods, nil
	case []any:
		out := make([]*modifier.Def, 0, len(mods))
		for _, item := range mods {
			raw, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("kernel: modifier entry is not an object: %v", item)
			}
			def, err := modifier.FromMap(raw, strArg(raw, "source_pack_id"))
			if err != nil {
				return nil, err
			}
			out = append(out, def)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("kernel: unsupported modifiers argument type %T", v)
	}
}

func (k *Kernel) handleFlowLoadAll(args map[string]any, ctx Ctx) (any, error) {
	if k.flowLoader == nil {
		return nil, notAvailable("flow loader")
	}
	result := k.flowLoader.LoadAll()
	return result, nil
}

func (k *Kernel) handleFlowExecuteByID(args map[string]any, ctx Ctx) (any, error) {
	flowID := strArg(args, "flow_id")
	input := asMap(args["input"])
	timeout := 30 * time.Second
	if v, ok := args["timeout_seconds"].(float64); ok && v > 0 {
		timeout = time.Duration(v * float64(time.Second))
	}
	return k.ExecuteFlow(flowID, input, timeout)
}

func (k *Kernel) handleAuditAppend(args map[string]any, ctx Ctx) (any, error) {
	if k.audit == nil {
		return nil, notAvailable("audit log")
	}
	ev := auditlog.Event{
		Timestamp:      time.Now().UTC(),
		Type:           auditlog.EventType(strArg(args, "event")),
		PrincipalID:    strArg(args, "principal_id"),
		PermissionType: strArg(args, "permission_type"),
		Action:         strArg(args, "action"),
		Success:        args["success"] == true,
		Reason:         strArg(args, "reason"),
		Severity:       strArg(args, "severity"),
		Details:        asMap(args["details"]),
	}
	return nil, k.audit.Append(ev)
}

func strMapArg(args map[string]any, key string) map[string]string {
	raw := asMap(args[key])
	if raw == nil {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

// resolveDockerGrant prefers an explicit "grant" step argument (a flow
// author overriding the default for one call), falling back to the
// principal's persisted CapabilityManager grant, and finally to the
// package defaults if neither is present.
func (k *Kernel) resolveDockerGrant(args map[string]any) dockercap.Grant {
	if _, hasExplicit := args["grant"]; hasExplicit {
		return dockerGrantArg(args)
	}
	if k.capability != nil {
		if g, ok := k.capability.GetGrant(strArg(args, "principal_id")); ok {
			return g
		}
	}
	return dockerGrantArg(args)
}

func dockerGrantArg(args map[string]any) dockercap.Grant {
	g := asMap(args["grant"])
	return dockercap.Grant{
		AllowedImages:    strSliceArg(g, "allowed_images"),
		MaxMemory:        strArg(g, "max_memory"),
		MaxCPUs:          floatArg(g, "max_cpus"),
		MaxPids:          intArg(g, "max_pids"),
		NetworkAllowed:   g["network_allowed"] == true,
		MaxContainers:    intArg(g, "max_containers"),
		MaxExecutionSecs: intArg(g, "max_execution_time"),
		EnvBlacklist:     strSliceArg(g, "env_blacklist"),
	}
}

func floatArg(args map[string]any, key string) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

func (k *Kernel) handleDockerRun(args map[string]any, ctx Ctx) (any, error) {
	if k.dockerCap == nil {
		return nil, notAvailable("docker capability handler")
	}
	req := dockercap.RunRequest{
		Image:      strArg(args, "image"),
		Command:    strSliceArg(args, "command"),
		Memory:     strArg(args, "memory"),
		TimeoutSec: intArg(args, "timeout"),
		Env:        strMapArg(args, "env"),
		WorkingDir: strArg(args, "working_dir"),
	}
	return k.dockerCap.Run(strArg(args, "principal_id"), req, k.resolveDockerGrant(args)), nil
}

func (k *Kernel) handleDockerExec(args map[string]any, ctx Ctx) (any, error) {
	if k.dockerCap == nil {
		return nil, notAvailable("docker capability handler")
	}
	req := dockercap.ExecRequest{
		ContainerName: strArg(args, "container_name"),
		Command:       strSliceArg(args, "command"),
		TimeoutSec:    intArg(args, "timeout"),
		WorkingDir:    strArg(args, "working_dir"),
	}
	return k.dockerCap.Exec(strArg(args, "principal_id"), req), nil
}

func (k *Kernel) handleDockerStop(args map[string]any, ctx Ctx) (any, error) {
	if k.dockerCap == nil {
		return nil, notAvailable("docker capability handler")
	}
	stopped, errMsg := k.dockerCap.Stop(strArg(args, "principal_id"), strArg(args, "container_name"), intArg(args, "timeout"))
	return map[string]any{"stopped": stopped, "error": errMsg}, nil
}

func (k *Kernel) handleDockerLogs(args map[string]any, ctx Ctx) (any, error) {
	if k.dockerCap == nil {
		return nil, notAvailable("docker capability handler")
	}
	stdout, stderr, errMsg := k.dockerCap.Logs(strArg(args, "principal_id"), strArg(args, "container_name"), intArg(args, "tail"), strArg(args, "since"))
	return map[string]any{"stdout": stdout, "stderr": stderr, "error": errMsg}, nil
}

func (k *Kernel) handleDockerList(args map[string]any, ctx Ctx) (any, error) {
	if k.dockerCap == nil {
		return nil, notAvailable("docker capability handler")
	}
	return k.dockerCap.List(strArg(args, "principal_id")), nil
}

// handleLifecycleBoot runs the three fixed dependency/setup/runtime_boot
// phases across every registered pack and folds every newly-disabled
// component into the kernel's runtime disabled set, so subsequent flow
// steps owned by it are skipped by flow execution's own gating.
func (k *Kernel) handleLifecycleBoot(args map[string]any, ctx Ctx) (any, error) {
	if k.lifecycle == nil {
		return nil, notAvailable("lifecycle executor")
	}
	results := k.lifecycle.Boot()
	for _, r := range results {
		for _, id := range r.NewlyDisabled {
			k.disabled.Components[id] = true
		}
	}
	return results, nil
}

// handleLifecycleRunPhase runs a single named lifecycle phase.
func (k *Kernel) handleLifecycleRunPhase(args map[string]any, ctx Ctx) (any, error) {
	if k.lifecycle == nil {
		return nil, notAvailable("lifecycle executor")
	}
	result := k.lifecycle.RunPhase(lifecycle.Phase(strArg(args, "phase")))
	for _, id := range result.NewlyDisabled {
		k.disabled.Components[id] = true
	}
	return result, nil
}

// handleEgressEnsureSocket starts (or returns the existing) UDS egress
// listener for a pack, for a python_file_call step to bind-mount into
// the container it is about to launch.
func (k *Kernel) handleEgressEnsureSocket(args map[string]any, ctx Ctx) (any, error) {
	if k.egress == nil {
		return nil, notAvailable("egress proxy")
	}
	path, err := k.egress.EnsurePackSocket(strArg(args, "pack_id"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"socket_path": path}, nil
}

func (k *Kernel) handleEgressStop(args map[string]any, ctx Ctx) (any, error) {
	if k.egress == nil {
		return nil, notAvailable("egress proxy")
	}
	return map[string]any{"stopped": k.egress.StopPackServer(strArg(args, "pack_id"))}, nil
}

func (k *Kernel) handleEgressStopAll(args map[string]any, ctx Ctx) (any, error) {
	if k.egress == nil {
		return nil, notAvailable("egress proxy")
	}
	k.egress.StopAll()
	return nil, nil
}

func (k *Kernel) handleEgressStatus(args map[string]any, ctx Ctx) (any, error) {
	if k.egress == nil {
		return nil, notAvailable("egress proxy")
	}
	return map[string]any{
		"base_dir":     k.egress.GetBaseDir(),
		"active_packs": k.egress.ListActivePacks(),
	}, nil
}

// handleCapabilityProxyEnsureSocket starts (or returns the existing) UDS
// capability listener for a principal.
func (k *Kernel) handleCapabilityProxyEnsureSocket(args map[string]any, ctx Ctx) (any, error) {
	if k.capProxy == nil {
		return nil, notAvailable("capability proxy")
	}
	path, err := k.capProxy.EnsurePrincipalSocket(strArg(args, "principal_id"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"socket_path": path}, nil
}

func (k *Kernel) handleCapabilityProxyStop(args map[string]any, ctx Ctx) (any, error) {
	if k.capProxy == nil {
		return nil, notAvailable("capability proxy")
	}
	return map[string]any{"stopped": k.capProxy.StopPrincipalServer(strArg(args, "principal_id"))}, nil
}

func (k *Kernel) handleCapabilityProxyStopAll(args map[string]any, ctx Ctx) (any, error) {
	if k.capProxy == nil {
		return nil, notAvailable("capability proxy")
	}
	k.capProxy.StopAll()
	return nil, nil
}

func (k *Kernel) handleCapabilityProxyStatus(args map[string]any, ctx Ctx) (any, error) {
	if k.capProxy == nil {
		return nil, notAvailable("capability proxy")
	}
	principalID := strArg(args, "principal_id")
	return map[string]any{"running": k.capProxy.IsRunning(principalID)}, nil
}
