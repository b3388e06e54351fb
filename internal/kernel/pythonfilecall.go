package kernel

import (
	"fmt"
	"path/filepath"
	"time"

	"rumikernel/internal/sandbox"
)

// registerPythonFileCallConstruct self-registers the sandboxed python_file_call
// executor under the protected "flow.construct.python_file_call" key, the
// same extension point a pack would use if it wanted to override this
// behavior. It only registers once sandbox and paths are both configured;
// without either, python_file_call steps report "not registered" instead
// of silently no-opping.
func (k *Kernel) registerPythonFileCallConstruct() {
	if k.registry == nil || k.sandbox == nil || k.paths == nil {
		return
	}
	_ = k.registry.Register("flow.construct.python_file_call", HandlerFunc(k.handlePythonFileCall), map[string]any{"_system": true})
}

func pythonFileCallResult(res sandbox.ExecutionResult, warnings []string) map[string]any {
	allWarnings := append(append([]string{}, warnings...), res.Warnings...)
	out := map[string]any{
		"success":           res.Success,
		"output":            res.Output,
		"execution_mode":    res.ExecutionMode,
		"execution_time_ms": res.ExecutionTimeMs,
		"warnings":          allWarnings,
	}
	if res.Error != "" {
		out["error"] = res.Error
	}
	if res.ErrorType != "" {
		out["error_type"] = res.ErrorType
	}
	return out
}

func pythonFileCallRejected(errMsg, errType string) map[string]any {
	return pythonFileCallResult(sandbox.ExecutionResult{
		Success:       false,
		Error:         errMsg,
		ErrorType:     errType,
		ExecutionMode: sandbox.ModeRejected,
	}, nil)
}

// handlePythonFileCall runs one python_file_call flow step: it ensures the
// pack's egress socket and the principal's capability socket both exist,
// then runs the file in a network-isolated container with both sockets
// bind-mounted in, per the egress/capability mediation sequence every
// outbound or privileged call a pack makes must go through.
func (k *Kernel) handlePythonFileCall(args map[string]any, ctx Ctx) (any, error) {
	ownerPack := strArg(args, "owner_pack")
	file := strArg(args, "file")
	if ownerPack == "" || file == "" {
		return pythonFileCallRejected("python_file_call requires owner_pack and file", "invalid_step"), nil
	}
	principalID := strArg(args, "principal_id")
	if principalID == "" {
		principalID = ownerPack
	}

	timeoutSeconds := 60.0
	if v, ok := args["timeout_seconds"].(float64); ok && v > 0 {
		timeoutSeconds = v
	}
	timeout := time.Duration(timeoutSeconds * float64(time.Second))

	packDir := k.paths.Pack(ownerPack)
	filePath := filepath.Join(packDir, file)

	var warnings []string
	strict := k.sandbox.GetSecurityMode() == sandbox.ModeStrict

	var egressSocket string
	if k.egress != nil {
		path, err := k.egress.EnsurePackSocket(ownerPack)
		if err != nil {
			if strict {
				return pythonFileCallRejected(fmt.Sprintf("egress socket unavailable: %v", err), "egress_socket_error"), nil
			}
			warnings = append(warnings, fmt.Sprintf("continuing without egress socket: %v", err))
		} else {
			egressSocket = path
		}
	}

	var capabilitySocket string
	if k.capProxy != nil {
		path, err := k.capProxy.EnsurePrincipalSocket(principalID)
		if err != nil {
			if strict {
				return pythonFileCallRejected(fmt.Sprintf("capability socket unavailable: %v", err), "capability_socket_error"), nil
			}
			warnings = append(warnings, fmt.Sprintf("continuing without capability socket: %v", err))
		} else {
			capabilitySocket = path
		}
	}

	execContext := map[string]any{
		"phase": "flow_call",
		"ts":    time.Now().UTC().Format("2006-01-02T15:04:05.000000Z"),
		"ids": map[string]any{
			"owner_pack":   ownerPack,
			"principal_id": principalID,
		},
		"payload": stripStepFields(args),
	}

	result := k.sandbox.ExecutePythonFileCall(ownerPack, principalID, filePath, execContext, packDir, timeout, egressSocket, capabilitySocket)
	return pythonFileCallResult(result, warnings), nil
}

// stripStepFields removes the step-routing fields this package folds into
// args so only the flow author's actual input payload crosses into the
// sandboxed context.
func stripStepFields(args map[string]any) map[string]any {
	payload := make(map[string]any, len(args))
	for k, v := range args {
		payload[k] = v
	}
	delete(payload, "owner_pack")
	delete(payload, "file")
	delete(payload, "principal_id")
	delete(payload, "timeout_seconds")
	return payload
}
