package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strings"
	"sync"
	"time"

	dockerclient "github.com/docker/docker/client"

	"rumikernel/internal/logging"
)

const (
	ModeStrict     = "strict"
	ModePermissive = "permissive"
)

// Execution modes recorded on the result, mirroring the modes a caller can
// branch on when deciding whether to trust the output.
const (
	ModeContainer      = "container"
	ModeHostPermissive = "host_permissive"
	ModeRejected       = "rejected"
)

// ExecutionResult reports the outcome of one component-phase execution.
type ExecutionResult struct {
	Success         bool
	Output          any
	Error           string
	ErrorType       string
	ExecutionMode   string
	ExecutionTimeMs int64
	Warnings        []string
}

// Executor runs pack component phases inside a hardened Docker container,
// falling back to host execution only in permissive mode and only with a
// loud warning. All pack code reaches the host through this type.
type Executor struct {
	mu            sync.Mutex
	dockerChecked bool
	dockerOK      bool
	securityMode  string
}

// NewExecutor builds an Executor, reading RUMI_SECURITY_MODE from the
// environment (default strict; any value other than strict/permissive falls
// back to strict).
func NewExecutor() *Executor {
	mode := strings.ToLower(strings.TrimSpace(os.Getenv("RUMI_SECURITY_MODE")))
	if mode != ModeStrict && mode != ModePermissive {
		mode = ModeStrict
	}
	e := &Executor{securityMode: mode}
	if mode == ModePermissive {
		l := logging.For("sandbox")
		l.Warn("PERMISSIVE MODE ENABLED: pack code may execute on host without Docker isolation")
		l.Warn("this is only acceptable for development; set RUMI_SECURITY_MODE=strict for production")
	}
	return e
}

func (e *Executor) GetSecurityMode() string {
	return e.securityMode
}

// IsDockerAvailable reports whether a Docker daemon is reachable, caching
// the result for the lifetime of the Executor.
func (e *Executor) IsDockerAvailable() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dockerChecked {
		return e.dockerOK
	}
	e.dockerOK = pingDocker()
	e.dockerChecked = true
	return e.dockerOK
}

func pingDocker() bool {
	cli, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		return false
	}
	defer cli.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = cli.Ping(ctx)
	return err == nil
}

// safeContextKeys mirrors the allow-list of context fields that are ever
// permitted to cross into the sandbox; anything else is dropped even if it
// would marshal cleanly.
var safeContextKeys = map[string]bool{
	"phase": true, "ts": true, "ids": true, "paths": true,
	"_source_component": true, "chat_id": true, "payload": true,
}

func sanitizeContext(execContext map[string]any) map[string]any {
	safe := make(map[string]any, len(safeContextKeys))
	for key := range safeContextKeys {
		v, ok := execContext[key]
		if !ok {
			continue
		}
		if _, err := json.Marshal(v); err != nil {
			continue
		}
		safe[key] = v
	}
	return safe
}

// ExecuteComponentPhase runs one pack component phase (e.g. "install",
// "start") defined by filePath, inside a container when Docker is available,
// or on the host when permissive mode allows it.
func (e *Executor) ExecuteComponentPhase(packID, componentID, phase, filePath string, execContext map[string]any, componentDir string, timeout time.Duration) ExecutionResult {
	if _, err := os.Stat(filePath); err != nil {
		return ExecutionResult{Success: false, Error: fmt.Sprintf("file not found: %s", filePath), ExecutionMode: ModeRejected}
	}
	if componentDir == "" {
		componentDir = filepath.Dir(filePath)
	}

	if e.IsDockerAvailable() {
		return e.executeInContainer(packID, componentID, phase, filePath, componentDir, execContext, timeout)
	}

	if e.securityMode == ModeStrict {
		return ExecutionResult{
			Success:       false,
			Error:         "Docker is required but not available. Set RUMI_SECURITY_MODE=permissive for development.",
			ExecutionMode: ModeRejected,
		}
	}

	return e.executeOnHostWithWarning(packID, componentID, phase, filePath, execContext)
}

func containerName(packID, phase, componentID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(componentID))
	return fmt.Sprintf("rumi-exec-%s-%s-%d", packID, phase, h.Sum32()%10000)
}

const executorScriptTemplate = `
import sys
import json

sys.path.insert(0, "/component")

with open("/context.json", "r") as f:
    context = json.load(f)

target_file = "/component/%s"

import importlib.util
spec = importlib.util.spec_from_file_location("target_module", target_file)

if spec and spec.loader:
    module = importlib.util.module_from_spec(spec)
    sys.modules["target_module"] = module
    spec.loader.exec_module(module)

    fn = getattr(module, "run", None) or getattr(module, "main", None)
    if fn:
        result = fn(context)
        if result:
            print(json.dumps(result, default=str))
else:
    print(json.dumps({"error": "Cannot load module"}))
`

func (e *Executor) executeInContainer(packID, componentID, phase, filePath, componentDir string, execContext map[string]any, timeout time.Duration) ExecutionResult {
	name := containerName(packID, phase, componentID)
	safeContext := sanitizeContext(execContext)

	contextFile, err := writeTempContextFile(safeContext)
	if err != nil {
		return ExecutionResult{Success: false, Error: fmt.Sprintf("failed to stage context: %v", err), ExecutionMode: ModeContainer}
	}
	defer os.Remove(contextFile)

	absComponentDir, err := filepath.Abs(componentDir)
	if err != nil {
		absComponentDir = componentDir
	}

	script := fmt.Sprintf(executorScriptTemplate, filepath.Base(filePath))

	builder := NewRunBuilder(name).
		Ulimit("nproc=50:50").
		Ulimit("nofile=100:100").
		Volume(absComponentDir + ":/component:ro").
		Volume(contextFile + ":/context.json:ro").
		Env("RUMI_PACK_ID", packID).
		Env("RUMI_COMPONENT_ID", componentID).
		Env("RUMI_PHASE", phase).
		Label("rumi.managed", "true").
		Label("rumi.pack_id", packID).
		Label("rumi.type", "executor").
		Image("python:3.11-slim").
		Command([]string{"python", "-c", script})

	dockerCmd, err := builder.Build()
	if err != nil {
		return ExecutionResult{Success: false, Error: err.Error(), ExecutionMode: ModeContainer}
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, dockerCmd[0], dockerCmd[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	if ctx.Err() == context.DeadlineExceeded {
		killCtx, killCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = exec.CommandContext(killCtx, "docker", "kill", name).Run()
		killCancel()
		return ExecutionResult{
			Success:       false,
			Error:         fmt.Sprintf("execution timed out after %s", timeout),
			ExecutionMode: ModeContainer,
		}
	}

	if runErr == nil {
		out := strings.TrimSpace(stdout.String())
		var output any
		if out != "" {
			if jsonErr := json.Unmarshal([]byte(out), &output); jsonErr != nil {
				output = out
			}
		}
		return ExecutionResult{Success: true, Output: output, ExecutionMode: ModeContainer}
	}

	errMsg := strings.TrimSpace(stderr.String())
	if errMsg == "" {
		errMsg = runErr.Error()
	}
	return ExecutionResult{Success: false, Error: errMsg, ExecutionMode: ModeContainer}
}

// containerEgressSocketPath and containerCapabilitySocketPath are the fixed
// mount points pack code looks up via RUMI_EGRESS_SOCKET and
// RUMI_CAPABILITY_SOCKET; only the kernel decides the host-side paths.
const (
	containerEgressSocketPath     = "/run/rumi/egress.sock"
	containerCapabilitySocketPath = "/run/rumi/capability.sock"
)

// ExecutePythonFileCall runs a flow step's python_file_call file inside a
// container with no network access of its own; the only I/O path out is
// through the two UDS sockets bind-mounted at fixed container paths and
// named to the pack code via environment variables. Docker unavailability
// is always rejected here, even in permissive mode: a flow step opted into
// sandboxed execution explicitly, unlike a component phase that falls back
// to host execution as a development convenience.
func (e *Executor) ExecutePythonFileCall(packID, principalID, filePath string, execContext map[string]any, componentDir string, timeout time.Duration, egressSocketPath, capabilitySocketPath string) ExecutionResult {
	start := time.Now()
	elapsed := func() int64 { return time.Since(start).Milliseconds() }

	if _, err := os.Stat(filePath); err != nil {
		return ExecutionResult{Success: false, Error: fmt.Sprintf("file not found: %s", filePath), ErrorType: "file_not_found", ExecutionMode: ModeRejected, ExecutionTimeMs: elapsed()}
	}
	if !e.IsDockerAvailable() {
		return ExecutionResult{
			Success:         false,
			Error:           "Docker is required for python_file_call steps but is not available",
			ErrorType:       "docker_unavailable",
			ExecutionMode:   ModeRejected,
			ExecutionTimeMs: elapsed(),
		}
	}
	if componentDir == "" {
		componentDir = filepath.Dir(filePath)
	}

	name := containerName(packID, "flow_call", filePath)
	safeContext := sanitizeContext(execContext)

	contextFile, err := writeTempContextFile(safeContext)
	if err != nil {
		return ExecutionResult{Success: false, Error: fmt.Sprintf("failed to stage context: %v", err), ErrorType: "stage_error", ExecutionMode: ModeContainer, ExecutionTimeMs: elapsed()}
	}
	defer os.Remove(contextFile)

	absComponentDir, err := filepath.Abs(componentDir)
	if err != nil {
		absComponentDir = componentDir
	}

	script := fmt.Sprintf(executorScriptTemplate, filepath.Base(filePath))

	builder := NewRunBuilder(name).
		Ulimit("nproc=50:50").
		Ulimit("nofile=100:100").
		Volume(absComponentDir + ":/component:ro").
		Volume(contextFile + ":/context.json:ro").
		Env("RUMI_PACK_ID", packID).
		Env("RUMI_PRINCIPAL_ID", principalID).
		Label("rumi.managed", "true").
		Label("rumi.pack_id", packID).
		Label("rumi.type", "flow_call").
		Image("python:3.11-slim").
		Command([]string{"python", "-c", script})

	if egressSocketPath != "" {
		builder.Volume(egressSocketPath + ":" + containerEgressSocketPath)
		builder.Env("RUMI_EGRESS_SOCKET", containerEgressSocketPath)
	}
	if capabilitySocketPath != "" {
		builder.Volume(capabilitySocketPath + ":" + containerCapabilitySocketPath)
		builder.Env("RUMI_CAPABILITY_SOCKET", containerCapabilitySocketPath)
	}

	dockerCmd, err := builder.Build()
	if err != nil {
		return ExecutionResult{Success: false, Error: err.Error(), ErrorType: "build_error", ExecutionMode: ModeContainer, ExecutionTimeMs: elapsed()}
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, dockerCmd[0], dockerCmd[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	if ctx.Err() == context.DeadlineExceeded {
		killCtx, killCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = exec.CommandContext(killCtx, "docker", "kill", name).Run()
		killCancel()
		return ExecutionResult{
			Success:         false,
			Error:           fmt.Sprintf("execution timed out after %s", timeout),
			ErrorType:       "timeout",
			ExecutionMode:   ModeContainer,
			ExecutionTimeMs: elapsed(),
		}
	}

	if runErr == nil {
		out := strings.TrimSpace(stdout.String())
		var output any
		if out != "" {
			if jsonErr := json.Unmarshal([]byte(out), &output); jsonErr != nil {
				output = out
			}
		}
		return ExecutionResult{Success: true, Output: output, ExecutionMode: ModeContainer, ExecutionTimeMs: elapsed()}
	}

	errMsg := strings.TrimSpace(stderr.String())
	if errMsg == "" {
		errMsg = runErr.Error()
	}
	return ExecutionResult{Success: false, Error: errMsg, ErrorType: "execution_error", ExecutionMode: ModeContainer, ExecutionTimeMs: elapsed()}
}

func writeTempContextFile(safeContext map[string]any) (string, error) {
	f, err := os.CreateTemp("", "rumi-context-*.json")
	if err != nil {
		return "", err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	if err := enc.Encode(safeContext); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// executeOnHostWithWarning is the permissive-mode fallback. Go cannot load
// Python source into its own process the way importlib does, so this shells
// out to a local python3 interpreter, passing the sanitized context as a
// temp JSON file and reading the target's stdout back the same way the
// container path does. This keeps the host path structurally identical to
// the container path (same bootstrap script, same input/output contract)
// rather than inventing a second protocol for the unsandboxed case.
func (e *Executor) executeOnHostWithWarning(packID, componentID, phase, filePath string, execContext map[string]any) ExecutionResult {
	warnings := []string{
		"!!! SECURITY WARNING !!!",
		"Executing pack code on host without Docker isolation.",
		"This is only acceptable for development.",
		"Set RUMI_SECURITY_MODE=strict and ensure Docker is running for production.",
		fmt.Sprintf("Pack: %s, Component: %s, Phase: %s", packID, componentID, phase),
	}
	l := logging.For("sandbox")
	for _, w := range warnings {
		l.Warn(w)
	}

	safeContext := sanitizeContext(execContext)
	contextFile, err := writeTempContextFile(safeContext)
	if err != nil {
		return ExecutionResult{Success: false, Error: err.Error(), ExecutionMode: ModeHostPermissive, Warnings: warnings}
	}
	defer os.Remove(contextFile)

	script := fmt.Sprintf(hostExecutorScriptTemplate, filePath, contextFile)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "python3", "-c", script)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		errMsg := strings.TrimSpace(stderr.String())
		if errMsg == "" {
			errMsg = err.Error()
		}
		return ExecutionResult{Success: false, Error: errMsg, ExecutionMode: ModeHostPermissive, Warnings: warnings}
	}

	out := strings.TrimSpace(stdout.String())
	var output any
	if out != "" {
		if jsonErr := json.Unmarshal([]byte(out), &output); jsonErr != nil {
			output = out
		}
	}
	return ExecutionResult{Success: true, Output: output, ExecutionMode: ModeHostPermissive, Warnings: warnings}
}

const hostExecutorScriptTemplate = `
import sys
import json
import importlib.util

target_file = %q
with open(%q, "r") as f:
    context = json.load(f)

spec = importlib.util.spec_from_file_location("target_module", target_file)
if spec is None or spec.loader is None:
    print(json.dumps({"error": "Cannot load module"}))
    sys.exit(0)

module = importlib.util.module_from_spec(spec)
sys.modules["target_module"] = module
spec.loader.exec_module(module)

fn = getattr(module, "run", None) or getattr(module, "main", None)
if fn:
    result = fn(context)
    if result:
        print(json.dumps(result, default=str))
`

// currentUserSpec returns "uid:gid" for the invoking process, used by
// callers that need to run a container as the current (non-root) user
// instead of the nobody baseline, e.g. when the mounted volume must remain
// writable by the host user.
func currentUserSpec() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", err
	}
	return u.Uid + ":" + u.Gid, nil
}
