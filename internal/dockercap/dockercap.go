// Package dockercap implements the docker.* capability: pack code requesting
// container execution goes through Handler, never straight to the docker
// binary, so Grant-config limits and a hard security floor both apply.
package dockercap

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"rumikernel/internal/auditlog"
	"rumikernel/internal/sandbox"
)

// Absolute ceilings no Grant config can raise.
const (
	AbsoluteMaxMemory       = "1g"
	AbsoluteMaxCPUs         = "2.0"
	AbsoluteMaxPids         = 200
	AbsoluteMaxContainers   = 5
	AbsoluteMaxExecutionSec = 600
)

// Defaults applied when a Grant config omits a field.
const (
	DefaultMemory       = "256m"
	DefaultCPUs         = "0.5"
	DefaultPids         = 50
	DefaultMaxContainers = 3
	DefaultExecutionSec = 60
)

// hardcodedEnvBlacklist blocks pack-supplied env keys regardless of Grant
// config; a pack can never smuggle its own RUMI_*/AWS_*/DOCKER_* value in
// to confuse the executor script or cloud credential discovery.
var hardcodedEnvBlacklist = []string{"RUMI_*", "AWS_*", "DOCKER_*"}
var hardcodedEnvExactBlock = map[string]bool{"HOME": true, "PATH": true}

// forbiddenCmdPatterns is a post-build assertion: defense in depth against a
// future change to sandbox.RunBuilder accidentally emitting one of these.
var forbiddenCmdPatterns = []string{
	"--privileged", "--cap-add", "/var/run/docker.sock",
	"--pid=host", "--ipc=host", "--net=host", "--network=host",
}

// Grant is the subset of a pack's docker capability grant that this handler
// enforces. Zero values fall back to the package defaults.
type Grant struct {
	AllowedImages     []string
	MaxMemory         string
	MaxCPUs           float64
	MaxPids           int
	NetworkAllowed    bool
	MaxContainers     int
	MaxExecutionSecs  int
	EnvBlacklist      []string
}

// RunResult is returned by Handler.Run.
type RunResult struct {
	ExitCode      int
	Stdout        string
	Stderr        string
	ContainerName string
	Error         string
}

// Handler validates and executes docker.* capability requests on behalf of
// pack principals, tracking per-principal active containers for ownership
// checks on exec/stop/logs.
type Handler struct {
	mu     sync.Mutex
	active map[string]string // container name -> principal id
	audit  *auditlog.Log
}

func New(audit *auditlog.Log) *Handler {
	return &Handler{active: make(map[string]string), audit: audit}
}

func (h *Handler) auditLog(severity, action string, success bool, principalID string, details map[string]any) {
	if h.audit == nil {
		return
	}
	_ = h.audit.Append(auditlog.Event{
		Timestamp:   time.Now().UTC(),
		Type:        auditlog.EventSecurity,
		PrincipalID: principalID,
		Action:      action,
		Success:     success,
		Severity:    severity,
		Details:     details,
	})
}

var memoryRe = regexp.MustCompile(`^(\d+)\s*([kmg])?$`)

func parseMemoryBytes(s string) (int64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	m := memoryRe.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid memory format: %s", s)
	}
	v, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, err
	}
	switch m[2] {
	case "k":
		return v * 1024, nil
	case "m":
		return v * 1024 * 1024, nil
	case "g":
		return v * 1024 * 1024 * 1024, nil
	default:
		return v, nil
	}
}

func formatMemory(nbytes int64) string {
	const k, mb, g = 1024, 1024 * 1024, 1024 * 1024 * 1024
	switch {
	case nbytes >= g && nbytes%g == 0:
		return fmt.Sprintf("%dg", nbytes/g)
	case nbytes >= mb && nbytes%mb == 0:
		return fmt.Sprintf("%dm", nbytes/mb)
	case nbytes >= k && nbytes%k == 0:
		return fmt.Sprintf("%dk", nbytes/k)
	default:
		return strconv.FormatInt(nbytes, 10)
	}
}

func isImageAllowed(image string, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, image); ok {
			return true
		}
	}
	return false
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func (h *Handler) effectiveMemory(requested string, g Grant) string {
	absoluteMax, _ := parseMemoryBytes(AbsoluteMaxMemory)
	grantMaxStr := g.MaxMemory
	if grantMaxStr == "" {
		grantMaxStr = DefaultMemory
	}
	grantMaxBytes, err := parseMemoryBytes(grantMaxStr)
	if err != nil {
		grantMaxBytes = absoluteMax
	}
	grantMax := minInt64(grantMaxBytes, absoluteMax)

	if requested != "" {
		if reqBytes, err := parseMemoryBytes(requested); err == nil {
			return formatMemory(minInt64(reqBytes, grantMax))
		}
	}
	defaultBytes, _ := parseMemoryBytes(DefaultMemory)
	return formatMemory(minInt64(defaultBytes, grantMax))
}

func (h *Handler) effectiveCPUs(g Grant) string {
	absoluteMax, _ := strconv.ParseFloat(AbsoluteMaxCPUs, 64)
	grantMax := g.MaxCPUs
	if grantMax <= 0 {
		grantMax, _ = strconv.ParseFloat(DefaultCPUs, 64)
	}
	return strconv.FormatFloat(minFloat(grantMax, absoluteMax), 'g', -1, 64)
}

func (h *Handler) effectivePids(g Grant) int {
	grantMax := g.MaxPids
	if grantMax <= 0 {
		grantMax = DefaultPids
	}
	return minInt(grantMax, AbsoluteMaxPids)
}

func (h *Handler) effectiveTimeout(requested int, g Grant) time.Duration {
	grantMax := g.MaxExecutionSecs
	if grantMax <= 0 {
		grantMax = DefaultExecutionSec
	}
	grantMax = minInt(grantMax, AbsoluteMaxExecutionSec)
	if requested > 0 {
		grantMax = minInt(requested, grantMax)
	}
	return time.Duration(grantMax) * time.Second
}

func (h *Handler) maxContainers(g Grant) int {
	grantMax := g.MaxContainers
	if grantMax <= 0 {
		grantMax = DefaultMaxContainers
	}
	return minInt(grantMax, AbsoluteMaxContainers)
}

func (h *Handler) filterEnv(env map[string]string, g Grant) map[string]string {
	if len(env) == 0 {
		return nil
	}
	blacklist := append(append([]string{}, hardcodedEnvBlacklist...), g.EnvBlacklist...)
	out := make(map[string]string, len(env))
	for key, value := range env {
		if hardcodedEnvExactBlock[key] {
			continue
		}
		blocked := false
		for _, pattern := range blacklist {
			if ok, _ := filepath.Match(pattern, key); ok {
				blocked = true
				break
			}
		}
		if !blocked {
			out[key] = value
		}
	}
	return out
}

func generateContainerName(principalID string) string {
	short := principalID
	if len(short) > 20 {
		short = short[:20]
	}
	return fmt.Sprintf("rumi-cap-%s-%s", short, strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
}

func (h *Handler) countActive(principalID string) int {
	n := 0
	for _, owner := range h.active {
		if owner == principalID {
			n++
		}
	}
	return n
}

func (h *Handler) verifyOwnership(principalID, containerName string) string {
	h.mu.Lock()
	owner, ok := h.active[containerName]
	h.mu.Unlock()
	if !ok {
		return fmt.Sprintf("container not found: %s", containerName)
	}
	if owner != principalID {
		return fmt.Sprintf("access denied: container %s is not owned by %s", containerName, principalID)
	}
	return ""
}

func (h *Handler) checkPostBuildAssertions(cmd []string, principalID, containerName string) string {
	for _, token := range cmd {
		for _, pattern := range forbiddenCmdPatterns {
			if strings.Contains(token, pattern) {
				h.auditLog("critical", "docker.run.post_build_assertion_failed", false, principalID, map[string]any{
					"forbidden_pattern": pattern, "token": token, "container_name": containerName,
				})
				return fmt.Sprintf("post-build assertion failed: forbidden pattern %q detected", pattern)
			}
		}
	}
	return ""
}

// RunRequest is a pack's docker.run capability call.
type RunRequest struct {
	Image      string
	Command    []string
	Memory     string
	TimeoutSec int
	Env        map[string]string
	WorkingDir string
}

// Run validates a docker.run request against Grant and the hard security
// floor, then executes it via sandbox.RunBuilder and the docker CLI.
func (h *Handler) Run(principalID string, req RunRequest, g Grant) RunResult {
	if req.Image == "" || len(req.Command) == 0 {
		h.auditLog("warning", "docker.run.validation_failed", false, principalID, map[string]any{"reason": "image and command are required"})
		return RunResult{Error: "image and command are required"}
	}

	if len(g.AllowedImages) == 0 || !isImageAllowed(req.Image, g.AllowedImages) {
		h.auditLog("warning", "docker.run.image_rejected", false, principalID, map[string]any{"image": req.Image, "allowed_images": g.AllowedImages})
		return RunResult{Error: fmt.Sprintf("image not allowed: %s", req.Image)}
	}

	maxCont := h.maxContainers(g)
	containerName := generateContainerName(principalID)

	h.mu.Lock()
	current := h.countActive(principalID)
	if current >= maxCont {
		h.mu.Unlock()
		h.auditLog("warning", "docker.run.container_limit", false, principalID, map[string]any{"count": current, "max": maxCont})
		return RunResult{Error: fmt.Sprintf("container limit reached: %d/%d", current, maxCont)}
	}
	h.active[containerName] = principalID
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.active, containerName)
		h.mu.Unlock()
	}()

	effMemory := h.effectiveMemory(req.Memory, g)
	effPids := h.effectivePids(g)
	effTimeout := h.effectiveTimeout(req.TimeoutSec, g)
	filteredEnv := h.filterEnv(req.Env, g)

	builder := sandbox.NewRunBuilder(containerName).PidsLimit(effPids)
	if g.NetworkAllowed {
		builder.Network("bridge")
	}
	for key, value := range filteredEnv {
		builder.Env(key, value)
	}
	if req.WorkingDir != "" {
		builder.Workdir(req.WorkingDir)
	}
	builder.Label("rumi.capability", "docker")
	principalLabel := principalID
	if len(principalLabel) > 64 {
		principalLabel = principalLabel[:64]
	}
	builder.Label("rumi.principal", principalLabel)
	builder.Image(req.Image)
	builder.Command(req.Command)

	cmd, err := builder.Build()
	if err != nil {
		return RunResult{ContainerName: containerName, Error: err.Error(), ExitCode: -1}
	}
	cmd = overrideMemoryArgs(cmd, effMemory)

	if msg := h.checkPostBuildAssertions(cmd, principalID, containerName); msg != "" {
		return RunResult{ContainerName: containerName, Error: msg, ExitCode: -1}
	}

	h.auditLog("info", "docker.run", true, principalID, map[string]any{
		"image": req.Image, "command": req.Command, "container_name": containerName,
	})

	ctx, cancel := context.WithTimeout(context.Background(), effTimeout)
	defer cancel()
	out, errOut, exitCode, runErr := runCommand(ctx, cmd)
	if ctx.Err() == context.DeadlineExceeded {
		return RunResult{ExitCode: -1, Stderr: "execution timed out", ContainerName: containerName, Error: "timeout"}
	}
	if runErr != nil && exitCode == -1 {
		return RunResult{ExitCode: -1, Stderr: runErr.Error(), ContainerName: containerName, Error: runErr.Error()}
	}
	return RunResult{ExitCode: exitCode, Stdout: out, Stderr: errOut, ContainerName: containerName}
}

// overrideMemoryArgs rewrites the --memory/--memory-swap flags the builder
// emitted at its package-default value down to the Grant-bounded effective
// value, mirroring the original's per-call attribute override on a shared
// builder instance.
func overrideMemoryArgs(cmd []string, effMemory string) []string {
	out := make([]string, len(cmd))
	for i, arg := range cmd {
		switch {
		case strings.HasPrefix(arg, "--memory=") && !strings.HasPrefix(arg, "--memory-swap="):
			out[i] = "--memory=" + effMemory
		case strings.HasPrefix(arg, "--memory-swap="):
			out[i] = "--memory-swap=" + effMemory
		default:
			out[i] = arg
		}
	}
	return out
}

func runCommand(ctx context.Context, cmd []string) (stdout, stderr string, exitCode int, err error) {
	c := exec.CommandContext(ctx, cmd[0], cmd[1:]...)
	var outBuf, errBuf strings.Builder
	c.Stdout = &outBuf
	c.Stderr = &errBuf
	runErr := c.Run()
	stdout, stderr = outBuf.String(), errBuf.String()
	if runErr == nil {
		return stdout, stderr, 0, nil
	}
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		return stdout, stderr, exitErr.ExitCode(), nil
	}
	return stdout, stderr, -1, runErr
}

// ExecRequest is a pack's docker.exec capability call against an already
// running container it owns.
type ExecRequest struct {
	ContainerName string
	Command       []string
	TimeoutSec    int
	WorkingDir    string
}

func (h *Handler) Exec(principalID string, req ExecRequest) RunResult {
	if req.ContainerName == "" || len(req.Command) == 0 {
		h.auditLog("warning", "docker.exec.validation_failed", false, principalID, map[string]any{"reason": "container_name and command are required"})
		return RunResult{Error: "container_name and command are required"}
	}
	if msg := h.verifyOwnership(principalID, req.ContainerName); msg != "" {
		h.auditLog("warning", "docker.exec.ownership_denied", false, principalID, map[string]any{"container_name": req.ContainerName, "reason": msg})
		return RunResult{Error: msg}
	}

	timeout := req.TimeoutSec
	if timeout <= 0 {
		timeout = 30
	}
	cmd := []string{"docker", "exec"}
	if req.WorkingDir != "" {
		cmd = append(cmd, "-w", req.WorkingDir)
	}
	cmd = append(cmd, req.ContainerName)
	cmd = append(cmd, req.Command...)

	h.auditLog("info", "docker.exec", true, principalID, map[string]any{"container_name": req.ContainerName, "command": req.Command})

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeout)*time.Second)
	defer cancel()
	out, errOut, exitCode, runErr := runCommand(ctx, cmd)
	if ctx.Err() == context.DeadlineExceeded {
		return RunResult{ExitCode: -1, Stderr: "execution timed out", Error: "timeout"}
	}
	if runErr != nil && exitCode == -1 {
		return RunResult{ExitCode: -1, Stderr: runErr.Error(), Error: runErr.Error()}
	}
	return RunResult{ExitCode: exitCode, Stdout: out, Stderr: errOut}
}

// Stop stops a container the principal owns.
func (h *Handler) Stop(principalID, containerName string, timeoutSec int) (bool, string) {
	if containerName == "" {
		h.auditLog("warning", "docker.stop.validation_failed", false, principalID, map[string]any{"reason": "container_name is required"})
		return false, "container_name is required"
	}
	if msg := h.verifyOwnership(principalID, containerName); msg != "" {
		h.auditLog("warning", "docker.stop.ownership_denied", false, principalID, map[string]any{"container_name": containerName, "reason": msg})
		return false, msg
	}

	timeout := timeoutSec
	if timeout <= 0 {
		timeout = 10
	}
	cmd := []string{"docker", "stop", fmt.Sprintf("--time=%d", timeout), containerName}
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeout+30)*time.Second)
	defer cancel()
	_, _, _, runErr := runCommand(ctx, cmd)

	h.mu.Lock()
	delete(h.active, containerName)
	h.mu.Unlock()

	if ctx.Err() == context.DeadlineExceeded {
		return false, "timeout"
	}
	if runErr != nil {
		return false, runErr.Error()
	}
	h.auditLog("info", "docker.stop", true, principalID, map[string]any{"container_name": containerName})
	return true, ""
}

// Logs fetches a container's logs for the owning principal.
func (h *Handler) Logs(principalID, containerName string, tail int, since string) (stdout, stderr, errMsg string) {
	if containerName == "" {
		h.auditLog("warning", "docker.logs.validation_failed", false, principalID, map[string]any{"reason": "container_name is required"})
		return "", "", "container_name is required"
	}
	if msg := h.verifyOwnership(principalID, containerName); msg != "" {
		h.auditLog("warning", "docker.logs.ownership_denied", false, principalID, map[string]any{"container_name": containerName, "reason": msg})
		return "", "", msg
	}

	if tail <= 0 {
		tail = 100
	}
	cmd := []string{"docker", "logs", fmt.Sprintf("--tail=%d", tail)}
	if since != "" {
		cmd = append(cmd, "--since="+since)
	}
	cmd = append(cmd, containerName)

	h.auditLog("info", "docker.logs", true, principalID, map[string]any{"container_name": containerName, "tail": tail})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	out, errOut, _, runErr := runCommand(ctx, cmd)
	if ctx.Err() == context.DeadlineExceeded {
		return "", "", "log retrieval timed out"
	}
	if runErr != nil {
		return "", "", runErr.Error()
	}
	return out, errOut, ""
}

// ContainerInfo describes one active container owned by a principal.
type ContainerInfo struct {
	Name   string
	Status string
}

// List returns the active containers owned by principalID.
func (h *Handler) List(principalID string) []ContainerInfo {
	h.mu.Lock()
	var out []ContainerInfo
	for name, owner := range h.active {
		if owner == principalID {
			out = append(out, ContainerInfo{Name: name, Status: "running"})
		}
	}
	h.mu.Unlock()
	h.auditLog("info", "docker.list", true, principalID, map[string]any{"count": len(out)})
	return out
}

// ListAll returns every active container regardless of owning principal,
// for the admin surface's cross-pack status view.
func (h *Handler) ListAll() map[string][]ContainerInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	byPrincipal := make(map[string][]ContainerInfo)
	for name, owner := range h.active {
		byPrincipal[owner] = append(byPrincipal[owner], ContainerInfo{Name: name, Status: "running"})
	}
	return byPrincipal
}
