package uds

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"rumikernel/internal/dockercap"
	"rumikernel/internal/grants"
	"rumikernel/internal/usage"
)

// FlowRunner executes a flow synchronously and returns its result, letting
// the capability proxy delegate flow.run requests without importing
// internal/kernel (which itself depends on this package's managers).
type FlowRunner func(flowID string, inputs map[string]any) (any, error)

// CapabilityManager runs one UDS listener per principal, dispatching the
// three typed capability requests pack code may issue from inside its
// network-isolated container: secrets.read, docker.{run,exec,stop,logs,list},
// and flow.run. Every call is metered through usage.Store.CheckAndConsume
// before any side effect runs.
type CapabilityManager struct {
	baseDir    string
	secrets    *grants.SecretManager
	capability *grants.CapabilityManager
	docker     *dockercap.Handler
	usageStore *usage.Store
	runFlow    FlowRunner

	mu      sync.Mutex
	servers map[string]*capabilityServer
}

type capabilityServer struct {
	principalID string
	path        string
	ln          net.Listener
	done        chan struct{}
}

// NewCapabilityManager returns a CapabilityManager rooted at baseDir.
// runFlow may be nil, in which case flow.run requests are rejected.
func NewCapabilityManager(
	baseDir string,
	secrets *grants.SecretManager,
	capability *grants.CapabilityManager,
	docker *dockercap.Handler,
	usageStore *usage.Store,
	runFlow FlowRunner,
) *CapabilityManager {
	return &CapabilityManager{
		baseDir:    baseDir,
		secrets:    secrets,
		capability: capability,
		docker:     docker,
		usageStore: usageStore,
		runFlow:    runFlow,
		servers:    map[string]*capabilityServer{},
	}
}

// GetSocketPath returns the socket path a principal's capability
// listener binds to, whether or not it is currently running.
func (m *CapabilityManager) GetSocketPath(principalID string) string {
	return filepath.Join(m.baseDir, "capability-"+safePathComponent(principalID)+".sock")
}

// IsRunning reports whether principalID currently has a live capability
// listener.
func (m *CapabilityManager) IsRunning(principalID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.servers[principalID]
	return ok
}

// EnsurePrincipalSocket starts principalID's capability listener if it
// isn't already running and returns its socket path.
func (m *CapabilityManager) EnsurePrincipalSocket(principalID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.servers[principalID]; ok {
		return s.path, nil
	}

	if err := os.MkdirAll(m.baseDir, 0o700); err != nil {
		return "", fmt.Errorf("uds: create capability base dir: %w", err)
	}
	path := m.GetSocketPath(principalID)
	_ = os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return "", fmt.Errorf("uds: listen capability socket for %s: %w", principalID, err)
	}
	if err := os.Chmod(path, 0o700); err != nil {
		_ = ln.Close()
		return "", fmt.Errorf("uds: chmod capability socket for %s: %w", principalID, err)
	}

	srv := &capabilityServer{principalID: principalID, path: path, ln: ln, done: make(chan struct{})}
	m.servers[principalID] = srv
	go m.serve(srv)
	return path, nil
}

// StopPrincipalServer stops principalID's capability listener, if running.
func (m *CapabilityManager) StopPrincipalServer(principalID string) bool {
	m.mu.Lock()
	srv, ok := m.servers[principalID]
	if ok {
		delete(m.servers, principalID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	_ = srv.ln.Close()
	<-srv.done
	_ = os.Remove(srv.path)
	return true
}

// StopAll stops every running capability listener.
func (m *CapabilityManager) StopAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.servers))
	for id := range m.servers {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.StopPrincipalServer(id)
	}
}

func (m *CapabilityManager) serve(srv *capabilityServer) {
	defer close(srv.done)
	for {
		conn, err := srv.ln.Accept()
		if err != nil {
			return
		}
		go m.handleConn(srv.principalID, conn)
	}
}

func (m *CapabilityManager) handleConn(principalID string, conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)

	for {
		var req capabilityRequest
		if err := readFrame(reader, &req); err != nil {
			return
		}
		resp := m.dispatch(principalID, req)
		if err := writeFrame(conn, resp); err != nil {
			return
		}
	}
}

// dispatch consumes one capability request and produces its response. A
// single connection may carry several requests in sequence; each is
// metered independently.
func (m *CapabilityManager) dispatch(principalID string, req capabilityRequest) capabilityResponse {
	consume := m.usageStore.CheckAndConsume(principalID, req.Kind, scopeKeyFor(req), 0, 0, 0)
	if !consume.Allowed {
		return capabilityResponse{OK: false, Error: consume.Reason}
	}

	switch req.Kind {
	case "secrets.read":
		return m.handleSecretsRead(principalID, req.Params)
	case "docker.run":
		return m.handleDockerRun(principalID, req.Params)
	case "docker.exec":
		return m.handleDockerExec(principalID, req.Params)
	case "docker.stop":
		return m.handleDockerStop(principalID, req.Params)
	case "docker.logs":
		return m.handleDockerLogs(principalID, req.Params)
	case "docker.list":
		return capabilityResponse{OK: true, Result: m.docker.List(principalID)}
	case "flow.run":
		return m.handleFlowRun(req.Params)
	default:
		return capabilityResponse{OK: false, Error: "unknown capability kind: " + req.Kind}
	}
}

// scopeKeyFor derives a per-request usage scope so, e.g., reading secret
// "A" and secret "B" are metered independently for the same principal.
func scopeKeyFor(req capabilityRequest) string {
	switch req.Kind {
	case "secrets.read":
		return strParam(req.Params, "key")
	case "docker.run":
		return strParam(req.Params, "image")
	case "docker.exec", "docker.stop", "docker.logs":
		return strParam(req.Params, "container_name")
	case "flow.run":
		return strParam(req.Params, "flow_id")
	default:
		return ""
	}
}

func strParam(params map[string]any, key string) string {
	v, _ := params[key].(string)
	return v
}

// handleSecretsRead resolves a secret value once the grant check passes.
// No dedicated secret-value vault exists in this runtime; the value
// itself is read from the kernel process's own environment by
// convention, matching how grant-gated secret names are provisioned
// operationally (set once via the host environment, never written to
// pack-readable disk).
func (m *CapabilityManager) handleSecretsRead(principalID string, params map[string]any) capabilityResponse {
	key := strParam(params, "key")
	if key == "" {
		return capabilityResponse{OK: false, Error: "key is required"}
	}
	if !m.secrets.HasGrant(principalID, key) {
		return capabilityResponse{OK: false, Error: "no grant for secret key: " + key}
	}
	value, ok := os.LookupEnv(key)
	if !ok {
		return capabilityResponse{OK: false, Error: "secret not provisioned: " + key}
	}
	return capabilityResponse{OK: true, Result: value}
}

func (m *CapabilityManager) capabilityGrant(principalID string) dockercap.Grant {
	grant, _ := m.capability.GetGrant(principalID)
	return grant
}

func (m *CapabilityManager) handleDockerRun(principalID string, params map[string]any) capabilityResponse {
	req := dockercap.RunRequest{
		Image:      strParam(params, "image"),
		WorkingDir: strParam(params, "working_dir"),
	}
	if cmd, ok := params["command"].([]any); ok {
		for _, c := range cmd {
			if s, ok := c.(string); ok {
				req.Command = append(req.Command, s)
			}
		}
	}
	if env, ok := params["env"].(map[string]any); ok {
		req.Env = make(map[string]string, len(env))
		for k, v := range env {
			if s, ok := v.(string); ok {
				req.Env[k] = s
			}
		}
	}
	result := m.docker.Run(principalID, req, m.capabilityGrant(principalID))
	if result.Error != "" {
		return capabilityResponse{OK: false, Error: result.Error}
	}
	return capabilityResponse{OK: true, Result: result}
}

func (m *CapabilityManager) handleDockerExec(principalID string, params map[string]any) capabilityResponse {
	req := dockercap.ExecRequest{
		ContainerName: strParam(params, "container_name"),
		WorkingDir:    strParam(params, "working_dir"),
	}
	if cmd, ok := params["command"].([]any); ok {
		for _, c := range cmd {
			if s, ok := c.(string); ok {
				req.Command = append(req.Command, s)
			}
		}
	}
	result := m.docker.Exec(principalID, req)
	if result.Error != "" {
		return capabilityResponse{OK: false, Error: result.Error}
	}
	return capabilityResponse{OK: true, Result: result}
}

func (m *CapabilityManager) handleDockerStop(principalID string, params map[string]any) capabilityResponse {
	ok, msg := m.docker.Stop(principalID, strParam(params, "container_name"), 0)
	if !ok {
		return capabilityResponse{OK: false, Error: msg}
	}
	return capabilityResponse{OK: true}
}

func (m *CapabilityManager) handleDockerLogs(principalID string, params map[string]any) capabilityResponse {
	stdout, stderr, errMsg := m.docker.Logs(principalID, strParam(params, "container_name"), 0, "")
	if errMsg != "" {
		return capabilityResponse{OK: false, Error: errMsg}
	}
	return capabilityResponse{OK: true, Result: map[string]string{"stdout": stdout, "stderr": stderr}}
}

func (m *CapabilityManager) handleFlowRun(params map[string]any) capabilityResponse {
	if m.runFlow == nil {
		return capabilityResponse{OK: false, Error: "flow.run is not available from this proxy"}
	}
	flowID := strParam(params, "flow_id")
	inputs, _ := params["inputs"].(map[string]any)
	result, err := m.runFlow(flowID, inputs)
	if err != nil {
		return capabilityResponse{OK: false, Error: err.Error()}
	}
	return capabilityResponse{OK: true, Result: result}
}
