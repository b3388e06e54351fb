package uds

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"rumikernel/internal/grants"
	"rumikernel/internal/logging"
)

// dialTimeout bounds how long the egress proxy waits to establish the
// outbound connection it forwards an allowed request to.
const dialTimeout = 10 * time.Second

// egressRateLimit and egressBurst bound how many egress requests one
// pack's socket accepts per second; a pack whose container is misbehaving
// (or compromised) can burst egressBurst requests before being throttled
// to egressRateLimit/s.
const (
	egressRateLimit rate.Limit = 20
	egressBurst                = 40
)

// EgressManager runs one UDS listener per pack, each accepting framed
// {domain, port} requests and forwarding to an outbound TCP connection
// when the pack's network grant allows it. The socket path is the
// authorization boundary: only code inside that pack's container, which
// has that one socket bind-mounted in, can reach this listener at all.
type EgressManager struct {
	baseDir string
	network *grants.NetworkManager

	mu      sync.Mutex
	servers map[string]*egressServer
}

type egressServer struct {
	packID  string
	path    string
	ln      net.Listener
	done    chan struct{}
	limiter *rate.Limiter
}

// NewEgressManager returns an EgressManager rooted at baseDir (created
// with mode 0700 on first use).
func NewEgressManager(baseDir string, network *grants.NetworkManager) *EgressManager {
	return &EgressManager{
		baseDir: baseDir,
		network: network,
		servers: map[string]*egressServer{},
	}
}

// GetBaseDir returns the socket base directory.
func (m *EgressManager) GetBaseDir() string { return m.baseDir }

// GetSocketPath returns the socket path a pack's egress listener binds
// to, whether or not it is currently running.
func (m *EgressManager) GetSocketPath(packID string) string {
	return filepath.Join(m.baseDir, "egress-"+safePathComponent(packID)+".sock")
}

// IsRunning reports whether packID currently has a live egress listener.
func (m *EgressManager) IsRunning(packID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.servers[packID]
	return ok
}

// ListActivePacks returns every pack with a currently running egress
// listener.
func (m *EgressManager) ListActivePacks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.servers))
	for id := range m.servers {
		out = append(out, id)
	}
	return out
}

// EnsurePackSocket starts packID's egress listener if it isn't already
// running and returns its socket path. Safe to call repeatedly before
// every container launch.
func (m *EgressManager) EnsurePackSocket(packID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.servers[packID]; ok {
		return s.path, nil
	}

	if err := os.MkdirAll(m.baseDir, 0o700); err != nil {
		return "", fmt.Errorf("uds: create egress base dir: %w", err)
	}
	path := m.GetSocketPath(packID)
	_ = os.Remove(path) // stale socket from a prior crash

	ln, err := net.Listen("unix", path)
	if err != nil {
		return "", fmt.Errorf("uds: listen egress socket for %s: %w", packID, err)
	}
	if err := os.Chmod(path, 0o700); err != nil {
		_ = ln.Close()
		return "", fmt.Errorf("uds: chmod egress socket for %s: %w", packID, err)
	}

	srv := &egressServer{packID: packID, path: path, ln: ln, done: make(chan struct{}), limiter: rate.NewLimiter(egressRateLimit, egressBurst)}
	m.servers[packID] = srv
	go m.serve(srv)
	return path, nil
}

// StopPackServer stops packID's egress listener, if running.
func (m *EgressManager) StopPackServer(packID string) bool {
	m.mu.Lock()
	srv, ok := m.servers[packID]
	if ok {
		delete(m.servers, packID)
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

// StopAll stops every running egress listener.
func (m *EgressManager) StopAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.servers))
	for id := range m.servers {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.StopPackServer(id)
	}
}

// serve runs the accept loop for one pack's egress listener on its own
// goroutine, mirroring the "one background thread per UDS listener"
// concurrency model: each listener's connections are handled inline on
// further goroutines so one slow peer never blocks another pack's accept
// loop.
func (m *EgressManager) serve(srv *egressServer) {
	defer close(srv.done)
	for {
		conn, err := srv.ln.Accept()
		if err != nil {
			return // listener closed by StopPackServer/StopAll
		}
		go m.handleConn(srv, conn)
	}
}

func (m *EgressManager) handleConn(srv *egressServer, conn net.Conn) {
	defer conn.Close()
	packID := srv.packID

	reader := bufio.NewReader(conn)
	var req egressRequest
	if err := readFrame(reader, &req); err != nil {
		logging.For("uds").Warn("malformed egress request", zap.String("pack_id", packID), zap.Error(err))
		return
	}

	if !srv.limiter.Allow() {
		logging.For("uds").Warn("egress request rate limited", zap.String("pack_id", packID), zap.String("domain", req.Domain))
		_ = writeFrame(conn, egressResponse{Allowed: false, Reason: "rate limited"})
		return
	}

	result := m.network.CheckAccess(packID, req.Domain, req.Port)
	if !result.Allowed {
		_ = writeFrame(conn, egressResponse{Allowed: false, Reason: result.Reason})
		return
	}

	target := net.JoinHostPort(req.Domain, fmt.Sprintf("%d", req.Port))
	upstream, err := net.DialTimeout("tcp", target, dialTimeout)
	if err != nil {
		_ = writeFrame(conn, egressResponse{Allowed: false, Reason: "dial failed: " + err.Error()})
		return
	}
	defer upstream.Close()

	if err := writeFrame(conn, egressResponse{Allowed: true}); err != nil {
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _, _ = io.Copy(upstream, reader) }()
	go func() { defer wg.Done(); _, _ = io.Copy(conn, upstream) }()
	wg.Wait()
}

// safePathComponent collapses a pack identity (which may contain '/')
// into a single filesystem-safe path segment.
func safePathComponent(id string) string {
	out := make([]rune, 0, len(id))
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
