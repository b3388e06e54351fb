// Package main implements rumikernel-admin: a thin bearer-auth HTTP
// surface over the kernel's pack approvals, pip/capability candidates,
// and Docker sandbox status. It shares its dependency graph with
// cmd/rumikernel via internal/bootstrap rather than duplicating wiring.
package main

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sort"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"rumikernel/internal/bootstrap"
	"rumikernel/internal/logging"
)

func main() {
	workspace := flag.String("workspace", ".", "Workspace root directory")
	configPath := flag.String("config", "rumikernel.yaml", "Path to config file")
	verbose := flag.Bool("verbose", false, "Enable verbose logging")
	flag.Parse()

	logging.Init(*verbose)
	log := logging.For("admin")

	deps, err := bootstrap.Build(*workspace, *configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	token := resolveToken(deps.Config.Admin.TokenEnv, log)

	srv := &server{deps: deps, token: token, log: log}
	router := srv.routes()

	addr := deps.Config.Admin.Addr
	log.Info("admin surface listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, router); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func resolveToken(envVar string, log *zap.Logger) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		panic(err)
	}
	token := hex.EncodeToString(raw)
	log.Warn("no admin token set in environment, generated one for this run", zap.String("env_var", envVar))
	fmt.Fprintf(os.Stderr, "[rumikernel-admin] generated admin token: %s\n", token)
	return token
}

type server struct {
	deps  *bootstrap.Deps
	token string
	log   *zap.Logger
}

func (s *server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.authMiddleware)

	r.HandleFunc("/api/packs", s.handlePacksList).Methods(http.MethodGet)
	r.HandleFunc("/api/packs/pending", s.handlePacksPending).Methods(http.MethodGet)
	r.HandleFunc("/api/packs/scan", s.handlePacksScan).Methods(http.MethodPost)
	r.HandleFunc("/api/packs/{id}/approve", s.handlePackApprove).Methods(http.MethodPost)
	r.HandleFunc("/api/packs/{id}/reject", s.handlePackReject).Methods(http.MethodPost)

	r.HandleFunc("/api/pip", s.handlePipList).Methods(http.MethodGet)
	r.HandleFunc("/api/pip/{key}/approve", s.handlePipApprove).Methods(http.MethodPost)
	r.HandleFunc("/api/pip/{key}/reject", s.handlePipReject).Methods(http.MethodPost)

	r.HandleFunc("/api/capabilities", s.handleCapabilitiesList).Methods(http.MethodGet)
	r.HandleFunc("/api/capabilities/{key}/approve", s.handleCapabilityApprove).Methods(http.MethodPost)
	r.HandleFunc("/api/capabilities/{key}/reject", s.handleCapabilityReject).Methods(http.MethodPost)

	r.HandleFunc("/api/containers", s.handleContainers).Methods(http.MethodGet)
	r.HandleFunc("/api/docker/status", s.handleDockerStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/services", s.handleServices).Methods(http.MethodGet)

	return r
}

func (s *server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		supplied := header[len(prefix):]
		if subtle.ConstantTimeCompare([]byte(supplied), []byte(s.token)) != 1 {
			http.Error(w, "invalid bearer token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *server) handlePacksList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.deps.Approval.GetAllApprovals())
}

func (s *server) handlePacksPending(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.deps.Approval.GetPendingPacks())
}

func (s *server) handlePacksScan(w http.ResponseWriter, r *http.Request) {
	found, err := s.deps.Approval.ScanPacks()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, found)
}

func (s *server) handlePackApprove(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.deps.Approval.Approve(mux.Vars(r)["id"]))
}

func (s *server) handlePackReject(w http.ResponseWriter, r *http.Request) {
	reason := r.URL.Query().Get("reason")
	writeJSON(w, s.deps.Approval.Reject(mux.Vars(r)["id"], reason))
}

func (s *server) handlePipList(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status == "" {
		status = "pending"
	}
	writeJSON(w, s.deps.Pip.ListItems(status))
}

func (s *server) handlePipApprove(w http.ResponseWriter, r *http.Request) {
	actor := actorFromRequest(r)
	indexURL := r.URL.Query().Get("index_url")
	if indexURL == "" {
		indexURL = "https://pypi.org/simple"
	}
	allowSdist := r.URL.Query().Get("allow_sdist") == "true"
	writeJSON(w, s.deps.Pip.ApproveAndInstall(r.Context(), mux.Vars(r)["key"], actor, allowSdist, indexURL))
}

func (s *server) handlePipReject(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.deps.Pip.Reject(mux.Vars(r)["key"], actorFromRequest(r), r.URL.Query().Get("reason")))
}

func (s *server) handleCapabilitiesList(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status == "" {
		status = "pending"
	}
	writeJSON(w, s.deps.Capability.ListItems(status))
}

func (s *server) handleCapabilityApprove(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.deps.Capability.Approve(mux.Vars(r)["key"], actorFromRequest(r)))
}

func (s *server) handleCapabilityReject(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.deps.Capability.Reject(mux.Vars(r)["key"], actorFromRequest(r), r.URL.Query().Get("reason")))
}

func (s *server) handleContainers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.deps.DockerCap.ListAll())
}

func (s *server) handleDockerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"available":     s.deps.Sandbox.IsDockerAvailable(),
		"security_mode": s.deps.Sandbox.GetSecurityMode(),
	})
}

// handleServices reports every service name registered in the shared
// dependency container, confirming each actually resolves.
func (s *server) handleServices(w http.ResponseWriter, r *http.Request) {
	names := s.deps.Container.RegisteredNames()
	sort.Strings(names)
	resolved := make(map[string]bool, len(names))
	for _, name := range names {
		resolved[name] = s.deps.Container.GetOrNil(name) != nil
	}
	writeJSON(w, map[string]any{"services": names, "resolved": resolved})
}

func actorFromRequest(r *http.Request) string {
	if v := r.URL.Query().Get("actor"); v != "" {
		return v
	}
	return "admin"
}
