package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/geldata/gelsrv/internal/backend"
	"github.com/geldata/gelsrv/internal/cache"
	"github.com/geldata/gelsrv/internal/config"
	"github.com/geldata/gelsrv/internal/gelerr"
	"github.com/geldata/gelsrv/internal/health"
	"github.com/geldata/gelsrv/internal/metrics"
	"github.com/geldata/gelsrv/internal/pool"
	"github.com/geldata/gelsrv/internal/poolalgo"
	"github.com/geldata/gelsrv/internal/router"
)

// maxRequestBody bounds the size of any admin API or EdgeQL-over-HTTP
// request body.
const maxRequestBody = 1 << 20 // 1 MiB

// Deps bundles the collaborators the admin/HTTP server drives. Unlike
// frontend.Deps, SchemaVersion is an optional convenience —
// only Router and Pool are required for the admin routes to function.
type Deps struct {
	Router        *router.Router
	Pool          *pool.Pool
	HealthCheck   *health.Checker
	Cache         *cache.Cache
	Metrics       *metrics.Collector
	SchemaVersion func() uint64
	ListenCfg     config.ListenConfig
	Defaults      config.PoolDefaults
}

// Server is the branch-admin REST API, EdgeQL-over-HTTP endpoint, and
// metrics/dashboard server.
type Server struct {
	deps       Deps
	httpServer *http.Server
	startTime  time.Time
}

// NewServer creates a new API server.
func NewServer(deps Deps) *Server {
	return &Server{
		deps:      deps,
		startTime: time.Now(),
	}
}

// Start starts the HTTP API server.
func (s *Server) Start(port int) error {
	r := mux.NewRouter()

	// Branch CRUD
	r.HandleFunc("/branches", s.listBranches).Methods("GET")
	r.HandleFunc("/branches", s.createBranch).Methods("POST")
	r.HandleFunc("/branches/{name}", s.getBranch).Methods("GET")
	r.HandleFunc("/branches/{name}", s.updateBranch).Methods("PUT")
	r.HandleFunc("/branches/{name}", s.deleteBranch).Methods("DELETE")
	r.HandleFunc("/branches/{name}/stats", s.branchStats).Methods("GET")
	r.HandleFunc("/branches/{name}/drain", s.drainBranch).Methods("POST")

	// Pause/Resume (admin pool drain controls, spec.md §5 / SUPPLEMENTED FEATURES)
	r.HandleFunc("/branches/{name}/pause", s.pauseBranch).Methods("POST")
	r.HandleFunc("/branches/{name}/resume", s.resumeBranch).Methods("POST")

	// Server status & config
	r.HandleFunc("/server/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/server/config", s.configHandler).Methods("GET")

	// Liveness/readiness, matching the Gel server's /server/status/* surface
	r.HandleFunc("/server/status/alive", s.aliveHandler).Methods("GET")
	r.HandleFunc("/server/status/ready", s.readyHandler).Methods("GET")

	// Aggregate health summary for the dashboard's overall badge
	r.HandleFunc("/health", s.healthHandler).Methods("GET")

	// EdgeQL-over-HTTP, GraphQL stub, and notebook endpoints
	r.HandleFunc("/branch/{name}/edgeql", s.edgeqlHandler).Methods("POST")
	r.HandleFunc("/branch/{name}/graphql", s.graphqlHandler).Methods("POST")
	r.HandleFunc("/branch/{name}/notebook", s.notebookHandler).Methods("POST")

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())

	// Admin dashboard (must be registered last — catch-all for "/" and "/dashboard")
	r.HandleFunc("/", s.dashboardHandler).Methods("GET")
	r.HandleFunc("/dashboard", s.dashboardHandler).Methods("GET")

	addr := fmt.Sprintf("0.0.0.0:%d", port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.authMiddleware(r),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Printf("[api] REST API listening on %s", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[api] server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// authMiddleware requires a bearer token matching ListenCfg.APIKey on
// every route except health/readiness/metrics, which operators and
// orchestrators must be able to probe unauthenticated. A blank APIKey
// disables auth entirely (local/dev deployments).
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

		if s.deps.ListenCfg.APIKey == "" || exemptFromAuth(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		token := strings.TrimPrefix(auth, "Bearer ")
		if token == "" || token == auth || token != s.deps.ListenCfg.APIKey {
			writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func exemptFromAuth(path string) bool {
	switch path {
	case "/server/status/alive", "/server/status/ready", "/health", "/metrics":
		return true
	default:
		return false
	}
}

// healthHandler reports an overall healthy/unhealthy summary for the
// dashboard's status badge. Per-branch detail is already embedded in
// each /branches entry.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	healthy := true
	if s.deps.HealthCheck != nil {
		healthy = s.deps.HealthCheck.OverallHealthy()
	}
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"status": boolToStatus(healthy)})
}

func boolToStatus(b bool) string {
	if b {
		return "healthy"
	}
	return "unhealthy"
}

// --- Branch Handlers ---

type branchRequest struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	DBName         string `json:"dbname"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	MinConnections *int   `json:"min_connections,omitempty"`
	MaxConnections *int   `json:"max_connections,omitempty"`
}

type branchResponse struct {
	Name   string               `json:"name"`
	Config config.BranchConfig  `json:"config"`
	Stats  *poolStatsResponse   `json:"stats,omitempty"`
	Health *health.BranchHealth `json:"health,omitempty"`
	Paused bool                 `json:"paused"`
}

type poolStatsResponse struct {
	Active         int     `json:"active"`
	Idle           int     `json:"idle"`
	Total          int     `json:"total"`
	Waiting        int     `json:"waiting"`
	MaxConnections int     `json:"max_connections"`
	EwmaDemand     float64 `json:"ewma_demand"`
}

func poolStatsFrom(bm poolalgo.BlockMetrics, maxConnections int) *poolStatsResponse {
	return &poolStatsResponse{
		Active:         bm.Connections - bm.Idle,
		Idle:           bm.Idle,
		Total:          bm.Connections,
		Waiting:        bm.Waiters,
		MaxConnections: maxConnections,
		EwmaDemand:     bm.EwmaDemand,
	}
}

func (s *Server) describeBranch(name string, b config.BranchConfig) branchResponse {
	br := branchResponse{
		Name:   name,
		Config: b.Redacted(),
		Paused: s.deps.Router.IsPaused(name),
	}
	if s.deps.Pool != nil {
		if bm, ok := s.deps.Pool.Stats()[name]; ok {
			br.Stats = poolStatsFrom(bm, b.EffectiveMaxConnections(s.deps.Defaults))
		}
	}
	if s.deps.HealthCheck != nil {
		h := s.deps.HealthCheck.GetStatus(name)
		br.Health = &h
	}
	return br
}

func (s *Server) listBranches(w http.ResponseWriter, r *http.Request) {
	branches := s.deps.Router.ListBranches()

	result := make([]branchResponse, 0, len(branches))
	for name, b := range branches {
		result = append(result, s.describeBranch(name, b))
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) createBranch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
		branchRequest
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "branch name is required")
		return
	}
	if req.Host == "" || req.Port == 0 || req.DBName == "" || req.Username == "" {
		writeError(w, http.StatusBadRequest, "host, port, dbname, and username are required")
		return
	}

	b := config.BranchConfig{
		Host:           req.Host,
		Port:           req.Port,
		DBName:         req.DBName,
		Username:       req.Username,
		Password:       req.Password,
		MinConnections: req.MinConnections,
		MaxConnections: req.MaxConnections,
	}

	s.deps.Router.AddBranch(req.Name, b)
	log.Printf("[api] branch %s registered (%s:%d/%s)", req.Name, b.Host, b.Port, b.DBName)

	writeJSON(w, http.StatusCreated, s.describeBranch(req.Name, b))
}

func (s *Server) getBranch(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	b, err := s.deps.Router.Resolve(name)
	if err != nil {
		writeError(w, http.StatusNotFound, "branch not found")
		return
	}

	writeJSON(w, http.StatusOK, s.describeBranch(name, b))
}

func (s *Server) updateBranch(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var req branchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	existing, err := s.deps.Router.Resolve(name)
	if err != nil {
		writeError(w, http.StatusNotFound, "branch not found")
		return
	}

	if req.Host != "" {
		existing.Host = req.Host
	}
	if req.Port != 0 {
		existing.Port = req.Port
	}
	if req.DBName != "" {
		existing.DBName = req.DBName
	}
	if req.Username != "" {
		existing.Username = req.Username
	}
	if req.Password != "" {
		existing.Password = req.Password
	}
	if req.MinConnections != nil {
		existing.MinConnections = req.MinConnections
	}
	if req.MaxConnections != nil {
		existing.MaxConnections = req.MaxConnections
	}

	s.deps.Router.AddBranch(name, existing)
	log.Printf("[api] branch %s updated", name)

	writeJSON(w, http.StatusOK, s.describeBranch(name, existing))
}

func (s *Server) deleteBranch(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if !s.deps.Router.RemoveBranch(name) {
		writeError(w, http.StatusNotFound, "branch not found")
		return
	}

	if s.deps.Pool != nil {
		s.deps.Pool.DrainBranch(name)
	}
	if s.deps.HealthCheck != nil {
		s.deps.HealthCheck.RemoveBranch(name)
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.RemoveBranch(name)
	}

	log.Printf("[api] branch %s removed", name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "branch": name})
}

func (s *Server) branchStats(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	b, err := s.deps.Router.Resolve(name)
	if err != nil {
		writeError(w, http.StatusNotFound, "branch not found")
		return
	}

	resp := poolStatsResponse{MaxConnections: b.EffectiveMaxConnections(s.deps.Defaults)}
	if s.deps.Pool != nil {
		if bm, ok := s.deps.Pool.Stats()[name]; ok {
			resp = *poolStatsFrom(bm, b.EffectiveMaxConnections(s.deps.Defaults))
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) drainBranch(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if _, err := s.deps.Router.Resolve(name); err != nil {
		writeError(w, http.StatusNotFound, "branch not found")
		return
	}
	if s.deps.Pool != nil {
		s.deps.Pool.DrainBranch(name)
	}

	log.Printf("[api] branch %s drained", name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "drained", "branch": name})
}

func (s *Server) pauseBranch(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if !s.deps.Router.PauseBranch(name) {
		writeError(w, http.StatusNotFound, "branch not found")
		return
	}

	log.Printf("[api] branch %s paused", name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused", "branch": name})
}

func (s *Server) resumeBranch(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if !s.deps.Router.ResumeBranch(name) {
		writeError(w, http.StatusNotFound, "branch not found")
		return
	}

	log.Printf("[api] branch %s resumed", name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed", "branch": name})
}

// --- EdgeQL-over-HTTP / GraphQL / Notebook ---

type edgeqlRequest struct {
	Query     string            `json:"query"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

type edgeqlResponse struct {
	Data   []string `json:"data"`
	Status string   `json:"status"`
}

// edgeqlHandler compiles and executes a single query against a branch
// over plain HTTP, the non-interactive counterpart to the binary
// protocol's Parse/Execute cycle — one QueryCache lookup, one Lease,
// one round trip.
func (s *Server) edgeqlHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if _, err := s.deps.Router.Resolve(name); err != nil {
		writeError(w, http.StatusNotFound, "branch not found")
		return
	}
	if s.deps.Cache == nil || s.deps.Pool == nil {
		writeError(w, http.StatusServiceUnavailable, "query execution is not configured")
		return
	}

	var req edgeqlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	schemaVersion := uint64(0)
	if s.deps.SchemaVersion != nil {
		schemaVersion = s.deps.SchemaVersion()
	}

	cq, err := s.deps.Cache.Lookup(r.Context(), cache.Params{
		NormalizedQuery: req.Query,
		OutputFormat:    'j',
		ProtocolVersion: 1,
		SchemaVersion:   schemaVersion,
		Args:            req.Arguments,
	})
	if err != nil {
		writeGelError(w, err)
		return
	}

	if cq.Capabilities&(cache.CapDDL|cache.CapTransaction) != 0 {
		writeGelError(w, gelerr.New(gelerr.KindCapabilityError,
			"DDL and transaction-control statements are not permitted over EdgeQL-over-HTTP"))
		return
	}

	lease, err := s.deps.Pool.Acquire(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "acquiring backend connection: "+err.Error())
		return
	}
	defer lease.Release()

	conn := lease.Conn()
	if err := conn.Send(r.Context(), cq.SQL, nil); err != nil {
		writeError(w, http.StatusBadGateway, "backend error: "+err.Error())
		return
	}

	var rows []string
	status := ""
	for {
		res, err := conn.Recv(r.Context())
		if err != nil {
			writeError(w, http.StatusBadGateway, "backend error: "+err.Error())
			return
		}
		for _, row := range res.Rows {
			rows = append(rows, string(row))
		}
		if res.Status != "" {
			status = res.Status
		}
		if res.Done {
			break
		}
	}

	writeJSON(w, http.StatusOK, edgeqlResponse{Data: rows, Status: status})
}

// graphqlHandler is a stub: GraphQL-over-HTTP requires a schema
// introspection layer this frontend does not implement (see
// SPEC_FULL.md Non-goals), but the route is wired so clients get a
// structured 501 instead of a 404.
func (s *Server) graphqlHandler(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotImplemented, "GraphQL-over-HTTP is not implemented by this frontend")
}

// notebookHandler executes a batch of queries in sequence over one
// Lease, matching the Gel server's EdgeQL notebook surface used by
// interactive docs.
func (s *Server) notebookHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if _, err := s.deps.Router.Resolve(name); err != nil {
		writeError(w, http.StatusNotFound, "branch not found")
		return
	}
	if s.deps.Cache == nil || s.deps.Pool == nil {
		writeError(w, http.StatusServiceUnavailable, "query execution is not configured")
		return
	}

	var req struct {
		Queries []string `json:"queries"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	lease, err := s.deps.Pool.Acquire(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "acquiring backend connection: "+err.Error())
		return
	}
	defer lease.Release()

	// spec.md §9: a notebook batch runs inside a transaction that is
	// always rolled back, so queries never leave a visible side effect
	// regardless of success or failure partway through the batch.
	conn := lease.Conn()
	if _, err := runRawSQL(r.Context(), conn, "START TRANSACTION"); err != nil {
		writeError(w, http.StatusBadGateway, "backend error starting notebook transaction: "+err.Error())
		return
	}
	defer runRawSQL(r.Context(), conn, "ROLLBACK")

	schemaVersion := uint64(0)
	if s.deps.SchemaVersion != nil {
		schemaVersion = s.deps.SchemaVersion()
	}

	results := make([]edgeqlResponse, 0, len(req.Queries))
	for _, q := range req.Queries {
		cq, err := s.deps.Cache.Lookup(r.Context(), cache.Params{
			NormalizedQuery: q,
			OutputFormat:    'j',
			ProtocolVersion: 1,
			SchemaVersion:   schemaVersion,
		})
		if err != nil {
			results = append(results, edgeqlResponse{Status: "error: " + err.Error()})
			continue
		}

		if err := conn.Send(r.Context(), cq.SQL, nil); err != nil {
			results = append(results, edgeqlResponse{Status: "error: " + err.Error()})
			continue
		}

		var rows []string
		status := ""
		for {
			res, err := conn.Recv(r.Context())
			if err != nil {
				status = "error: " + err.Error()
				break
			}
			for _, row := range res.Rows {
				rows = append(rows, string(row))
			}
			if res.Status != "" {
				status = res.Status
			}
			if res.Done {
				break
			}
		}
		results = append(results, edgeqlResponse{Data: rows, Status: status})
	}

	writeJSON(w, http.StatusOK, results)
}

// runRawSQL sends a single raw statement and drains its result, used for
// the transaction-framing statements around a notebook batch rather than
// a cache-compiled query.
func runRawSQL(ctx context.Context, conn backend.Conn, sql string) (string, error) {
	if err := conn.Send(ctx, sql, nil); err != nil {
		return "", err
	}
	status := ""
	for {
		res, err := conn.Recv(ctx)
		if err != nil {
			return status, err
		}
		if res.Status != "" {
			status = res.Status
		}
		if res.Done {
			return status, nil
		}
	}
}

// --- Health Handlers ---

func (s *Server) aliveHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	branches := s.deps.Router.ListBranches()
	if len(branches) == 0 || s.deps.HealthCheck == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}

	for name := range branches {
		if s.deps.HealthCheck.IsHealthy(name) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
			return
		}
	}

	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
}

// --- Status & Config Handlers ---

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	uptime := time.Since(s.startTime).Seconds()
	branches := s.deps.Router.ListBranches()

	resp := map[string]interface{}{
		"uptime_seconds": int(uptime),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
		"num_branches":   len(branches),
		"listen": map[string]int{
			"binary_port": s.deps.ListenCfg.BinaryPort,
			"http_port":   s.deps.ListenCfg.HTTPPort,
		},
	}
	if s.deps.Cache != nil {
		cs := s.deps.Cache.Stats()
		resp["cache"] = map[string]int64{
			"hits":      cs.Hits,
			"misses":    cs.Misses,
			"redirects": cs.Redirects,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) configHandler(w http.ResponseWriter, r *http.Request) {
	defaults := s.deps.Router.Defaults()
	branches := s.deps.Router.ListBranches()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"listen": map[string]int{
			"binary_port": s.deps.ListenCfg.BinaryPort,
			"http_port":   s.deps.ListenCfg.HTTPPort,
		},
		"defaults": map[string]interface{}{
			"total_cap":       defaults.TotalCap,
			"min_connections": defaults.MinConnections,
			"max_connections": defaults.MaxConnections,
			"hold_floor":      defaults.HoldFloor.String(),
			"reconnect_cost":  defaults.ReconnectCost.String(),
			"idle_timeout":    defaults.IdleTimeout.String(),
			"max_lifetime":    defaults.MaxLifetime.String(),
			"acquire_timeout": defaults.AcquireTimeout.String(),
		},
		"branch_count": len(branches),
	})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeGelError maps a gelerr.Kind to the nearest HTTP status so
// EdgeQL-over-HTTP clients get a meaningful code instead of a blanket 500.
func writeGelError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch gelerr.KindOf(err) {
	case gelerr.KindQueryError, gelerr.KindProtocolError:
		status = http.StatusBadRequest
	case gelerr.KindCapabilityError, gelerr.KindAuthenticationError:
		status = http.StatusForbidden
	case gelerr.KindAvailabilityError, gelerr.KindPoolError:
		status = http.StatusServiceUnavailable
	case gelerr.KindBackendError:
		status = http.StatusBadGateway
	}
	writeError(w, status, err.Error())
}
