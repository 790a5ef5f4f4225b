// Package api serves the local management interface: device and
// traffic queries, rule toggles, alert workflow, a live event stream,
// and Prometheus metrics.
package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"grimm.is/warden/internal/alert"
	"grimm.is/warden/internal/arp"
	"grimm.is/warden/internal/clock"
	"grimm.is/warden/internal/device"
	"grimm.is/warden/internal/events"
	"grimm.is/warden/internal/logging"
	"grimm.is/warden/internal/pki"
	"grimm.is/warden/internal/policy"
	"grimm.is/warden/internal/proxy"
	"grimm.is/warden/internal/scheduler"
	"grimm.is/warden/internal/store"
)

// Config for the API server.
type Config struct {
	ListenAddr   string
	PasswordHash string // bcrypt; empty disables auth
}

// Deps are the components the API exposes.
type Deps struct {
	Registry  *device.Registry
	Policy    *policy.Engine
	Alerts    *alert.Engine
	DB        *store.DB
	Hub       *events.Hub
	Announcer *arp.Announcer
	Proxy     *proxy.Proxy
	CA        *pki.CA
	Scheduler *scheduler.Scheduler
}

// Server is the management HTTP server.
type Server struct {
	cfg    Config
	deps   Deps
	logger *logging.Logger
	mux    *http.ServeMux
	srv    *http.Server
	start  time.Time
}

// NewServer creates the API server.
func NewServer(cfg Config, deps Deps, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger.WithComponent("api"),
		start:  clock.Now(),
	}
	s.initRoutes()
	return s
}

func (s *Server) initRoutes() {
	mux := http.NewServeMux()
	s.mux = mux

	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/ca.pem", s.handleCACert)

	mux.HandleFunc("GET /api/devices", s.handleListDevices)
	mux.HandleFunc("GET /api/devices/{mac}", s.handleGetDevice)
	mux.HandleFunc("POST /api/devices/{mac}/monitor", s.handleSetMonitored)
	mux.HandleFunc("POST /api/devices/{mac}/name", s.handleSetName)
	mux.HandleFunc("POST /api/devices/{mac}/class", s.handleSetClass)
	mux.HandleFunc("POST /api/devices/{mac}/cert-trusted", s.handleSetCertTrusted)

	mux.HandleFunc("GET /api/transactions", s.handleListTransactions)
	mux.HandleFunc("GET /api/transactions/{id}", s.handleGetTransaction)
	mux.HandleFunc("GET /api/dns", s.handleListDNS)
	mux.HandleFunc("GET /api/search", s.handleSearch)

	mux.HandleFunc("GET /api/alerts", s.handleListAlerts)
	mux.HandleFunc("POST /api/alerts/{id}/read", s.handleAlertRead)
	mux.HandleFunc("POST /api/alerts/{id}/resolve", s.handleAlertResolve)

	mux.HandleFunc("GET /api/rules", s.handleListRules)
	mux.HandleFunc("POST /api/rules/{id}/enable", s.handleRuleEnable)
	mux.HandleFunc("GET /api/schedules", s.handleListSchedules)
	mux.HandleFunc("POST /api/schedules/{name}/enable", s.handleScheduleEnable)

	mux.HandleFunc("GET /api/jobs", s.handleListJobs)

	mux.HandleFunc("GET /api/events", s.handleEventsWS)
	mux.Handle("GET /metrics", promhttp.Handler())
}

// Start begins serving. Non-blocking.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.withAuth(s.mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server failed", "error", err)
		}
	}()

	s.logger.Info("API listening", "addr", s.cfg.ListenAddr)
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// withAuth enforces basic auth against the configured bcrypt hash.
// The metrics endpoint stays open for scrapers.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.PasswordHash == "" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte("admin")) != 1 ||
			bcrypt.CompareHashAndPassword([]byte(s.cfg.PasswordHash), []byte(pass)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="warden"`)
			WriteError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.DB.Stats()
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to read store stats", err.Error())
		return
	}
	published, dropped := s.deps.Hub.Stats()

	WriteJSON(w, http.StatusOK, map[string]any{
		"uptime":           clock.Since(s.start).Round(time.Second).String(),
		"spoof_state":      s.deps.Announcer.State().String(),
		"spoof_targets":    s.deps.Announcer.Targets(),
		"pinned_hosts":     len(s.deps.Proxy.PinnedHosts()),
		"store":            stats,
		"events_published": published,
		"events_dropped":   dropped,
	})
}

func (s *Server) handleCACert(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", `attachment; filename="warden-ca.pem"`)
	w.Write(s.deps.CA.CertPEM())
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, s.deps.Scheduler.Status())
}
