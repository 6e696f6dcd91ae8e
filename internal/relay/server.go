package relay

import (
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ava-doorbell/relay/internal/api/middleware"
	"github.com/ava-doorbell/relay/internal/audit"
	"github.com/ava-doorbell/relay/internal/config"
	"github.com/ava-doorbell/relay/internal/metrics"
)

// upgrader configures the WebSocket handshake. Origin checking is left
// permissive since the relay sits behind the same upstream media server as
// the doorbell app and is not exposed directly to browsers.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server holds the HTTP handler dependencies and the chi router for the
// relay's WebSocket ingress, health check, and metrics endpoints.
type Server struct {
	router    *chi.Mux
	cfg       *config.RelayConfig
	registry  *Registry
	metricsC  *metrics.Collector
	auditLog  *audit.Log
	start     time.Time
	wsLimiter *middleware.IPRateLimiter
	promReg   *prometheus.Registry
}

// NewServer creates the relay's HTTP handler with all routes mounted. promReg
// must already have mc registered with it; the /metrics route scrapes
// exactly that registry, not the global default one.
func NewServer(cfg *config.RelayConfig, registry *Registry, mc *metrics.Collector, al *audit.Log, start time.Time, promReg *prometheus.Registry) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		cfg:      cfg,
		registry: registry,
		metricsC: mc,
		auditLog: al,
		start:    start,
		promReg:  promReg,
		// Bounds reconnect-storm attempts per source IP. Generous enough
		// that a normal doorbell app reconnecting after a network blip
		// never trips it.
		wsLimiter: middleware.NewIPRateLimiter(middleware.RateLimitConfig{
			Rate:            2,
			Burst:           5,
			CleanupInterval: 5 * time.Minute,
			MaxAge:          10 * time.Minute,
		}),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleWebSocket)
	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
}

// handleWebSocket upgrades the connection and runs a Session for its
// lifetime, registering it in the active-session registry for the
// duration.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	if !s.wsLimiter.Allow(ip) {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	id := uuid.NewString()
	sess := NewSession(id, r.RemoteAddr, ws, s.cfg, s.metricsC, s.auditLog)

	s.registry.Add(sess)
	defer s.registry.Remove(id)

	s.auditLog.Record(id, "connected", r.RemoteAddr)
	sess.Run()
}

// handleHealthz reports liveness plus the current session count and
// process uptime, for use by the upstream orchestrator's health probes.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.registry.Count(),
		"uptime_seconds":  time.Since(s.start).Seconds(),
	})
}
