package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/MJE43/prize-wheel/internal/audit"
	"github.com/MJE43/prize-wheel/internal/spin"
)

const defaultRequestTimeout = 60 * time.Second

type Options struct {
	Spins          *spin.Service
	Auditor        *audit.Auditor
	Auth           AuthConfig
	Logger         *zap.Logger
	RequestTimeout time.Duration
	// AuditTimeout bounds an audit run when the request sets none.
	AuditTimeout time.Duration
}

// Server handles HTTP requests.
type Server struct {
	spins        *spin.Service
	auditor      *audit.Auditor
	auth         *Authenticator
	errorHandler *ErrorHandler
	monitor      *HealthMonitor
	logger       *zap.Logger
	timeout      time.Duration
	auditTimeout time.Duration
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("api")
	s := &Server{
		spins:        opts.Spins,
		auditor:      opts.Auditor,
		auth:         NewAuthenticator(opts.Auth),
		errorHandler: NewErrorHandler(logger),
		monitor:      NewHealthMonitor(),
		logger:       logger,
		timeout:      opts.RequestTimeout,
		auditTimeout: opts.AuditTimeout,
	}
	if s.auditor == nil {
		s.auditor = audit.NewAuditor()
	}
	if s.timeout <= 0 {
		s.timeout = defaultRequestTimeout
	}
	if s.auditTimeout <= 0 {
		s.auditTimeout = 30 * time.Second
	}
	logger.Info("api server initialized",
		zap.Int("wheels", s.spins.Catalog().Len()),
		zap.Bool("jwt_auth", opts.Auth.Secret != ""))
	return s
}

// Routes sets up the HTTP routes with middleware.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.errorHandler.RequestLogger)
	r.Use(s.errorHandler.RecoveryHandler)
	r.Use(middleware.Timeout(s.timeout))

	r.Get("/health", s.handleHealthCheck)
	r.Get("/health/ready", s.handleReadiness)
	r.Get("/health/live", s.handleLiveness)
	r.Get("/metrics", s.handleMetrics)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/wheels", s.handleListWheels)
		r.Post("/wheels/{wheelID}/resolve", s.handleResolve)

		r.Group(func(r chi.Router) {
			r.Use(s.auth.Middleware(s.errorHandler))
			r.Get("/wheels/{wheelID}", s.handleWheelInfo)
			r.Post("/wheels/{wheelID}/spin", s.handleSpin)
			r.Get("/wheels/{wheelID}/history", s.handleHistory)
			r.Post("/wheels/{wheelID}/audit", s.handleAudit)
			r.Get("/history", s.handleHistory)
			r.Get("/stats", s.handleStats)
		})
	})
	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Service-Version", Version)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("encode response", zap.Error(err))
	}
}
