package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/consortium/pkg/auth"
	"github.com/platinummonkey/consortium/pkg/httputil"
	"github.com/platinummonkey/consortium/pkg/livesync"
	"github.com/platinummonkey/consortium/pkg/moderation"
	"github.com/platinummonkey/consortium/pkg/observability"
	"github.com/platinummonkey/consortium/pkg/passwordreset"
	"github.com/platinummonkey/consortium/pkg/registration"
)

const (
	defaultMaxUploadBytes = 32 << 20
	defaultMaxJSONBytes   = 1 << 20
)

// Config wires the API server
type Config struct {
	Authenticator  *auth.Authenticator
	Sessions       *auth.Sessions
	Roster         *auth.Roster
	Registrations  *registration.Service
	PasswordResets *passwordreset.Service
	Uploads        *moderation.Service
	Hub            *livesync.Hub
	SyncInterval   time.Duration
	MaxUploadBytes int64
	Metrics        *observability.Metrics
	Logger         logrus.FieldLogger
}

// Server represents our API server
type Server struct {
	router         *mux.Router
	authenticator  *auth.Authenticator
	sessions       *auth.Sessions
	roster         *auth.Roster
	registrations  *registration.Service
	resets         *passwordreset.Service
	uploads        *moderation.Service
	feeds          *feeds
	maxUploadBytes int64
	metrics        *observability.Metrics
	log            logrus.FieldLogger
}

// NewServer creates a new API server
func NewServer(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = logrus.New()
	}
	s := &Server{
		router:         mux.NewRouter(),
		authenticator:  cfg.Authenticator,
		sessions:       cfg.Sessions,
		roster:         cfg.Roster,
		registrations:  cfg.Registrations,
		resets:         cfg.PasswordResets,
		uploads:        cfg.Uploads,
		maxUploadBytes: cfg.MaxUploadBytes,
		metrics:        cfg.Metrics,
		log:            log,
	}
	if s.maxUploadBytes <= 0 {
		s.maxUploadBytes = defaultMaxUploadBytes
	}
	if cfg.Hub != nil {
		s.feeds = newFeeds(cfg.Hub, cfg.SyncInterval, log)
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	s.router.Use(observability.HTTPMetricsMiddleware(s.metrics))

	// Public routes
	public := s.router.PathPrefix("/api").Subrouter()
	public.HandleFunc("/login", s.login).Methods(http.MethodPost)
	public.HandleFunc("/registrations", s.submitRegistration).Methods(http.MethodPost)
	public.HandleFunc("/password-resets", s.submitPasswordReset).Methods(http.MethodPost)
	public.HandleFunc("/password-resets/{id}/verify", s.verifyPasswordReset).Methods(http.MethodPost)

	// Authenticated routes
	private := s.router.PathPrefix("/api").Subrouter()
	private.Use(s.requireSession)
	private.HandleFunc("/logout", s.logout).Methods(http.MethodPost)
	private.HandleFunc("/me", s.me).Methods(http.MethodGet)
	private.HandleFunc("/principals/{username}/permissions", s.setPermissions).Methods(http.MethodPut)

	private.HandleFunc("/registrations", s.listRegistrations).Methods(http.MethodGet)
	private.HandleFunc("/registrations/{id}/approve", s.approveRegistration).Methods(http.MethodPost)
	private.HandleFunc("/registrations/{id}/reject", s.rejectRegistration).Methods(http.MethodPost)

	private.HandleFunc("/password-resets", s.listPasswordResets).Methods(http.MethodGet)
	private.HandleFunc("/password-resets/{id}/approve", s.approvePasswordReset).Methods(http.MethodPost)
	private.HandleFunc("/password-resets/{id}/reject", s.rejectPasswordReset).Methods(http.MethodPost)

	private.HandleFunc("/uploads", s.createUpload).Methods(http.MethodPost)
	private.HandleFunc("/uploads/mine", s.myUploads).Methods(http.MethodGet)
	private.HandleFunc("/uploads/approved", s.approvedUploads).Methods(http.MethodGet)
	private.HandleFunc("/uploads/pending", s.pendingUploads).Methods(http.MethodGet)
	private.HandleFunc("/uploads/{id}/approve", s.approveUpload).Methods(http.MethodPost)
	private.HandleFunc("/uploads/{id}/reject", s.rejectUpload).Methods(http.MethodPost)
	private.HandleFunc("/uploads/{id}", s.deleteUpload).Methods(http.MethodDelete)

	if s.feeds != nil {
		private.HandleFunc("/sync/{feed}", s.syncFeed).Methods(http.MethodGet)
		private.HandleFunc("/sync/{feed}/refresh", s.refreshFeed).Methods(http.MethodPost)
	}
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the router wrapped with request ids, logging, panic
// recovery and tracing
func (s *Server) Handler() http.Handler {
	chain := httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(s.log),
		observability.RecoverMiddleware(s.log),
	)
	return otelhttp.NewHandler(chain(s.router), "portal-api")
}

// Close stops the live-sync feeds
func (s *Server) Close() {
	if s.feeds != nil {
		s.feeds.close()
	}
}

// decode reads a bounded JSON body
func decode(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, defaultMaxJSONBytes)
	return httputil.ParseJSONOrError(w, r, dest)
}
