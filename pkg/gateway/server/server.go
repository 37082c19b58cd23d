package server

import (
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alignify/alignify/pkg/calibration"
	"github.com/alignify/alignify/pkg/gateway/config"
	"github.com/alignify/alignify/pkg/gateway/handlers"
	"github.com/alignify/alignify/pkg/gateway/live/sessions"
	"github.com/alignify/alignify/pkg/gateway/metrics"
	"github.com/alignify/alignify/pkg/gateway/mw"
	"github.com/alignify/alignify/pkg/gateway/ratelimit"
	"github.com/alignify/alignify/pkg/routine"
	"github.com/alignify/alignify/pkg/speech"
)

// Dependencies are the collaborators a Server routes to. Nil fields get
// process-local defaults.
type Dependencies struct {
	Routines   *routine.Catalog
	Repository calibration.Repository
	Speech     speech.Synthesizer
	Metrics    *metrics.Metrics
	Sessions   *sessions.Tracker
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	httpClient *http.Client
	limiter    *ratelimit.Limiter
	deps       Dependencies
}

func New(cfg config.Config, logger *slog.Logger, deps Dependencies) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: 10 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ResponseHeaderTimeout: 15 * time.Second,
		},
	}

	if deps.Routines == nil {
		// An empty path never fails.
		deps.Routines, _ = routine.NewCatalog("")
	}
	if deps.Repository == nil {
		deps.Repository = calibration.NewMemoryRepository()
	}
	if deps.Speech == nil && cfg.SpeechEnabled() {
		deps.Speech = speech.NewElevenLabsWithClient(cfg.ElevenLabsAPIKey, cfg.ElevenLabsVoiceID, cfg.ElevenLabsBaseURL, httpClient)
	}
	if deps.Sessions == nil {
		deps.Sessions = sessions.NewTracker()
	}

	s := &Server{
		cfg:        cfg,
		logger:     logger,
		mux:        http.NewServeMux(),
		httpClient: httpClient,
		limiter: ratelimit.New(ratelimit.Config{
			RPS:                     cfg.LimitRPS,
			Burst:                   cfg.LimitBurst,
			MaxConcurrentRequests:   cfg.LimitMaxConcurrentRequests,
			MaxSessions:             cfg.LiveMaxSessions,
			MaxSessionsPerPrincipal: cfg.LiveMaxSessionsPerPrincipal,
		}),
		deps: deps,
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/", handlers.NotFoundHandler{})
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Config:     s.cfg,
		Sessions:   s.deps.Sessions,
		Repository: s.deps.Repository,
	})
	s.mux.Handle("/metrics", s.deps.Metrics.Handler())

	s.mux.Handle("/v1/live", handlers.LiveHandler{
		Config:       s.cfg,
		Logger:       s.logger,
		Limiter:      s.limiter,
		LiveSessions: s.deps.Sessions,
		Metrics:      s.deps.Metrics,
		Routines:     s.deps.Routines,
		Repository:   s.deps.Repository,
		Speech:       s.deps.Speech,
	})

	calibrationHandler := handlers.CalibrationHandler{
		Config:     s.cfg,
		Repository: s.deps.Repository,
		Logger:     s.logger,
		Metrics:    s.deps.Metrics,
	}
	s.mux.Handle("/v1/calibration", calibrationHandler)
	s.mux.Handle("/v1/calibration/{profile}", calibrationHandler)
	s.mux.Handle("/v1/calibration/{profile}/{pose}", calibrationHandler)

	routinesHandler := handlers.RoutinesHandler{Routines: s.deps.Routines}
	s.mux.Handle("/v1/routines", routinesHandler)
	s.mux.Handle("/v1/routines/{name}", routinesHandler)

	s.mux.Handle("/v1/sessions", handlers.SessionsHandler{LiveSessions: s.deps.Sessions})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.RateLimit(s.cfg, s.limiter, h)
	h = mw.Auth(s.cfg, h)
	h = mw.APIVersion(h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// Sessions tracks the live sessions this server accepted. Draining it
// fails readiness and refuses new upgrades.
func (s *Server) Sessions() *sessions.Tracker { return s.deps.Sessions }
