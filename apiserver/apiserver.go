// Package apiserver wires the access gate, token codec, legacy decoder
// and stream session store into the HTTP surface: token authoring, the
// embed page, and the playback redirector.
package apiserver

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/tiendaenofertas/mp4nuevo/internal/accessgate"
	"github.com/tiendaenofertas/mp4nuevo/internal/clock"
	"github.com/tiendaenofertas/mp4nuevo/internal/config"
	"github.com/tiendaenofertas/mp4nuevo/internal/probe"
	"github.com/tiendaenofertas/mp4nuevo/internal/resolver"
	"github.com/tiendaenofertas/mp4nuevo/internal/streamsession"
	"github.com/tiendaenofertas/mp4nuevo/internal/tokencodec"
)

// Config carries the collaborators a Server orchestrates. Every field is
// injected so tests can substitute fakes.
type Config struct {
	Codec    *tokencodec.Codec
	Resolver *resolver.Resolver
	Sessions streamsession.Store
	Limiter  accessgate.RateLimiter
	CSRF     *accessgate.CSRFStore
	Referer  *accessgate.RefererPolicy
	Checker  probe.Checker
	Limits   config.Limits
	// HMACKey salts the hashed client identity recorded in payloads.
	HMACKey []byte
	Clock   clock.Clock
	Logger  *logrus.Logger
}

// Server is the HTTP handler for the whole service.
type Server struct {
	mux *http.ServeMux
	cfg Config
	log *logrus.Logger
}

// Option mutates a Server during construction.
type Option func(*Server)

// WithLogger overrides the server logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.log = logger
		}
	}
}

// New creates a Server.
func New(cfg Config, opts ...Option) *Server {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Checker == nil {
		cfg.Checker = probe.AlwaysReachable{}
	}

	s := &Server{
		mux: http.NewServeMux(),
		cfg: cfg,
		log: logrus.New(),
	}
	if cfg.Logger != nil {
		s.log = cfg.Logger
	}
	for _, opt := range opts {
		opt(s)
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/csrf", s.handleCSRF)
	s.mux.HandleFunc("POST /api/encode", s.handleEncode)
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /embed", s.handleEmbed)
	s.mux.HandleFunc("GET /stream", s.handleStream)
	s.mux.HandleFunc("GET /redirect", s.handleRedirect)
	s.mux.HandleFunc("OPTIONS /stream", s.handlePreflight)
	s.mux.HandleFunc("OPTIONS /redirect", s.handlePreflight)
}

// ServeHTTP applies the security headers and CORS policy, then
// dispatches. The allow-origin header is echoed only for allow-listed
// origins; everyone else gets "null", never "*", because the redirector
// runs with credentials.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "SAMEORIGIN")
	h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate, private")

	if origin := r.Header.Get("Origin"); origin != "" {
		h.Set("Vary", "Origin")
		if s.originAllowed(origin) {
			h.Set("Access-Control-Allow-Origin", origin)
		} else {
			h.Set("Access-Control-Allow-Origin", "null")
		}
		h.Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Range, Content-Type, Authorization")
		h.Set("Access-Control-Allow-Credentials", "true")
	}

	s.mux.ServeHTTP(w, r)
}

func (s *Server) handlePreflight(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
