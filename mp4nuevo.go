// Package mp4nuevo assembles the media link protection service: the
// token codec, the legacy recovery decoder, the access gate and the
// stream session store behind one HTTP handler.
package mp4nuevo

import (
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/tiendaenofertas/mp4nuevo/apiserver"
	"github.com/tiendaenofertas/mp4nuevo/internal/accessgate"
	"github.com/tiendaenofertas/mp4nuevo/internal/clock"
	"github.com/tiendaenofertas/mp4nuevo/internal/config"
	"github.com/tiendaenofertas/mp4nuevo/internal/legacy"
	"github.com/tiendaenofertas/mp4nuevo/internal/probe"
	"github.com/tiendaenofertas/mp4nuevo/internal/resolver"
	"github.com/tiendaenofertas/mp4nuevo/internal/streamsession"
	"github.com/tiendaenofertas/mp4nuevo/internal/tokencodec"
)

// Service is the fully wired application.
type Service struct {
	cfg      config.Config
	server   *apiserver.Server
	sessions streamsession.Store
	log      *logrus.Logger
}

// New wires a Service from configuration. The caller owns the logger;
// passing nil gets the logrus standard logger.
func New(cfg config.Config, logger *logrus.Logger) (*Service, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	clk := clock.Real()

	codec, err := tokencodec.New(tokencodec.Config{
		EncryptionKey:    cfg.EncryptionKey(),
		IV:               cfg.IV(),
		HMACKey:          cfg.HMACKey(),
		AEADKey:          cfg.AEADKey(),
		Profile:          cfg.Profile(),
		PermissiveExpiry: cfg.PermissiveExpiry,
		Clock:            clk,
		Logger:           logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating token codec: %w", err)
	}

	decoder := legacy.NewDecoder(cfg.CandidateKeySet(), logger)

	sessions, err := newSessionStore(cfg, clk, logger)
	if err != nil {
		return nil, fmt.Errorf("creating session store: %w", err)
	}

	var checker probe.Checker = probe.NewHTTPChecker(cfg.ProbeTimeout())
	if cfg.DisableProbe {
		checker = probe.AlwaysReachable{}
	}

	server := apiserver.New(apiserver.Config{
		Codec:    codec,
		Resolver: resolver.New(codec, decoder, cfg.TokenLifetime(), logger),
		Sessions: sessions,
		Limiter:  accessgate.NewWindowLimiter(cfg.RateWindow(), clk),
		CSRF:     accessgate.NewCSRFStore(cfg.TokenLifetime(), clk),
		Referer: &accessgate.RefererPolicy{
			AllowedDomains: cfg.AllowedDomains,
			ServerName:     cfg.ServerName,
			Permissive:     cfg.PermissiveReferer,
			Logger:         logger,
		},
		Checker: checker,
		Limits:  cfg.Limits,
		HMACKey: cfg.HMACKey(),
		Clock:   clk,
		Logger:  logger,
	})

	return &Service{
		cfg:      cfg,
		server:   server,
		sessions: sessions,
		log:      logger,
	}, nil
}

func newSessionStore(cfg config.Config, clk clock.Clock, logger *logrus.Logger) (streamsession.Store, error) {
	opts := streamsession.Options{
		TTL:        cfg.SessionTTL(),
		SingleUse:  *cfg.SingleUseSessions,
		BindClient: *cfg.BindSessionClient,
		Clock:      clk,
		Logger:     logger,
	}
	if cfg.SessionStore == "badger" {
		return streamsession.NewBadgerStore(cfg.BadgerPath, opts)
	}
	return streamsession.NewMemoryStore(opts), nil
}

// Handler returns the HTTP surface of the service.
func (s *Service) Handler() http.Handler {
	return s.server
}

// ListenAndServe serves the handler on the configured address, blocking
// until the listener fails.
func (s *Service) ListenAndServe() error {
	s.log.WithField("listen", s.cfg.Listen).Info("serving")
	return http.ListenAndServe(s.cfg.Listen, s.server)
}

// Close releases the session store.
func (s *Service) Close() error {
	return s.sessions.Close()
}
