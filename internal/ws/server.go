// Package ws is the WebSocket boundary of the relay: it authenticates
// connections, binds them to room identities, and dispatches parsed client
// events into the signaling relay.
package ws

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opalchat/call-relay/internal/metrics"
	"github.com/opalchat/call-relay/internal/presence"
	"github.com/opalchat/call-relay/internal/ratelimit"
	"github.com/opalchat/call-relay/internal/relay"
)

type Config struct {
	AuthMode  AuthMode
	APIKey    string
	JWTSecret string

	// AuthTimeout bounds how long an unauthenticated connection may idle
	// before its first auth event.
	AuthTimeout time.Duration

	MaxMessageBytes   int64
	MessagesPerSecond int64
	MessageBurst      int64
}

func (c Config) WithDefaults() Config {
	if c.AuthMode == "" {
		c.AuthMode = AuthModeNone
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 64 * 1024
	}
	if c.MessagesPerSecond <= 0 {
		c.MessagesPerSecond = 50
	}
	if c.MessageBurst <= 0 {
		c.MessageBurst = 100
	}
	return c
}

type Server struct {
	cfg      Config
	log      *slog.Logger
	relay    *relay.Relay
	pres     *presence.Tracker
	metrics  *metrics.Metrics
	verifier Verifier
	clock    ratelimit.Clock
	upgrader websocket.Upgrader
}

func NewServer(cfg Config, log *slog.Logger, m *metrics.Metrics, rel *relay.Relay) (*Server, error) {
	cfg = cfg.WithDefaults()
	verifier, err := NewVerifier(cfg.AuthMode, cfg.APIKey, cfg.JWTSecret)
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:      cfg,
		log:      log,
		relay:    rel,
		pres:     rel.Presence(),
		metrics:  m,
		verifier: verifier,
		clock:    ratelimit.RealClock{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin checking is handled by httpserver middleware.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := newConn(s, ws)

	// Credentials may arrive on the upgrade URL instead of a first auth
	// message.
	if s.verifier != nil {
		if cred, ok := credentialFromQuery(s.cfg.AuthMode, r.URL.Query()); ok {
			identity, err := s.verifier.Verify(cred)
			if err != nil {
				s.metrics.Inc(metrics.AuthFailures)
				conn.closeWith(websocket.ClosePolicyViolation, "invalid credentials")
				_ = ws.Close()
				return
			}
			conn.setAuthenticated(identity)
		}
	}

	go conn.writePump()
	conn.readPump()
}
