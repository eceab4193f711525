package ws

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/shared-state-engine/internal/types"
)

// Identity is the authenticated peer: which replica it is and which document
// it may attach to.
type Identity struct {
	Site     types.SiteID
	Document types.DocumentID
}

// Authenticator verifies the inbound HTTP request before the upgrade.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// AuthFunc adapts ordinary functions to Authenticator.
type AuthFunc func(r *http.Request) (Identity, error)

// Authenticate implements Authenticator.
func (f AuthFunc) Authenticate(r *http.Request) (Identity, error) {
	return f(r)
}

// GatewayConfig controls runtime behaviour of the gateway.
type GatewayConfig struct {
	PongWait     time.Duration
	PingInterval time.Duration
	WriteTimeout time.Duration
	SendBuffer   int
	MaxFrameSize int64
}

// Gateway upgrades HTTP requests into WebSocket sessions and wires them into
// the registry.
type Gateway struct {
	auth     Authenticator
	registry *Registry
	logger   zerolog.Logger
	hooks    Hooks
	cfg      GatewayConfig
	upgrader websocket.Upgrader
}

// NewGateway creates a Gateway with sane defaults.
func NewGateway(auth Authenticator, registry *Registry, logger zerolog.Logger, hooks Hooks, cfg GatewayConfig) (*Gateway, error) {
	if auth == nil {
		return nil, errors.New("authenticator is required")
	}
	if registry == nil {
		return nil, errors.New("session registry is required")
	}
	if cfg.PongWait == 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = cfg.PongWait * 9 / 10
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.SendBuffer == 0 {
		cfg.SendBuffer = 64
	}
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = 1 << 20
	}

	return &Gateway{
		auth:     auth,
		registry: registry,
		logger:   logger,
		hooks:    hooks,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}, nil
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	identity, err := g.auth.Authenticate(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	docID := types.DocumentID(r.URL.Query().Get("document_id"))
	if identity.Document != "" {
		docID = identity.Document
	}
	if docID == "" {
		http.Error(w, "missing document_id", http.StatusBadRequest)
		return
	}
	if identity.Site == "" {
		http.Error(w, "missing site identity", http.StatusUnauthorized)
		return
	}

	_, span := tracer.Start(r.Context(), "gateway.upgrade")
	span.SetAttributes(
		attribute.String("document.id", string(docID)),
		attribute.String("site.id", string(identity.Site)),
	)

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		span.RecordError(err)
		span.End()
		g.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	span.End()
	upgradeLatency.WithLabelValues(string(docID)).Observe(time.Since(start).Seconds())

	childLogger := g.logger.With().Str("document", string(docID)).Str("site", string(identity.Site)).Logger()
	var session *Session
	session = newSession(conn, docID, identity.Site, childLogger, sessionOptions{
		pongWait:     g.cfg.PongWait,
		pingInterval: g.cfg.PingInterval,
		writeTimeout: g.cfg.WriteTimeout,
		sendBuffer:   g.cfg.SendBuffer,
		maxFrameSize: g.cfg.MaxFrameSize,
	}, func() {
		g.registry.Unregister(docID, session)
	})

	g.registry.Register(docID, session)
	childLogger.Info().Msg("session established")

	go session.Run(g.hooks)
}
