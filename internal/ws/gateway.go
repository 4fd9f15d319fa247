package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/collab-sync/internal/types"
)

// GatewayConfig controls the runtime behaviour of the WebSocket gateway.
type GatewayConfig struct {
	HeartbeatInterval  time.Duration
	HeartbeatTolerance int
	SendBuffer         int
	WriteTimeout       time.Duration
}

// Gateway upgrades HTTP requests into WebSocket sessions and hands them to
// the Multiplexer.
type Gateway struct {
	mux      *Multiplexer
	upgrader websocket.Upgrader
	logger   zerolog.Logger
	cfg      GatewayConfig
}

// NewGateway creates a Gateway with sane defaults.
func NewGateway(m *Multiplexer, logger zerolog.Logger, cfg GatewayConfig) (*Gateway, error) {
	if m == nil {
		return nil, errors.New("multiplexer is required")
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HeartbeatTolerance == 0 {
		cfg.HeartbeatTolerance = 2
	}
	if cfg.SendBuffer == 0 {
		cfg.SendBuffer = 256
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Gateway{
		mux: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Sessions are not authenticated; any origin may connect.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
		cfg:    cfg,
	}, nil
}

// DocumentFromRequest reads the document identifier from the {document}
// route variable or the document_id query parameter.
func DocumentFromRequest(r *http.Request) (types.DocumentID, error) {
	raw := mux.Vars(r)["document"]
	if raw == "" {
		raw = r.URL.Query().Get("document_id")
	}
	return types.ParseDocumentID(raw)
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "upgrade headers required", http.StatusBadRequest)
		return
	}
	documentID, err := DocumentFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	start := time.Now()
	session, err := g.mux.Attach(r.Context(), documentID)
	if err != nil {
		gatewayUpgradeLatency.WithLabelValues("error").Observe(time.Since(start).Seconds())
		g.logger.Error().Err(err).Str("document", documentID.String()).Msg("document unavailable")
		http.Error(w, "document unavailable", http.StatusInternalServerError)
		return
	}

	wsConn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		g.mux.Detach(session)
		gatewayUpgradeLatency.WithLabelValues("error").Observe(time.Since(start).Seconds())
		g.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	gatewayUpgradeLatency.WithLabelValues("ok").Observe(time.Since(start).Seconds())

	childLogger := g.logger.With().Str("document", documentID.String()).Str("session", string(session.ID)).Logger()
	connection := newConnection(wsConn, session.ID, documentID, childLogger, connectionOptions{
		heartbeatInterval:  g.cfg.HeartbeatInterval,
		heartbeatTolerance: g.cfg.HeartbeatTolerance,
		sendBufferSize:     g.cfg.SendBuffer,
		writeTimeout:       g.cfg.WriteTimeout,
	}, func() {
		g.mux.Detach(session)
		childLogger.Info().Msg("websocket connection closed")
	})
	g.mux.Bind(session, connection)
	childLogger.Info().Msg("websocket connection established")

	go connection.Run(func(ctx context.Context, payload []byte) error {
		return g.mux.HandleFrame(ctx, session, payload)
	})
}

// Shutdown closes every live session.
func (g *Gateway) Shutdown() {
	g.mux.CloseAll()
}
