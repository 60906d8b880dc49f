package events

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const (
	defaultHeartbeat  = 30 * time.Second
	defaultMaxSession = 12 * time.Hour
	writeDeadline     = 10 * time.Second
)

// Relay serves the event stream over websocket. Each connection gets its
// own subscription and one writer goroutine; a slow reader only loses its
// own events.
type Relay struct {
	bus        *Bus
	upgrader   websocket.Upgrader
	heartbeat  time.Duration
	maxSession time.Duration
	logger     zerolog.Logger
}

// RelayConfig tunes the relay. Zero values pick the defaults.
type RelayConfig struct {
	Heartbeat  time.Duration
	MaxSession time.Duration
}

// NewRelay creates a websocket relay for the bus.
func NewRelay(bus *Bus, cfg RelayConfig, logger zerolog.Logger) *Relay {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	if cfg.MaxSession <= 0 {
		cfg.MaxSession = defaultMaxSession
	}
	return &Relay{
		bus:        bus,
		heartbeat:  cfg.Heartbeat,
		maxSession: cfg.MaxSession,
		logger:     logger.With().Str("component", "relay").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// ServeHTTP upgrades the connection and streams events until the client
// disconnects, the bus closes, or the session hits its maximum duration.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, _ := gonanoid.New()
	logger := r.logger.With().Str("clientId", clientID).Logger()
	logger.Info().Str("ip", req.RemoteAddr).Msg("Relay client connected")

	events, cancel := r.bus.Subscribe()
	defer cancel()

	// The read pump only notices the client going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer func() {
		conn.Close()
		logger.Info().Msg("Relay client disconnected")
	}()

	heartbeat := time.NewTicker(r.heartbeat)
	defer heartbeat.Stop()
	maxTimer := time.NewTimer(r.maxSession)
	defer maxTimer.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := conn.WriteJSON(ev); err != nil {
				logger.Debug().Err(err).Msg("Failed to write event")
				return
			}
		case <-heartbeat.C:
			deadline := time.Now().Add(writeDeadline)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				logger.Debug().Err(err).Msg("Failed to write ping")
				return
			}
		case <-maxTimer.C:
			logger.Info().Msg("Max session duration reached, closing")
			return
		case <-done:
			return
		}
	}
}
