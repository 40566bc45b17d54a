// Package feed serves displayed positions to map front ends over HTTP and
// WebSocket.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/saviobatista/obu-tracker/internal/types"
)

const (
	DefaultPushInterval = 33 * time.Millisecond
	writeWait           = 2 * time.Second
)

// Source is a readable position store
type Source interface {
	Snapshot() map[string]types.Position
}

// Config wires a Server. Latest and Gatherer are optional.
type Config struct {
	Displayed    Source
	Latest       Source
	Center       types.Position
	CenterDMS    string
	Gatherer     prometheus.Gatherer
	PushInterval time.Duration
}

// Frame is the body of /api/positions, /api/latest and every WebSocket push
type Frame struct {
	Time      time.Time                 `json:"time"`
	Positions map[string]types.Position `json:"positions"`
}

// Center is the body of /api/center
type Center struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	DMS       string  `json:"dms"`
}

// Server pushes the displayed snapshot to every WebSocket client whenever it
// changes
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader

	clientsMu sync.Mutex
	clients   map[*websocket.Conn]bool

	server *http.Server
}

// New creates a new Server
func New(cfg Config) *Server {
	if cfg.PushInterval <= 0 {
		cfg.PushInterval = DefaultPushInterval
	}
	return &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]bool),
	}
}

// Handler returns the HTTP routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/positions", s.handlePositions)
	mux.HandleFunc("/api/latest", s.handleLatest)
	mux.HandleFunc("/api/center", s.handleCenter)
	mux.HandleFunc("/ws", s.handleWS)
	if s.cfg.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Start listens on addr in the background and runs the push loop until ctx
// is canceled
func (s *Server) Start(ctx context.Context, addr string) {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("Feed server failed")
		}
	}()
	go s.Run(ctx)
	log.WithField("addr", addr).Info("Feed server listening")
}

// Shutdown stops the HTTP server and disconnects every WebSocket client
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeClients()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Run pushes the displayed snapshot every PushInterval while it changes
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PushInterval)
	defer ticker.Stop()

	var last map[string]types.Position
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last = s.pushIfChanged(last)
		}
	}
}

// pushIfChanged broadcasts the current snapshot unless it equals last, and
// returns the snapshot now considered sent
func (s *Server) pushIfChanged(last map[string]types.Position) map[string]types.Position {
	if s.ClientCount() == 0 {
		return last
	}
	snap := s.cfg.Displayed.Snapshot()
	if last != nil && maps.Equal(snap, last) {
		return last
	}
	s.broadcast(Frame{Time: time.Now().UTC(), Positions: snap})
	return snap
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		log.WithError(err).Error("Failed to encode frame")
		return
	}

	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for conn := range s.clients {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.WithError(err).WithField("remote", conn.RemoteAddr().String()).Debug("Dropping WebSocket client")
			conn.Close()
			delete(s.clients, conn)
		}
	}
}

// ClientCount returns the number of connected WebSocket clients
func (s *Server) ClientCount() int {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	return len(s.clients)
}

func (s *Server) closeClients() {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for conn := range s.clients {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		delete(s.clients, conn)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	// Send the current state at once so a new client does not wait for the
	// next change
	data, err := json.Marshal(Frame{Time: time.Now().UTC(), Positions: s.cfg.Displayed.Snapshot()})
	if err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		err = conn.WriteMessage(websocket.TextMessage, data)
	}
	if err != nil {
		conn.Close()
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	s.clientsMu.Unlock()
	log.WithField("remote", r.RemoteAddr).Debug("WebSocket client connected")

	go s.readLoop(conn)
}

// readLoop discards client messages and unregisters the client when the
// connection ends
func (s *Server) readLoop(conn *websocket.Conn) {
	defer func() {
		s.clientsMu.Lock()
		if s.clients[conn] {
			delete(s.clients, conn)
			conn.Close()
		}
		s.clientsMu.Unlock()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, Frame{Time: time.Now().UTC(), Positions: s.cfg.Displayed.Snapshot()})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Latest == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, Frame{Time: time.Now().UTC(), Positions: s.cfg.Latest.Snapshot()})
}

func (s *Server) handleCenter(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, Center{
		Latitude:  s.cfg.Center.Latitude,
		Longitude: s.cfg.Center.Longitude,
		DMS:       s.cfg.CenterDMS,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("Failed to write response")
	}
}
