// Package server exposes the broker's HTTP surface: the WebSocket accept
// path and the health and status probes. Frame semantics live in the
// router; this package only admits sockets and pumps their read loops.
package server

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/threadline-ai/threadline/internal/auth"
	"github.com/threadline-ai/threadline/internal/bridge"
	"github.com/threadline-ai/threadline/internal/config"
	"github.com/threadline-ai/threadline/internal/rategate"
	"github.com/threadline-ai/threadline/internal/registry"
	"github.com/threadline-ai/threadline/internal/router"
	"github.com/threadline-ai/threadline/internal/store"
	"github.com/threadline-ai/threadline/pkg/wire"
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Server serves the broker's listener. It admits WebSocket connections,
// hands every inbound frame to the router, and answers the probes.
type Server struct {
	cfg      config.ServerConfig
	store    store.Store
	registry *registry.Registry
	gate     *auth.Gate
	rates    *rategate.Gate
	bridge   *bridge.Bridge
	router   *router.Router
	logger   *slog.Logger

	mux       *chi.Mux
	upgrader  websocket.Upgrader
	startTime time.Time
}

// New builds the HTTP surface around an already-wired broker core.
func New(cfg config.ServerConfig, st store.Store, reg *registry.Registry, gate *auth.Gate, rates *rategate.Gate, brd *bridge.Bridge, rt *router.Router, logger *slog.Logger) *Server {
	if cfg.ReadLimitBytes == 0 {
		cfg.ReadLimitBytes = 10 * 1024
	}

	s := &Server{
		cfg:       cfg,
		store:     st,
		registry:  reg,
		gate:      gate,
		rates:     rates,
		bridge:    brd,
		router:    rt,
		logger:    logger.With("component", "server"),
		mux:       chi.NewRouter(),
		upgrader:  makeUpgrader(cfg.AllowedOrigins),
		startTime: time.Now(),
	}

	s.mux.Use(chimw.Recoverer)
	s.mux.Use(chimw.RealIP)
	s.mux.Use(securityHeadersMiddleware)
	s.mux.Use(makeCORSMiddleware(cfg.AllowedOrigins))

	s.mux.Get("/ws", s.handleWS)
	s.mux.Get("/healthz", s.handleHealthz)
	s.mux.Get("/readyz", s.handleReadyz)
	s.mux.Get("/statusz", s.handleStatusz)

	return s
}

// Handler returns the handler for the broker's http.Server.
func (s *Server) Handler() http.Handler { return s.mux }

// handleWS admits one WebSocket connection and runs its read loop until
// the socket drops. Admission is refused before the upgrade so a rejected
// client gets a plain HTTP status instead of a half-open socket.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r)

	if s.gate.IsBlocked(ip) {
		writeError(w, http.StatusForbidden, "address temporarily blocked")
		return
	}
	if dec := s.rates.Check(rategate.KindConnect, rategate.Identity{IP: ip}); !dec.Allowed {
		if dec.RetryAfterSec > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfterSec))
		}
		writeError(w, http.StatusTooManyRequests, dec.Reason)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade wrote its own HTTP error.
		s.logger.Warn("websocket upgrade failed", "ip", ip, "error", err)
		return
	}
	ws.SetReadLimit(s.cfg.ReadLimitBytes)

	conn := registry.NewConn(ws, ip)
	s.registry.Register(conn)
	defer func() {
		conn.Close(websocket.CloseNormalClosure, "")
		s.registry.Unregister(conn.ID)
	}()

	welcome := wire.Welcome{
		Type:         wire.TypeWelcome,
		ConnectionID: conn.ID,
		ServerTime:   time.Now().UTC(),
	}
	if err := conn.Send(welcome); err != nil {
		s.logger.Debug("welcome not delivered", "conn_id", conn.ID, "error", err)
		return
	}

	s.logger.Info("connection accepted", "conn_id", conn.ID, "ip", ip)
	s.readLoop(ws, conn)
	s.logger.Info("connection closed", "conn_id", conn.ID, "ip", ip)
}

// readLoop pumps frames from the socket into the router. Once the bridge
// adopts the connection as the worker link, the client frame cap no longer
// applies and the read limit is raised.
func (s *Server) readLoop(ws *websocket.Conn, conn *registry.Conn) {
	upstreamLimit := false
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			s.logger.Debug("read loop ended", "conn_id", conn.ID, "error", err)
			return
		}
		s.dispatch(conn, raw)

		if !upstreamLimit && s.bridge.IsUpstream(conn.ID) {
			ws.SetReadLimit(bridge.UpstreamReadLimit)
			upstreamLimit = true
		}
	}
}

// dispatch routes one frame. A handler panic is confined to the offending
// connection: it gets a generic error frame and the process keeps serving.
func (s *Server) dispatch(conn *registry.Conn, raw []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("frame handler panic", "conn_id", conn.ID, "panic", rec)
			_ = conn.Send(wire.NewError(wire.ErrInternal, "internal error"))
		}
	}()
	s.router.Route(conn, raw)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statuszPayload is the status probe's response body.
type statuszPayload struct {
	Bridge      bridge.Snapshot `json:"bridge"`
	Connections int             `json:"connections"`
	Uptime      string          `json:"uptime"`
}

func (s *Server) handleStatusz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statuszPayload{
		Bridge:      s.bridge.Status(),
		Connections: s.registry.Len(),
		Uptime:      time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

// remoteIP extracts the peer address. The RealIP middleware has already
// folded any proxy headers into RemoteAddr; a bare IP means it fired.
func remoteIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
