package ws

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stratum-relay/relay/internal/config"
	"github.com/stratum-relay/relay/internal/jsonx"
	"github.com/stratum-relay/relay/internal/relay"
	"github.com/stratum-relay/relay/internal/session"
	"github.com/stratum-relay/relay/internal/status"
	"github.com/stratum-relay/relay/internal/upstream"
)

const snapshotTimeout = 2 * time.Second

type Server struct {
	config         *config.Config
	store          *session.Store
	factory        upstream.Factory
	hub            *Hub
	status         *status.Collector
	privacy        *session.PrivacyFilter
	log            *slog.Logger
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	authToken      string
	jwtSecret      []byte
}

func NewServer(cfg *config.Config, store *session.Store, factory upstream.Factory, collector *status.Collector, log *slog.Logger) *Server {
	s := &Server{
		config:         cfg,
		store:          store,
		factory:        factory,
		hub:            NewHub(cfg.Server.MaxConnections, cfg.Relay.SendBuffer, log),
		status:         collector,
		privacy:        session.NewPrivacyFilter(cfg.Privacy),
		log:            log,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		authToken:      cfg.Server.AuthToken,
	}
	if cfg.Server.JWTSecret != "" {
		s.jwtSecret = []byte(cfg.Server.JWTSecret)
	}

	for _, origin := range cfg.Server.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/healthz", s.handleHealth)
}

// Handler returns the routes wrapped with the standard security headers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return securityHeaders(mux)
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade error", "remote", r.RemoteAddr, "error", err)
		return
	}

	c, err := s.hub.Add(conn)
	if err != nil {
		s.log.Warn("rejecting websocket client", "remote", r.RemoteAddr, "error", err)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	sess := session.New(uuid.NewString(), r.RemoteAddr, s.config, s.factory, c, s.log)
	s.store.Add(sess)
	s.log.Info("websocket client connected", "remote", r.RemoteAddr, "session", sess.ID)

	go s.readPump(c, sess)
}

// readPump feeds inbound frames to the session until the connection drops,
// then ends the session.
func (s *Server) readPump(c *client, sess *session.Session) {
	defer func() {
		sess.End()
		s.store.Remove(sess)
		s.hub.Remove(c)
		close(c.finished)
		s.log.Info("websocket client disconnected", "remote", sess.RemoteAddr, "session", sess.ID)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("ws read error", "session", sess.ID, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if kind != websocket.TextMessage {
			continue
		}
		cmd, err := decodeCommand(data)
		if err != nil {
			c.Send(relay.Message{Type: relay.MsgError, Payload: err.Error()})
			continue
		}
		if !sess.Dispatch(cmd) {
			return
		}
	}
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), snapshotTimeout)
	defer cancel()
	s.writeJSON(w, s.privacy.FilterSlice(s.store.Snapshots(ctx)))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), snapshotTimeout)
	defer cancel()
	workers := 0
	for _, st := range s.store.Snapshots(ctx) {
		workers += st.WorkerCount()
	}
	feeSlots := make([]string, 0, len(s.config.FeeSlots))
	for _, fs := range s.config.FeeSlots {
		feeSlots = append(feeSlots, fs.ID)
	}
	s.writeJSON(w, s.status.Report(ctx, s.store.Count(), workers, feeSlots))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok\n"))
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	data, err := jsonx.Marshal(v)
	if err != nil {
		s.log.Error("encode response", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// authorize accepts the static token or, when a JWT secret is configured, an
// HS256 token signed with it. With neither configured every request passes.
func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" && s.jwtSecret == nil {
		return true
	}

	candidates := []string{r.URL.Query().Get("token"), r.Header.Get(tokenHeader)}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		candidates = append(candidates, strings.TrimPrefix(auth, "Bearer "))
	}

	for _, tok := range candidates {
		if tok == "" {
			continue
		}
		if s.authToken != "" && tok == s.authToken {
			return true
		}
		if s.jwtSecret != nil && s.validJWT(tok) {
			return true
		}
	}
	return false
}

func (s *Server) validJWT(raw string) bool {
	tok, err := jwt.Parse(raw, func(*jwt.Token) (any, error) {
		return s.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		s.log.Debug("rejecting token", "error", err)
		return false
	}
	return tok.Valid
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}

	return false
}

// Shutdown closes every browser connection, waiting until ctx is done for
// their sessions to release upstream connections.
func (s *Server) Shutdown(ctx context.Context) {
	s.hub.CloseAll(ctx)
}

func NewHTTPServer(host string, port int, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
