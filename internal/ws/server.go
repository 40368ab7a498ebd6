package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taskpulse/backend/internal/auth"
	"github.com/taskpulse/backend/internal/room"
	"github.com/taskpulse/backend/internal/session"
)

const adminTokenHeader = "X-Taskpulse-Token"

// ServerOptions configures the HTTP surface.
type ServerOptions struct {
	AllowedOrigins []string
	// AdminToken guards the /api routes. Empty leaves them open.
	AdminToken string
	Transport  TransportConfig
	// Gatherer backs /metrics. Nil disables the route.
	Gatherer prometheus.Gatherer
	Logger   *log.Logger
}

type Server struct {
	hub            *Hub
	transport      TransportConfig
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	adminToken     string
	gatherer       prometheus.Gatherer
	logger         *log.Logger
	upgrader       websocket.Upgrader
}

func NewServer(hub *Hub, opts ServerOptions) *Server {
	s := &Server{
		hub:            hub,
		transport:      opts.Transport.withDefaults(),
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		adminToken:     opts.AdminToken,
		gatherer:       opts.Gatherer,
		logger:         opts.Logger,
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	s.logger = s.logger.With("component", "server")

	for _, origin := range opts.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s
}

// Routes returns the full HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)

	r.Get("/healthz", s.handleHealth)
	r.Get("/ws", s.handleWS)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Get("/status", s.handleStatus)
		r.Get("/online", s.handleOnline)
		r.Get("/online/{identity}", s.handleOnlineIdentity)
		r.Post("/dispatch", s.handleDispatch)
		r.Post("/rooms/{room}/members", s.handleJoinMember)
		r.Delete("/rooms/{room}/members", s.handleLeaveMember)
	})
	return r
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

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.hub.Full() {
		http.Error(w, "too many sessions", http.StatusServiceUnavailable)
		return
	}
	cred := auth.FromRequest(r)

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("ws upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	sess := session.New(uuid.NewString(), r.RemoteAddr,
		session.WithQueueSize(s.transport.SendQueueSize),
		session.WithOverflowPolicy(s.transport.OverflowPolicy),
	)
	if err := s.hub.Accept(sess); err != nil {
		s.logger.Warn("session rejected", "remote", r.RemoteAddr, "err", err)
		_ = wsConn.WriteJSON(Envelope{Type: EventError, Payload: ErrorPayload{Message: err.Error()}, Timestamp: s.hub.now()})
		_ = wsConn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()))
		wsConn.Close()
		return
	}

	c := newConn(wsConn, sess, s.hub, s.transport, s.logger)
	// The request context is cancelled once the handler returns, so the
	// session runs detached from it.
	go c.serve(context.WithoutCancel(r.Context()), cred)
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authorize(r *http.Request) bool {
	if s.adminToken == "" {
		return true
	}
	for _, candidate := range []string{
		r.URL.Query().Get("token"),
		r.Header.Get(adminTokenHeader),
		auth.BearerToken(r.Header.Get("Authorization")),
	} {
		if candidate != "" && subtle.ConstantTimeCompare([]byte(candidate), []byte(s.adminToken)) == 1 {
			return true
		}
	}
	return false
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.Status())
}

func (s *Server) handleOnline(w http.ResponseWriter, _ *http.Request) {
	identities := s.hub.ListOnlineIdentities()
	if identities == nil {
		identities = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"identities": identities})
}

func (s *Server) handleOnlineIdentity(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")
	writeJSON(w, http.StatusOK, map[string]any{
		"identity": identity,
		"online":   s.hub.IsOnline(identity),
	})
}

// DispatchRequest is the body of POST /api/dispatch.
type DispatchRequest struct {
	Mode       string          `json:"mode"`
	Identity   string          `json:"identity,omitempty"`
	Identities []string        `json:"identities,omitempty"`
	Room       string          `json:"room,omitempty"`
	Event      EventType       `json:"event"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req DispatchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !dispatchable[req.Event] {
		http.Error(w, "unsupported event", http.StatusBadRequest)
		return
	}

	var payload any = req.Payload
	if len(req.Payload) == 0 {
		payload = nil
	} else if req.Event == EventNotification {
		var n Notification
		if err := json.Unmarshal(req.Payload, &n); err != nil {
			http.Error(w, "invalid notification payload", http.StatusBadRequest)
			return
		}
		payload = n
	}

	var delivered int
	switch req.Mode {
	case modeIdentity:
		if req.Identity == "" {
			http.Error(w, "identity required", http.StatusBadRequest)
			return
		}
		delivered = s.hub.SendToIdentity(req.Identity, req.Event, payload)
	case modeIdentities:
		delivered = s.hub.SendToIdentities(req.Identities, req.Event, payload)
	case modeRoom:
		if err := room.Validate(req.Room); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		delivered = s.hub.SendToRoom(req.Room, req.Event, payload)
	case modeBroadcast:
		delivered = s.hub.Broadcast(req.Event, payload)
	default:
		http.Error(w, "unknown mode", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"delivered": delivered})
}

type memberRequest struct {
	Identity string `json:"identity"`
}

func (s *Server) handleJoinMember(w http.ResponseWriter, r *http.Request) {
	s.handleMember(w, r, s.hub.JoinIdentity)
}

func (s *Server) handleLeaveMember(w http.ResponseWriter, r *http.Request) {
	s.handleMember(w, r, s.hub.LeaveIdentity)
}

func (s *Server) handleMember(w http.ResponseWriter, r *http.Request, apply func(identity, name string) (int, error)) {
	var req memberRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil || req.Identity == "" {
		http.Error(w, "identity required", http.StatusBadRequest)
		return
	}
	name := chi.URLParam(r, "room")
	n, err := apply(req.Identity, name)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, room.ErrMalformedName) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"room": name, "sessions": n})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
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
	if err != nil || parsed.Host == "" {
		return false
	}
	host := parsed.Hostname()
	return parsed.Host == r.Host || host == "localhost" || host == "127.0.0.1" || host == "::1"
}
