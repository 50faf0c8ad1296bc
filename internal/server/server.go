// Package server exposes the WebSocket endpoint and the small HTTP
// surface around it: health, static UI assets, and the localhost guard.
package server

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/carouselsh/carousel/internal/config"
	"github.com/carouselsh/carousel/internal/protocol"
	"github.com/carouselsh/carousel/internal/session"
	"github.com/carouselsh/carousel/internal/store"
)

const (
	rateLimit       = 200
	rateLimitWindow = time.Second

	// Built frontend assets; requests fall back to index.html so client-side
	// routing works.
	staticDir = "web/dist"
)

// Server carries the connection table and everything the WebSocket
// endpoint needs.
type Server struct {
	cfg     *config.Config
	mgr     *session.Manager
	log     *slog.Logger
	limiter *rateLimiter

	connMu sync.Mutex
	conns  map[string]*client
}

func New(cfg *config.Config, mgr *session.Manager, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		mgr:     mgr,
		log:     log,
		limiter: newRateLimiter(rateLimit, rateLimitWindow),
		conns:   make(map[string]*client),
	}
}

// Handler builds the full route table with the localhost guard in front.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleStatic)
	return s.requireLocalhost(mux)
}

// requireLocalhost rejects peers that are not loopback unless the
// override is configured. Applies to every route, WebSocket included.
func (s *Server) requireLocalhost(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.AllowNonLocalhost && !isLoopbackAddr(r.RemoteAddr) {
			s.log.Warn("rejected non-localhost peer", "remoteAddr", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isLoopbackAddr(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"healthy"}`))
}

// handleStatic serves the built frontend. Unknown paths get index.html
// (single-page app routing); a missing build directory yields 404s.
func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	path := filepath.Join(staticDir, filepath.Clean("/"+r.URL.Path))
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		http.ServeFile(w, r, path)
		return
	}
	index := filepath.Join(staticDir, "index.html")
	if _, err := os.Stat(index); err != nil {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, index)
}

// handleWS runs one connection end to end: accept, hello, receive loop,
// cleanup.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	// Origin checks add nothing once the peer is constrained to loopback.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Error("websocket accept failed", "remoteAddr", r.RemoteAddr, "err", err)
		return
	}
	conn.SetReadLimit(s.cfg.WSMaxMessageBytes)

	ctx := r.Context()
	clientID := uuid.NewString()
	c := newClient(clientID, newWSWriter(ctx, conn), s.log)

	s.connMu.Lock()
	s.conns[clientID] = c
	s.connMu.Unlock()

	s.mgr.SetOutputCallback(clientID, c.handleOutput)
	s.mgr.SetExitCallback(clientID, c.handleExit)
	s.log.Info("client connected", "clientId", clientID, "remoteAddr", r.RemoteAddr,
		"openConnections", s.ConnectionCount())

	defer func() {
		s.mgr.RemoveClient(clientID)
		s.limiter.Forget(clientID)
		s.connMu.Lock()
		delete(s.conns, clientID)
		s.connMu.Unlock()
		c.w.CloseWithStatus(websocket.StatusNormalClosure, "")
		s.log.Info("client disconnected", "clientId", clientID, "openConnections", s.ConnectionCount())
	}()

	c.send(protocol.NewServerHello(store.NowStamp()))

	d := newDispatcher(s.mgr, s.log)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			var closeErr websocket.CloseError
			if !errors.As(err, &closeErr) {
				s.log.Debug("websocket read ended", "clientId", clientID, "err", err)
			}
			return
		}

		if !s.limiter.Allow(clientID) {
			c.sendError(protocol.Errf(protocol.CodeRateLimitExceeded,
				"Rate limit exceeded. Maximum %d messages per second.", rateLimit))
			c.w.CloseWithStatus(websocket.StatusInternalError, "rate limit exceeded")
			return
		}

		msg, perr := protocol.ParseClientMessage(data)
		if perr != nil {
			c.sendError(perr)
			if perr.Code == protocol.CodeUnknownMessageType {
				c.w.CloseWithStatus(websocket.StatusPolicyViolation, "unknown message type")
				return
			}
			continue
		}

		d.dispatch(c, msg)
	}
}

// ConnectionCount reports the number of live WebSocket clients.
func (s *Server) ConnectionCount() int {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return len(s.conns)
}
