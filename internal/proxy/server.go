package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/acme/autocert"

	"github.com/mudlink/mudlink/internal/config"
	"github.com/mudlink/mudlink/internal/logging"
	"github.com/mudlink/mudlink/internal/session"
)

// Server accepts WebSocket clients on /ws and answers /healthz. TLS is
// optional: with TLSDomain set the listener terminates wss:// via autocert,
// otherwise a fronting proxy is assumed.
type Server struct {
	cfg        *config.Config
	dispatcher *Dispatcher
	manager    *session.Manager
	upgrader   websocket.Upgrader
	httpServer *http.Server
	startedAt  time.Time
}

// NewServer builds the HTTP stack around the dispatcher.
func NewServer(cfg *config.Config, dispatcher *Dispatcher, manager *session.Manager) *Server {
	s := &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		manager:    manager,
		startedAt:  time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if !cfg.OriginAllowed(origin) {
				log.Printf("WARN: Rejected connection from origin %q", origin)
				return false
			}
			return true
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.WSPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks until the context is cancelled or the listener
// fails. Cancellation shuts down gracefully with a 5 s grace window.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)

	if s.cfg.TLSDomain != "" {
		certManager := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(s.cfg.TLSDomain),
			Cache:      autocert.DirCache("certs"),
		}
		s.httpServer.TLSConfig = certManager.TLSConfig()
		go func() {
			log.Printf("INFO: Listening on wss://%s%s", s.cfg.TLSDomain, s.httpServer.Addr)
			errCh <- s.httpServer.ListenAndServeTLS("", "")
		}()
	} else {
		go func() {
			log.Printf("INFO: Listening on ws://%s", s.httpServer.Addr)
			errCh <- s.httpServer.ListenAndServe()
		}()
	}

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("proxy: listener failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("WARN: Shutdown did not complete cleanly: %v", err)
		}
		return nil
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Debug("proxy: upgrade failed: %v", err)
		return
	}

	ip := s.clientIP(r)
	logging.Debug("proxy: client connected from %s", ip)

	client := NewClient(conn, ip)
	go client.writePump()
	client.readPump(s.dispatcher)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"sessions": s.manager.Count(),
		"uptime":   time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// clientIP resolves the admission-control IP. Proxy headers are only
// honored when TRUST_PROXY is on; otherwise anyone could spoof their way
// around the per-IP cap.
func (s *Server) clientIP(r *http.Request) string {
	if s.cfg.TrustProxy {
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			if first := strings.TrimSpace(strings.Split(fwd, ",")[0]); first != "" {
				return first
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
