package api

import (
	"context"
	"log"
	"net"
	"net/http"
	"strconv"

	"github.com/coder/websocket"
	"golang.org/x/net/netutil"
)

// Server wraps the HTTP server and mux for the NodePulse dashboard.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	maxConns   int
}

// NewServer creates a server wired with all routes. maxClients caps
// concurrent WebSocket sessions; zero means unlimited.
func NewServer(port int, hub *Hub, maxClients int) *Server {
	return NewServerWithAddress("", port, hub, maxClients)
}

// NewServerWithAddress creates a server with an explicit listen address.
func NewServerWithAddress(listenAddress string, port int, hub *Hub, maxClients int) *Server {
	mux := http.NewServeMux()

	mux.Handle("GET /healthz", HandleHealthz())
	mux.Handle("GET /ws", HandleWS(hub, maxClients))
	registerEmbeddedWebUI(mux)

	srv := &http.Server{
		Addr:    net.JoinHostPort(listenAddress, strconv.Itoa(port)),
		Handler: mux,
	}

	maxConns := 0
	if maxClients > 0 {
		// Headroom over the WS cap so health checks and static assets
		// still get through when the dashboard is saturated.
		maxConns = maxClients*2 + 16
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		maxConns:   maxConns,
	}
}

// ListenAndServe starts the HTTP server. It blocks until the server
// stops.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	if s.maxConns > 0 {
		ln = netutil.LimitListener(ln, s.maxConns)
	}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// HandleWS upgrades GET /ws and services the session until the client
// disconnects or the hub shuts down.
func HandleWS(hub *Hub, maxClients int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if maxClients > 0 && hub.ClientCount() >= maxClients {
			http.Error(w, "too many clients", http.StatusServiceUnavailable)
			return
		}
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			// The dashboard is commonly served from a different
			// origin (reverse proxy, LAN hostname).
			OriginPatterns: []string{"*"},
		})
		if err != nil {
			log.Printf("[hub] websocket accept: %v", err)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), sessionTimeout)
		defer cancel()

		c := newClient(hub, conn)
		if !hub.register(c) {
			conn.Close(websocket.StatusGoingAway, "shutting down")
			return
		}
		c.sendWelcome()
		c.readLoop(ctx)
	}
}
