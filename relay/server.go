// Package relay serves the websocket endpoint: it accepts signed events,
// fans them out to live subscriptions, replays stored events for filter
// queries and answers set-reconciliation sessions, all backed by the sqlite
// event store.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tidemark-net/tidemark/policy"
	"github.com/tidemark-net/tidemark/sql"
)

// Server is the relay: one websocket endpoint plus the plain HTTP surfaces
// (information document, metrics) on the same listener.
type Server struct {
	logger   *zap.Logger
	cfg      Config
	db       *sql.Database
	registry *Registry
	policy   policy.Check
	limiter  *policy.RateLimit
	info     InfoDocument
	upgrader websocket.Upgrader

	http *http.Server
	addr net.Addr
	eg   errgroup.Group
}

// ServerOpt configures a Server.
type ServerOpt func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *zap.Logger) ServerOpt {
	return func(s *Server) { s.logger = logger }
}

// WithPolicy sets the ingestion policy pipeline. Without it every
// well-formed event is accepted, including ones with bad signatures.
func WithPolicy(check policy.Check) ServerOpt {
	return func(s *Server) { s.policy = check }
}

// WithRateLimit hands the server the rate limiter used inside the policy
// pipeline so per-connection buckets are released on disconnect.
func WithRateLimit(rl *policy.RateLimit) ServerOpt {
	return func(s *Server) { s.limiter = rl }
}

// WithVersion sets the version advertised in the information document.
func WithVersion(version string) ServerOpt {
	return func(s *Server) { s.info.Version = version }
}

// NewServer creates a relay server over an open event store.
func NewServer(cfg Config, db *sql.Database, opts ...ServerOpt) *Server {
	s := &Server{
		logger: zap.NewNop(),
		cfg:    cfg,
		db:     db,
		policy: policy.All(),
		info:   buildInfoDocument(cfg, ""),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// origin checks make no sense for a public relay endpoint
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registry = NewRegistry(s.logger, cfg.MaxSubscriptions)
	return s
}

// Registry exposes the subscription registry, mainly to tests.
func (s *Server) Registry() *Registry { return s.registry }

// Start binds the listen address and serves until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Listen, err)
	}
	s.addr = listener.Addr()
	s.logger.Info("relay listening", zap.String("address", s.addr.String()))

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.Handle("/metrics", promhttp.Handler())
	s.http = &http.Server{Handler: cors.AllowAll().Handler(mux)}

	s.eg.Go(func() error {
		if err := s.http.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	s.eg.Go(func() error {
		<-ctx.Done()
		return s.http.Shutdown(context.Background())
	})
	return nil
}

// Addr returns the bound listen address. Valid after Start.
func (s *Server) Addr() net.Addr { return s.addr }

// Wait blocks until the server has shut down.
func (s *Server) Wait() error {
	return s.eg.Wait()
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.serveWebsocket(w, r)
		return
	}
	// clients commonly send the media type inside a list or with parameters
	if strings.Contains(r.Header.Get("Accept"), "application/nostr+json") {
		w.Header().Set("Content-Type", "application/nostr+json")
		if err := json.NewEncoder(w).Encode(s.info); err != nil {
			s.logger.Warn("failed to write info document", zap.Error(err))
		}
		return
	}
	fmt.Fprintln(w, "This is a websocket relay endpoint; connect with a protocol-aware client.")
}

func (s *Server) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	c := newConnection(ws, &s.cfg, s.logger)
	c.logger.Info("connection opened", zap.String("remote", r.RemoteAddr))
	connectionsGauge.WithLabelValues().Inc()
	s.registry.AddConnection(c.id, c)

	go c.writeLoop()
	s.readLoop(c)

	s.registry.RemoveConnection(c.id)
	if s.limiter != nil {
		s.limiter.Forget(c.id)
	}
	for subID := range c.neg {
		s.closeNegSession(c, subID)
	}
	connectionsGauge.WithLabelValues().Dec()
	c.logger.Info("connection closed")
}

// readLoop handles inbound frames sequentially until the connection dies.
func (s *Server) readLoop(c *connection) {
	defer c.Drop("")
	c.ws.SetReadLimit(s.cfg.MaxMessageSize)
	resetDeadline := func() {
		c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	}
	resetDeadline()
	c.ws.SetPongHandler(func(string) error {
		resetDeadline()
		return nil
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("read failed", zap.Error(err))
			}
			return
		}
		resetDeadline()
		s.handleMessage(c, data)
	}
}
