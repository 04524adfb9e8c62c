package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/zde37/ringkv/internal/metrics"
	"github.com/zde37/ringkv/internal/ring"
	"github.com/zde37/ringkv/pkg"
)

// NodeView is the read-only part of a node served over HTTP.
type NodeView interface {
	StateSource
	Status() ring.Snapshot
	Keys() []pkg.Entry
	Metrics() *metrics.Metrics
}

// Server represents the HTTP admin gateway of a node.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	conn       *grpc.ClientConn
	wsHub      *WebSocketHub
	node       NodeView
	logger     *pkg.Logger
	cfg        Config
}

// Config holds the HTTP server configuration.
type Config struct {
	Host       string
	HTTPPort   int
	GRPCAddr   string // Admin gRPC address backing /healthz, empty disables it
	AdminToken string
}

// KeysResponse is the body of GET /api/keys.
type KeysResponse struct {
	NodeID int         `json:"node_id"`
	Count  int         `json:"count"`
	Keys   []pkg.Entry `json:"keys"`
}

// NewServer creates a new HTTP admin gateway for node.
func NewServer(cfg *Config, node NodeView, logger *pkg.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if node == nil {
		return nil, fmt.Errorf("node cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	return &Server{
		node:   node,
		cfg:    *cfg,
		wsHub:  NewWebSocketHub(logger),
		logger: logger.WithFields(pkg.Fields{"component": "http_api"}),
	}, nil
}

// Hub returns the websocket hub, to be installed as the node's broadcaster.
func (s *Server) Hub() *WebSocketHub {
	return s.wsHub
}

// Handler builds the HTTP routes. When a gRPC address is configured it also
// dials the admin server for /healthz.
func (s *Server) Handler() (http.Handler, error) {
	opts := []runtime.ServeMuxOption{
		runtime.WithMarshalerOption(runtime.MIMEWildcard, &runtime.JSONPb{
			MarshalOptions:   protojson.MarshalOptions{EmitUnpopulated: true},
			UnmarshalOptions: protojson.UnmarshalOptions{DiscardUnknown: true},
		}),
	}

	if s.cfg.GRPCAddr != "" && s.conn == nil {
		conn, err := grpc.NewClient(s.cfg.GRPCAddr,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithUnaryInterceptor(TokenInterceptor(s.cfg.AdminToken)),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to dial admin gRPC server: %w", err)
		}
		s.conn = conn
	}
	if s.conn != nil {
		opts = append(opts, runtime.WithHealthzEndpoint(healthpb.NewHealthClient(s.conn)))
	}

	mux := runtime.NewServeMux(opts...)

	routes := []struct {
		path    string
		handler runtime.HandlerFunc
	}{
		{"/api/ring", s.ringHandler},
		{"/api/keys", s.keysHandler},
		{"/api/ws", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			s.wsHub.HandleWebSocket(w, r)
		}},
		{"/metrics", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			s.node.Metrics().Handler().ServeHTTP(w, r)
		}},
		{"/health", s.healthHandler},
	}
	for _, route := range routes {
		if err := mux.HandlePath(http.MethodGet, route.path, route.handler); err != nil {
			return nil, fmt.Errorf("failed to register %s: %w", route.path, err)
		}
	}

	return corsMiddleware(mux), nil
}

// Start binds the HTTP port and serves in the background.
func (s *Server) Start() error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.HTTPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.wsHub.Start()

	s.httpServer = &http.Server{
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().
		Str("address", listener.Addr().String()).
		Str("grpc_addr", s.cfg.GRPCAddr).
		Msg("Starting HTTP API server")

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping HTTP API server")

	s.wsHub.Stop()

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}

	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to close admin gRPC connection")
		}
	}

	s.logger.Info().Msg("HTTP API server stopped")
	return nil
}

func (s *Server) ringHandler(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	writeJSON(w, http.StatusOK, s.node.Status())
}

func (s *Server) keysHandler(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	keys := s.node.Keys()
	writeJSON(w, http.StatusOK, KeysResponse{
		NodeID: s.node.Status().ID,
		Count:  len(keys),
		Keys:   keys,
	})
}

// healthHandler answers 200 while the node is ACTIVE and 503 otherwise.
func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	state := s.node.State()
	code := http.StatusOK
	if state != ring.Active {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"state": state.String()})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		h.ServeHTTP(w, r)
	})
}
