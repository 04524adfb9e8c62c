package api

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/zde37/ringkv/internal/ring"
	"github.com/zde37/ringkv/pkg"
)

// ServiceName is the health service name reported alongside the overall status.
const ServiceName = "ringkv.Node"

const defaultHealthInterval = 500 * time.Millisecond

// StateSource exposes the membership state of a node.
type StateSource interface {
	State() ring.State
}

// AdminServer serves the gRPC health and reflection services of a node.
// The node reports SERVING only while it is ACTIVE on the ring.
type AdminServer struct {
	node     StateSource
	health   *health.Server
	server   *grpc.Server
	logger   *pkg.Logger
	token    string
	interval time.Duration

	address  string
	listener net.Listener

	mu      sync.Mutex
	serving healthpb.HealthCheckResponse_ServingStatus

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAdminServer creates an admin gRPC server for the node.
func NewAdminServer(node StateSource, address, token string, logger *pkg.Logger) (*AdminServer, error) {
	if node == nil {
		return nil, fmt.Errorf("node cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	return &AdminServer{
		node:     node,
		health:   health.NewServer(),
		address:  address,
		token:    token,
		interval: defaultHealthInterval,
		serving:  healthpb.HealthCheckResponse_SERVICE_UNKNOWN,
		logger:   logger.WithFields(pkg.Fields{"component": "admin_grpc"}),
	}, nil
}

// Start starts the gRPC server.
func (s *AdminServer) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(1024 * 1024),
		grpc.UnaryInterceptor(AuthInterceptor(s.token)),
	}

	s.server = grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(s.server, s.health)
	reflection.Register(s.server)

	s.refresh()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.watch(ctx)
	}()

	s.logger.Info().
		Str("address", listener.Addr().String()).
		Msg("Starting admin gRPC server")

	go func() {
		if err := s.server.Serve(listener); err != nil {
			s.logger.Error().Err(err).Msg("Admin gRPC server error")
		}
	}()

	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *AdminServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully stops the gRPC server.
func (s *AdminServer) Stop() error {
	s.logger.Info().Msg("Stopping admin gRPC server")

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	s.health.Shutdown()
	if s.server != nil {
		s.server.GracefulStop()
	}
	return nil
}

func (s *AdminServer) watch(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refresh()
		}
	}
}

// refresh mirrors the node state into the health service.
func (s *AdminServer) refresh() {
	state := s.node.State()
	next := healthpb.HealthCheckResponse_NOT_SERVING
	if state == ring.Active {
		next = healthpb.HealthCheckResponse_SERVING
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if next == s.serving {
		return
	}
	s.serving = next

	s.health.SetServingStatus("", next)
	s.health.SetServingStatus(ServiceName, next)
	s.logger.Info().
		Str("state", state.String()).
		Str("health", next.String()).
		Msg("Health status changed")
}
