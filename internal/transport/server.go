package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/zde37/ringkv/internal/wire"
	"github.com/zde37/ringkv/pkg"
)

// Handler serves one request on an inbound link and returns the reply.
// Handlers of streaming verbs may Send and Receive on the link before returning
// the final reply.
type Handler interface {
	HandleMessage(ctx context.Context, link *Link, msg wire.Message) wire.Message
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, link *Link, msg wire.Message) wire.Message

// HandleMessage calls f.
func (f HandlerFunc) HandleMessage(ctx context.Context, link *Link, msg wire.Message) wire.Message {
	return f(ctx, link, msg)
}

// ServerConfig holds the I/O parameters of a Server.
type ServerConfig struct {
	Address      string
	Timeout      time.Duration
	MaxFrameSize int
}

// Server accepts peer connections and runs one worker per connection.
type Server struct {
	cfg     ServerConfig
	handler Handler
	logger  *pkg.Logger

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu      sync.Mutex
	links   map[*Link]struct{}
	stopped bool
}

// NewServer creates a new peer server.
func NewServer(cfg ServerConfig, handler Handler, logger *pkg.Logger) (*Server, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		handler: handler,
		logger:  logger.WithFields(pkg.Fields{"component": "peer_server"}),
		ctx:     ctx,
		cancel:  cancel,
		links:   make(map[*Link]struct{}),
	}, nil
}

// Start binds the listener and starts accepting connections.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.Serve()
	return nil
}

// Listen binds the listener without accepting yet.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener
	return nil
}

// Serve starts the accept loop. Listen must have succeeded.
func (s *Server) Serve() {
	s.logger.Info().
		Str("address", s.listener.Addr().String()).
		Msg("Starting peer server")

	s.wg.Add(1)
	go s.acceptLoop()
}

// Addr returns the bound address. Valid after Start.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error().Err(err).Msg("Accept failed")
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		link := NewLink(conn, s.cfg.Timeout, s.cfg.MaxFrameSize)

		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			link.Close()
			return
		}
		s.links[link] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.serve(link)
	}
}

// serve reads requests off one connection until it closes.
func (s *Server) serve(link *Link) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.links, link)
		s.mu.Unlock()
		link.Close()
	}()

	log := s.logger.WithFields(pkg.Fields{"remote": link.RemoteAddr()})
	log.Debug().Msg("Accepted peer connection")

	for {
		msg, err := link.next()
		if err != nil {
			if !isClosedErr(err) {
				log.Warn().Err(err).Msg("Dropping peer connection")
			}
			return
		}

		reply := s.handler.HandleMessage(s.ctx, link, msg)
		if err := link.Send(s.ctx, reply); err != nil {
			if !isClosedErr(err) {
				log.Warn().Err(err).Str("verb", msg.Verb).Msg("Failed to send reply")
			}
			return
		}
	}
}

// Stop closes the listener and every open connection, then waits for workers.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	links := make([]*Link, 0, len(s.links))
	for l := range s.links {
		links = append(links, l)
	}
	s.mu.Unlock()

	s.logger.Info().Msg("Stopping peer server")

	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	for _, l := range links {
		l.Close()
	}

	s.wg.Wait()
	return nil
}
