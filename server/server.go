// Package server accepts master protocol connections and runs the per
// connection command loop.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ao-apps/aoserv-master/account"
	"github.com/ao-apps/aoserv-master/coordinator"
	"github.com/ao-apps/aoserv-master/db"
	"github.com/ao-apps/aoserv-master/id"
	"github.com/ao-apps/aoserv-master/notify"
	"github.com/ao-apps/aoserv-master/process"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
	"github.com/soheilhy/cmux"
)

// Config holds the listener settings.
type Config struct {
	Address          string
	MaxConnections   int
	ListenKeepalive  time.Duration
	HandshakeTimeout time.Duration
	// MaxLongLength bounds long strings and blobs read from clients; zero
	// keeps the codec default.
	MaxLongLength int
}

// Deps are the shared components every connection uses.
type Deps struct {
	Pool       *db.Pool
	Gate       *account.Gate
	Registry   *coordinator.Registry
	Scheduler  *coordinator.Scheduler
	Processes  *process.Registry
	Hub        *notify.Hub
	Connectors id.Generator
	// HTTP, when set, is served on the protocol port. Requests are told
	// apart from protocol connections by their first bytes.
	HTTP http.Handler
}

// Server is the master protocol server. Clients may only present connector
// IDs it has issued.
type Server struct {
	cfg         Config
	pool        *db.Pool
	gate        *account.Gate
	caches      *account.Caches
	registry    *coordinator.Registry
	scheduler   *coordinator.Scheduler
	processes   *process.Registry
	hub         *notify.Hub
	connectors  id.Generator
	issued      *xsync.MapOf[int64, struct{}]
	httpHandler http.Handler
	hostname    string

	listener   net.Listener
	mux        cmux.CMux
	httpServer *http.Server
	sem        chan struct{}
	conns      *xsync.MapOf[uint64, net.Conn]
	nextConnID atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	quit   chan struct{}
	wg     sync.WaitGroup
	stop   sync.Once
}

// New creates a server and registers the protocol-level commands into
// deps.Registry.
func New(config Config, deps Deps) *Server {
	if config.ListenKeepalive <= 0 {
		config.ListenKeepalive = 60 * time.Second
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = 30 * time.Second
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:         config,
		pool:        deps.Pool,
		gate:        deps.Gate,
		caches:      deps.Gate.Caches(),
		registry:    deps.Registry,
		scheduler:   deps.Scheduler,
		processes:   deps.Processes,
		hub:         deps.Hub,
		connectors:  deps.Connectors,
		issued:      xsync.NewMapOf[int64, struct{}](),
		httpHandler: deps.HTTP,
		hostname:    hostname,
		conns:       xsync.NewMapOf[uint64, net.Conn](),
		ctx:         ctx,
		cancel:      cancel,
		quit:        make(chan struct{}),
	}
	if config.MaxConnections > 0 {
		s.sem = make(chan struct{}, config.MaxConnections)
	}
	s.registry.MustRegister(s.builtins()...)
	return s
}

// Visibility resolves listener visibility from the master caches.
func Visibility(caches *account.Caches) notify.VisibilityFunc {
	return func(ctx context.Context, username string) (notify.Visibility, error) {
		acc, err := caches.Access(ctx, nil, username)
		if err != nil {
			return nil, err
		}
		return acc, nil
	}
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.Serve(l)
	return nil
}

// Serve accepts connections from l in the background.
func (s *Server) Serve(l net.Listener) {
	s.listener = l
	protocolListener := l

	if s.httpHandler != nil {
		s.mux = cmux.New(l)
		httpListener := s.mux.Match(cmux.HTTP1Fast())
		protocolListener = s.mux.Match(cmux.Any())

		s.httpServer = &http.Server{
			Handler:           s.httpHandler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := s.httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, cmux.ErrListenerClosed) {
				log.Error().Err(err).Msg("HTTP server failed")
			}
		}()
		go func() {
			if err := s.mux.Serve(); err != nil && !isClosed(err) {
				log.Error().Err(err).Msg("cmux failed")
			}
		}()
	}

	log.Info().Str("address", l.Addr().String()).Bool("http", s.httpHandler != nil).Msg("Master server started")

	s.wg.Add(1)
	go s.acceptLoop(protocolListener)
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Stop closes the listener and every open connection, then waits for the
// connection goroutines to exit.
func (s *Server) Stop() {
	s.stop.Do(func() {
		close(s.quit)
		s.cancel()
		if s.listener != nil {
			s.listener.Close()
		}
		if s.httpServer != nil {
			s.httpServer.Close()
		}
		s.conns.Range(func(_ uint64, c net.Conn) bool {
			c.Close()
			return true
		})
		s.wg.Wait()
		log.Info().Msg("Master server stopped")
	})
}

func (s *Server) acceptLoop(l net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			if isClosed(err) {
				return
			}
			log.Error().Err(err).Msg("Accept error")
			continue
		}

		if s.sem != nil {
			select {
			case s.sem <- struct{}{}:
			default:
				log.Warn().Str("remote", conn.RemoteAddr().String()).Msg("Connection limit reached, rejecting")
				conn.Close()
				continue
			}
		}

		connID := s.nextConnID.Add(1)
		s.conns.Store(connID, conn)
		select {
		case <-s.quit:
			conn.Close()
		default:
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.conns.Delete(connID)
				if s.sem != nil {
					<-s.sem
				}
			}()
			s.handleConnection(connID, conn)
		}()
	}
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, cmux.ErrListenerClosed) || errors.Is(err, cmux.ErrServerClosed)
}
