package serving

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/kcz17/latcontrol/logging"
	"github.com/valyala/fasthttp"
)

type ServerOptions struct {
	Logger      logging.Logger
	ControlLoop *ControlLoop
	APIAddr     string
	// Closers release transport resources once the control loop has stopped,
	// in the order given.
	Closers []io.Closer
}

// Server runs the control loop alongside the admin API.
type Server struct {
	logger      logging.Logger
	controlLoop *ControlLoop
	api         struct {
		Addr   string
		server *fasthttp.Server
	}
	closers []io.Closer
	// shutdownDone is closed once Shutdown has stopped the loop and released
	// every resource.
	shutdownDone chan struct{}
	// isStarted is checked to ensure each Server is only ever started once.
	isStarted bool
	// externalOperationsLock guards external operations which interact with the server.
	externalOperationsLock *sync.Mutex
}

func NewServer(options *ServerOptions) *Server {
	logger := options.Logger
	if logger == nil {
		logger = logging.NewNoopLogger()
	}

	s := &Server{
		logger:                 logger,
		controlLoop:            options.ControlLoop,
		closers:                options.Closers,
		externalOperationsLock: &sync.Mutex{},
	}
	s.api.Addr = options.APIAddr
	return s
}

// ListenAndServe starts the control loop then serves the admin API. It blocks
// until Shutdown has finished, or returns early if the API server fails.
func (s *Server) ListenAndServe() error {
	s.externalOperationsLock.Lock()
	if s.isStarted {
		s.externalOperationsLock.Unlock()
		return errors.New("server already started")
	}

	api := &APIServer{ControlLoop: s.controlLoop}
	s.api.server = &fasthttp.Server{
		Handler:         api.router().HandleRequest,
		CloseOnShutdown: true,
	}
	if err := s.controlLoop.Start(); err != nil {
		s.externalOperationsLock.Unlock()
		return fmt.Errorf("Server.ListenAndServe() got err when calling ControlLoop.Start(): %w", err)
	}
	s.shutdownDone = make(chan struct{})
	shutdownDone := s.shutdownDone
	s.isStarted = true
	s.externalOperationsLock.Unlock()

	if err := s.api.server.ListenAndServe(s.api.Addr); err != nil {
		return fmt.Errorf("Server.ListenAndServe() got fasthttp server error: %w", err)
	}
	// The API server stops first during Shutdown, before the loop, the
	// transports and the logger are closed.
	<-shutdownDone
	return nil
}

// Shutdown stops the admin API and the control loop, then closes the
// transports and the logger.
func (s *Server) Shutdown() error {
	s.externalOperationsLock.Lock()
	defer s.externalOperationsLock.Unlock()

	if !s.isStarted {
		return errors.New("Server.Shutdown() expected server running; server is not running")
	}

	var firstErr error
	if err := s.api.server.Shutdown(); err != nil {
		firstErr = fmt.Errorf("could not shut down api server: %w", err)
	}
	if err := s.controlLoop.Stop(); err != nil && firstErr == nil {
		firstErr = err
	}
	for _, c := range s.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("could not close transport: %w", err)
		}
	}
	if err := s.logger.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("could not close logger: %w", err)
	}

	s.isStarted = false
	close(s.shutdownDone)
	return firstErr
}
