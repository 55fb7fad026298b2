package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	proxyproto "github.com/pires/go-proxyproto"
	"golang.org/x/sync/semaphore"

	"github.com/codefionn/fwdcache/fwdcache-srv/logger"
)

// shutdownTimeout bounds how long Stop waits for running handlers.
const shutdownTimeout = 5 * time.Second

// ConnHandler serves one accepted connection. It owns conn and must close it.
type ConnHandler func(ctx context.Context, conn net.Conn)

// Server accepts TCP connections and runs a ConnHandler for each on its own
// goroutine.
type Server struct {
	address       string
	proxyProtocol bool
	maxConns      int
	sem           *semaphore.Weighted // nil = unbounded
	handle        ConnHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{}
}

// NewServer creates a server for address. maxConns > 0 limits the number of
// connections handled at once; further connections wait in the accept
// backlog until a handler finishes.
func NewServer(address string, proxyProtocol bool, maxConns int, handle ConnHandler) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		address:       address,
		proxyProtocol: proxyProtocol,
		maxConns:      maxConns,
		handle:        handle,
		ctx:           ctx,
		cancel:        cancel,
		ready:         make(chan struct{}),
	}
	if maxConns > 0 {
		s.sem = semaphore.NewWeighted(int64(maxConns))
	}
	return s
}

// Start listens on the configured address and serves until Stop is called.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return newError(ErrCodeListenerCreateFailed, fmt.Errorf("listen %s: %w", s.address, err))
	}
	return s.StartWithListener(listener)
}

// StartWithListener serves connections accepted from listener until Stop is
// called. It returns nil after a regular shutdown.
func (s *Server) StartWithListener(listener net.Listener) error {
	if s.proxyProtocol {
		listener = &proxyproto.Listener{Listener: listener}
	}

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		_ = listener.Close()
		return nil
	}
	s.listener = listener
	close(s.ready)
	s.mu.Unlock()

	logger.Info("Starting proxy server on %s", listener.Addr().String())
	if s.sem != nil {
		logger.Info("Handling at most %d connections at once", s.maxConns)
	}

	retry := acceptBackOff()
	for {
		if s.sem != nil {
			if err := s.sem.Acquire(s.ctx, 1); err != nil {
				return nil
			}
		}

		conn, err := listener.Accept()
		if err != nil {
			s.release()
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			// EMFILE and friends: keep serving once resources free up
			delay := retry.NextBackOff()
			logger.Error("Accept error: %v; retrying in %v", err, delay)
			select {
			case <-s.ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}
		retry.Reset()

		logger.Debug("Accepted connection from %s", conn.RemoteAddr())
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.release()
			s.handle(s.ctx, conn)
		}()
	}
}

// acceptBackOff paces retries after failed accepts. It never gives up.
func acceptBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (s *Server) release() {
	if s.sem != nil {
		s.sem.Release(1)
	}
}

// Addr blocks until the server has started and returns its address.
func (s *Server) Addr() net.Addr {
	<-s.ready
	return s.listener.Addr()
}

// Stop closes the listener, cancels running handlers and waits for them to
// return.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.cancel()
	listener := s.listener
	s.mu.Unlock()

	var err error
	if listener != nil {
		if closeErr := listener.Close(); closeErr != nil && !isClosedConnError(closeErr) {
			err = closeErr
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		logger.Warn("Handlers still running after %v, giving up", shutdownTimeout)
	}
	return err
}
