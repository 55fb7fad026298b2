package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/net/proxy"

	"github.com/codefionn/fwdcache/fwdcache-srv/config"
	"github.com/codefionn/fwdcache/fwdcache-srv/logger"
)

// Forwarder sends a forwarding request to its origin over a fresh
// connection and relays the response.
type Forwarder struct {
	dialer      proxy.ContextDialer
	readTimeout time.Duration
	connTimeout time.Duration
	buffers     *bufferPool
}

// NewForwarder creates a Forwarder dialing origins through dialer. A zero
// timeout disables the corresponding deadline.
func NewForwarder(dialer proxy.ContextDialer, connectTimeout, readTimeout time.Duration, bufferSize int) *Forwarder {
	return &Forwarder{
		dialer:      dialer,
		connTimeout: connectTimeout,
		readTimeout: readTimeout,
		buffers:     newBufferPool(bufferSize),
	}
}

// NewDialer builds the origin dialer described by cfg: a plain TCP dialer
// or a SOCKS5 client in front of one.
func NewDialer(cfg config.UpstreamConfig, connectTimeout time.Duration) (proxy.ContextDialer, error) {
	base := &net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}

	switch cfg.Type {
	case config.UpstreamTypeDirect, "":
		return base, nil

	case config.UpstreamTypeSocks5:
		var auth *proxy.Auth
		if cfg.Username != nil {
			auth = &proxy.Auth{User: *cfg.Username}
			if cfg.Password != nil {
				auth.Password = *cfg.Password
			}
		}

		socksDialer, err := proxy.SOCKS5("tcp", cfg.Address, auth, base)
		if err != nil {
			return nil, newError(ErrCodeUpstreamConfigFailed, fmt.Errorf("socks5 %s: %w", cfg.Address, err))
		}
		ctxDialer, ok := socksDialer.(proxy.ContextDialer)
		if !ok {
			return nil, newError(ErrCodeUpstreamConfigFailed, fmt.Errorf("socks5 dialer for %s does not support contexts", cfg.Address))
		}
		logger.Info("Origin connections are dialed via SOCKS5 proxy %s", cfg.Address)
		return ctxDialer, nil

	default:
		return nil, newError(ErrCodeUpstreamConfigFailed, fmt.Errorf("unknown upstream type %q", cfg.Type))
	}
}

// Fetch opens a connection to host:port, sends forwarding in full and copies
// every chunk of the response to sink as soon as it arrives. The response
// ends when the origin closes the connection.
//
// On success the complete response and the time spent on the fetch are
// returned. Any I/O error is returned as an *Error and the partial response
// is discarded.
func (f *Forwarder) Fetch(ctx context.Context, host string, port int, forwarding []byte, sink io.Writer) ([]byte, time.Duration, error) {
	start := time.Now()
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	dialCtx := ctx
	if f.connTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, f.connTimeout)
		defer cancel()
	}

	conn, err := f.dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		if isTimeout(err) {
			return nil, 0, newError(ErrCodeConnectTimeout, fmt.Errorf("origin %s: %w", addr, err))
		}
		return nil, 0, newError(ErrCodeOriginConnectFailed, fmt.Errorf("origin %s: %w", addr, err))
	}
	defer func() {
		if err := conn.Close(); err != nil && !isClosedConnError(err) {
			logger.Debug("Error closing origin connection to %s: %v", addr, err)
		}
	}()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	logger.Debug("Connected to origin %s, sending %s", addr, humanize.Bytes(uint64(len(forwarding))))
	if _, err := conn.Write(forwarding); err != nil {
		return nil, 0, newError(ErrCodeOriginIOFailed, fmt.Errorf("origin %s: %w", addr, err))
	}

	buf := f.buffers.get()
	defer f.buffers.put(buf)

	var response bytes.Buffer
	for {
		if f.readTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(f.readTimeout))
		}
		n, err := conn.Read(*buf)
		if n > 0 {
			chunk := (*buf)[:n]
			response.Write(chunk)
			if _, werr := sink.Write(chunk); werr != nil {
				return nil, 0, newError(ErrCodeClientWriteFailed, werr)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			if isTimeout(err) {
				return nil, 0, newError(ErrCodeReadTimeout, fmt.Errorf("origin %s: %w", addr, err))
			}
			return nil, 0, newError(ErrCodeOriginIOFailed, fmt.Errorf("origin %s: %w", addr, err))
		}
	}

	elapsed := time.Since(start)
	logger.Debug("Origin %s sent %s in %v", addr, humanize.Bytes(uint64(response.Len())), elapsed)
	return response.Bytes(), elapsed, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isClosedConnError(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
