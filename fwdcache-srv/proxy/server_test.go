package proxy

import (
	"context"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, s *Server) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.StartWithListener(ln) }()
	t.Cleanup(func() {
		require.NoError(t, s.Stop())
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not return after Stop")
		}
	})
	return s.Addr().String()
}

func TestServerConcurrencyBound(t *testing.T) {
	var active, peak, handled atomic.Int32
	release := make(chan struct{})

	s := NewServer("", false, 2, func(_ context.Context, conn net.Conn) {
		defer conn.Close()
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		active.Add(-1)
		handled.Add(1)
	})
	addr := startServer(t, s)

	var conns []net.Conn
	for i := 0; i < 5; i++ {
		conn, err := net.Dial("tcp", addr)
		require.NoError(t, err)
		conns = append(conns, conn)
	}
	defer func() {
		for _, c := range conns {
			_ = c.Close()
		}
	}()

	require.Eventually(t, func() bool { return active.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(2), active.Load(), "no more than two handlers may run")

	close(release)
	require.Eventually(t, func() bool { return handled.Load() == 5 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), peak.Load())
}

func TestServerUnbounded(t *testing.T) {
	var active atomic.Int32
	release := make(chan struct{})
	defer close(release)

	s := NewServer("", false, 0, func(_ context.Context, conn net.Conn) {
		defer conn.Close()
		active.Add(1)
		<-release
	})
	addr := startServer(t, s)

	for i := 0; i < 8; i++ {
		conn, err := net.Dial("tcp", addr)
		require.NoError(t, err)
		defer conn.Close()
	}
	require.Eventually(t, func() bool { return active.Load() == 8 }, 2*time.Second, 10*time.Millisecond)
}

func TestServerProxyProtocol(t *testing.T) {
	var (
		mu     sync.Mutex
		remote string
	)
	s := NewServer("", true, 0, func(_ context.Context, conn net.Conn) {
		defer conn.Close()
		mu.Lock()
		remote = conn.RemoteAddr().String()
		mu.Unlock()
		data, _ := io.ReadAll(conn)
		_, _ = conn.Write(data)
	})
	addr := startServer(t, s)

	resp, err := sendRequest(addr, "PROXY TCP4 192.0.2.10 198.51.100.1 4321 8099\r\nping")
	require.NoError(t, err)
	assert.Equal(t, "ping", string(resp))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "192.0.2.10:4321", remote)
}

func TestServerStopUnblocksHandlers(t *testing.T) {
	stopped := make(chan struct{})
	s := NewServer("", false, 0, func(ctx context.Context, conn net.Conn) {
		defer conn.Close()
		<-ctx.Done()
		close(stopped)
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = s.StartWithListener(ln) }()

	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.Stop())
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("handler context was not cancelled")
	}

	_, err = net.DialTimeout("tcp", ln.Addr().String(), 200*time.Millisecond)
	assert.Error(t, err, "listener must be closed after Stop")
}

func TestServerStartBadAddress(t *testing.T) {
	s := NewServer("256.0.0.1:99999", false, 0, func(context.Context, net.Conn) {})
	err := s.Start()
	require.Error(t, err)
	assert.True(t, HasCode(err, ErrCodeListenerCreateFailed))
}

func TestServerStopBeforeStart(t *testing.T) {
	s := NewServer("", false, 0, func(context.Context, net.Conn) {})
	require.NoError(t, s.Stop())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.NoError(t, s.StartWithListener(ln))
}

// emfileListener fails its first accepts with "too many open files".
type emfileListener struct {
	net.Listener
	failures atomic.Int32
}

func (l *emfileListener) Accept() (net.Conn, error) {
	if l.failures.Add(-1) >= 0 {
		return nil, &net.OpError{Op: "accept", Net: "tcp", Addr: l.Addr(), Err: os.NewSyscallError("accept4", syscall.EMFILE)}
	}
	return l.Listener.Accept()
}

func TestServerKeepsAcceptingAfterAcceptErrors(t *testing.T) {
	for _, maxConns := range []int{0, 1} {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		flaky := &emfileListener{Listener: ln}
		flaky.failures.Store(3)

		var handled atomic.Int32
		s := NewServer("", false, maxConns, func(_ context.Context, conn net.Conn) {
			defer conn.Close()
			handled.Add(1)
			_, _ = conn.Write([]byte("ok"))
		})

		done := make(chan error, 1)
		go func() { done <- s.StartWithListener(flaky) }()

		for i := 0; i < 2; i++ {
			conn, err := net.Dial("tcp", ln.Addr().String())
			require.NoError(t, err)
			_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			got, err := io.ReadAll(conn)
			_ = conn.Close()
			require.NoError(t, err)
			assert.Equal(t, "ok", string(got))
		}
		assert.Equal(t, int32(2), handled.Load())

		select {
		case err := <-done:
			t.Fatalf("server returned after accept errors: %v", err)
		default:
		}

		require.NoError(t, s.Stop())
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("server did not return after Stop")
		}
	}
}
