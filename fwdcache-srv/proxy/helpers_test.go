package proxy

import (
	"bytes"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testOrigin is a raw TCP origin that answers every request with one fixed
// response and then closes the connection.
type testOrigin struct {
	ln       net.Listener
	response []byte
	hold     chan struct{} // if set, responses wait until it is closed
	accepted atomic.Int32

	mu       sync.Mutex
	requests [][]byte
}

func startOrigin(t *testing.T, response string) *testOrigin {
	t.Helper()
	return startHeldOrigin(t, response, nil)
}

func startHeldOrigin(t *testing.T, response string, hold chan struct{}) *testOrigin {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	o := &testOrigin{ln: ln, response: []byte(response), hold: hold}
	go o.serve()
	t.Cleanup(func() { _ = ln.Close() })
	return o
}

func (o *testOrigin) serve() {
	for {
		conn, err := o.ln.Accept()
		if err != nil {
			return
		}
		o.accepted.Add(1)
		go o.handle(conn)
	}
}

func (o *testOrigin) handle(conn net.Conn) {
	defer conn.Close()

	req, err := readHead(conn)
	if err != nil {
		return
	}
	o.mu.Lock()
	o.requests = append(o.requests, req)
	o.mu.Unlock()

	if o.hold != nil {
		<-o.hold
	}
	_, _ = conn.Write(o.response)
}

func (o *testOrigin) port() int {
	return o.ln.Addr().(*net.TCPAddr).Port
}

func (o *testOrigin) hostHeader() string {
	return "127.0.0.1:" + strconv.Itoa(o.port())
}

func (o *testOrigin) received() [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([][]byte(nil), o.requests...)
}

// readHead reads until the blank line ending the header block.
func readHead(conn net.Conn) ([]byte, error) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var out bytes.Buffer
	buf := make([]byte, 512)
	for !bytes.Contains(out.Bytes(), []byte("\r\n\r\n")) {
		n, err := conn.Read(buf)
		out.Write(buf[:n])
		if err != nil {
			return out.Bytes(), err
		}
	}
	return out.Bytes(), nil
}

// closedPort returns a local port nothing listens on.
func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

// sendRequest writes request to the proxy, half-closes the connection and
// returns everything the proxy sends back.
func sendRequest(proxyAddr, request string) ([]byte, error) {
	conn, err := net.Dial("tcp", proxyAddr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))

	if _, err := conn.Write([]byte(request)); err != nil {
		return nil, err
	}
	if err := conn.(*net.TCPConn).CloseWrite(); err != nil {
		return nil, err
	}
	return io.ReadAll(conn)
}

func roundTrip(t *testing.T, proxyAddr, request string) []byte {
	t.Helper()
	resp, err := sendRequest(proxyAddr, request)
	require.NoError(t, err)
	return resp
}

func getRequest(hostHeader, path string) string {
	return "GET " + path + " HTTP/1.1\r\nHost: " + hostHeader + "\r\nConnection: close\r\n\r\n"
}
