// proxy-client sends one raw HTTP/1.1 request through the proxy and prints
// the response. It half-closes its side of the connection after the request
// because the proxy reads the request until EOF.
package main

import (
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/codefionn/fwdcache/fwdcache-srv/logger"
)

func main() {
	proxyAddr := pflag.StringP("proxy", "p", "127.0.0.1:8099", "Proxy address (host:port)")
	host := pflag.String("host", "example.com", "Value of the Host header")
	path := pflag.String("path", "/", "Request path")
	method := pflag.StringP("method", "X", "GET", "Request method")
	body := pflag.StringP("data", "d", "", "Request body")
	timeout := pflag.Int("timeout", 30, "Timeout in seconds for the whole exchange")
	verbose := pflag.Bool("verbose", false, "Enable verbose logging")
	pflag.Parse()

	logger.SetLevel(logger.INFO)
	if *verbose {
		logger.SetLevel(logger.DEBUG)
	}

	request := buildRequest(*method, *path, *host, *body)
	logger.Debug("Sending request to %s:\n%s", *proxyAddr, request)

	start := time.Now()
	response, err := exchange(*proxyAddr, request, time.Duration(*timeout)*time.Second)
	if err != nil {
		logger.Fatal("Request failed: %v", err)
	}

	if _, err := os.Stdout.Write(response); err != nil {
		logger.Fatal("Failed to write response: %v", err)
	}
	logger.Info("Received %s in %v", humanize.Bytes(uint64(len(response))), time.Since(start))
}

func buildRequest(method, path, host, body string) []byte {
	return []byte(fmt.Sprintf("%s %s HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n%s", method, path, host, body))
}

func exchange(proxyAddr string, request []byte, timeout time.Duration) ([]byte, error) {
	conn, err := net.DialTimeout("tcp", proxyAddr, timeout)
	if err != nil {
		return nil, fmt.Errorf("connect to proxy: %w", err)
	}
	defer func() {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Debug("Error closing connection: %v", closeErr)
		}
	}()
	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}

	if _, err := conn.Write(request); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		if err := tcp.CloseWrite(); err != nil {
			return nil, fmt.Errorf("half-close: %w", err)
		}
	}

	response, err := io.ReadAll(conn)
	if err != nil {
		return response, fmt.Errorf("read response: %w", err)
	}
	return response, nil
}
