package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/codefionn/fwdcache/fwdcache-srv/cache"
	"github.com/codefionn/fwdcache/fwdcache-srv/config"
	"github.com/codefionn/fwdcache/fwdcache-srv/filter"
	"github.com/codefionn/fwdcache/fwdcache-srv/logger"
	"github.com/codefionn/fwdcache/fwdcache-srv/proxy"
	"github.com/codefionn/fwdcache/fwdcache-srv/stats"
)

var (
	numRequests  = pflag.Int("numRequests", 100, "Total number of requests to send")
	concurrency  = pflag.Int("concurrency", 10, "Number of concurrent workers")
	distinctURLs = pflag.Int("urls", 10, "Number of distinct paths requested; repeats are cache hits")
	testTimeout  = pflag.Duration("timeout", 30*time.Second, "Overall test timeout")
	dataSize     = pflag.Int("dataSize", 1024*1024, "Size of payload in bytes per response")
	singleFlight = pflag.Bool("single-flight", false, "Enable single-flight origin fetches")
	maxConns     = pflag.Int("max-conns", 0, "Proxy connection bound, 0 = unbounded")
)

// serveOrigin answers every connection with one fixed response and closes it.
func serveOrigin(ln net.Listener, response []byte, fetches *atomic.Int64) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		fetches.Add(1)
		go func() {
			defer conn.Close()
			buf := make([]byte, 4096)
			if _, err := conn.Read(buf); err != nil {
				return
			}
			if _, err := conn.Write(response); err != nil {
				logger.Error("failed to write data: %v", err)
			}
		}()
	}
}

func sendRequest(ctx context.Context, proxyAddr, request string) (int64, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return 0, fmt.Errorf("dial proxy: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := io.WriteString(conn, request); err != nil {
		return 0, fmt.Errorf("write request: %w", err)
	}
	if err := conn.(*net.TCPConn).CloseWrite(); err != nil {
		return 0, fmt.Errorf("half-close: %w", err)
	}

	n, err := io.Copy(io.Discard, conn)
	if err != nil {
		return n, fmt.Errorf("read response: %w", err)
	}
	if n == 0 {
		return 0, fmt.Errorf("empty response")
	}
	return n, nil
}

func main() {
	pflag.Parse()
	logger.SetLevel(logger.ERROR)

	ctx, cancel := context.WithTimeout(context.Background(), *testTimeout)
	defer cancel()

	body := make([]byte, *dataSize)
	for i := range body {
		body[i] = 'a'
	}
	response := append([]byte("HTTP/1.1 200 OK\r\nContent-Type: application/octet-stream\r\nContent-Length: "+
		strconv.Itoa(len(body))+"\r\n\r\n"), body...)

	var fetches atomic.Int64
	originLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		logger.Fatal("Failed to listen for origin: %v", err)
	}
	go serveOrigin(originLn, response, &fetches)

	cfg := config.Default()
	cfg.ListenAddress = "127.0.0.1:0"
	cfg.MaxConcurrentConnections = *maxConns
	cfg.Cache.Backend = config.CacheBackendMemory
	cfg.Cache.SingleFlight = *singleFlight
	cfg.BufferSize = 32 * 1024

	collector := stats.NewMemoryCollector()
	p, err := proxy.New(cfg, &proxy.Dependencies{
		Filter:    filter.NewStaticStore(nil, []string{"127.0.0.1"}),
		Cache:     cache.New(cache.NewMemoryStore()),
		Collector: collector,
	})
	if err != nil {
		logger.Fatal("Failed to create proxy: %v", err)
	}
	proxyLn, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		logger.Fatal("Failed to listen for proxy: %v", err)
	}
	go func() {
		if err := p.StartWithListener(proxyLn); err != nil {
			logger.Error("Proxy server error: %v", err)
		}
	}()
	defer func() { _ = p.Stop() }()

	originHost := originLn.Addr().String()
	var (
		next  atomic.Int64
		total atomic.Int64
		fails atomic.Int64
	)

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < *concurrency; w++ {
		g.Go(func() error {
			for {
				i := next.Add(1) - 1
				if i >= int64(*numRequests) {
					return nil
				}
				path := "/data/" + strconv.FormatInt(i%int64(max(*distinctURLs, 1)), 10)
				request := "GET " + path + " HTTP/1.1\r\nHost: " + originHost + "\r\nConnection: close\r\n\r\n"

				n, err := sendRequest(gctx, proxyLn.Addr().String(), request)
				if err != nil {
					fails.Add(1)
					if gctx.Err() != nil {
						return gctx.Err()
					}
					continue
				}
				total.Add(n)
			}
		})
	}
	waitErr := g.Wait()
	dur := time.Since(start)

	sum, err := collector.Summary(context.Background())
	if err != nil {
		logger.Fatal("Failed to read summary: %v", err)
	}
	success := int64(*numRequests) - fails.Load()
	fmt.Printf("Duration: %.2f s, Success: %d, Errors: %d\n", dur.Seconds(), success, fails.Load())
	fmt.Printf("RPS: %.2f, Throughput: %s/s\n", float64(success)/dur.Seconds(),
		humanize.Bytes(uint64(float64(total.Load())/dur.Seconds())))
	fmt.Printf("Origin fetches: %d, cache hits: %d, hit ratio: %.1f%%\n",
		fetches.Load(), sum.CacheHits, sum.HitRatio()*100)

	if fails.Load() > 0 || waitErr != nil {
		fmt.Fprintln(os.Stderr, "Test failed: timeout or errors")
		os.Exit(1)
	}
}
