package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/codefionn/fwdcache/fwdcache-srv/cache"
	"github.com/codefionn/fwdcache/fwdcache-srv/filter"
	"github.com/codefionn/fwdcache/fwdcache-srv/logger"
	"github.com/codefionn/fwdcache/fwdcache-srv/stats"
	"github.com/codefionn/fwdcache/fwdcache-srv/wire"
)

// fetchResult is what a single-flight fetch hands to waiting followers.
type fetchResult struct {
	response []byte
	elapsed  time.Duration
}

// handleConnection runs one client connection through reading, parsing,
// filtering, answering from cache or origin and logging. The connection is
// closed on every path.
func (p *Proxy) handleConnection(ctx context.Context, conn net.Conn) {
	clientAddr := conn.RemoteAddr().String()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })

	defer func() {
		if r := recover(); r != nil {
			logger.Error("[%s] %v", clientAddr, newError(ErrCodePanicRecovered, fmt.Errorf("%v", r)))
		}
		stop()
		if err := conn.Close(); err != nil && !isClosedConnError(err) {
			logger.Debug("[%s] Error closing client connection: %v", clientAddr, err)
		}
		logger.Debug("[%s] Connection closed", clientAddr)
	}()

	clientIP, clientPort := splitAddr(conn.RemoteAddr())

	logger.Debug("[%s] Reading request", clientAddr)
	raw, err := p.readRequest(conn)
	if err != nil {
		logger.Error("[%s] %v", clientAddr, err)
		return
	}

	logger.Debug("[%s] Parsing %s request", clientAddr, humanize.Bytes(uint64(len(raw))))
	req, err := wire.Parse(raw)
	if err != nil {
		logger.Warn("[%s] %v", clientAddr, parseError(err))
		p.logParseFailure(ctx, clientIP, clientPort, err)
		return
	}
	logger.Debug("[%s] %s %s %s for %s", clientAddr, req.Method, req.URL, req.Version, req.Addr())

	requestID, logged := p.logRequest(ctx, clientAddr, stats.RequestRecord{
		ClientIP:   clientIP,
		ClientPort: clientPort,
		TargetHost: req.Host,
		TargetPort: req.Port,
		Method:     req.Method,
		URL:        req.URL,
		Protocol:   req.Version,
	})

	logger.Debug("[%s] Filtering %s", clientAddr, req.Host)
	decision, err := p.filter.Decide(ctx, req.Host)
	if err != nil {
		logger.Error("[%s] %v", clientAddr, newError(ErrCodeFilterStoreFailed, err))
	}
	if decision == filter.Reject {
		p.reject(ctx, conn, clientAddr, req, requestID, logged)
		return
	}

	response, cacheStatus, elapsed, err := p.cacheOrForward(ctx, conn, clientAddr, req)
	if err != nil {
		logger.Error("[%s] %v", clientAddr, err)
		return
	}

	if !logged {
		return
	}
	status, contentType := wire.ResponseInfo(response)
	if status == nil {
		logger.Debug("[%s] %v", clientAddr, newError(ErrCodeResponseParseFailed, nil))
	}
	p.logResponse(ctx, clientAddr, stats.ResponseRecord{
		RequestID:   requestID,
		CacheStatus: cacheStatus,
		Status:      status,
		ContentType: contentType,
		Size:        int64(len(response)),
		Elapsed:     elapsed,
	})
}

// readRequest reads until the client closes its sending side.
func (p *Proxy) readRequest(conn net.Conn) ([]byte, error) {
	if d := p.config.Timeouts.ClientRead(); d > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(d))
		defer func() { _ = conn.SetReadDeadline(time.Time{}) }()
	}

	raw, err := p.buffers.readAll(conn)
	if err != nil {
		if isTimeout(err) {
			return nil, newError(ErrCodeClientReadTimeout, err)
		}
		return nil, newError(ErrCodeClientReadFailed, err)
	}
	return raw, nil
}

func (p *Proxy) reject(ctx context.Context, conn net.Conn, clientAddr string, req *wire.Request, requestID int64, logged bool) {
	logger.Info("[%s] %v: %s", clientAddr, newError(ErrCodeFilterRejected, nil), req.Host)

	if _, err := conn.Write(filter.ForbiddenResponse); err != nil {
		logger.Warn("[%s] %v", clientAddr, newError(ErrCodeClientWriteFailed, err))
	}
	if !logged {
		return
	}
	status := 403
	p.logResponse(ctx, clientAddr, stats.ResponseRecord{
		RequestID:   requestID,
		CacheStatus: stats.CacheMiss,
		Status:      &status,
		ContentType: filter.ForbiddenContentType,
	})
}

// cacheOrForward answers req from a fresh cache entry or from the origin.
// A cache failure degrades to a miss.
func (p *Proxy) cacheOrForward(ctx context.Context, conn net.Conn, clientAddr string, req *wire.Request) ([]byte, stats.CacheStatus, time.Duration, error) {
	forwarding := req.Forwarding()
	key := cache.ComputeKey(req.Host, forwarding)

	if p.cache != nil {
		entry, ok, err := p.cache.Lookup(ctx, key)
		switch {
		case err != nil:
			logger.Warn("[%s] %v", clientAddr, newError(ErrCodeCacheStoreFailed, err))
		case ok:
			logger.Debug("[%s] Cache hit for %s", clientAddr, req.Addr())
			if _, err := conn.Write(entry.Response); err != nil {
				return nil, "", 0, newError(ErrCodeClientWriteFailed, err)
			}
			return entry.Response, stats.CacheHit, 0, nil
		}
	}

	logger.Debug("[%s] Cache miss, forwarding to %s", clientAddr, req.Addr())
	response, elapsed, err := p.fetch(ctx, conn, clientAddr, req, forwarding, key)
	if err != nil {
		return nil, "", 0, err
	}
	return response, stats.CacheMiss, elapsed, nil
}

// fetch forwards the request to the origin and stores the response. With
// single-flight enabled only one caller per key talks to the origin; the
// others receive a copy of its response once it completes.
func (p *Proxy) fetch(ctx context.Context, client io.Writer, clientAddr string, req *wire.Request, forwarding []byte, key string) ([]byte, time.Duration, error) {
	if p.flights == nil {
		response, elapsed, err := p.forwarder.Fetch(ctx, req.Host, req.Port, forwarding, client)
		if err != nil {
			return nil, 0, err
		}
		p.storeResponse(ctx, clientAddr, key, response)
		return response, elapsed, nil
	}

	leader := false
	v, err, shared := p.flights.Do(key, func() (any, error) {
		leader = true
		response, elapsed, err := p.forwarder.Fetch(ctx, req.Host, req.Port, forwarding, client)
		if err != nil {
			return nil, err
		}
		p.storeResponse(ctx, clientAddr, key, response)
		return fetchResult{response: response, elapsed: elapsed}, nil
	})
	if err != nil {
		return nil, 0, err
	}

	result := v.(fetchResult)
	if !leader {
		logger.Debug("[%s] Joined in-flight fetch for %s", clientAddr, req.Addr())
		if _, err := client.Write(result.response); err != nil {
			return nil, 0, newError(ErrCodeClientWriteFailed, err)
		}
	} else if shared {
		logger.Debug("[%s] Shared fetch of %s with waiting clients", clientAddr, req.Addr())
	}
	return result.response, result.elapsed, nil
}

func (p *Proxy) storeResponse(ctx context.Context, clientAddr, key string, response []byte) {
	if p.cache == nil {
		return
	}
	if err := p.cache.Store(ctx, key, response); err != nil {
		logger.Warn("[%s] %v", clientAddr, newError(ErrCodeCacheStoreFailed, err))
	}
}

func (p *Proxy) logRequest(ctx context.Context, clientAddr string, rec stats.RequestRecord) (int64, bool) {
	id, err := p.collector.LogRequest(ctx, rec)
	if err != nil {
		logger.Error("[%s] %v", clientAddr, newError(ErrCodeLogStoreFailed, err))
		return 0, false
	}
	return id, true
}

func (p *Proxy) logResponse(ctx context.Context, clientAddr string, rec stats.ResponseRecord) {
	if err := p.collector.LogResponse(ctx, rec); err != nil {
		logger.Error("[%s] %v", clientAddr, newError(ErrCodeLogStoreFailed, err))
	}
}

// logParseFailure records a request that could not be parsed. Only the
// client address is known.
func (p *Proxy) logParseFailure(ctx context.Context, clientIP string, clientPort int, cause error) {
	msg := cause.Error()
	p.logRequest(ctx, net.JoinHostPort(clientIP, strconv.Itoa(clientPort)), stats.RequestRecord{
		ClientIP:     clientIP,
		ClientPort:   clientPort,
		TargetHost:   stats.UnknownHost,
		TargetPort:   stats.UnknownPort,
		Method:       stats.UnknownHost,
		URL:          stats.UnknownHost,
		Protocol:     stats.UnknownHost,
		ErrorMessage: &msg,
	})
}

func parseError(err error) *Error {
	if errors.Is(err, wire.ErrMissingHostHeader) {
		return newError(ErrCodeMissingHostHeader, err)
	}
	return newError(ErrCodeMalformedRequest, err)
}

func splitAddr(addr net.Addr) (string, int) {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String(), tcp.Port
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}
