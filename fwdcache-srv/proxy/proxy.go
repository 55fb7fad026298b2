// Package proxy implements the forward proxy: a listener that hands every
// client connection to a handler which parses the request, applies the
// access filter and answers from the response cache or the origin.
package proxy

import (
	"context"
	"fmt"
	"net"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/net/proxy"
	"golang.org/x/sync/singleflight"

	"github.com/codefionn/fwdcache/fwdcache-srv/cache"
	"github.com/codefionn/fwdcache/fwdcache-srv/config"
	"github.com/codefionn/fwdcache/fwdcache-srv/filter"
	"github.com/codefionn/fwdcache/fwdcache-srv/logger"
	"github.com/codefionn/fwdcache/fwdcache-srv/stats"
	"github.com/codefionn/fwdcache/fwdcache-srv/store"
)

// Dependencies are the collaborators of a Proxy. The Proxy takes ownership
// and closes them on Stop.
type Dependencies struct {
	// DB backs the SQL filter store and collector; nil if neither is used.
	DB     *store.DB
	Filter filter.Store
	// Cache is nil when caching is disabled.
	Cache     *cache.Cache
	Collector stats.Collector
	// Dialer defaults to the dialer described by the upstream config.
	Dialer proxy.ContextDialer
}

// OpenDependencies creates the stores selected by cfg.
func OpenDependencies(ctx context.Context, cfg *config.Config) (*Dependencies, error) {
	deps := &Dependencies{}

	if cfg.Filter.Backend == config.FilterBackendDatabase || cfg.Statistics.Enabled {
		db, err := store.Open(cfg.Database)
		if err != nil {
			return nil, newError(ErrCodeStoreInitFailed, err)
		}
		deps.DB = db
	}

	filterStore, err := filter.NewStore(cfg.Filter, deps.DB)
	if err != nil {
		return nil, multierr.Append(newError(ErrCodeStoreInitFailed, err), deps.Close())
	}
	deps.Filter = filterStore

	deps.Cache, err = cache.NewFromConfig(ctx, cfg.Cache)
	if err != nil {
		return nil, multierr.Append(newError(ErrCodeStoreInitFailed, err), deps.Close())
	}

	deps.Collector = stats.NewCollector(cfg.Statistics, deps.DB)
	return deps, nil
}

// Close releases every store. It is safe to call on partially filled
// dependencies.
func (d *Dependencies) Close() error {
	var err error
	if d.Cache != nil {
		err = multierr.Append(err, d.Cache.Close())
	}
	if d.Collector != nil {
		err = multierr.Append(err, d.Collector.Close())
	}
	if d.DB != nil {
		err = multierr.Append(err, d.DB.Close())
	}
	return err
}

// Proxy wires the filter, cache, forwarder and log collaborator to a Server.
type Proxy struct {
	config    *config.Config
	deps      *Dependencies
	filter    *filter.Filter
	cache     *cache.Cache
	forwarder *Forwarder
	collector stats.Collector
	buffers   *bufferPool
	flights   *singleflight.Group // nil unless single-flight is enabled
	server    *Server

	stopOnce sync.Once
	stopErr  error
}

// NewProxy opens the stores configured in cfg and returns a proxy using them.
func NewProxy(cfg *config.Config) (*Proxy, error) {
	deps, err := OpenDependencies(context.Background(), cfg)
	if err != nil {
		return nil, err
	}
	p, err := New(cfg, deps)
	if err != nil {
		return nil, multierr.Append(err, deps.Close())
	}
	return p, nil
}

// New returns a proxy using deps. deps.Filter is required.
func New(cfg *config.Config, deps *Dependencies) (*Proxy, error) {
	if deps.Filter == nil {
		return nil, newError(ErrCodeStoreInitFailed, fmt.Errorf("no filter store"))
	}
	if deps.Collector == nil {
		deps.Collector = stats.NewDummyCollector()
	}
	if deps.Dialer == nil {
		dialer, err := NewDialer(cfg.Upstream, cfg.Timeouts.OriginConnect())
		if err != nil {
			return nil, err
		}
		deps.Dialer = dialer
	}

	p := &Proxy{
		config:    cfg,
		deps:      deps,
		filter:    filter.New(deps.Filter),
		cache:     deps.Cache,
		collector: deps.Collector,
		buffers:   newBufferPool(cfg.BufferSize),
		forwarder: NewForwarder(deps.Dialer, cfg.Timeouts.OriginConnect(), cfg.Timeouts.OriginRead(), cfg.BufferSize),
	}
	if cfg.Cache.SingleFlight && p.cache != nil {
		p.flights = &singleflight.Group{}
		logger.Info("Single-flight origin fetches enabled")
	}
	if p.cache == nil {
		logger.Info("Response cache disabled")
	}

	p.server = NewServer(cfg.ListenAddress, cfg.ProxyProtocol, cfg.MaxConcurrentConnections, p.handleConnection)
	return p, nil
}

// GetConfig returns the configuration the proxy was created with.
func (p *Proxy) GetConfig() *config.Config {
	return p.config
}

// Start listens on the configured address and blocks until Stop.
func (p *Proxy) Start() error {
	return p.server.Start()
}

// StartWithListener serves on listener and blocks until Stop.
func (p *Proxy) StartWithListener(listener net.Listener) error {
	return p.server.StartWithListener(listener)
}

// Addr blocks until the proxy listens and returns its address.
func (p *Proxy) Addr() net.Addr {
	return p.server.Addr()
}

// Summary reports the traffic recorded so far.
func (p *Proxy) Summary(ctx context.Context) (*stats.Summary, error) {
	return p.collector.Summary(ctx)
}

// Stop shuts the server down and closes every store. Later calls return the
// result of the first.
func (p *Proxy) Stop() error {
	p.stopOnce.Do(func() {
		err := p.server.Stop()
		if err != nil {
			logger.Error("Failed to stop proxy server on %s: %v", p.config.ListenAddress, err)
		}
		p.stopErr = multierr.Append(err, p.deps.Close())
	})
	return p.stopErr
}
