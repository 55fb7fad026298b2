package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/codefionn/fwdcache/fwdcache-srv/config"
	"github.com/codefionn/fwdcache/fwdcache-srv/logger"
	"github.com/codefionn/fwdcache/fwdcache-srv/proxy"
)

var version string

type options struct {
	configPath string
	envFile    string
	debug      bool
	// listen overrides listen-address, also after a reload.
	listen string
}

func main() {
	opts := parseFlags()

	if opts.envFile != "" {
		if err := loadEnvFile(opts.envFile); err != nil {
			logger.Fatal("Failed to load envfile: %v", err)
		}
		logger.Info("Loaded environment variables from %s", opts.envFile)
	}

	logger.Info("Starting fwdcache proxy server")
	cfg := opts.initialConfig()

	s := &supervisor{opts: opts}
	s.run(cfg)
}

func parseFlags() options {
	var opts options
	showVersion := pflag.BoolP("version", "v", false, "Print version and exit")
	pflag.StringVar(&opts.configPath, "config", "config.json", "Path to configuration file (.json, .yaml/.yml or .hcl)")
	pflag.StringVar(&opts.envFile, "envfile", "", "Path to env file to load environment variables")
	pflag.BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	pflag.StringVar(&opts.listen, "listen", "", "Listen address, overrides the configuration (e.g. 127.0.0.1:8099)")
	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	if *showVersion {
		if version == "" {
			version = "dev"
		}
		fmt.Println("fwdcache version:", version)
		os.Exit(0)
	}
	return opts
}

// initialConfig loads the config file, falling back to defaults and
// environment variables if the file cannot be read.
func (o options) initialConfig() *config.Config {
	logger.Debug("Using configuration file: %s", o.configPath)
	cfg, err := config.LoadConfig(o.configPath)
	if err != nil {
		logger.Warn("Could not load config file: %v. Using environment variables.", err)
		if cfg, err = config.LoadConfig(""); err != nil {
			logger.Fatal("Failed to load configuration: %v", err)
		}
	}
	o.apply(cfg)

	logger.Debug("Listen address: %s", cfg.ListenAddress)
	logger.Debug("Cache: enabled=%v backend=%s single-flight=%v", cfg.Cache.Enabled, cfg.Cache.Backend, cfg.Cache.SingleFlight)
	logger.Debug("Filter backend: %s", cfg.Filter.Backend)
	logger.Debug("Timeouts: client-read=%v origin-connect=%v origin-read=%v",
		cfg.Timeouts.ClientRead(), cfg.Timeouts.OriginConnect(), cfg.Timeouts.OriginRead())
	logger.Debug("Max connections: %d", cfg.MaxConcurrentConnections)
	return cfg
}

// apply puts command line overrides on top of cfg and sets the log level.
func (o options) apply(cfg *config.Config) {
	if o.listen != "" {
		cfg.ListenAddress = o.listen
	}
	logger.SetLevel(logger.GetLevelFromString(cfg.LogLevel))
	if o.debug {
		logger.SetLevel(logger.DEBUG)
	}
}

// supervisor owns the running proxy and replaces it on SIGHUP.
type supervisor struct {
	opts    options
	cfg     *config.Config
	current *proxy.Proxy
}

func (s *supervisor) run(cfg *config.Config) {
	s.start(cfg)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range signals {
		if sig == syscall.SIGHUP {
			s.reload()
			continue
		}
		logger.Info("Received signal %v, shutting down proxy server...", sig)
		s.stop("Error during shutdown")
		logger.Info("Proxy server shutdown complete")
		return
	}
}

func (s *supervisor) start(cfg *config.Config) {
	p, err := proxy.NewProxy(cfg)
	if err != nil {
		logger.Fatal("Failed to create proxy: %v", err)
	}
	s.cfg, s.current = cfg, p

	go func() {
		if err := p.Start(); err != nil {
			logger.Fatal("Proxy server error: %v", err)
		}
	}()
}

func (s *supervisor) reload() {
	logger.Info("Received SIGHUP: reloading configuration...")
	next, err := config.LoadConfig(s.opts.configPath)
	if err != nil {
		logger.Error("Failed to reload config: %v (keeping current config)", err)
		return
	}
	if s.opts.listen != "" {
		next.ListenAddress = s.opts.listen
	}
	if !config.HasChanged(s.cfg, next) {
		logger.Info("Config unchanged after reload; not restarting proxy.")
		return
	}

	logger.Info("Config changed. Restarting proxy...")
	s.stop("Error stopping proxy for reload")
	s.opts.apply(next)
	s.start(next)
	logger.Info("Proxy restarted with new configuration.")
}

// stop logs the traffic summary of the running proxy and shuts it down.
func (s *supervisor) stop(failure string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	sum, err := s.current.Summary(ctx)
	cancel()
	if err != nil {
		logger.Warn("Could not read traffic summary: %v", err)
	} else {
		logger.Info("Handled %d requests (%d failed), %d cache hits, %d misses (hit ratio %.1f%%), %s served",
			sum.TotalRequests, sum.FailedRequests, sum.CacheHits, sum.CacheMisses,
			sum.HitRatio()*100, humanize.Bytes(uint64(sum.BytesServed)))
	}

	if err := s.current.Stop(); err != nil {
		logger.Error("%s: %v", failure, err)
	}
}

// loadEnvFile sets KEY=VALUE pairs from a .env-style file. Blank lines and
// lines starting with # are skipped, surrounding quotes are removed.
func loadEnvFile(path string) error {
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("invalid file path: %w", err)
	}
	f, err := os.Open(abs)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if err := os.Setenv(key, strings.Trim(strings.TrimSpace(val), `"'`)); err != nil {
			logger.Error("Error setting environment variable %s: %v", key, err)
		}
	}
	return scanner.Err()
}
