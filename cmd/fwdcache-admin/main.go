// fwdcache-admin edits the filter lists, clears the response cache and shows
// the request log of a fwdcache installation.
//
//	fwdcache-admin [--config file] filter list <blacklist|whitelist>
//	fwdcache-admin [--config file] filter add <blacklist|whitelist> <host>
//	fwdcache-admin [--config file] filter remove <blacklist|whitelist> <host>
//	fwdcache-admin [--config file] cache clear
//	fwdcache-admin [--config file] logs [--limit n]
//	fwdcache-admin [--config file] stats
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/codefionn/fwdcache/fwdcache-srv/cache"
	"github.com/codefionn/fwdcache/fwdcache-srv/config"
	"github.com/codefionn/fwdcache/fwdcache-srv/filter"
	"github.com/codefionn/fwdcache/fwdcache-srv/logger"
	"github.com/codefionn/fwdcache/fwdcache-srv/stats"
	"github.com/codefionn/fwdcache/fwdcache-srv/store"
)

var errUsage = errors.New("usage: fwdcache-admin [--config file] filter|cache|logs|stats ...")

func main() {
	configPath := pflag.String("config", "config.json", "Path to configuration file")
	limit := pflag.Int("limit", 20, "Number of log entries to show")
	pflag.Parse()

	logger.SetLevel(logger.WARN)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Warn("Could not load config file: %v. Using environment variables.", err)
		if cfg, err = config.LoadConfig(""); err != nil {
			logger.Fatal("Failed to load configuration: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := run(ctx, cfg, pflag.Args(), *limit, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, args []string, limit int, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}

	switch args[0] {
	case "filter":
		return runFilter(ctx, cfg, args[1:], out)
	case "cache":
		if len(args) != 2 || args[1] != "clear" {
			return errUsage
		}
		return clearCache(ctx, cfg, out)
	case "logs":
		return withCollector(cfg, func(c *stats.SQLCollector) error {
			return printLogs(ctx, c, limit, out)
		})
	case "stats":
		return withCollector(cfg, func(c *stats.SQLCollector) error {
			return printStats(ctx, c, out)
		})
	default:
		return errUsage
	}
}

func runFilter(ctx context.Context, cfg *config.Config, args []string, out io.Writer) error {
	if len(args) < 2 {
		return errUsage
	}
	if cfg.Filter.Backend == config.FilterBackendStatic {
		return fmt.Errorf("static filter lists are edited in the configuration file")
	}
	kind, err := filter.ParseKind(args[1])
	if err != nil {
		return err
	}

	db, err := store.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer closeDB(db)
	filters := filter.NewSQLStore(db)

	switch {
	case args[0] == "list" && len(args) == 2:
		hosts, err := filters.List(ctx, kind)
		if err != nil {
			return err
		}
		for _, host := range hosts {
			fmt.Fprintln(out, host)
		}
		return nil
	case args[0] == "add" && len(args) == 3:
		if err := filters.Add(ctx, args[2], kind); err != nil {
			return err
		}
		fmt.Fprintf(out, "added %s to %s\n", args[2], kind)
		return nil
	case args[0] == "remove" && len(args) == 3:
		if err := filters.Remove(ctx, args[2], kind); err != nil {
			return err
		}
		fmt.Fprintf(out, "removed %s from %s\n", args[2], kind)
		return nil
	default:
		return errUsage
	}
}

func clearCache(ctx context.Context, cfg *config.Config, out io.Writer) error {
	c, err := cache.NewFromConfig(ctx, cfg.Cache)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("the response cache is disabled")
	}
	defer func() {
		if err := c.Close(); err != nil {
			logger.Error("Error closing cache: %v", err)
		}
	}()

	if err := c.Clear(ctx); err != nil {
		return err
	}
	fmt.Fprintln(out, "cache cleared")
	return nil
}

func withCollector(cfg *config.Config, fn func(*stats.SQLCollector) error) error {
	db, err := store.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer closeDB(db)
	return fn(stats.NewSQLCollector(db))
}

func printLogs(ctx context.Context, c stats.Collector, limit int, out io.Writer) error {
	requests, err := c.RecentRequests(ctx, limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTIME\tCLIENT\tTARGET\tREQUEST\tCACHE\tSTATUS\tSIZE\tTIME(ms)")
	for _, req := range requests {
		line := fmt.Sprintf("%d\t%s\t%s:%d\t%s:%d\t%s %s %s",
			req.ID, req.Timestamp.Local().Format(time.DateTime), req.ClientIP, req.ClientPort,
			req.TargetHost, req.TargetPort, req.Method, req.URL, req.Protocol)
		switch {
		case req.ErrorMessage != nil:
			line += "\t-\terror: " + *req.ErrorMessage + "\t-\t-"
		case req.Response == nil:
			line += "\t-\t-\t-\t-"
		default:
			status := "-"
			if req.Response.Status != nil {
				status = fmt.Sprint(*req.Response.Status)
			}
			line += fmt.Sprintf("\t%s\t%s\t%s\t%d", req.Response.CacheStatus, status,
				humanize.Bytes(uint64(req.Response.Size)), req.Response.Elapsed.Milliseconds())
		}
		fmt.Fprintln(w, line)
	}
	return w.Flush()
}

func printStats(ctx context.Context, c stats.Collector, out io.Writer) error {
	sum, err := c.Summary(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "requests:     %d (%d failed)\n", sum.TotalRequests, sum.FailedRequests)
	fmt.Fprintf(out, "responses:    %d\n", sum.Responses)
	fmt.Fprintf(out, "cache hits:   %d\n", sum.CacheHits)
	fmt.Fprintf(out, "cache misses: %d\n", sum.CacheMisses)
	fmt.Fprintf(out, "hit ratio:    %.1f%%\n", sum.HitRatio()*100)
	fmt.Fprintf(out, "served:       %s\n", humanize.Bytes(uint64(sum.BytesServed)))
	return nil
}

func closeDB(db *store.DB) {
	if err := db.Close(); err != nil {
		logger.Error("Error closing database: %v", err)
	}
}
