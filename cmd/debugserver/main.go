// Command debugserver runs the debug-info server (spec §6): it scans
// configured plain-file and archive roots into the index store, and
// serves the resulting artifacts (plus upstream-delegated lookups) over
// HTTP.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	flags "github.com/jessevdk/go-flags"
	"golang.org/x/sync/errgroup"

	"github.com/dbgserver/dbgserver/cache"
	"github.com/dbgserver/dbgserver/index"
	"github.com/dbgserver/dbgserver/internal/service"
	"github.com/dbgserver/dbgserver/scan"
	"github.com/dbgserver/dbgserver/server"
	"github.com/dbgserver/dbgserver/upstream"
)

type options struct {
	PlainRoots   []string `short:"F" description:"add a plain-file scan root (repeatable)"`
	ArchiveRoots []string `short:"R" description:"add an archive scan root (repeatable)"`
	DBPath       string   `short:"d" long:"db" default:"debugserver.db" description:"index database path"`
	Port         int      `short:"p" long:"port" default:"8002" description:"HTTP listen port"`
	Interval     int      `short:"t" long:"interval" default:"300" description:"rescan interval, in seconds"`
	Verbose      []bool   `short:"v" long:"verbose" description:"increase log verbosity (repeatable)"`
}

func main() {
	os.Exit(run())
}

func run() int {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		if flags.WroteHelp(err) {
			return 0
		}
		return 1
	}

	logger := newLogger(len(opts.Verbose))

	store, err := index.Open(opts.DBPath)
	if err != nil {
		level.Error(logger).Log("msg", "opening index database", "path", opts.DBPath, "err", err)
		return 1
	}
	defer store.Close()

	cachePath := os.Getenv("DEBUGSERVER_CACHE_PATH")
	if cachePath == "" {
		cachePath = defaultCachePath()
	}
	c, err := cache.Open(cachePath, cache.DefaultInterval)
	if err != nil {
		level.Error(logger).Log("msg", "opening client cache", "path", cachePath, "err", err)
		return 1
	}

	up := buildUpstream(c)

	var roots []service.Root
	for _, p := range opts.PlainRoots {
		roots = append(roots, service.Root{Path: p, Archive: false})
	}
	for _, p := range opts.ArchiveRoots {
		roots = append(roots, service.Root{Path: p, Archive: true})
	}
	if len(roots) == 0 {
		level.Info(logger).Log("msg", "no scan roots configured; serving the existing index only")
	}

	ctx := service.New(store, c, up, logger, roots, opts.Interval)

	notifyCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGHUP, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: server.Handler(ctx),
	}

	listener, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		level.Error(logger).Log("msg", "binding HTTP port", "addr", srv.Addr, "err", err)
		return 1
	}

	var g errgroup.Group
	scanner := scan.New(store, logger, nil, nil, ctx.Interrupted)
	for _, r := range roots {
		r := r
		g.Go(func() error {
			runScanRoot(scanner, r, time.Duration(opts.Interval)*time.Second)
			return nil
		})
	}

	g.Go(func() error {
		level.Info(logger).Log("msg", "serving", "addr", srv.Addr)
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	<-notifyCtx.Done()
	level.Info(logger).Log("msg", "shutdown requested")
	ctx.Interrupt()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	if err := g.Wait(); err != nil {
		level.Error(logger).Log("msg", "HTTP server error", "err", err)
		return 1
	}
	return 0
}

func runScanRoot(s *scan.Scanner, r service.Root, interval time.Duration) {
	if r.Archive {
		s.RunArchive(r.Path, interval)
	} else {
		s.RunPlain(r.Path, interval)
	}
}

func buildUpstream(c *cache.Cache) *upstream.Client {
	raw := os.Getenv("DEBUGSERVER_URLS")
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	peers := strings.Fields(raw)

	timeout := 5 * time.Second
	if v := os.Getenv("DEBUGSERVER_TIMEOUT"); v != "" {
		if secs, err := time.ParseDuration(v + "s"); err == nil {
			timeout = secs
		}
	}
	return upstream.New(peers, timeout, c)
}

// defaultCachePath mirrors dbgserver-client.c's cache_path fallback:
// $HOME/.cache, or "/" if $HOME cannot be determined.
func defaultCachePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/"
	}
	return home + "/.cache"
}

func newLogger(verbosity int) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	var option level.Option
	switch {
	case verbosity >= 2:
		option = level.AllowAll()
	case verbosity == 1:
		option = level.AllowDebug()
	default:
		option = level.AllowInfo()
	}
	return level.NewFilter(logger, option)
}
