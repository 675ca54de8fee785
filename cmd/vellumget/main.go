// Command vellumget is a smoke-test CLI for the engine: one request
// (GET unless -method names another) through the full dispatcher/planner/pool/interceptor/cache
// pipeline, printed to stdout.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vellumhttp/vellum"
	"github.com/vellumhttp/vellum/internal/adapter/diskcache"
	"github.com/vellumhttp/vellum/internal/adapter/httpcodec"
	"github.com/vellumhttp/vellum/internal/adapter/interceptor"
	"github.com/vellumhttp/vellum/internal/config"
	"github.com/vellumhttp/vellum/internal/core/domain"
	"github.com/vellumhttp/vellum/internal/core/exchange"
	"github.com/vellumhttp/vellum/internal/logger"
)

func main() {
	cacheDir := flag.String("cache-dir", "", "enable the disk cache at this directory")
	method := flag.String("method", "GET", "HTTP method")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: vellumget [-cache-dir dir] [-method METHOD] <url>")
		os.Exit(2)
	}

	cfg, err := config.Load(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, cleanup, err := logger.New(&logger.Config{
		Level:      cfg.Logging.Level,
		LogDir:     cfg.Logging.Dir,
		FileOutput: cfg.Logging.FileOutput,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     30,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()
	slog.SetDefault(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	target, err := url.Parse(flag.Arg(0))
	if err != nil {
		log.Error("invalid url", "error", err)
		os.Exit(1)
	}

	client := vellum.NewClient(log)
	client.ConnectTimeout = cfg.Timeouts.Connect
	client.NewExchange = func(conn *domain.Connection, req *domain.Request) interceptor.Exchange {
		return &exchange.Exchange{Codec: httpcodec.New(conn.App)}
	}

	if *cacheDir != "" {
		cache, err := diskcache.Open(*cacheDir, cfg.Cache.AppVersion, domain.CacheValueCount, cfg.Cache.MaxSizeMB<<20, nil)
		if err != nil {
			log.Error("disk cache open failed", "error", err)
			os.Exit(1)
		}
		cache.Logger = log
		defer cache.Close()
		client.CacheStore = &diskcache.ResponseStore{Cache: cache}
	}

	ctx, callCancel := context.WithTimeout(ctx, cfg.Timeouts.Call)
	defer callCancel()

	start := time.Now()
	resp, err := client.Do(ctx, &domain.Request{Method: *method, URL: target})
	if err != nil {
		log.Error("request failed", "error", err, "elapsed", time.Since(start))
		os.Exit(1)
	}
	defer func() {
		if resp.Body != nil && resp.Body.Reader != nil {
			_ = resp.Body.Reader.Close()
		}
	}()

	fmt.Printf("%s %d (%s)\n", resp.Protocol, resp.Code, time.Since(start))
	for _, kv := range resp.Headers {
		fmt.Printf("%s: %s\n", kv.Name, kv.Value)
	}
	fmt.Println()

	if resp.Body != nil && resp.Body.Reader != nil {
		if _, err := io.Copy(os.Stdout, resp.Body.Reader); err != nil {
			log.Error("reading body failed", "error", err)
			os.Exit(1)
		}
	}
}
