package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/kstaniek/go-camera-server/internal/collector"
	"github.com/kstaniek/go-camera-server/internal/metrics"
	"github.com/kstaniek/go-camera-server/internal/server"
)

// Helper implementations live in dedicated files: version.go, config.go,
// logger.go, metrics_logger.go, mdns.go, backend.go.

func main() {
	os.Exit(run())
}

func run() int {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("camera-server %s (commit %s, built %s)\n", version, commit, date)
		return 0
	}
	if cfg == nil {
		return 1
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	cam, err := initCamera(cfg, l)
	if err != nil {
		l.Error("camera_init_error", "error", err)
		return 1
	}
	defer func() { _ = cam.Close() }()

	coll := collector.New(cam, l)
	app := server.NewApp(
		server.WithListenAddr(cfg.listenAddr),
		server.WithCamera(cam),
		server.WithCollector(coll),
		server.WithLogger(l),
		server.WithReadTimeout(cfg.clientReadTO),
		server.WithMaxClients(cfg.maxClients),
	)
	if err := app.Start(); err != nil {
		l.Error("tcp_server_error", "error", err)
		return 1
	}

	// Start mDNS advertisement once the listener is bound.
	go func() {
		if !cfg.mdnsEnable {
			return
		}
		select {
		case <-app.Ready():
		case <-ctx.Done():
			return
		}
		var portNum int
		if _, p, err := net.SplitHostPort(app.Addr()); err == nil {
			if pn, perr := strconv.Atoi(p); perr == nil {
				portNum = pn
			}
		}
		cleanupMDNS, err := startMDNS(ctx, cfg, portNum)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
			return
		}
		l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", portNum)
		go func() { <-ctx.Done(); cleanupMDNS() }()
	}()

	metrics.SetReadinessFunc(func() bool {
		select {
		case <-app.Ready():
		default:
			return false
		}
		return ctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()
	if err := app.Stop(context.Background()); err != nil {
		l.Error("shutdown_error", "error", err)
	}
	wg.Wait()
	return 0
}
