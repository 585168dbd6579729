package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-camera-server/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"captures", snap.Captures,
					"capture_errors", snap.CaptureErrors,
					"fanout", snap.Fanout,
					"tcp_rx", snap.TCPRx,
					"tcp_tx", snap.TCPTx,
					"tx_frames", snap.TxFrames,
					"parse_errors", snap.ParseErrors,
					"sessions", snap.Sessions,
					"collector_clients", snap.CollectorClients,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
