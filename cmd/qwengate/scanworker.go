package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/qwengate/qwengate/internal/pool"
)

// poolScanWorker drives the pool's periodic light and full rescans. It is
// not part of the pool package itself because the scan cadence is a
// deployment concern (config.Tuning), not something the pool needs to know
// to serve a dispatch.
type poolScanWorker struct {
	pool         *pool.Pool
	scanInterval time.Duration
	fullInterval time.Duration // 0 disables the periodic full scan
}

func newPoolScanWorker(p *pool.Pool, scanInterval, fullInterval time.Duration) *poolScanWorker {
	return &poolScanWorker{pool: p, scanInterval: scanInterval, fullInterval: fullInterval}
}

func (w *poolScanWorker) Name() string { return "pool_scan" }

func (w *poolScanWorker) Run(ctx context.Context) error {
	scanTicker := time.NewTicker(w.scanInterval)
	defer scanTicker.Stop()

	var fullTicker *time.Ticker
	var fullC <-chan time.Time
	if w.fullInterval > 0 {
		fullTicker = time.NewTicker(w.fullInterval)
		defer fullTicker.Stop()
		fullC = fullTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-scanTicker.C:
			if err := w.pool.Rescan(ctx, pool.ScanLight); err != nil {
				slog.Warn("pool light scan failed", "error", err)
			}
		case <-fullC:
			if err := w.pool.Rescan(ctx, pool.ScanFull); err != nil {
				slog.Warn("pool full scan failed", "error", err)
			}
		}
	}
}
