package rates

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/forgecommerce/vatcalc/internal/metrics"
)

// SnapshotFunc fetches the current snapshot, typically from the location
// the table was opened from.
type SnapshotFunc func(ctx context.Context) (Snapshot, error)

// Reloader periodically refetches a snapshot and swaps it into a table.
// A failed reload keeps the previous rates and is retried on the next tick.
type Reloader struct {
	table    *Table
	fetch    SnapshotFunc
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics

	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewReloader creates a reloader that refreshes table every interval.
func NewReloader(table *Table, fetch SnapshotFunc, interval time.Duration, logger *slog.Logger, m *metrics.Metrics) *Reloader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reloader{
		table:    table,
		fetch:    fetch,
		interval: interval,
		timeout:  time.Minute,
		logger:   logger,
		metrics:  m,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the reload loop in a goroutine. The table is assumed fresh, so
// the first reload happens after one interval.
func (r *Reloader) Start() {
	r.logger.Info("rate snapshot reloader started", "interval", r.interval.String())
	r.wg.Add(1)
	go r.loop()
}

// Stop signals the loop to exit and waits for it. Safe to call repeatedly.
func (r *Reloader) Stop() {
	r.once.Do(func() {
		close(r.stopCh)
	})
	r.wg.Wait()
}

func (r *Reloader) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.Reload(context.Background()); err != nil {
				r.logger.Error("rate snapshot reload failed", "error", err)
			}
		case <-r.stopCh:
			r.logger.Info("rate snapshot reloader stopped")
			return
		}
	}
}

// Reload fetches the snapshot once and replaces the table's rates.
func (r *Reloader) Reload(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	snap, err := r.fetch(ctx)
	if err != nil {
		r.metrics.ObserveSnapshotReload("error")
		return err
	}
	if err := r.table.Replace(snap); err != nil {
		r.metrics.ObserveSnapshotReload("invalid")
		return err
	}

	r.metrics.ObserveSnapshotReload("ok")
	r.logger.Info("rate snapshot reloaded", "countries", len(r.table.Countries()))
	return nil
}
