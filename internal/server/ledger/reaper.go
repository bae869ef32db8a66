package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/Zynh0722/nyazoom/internal/server/metrics"
)

// Reaper periodically sweeps the ledger and evicts records that are no
// longer eligible. Eviction goes through the same removal procedure as
// lazy expiry, so the sweep is purely a bound on how long stale state
// can linger.
type Reaper struct {
	ledger   *Ledger
	interval time.Duration
	done     chan struct{}
}

// NewReaper creates a new reaper over the given ledger.
func NewReaper(ledger *Ledger, interval time.Duration) *Reaper {
	return &Reaper{
		ledger:   ledger,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start begins the sweep loop in a background goroutine.
func (r *Reaper) Start(ctx context.Context) {
	slog.Info("reaper started", "interval", r.interval)

	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		// Run once immediately on start
		r.sweep()

		for {
			select {
			case <-ticker.C:
				r.sweep()
			case <-ctx.Done():
				slog.Info("reaper stopping")
				close(r.done)
				return
			}
		}
	}()
}

// Wait blocks until the reaper has fully stopped.
func (r *Reaper) Wait() {
	<-r.done
}

func (r *Reaper) sweep() {
	now := time.Now()

	var stale []Record
	for _, rec := range r.ledger.Records() {
		if !rec.Eligible(now, r.ledger.ttl) {
			stale = append(stale, rec)
		}
	}
	if len(stale) == 0 {
		return
	}

	var reaped int
	for _, rec := range stale {
		if !r.ledger.ExpireStale(rec.Token) {
			continue
		}
		reaped++
		slog.Info("reaped stale record",
			"token", rec.Token,
			"created_at", rec.CreatedAt,
			"downloads", rec.Downloads,
			"max_downloads", rec.MaxDownloads,
		)
	}

	metrics.RecordsReaped.Add(float64(reaped))
	slog.Info("sweep complete",
		"reaped", reaped,
		"live", r.ledger.Len(),
	)
}
