// Package metrics exposes the server's Prometheus instruments. All
// collectors register on the default registry and are served by the
// /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// UploadsTotal counts archives successfully created and registered.
	UploadsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nyazoom",
		Name:      "uploads_total",
		Help:      "Number of archives successfully created.",
	})

	// DownloadsTotal counts downloads granted. A granted download that
	// the client aborts mid-stream still counts.
	DownloadsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nyazoom",
		Name:      "downloads_total",
		Help:      "Number of downloads granted.",
	})

	// RecordsReaped counts records evicted by the background sweep.
	// Lazily expired records are not included.
	RecordsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nyazoom",
		Name:      "records_reaped_total",
		Help:      "Number of stale records evicted by the reaper.",
	})
)

// RegisterActiveRecords exposes a gauge backed by the given count
// function, typically the ledger's live record count.
func RegisterActiveRecords(count func() float64) {
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "nyazoom",
		Name:      "active_records",
		Help:      "Records currently live in the ledger.",
	}, count)
}
