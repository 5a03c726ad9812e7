package symbols

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the ingestion counters exported on /metrics.
type Metrics struct {
	RowsIngested *prometheus.CounterVec
	RowsSkipped  *prometheus.CounterVec
	Failures     prometheus.Counter
}

// NewMetrics registers the symbol metrics with reg. A nil reg creates
// unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RowsIngested: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tickerdesk",
			Subsystem: "symbols",
			Name:      "rows_ingested_total",
			Help:      "Symbol rows loaded into the database, by table.",
		}, []string{"table"}),
		RowsSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tickerdesk",
			Subsystem: "symbols",
			Name:      "rows_skipped_total",
			Help:      "Malformed symbol rows skipped during ingestion, by table.",
		}, []string{"table"}),
		Failures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "tickerdesk",
			Subsystem: "symbols",
			Name:      "ingest_failures_total",
			Help:      "Symbol ingestion runs that failed.",
		}),
	}
}
