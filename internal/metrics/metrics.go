// Package metrics defines the Prometheus counters incremented by the audit
// ledger and the drift guard. Registration uses the default registry via
// promauto; exposing a scrape endpoint is the hosting process's concern.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EntriesAppended counts entries durably appended across all ledgers.
	EntriesAppended = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avl_entries_appended_total",
		Help: "Total audit ledger entries appended.",
	})

	// DriftEvents counts drift guard evaluations that fired at least one rule.
	DriftEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avl_drift_events_total",
		Help: "Total drifted transitions detected by the drift guard.",
	})

	// WriteFailures counts appends that failed on the durable write path.
	WriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avl_write_failures_total",
		Help: "Total ledger write failures (lock timeouts and storage errors).",
	})
)
