// Package telemetry exports upsert engine events as Prometheus metrics.
//
// Notes:
//   - Collector implements core.Observer; attach it with core.WithObserver.
//   - Metrics are registered on the Registerer passed to NewCollector, never
//     on the global default registry, so several collectors can coexist in tests.
//   - Labels are bounded (call outcome, unit kind, unit outcome, record result);
//     record keys and call ids are never used as labels.
package telemetry

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"kvupsert/internal/upsert/core"
)

// Call and unit outcome label values.
const (
	OutcomeOK       = "ok"
	OutcomePartial  = "partial"
	OutcomeFailed   = "failed"
	OutcomeRejected = "rejected" // validation or check phase failure, nothing written
)

// Collector turns engine events into Prometheus metrics.
type Collector struct {
	calls          *prometheus.CounterVec
	keysChecked    prometheus.Counter
	keysExisting   prometheus.Counter
	keysUnverified prometheus.Counter
	records        *prometheus.CounterVec
	units          *prometheus.CounterVec
	unitDuration   *prometheus.HistogramVec
	rowsPerBatch   prometheus.Histogram
	callDuration   prometheus.Histogram
	checkDuration  prometheus.Histogram
	writeAvoidance prometheus.Gauge

	mu      sync.Mutex
	written float64
	skipped float64
}

// NewCollector builds the metrics and registers them on reg.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kvupsert_calls_total",
			Help: "Upsert calls by outcome (ok, partial, failed, rejected)",
		}, []string{"outcome"}),
		keysChecked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvupsert_keys_checked_total",
			Help: "Distinct keys whose existence was checked",
		}),
		keysExisting: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvupsert_keys_existing_total",
			Help: "Checked keys found already present in the store",
		}),
		keysUnverified: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvupsert_keys_unverified_total",
			Help: "Keys whose check failed under the best-effort policy and were treated as absent",
		}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kvupsert_records_total",
			Help: "Candidate records by result (written, skipped, duplicate, failed)",
		}, []string{"result"}),
		units: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kvupsert_units_total",
			Help: "Write units by kind (batch, single) and outcome",
		}, []string{"kind", "outcome"}),
		unitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kvupsert_unit_duration_seconds",
			Help:    "Latency of one write unit",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		rowsPerBatch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kvupsert_rows_per_batch",
			Help:    "Distribution of records per write unit",
			Buckets: []float64{1, 2, 4, 8, 16, 25, 32, 64, 100, 128, 256, 512},
		}),
		callDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kvupsert_call_duration_seconds",
			Help:    "End to end latency of an upsert call",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		}),
		checkDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kvupsert_check_phase_duration_seconds",
			Help:    "Latency of the existence check phase of a call",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		}),
		writeAvoidance: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kvupsert_write_avoidance_ratio",
			Help: "Fraction of distinct valid records skipped because the key already existed (skipped / (written + skipped))",
		}),
	}
	for _, m := range []prometheus.Collector{
		c.calls, c.keysChecked, c.keysExisting, c.keysUnverified, c.records,
		c.units, c.unitDuration, c.rowsPerBatch, c.callDuration, c.checkDuration, c.writeAvoidance,
	} {
		if err := reg.Register(m); err != nil {
			return nil, errors.Wrap(err, "registering upsert metrics")
		}
	}
	return c, nil
}

// ChecksCompleted implements core.Observer.
func (c *Collector) ChecksCompleted(_ string, checked, existing, unverified int, d time.Duration) {
	c.keysChecked.Add(float64(checked))
	c.keysExisting.Add(float64(existing))
	c.keysUnverified.Add(float64(unverified))
	c.checkDuration.Observe(d.Seconds())
}

// UnitCompleted implements core.Observer.
func (c *Collector) UnitCompleted(_ string, o core.OperationOutcome) {
	kind := o.Unit.Kind()
	c.units.WithLabelValues(kind, unitOutcome(o)).Inc()
	c.unitDuration.WithLabelValues(kind).Observe(o.Duration.Seconds())
	c.rowsPerBatch.Observe(float64(len(o.Unit.Records)))
}

// UpsertCompleted implements core.Observer.
func (c *Collector) UpsertCompleted(res *core.UpsertResult, err error, d time.Duration) {
	c.callDuration.Observe(d.Seconds())
	switch {
	case err != nil || res == nil:
		c.calls.WithLabelValues(OutcomeRejected).Inc()
		return
	case res.Failed == 0:
		c.calls.WithLabelValues(OutcomeOK).Inc()
	case res.Written == 0 && res.Skipped == 0:
		c.calls.WithLabelValues(OutcomeFailed).Inc()
	default:
		c.calls.WithLabelValues(OutcomePartial).Inc()
	}
	c.records.WithLabelValues("written").Add(float64(res.Written))
	c.records.WithLabelValues("skipped").Add(float64(res.Skipped))
	c.records.WithLabelValues("duplicate").Add(float64(res.Duplicates))
	c.records.WithLabelValues("failed").Add(float64(res.Failed))

	c.mu.Lock()
	c.written += float64(res.Written)
	c.skipped += float64(res.Skipped)
	if total := c.written + c.skipped; total > 0 {
		c.writeAvoidance.Set(c.skipped / total)
	}
	c.mu.Unlock()
}

func unitOutcome(o core.OperationOutcome) string {
	switch {
	case o.Succeeded():
		return OutcomeOK
	case len(o.Failed) < len(o.Unit.Records):
		return OutcomePartial
	default:
		return OutcomeFailed
	}
}
