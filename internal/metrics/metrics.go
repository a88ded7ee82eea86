/**
 * Copyright (c) 2022, Xerra Earth Observation Institute.
 * Copyright (c) 2025, Simeon Miteff.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

// Package metrics exposes scan-level counters as a prometheus.Collector.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector tracks scan-wide counters with atomic fields, implementing
// Describe/Collect the same way the teacher's own TCPInfoCollector does,
// generalized from per-connection TCP_INFO gauges to per-round scan
// counters.
type Collector struct {
	probesSent      uint64
	probesOpen      uint64
	probesClosed    uint64
	probesFiltered  uint64
	probesErrored   uint64
	rateLimitWaitNs uint64

	sentDesc      *prometheus.Desc
	openDesc      *prometheus.Desc
	closedDesc    *prometheus.Desc
	filteredDesc  *prometheus.Desc
	erroredDesc   *prometheus.Desc
	rateLimitDesc *prometheus.Desc

	connectRTT         prometheus.Histogram
	connectRetransmits prometheus.Counter
}

// New creates a Collector with the given constant labels (e.g. scan_id),
// mirroring the teacher's NewTCPInfoCollector(prefix, labels, constLabels,
// ...) constructor shape.
func New(constLabels prometheus.Labels) *Collector {
	return &Collector{
		sentDesc:      prometheus.NewDesc("portsweep_probes_sent_total", "Total probes sent.", nil, constLabels),
		openDesc:      prometheus.NewDesc("portsweep_probes_open_total", "Total probes that found an open port.", nil, constLabels),
		closedDesc:    prometheus.NewDesc("portsweep_probes_closed_total", "Total probes that found a closed port.", nil, constLabels),
		filteredDesc:  prometheus.NewDesc("portsweep_probes_filtered_total", "Total probes that timed out or were filtered.", nil, constLabels),
		erroredDesc:   prometheus.NewDesc("portsweep_probes_errored_total", "Total probes that errored.", nil, constLabels),
		rateLimitDesc: prometheus.NewDesc("portsweep_rate_limit_wait_seconds_total", "Cumulative time spent waiting on the rate limiter.", nil, constLabels),
		connectRTT: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "portsweep_connect_rtt_seconds",
			Help:        "TCP_INFO round-trip time sampled from successful connect probes.",
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(0.0001, 2, 16),
		}),
		connectRetransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "portsweep_connect_retransmits_total",
			Help:        "TCP_INFO cumulative retransmit count sampled from successful connect probes.",
			ConstLabels: constLabels,
		}),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.sentDesc
	descs <- c.openDesc
	descs <- c.closedDesc
	descs <- c.filteredDesc
	descs <- c.erroredDesc
	descs <- c.rateLimitDesc
	c.connectRTT.Describe(descs)
	c.connectRetransmits.Describe(descs)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	metrics <- prometheus.MustNewConstMetric(c.sentDesc, prometheus.CounterValue, float64(atomic.LoadUint64(&c.probesSent)))
	metrics <- prometheus.MustNewConstMetric(c.openDesc, prometheus.CounterValue, float64(atomic.LoadUint64(&c.probesOpen)))
	metrics <- prometheus.MustNewConstMetric(c.closedDesc, prometheus.CounterValue, float64(atomic.LoadUint64(&c.probesClosed)))
	metrics <- prometheus.MustNewConstMetric(c.filteredDesc, prometheus.CounterValue, float64(atomic.LoadUint64(&c.probesFiltered)))
	metrics <- prometheus.MustNewConstMetric(c.erroredDesc, prometheus.CounterValue, float64(atomic.LoadUint64(&c.probesErrored)))
	metrics <- prometheus.MustNewConstMetric(c.rateLimitDesc, prometheus.CounterValue, float64(atomic.LoadUint64(&c.rateLimitWaitNs))/1e9)
	c.connectRTT.Collect(metrics)
	c.connectRetransmits.Collect(metrics)
}

// RecordConnectInfo records one successful connect probe's TCP_INFO
// sample, feeding the portsweep_connect_rtt_seconds histogram and the
// portsweep_connect_retransmits_total counter described in §4.3.
func (c *Collector) RecordConnectInfo(rtt time.Duration, totalRetransmits uint32) {
	c.connectRTT.Observe(rtt.Seconds())
	if totalRetransmits > 0 {
		c.connectRetransmits.Add(float64(totalRetransmits))
	}
}

// IncSent records one probe dispatched.
func (c *Collector) IncSent() { atomic.AddUint64(&c.probesSent, 1) }

// IncOutcome records one probe's classification.
func (c *Collector) IncOutcome(open, closed, filtered bool) {
	switch {
	case open:
		atomic.AddUint64(&c.probesOpen, 1)
	case closed:
		atomic.AddUint64(&c.probesClosed, 1)
	case filtered:
		atomic.AddUint64(&c.probesFiltered, 1)
	}
}

// IncErrored records one probe that failed with an error rather than
// producing a classification.
func (c *Collector) IncErrored() { atomic.AddUint64(&c.probesErrored, 1) }

// AddRateLimitWait accumulates time spent blocked in the rate limiter, in
// nanoseconds.
func (c *Collector) AddRateLimitWait(ns int64) {
	if ns > 0 {
		atomic.AddUint64(&c.rateLimitWaitNs, uint64(ns))
	}
}

// Snapshot is a point-in-time read of the counters, used by status()/
// history() to report progress without going through the Prometheus
// registry.
type Snapshot struct {
	ProbesSent     uint64
	ProbesOpen     uint64
	ProbesClosed   uint64
	ProbesFiltered uint64
	ProbesErrored  uint64
}

// Snapshot reads the current counter values.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		ProbesSent:     atomic.LoadUint64(&c.probesSent),
		ProbesOpen:     atomic.LoadUint64(&c.probesOpen),
		ProbesClosed:   atomic.LoadUint64(&c.probesClosed),
		ProbesFiltered: atomic.LoadUint64(&c.probesFiltered),
		ProbesErrored:  atomic.LoadUint64(&c.probesErrored),
	}
}
