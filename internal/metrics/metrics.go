// Package metrics exposes the relay's Prometheus metrics: active sessions,
// RTP packets sent to the doorbell, upstream resets issued, and sessions
// that gave up retrying.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SessionProvider exposes the live session count from the active-session
// registry at scrape time.
type SessionProvider interface {
	Count() int
}

// Collector is a prometheus.Collector that gathers relay metrics at
// scrape time.
type Collector struct {
	sessions  SessionProvider
	startTime time.Time

	rtpPacketsSent   atomic.Uint64
	upstreamResets   atomic.Uint64
	sessionsGaveUp   atomic.Uint64
	backchannelFails atomic.Uint64

	activeSessionsDesc  *prometheus.Desc
	rtpPacketsDesc      *prometheus.Desc
	upstreamResetsDesc  *prometheus.Desc
	gaveUpDesc          *prometheus.Desc
	backchannelFailDesc *prometheus.Desc
	uptimeDesc          *prometheus.Desc
}

// NewCollector creates a new metrics collector. sessions may be nil if
// the active-session registry is unavailable.
func NewCollector(sessions SessionProvider, startTime time.Time) *Collector {
	return &Collector{
		sessions:  sessions,
		startTime: startTime,

		activeSessionsDesc: prometheus.NewDesc(
			"doorbell_relay_active_sessions",
			"Number of currently open WebSocket mic sessions",
			nil, nil,
		),
		rtpPacketsDesc: prometheus.NewDesc(
			"doorbell_relay_rtp_packets_sent_total",
			"Total RTP/PCMA packets written to the doorbell backchannel",
			nil, nil,
		),
		upstreamResetsDesc: prometheus.NewDesc(
			"doorbell_relay_upstream_resets_total",
			"Total times the upstream-reset helper was invoked",
			nil, nil,
		),
		gaveUpDesc: prometheus.NewDesc(
			"doorbell_relay_sessions_gave_up_total",
			"Total sessions that exhausted their retry budget",
			nil, nil,
		),
		backchannelFailDesc: prometheus.NewDesc(
			"doorbell_relay_backchannel_connect_failures_total",
			"Total backchannel connect failures, across all sessions",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"doorbell_relay_uptime_seconds",
			"Seconds since the relay process started",
			nil, nil,
		),
	}
}

// IncRTPPacketsSent is called once per RTP packet successfully written to
// a doorbell backchannel.
func (c *Collector) IncRTPPacketsSent() { c.rtpPacketsSent.Add(1) }

// IncUpstreamReset is called each time the upstream-reset helper runs.
func (c *Collector) IncUpstreamReset() { c.upstreamResets.Add(1) }

// IncSessionGaveUp is called when a session's retry budget is exhausted.
func (c *Collector) IncSessionGaveUp() { c.sessionsGaveUp.Add(1) }

// IncBackchannelFailure is called on every classified connect failure.
func (c *Collector) IncBackchannelFailure() { c.backchannelFails.Add(1) }

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeSessionsDesc
	ch <- c.rtpPacketsDesc
	ch <- c.upstreamResetsDesc
	ch <- c.gaveUpDesc
	ch <- c.backchannelFailDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.sessions != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeSessionsDesc, prometheus.GaugeValue,
			float64(c.sessions.Count()),
		)
	}
	ch <- prometheus.MustNewConstMetric(c.rtpPacketsDesc, prometheus.CounterValue, float64(c.rtpPacketsSent.Load()))
	ch <- prometheus.MustNewConstMetric(c.upstreamResetsDesc, prometheus.CounterValue, float64(c.upstreamResets.Load()))
	ch <- prometheus.MustNewConstMetric(c.gaveUpDesc, prometheus.CounterValue, float64(c.sessionsGaveUp.Load()))
	ch <- prometheus.MustNewConstMetric(c.backchannelFailDesc, prometheus.CounterValue, float64(c.backchannelFails.Load()))
	ch <- prometheus.MustNewConstMetric(c.uptimeDesc, prometheus.GaugeValue, time.Since(c.startTime).Seconds())
}
