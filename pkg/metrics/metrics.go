/*
 * stalker-proxy relays the live channels of a Stalker portal to IPTV players.
 * Copyright (C) 2025  Lucas Duport
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of the proxy. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	upstreamRequests *prometheus.CounterVec
	upstreamInflight prometheus.Gauge
	cooldownSkips    prometheus.Counter

	sessionRefreshes *prometheus.CounterVec
	heartbeats       *prometheus.CounterVec

	playlistRequests *prometheus.CounterVec
	segmentRequests  *prometheus.CounterVec
	segmentBytes     prometheus.Counter
	linkRotRecovered prometheus.Counter
	repopulations    prometheus.Counter

	cacheRecords     prometheus.Gauge
	cacheSegments    prometheus.Gauge
	activeTranscodes prometheus.Gauge
}

// New creates and registers the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		upstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stalker_upstream_requests_total",
			Help: "Outbound requests to the portal or origin by outcome",
		}, []string{"outcome"}),
		upstreamInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stalker_upstream_inflight",
			Help: "Outbound requests currently holding a concurrency slot",
		}),
		cooldownSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stalker_upstream_cooldown_skips_total",
			Help: "Requests short-circuited during a rate-limit cooldown",
		}),
		sessionRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stalker_session_refreshes_total",
			Help: "Portal authentication sequences by result",
		}, []string{"result"}),
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stalker_heartbeats_total",
			Help: "Watchdog calls by result",
		}, []string{"result"}),
		playlistRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stalker_playlist_requests_total",
			Help: "Playlist requests by tier and result",
		}, []string{"tier", "result"}),
		segmentRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stalker_segment_requests_total",
			Help: "Segment requests by response status",
		}, []string{"status"}),
		segmentBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stalker_segment_bytes_total",
			Help: "Bytes relayed to clients from upstream segments",
		}),
		linkRotRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stalker_link_rot_recoveries_total",
			Help: "Variant playlists recovered through a fresh master resolution",
		}),
		repopulations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stalker_cache_repopulations_total",
			Help: "Cache repopulations triggered by a segment miss",
		}),
		cacheRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stalker_cache_records",
			Help: "Channels with a live cache record",
		}),
		cacheSegments: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stalker_cache_segments",
			Help: "Segments addressable through signed URLs",
		}),
		activeTranscodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stalker_active_transcodes",
			Help: "Running ffmpeg processes",
		}),
	}

	m.registry.MustRegister(
		m.upstreamRequests,
		m.upstreamInflight,
		m.cooldownSkips,
		m.sessionRefreshes,
		m.heartbeats,
		m.playlistRequests,
		m.segmentRequests,
		m.segmentBytes,
		m.linkRotRecovered,
		m.repopulations,
		m.cacheRecords,
		m.cacheSegments,
		m.activeTranscodes,
	)
	return m
}

func (m *Metrics) UpstreamRequest(outcome string) {
	if m == nil {
		return
	}
	m.upstreamRequests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) UpstreamInflight(delta float64) {
	if m == nil {
		return
	}
	m.upstreamInflight.Add(delta)
}

func (m *Metrics) CooldownSkip() {
	if m == nil {
		return
	}
	m.cooldownSkips.Inc()
}

func (m *Metrics) SessionRefresh(result string) {
	if m == nil {
		return
	}
	m.sessionRefreshes.WithLabelValues(result).Inc()
}

func (m *Metrics) Heartbeat(result string) {
	if m == nil {
		return
	}
	m.heartbeats.WithLabelValues(result).Inc()
}

func (m *Metrics) PlaylistRequest(tier, result string) {
	if m == nil {
		return
	}
	m.playlistRequests.WithLabelValues(tier, result).Inc()
}

func (m *Metrics) SegmentRequest(status string) {
	if m == nil {
		return
	}
	m.segmentRequests.WithLabelValues(status).Inc()
}

func (m *Metrics) SegmentBytes(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.segmentBytes.Add(float64(n))
}

func (m *Metrics) LinkRotRecovered() {
	if m == nil {
		return
	}
	m.linkRotRecovered.Inc()
}

func (m *Metrics) Repopulation() {
	if m == nil {
		return
	}
	m.repopulations.Inc()
}

// SetCache sets the cache gauges.
func (m *Metrics) SetCache(records, segments int) {
	if m == nil {
		return
	}
	m.cacheRecords.Set(float64(records))
	m.cacheSegments.Set(float64(segments))
}

func (m *Metrics) SetActiveTranscodes(n int) {
	if m == nil {
		return
	}
	m.activeTranscodes.Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
