// Package metrics publishes the client pipeline's MetricsSnapshot (§4.5.6)
// to a process-wide Prometheus registry, generalizing the teacher's
// ticker-driven log-line metrics (server/metrics.go's RunMetrics) into a
// pull-based collector the GUI collaborator (or any scraper) can read.
//
// Per spec §9's design note on global mutable state: the registry is
// confined to a single instance created by NewPublisher and initialized
// once at startup; all reads are snapshots.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Snapshot mirrors the fields the spec requires the client pipeline to
// publish roughly every 100 ms (§4.5.6). PoolFree/PoolInFlight are a
// server-side addition (§4.1 Buffer Pool) so a running sender's capture/send
// hand-off health is visible on the same scrape endpoint; they are left at
// zero by clients.
type Snapshot struct {
	AvgLatencyNs   uint64
	JitterNs       uint64
	LossRate       float64
	LateDrop       uint64
	TargetBufferNs uint64
	BufferedNs     uint64
	RMS            float64
	Peak           float64
	EncStatus      int32
	PoolFree       uint64
	PoolInFlight   uint64
}

// Publisher owns a dedicated Prometheus registry and exposes Snapshot
// fields as gauges. Safe for concurrent Publish calls from the metrics
// publisher goroutine; HTTP scrapes read a consistent gauge snapshot via
// the registry's own locking.
type Publisher struct {
	registry *prometheus.Registry

	avgLatency   prometheus.Gauge
	jitter       prometheus.Gauge
	lossRate     prometheus.Gauge
	lateDrop     prometheus.Gauge
	targetBuffer prometheus.Gauge
	bufferedNs   prometheus.Gauge
	rms          prometheus.Gauge
	peak         prometheus.Gauge
	encStatus    prometheus.Gauge
	poolFree     prometheus.Gauge
	poolInFlight prometheus.Gauge
}

// NewPublisher creates a Publisher with its own registry (not the global
// default registerer, so multiple clients in one process — e.g. in tests —
// never collide).
func NewPublisher() *Publisher {
	p := &Publisher{
		registry: prometheus.NewRegistry(),
		avgLatency:   prometheus.NewGauge(prometheus.GaugeOpts{Name: "remotemic_avg_latency_ns", Help: "Average one-way transit estimate in nanoseconds."}),
		jitter:       prometheus.NewGauge(prometheus.GaugeOpts{Name: "remotemic_jitter_ns", Help: "EWMA inter-arrival jitter in nanoseconds."}),
		lossRate:     prometheus.NewGauge(prometheus.GaugeOpts{Name: "remotemic_loss_rate", Help: "Estimated fraction of frames lost."}),
		lateDrop:     prometheus.NewGauge(prometheus.GaugeOpts{Name: "remotemic_late_drop_total", Help: "Frames dropped for arriving after the reorder window."}),
		targetBuffer: prometheus.NewGauge(prometheus.GaugeOpts{Name: "remotemic_target_buffer_ns", Help: "Current adaptive target jitter buffer size in nanoseconds."}),
		bufferedNs:   prometheus.NewGauge(prometheus.GaugeOpts{Name: "remotemic_buffered_ns", Help: "Currently buffered audio span in nanoseconds."}),
		rms:          prometheus.NewGauge(prometheus.GaugeOpts{Name: "remotemic_rms", Help: "RMS level of the most recently released audio batch."}),
		peak:         prometheus.NewGauge(prometheus.GaugeOpts{Name: "remotemic_peak", Help: "Decayed running peak RMS."}),
		encStatus:    prometheus.NewGauge(prometheus.GaugeOpts{Name: "remotemic_enc_status", Help: "Encryption status: 0=plain, 1=ok, -1=failed."}),
		poolFree:     prometheus.NewGauge(prometheus.GaugeOpts{Name: "remotemic_pool_free", Help: "Buffer pool slots currently on the free stack."}),
		poolInFlight: prometheus.NewGauge(prometheus.GaugeOpts{Name: "remotemic_pool_in_flight", Help: "Buffer pool slots filled and queued for the multicast loop."}),
	}
	p.registry.MustRegister(p.avgLatency, p.jitter, p.lossRate, p.lateDrop, p.targetBuffer, p.bufferedNs, p.rms, p.peak, p.encStatus, p.poolFree, p.poolInFlight)
	return p
}

// Publish updates all gauges from a fresh Snapshot.
func (p *Publisher) Publish(s Snapshot) {
	p.avgLatency.Set(float64(s.AvgLatencyNs))
	p.jitter.Set(float64(s.JitterNs))
	p.lossRate.Set(s.LossRate)
	p.lateDrop.Set(float64(s.LateDrop))
	p.targetBuffer.Set(float64(s.TargetBufferNs))
	p.bufferedNs.Set(float64(s.BufferedNs))
	p.rms.Set(s.RMS)
	p.peak.Set(s.Peak)
	p.encStatus.Set(float64(s.EncStatus))
	p.poolFree.Set(float64(s.PoolFree))
	p.poolInFlight.Set(float64(s.PoolInFlight))
}

// Handler returns the http.Handler that serves this Publisher's registry in
// the Prometheus text exposition format.
func (p *Publisher) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Serve starts an HTTP server exposing the metrics endpoint at addr until
// ctx is canceled, mirroring the teacher's context-cancellation shutdown
// pattern (server/main.go).
func (p *Publisher) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", p.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// PublishLoop calls source every interval and publishes the result until
// ctx is canceled. interval should be ~100ms per spec §4.5.6.
func PublishLoop(ctx context.Context, p *Publisher, interval time.Duration, source func() Snapshot) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Publish(source())
		}
	}
}
