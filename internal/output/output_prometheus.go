package output

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tkjaer/pong/internal/shared"
)

// PrometheusOutput exposes samples as metrics
type PrometheusOutput struct {
	samplesTotal    *prometheus.CounterVec
	delta           *prometheus.GaugeVec
	deltaHistogram  *prometheus.HistogramVec
	lastSampleTime  *prometheus.GaugeVec
	lossRatio       *prometheus.GaugeVec
	destinationInfo *prometheus.GaugeVec

	info     shared.OutputInfo
	server   *http.Server
	listener net.Addr
}

// NewPrometheusOutput serves /metrics and /health on addr until Close
func NewPrometheusOutput(addr string) (*PrometheusOutput, error) {
	registry := prometheus.NewRegistry()
	p := newPrometheusOutputWithRegistry(registry)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	p.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	p.listener = ln.Addr()

	go func() {
		if err := p.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server failed", "addr", addr, "error", err)
		}
	}()
	slog.Info("Serving metrics", "addr", ln.Addr().String())
	return p, nil
}

func newPrometheusOutputWithRegistry(registry prometheus.Registerer) *PrometheusOutput {
	labels := []string{"destination", "ip", "port"}
	p := &PrometheusOutput{
		samplesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pong_samples_total",
				Help: "Total number of samples by outcome",
			},
			append(labels, "outcome"),
		),
		delta: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pong_delta_ms",
				Help: "Latency of the last rejected connection in milliseconds",
			},
			labels,
		),
		deltaHistogram: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pong_delta_milliseconds",
				Help:    "Distribution of rejected connection latency in milliseconds",
				Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 200, 500, 1000, 2000, 5000},
			},
			labels,
		),
		lastSampleTime: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pong_last_sample_timestamp",
				Help: "Timestamp of the last sample",
			},
			labels,
		),
		lossRatio: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pong_loss_ratio",
				Help: "Share of samples without a latency at the end of the session",
			},
			labels,
		),
		destinationInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pong_destination_info",
				Help: "Destination being measured (always 1)",
			},
			append(labels, "ptr", "method"),
		),
	}

	registry.MustRegister(p.samplesTotal)
	registry.MustRegister(p.delta)
	registry.MustRegister(p.deltaHistogram)
	registry.MustRegister(p.lastSampleTime)
	registry.MustRegister(p.lossRatio)
	registry.MustRegister(p.destinationInfo)

	return p
}

func (p *PrometheusOutput) Start(info shared.OutputInfo) {
	p.info = info
	p.destinationInfo.WithLabelValues(info.Destination, info.IP, strconv.Itoa(info.Port), info.PTR, info.Method).Set(1)
}

func (p *PrometheusOutput) Sample(s shared.Sample) {
	port := strconv.Itoa(s.Port)
	p.samplesTotal.WithLabelValues(s.Destination, s.IP, port, string(s.Outcome)).Inc()
	p.lastSampleTime.WithLabelValues(s.Destination, s.IP, port).Set(float64(s.Timestamp.Unix()))
	if s.OK() {
		p.delta.WithLabelValues(s.Destination, s.IP, port).Set(float64(s.DeltaMs))
		p.deltaHistogram.WithLabelValues(s.Destination, s.IP, port).Observe(float64(s.DeltaMs))
	}
}

func (p *PrometheusOutput) Complete(stats shared.Stats) {
	p.lossRatio.WithLabelValues(p.info.Destination, p.info.IP, strconv.Itoa(p.info.Port)).Set(stats.LossPct / 100)
}

// Addr returns the address the metrics server listens on, or "" when not serving.
func (p *PrometheusOutput) Addr() string {
	if p.listener == nil {
		return ""
	}
	return p.listener.String()
}

func (p *PrometheusOutput) Close() error {
	if p.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return p.server.Shutdown(ctx)
}
