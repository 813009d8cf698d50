package metrics

import (
	"net/http"
	"time"

	"github.com/david/sam-harvester/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg         *prometheus.Registry
	Items       *prometheus.CounterVec
	Attachments *prometheus.CounterVec
	RunSeconds  prometheus.Histogram
	LastRunTime prometheus.Gauge
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()
	items := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_items_total",
		Help: "Processed opportunities by final status.",
	}, []string{"status"})
	attachments := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_attachments_total",
		Help: "Attachment downloads by outcome.",
	}, []string{"outcome"})
	runSeconds := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "harvester_run_duration_seconds",
		Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 3600},
	})
	lastRun := prometheus.NewGauge(prometheus.GaugeOpts{Name: "harvester_last_run_timestamp_seconds"})

	r.MustRegister(items, attachments, runSeconds, lastRun)
	return &Registry{
		reg:         r,
		Items:       items,
		Attachments: attachments,
		RunSeconds:  runSeconds,
		LastRunTime: lastRun,
	}
}

// ObserveRun records one finished run. Safe on a nil registry.
func (r *Registry) ObserveRun(results []*models.OpportunityResult, elapsed time.Duration) {
	if r == nil {
		return
	}
	for _, res := range results {
		r.Items.WithLabelValues(string(res.Status())).Inc()
		for _, a := range res.Attachments {
			switch {
			case a.LocalPath != "":
				r.Attachments.WithLabelValues("downloaded").Inc()
			case a.Error != "":
				r.Attachments.WithLabelValues("failed").Inc()
			default:
				r.Attachments.WithLabelValues("skipped").Inc()
			}
		}
	}
	r.RunSeconds.Observe(elapsed.Seconds())
	r.LastRunTime.SetToCurrentTime()
}

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }
