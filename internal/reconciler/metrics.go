package reconciler

import (
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	pmetrics "github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/metrics"
)

var (
	passDuration = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
		Namespace: "pipeline",
		Subsystem: "reconciler",
		Name:      "pass_duration_seconds",
		Help:      "Duration of reconciliation passes in seconds.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300},
	}, []string{pmetrics.LabelSuccess})

	rollouts = prometheus.NewCounterFrom(stdprometheus.CounterOpts{
		Namespace: "pipeline",
		Subsystem: "reconciler",
		Name:      "rollouts_total",
		Help:      "Per-service outcomes of reconciliation passes.",
	}, []string{pmetrics.LabelService, pmetrics.LabelResult})
)
