package pipeline

import (
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	pmetrics "github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/metrics"
)

var (
	stageDuration = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
		Namespace: "pipeline",
		Subsystem: "coordinator",
		Name:      "stage_duration_seconds",
		Help:      "Duration of pipeline stages in seconds.",
		Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200},
	}, []string{pmetrics.LabelStage, pmetrics.LabelSuccess})

	runsTotal = prometheus.NewCounterFrom(stdprometheus.CounterOpts{
		Namespace: "pipeline",
		Subsystem: "coordinator",
		Name:      "runs_total",
		Help:      "Finished pipeline runs by final state.",
	}, []string{pmetrics.LabelState})
)
