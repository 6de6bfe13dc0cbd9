package registry

import (
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	pmetrics "github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/metrics"
)

var publishAttempts = prometheus.NewCounterFrom(stdprometheus.CounterOpts{
	Namespace: "pipeline",
	Subsystem: "registry",
	Name:      "requests_total",
	Help:      "Registry lookups and pushes, including retries.",
}, []string{pmetrics.LabelService, pmetrics.LabelSuccess})
