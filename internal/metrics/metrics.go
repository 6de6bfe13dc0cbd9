package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	LabelSuccess = "success"
	LabelStage   = "stage"
	LabelService = "service"
	LabelResult  = "result"
	LabelState   = "state"
)

// Handler serves the default prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
