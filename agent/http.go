package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-kit/kit/log"
	"github.com/julienschmidt/httprouter"

	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/failure"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/reconciler"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/rpc"
)

type agentAPI struct {
	Reconciler  *reconciler.Reconciler
	DesiredFile string
	Logger      log.Logger
}

func newAPIHandler(a *agentAPI, auth rpc.Authorizer) http.Handler {
	router := httprouter.New()
	router.GET("/state", rpc.WithAuth(auth, a.getState))
	router.GET("/logs", rpc.WithAuth(auth, a.getLogs))
	router.POST("/reconcile", rpc.WithAuth(auth, a.postReconcile))
	router.GET("/healthz", rpc.WithAuth(auth, a.getHealthz))
	return router
}

func (a *agentAPI) getState(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(a.Reconciler.State())
}

func (a *agentAPI) getLogs(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	service := r.URL.Query().Get("service")
	if service == "" {
		http.Error(w, "service is required", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	err := a.Reconciler.Logs(r.Context(), service, r.URL.Query().Get("since"), &flushWriter{w: w})
	switch {
	case errors.Is(err, reconciler.ErrUnknownService):
		http.Error(w, err.Error(), http.StatusNotFound)
	case err != nil:
		a.Logger.Log("msg", "error streaming container logs", "service", service, "err", err)
	}
}

// postReconcile queues behind any pass already holding the host lock.
func (a *agentAPI) postReconcile(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	desired, err := decodeDesired(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := saveDesired(a.DesiredFile, desired); err != nil {
		a.Logger.Log("msg", "failed to persist desired state", "err", err)
	}

	report, err := a.Reconciler.Reconcile(r.Context(), desired)
	if err != nil {
		http.Error(w, err.Error(), statusOf(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}

func (a *agentAPI) getHealthz(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	if err := a.Reconciler.Runtime.Ping(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Write([]byte("ok\n"))
}

func statusOf(err error) int {
	var (
		ru *failure.RuntimeUnreachable
		ce *failure.ConfigError
	)
	switch {
	case errors.As(err, &ru):
		return http.StatusServiceUnavailable
	case errors.As(err, &ce):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// flushWriter sends each write to the client immediately.
type flushWriter struct {
	w http.ResponseWriter
}

func (f *flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if fl, ok := f.w.(http.Flusher); ok {
		fl.Flush()
	}
	return n, err
}
