package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-kit/kit/log"
	"github.com/julienschmidt/httprouter"

	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/api"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/pipeline"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/rpc"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/store"
)

const maxHookBody = 5 << 20

// pushEvent accepts both a GitHub push payload and the plain trigger shape.
type pushEvent struct {
	Ref      string `json:"ref"`
	After    string `json:"after"`
	Branch   string `json:"branch"`
	CommitID string `json:"commit_id"`
}

func (p *pushEvent) Trigger() api.Trigger {
	t := api.Trigger{Branch: p.Branch, CommitID: p.CommitID}
	if t.Branch == "" {
		t.Branch = strings.TrimPrefix(p.Ref, "refs/heads/")
	}
	if t.CommitID == "" {
		t.CommitID = p.After
	}
	return t
}

type hookResponse struct {
	Queued  bool   `json:"queued"`
	Commit  string `json:"commit,omitempty"`
	Ignored string `json:"ignored,omitempty"`
}

func newWebhookHandler(key []byte, accepts func(api.Trigger) bool, queue *triggerQueue, logger log.Logger) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxHookBody))
		if err != nil {
			w.WriteHeader(400)
			return
		}

		hash := hmac.New(sha256.New, key)
		hash.Write(body)
		sig := []byte(strings.TrimPrefix(r.Header.Get("X-Hub-Signature-256"), "sha256="))
		if !hmac.Equal([]byte(hex.EncodeToString(hash.Sum(nil))), sig) {
			w.WriteHeader(401)
			return
		}

		event := &pushEvent{}
		if err := json.Unmarshal(body, event); err != nil {
			http.Error(w, "invalid payload", 400)
			return
		}
		trigger := event.Trigger()

		resp := &hookResponse{Commit: trigger.CommitID}
		switch {
		case strings.Trim(trigger.CommitID, "0") == "":
			resp.Ignored = "branch deleted or no commit"
		case !accepts(trigger):
			resp.Ignored = "branch " + trigger.Branch + " is not deployed"
		default:
			queue.Offer(trigger)
			resp.Queued = true
			logger.Log("msg", "queued pipeline run", "commit", trigger.CommitID, "branch", trigger.Branch)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(resp)
	}
}

func newPublicHandler(key []byte, accepts func(api.Trigger) bool, queue *triggerQueue, logger log.Logger) http.Handler {
	router := httprouter.New()
	router.POST("/hook", newWebhookHandler(key, accepts, queue, logger))
	return router
}

type runAPI struct {
	Coordinator *pipeline.Coordinator
	Runs        pipeline.RunStore
	Queue       *triggerQueue
}

func newAPIHandler(a *runAPI, auth rpc.Authorizer) http.Handler {
	router := httprouter.New()
	router.GET("/runs", rpc.WithAuth(auth, a.listRuns))
	router.POST("/runs", rpc.WithAuth(auth, a.createRun))
	router.GET("/runs/:id", rpc.WithAuth(auth, a.getRun))
	router.POST("/runs/:id/cancel", rpc.WithAuth(auth, a.cancelRun))
	return router
}

func (a *runAPI) listRuns(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := a.Runs.List(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, runs)
}

func (a *runAPI) getRun(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	run, err := a.Runs.Get(r.Context(), p.ByName("id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, err.Error(), 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, run)
}

// createRun queues a run for an explicit commit, bypassing the webhook.
func (a *runAPI) createRun(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	trigger := api.Trigger{}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxHookBody)).Decode(&trigger); err != nil {
		http.Error(w, "invalid trigger", 400)
		return
	}
	if !a.Coordinator.Accepts(trigger) {
		http.Error(w, pipeline.ErrIgnoredBranch.Error(), 422)
		return
	}
	a.Queue.Offer(trigger)
	writeJSON(w, http.StatusAccepted, &hookResponse{Queued: true, Commit: trigger.CommitID})
}

func (a *runAPI) cancelRun(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	err := a.Coordinator.Cancel(r.Context(), p.ByName("id"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), 404)
	case errors.Is(err, pipeline.ErrNotCancellable):
		http.Error(w, err.Error(), 409)
	case err != nil:
		http.Error(w, err.Error(), 500)
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
