package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-kit/kit/log"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/api"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/concurrency"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/failure"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/reconciler"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/rpc"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/runtime/runtimetest"
)

func desiredFor(rt *runtimetest.Runtime, commit string) *api.DesiredState {
	topo := &api.Topology{
		Name: "demo",
		Services: []*api.Service{
			{Name: "backend", Context: "backend", Port: 8000},
			{Name: "frontend", Context: "frontend", Port: 3000, DependsOn: []string{"backend"}},
		},
	}
	desired := &api.DesiredState{Commit: commit, Topology: topo, Images: map[string]api.ImageRef{}}
	for _, svc := range topo.Services {
		dgst := digest.FromString(commit + "/" + svc.Name)
		ref := api.ImageRef{Namespace: "ghcr.io/acme", Service: svc.Name, Tag: api.ContentTag(dgst)}
		rt.Images[ref.String()] = dgst
		desired.Images[svc.Name] = ref
	}
	return desired
}

func encode(t *testing.T, desired *api.DesiredState) *bytes.Buffer {
	buf := &bytes.Buffer{}
	require.NoError(t, toml.NewEncoder(buf).Encode(desired))
	return buf
}

type testAgent struct {
	rt      *runtimetest.Runtime
	api     *agentAPI
	handler http.Handler
	peer    *x509.Certificate
}

func newTestAgent(t *testing.T) *testAgent {
	dir := t.TempDir()
	rt := runtimetest.New()
	a := &agentAPI{
		Reconciler: &reconciler.Reconciler{
			Runtime:   rt,
			Lock:      concurrency.NewHostLock(filepath.Join(dir, "lock")),
			StateFile: filepath.Join(dir, "state.toml"),
			Timeout:   time.Millisecond * 60,
			Interval:  time.Millisecond * 5,
		},
		DesiredFile: filepath.Join(dir, "desired.toml"),
		Logger:      log.NewNopLogger(),
	}

	client, err := rpc.LoadIdentity(t.TempDir(), "pipectl")
	require.NoError(t, err)
	return &testAgent{
		rt:      rt,
		api:     a,
		handler: newAPIHandler(a, rpc.Fingerprints{client.Fingerprint}),
		peer:    client.Certificate.Leaf,
	}
}

func (ta *testAgent) do(method, target string, body *bytes.Buffer) *httptest.ResponseRecorder {
	var r *http.Request
	if body != nil {
		r = httptest.NewRequest(method, target, body)
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	r.TLS = &tls.ConnectionState{PeerCertificates: []*x509.Certificate{ta.peer}}
	w := httptest.NewRecorder()
	ta.handler.ServeHTTP(w, r)
	return w
}

func TestReconcileEndpoint(t *testing.T) {
	ta := newTestAgent(t)
	desired := desiredFor(ta.rt, "abc123")

	w := ta.do("POST", "/reconcile", encode(t, desired))
	require.Equal(t, 200, w.Code, w.Body.String())

	report := &api.ReconcileReport{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(report))
	assert.Equal(t, "abc123", report.Commit)
	require.Len(t, report.Results, 2)
	assert.Equal(t, "backend", report.Results[0].Service)
	assert.Equal(t, api.ResultStarted, report.Results[0].Result)

	// the desired state is kept for resyncs
	saved, err := loadDesired(ta.api.DesiredFile)
	require.NoError(t, err)
	assert.Equal(t, desired.Images, saved.Images)

	w = ta.do("GET", "/state", nil)
	require.Equal(t, 200, w.Code)
	state := &api.DeploymentState{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(state))
	assert.Equal(t, "abc123", state.Commit)
	assert.Equal(t, desired.Images["frontend"], state.Services["frontend"].Image)
}

func TestReconcileEndpointRejectsBadInput(t *testing.T) {
	ta := newTestAgent(t)

	w := ta.do("POST", "/reconcile", bytes.NewBufferString("not = [toml"))
	assert.Equal(t, 400, w.Code)

	desired := desiredFor(ta.rt, "abc123")
	delete(desired.Images, "frontend")
	w = ta.do("POST", "/reconcile", encode(t, desired))
	assert.Equal(t, 400, w.Code)
	assert.Contains(t, w.Body.String(), "frontend")
}

func TestReconcileEndpointRuntimeDown(t *testing.T) {
	ta := newTestAgent(t)
	ta.rt.Unreachable = true

	w := ta.do("POST", "/reconcile", encode(t, desiredFor(ta.rt, "abc123")))
	assert.Equal(t, 503, w.Code)

	w = ta.do("GET", "/healthz", nil)
	assert.Equal(t, 503, w.Code)
}

func TestLogsEndpoint(t *testing.T) {
	ta := newTestAgent(t)
	w := ta.do("POST", "/reconcile", encode(t, desiredFor(ta.rt, "abc123")))
	require.Equal(t, 200, w.Code)

	w = ta.do("GET", "/logs?service=backend", nil)
	assert.Equal(t, 200, w.Code)
	assert.True(t, strings.HasPrefix(w.Body.String(), "logs of backend-"))

	w = ta.do("GET", "/logs?service=nope", nil)
	assert.Equal(t, 404, w.Code)

	w = ta.do("GET", "/logs", nil)
	assert.Equal(t, 400, w.Code)
}

func TestUntrustedCaller(t *testing.T) {
	ta := newTestAgent(t)
	other, err := rpc.LoadIdentity(t.TempDir(), "stranger")
	require.NoError(t, err)
	ta.peer = other.Certificate.Leaf

	assert.Equal(t, 403, ta.do("GET", "/state", nil).Code)
	assert.Equal(t, 403, ta.do("GET", "/healthz", nil).Code)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))
	assert.Equal(t, 4, exitCode(&failure.ConfigError{Field: "desired", Cause: errors.New("bad")}))
	assert.Equal(t, 2, exitCode(&failure.RuntimeUnreachable{Host: "localhost", Cause: errors.New("down")}))
	assert.Equal(t, 1, exitCode(errors.New("disk full")))
}

func TestLoadDesiredMissing(t *testing.T) {
	desired, err := loadDesired(filepath.Join(t.TempDir(), "desired.toml"))
	require.NoError(t, err)
	assert.Nil(t, desired)
}

func TestStateEndpointSeesOneShotPasses(t *testing.T) {
	ta := newTestAgent(t)
	desired := desiredFor(ta.rt, "abc123")

	// what the deployer runs over SSH while serve keeps running
	oneShot := &reconciler.Reconciler{
		Runtime:   ta.rt,
		Lock:      ta.api.Reconciler.Lock,
		StateFile: ta.api.Reconciler.StateFile,
		Timeout:   time.Millisecond * 60,
		Interval:  time.Millisecond * 5,
	}
	_, err := oneShot.Reconcile(context.Background(), desired)
	require.NoError(t, err)

	w := ta.do("GET", "/state", nil)
	require.Equal(t, 200, w.Code)
	state := &api.DeploymentState{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(state))
	assert.Equal(t, "abc123", state.Commit)
	assert.Equal(t, desired.Images["backend"], state.Services["backend"].Image)
}
