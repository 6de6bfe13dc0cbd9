package hostaccess

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/api"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/failure"
)

type fakeSession struct {
	result *Result
	err    error
	cmds   []string
	stdin  []byte
	closed bool
}

func (f *fakeSession) Exec(ctx context.Context, cmd string, stdin io.Reader) (*Result, error) {
	f.cmds = append(f.cmds, cmd)
	f.stdin, _ = io.ReadAll(stdin)
	return f.result, f.err
}

func (f *fakeSession) Close() error {
	f.closed = true
	return nil
}

type fakeDialer struct {
	session *fakeSession
	err     error
	addrs   []string
}

func (f *fakeDialer) Connect(ctx context.Context, addr string) (Session, error) {
	f.addrs = append(f.addrs, addr)
	if f.err != nil {
		return nil, f.err
	}
	return f.session, nil
}

func testDesired() *api.DesiredState {
	return &api.DesiredState{
		Commit: "abc123",
		Topology: &api.Topology{Name: "demo", Services: []*api.Service{
			{Name: "backend", Context: "backend", Port: 8000},
		}},
		Images: map[string]api.ImageRef{
			"backend": {Namespace: "ghcr.io/acme", Service: "backend", Tag: "sha256-0123456789abcdef"},
		},
	}
}

func TestDeploy(t *testing.T) {
	report := &api.ReconcileReport{Commit: "abc123", Results: []*api.ServiceResult{{Service: "backend", Result: api.ResultStarted}}}
	stdout, err := json.Marshal(report)
	require.NoError(t, err)

	sess := &fakeSession{result: &Result{Stdout: stdout}}
	d := &Deployer{Dialer: &fakeDialer{session: sess}, Address: "10.0.0.5", AgentPath: "/usr/local/bin/pipeline-agent", StateDir: "/var/lib/pipeline-agent"}

	got, err := d.Deploy(context.Background(), testDesired())
	require.NoError(t, err)
	assert.Equal(t, api.ResultStarted, got.Result("backend").Result)
	assert.Equal(t, []string{"'/usr/local/bin/pipeline-agent' reconcile --state-dir '/var/lib/pipeline-agent' --desired -"}, sess.cmds)
	assert.True(t, sess.closed)

	sent := &api.DesiredState{}
	_, err = toml.Decode(string(sess.stdin), sent)
	require.NoError(t, err)
	assert.Equal(t, testDesired(), sent)
}

func TestDeployFailures(t *testing.T) {
	t.Run("unreachable host", func(t *testing.T) {
		d := &Deployer{Dialer: &fakeDialer{err: errors.New("connection refused")}, Address: "10.0.0.5"}
		_, err := d.Deploy(context.Background(), testDesired())
		var ru *failure.RuntimeUnreachable
		require.ErrorAs(t, err, &ru)
		assert.Equal(t, "10.0.0.5", ru.Host)
	})

	t.Run("host key mismatch", func(t *testing.T) {
		d := &Deployer{Dialer: &fakeDialer{err: ErrHostKeyMismatch}, Address: "10.0.0.5"}
		_, err := d.Deploy(context.Background(), testDesired())
		var ce *failure.ConfigError
		require.ErrorAs(t, err, &ce)
	})

	t.Run("runtime down", func(t *testing.T) {
		sess := &fakeSession{result: &Result{ExitCode: AgentExitUnreachable, Stderr: []byte("msg=...\nerr=\"cannot connect to docker\"\n")}}
		d := &Deployer{Dialer: &fakeDialer{session: sess}, Address: "10.0.0.5"}
		_, err := d.Deploy(context.Background(), testDesired())
		var ru *failure.RuntimeUnreachable
		require.ErrorAs(t, err, &ru)
		assert.Contains(t, ru.Error(), "cannot connect to docker")
	})

	t.Run("agent failure", func(t *testing.T) {
		sess := &fakeSession{result: &Result{ExitCode: AgentExitFailed, Stderr: []byte("boom")}}
		d := &Deployer{Dialer: &fakeDialer{session: sess}, Address: "10.0.0.5"}
		_, err := d.Deploy(context.Background(), testDesired())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "exited with status 1: boom")
	})
}

func TestReady(t *testing.T) {
	sess := &fakeSession{result: &Result{Stdout: []byte("26.1.4\n")}}
	d := &Deployer{Dialer: &fakeDialer{session: sess}, Address: "10.0.0.5"}
	require.NoError(t, d.Ready(context.Background()))

	sess.result = &Result{ExitCode: 127, Stderr: []byte("docker: command not found")}
	assert.Error(t, d.Ready(context.Background()))
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, `'/opt/my agent'`, shellQuote("/opt/my agent"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}
