package hostaccess

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-kit/kit/log"

	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/api"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/failure"
)

// Exit codes of `agent reconcile`.
const (
	AgentExitOK          = 0
	AgentExitFailed      = 1
	AgentExitUnreachable = 2
	AgentExitConfig      = 4
)

// Deployer triggers a reconciliation pass on the host through the agent
// binary installed there.
type Deployer struct {
	Dialer    Dialer
	Address   string
	AgentPath string
	StateDir  string
	Logger    log.Logger
}

// Deploy sends desired to the agent and returns its per-service report. A
// host that cannot be reached, or whose container runtime is down, yields
// RuntimeUnreachable.
func (d *Deployer) Deploy(ctx context.Context, desired *api.DesiredState) (*api.ReconcileReport, error) {
	input := &bytes.Buffer{}
	if err := toml.NewEncoder(input).Encode(desired); err != nil {
		return nil, fmt.Errorf("encoding desired state: %w", err)
	}

	cmd := fmt.Sprintf("%s reconcile --state-dir %s --desired -", shellQuote(d.AgentPath), shellQuote(d.StateDir))
	result, err := d.exec(ctx, cmd, input)
	if err != nil {
		return nil, err
	}

	switch result.ExitCode {
	case AgentExitOK:
	case AgentExitUnreachable:
		return nil, &failure.RuntimeUnreachable{Host: d.Address, Cause: errors.New(lastLine(result.Stderr))}
	case AgentExitConfig:
		return nil, &failure.ConfigError{Field: "desired state", Cause: errors.New(lastLine(result.Stderr))}
	default:
		return nil, fmt.Errorf("agent on %s exited with status %d: %s", d.Address, result.ExitCode, lastLine(result.Stderr))
	}

	report := &api.ReconcileReport{}
	if err := json.Unmarshal(result.Stdout, report); err != nil {
		return nil, fmt.Errorf("decoding reconcile report: %w", err)
	}
	return report, nil
}

// Ready reports whether the host accepts SSH and its container runtime
// answers.
func (d *Deployer) Ready(ctx context.Context) error {
	result, err := d.exec(ctx, "docker info --format '{{.ServerVersion}}'", nil)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return &failure.RuntimeUnreachable{Host: d.Address, Cause: errors.New(lastLine(result.Stderr))}
	}
	return nil
}

func (d *Deployer) exec(ctx context.Context, cmd string, input *bytes.Buffer) (*Result, error) {
	logger := d.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}

	sess, err := d.Dialer.Connect(ctx, d.Address)
	if err != nil {
		if errors.Is(err, ErrHostKeyMismatch) {
			return nil, &failure.ConfigError{Field: "host.host_key_fingerprint", Cause: err}
		}
		return nil, &failure.RuntimeUnreachable{Host: d.Address, Cause: err}
	}
	defer sess.Close()

	logger.Log("msg", "running remote command", "host", d.Address, "cmd", cmd)
	result, err := sess.Exec(ctx, cmd, readerOrEmpty(input))
	if err != nil {
		return nil, &failure.RuntimeUnreachable{Host: d.Address, Cause: err}
	}
	return result, nil
}

func readerOrEmpty(b *bytes.Buffer) *bytes.Reader {
	if b == nil {
		return bytes.NewReader(nil)
	}
	return bytes.NewReader(b.Bytes())
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func lastLine(b []byte) string {
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	return lines[len(lines)-1]
}
