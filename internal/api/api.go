package api

import (
	"time"

	"github.com/opencontainers/go-digest"
)

// Topology is the declared set of services deployed to one host.
type Topology struct {
	Name     string     `toml:"name" json:"name"`
	Platform string     `toml:"platform" json:"platform,omitempty"` // e.g. linux/amd64
	Services []*Service `toml:"service" json:"services"`
}

// Service returns the named service or nil.
func (t *Topology) Service(name string) *Service {
	if t == nil {
		return nil
	}
	for _, svc := range t.Services {
		if svc.Name == name {
			return svc
		}
	}
	return nil
}

type Service struct {
	Name          string            `toml:"name" json:"name"`
	Context       string            `toml:"context" json:"context"`                 // relative to the source checkout
	Dockerfile    string            `toml:"dockerfile" json:"dockerfile,omitempty"` // relative to Context
	Target        string            `toml:"target" json:"target,omitempty"`         // runtime stage of a multi-stage build
	Port          int               `toml:"port" json:"port"`
	ContainerPort int               `toml:"container_port" json:"containerPort,omitempty"` // defaults to Port
	Env           map[string]string `toml:"env" json:"env,omitempty"`
	DependsOn     []string          `toml:"depends_on" json:"dependsOn,omitempty"`
	Health        string            `toml:"health" json:"health,omitempty"` // "tcp" or "http:<path>"
	BuildRequires []string          `toml:"build_requires" json:"buildRequires,omitempty"`
}

// InternalPort is the port the service listens on inside its container.
func (s *Service) InternalPort() int {
	if s.ContainerPort > 0 {
		return s.ContainerPort
	}
	return s.Port
}

// Artifact is the output of building one service.
type Artifact struct {
	Service string        `toml:"service" json:"service"`
	Image   ImageRef      `toml:"image" json:"image"`
	Digest  digest.Digest `toml:"digest" json:"digest"` // content digest of the build input
	ImageID string        `toml:"image_id" json:"imageId"`
	Cached  bool          `toml:"-" json:"cached"`
}

// DesiredState is what the coordinator asks a host to converge to.
type DesiredState struct {
	Commit   string              `toml:"commit" json:"commit"`
	Topology *Topology           `toml:"topology" json:"topology"`
	Images   map[string]ImageRef `toml:"images" json:"images"` // by service name
}

// DeployedService is one entry of a host's Deployment State.
type DeployedService struct {
	Service     string        `toml:"service" json:"service"`
	Image       ImageRef      `toml:"image" json:"image"`
	Digest      digest.Digest `toml:"digest" json:"digest"`
	ContainerID string        `toml:"container_id" json:"containerId"`
	Port        int           `toml:"port" json:"port"`
	UpdatedAt   time.Time     `toml:"updated_at" json:"updatedAt"`
}

// DeploymentState maps service names to what is currently running on a host.
type DeploymentState struct {
	Commit   string                      `toml:"commit" json:"commit"`
	Services map[string]*DeployedService `toml:"services" json:"services"`
}

// Clone returns a deep copy so readers never observe a pass in progress.
func (d *DeploymentState) Clone() *DeploymentState {
	out := &DeploymentState{Services: map[string]*DeployedService{}}
	if d == nil {
		return out
	}
	out.Commit = d.Commit
	for name, svc := range d.Services {
		cp := *svc
		out.Services[name] = &cp
	}
	return out
}

type RolloutResult string

const (
	ResultUnchanged      RolloutResult = "unchanged"
	ResultStarted        RolloutResult = "started"
	ResultReplaced       RolloutResult = "replaced"
	ResultRestarted      RolloutResult = "restarted"
	ResultRolloutTimeout RolloutResult = "rollout-timeout"
	ResultBlocked        RolloutResult = "blocked"
	ResultFailed         RolloutResult = "failed"
	ResultRemoved        RolloutResult = "removed"
)

// OK reports whether the service ended the pass at its desired version.
func (r RolloutResult) OK() bool {
	switch r {
	case ResultUnchanged, ResultStarted, ResultReplaced, ResultRestarted, ResultRemoved:
		return true
	}
	return false
}

type ServiceResult struct {
	Service string        `json:"service"`
	Result  RolloutResult `json:"result"`
	Digest  digest.Digest `json:"digest,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// ReconcileReport is the per-service outcome of one reconciliation pass.
type ReconcileReport struct {
	Commit     string           `json:"commit"`
	Results    []*ServiceResult `json:"results"`
	StartedAt  time.Time        `json:"startedAt"`
	FinishedAt time.Time        `json:"finishedAt"`
}

func (r *ReconcileReport) Result(service string) *ServiceResult {
	for _, res := range r.Results {
		if res.Service == service {
			return res
		}
	}
	return nil
}

// Failures returns the results of services that did not converge.
func (r *ReconcileReport) Failures() []*ServiceResult {
	var out []*ServiceResult
	for _, res := range r.Results {
		if !res.Result.OK() {
			out = append(out, res)
		}
	}
	return out
}
