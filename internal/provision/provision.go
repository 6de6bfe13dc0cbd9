// Package provision converges a cloud host to declared host settings:
// one instance with a container runtime and a fixed set of inbound ports.
package provision

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/go-kit/kit/log"
	"github.com/opencontainers/go-digest"

	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/config"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/failure"
)

//go:embed boot.sh
var defaultBootScript string

// ErrReplacementRequired is returned by Apply when the host would have to be
// replaced and replacement was not allowed.
var ErrReplacementRequired = errors.New("host must be replaced to apply these settings")

type Spec struct {
	Name         string
	InstanceType string
	Image        string
	KeyName      string
	Subnet       string
	Ports        []int
	AllowCIDR    string
	BootScript   string
}

// BootDigest identifies the boot script a host was created with.
func (s *Spec) BootDigest() string {
	return digest.FromString(s.BootScript).String()
}

// SpecFromConfig reads the boot script from disk when one is configured.
func SpecFromConfig(c config.ProvisionConfig) (*Spec, error) {
	spec := &Spec{
		Name:         c.Name,
		InstanceType: c.InstanceType,
		Image:        c.Image,
		KeyName:      c.KeyName,
		Subnet:       c.Subnet,
		Ports:        slices.Clone(c.Ports),
		AllowCIDR:    c.AllowCIDR,
		BootScript:   defaultBootScript,
	}
	if c.BootScript != "" {
		buf, err := os.ReadFile(c.BootScript)
		if err != nil {
			return nil, &failure.ConfigError{Field: "provision.boot_script", Cause: err}
		}
		spec.BootScript = string(buf)
	}
	slices.Sort(spec.Ports)
	spec.Ports = slices.Compact(spec.Ports)
	return spec, nil
}

// Host is a provisioned instance.
type Host struct {
	ID           string
	Name         string
	Address      string
	InstanceType string
	Image        string
	BootDigest   string
}

// Firewall is the inbound rule set attached to the host.
type Firewall struct {
	ID    string
	Rules []Rule
}

type Rule struct {
	Port int
	CIDR string
}

// Cloud is the subset of a provider API the provisioner needs.
type Cloud interface {
	FindHosts(ctx context.Context, name string) ([]*Host, error)
	CreateHost(ctx context.Context, spec *Spec, firewallID string) (*Host, error)
	TerminateHost(ctx context.Context, id string) error

	FindFirewall(ctx context.Context, name string) (*Firewall, error) // nil if absent
	CreateFirewall(ctx context.Context, name string) (*Firewall, error)
	Authorize(ctx context.Context, firewallID string, rules []Rule) error
	Revoke(ctx context.Context, firewallID string, rules []Rule) error
}

type ActionKind string

const (
	ActionCreateFirewall ActionKind = "create-firewall"
	ActionAuthorize      ActionKind = "authorize"
	ActionRevoke         ActionKind = "revoke"
	ActionCreateHost     ActionKind = "create-host"
	ActionReplaceHost    ActionKind = "replace-host"
	ActionRemoveHost     ActionKind = "remove-host"
)

type Action struct {
	Kind   ActionKind
	Target string
	Rules  []Rule
	Reason string
}

func (a Action) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", a.Kind, a.Target)
	for _, r := range a.Rules {
		fmt.Fprintf(&b, " %d/%s", r.Port, r.CIDR)
	}
	if a.Reason != "" {
		fmt.Fprintf(&b, " (%s)", a.Reason)
	}
	return b.String()
}

// Provisioner computes and applies the actions that converge the cloud to
// a Spec. Applying an unchanged Spec does nothing.
type Provisioner struct {
	Cloud Cloud

	// Ready confirms a freshly created host is usable before the host it
	// replaces is terminated.
	Ready func(ctx context.Context, host *Host) error

	Logger log.Logger
}

// Plan lists the actions Apply would take, without changing anything.
func (p *Provisioner) Plan(ctx context.Context, spec *Spec) ([]Action, error) {
	fw, err := p.Cloud.FindFirewall(ctx, firewallName(spec))
	if err != nil {
		return nil, err
	}
	hosts, err := p.Cloud.FindHosts(ctx, spec.Name)
	if err != nil {
		return nil, err
	}
	return plan(spec, fw, hosts), nil
}

func plan(spec *Spec, fw *Firewall, hosts []*Host) []Action {
	var actions []Action

	name := firewallName(spec)
	want := wantedRules(spec)
	if fw == nil {
		actions = append(actions, Action{Kind: ActionCreateFirewall, Target: name})
		actions = append(actions, Action{Kind: ActionAuthorize, Target: name, Rules: want})
	} else {
		if add := missing(want, fw.Rules); len(add) > 0 {
			actions = append(actions, Action{Kind: ActionAuthorize, Target: name, Rules: add})
		}
		if drop := missing(fw.Rules, want); len(drop) > 0 {
			actions = append(actions, Action{Kind: ActionRevoke, Target: name, Rules: drop})
		}
	}

	if len(hosts) == 0 {
		return append(actions, Action{Kind: ActionCreateHost, Target: spec.Name})
	}

	// extras are left over from an interrupted replacement
	keep := kept(spec, hosts)
	if reason := drift(spec, keep); reason != "" {
		actions = append(actions, Action{Kind: ActionReplaceHost, Target: keep.ID, Reason: reason})
	}
	for _, h := range hosts {
		if h != keep {
			actions = append(actions, Action{Kind: ActionRemoveHost, Target: h.ID, Reason: "duplicate host"})
		}
	}
	return actions
}

// drift describes why h does not match spec, or is empty.
func drift(spec *Spec, h *Host) string {
	switch {
	case spec.InstanceType != "" && h.InstanceType != spec.InstanceType:
		return fmt.Sprintf("instance type %s != %s", h.InstanceType, spec.InstanceType)
	case h.Image != spec.Image:
		return fmt.Sprintf("image %s != %s", h.Image, spec.Image)
	case h.BootDigest != spec.BootDigest():
		return "boot script changed"
	}
	return ""
}

// Apply converges the cloud to spec and returns the host and the actions
// taken. A replacement only happens when allowReplace is set, and the old
// host is terminated only after Ready accepts the new one.
func (p *Provisioner) Apply(ctx context.Context, spec *Spec, allowReplace bool) (*Host, []Action, error) {
	logger := log.With(p.logger(), "host", spec.Name)

	fw, err := p.Cloud.FindFirewall(ctx, firewallName(spec))
	if err != nil {
		return nil, nil, err
	}
	hosts, err := p.Cloud.FindHosts(ctx, spec.Name)
	if err != nil {
		return nil, nil, err
	}
	actions := plan(spec, fw, hosts)
	if !allowReplace && slices.ContainsFunc(actions, func(a Action) bool { return a.Kind == ActionReplaceHost }) {
		return nil, actions, ErrReplacementRequired
	}

	var host *Host
	if len(hosts) > 0 {
		host = kept(spec, hosts)
	}
	for _, a := range actions {
		logger.Log("msg", "applying", "action", a)
		switch a.Kind {
		case ActionCreateFirewall:
			fw, err = p.Cloud.CreateFirewall(ctx, a.Target)
		case ActionAuthorize:
			err = p.Cloud.Authorize(ctx, fw.ID, a.Rules)
		case ActionRevoke:
			err = p.Cloud.Revoke(ctx, fw.ID, a.Rules)
		case ActionCreateHost:
			host, err = p.Cloud.CreateHost(ctx, spec, fw.ID)
		case ActionReplaceHost:
			host, err = p.replace(ctx, logger, spec, fw.ID, a.Target)
		case ActionRemoveHost:
			err = p.Cloud.TerminateHost(ctx, a.Target)
		}
		if err != nil {
			return nil, actions, fmt.Errorf("%s: %w", a, err)
		}
	}
	return host, actions, nil
}

// kept is the host plan leaves in place.
func kept(spec *Spec, hosts []*Host) *Host {
	for _, h := range hosts {
		if drift(spec, h) == "" {
			return h
		}
	}
	return hosts[0]
}

// replace creates the new host first and only terminates the old one once
// the new one is ready. A new host that never becomes ready is removed and
// the old one stays.
func (p *Provisioner) replace(ctx context.Context, logger log.Logger, spec *Spec, firewallID, oldID string) (*Host, error) {
	host, err := p.Cloud.CreateHost(ctx, spec, firewallID)
	if err != nil {
		return nil, err
	}
	logger.Log("msg", "replacement host created", "id", host.ID, "address", host.Address)

	if p.Ready != nil {
		if err := p.Ready(ctx, host); err != nil {
			logger.Log("msg", "replacement host is not ready, keeping the old one", "id", host.ID, "err", err)
			if terr := p.Cloud.TerminateHost(context.WithoutCancel(ctx), host.ID); terr != nil {
				err = errors.Join(err, terr)
			}
			return nil, fmt.Errorf("replacement host %s: %w", host.ID, err)
		}
	}

	if err := p.Cloud.TerminateHost(ctx, oldID); err != nil {
		return nil, err
	}
	logger.Log("msg", "old host terminated", "id", oldID)
	return host, nil
}

func (p *Provisioner) logger() log.Logger {
	if p.Logger == nil {
		return log.NewNopLogger()
	}
	return p.Logger
}

func firewallName(spec *Spec) string {
	return spec.Name + "-pipeline"
}

func wantedRules(spec *Spec) []Rule {
	cidr := spec.AllowCIDR
	if cidr == "" {
		cidr = "0.0.0.0/0"
	}
	rules := make([]Rule, len(spec.Ports))
	for i, port := range spec.Ports {
		rules[i] = Rule{Port: port, CIDR: cidr}
	}
	return rules
}

// missing returns the rules of a that b lacks.
func missing(a, b []Rule) []Rule {
	var out []Rule
	for _, r := range a {
		if !slices.Contains(b, r) {
			out = append(out, r)
		}
	}
	return out
}
