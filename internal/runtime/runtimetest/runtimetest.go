// Package runtimetest provides an in-memory runtime.Runtime for tests.
package runtimetest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/opencontainers/go-digest"

	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/failure"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/runtime"
)

var ErrNotFound = errors.New("not found")

type Runtime struct {
	mu sync.Mutex

	// Unreachable makes every call fail with RuntimeUnreachable.
	Unreachable bool

	// Images maps image references to the digest Pull reports.
	Images map[string]digest.Digest

	// BuildErrors fails Build for the given service.
	BuildErrors map[string]error

	// BuildOutput is written to the build log for the given service.
	BuildOutput map[string]string

	// PushErrors are returned by successive pushes of the given reference.
	PushErrors map[string][]error

	// Live decides whether a running instance is healthy. Nil means always.
	Live func(runtime.Instance) bool

	Containers map[string]*runtime.Instance
	Events     []string
	Builds     []runtime.BuildRequest
	Pushes     []string

	nextID   int
	nextPort int
}

func New() *Runtime {
	return &Runtime{
		Images:      map[string]digest.Digest{},
		BuildErrors: map[string]error{},
		BuildOutput: map[string]string{},
		PushErrors:  map[string][]error{},
		Containers:  map[string]*runtime.Instance{},
		nextPort:    32768,
	}
}

func (r *Runtime) unreachable() error {
	if r.Unreachable {
		return &failure.RuntimeUnreachable{Host: "fake", Cause: errors.New("connection refused")}
	}
	return nil
}

func (r *Runtime) event(format string, args ...any) {
	r.Events = append(r.Events, fmt.Sprintf(format, args...))
}

func (r *Runtime) Ping(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unreachable()
}

func (r *Runtime) Build(ctx context.Context, req runtime.BuildRequest, out io.Writer) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.unreachable(); err != nil {
		return "", err
	}

	r.Builds = append(r.Builds, req)
	if out != nil {
		io.WriteString(out, r.BuildOutput[req.Service])
	}
	if err := r.BuildErrors[req.Service]; err != nil {
		return "", err
	}

	id := digest.FromString(req.Service + "\x00" + req.ContextDir + "\x00" + req.Target + "\x00" + req.Labels[runtime.LabelDigest])
	r.Images[id.String()] = id
	for _, tag := range req.Tags {
		r.Images[tag] = id
	}
	r.event("build %s", req.Service)
	return id.String(), nil
}

func (r *Runtime) Tag(ctx context.Context, source, target string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.unreachable(); err != nil {
		return err
	}

	id, ok := r.Images[source]
	if !ok {
		return fmt.Errorf("image %s: %w", source, ErrNotFound)
	}
	r.Images[target] = id
	return nil
}

func (r *Runtime) Push(ctx context.Context, image string, auth runtime.Auth) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.unreachable(); err != nil {
		return err
	}

	if errs := r.PushErrors[image]; len(errs) > 0 {
		r.PushErrors[image] = errs[1:]
		if errs[0] != nil {
			return errs[0]
		}
	}
	r.Pushes = append(r.Pushes, image)
	r.event("push %s", image)
	return nil
}

func (r *Runtime) Pull(ctx context.Context, image string, auth runtime.Auth) (digest.Digest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.unreachable(); err != nil {
		return "", err
	}

	id, ok := r.Images[image]
	if !ok {
		return "", fmt.Errorf("image %s: %w", image, ErrNotFound)
	}
	return id, nil
}

func (r *Runtime) Run(ctx context.Context, spec runtime.RunSpec) (runtime.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.unreachable(); err != nil {
		return runtime.Instance{}, err
	}

	port := spec.HostPort
	for _, c := range r.Containers {
		if c.Name == spec.Name {
			return runtime.Instance{}, fmt.Errorf("container name %q is already in use", spec.Name)
		}
		if port != 0 && c.Running && c.HostPort == port {
			return runtime.Instance{}, fmt.Errorf("port %d is already allocated", port)
		}
	}
	if port == 0 {
		port = r.nextPort
		r.nextPort++
	}

	r.nextID++
	inst := &runtime.Instance{
		ID:       fmt.Sprintf("c%04d", r.nextID),
		Name:     spec.Name,
		Service:  spec.Service,
		Image:    spec.Image,
		Digest:   spec.Digest,
		Role:     spec.Role,
		Running:  true,
		HostPort: port,
	}
	r.Containers[inst.ID] = inst
	r.event("run %s", spec.Name)
	return *inst, nil
}

func (r *Runtime) lookup(id string) (*runtime.Instance, error) {
	if err := r.unreachable(); err != nil {
		return nil, err
	}
	c, ok := r.Containers[id]
	if !ok {
		return nil, fmt.Errorf("container %s: %w", id, ErrNotFound)
	}
	return c, nil
}

func (r *Runtime) Start(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.lookup(id)
	if err != nil {
		return err
	}
	for _, other := range r.Containers {
		if other != c && other.Running && other.HostPort == c.HostPort {
			return fmt.Errorf("port %d is already allocated", c.HostPort)
		}
	}
	c.Running = true
	r.event("start %s", c.Name)
	return nil
}

func (r *Runtime) Stop(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.lookup(id)
	if err != nil {
		return err
	}
	c.Running = false
	r.event("stop %s", c.Name)
	return nil
}

func (r *Runtime) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.lookup(id)
	if err != nil {
		return err
	}
	delete(r.Containers, id)
	r.event("remove %s", c.Name)
	return nil
}

func (r *Runtime) Inspect(ctx context.Context, id string) (runtime.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.lookup(id)
	if err != nil {
		return runtime.Instance{}, err
	}
	return *c, nil
}

func (r *Runtime) Healthy(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.lookup(id)
	if err != nil {
		return false, err
	}
	ok := c.Running && (r.Live == nil || r.Live(*c))
	r.event("healthy %s=%t", c.Name, ok)
	return ok, nil
}

func (r *Runtime) List(ctx context.Context) ([]runtime.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.unreachable(); err != nil {
		return nil, err
	}

	out := make([]runtime.Instance, 0, len(r.Containers))
	for _, c := range r.Containers {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *Runtime) Logs(ctx context.Context, id, since string, w io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.lookup(id)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "logs of %s\n", c.Name)
	return nil
}

// Running returns the running instances of a service.
func (r *Runtime) Running(service string) []runtime.Instance {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []runtime.Instance
	for _, c := range r.Containers {
		if c.Service == service && c.Running {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EventIndex returns the position of the first event with the given prefix
// or -1.
func (r *Runtime) EventIndex(prefix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, e := range r.Events {
		if strings.HasPrefix(e, prefix) {
			return i
		}
	}
	return -1
}

// Published reports whether ref was pushed, along with the content digest
// label of the build that produced it.
func (r *Runtime) Published(ref string) (digest.Digest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pushed := false
	for _, p := range r.Pushes {
		pushed = pushed || p == ref
	}
	if !pushed {
		return "", false
	}
	for _, b := range r.Builds {
		for _, tag := range b.Tags {
			if tag == ref {
				return digest.Digest(b.Labels[runtime.LabelDigest]), true
			}
		}
	}
	return "", false
}
