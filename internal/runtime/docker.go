package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"

	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/failure"
)

// Docker implements Runtime against a Docker daemon.
type Docker struct {
	cli *client.Client
}

// NewDocker connects to the daemon named by DOCKER_HOST, or the default
// unix socket.
func NewDocker() (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.Wrap(err, "creating docker client")
	}
	return &Docker{cli: cli}, nil
}

func (d *Docker) Close() error { return d.cli.Close() }

func (d *Docker) wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	if client.IsErrConnectionFailed(err) {
		return &failure.RuntimeUnreachable{Host: d.cli.DaemonHost(), Cause: err}
	}
	return errors.Wrap(err, msg)
}

func (d *Docker) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return &failure.RuntimeUnreachable{Host: d.cli.DaemonHost(), Cause: err}
	}
	return nil
}

var stepPattern = regexp.MustCompile(`^Step \d+/\d+ : (.*)$`)

func (d *Docker) Build(ctx context.Context, req BuildRequest, out io.Writer) (string, error) {
	if out == nil {
		out = io.Discard
	}

	tar, err := archive.TarWithOptions(req.ContextDir, &archive.TarOptions{})
	if err != nil {
		return "", errors.Wrapf(err, "archiving build context %s", req.ContextDir)
	}
	defer tar.Close()

	resp, err := d.cli.ImageBuild(ctx, tar, types.ImageBuildOptions{
		Tags:        req.Tags,
		Dockerfile:  req.Dockerfile,
		Target:      req.Target,
		Platform:    req.Platform,
		Labels:      req.Labels,
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return "", d.wrap(err, "starting build")
	}
	defer resp.Body.Close()

	var (
		imageID  string
		lastStep string
		dec      = json.NewDecoder(resp.Body)
	)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err == io.EOF {
			break
		} else if err != nil {
			return "", errors.Wrap(err, "reading build output")
		}

		if msg.Stream != "" {
			io.WriteString(out, msg.Stream)
			if m := stepPattern.FindStringSubmatch(strings.TrimSpace(msg.Stream)); m != nil {
				lastStep = m[1]
			}
		}
		if msg.Error != nil {
			return "", &BuildError{Step: lastStep, Message: msg.Error.Message}
		}
		if msg.Aux != nil {
			var aux struct{ ID string }
			if json.Unmarshal(*msg.Aux, &aux) == nil && aux.ID != "" {
				imageID = aux.ID
			}
		}
	}

	if imageID == "" && len(req.Tags) > 0 {
		inspect, _, err := d.cli.ImageInspectWithRaw(ctx, req.Tags[0])
		if err != nil {
			return "", d.wrap(err, "inspecting built image")
		}
		imageID = inspect.ID
	}
	return imageID, nil
}

func (d *Docker) Tag(ctx context.Context, source, target string) error {
	return d.wrap(d.cli.ImageTag(ctx, source, target), "tagging image")
}

func encodeAuth(auth Auth) (string, error) {
	if auth.Username == "" && auth.Password == "" {
		return "", nil
	}
	return registry.EncodeAuthConfig(registry.AuthConfig{
		Username:      auth.Username,
		Password:      auth.Password,
		ServerAddress: auth.ServerAddress,
	})
}

func (d *Docker) Push(ctx context.Context, ref string, auth Auth) error {
	encoded, err := encodeAuth(auth)
	if err != nil {
		return errors.Wrap(err, "encoding registry auth")
	}

	rc, err := d.cli.ImagePush(ctx, ref, image.PushOptions{RegistryAuth: encoded})
	if err != nil {
		return d.wrap(err, "pushing "+ref)
	}
	defer rc.Close()
	return drainProgress(rc)
}

func (d *Docker) Pull(ctx context.Context, ref string, auth Auth) (digest.Digest, error) {
	encoded, err := encodeAuth(auth)
	if err != nil {
		return "", errors.Wrap(err, "encoding registry auth")
	}

	rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{RegistryAuth: encoded})
	if err != nil {
		return "", d.wrap(err, "pulling "+ref)
	}
	defer rc.Close()
	if err := drainProgress(rc); err != nil {
		return "", err
	}

	inspect, _, err := d.cli.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		return "", d.wrap(err, "inspecting "+ref)
	}
	return repoDigest(ref, inspect.RepoDigests, inspect.ID)
}

// repoDigest picks the registry manifest digest matching ref, falling back
// to the local image id for images that were never pushed.
func repoDigest(ref string, repoDigests []string, id string) (digest.Digest, error) {
	repo := ref
	if i := strings.LastIndex(ref, ":"); i > strings.LastIndex(ref, "/") {
		repo = ref[:i]
	}
	for _, rd := range repoDigests {
		name, dgst, ok := strings.Cut(rd, "@")
		if ok && name == repo {
			return digest.Parse(dgst)
		}
	}
	return digest.Parse(id)
}

func drainProgress(r io.Reader) error {
	dec := json.NewDecoder(r)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err == io.EOF {
			return nil
		} else if err != nil {
			return errors.Wrap(err, "reading progress")
		}
		if msg.Error != nil {
			return errors.New(msg.Error.Message)
		}
	}
}

func (d *Docker) Run(ctx context.Context, spec RunSpec) (Instance, error) {
	port, err := nat.NewPort("tcp", strconv.Itoa(spec.ContainerPort))
	if err != nil {
		return Instance{}, errors.Wrapf(err, "invalid port %d", spec.ContainerPort)
	}
	hostPort := ""
	if spec.HostPort > 0 {
		hostPort = strconv.Itoa(spec.HostPort)
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	config := &container.Config{
		Image: spec.Image,
		Env:   env,
		Labels: map[string]string{
			LabelCreatedBy: CreatedBy,
			LabelService:   spec.Service,
			LabelDigest:    spec.Digest.String(),
			LabelRole:      spec.Role,
		},
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}
	hostConfig := &container.HostConfig{
		PortBindings:  nat.PortMap{port: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: hostPort}}},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}

	resp, err := d.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return Instance{}, d.wrap(err, "creating container "+spec.Name)
	}
	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		d.cli.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
		return Instance{}, d.wrap(err, "starting container "+spec.Name)
	}
	return d.Inspect(ctx, resp.ID)
}

func (d *Docker) Start(ctx context.Context, id string) error {
	return d.wrap(d.cli.ContainerStart(ctx, id, container.StartOptions{}), "starting container")
}

func (d *Docker) Stop(ctx context.Context, id string) error {
	return d.wrap(d.cli.ContainerStop(ctx, id, container.StopOptions{}), "stopping container")
}

func (d *Docker) Remove(ctx context.Context, id string) error {
	return d.wrap(d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}), "removing container")
}

func (d *Docker) Inspect(ctx context.Context, id string) (Instance, error) {
	c, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return Instance{}, d.wrap(err, "inspecting container")
	}

	inst := Instance{
		ID:   c.ID,
		Name: strings.TrimPrefix(c.Name, "/"),
	}
	if c.Config != nil {
		inst.Image = c.Config.Image
		inst.Service = c.Config.Labels[LabelService]
		inst.Digest = digest.Digest(c.Config.Labels[LabelDigest])
		inst.Role = c.Config.Labels[LabelRole]
	}
	if c.State != nil {
		inst.Running = c.State.Running
	}
	if c.NetworkSettings != nil {
		for _, bindings := range c.NetworkSettings.Ports {
			if len(bindings) > 0 {
				inst.HostPort, _ = strconv.Atoi(bindings[0].HostPort)
				break
			}
		}
	}
	return inst, nil
}

// Healthy uses the image's HEALTHCHECK when it has one, otherwise running
// is enough. Service-level probes are layered on top by the reconciler.
func (d *Docker) Healthy(ctx context.Context, id string) (bool, error) {
	c, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return false, d.wrap(err, "inspecting container")
	}
	if c.State == nil || !c.State.Running {
		return false, nil
	}
	if c.State.Health != nil {
		return c.State.Health.Status == "healthy", nil
	}
	return true, nil
}

func (d *Docker) List(ctx context.Context) ([]Instance, error) {
	args := filters.NewArgs()
	args.Add("label", fmt.Sprintf("%s=%s", LabelCreatedBy, CreatedBy))

	containers, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, d.wrap(err, "listing containers")
	}

	out := make([]Instance, 0, len(containers))
	for _, c := range containers {
		inst := Instance{
			ID:      c.ID,
			Image:   c.Image,
			Service: c.Labels[LabelService],
			Digest:  digest.Digest(c.Labels[LabelDigest]),
			Role:    c.Labels[LabelRole],
			Running: c.State == "running",
		}
		if len(c.Names) > 0 {
			inst.Name = strings.TrimPrefix(c.Names[0], "/")
		}
		for _, p := range c.Ports {
			if p.PublicPort != 0 {
				inst.HostPort = int(p.PublicPort)
				break
			}
		}
		out = append(out, inst)
	}
	return out, nil
}

func (d *Docker) Logs(ctx context.Context, id, since string, w io.Writer) error {
	rc, err := d.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Since:      since,
	})
	if err != nil {
		return d.wrap(err, "reading container logs")
	}
	defer rc.Close()

	_, err = stdcopy.StdCopy(w, w, rc)
	return err
}
