// Package runtime is the boundary to the container engine. The reconciler
// and the builder only see the Runtime interface.
package runtime

import (
	"context"
	"fmt"
	"io"

	"github.com/opencontainers/go-digest"
)

// Labels written on every managed container.
const (
	LabelCreatedBy = "createdBy"
	LabelService   = "pipelineService"
	LabelDigest    = "pipelineDigest"
	LabelRole      = "pipelineRole"

	CreatedBy = "pipeline-agent"
)

// Roles of a managed container.
const (
	RolePrimary   = "primary"   // bound to the service's declared port
	RoleCandidate = "candidate" // bound to an ephemeral port while it proves liveness
)

type Runtime interface {
	Ping(ctx context.Context) error
	Build(ctx context.Context, req BuildRequest, out io.Writer) (imageID string, err error)
	Tag(ctx context.Context, source, target string) error
	Push(ctx context.Context, image string, auth Auth) error
	Pull(ctx context.Context, image string, auth Auth) (digest.Digest, error)
	Run(ctx context.Context, spec RunSpec) (Instance, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	Inspect(ctx context.Context, id string) (Instance, error)
	Healthy(ctx context.Context, id string) (bool, error)
	List(ctx context.Context) ([]Instance, error)
	Logs(ctx context.Context, id, since string, w io.Writer) error
}

type BuildRequest struct {
	Service    string
	ContextDir string
	Dockerfile string // relative to ContextDir
	Target     string // final stage of a multi-stage build
	Platform   string
	Tags       []string
	Labels     map[string]string
}

// BuildError is returned by Build when the build itself failed, as opposed
// to the engine being unreachable.
type BuildError struct {
	Step    string // instruction that failed, e.g. "RUN npm run build"
	Message string
}

func (e *BuildError) Error() string {
	if e.Step == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Step, e.Message)
}

type Auth struct {
	Username      string
	Password      string
	ServerAddress string
}

type RunSpec struct {
	Name          string
	Service       string
	Image         string
	Digest        digest.Digest
	Role          string
	HostPort      int // 0 picks an ephemeral port
	ContainerPort int
	Env           map[string]string
}

type Instance struct {
	ID       string
	Name     string
	Service  string
	Image    string
	Digest   digest.Digest
	Role     string
	Running  bool
	HostPort int
}
