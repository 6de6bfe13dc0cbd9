package topology

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/api"
)

const twoServiceTopology = `
name = "demo"

[[ service ]]
name = "frontend"
context = "frontend"
port = 3000
depends_on = ["backend"]
health = "http:/"
build_requires = ["typescript"]

[[ service ]]
name = "backend"
context = "backend"
target = "runtime"
port = 8000
health = "http:/healthz"

[ service.env ]
DJANGO_SETTINGS_MODULE = "app.settings"
`

func TestLoad(t *testing.T) {
	file := filepath.Join(t.TempDir(), "topology.toml")
	require.NoError(t, os.WriteFile(file, []byte(twoServiceTopology), 0644))

	topo, err := Load(file)
	require.NoError(t, err)
	assert.Equal(t, "demo", topo.Name)
	require.Len(t, topo.Services, 2)

	backend := topo.Service("backend")
	require.NotNil(t, backend)
	assert.Equal(t, 8000, backend.Port)
	assert.Equal(t, 8000, backend.InternalPort())
	assert.Equal(t, "runtime", backend.Target)
	assert.Equal(t, map[string]string{"DJANGO_SETTINGS_MODULE": "app.settings"}, backend.Env)
	assert.Equal(t, []string{"typescript"}, topo.Service("frontend").BuildRequires)
}

func TestOrder(t *testing.T) {
	topo, err := Decode(twoServiceTopology)
	require.NoError(t, err)

	ordered, err := Order(topo)
	require.NoError(t, err)
	assert.Equal(t, []string{"backend", "frontend"}, names(ordered))

	t.Run("ties keep declaration order", func(t *testing.T) {
		topo := &api.Topology{Services: []*api.Service{
			{Name: "c", Port: 3, DependsOn: []string{"a"}},
			{Name: "b", Port: 2},
			{Name: "a", Port: 1},
		}}
		ordered, err := Order(topo)
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "a", "c"}, names(ordered))
	})

	t.Run("repeated dependency", func(t *testing.T) {
		topo := &api.Topology{Services: []*api.Service{
			{Name: "frontend", Port: 3000, DependsOn: []string{"backend", "backend"}},
			{Name: "backend", Port: 8000},
		}}
		require.NoError(t, Validate(topo))
		ordered, err := Order(topo)
		require.NoError(t, err)
		assert.Equal(t, []string{"backend", "frontend"}, names(ordered))
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		Name     string
		Services []*api.Service
		Err      string
	}{
		{
			Name: "empty",
			Err:  "topology has no services",
		},
		{
			Name:     "duplicate",
			Services: []*api.Service{{Name: "a", Port: 1}, {Name: "a", Port: 2}},
			Err:      `duplicate service "a"`,
		},
		{
			Name:     "port zero",
			Services: []*api.Service{{Name: "a"}},
			Err:      `service "a": port 0 out of range`,
		},
		{
			Name:     "port too large",
			Services: []*api.Service{{Name: "a", Port: 65536}},
			Err:      `service "a": port 65536 out of range`,
		},
		{
			Name:     "port clash",
			Services: []*api.Service{{Name: "a", Port: 80}, {Name: "b", Port: 80}},
			Err:      `services "a" and "b" both bind port 80`,
		},
		{
			Name:     "unknown dependency",
			Services: []*api.Service{{Name: "a", Port: 1, DependsOn: []string{"z"}}},
			Err:      `service "a" depends on unknown service "z"`,
		},
		{
			Name:     "unknown health",
			Services: []*api.Service{{Name: "a", Port: 1, Health: "grpc"}},
			Err:      `service "a": unknown health check "grpc"`,
		},
		{
			Name: "cycle",
			Services: []*api.Service{
				{Name: "a", Port: 1, DependsOn: []string{"b"}},
				{Name: "b", Port: 2, DependsOn: []string{"a"}},
				{Name: "c", Port: 3},
			},
			Err: "dependency cycle between a, b",
		},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			err := Validate(&api.Topology{Services: test.Services})
			require.Error(t, err)
			assert.EqualError(t, err, test.Err)
		})
	}
}

func TestDecodeUnknownKeys(t *testing.T) {
	_, err := Decode("[[ service ]]\nname = \"a\"\nport = 1\nprot = 2\n")
	assert.ErrorContains(t, err, "unknown keys: service.prot")
}

func names(svcs []*api.Service) []string {
	out := make([]string, len(svcs))
	for i, svc := range svcs {
		out[i] = svc.Name
	}
	return out
}
