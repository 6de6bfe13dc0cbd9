package topology

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/api"
)

// ErrCycle is returned when the depends_on edges form a cycle.
var ErrCycle = errors.New("dependency cycle")

// Load reads and validates a topology file.
func Load(file string) (*api.Topology, error) {
	buf, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("reading topology: %w", err)
	}
	return Decode(string(buf))
}

func Decode(data string) (*api.Topology, error) {
	topo := &api.Topology{}
	md, err := toml.Decode(data, topo)
	if err != nil {
		return nil, fmt.Errorf("decoding topology: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("decoding topology: unknown keys: %s", strings.Join(keys, ", "))
	}
	if err := Validate(topo); err != nil {
		return nil, err
	}
	return topo, nil
}

// Validate enforces unique names, valid ports, known dependencies, and an
// acyclic dependency graph.
func Validate(topo *api.Topology) error {
	if topo == nil || len(topo.Services) == 0 {
		return errors.New("topology has no services")
	}

	names := map[string]struct{}{}
	ports := map[int]string{}
	for _, svc := range topo.Services {
		if svc.Name == "" {
			return errors.New("service without a name")
		}
		if _, ok := names[svc.Name]; ok {
			return fmt.Errorf("duplicate service %q", svc.Name)
		}
		names[svc.Name] = struct{}{}

		if svc.Port <= 0 || svc.Port > 65535 {
			return fmt.Errorf("service %q: port %d out of range", svc.Name, svc.Port)
		}
		if svc.ContainerPort < 0 || svc.ContainerPort > 65535 {
			return fmt.Errorf("service %q: container port %d out of range", svc.Name, svc.ContainerPort)
		}
		if other, ok := ports[svc.Port]; ok {
			return fmt.Errorf("services %q and %q both bind port %d", other, svc.Name, svc.Port)
		}
		ports[svc.Port] = svc.Name

		if svc.Health != "" && svc.Health != "tcp" && !strings.HasPrefix(svc.Health, "http:") {
			return fmt.Errorf("service %q: unknown health check %q", svc.Name, svc.Health)
		}
	}

	for _, svc := range topo.Services {
		for _, dep := range svc.DependsOn {
			if _, ok := names[dep]; !ok {
				return fmt.Errorf("service %q depends on unknown service %q", svc.Name, dep)
			}
		}
	}

	_, err := Order(topo)
	return err
}

// Order returns the services so that every service comes after all of its
// dependencies. Ties keep declaration order.
func Order(topo *api.Topology) ([]*api.Service, error) {
	index := map[string]int{}
	for i, svc := range topo.Services {
		index[svc.Name] = i
	}

	// distinct dependencies, Dependents reports each edge once
	remaining := map[string]int{}
	for _, svc := range topo.Services {
		seen := map[string]struct{}{}
		for _, dep := range svc.DependsOn {
			seen[dep] = struct{}{}
		}
		remaining[svc.Name] = len(seen)
	}

	var (
		ordered = make([]*api.Service, 0, len(topo.Services))
		ready   []int
	)
	for i, svc := range topo.Services {
		if remaining[svc.Name] == 0 {
			ready = append(ready, i)
		}
	}

	for len(ready) > 0 {
		sort.Ints(ready)
		cur := topo.Services[ready[0]]
		ready = ready[1:]
		ordered = append(ordered, cur)

		for _, dependent := range Dependents(topo, cur.Name) {
			remaining[dependent.Name]--
			if remaining[dependent.Name] == 0 {
				ready = append(ready, index[dependent.Name])
			}
		}
	}

	if len(ordered) != len(topo.Services) {
		var stuck []string
		for _, svc := range topo.Services {
			if remaining[svc.Name] > 0 {
				stuck = append(stuck, svc.Name)
			}
		}
		return nil, fmt.Errorf("%w between %s", ErrCycle, strings.Join(stuck, ", "))
	}
	return ordered, nil
}

// Dependents returns the services that directly depend on name.
func Dependents(topo *api.Topology, name string) []*api.Service {
	var out []*api.Service
	for _, svc := range topo.Services {
		for _, dep := range svc.DependsOn {
			if dep == name {
				out = append(out, svc)
				break
			}
		}
	}
	return out
}
