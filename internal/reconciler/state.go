package reconciler

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/api"
)

func readState(file string) (*api.DeploymentState, error) {
	state := &api.DeploymentState{}
	if file != "" {
		_, err := toml.DecodeFile(file, state)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading deployment state: %w", err)
		}
	}
	if state.Services == nil {
		state.Services = map[string]*api.DeployedService{}
	}
	return state, nil
}

func writeState(file string, state *api.DeploymentState) error {
	if file == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(file), 0755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	buf := &bytes.Buffer{}
	if err := toml.NewEncoder(buf).Encode(state); err != nil {
		return fmt.Errorf("encoding deployment state: %w", err)
	}

	tmp := file + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("writing deployment state: %w", err)
	}
	return os.Rename(tmp, file)
}
