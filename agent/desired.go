package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/api"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/failure"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/topology"
)

// decodeDesired reads a desired state document and checks that every
// service has an image.
func decodeDesired(r io.Reader) (*api.DesiredState, error) {
	desired := &api.DesiredState{}
	if _, err := toml.NewDecoder(r).Decode(desired); err != nil {
		return nil, &failure.ConfigError{Field: "desired state", Cause: err}
	}
	if err := topology.Validate(desired.Topology); err != nil {
		return nil, &failure.ConfigError{Field: "desired state topology", Cause: err}
	}
	for _, svc := range desired.Topology.Services {
		if _, ok := desired.Images[svc.Name]; !ok {
			return nil, &failure.ConfigError{Field: "desired state images", Cause: fmt.Errorf("no image for service %q", svc.Name)}
		}
	}
	return desired, nil
}

// saveDesired keeps the last accepted desired state so the resync loop
// can re-apply it after a restart.
func saveDesired(file string, desired *api.DesiredState) error {
	buf := &bytes.Buffer{}
	if err := toml.NewEncoder(buf).Encode(desired); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(file), ".desired-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), file)
}

// loadDesired returns nil when nothing was ever deployed.
func loadDesired(file string) (*api.DesiredState, error) {
	f, err := os.Open(file)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return decodeDesired(f)
}
