// Package secrets resolves named credentials so they never live in the
// source tree or in configuration files.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

// ErrNotFound is returned when no store holds the named secret.
var ErrNotFound = errors.New("secret not found")

type Store interface {
	Get(name string) (string, error)
}

// Env reads PIPELINE_SECRET_<NAME>, with the name upper-cased and dashes
// and dots replaced by underscores.
type Env struct {
	Prefix string // defaults to PIPELINE_SECRET_
}

func (e Env) Get(name string) (string, error) {
	prefix := e.Prefix
	if prefix == "" {
		prefix = "PIPELINE_SECRET_"
	}
	key := prefix + strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
	val, ok := os.LookupEnv(key)
	if !ok {
		return "", fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return val, nil
}

// Keyring reads from the operating system keyring.
type Keyring struct {
	Service string // defaults to "pipeline"
}

func (k Keyring) Get(name string) (string, error) {
	service := k.Service
	if service == "" {
		service = "pipeline"
	}
	val, err := keyring.Get(service, name)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("reading %s from keyring: %w", name, err)
	}
	return val, nil
}

type Static map[string]string

func (s Static) Get(name string) (string, error) {
	val, ok := s[name]
	if !ok {
		return "", fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return val, nil
}

// Chain returns the first value found. Errors other than ErrNotFound stop
// the lookup.
type Chain []Store

func (c Chain) Get(name string) (string, error) {
	for _, store := range c {
		val, err := store.Get(name)
		if err == nil {
			return val, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", err
		}
	}
	return "", fmt.Errorf("%s: %w", name, ErrNotFound)
}

// Default is the lookup order used by the binaries.
func Default() Store {
	return Chain{Env{}, Keyring{}}
}
