// Package failure defines the typed failures a pipeline run can end in.
// Every failure names the service it concerns; StageError adds the stage.
// Callers match kinds with errors.As.
package failure

import (
	"errors"
	"fmt"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/api"
)

// Exit codes of the pipectl run command.
const (
	ExitSuccess = 0
	ExitBuild   = 1
	ExitPublish = 2
	ExitDeploy  = 3
	ExitConfig  = 4
)

// Build steps a BuildFailure can be scoped to.
const (
	StepDependencies = "dependencies"
	StepCompile      = "compile"
	StepPackage      = "package"
)

type BuildFailure struct {
	Service string
	Step    string
	Cause   error
}

func (e *BuildFailure) Error() string {
	return fmt.Sprintf("building %q failed at %s step: %s", e.Service, e.Step, e.Cause)
}

func (e *BuildFailure) Unwrap() error { return e.Cause }

// MissingBuildDependency is always wrapped in a BuildFailure.
type MissingBuildDependency struct {
	Service    string
	Dependency string
	Manifest   string // e.g. package.json, empty when detected from build output
}

func (e *MissingBuildDependency) Error() string {
	if e.Manifest == "" {
		return fmt.Sprintf("build tool %q is required by %q but is not installed during the build - declare it in the dependency manifest", e.Dependency, e.Service)
	}
	return fmt.Sprintf("build dependency %q is required by %q but is not declared in %s", e.Dependency, e.Service, e.Manifest)
}

type AuthFailure struct {
	Service  string
	Registry string
	Cause    error
}

func (e *AuthFailure) Error() string {
	return fmt.Sprintf("registry %s rejected credentials for %q: %s", e.Registry, e.Service, e.Cause)
}

func (e *AuthFailure) Unwrap() error { return e.Cause }

// NetworkFailure is the only retryable kind.
type NetworkFailure struct {
	Service string
	Op      string
	Cause   error
}

func (e *NetworkFailure) Error() string {
	return fmt.Sprintf("%s for %q: network failure: %s", e.Op, e.Service, e.Cause)
}

func (e *NetworkFailure) Unwrap() error { return e.Cause }

type ConflictFailure struct {
	Service  string
	Tag      string
	Existing digest.Digest
	Wanted   digest.Digest
}

func (e *ConflictFailure) Error() string {
	return fmt.Sprintf("immutable tag %q of %q already points to %s (wanted %s)", e.Tag, e.Service, e.Existing, e.Wanted)
}

// RolloutTimeout means the new instance never became live; the old one is
// still serving.
type RolloutTimeout struct {
	Service string
	Timeout time.Duration
	Cause   error
}

func (e *RolloutTimeout) Error() string {
	msg := fmt.Sprintf("new instance of %q was not live within %s", e.Service, e.Timeout)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *RolloutTimeout) Unwrap() error { return e.Cause }

// RuntimeUnreachable is fatal to a reconciliation pass.
type RuntimeUnreachable struct {
	Host  string
	Cause error
}

func (e *RuntimeUnreachable) Error() string {
	return fmt.Sprintf("container runtime on %s is unreachable: %s", e.Host, e.Cause)
}

func (e *RuntimeUnreachable) Unwrap() error { return e.Cause }

type ConfigError struct {
	Field string
	Cause error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error in %s: %s", e.Field, e.Cause)
}

func (e *ConfigError) Unwrap() error { return e.Cause }

// StageError attaches the pipeline stage and service to any failure.
type StageError struct {
	Stage   api.Stage
	Service string
	Err     error
}

func (e *StageError) Error() string {
	if e.Service == "" {
		return fmt.Sprintf("%s: %s", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s %s: %s", e.Stage, e.Service, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func InStage(stage api.Stage, service string, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Service: service, Err: err}
}

// Retryable reports whether err is worth retrying without any other change.
func Retryable(err error) bool {
	var nf *NetworkFailure
	if !errors.As(err, &nf) {
		return false
	}
	// auth and conflict failures are never retried even if a network
	// failure was observed on the way
	var af *AuthFailure
	var cf *ConflictFailure
	return !errors.As(err, &af) && !errors.As(err, &cf)
}

// ExitCode maps a run's error to the pipectl exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var ce *ConfigError
	if errors.As(err, &ce) {
		return ExitConfig
	}

	var se *StageError
	if errors.As(err, &se) {
		return stageExitCode(se.Stage)
	}

	var (
		bf *BuildFailure
		af *AuthFailure
		cf *ConflictFailure
		rt *RolloutTimeout
		ru *RuntimeUnreachable
	)
	switch {
	case errors.As(err, &bf):
		return ExitBuild
	case errors.As(err, &af), errors.As(err, &cf):
		return ExitPublish
	case errors.As(err, &rt), errors.As(err, &ru):
		return ExitDeploy
	}
	return ExitBuild
}

func stageExitCode(stage api.Stage) int {
	switch stage {
	case api.StagePublishing:
		return ExitPublish
	case api.StageDeploying:
		return ExitDeploy
	default:
		return ExitBuild
	}
}
