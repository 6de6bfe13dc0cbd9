package builder

import (
	"errors"
	"regexp"
	"strings"

	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/failure"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/runtime"
)

var missingToolPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?m)sh: (?:\d+: )?([\w.@/-]+): (?:command )?not found`),
	regexp.MustCompile(`(?m)([\w.@/-]+): command not found`),
	regexp.MustCompile(`Cannot find module '([^']+)'`),
	regexp.MustCompile(`No module named '([^']+)'`),
	regexp.MustCompile(`(?m)exec: "([^"]+)": executable file not found`),
}

var networkPatterns = regexp.MustCompile(`(?i)(temporary failure in name resolution|i/o timeout|connection reset by peer|tls handshake timeout|network is unreachable|ETIMEDOUT|ECONNRESET|EAI_AGAIN|could not resolve host)`)

var installPattern = regexp.MustCompile(`(npm (ci|install)|yarn install|pnpm install|pip3? install|poetry install|go mod download|apt-get (update|install)|apk add|bundle install)`)

// classify maps a failed build to the failure taxonomy. output is the tail
// of the build log.
func classify(service string, output []byte, err error) error {
	var be *runtime.BuildError
	if !errors.As(err, &be) {
		return err
	}
	text := string(output) + "\n" + be.Message

	if tool := missingTool(text); tool != "" {
		return &failure.BuildFailure{
			Service: service,
			Step:    failure.StepDependencies,
			Cause:   &failure.MissingBuildDependency{Service: service, Dependency: tool},
		}
	}
	if networkPatterns.MatchString(text) {
		return &failure.NetworkFailure{Service: service, Op: "build", Cause: be}
	}
	return &failure.BuildFailure{Service: service, Step: stepOf(be.Step), Cause: be}
}

func missingTool(text string) string {
	for _, p := range missingToolPatterns {
		if m := p.FindStringSubmatch(text); m != nil {
			return m[1]
		}
	}
	return ""
}

// stepOf maps the failing Dockerfile instruction to a build step.
func stepOf(instruction string) string {
	ins := strings.ToLower(strings.TrimSpace(instruction))
	switch {
	case strings.HasPrefix(ins, "run ") && installPattern.MatchString(ins):
		return failure.StepDependencies
	case strings.HasPrefix(ins, "run "):
		return failure.StepCompile
	default:
		return failure.StepPackage
	}
}
