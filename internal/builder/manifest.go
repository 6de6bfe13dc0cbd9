package builder

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/mod/modfile"

	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/failure"
)

// manifest lists the build dependencies declared by one dependency file.
type manifest struct {
	name  string
	parse func(data []byte) (map[string]bool, error)
}

var manifests = []manifest{
	{name: "package.json", parse: parsePackageJSON},
	{name: "requirements.txt", parse: parseRequirements},
	{name: "go.mod", parse: parseGoMod},
}

// CheckManifest verifies that every required build dependency is declared
// in a dependency manifest of the build context.
func CheckManifest(service, contextDir string, requires []string) error {
	if len(requires) == 0 {
		return nil
	}

	var (
		found    []string
		declared = map[string]bool{}
	)
	for _, m := range manifests {
		data, err := os.ReadFile(filepath.Join(contextDir, m.name))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("reading %s: %w", m.name, err)
		}
		deps, err := m.parse(data)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", m.name, err)
		}
		found = append(found, m.name)
		for dep := range deps {
			declared[dep] = true
		}
	}

	if len(found) == 0 {
		return &failure.MissingBuildDependency{Service: service, Dependency: requires[0], Manifest: errNoManifest.Error()}
	}
	for _, req := range requires {
		if !declared[req] && !declared[strings.ToLower(req)] {
			return &failure.MissingBuildDependency{Service: service, Dependency: req, Manifest: strings.Join(found, ", ")}
		}
	}
	return nil
}

func parsePackageJSON(data []byte) (map[string]bool, error) {
	var pkg struct {
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil, err
	}

	out := map[string]bool{}
	for name := range pkg.Dependencies {
		out[name] = true
	}
	for name := range pkg.DevDependencies {
		out[name] = true
	}
	return out, nil
}

func parseRequirements(data []byte) (map[string]bool, error) {
	out := map[string]bool{}
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if i := strings.Index(line, "#"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if line == "" || strings.HasPrefix(line, "-") {
			continue
		}
		if i := strings.IndexAny(line, "<>=!~[;@ "); i >= 0 {
			line = line[:i]
		}
		out[strings.ToLower(line)] = true
	}
	return out, scanner.Err()
}

func parseGoMod(data []byte) (map[string]bool, error) {
	f, err := modfile.ParseLax("go.mod", data, nil)
	if err != nil {
		return nil, err
	}

	out := map[string]bool{}
	for _, req := range f.Require {
		out[req.Mod.Path] = true
	}
	return out, nil
}
