package builder

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/opencontainers/go-digest"

	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/api"
)

// ignoredDirs never influence an image.
var ignoredDirs = map[string]bool{".git": true}

// ContextDigest hashes every file of the build context (path, mode and
// content, in lexical order) together with the build parameters. Lock files
// are part of the context, so dependency changes change the digest.
func ContextDigest(dir string, svc *api.Service, platform string) (digest.Digest, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && ignoredDirs[d.Name()] {
			return filepath.SkipDir
		}
		if !d.IsDir() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("walking build context: %w", err)
	}
	sort.Strings(paths)

	digester := digest.Canonical.Digester()
	h := digester.Hash()
	fmt.Fprintf(h, "dockerfile=%s\x00target=%s\x00platform=%s\x00", svc.Dockerfile, svc.Target, platform)

	for _, path := range paths {
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return "", err
		}
		info, err := os.Lstat(path)
		if err != nil {
			return "", err
		}
		// records are length prefixed, content may contain any byte
		if info.Mode()&fs.ModeSymlink != 0 {
			target, err := os.Readlink(path)
			if err != nil {
				return "", err
			}
			fmt.Fprintf(h, "%s\x00%o\x00%d\x00%s", filepath.ToSlash(rel), info.Mode(), len(target), target)
			continue
		}

		f, err := os.Open(path)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(h, "%s\x00%o\x00%d\x00", filepath.ToSlash(rel), info.Mode(), info.Size())
		n, err := io.Copy(h, f)
		f.Close()
		if err != nil {
			return "", fmt.Errorf("hashing %s: %w", rel, err)
		}
		if n != info.Size() {
			return "", fmt.Errorf("hashing %s: file changed while reading", rel)
		}
	}

	return digester.Digest(), nil
}
