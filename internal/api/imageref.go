package api

import (
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"
)

// LatestTag is the mutable tag moved on every successful publish.
const LatestTag = "latest"

// ImageRef is a (namespace, service, tag) triple. It is never mutated after
// creation; WithTag returns a copy.
type ImageRef struct {
	Namespace string `toml:"namespace" json:"namespace,omitempty"` // e.g. ghcr.io/acme
	Service   string `toml:"service" json:"service"`
	Tag       string `toml:"tag" json:"tag"`
}

func (r ImageRef) Repository() string {
	if r.Namespace == "" {
		return r.Service
	}
	return strings.TrimSuffix(r.Namespace, "/") + "/" + r.Service
}

func (r ImageRef) String() string {
	tag := r.Tag
	if tag == "" {
		tag = LatestTag
	}
	return r.Repository() + ":" + tag
}

func (r ImageRef) WithTag(tag string) ImageRef {
	r.Tag = tag
	return r
}

// Mutable reports whether the tag may be moved to point at new content.
func (r ImageRef) Mutable() bool {
	return !IsContentTag(r.Tag)
}

// ContentTag derives the immutable tag for a content digest,
// e.g. "sha256-0123456789abcdef".
func ContentTag(d digest.Digest) string {
	enc := d.Encoded()
	if len(enc) > 16 {
		enc = enc[:16]
	}
	return d.Algorithm().String() + "-" + enc
}

func IsContentTag(tag string) bool {
	alg, enc, ok := strings.Cut(tag, "-")
	if !ok || len(enc) == 0 {
		return false
	}
	return digest.Algorithm(alg).Available() && strings.Trim(enc, "0123456789abcdef") == ""
}

// ParseImageRef splits "<namespace>/<service>:<tag>". The last path element
// is the service name.
func ParseImageRef(s string) (ImageRef, error) {
	ref := ImageRef{Tag: LatestTag}
	repo := s
	if i := strings.LastIndex(s, ":"); i > strings.LastIndex(s, "/") {
		repo, ref.Tag = s[:i], s[i+1:]
	}
	if repo == "" || ref.Tag == "" {
		return ImageRef{}, fmt.Errorf("invalid image reference %q", s)
	}
	if i := strings.LastIndex(repo, "/"); i >= 0 {
		ref.Namespace, ref.Service = repo[:i], repo[i+1:]
	} else {
		ref.Service = repo
	}
	if ref.Service == "" {
		return ImageRef{}, fmt.Errorf("invalid image reference %q", s)
	}
	return ref, nil
}
