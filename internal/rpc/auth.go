package rpc

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"github.com/julienschmidt/httprouter"
)

type Authorizer interface {
	TrustsCert(fingerprint string) bool
}

type AuthorizerFunc func(fingerprint string) bool

func (f AuthorizerFunc) TrustsCert(fingerprint string) bool { return f(fingerprint) }

// Fingerprints trusts a fixed list of certificate fingerprints.
type Fingerprints []string

func (f Fingerprints) TrustsCert(fingerprint string) bool {
	return fingerprint != "" && slices.Contains(f, strings.ToLower(fingerprint))
}

// ParseFingerprints splits a comma separated list.
func ParseFingerprints(s string) Fingerprints {
	var out Fingerprints
	for _, f := range strings.Split(s, ",") {
		if f = strings.ToLower(strings.TrimSpace(f)); f != "" {
			out = append(out, f)
		}
	}
	return out
}

type ErrUntrustedServer struct {
	Fingerprint string
}

func (e *ErrUntrustedServer) Error() string {
	return "untrusted server certificate " + e.Fingerprint
}

// ErrUntrustedClient is returned by a client whose own certificate the
// server refused.
type ErrUntrustedClient struct {
	Fingerprint string
}

func (e *ErrUntrustedClient) Error() string {
	return "server does not trust client certificate " + e.Fingerprint
}

type fingerprintKey struct{}

// PeerFingerprint returns the fingerprint WithAuth accepted.
func PeerFingerprint(ctx context.Context) string {
	f, _ := ctx.Value(fingerprintKey{}).(string)
	return f
}

// WithAuth rejects requests whose client certificate auth does not trust.
func WithAuth(auth Authorizer, next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		fingerprint := GetCertFingerprint(r.TLS.PeerCertificates[0].Raw)
		if auth == nil || !auth.TrustsCert(fingerprint) {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), fingerprintKey{}, fingerprint)), ps)
	}
}
