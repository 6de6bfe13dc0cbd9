package rpc

import (
	"crypto/tls"
	"net/http"
	"time"

	"github.com/go-kit/kit/log"
)

// NewServer requires every client to present a certificate. Whether it is
// trusted is decided per route by WithAuth.
func NewServer(addr string, id *Identity, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: time.Second * 10,
		TLSConfig: &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{id.Certificate},
			ClientAuth:   tls.RequireAnyClientCert,
		},
	}
}

func WithLogging(logger log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wp := &responseProxy{ResponseWriter: w, Status: http.StatusOK}
		next.ServeHTTP(wp, r)
		logger.Log("method", r.Method, "path", r.URL.Path, "status", wp.Status, "remote", r.RemoteAddr, "took", time.Since(start))
	})
}

// responseProxy keeps the status for logging.
type responseProxy struct {
	http.ResponseWriter
	Status int
}

func (r *responseProxy) WriteHeader(status int) {
	r.Status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseProxy) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
