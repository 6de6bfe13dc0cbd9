// Package probe checks that a service instance accepts traffic.
package probe

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Checker verifies liveness of whatever listens on host:port. spec is a
// service's health setting: "" or "tcp" for a TCP accept, "http:<path>" for
// an HTTP GET that must not return a 4xx or 5xx status.
type Checker interface {
	Check(ctx context.Context, host string, port int, spec string) error
}

type Prober struct {
	Timeout time.Duration
	Client  *http.Client
}

func New() *Prober {
	return &Prober{Timeout: time.Second * 2, Client: &http.Client{}}
}

func (p *Prober) Check(ctx context.Context, host string, port int, spec string) error {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	switch {
	case spec == "" || spec == "tcp":
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()

	case strings.HasPrefix(spec, "http:"):
		path := strings.TrimPrefix(spec, "http:")
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+path, nil)
		if err != nil {
			return err
		}
		client := p.Client
		if client == nil {
			client = http.DefaultClient
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 400 {
			return fmt.Errorf("health check %s returned status %d", path, resp.StatusCode)
		}
		return nil
	}

	return fmt.Errorf("unknown health check %q", spec)
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc func(ctx context.Context, host string, port int, spec string) error

func (f CheckerFunc) Check(ctx context.Context, host string, port int, spec string) error {
	return f(ctx, host, port, spec)
}
