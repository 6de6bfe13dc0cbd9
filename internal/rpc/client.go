package rpc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// DefaultPort is where agents listen when an address has no port.
const DefaultPort = "9443"

// BaseURL turns a host or host:port into an https URL prefix.
func BaseURL(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, DefaultPort)
	}
	return "https://" + addr
}

type Client struct {
	*http.Client
	identity *Identity
}

// NewClient presents id and only talks to servers auth trusts. The server
// certificate chain is not verified; the pinned fingerprint replaces it.
func NewClient(id *Identity, timeout time.Duration, auth Authorizer) *Client {
	return &Client{
		identity: id,
		Client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSHandshakeTimeout: time.Second * 15,
				TLSClientConfig: &tls.Config{
					InsecureSkipVerify: true,
					Certificates:       []tls.Certificate{id.Certificate},
					VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
						if len(rawCerts) == 0 {
							return &ErrUntrustedServer{Fingerprint: "unknown"}
						}
						if fp := GetCertFingerprint(rawCerts[0]); !auth.TrustsCert(fp) {
							return &ErrUntrustedServer{Fingerprint: fp}
						}
						return nil
					},
				},
			},
		},
	}
}

func (c *Client) GET(ctx context.Context, url string) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, url, "", nil)
}

func (c *Client) POST(ctx context.Context, url, contentType string, body io.Reader) (*http.Response, error) {
	return c.do(ctx, http.MethodPost, url, contentType, body)
}

// do returns the response only for 2xx statuses. Anything else is turned
// into an error carrying the body.
func (c *Client) do(ctx context.Context, method, url, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.Do(req)
	if err != nil {
		var untrusted *ErrUntrustedServer
		if errors.As(err, &untrusted) {
			return nil, untrusted
		}
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	switch {
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
		return nil, &ErrUntrustedClient{Fingerprint: c.identity.Fingerprint}
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("server error status: %d, body: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
}

// StatusError is a 4xx response other than an authorization failure.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("client error status: %d, body: %s", e.Code, e.Body)
}
