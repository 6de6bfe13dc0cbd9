// Package hostaccess runs commands on the target host over SSH.
package hostaccess

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// Result is the outcome of a remote command that ran to completion.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

type Session interface {
	// Exec runs cmd with stdin attached. A non-zero exit is reported in
	// the Result, not as an error.
	Exec(ctx context.Context, cmd string, stdin io.Reader) (*Result, error)
	Close() error
}

type Dialer interface {
	Connect(ctx context.Context, addr string) (Session, error)
}

// ErrHostKeyMismatch is returned when the host presents an unexpected key.
var ErrHostKeyMismatch = errors.New("host key does not match the pinned fingerprint")

// SSH connects with a private key and only trusts the host key whose
// SHA256 fingerprint is pinned.
type SSH struct {
	User        string
	Signer      ssh.Signer
	Fingerprint string // e.g. SHA256:Xk3...
	Timeout     time.Duration

	// FirstUse pins whatever key the first connection presents. Only used
	// for hosts that were just created.
	FirstUse bool

	mu sync.Mutex
}

// NewSSH parses a PEM encoded private key.
func NewSSH(user string, privateKey []byte, fingerprint string) (*SSH, error) {
	signer, err := ssh.ParsePrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("parsing identity: %w", err)
	}
	if fingerprint == "" {
		return nil, errors.New("a host key fingerprint is required")
	}
	return &SSH{User: user, Signer: signer, Fingerprint: fingerprint, Timeout: time.Second * 15}, nil
}

// NewFirstUseSSH trusts the first host key it sees and pins it from then on.
func NewFirstUseSSH(user string, privateKey []byte) (*SSH, error) {
	signer, err := ssh.ParsePrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("parsing identity: %w", err)
	}
	return &SSH{User: user, Signer: signer, FirstUse: true, Timeout: time.Second * 15}, nil
}

// Pinned returns the fingerprint currently trusted.
func (s *SSH) Pinned() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Fingerprint
}

func (s *SSH) hostKeyCallback(hostname string, remote net.Addr, key ssh.PublicKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	got := ssh.FingerprintSHA256(key)
	if s.FirstUse && s.Fingerprint == "" {
		s.Fingerprint = got
	}
	if got != s.Fingerprint {
		return fmt.Errorf("%w: %s presented %s", ErrHostKeyMismatch, hostname, got)
	}
	return nil
}

func (s *SSH) Connect(ctx context.Context, addr string) (Session, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "22")
	}

	dialer := net.Dialer{Timeout: s.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}

	var mismatch error
	config := &ssh.ClientConfig{
		User: s.User,
		Auth: []ssh.AuthMethod{ssh.PublicKeys(s.Signer)},
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			mismatch = s.hostKeyCallback(hostname, remote, key)
			return mismatch
		},
		Timeout: s.Timeout,
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		if mismatch != nil {
			return nil, mismatch
		}
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	conn.SetDeadline(time.Time{})

	return &sshSession{client: ssh.NewClient(c, chans, reqs)}, nil
}

type sshSession struct {
	client *ssh.Client
}

func (s *sshSession) Exec(ctx context.Context, cmd string, stdin io.Reader) (*Result, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("opening session: %w", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdin = stdin
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			sess.Signal(ssh.SIGTERM)
			sess.Close()
		case <-done:
		}
	}()

	err = sess.Run(cmd)
	result := &Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}

	var exitErr *ssh.ExitError
	switch {
	case err == nil:
		return result, nil
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitStatus()
		return result, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	}
	return nil, fmt.Errorf("running %q: %w", cmd, err)
}

func (s *sshSession) Close() error { return s.client.Close() }
