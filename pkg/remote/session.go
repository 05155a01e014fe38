// Package remote manages the SSH/SFTP session to the destination host and
// the file operations performed over it.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// DialTimeout bounds transport connect plus protocol handshake
const DialTimeout = 8 * time.Second

// AuthStrategy produces one SSH authentication method
type AuthStrategy interface {
	// Name identifies the strategy in logs
	Name() string

	// Method returns the auth method and an optional closer to release
	// once the handshake is over
	Method() (ssh.AuthMethod, io.Closer, error)
}

// KeyFileAuth authenticates with an unencrypted private key file
type KeyFileAuth struct {
	Path string
}

// Name returns "pubkey"
func (k KeyFileAuth) Name() string { return "pubkey" }

// Method loads the private key
func (k KeyFileAuth) Method() (ssh.AuthMethod, io.Closer, error) {
	data, err := os.ReadFile(k.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read identity file: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse identity file %s: %w", k.Path, err)
	}
	return ssh.PublicKeys(signer), nil, nil
}

// AgentAuth authenticates through a running ssh-agent
type AgentAuth struct {
	// Agent is used directly when set
	Agent agent.Agent

	// Socket is the agent socket path (default $SSH_AUTH_SOCK)
	Socket string
}

// Name returns "agent"
func (a AgentAuth) Name() string { return "agent" }

// Method connects to the agent
func (a AgentAuth) Method() (ssh.AuthMethod, io.Closer, error) {
	if a.Agent != nil {
		return ssh.PublicKeysCallback(a.Agent.Signers), nil, nil
	}

	socket := a.Socket
	if socket == "" {
		socket = os.Getenv("SSH_AUTH_SOCK")
	}
	if socket == "" {
		return nil, nil, errors.New("no ssh agent: SSH_AUTH_SOCK is not set")
	}

	conn, err := net.Dial("unix", socket)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to ssh agent: %w", err)
	}
	return ssh.PublicKeysCallback(agent.NewClient(conn).Signers), conn, nil
}

// DialFunc opens the transport connection
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// SessionConfig holds everything needed to reach the destination
type SessionConfig struct {
	// Destination is host:port
	Destination string

	// User is the remote authentication identity
	User string

	// Strategies are attempted in order until one succeeds
	Strategies []AuthStrategy

	// HostKeyCallback verifies the server (default: accept any key)
	HostKeyCallback ssh.HostKeyCallback

	// Timeout bounds connect plus handshake (default DialTimeout)
	Timeout time.Duration

	// Dial overrides the transport dialer
	Dial DialFunc
}

// Session establishes authenticated connections to one destination
type Session struct {
	cfg SessionConfig
}

// DefaultStrategies returns identity-file authentication followed by agent
// authentication
func DefaultStrategies(identityFile string) []AuthStrategy {
	return []AuthStrategy{
		KeyFileAuth{Path: identityFile},
		AgentAuth{},
	}
}

// NewSession creates a Session, filling in defaults
func NewSession(cfg SessionConfig) *Session {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DialTimeout
	}
	if cfg.HostKeyCallback == nil {
		cfg.HostKeyCallback = ssh.InsecureIgnoreHostKey() // #nosec G106 -- opt-in via known_hosts
	}
	if cfg.Dial == nil {
		d := &net.Dialer{Timeout: cfg.Timeout}
		cfg.Dial = d.DialContext
	}
	return &Session{cfg: cfg}
}

// Connect opens the transport, performs the handshake and authenticates.
// Each strategy gets its own transport connection: x/crypto/ssh attempts
// every auth method name at most once per connection, and both the
// identity file and the agent authenticate as "publickey".
func (s *Session) Connect(ctx context.Context) (*Conn, error) {
	if len(s.cfg.Strategies) == 0 {
		return nil, &AuthError{User: s.cfg.User, Cause: errors.New("no authentication strategies")}
	}

	slog.Debug("creating session", "host", s.cfg.Destination, "user", s.cfg.User)

	var lastErr error
	for _, strategy := range s.cfg.Strategies {
		method, closer, err := strategy.Method()
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", strategy.Name(), err)
			slog.Debug("authentication strategy unavailable", "strategy", strategy.Name(), "err", err)
			continue
		}

		client, authFailed, err := s.handshake(ctx, method)
		if closer != nil {
			_ = closer.Close()
		}
		if err != nil {
			if !authFailed {
				return nil, err
			}
			lastErr = fmt.Errorf("%s: %w", strategy.Name(), err)
			slog.Debug("authentication failed", "strategy", strategy.Name(), "user", s.cfg.User, "err", err)
			continue
		}

		slog.Debug("authenticated", "strategy", strategy.Name(), "user", s.cfg.User)
		return newConn(client, strategy.Name())
	}

	slog.Error("authentication failed", "user", s.cfg.User, "host", s.cfg.Destination)
	return nil, &AuthError{User: s.cfg.User, Cause: lastErr}
}

// handshake dials and authenticates with one method. authFailed reports
// that the server was reached and verified but refused the credentials.
func (s *Session) handshake(ctx context.Context, method ssh.AuthMethod) (client *ssh.Client, authFailed bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	conn, err := s.cfg.Dial(ctx, "tcp", s.cfg.Destination)
	if err != nil {
		return nil, false, fmt.Errorf("failed to connect to %s: %w", s.cfg.Destination, err)
	}

	deadline, _ := ctx.Deadline()
	_ = conn.SetDeadline(deadline)

	// Set from the key exchange goroutine
	var verified atomic.Bool
	clientCfg := &ssh.ClientConfig{
		User:            s.cfg.User,
		Auth:            []ssh.AuthMethod{method},
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			if err := s.cfg.HostKeyCallback(hostname, remote, key); err != nil {
				return err
			}
			verified.Store(true)
			return nil
		},
		Timeout: s.cfg.Timeout,
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, s.cfg.Destination, clientCfg)
	if err != nil {
		_ = conn.Close()
		// Once the host key is accepted only user authentication remains
		return nil, verified.Load() && !isTimeout(err), fmt.Errorf("ssh handshake with %s: %w", s.cfg.Destination, err)
	}
	_ = conn.SetDeadline(time.Time{})

	return ssh.NewClient(c, chans, reqs), false, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// HostKeyCallback enforces a known_hosts file when it exists and accepts
// any host key otherwise
func HostKeyCallback(knownHostsPath string) (ssh.HostKeyCallback, error) {
	if knownHostsPath != "" {
		if _, err := os.Stat(knownHostsPath); err == nil {
			cb, err := knownhosts.New(knownHostsPath)
			if err != nil {
				return nil, fmt.Errorf("failed to load known hosts: %w", err)
			}
			return cb, nil
		}
	}
	slog.Warn("host key verification disabled", "knownHosts", knownHostsPath)
	return ssh.InsecureIgnoreHostKey(), nil // #nosec G106 -- no known_hosts available
}
