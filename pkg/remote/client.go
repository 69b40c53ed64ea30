// Package remote is the SSH transport used by the SSH monitor. It connects
// with password credentials, runs one command per session and reports the
// remote exit status.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// DefaultDialTimeout bounds TCP connect plus SSH handshake. Command
// execution itself is never bounded.
const DefaultDialTimeout = 15 * time.Second

// ErrConnect wraps every failure to establish a connection.
var ErrConnect = errors.New("ssh connect failed")

// ErrKilled is returned by Run when the remote process was terminated by a
// signal and so has no exit status.
var ErrKilled = errors.New("remote process killed by signal")

// Conn is an established connection able to run commands.
type Conn interface {
	// Run executes command and blocks until it exits, returning its exit
	// status. A non-nil error means no exit status was obtained. If ctx is
	// cancelled the error is ctx.Err().
	Run(ctx context.Context, command string) (int, error)

	// Close releases the connection. It is safe to call more than once.
	Close() error
}

// Dialer opens connections to one fixed target.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Config holds the connection parameters of one target.
type Config struct {
	Hostname string
	Port     int
	Username string
	Password string

	// KnownHostsFile is where newly seen host keys are persisted. When
	// empty, any presented host key is accepted without being recorded.
	KnownHostsFile string

	// DialTimeout bounds connect and handshake. Zero uses DefaultDialTimeout.
	DialTimeout time.Duration
}

// Address returns host:port.
func (c Config) Address() string {
	return net.JoinHostPort(c.Hostname, strconv.Itoa(c.Port))
}

// SSHDialer dials targets with golang.org/x/crypto/ssh.
type SSHDialer struct {
	config   Config
	hostKeys *HostKeyStore
}

// NewDialer creates a dialer for cfg.
func NewDialer(cfg Config) *SSHDialer {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	return &SSHDialer{
		config:   cfg,
		hostKeys: NewHostKeyStore(cfg.KnownHostsFile),
	}
}

// HostKeys returns the store used to verify host keys.
func (d *SSHDialer) HostKeys() *HostKeyStore {
	return d.hostKeys
}

// Dial connects and authenticates. Host keys are handled trust-on-first-use:
// unknown keys are accepted and persisted, keys that contradict a recorded
// entry are rejected.
func (d *SSHDialer) Dial(ctx context.Context) (Conn, error) {
	addr := d.config.Address()

	clientConfig := &ssh.ClientConfig{
		User: d.config.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(d.config.Password),
			ssh.KeyboardInteractive(d.answerWithPassword),
		},
		HostKeyCallback: d.hostKeys.Callback(),
		Timeout:         d.config.DialTimeout,
	}

	var netDialer net.Dialer
	dialCtx, cancel := context.WithTimeout(ctx, d.config.DialTimeout)
	defer cancel()

	netConn, err := netDialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: dial %s: %v", ErrConnect, addr, err)
	}

	if err := netConn.SetDeadline(time.Now().Add(d.config.DialTimeout)); err != nil {
		netConn.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnect, err)
	}

	// The handshake is not context aware; closing the socket unblocks it.
	stop := context.AfterFunc(ctx, func() { netConn.Close() })

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, clientConfig)
	if !stop() {
		if err == nil {
			sshConn.Close()
		}
		return nil, ctx.Err()
	}
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("%w: handshake with %s: %v", ErrConnect, addr, err)
	}

	if err := netConn.SetDeadline(time.Time{}); err != nil {
		sshConn.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnect, err)
	}

	return &Client{client: ssh.NewClient(sshConn, chans, reqs)}, nil
}

func (d *SSHDialer) answerWithPassword(user, instruction string, questions []string, echos []bool) ([]string, error) {
	answers := make([]string, len(questions))
	for i := range answers {
		answers[i] = d.config.Password
	}
	return answers, nil
}

// Client is a live SSH connection.
type Client struct {
	client    *ssh.Client
	closeOnce sync.Once
	closeErr  error
}

// Run opens a session, executes command and waits for its exit status.
// Output is discarded.
func (c *Client) Run(ctx context.Context, command string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	session, err := c.client.NewSession()
	if err != nil {
		return 0, fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case err := <-done:
		return exitStatus(err)
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		session.Close()
		return 0, ctx.Err()
	}
}

// exitStatus converts the result of session.Run into an exit code. A remote
// process that exited non-zero is not an error here; one killed by a signal
// is.
func exitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		// x/crypto reports 128+N for a signalled process; that code was
		// never sent by the remote side.
		if sig := exitErr.Signal(); sig != "" {
			return 0, fmt.Errorf("%w: %s", ErrKilled, sig)
		}
		return exitErr.ExitStatus(), nil
	}
	return 0, fmt.Errorf("run command: %w", err)
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.client.Close()
	})
	return c.closeErr
}
