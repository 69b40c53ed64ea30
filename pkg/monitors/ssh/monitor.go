// Package ssh implements a harness monitor that checks a target's liveness
// by running a status command over SSH and, when the check fails after a
// test, optionally runs a restart command.
//
// Before each test PreTest blocks until the status command exits 0, retrying
// once per RetryInterval. After each test PostTest runs the status command
// once; a non-zero or missing exit code marks the report failed and triggers
// the restart command. Whether the restart worked is left to the next
// PreTest.
//
// Transport failures never escape as errors. They are logged, the connection
// is dropped, and the command result carries the failure instead of an exit
// code. Only context cancellation is returned to the caller.
package ssh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/supporttools/ssh-monitor/pkg/monitors"
	"github.com/supporttools/ssh-monitor/pkg/remote"
	"github.com/supporttools/ssh-monitor/pkg/types"
)

func init() {
	monitors.MustRegister(monitors.MonitorInfo{
		Type:        MonitorType,
		Factory:     NewSSHMonitorFromConfig,
		Validator:   ValidateMonitorConfig,
		Description: "Checks target liveness with a command over SSH and restarts it on failure",
	})
}

// Report keys written by PostTest.
const (
	KeyStatusCommand        = "status_command"
	KeyStatusReturnCode     = "status_command return code"
	KeyRestartCommand       = "restart_command"
	KeyRestartReturnCode    = "restart_command return code"
	ReasonNonZeroReturnCode = "got non-zero return code"
)

// Command kinds passed to the Recorder.
const (
	KindStatus  = "status"
	KindRestart = "restart"
)

// ErrTargetNotReady is returned by PreTest when MaxWait is set and the
// target did not report success in time.
var ErrTargetNotReady = errors.New("target did not become ready")

// CommandResult is the outcome of one remote command. Err is set when no
// exit code could be obtained; ExitCode is meaningless in that case.
type CommandResult struct {
	Command  string
	ExitCode int
	Err      error
}

// OK reports whether the command ran and exited 0.
func (r CommandResult) OK() bool {
	return r.Err == nil && r.ExitCode == 0
}

// HasExitCode reports whether an exit code was obtained.
func (r CommandResult) HasExitCode() bool {
	return r.Err == nil
}

// ReportValue returns the exit code, or nil when none was obtained.
func (r CommandResult) ReportValue() interface{} {
	if r.Err != nil {
		return nil
	}
	return r.ExitCode
}

func (r CommandResult) outcome() string {
	switch {
	case r.Err != nil:
		return "error"
	case r.ExitCode != 0:
		return "nonzero"
	default:
		return "success"
	}
}

// SSHMonitor watches one target over one SSH connection.
type SSHMonitor struct {
	*monitors.BaseMonitor

	config   Config
	dialer   remote.Dialer
	recorder monitors.Recorder

	// sleep and now are replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	mu   sync.Mutex
	conn remote.Conn
}

// Option customizes an SSHMonitor.
type Option func(*SSHMonitor)

// WithDialer replaces the SSH dialer.
func WithDialer(d remote.Dialer) Option {
	return func(m *SSHMonitor) {
		if d != nil {
			m.dialer = d
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r monitors.Recorder) Option {
	return func(m *SSHMonitor) {
		if r != nil {
			m.recorder = r
		}
	}
}

// NewSSHMonitor creates a monitor for the target described by cfg.
// A nil log uses the shared logger.
func NewSSHMonitor(name string, cfg Config, log monitors.Logger, opts ...Option) (*SSHMonitor, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ssh monitor config: %w", err)
	}

	base, err := monitors.NewBaseMonitor(name, log)
	if err != nil {
		return nil, err
	}

	m := &SSHMonitor{
		BaseMonitor: base,
		config:      cfg,
		recorder:    monitors.NopRecorder{},
		sleep:       sleepContext,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.dialer == nil {
		m.dialer = remote.NewDialer(remote.Config{
			Hostname:       cfg.Hostname,
			Port:           cfg.Port,
			Username:       cfg.Username,
			Password:       cfg.Password,
			KnownHostsFile: cfg.KnownHostsFile,
			DialTimeout:    cfg.DialTimeout,
		})
	}

	if err := base.SetMonitorFunc(m.idle); err != nil {
		return nil, err
	}
	return m, nil
}

// NewSSHMonitorFromConfig is the registry factory.
func NewSSHMonitorFromConfig(ctx context.Context, mc types.MonitorConfig, deps monitors.Dependencies) (types.Monitor, error) {
	cfg, err := ParseConfig(mc)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh config: %w", err)
	}
	return NewSSHMonitor(mc.Name, *cfg, deps.Logger, WithRecorder(deps.Recorder))
}

// Config returns the monitor configuration.
func (m *SSHMonitor) Config() Config {
	return m.config
}

// Connected reports whether a connection is currently held.
func (m *SSHMonitor) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// Setup starts the base monitor and connects. A connection failure is
// returned and leaves the monitor torn down.
func (m *SSHMonitor) Setup(ctx context.Context) error {
	if err := m.BaseMonitor.Setup(ctx); err != nil {
		return err
	}
	if _, err := m.ensureConnected(ctx); err != nil {
		m.BaseMonitor.Teardown()
		return fmt.Errorf("monitor %q setup: %w", m.GetName(), err)
	}
	return nil
}

// Teardown closes the connection if open and stops the base monitor.
// It never fails and may be called repeatedly.
func (m *SSHMonitor) Teardown() {
	m.mu.Lock()
	if m.conn != nil {
		if err := m.conn.Close(); err != nil {
			m.Logger().Debugf("close ssh connection: %v", err)
		}
		m.conn = nil
	}
	m.mu.Unlock()

	m.BaseMonitor.Teardown()
}

// PreTest resets the report and then blocks until the status command exits
// 0. Without MaxWait it waits forever; only ctx cancellation stops it.
func (m *SSHMonitor) PreTest(ctx context.Context, testNumber int) error {
	if err := m.BaseMonitor.PreTest(ctx, testNumber); err != nil {
		return err
	}

	start := m.now()
	attempts := 0
	for {
		res, err := m.ExecuteStatusCommand(ctx, m.config.StatusCommand)
		if err != nil {
			return err
		}
		attempts++
		m.recorder.SetTargetUp(m.GetName(), res.OK())

		if res.OK() {
			waited := m.now().Sub(start)
			m.Logger().Debugf("target up after %v (%d attempts)", waited, attempts)
			m.recorder.ObservePreTestWait(m.GetName(), waited, attempts)
			return nil
		}

		if m.config.MaxWait > 0 && m.now().Sub(start) >= m.config.MaxWait {
			return fmt.Errorf("%w: %q still failing after %v (%d attempts)",
				ErrTargetNotReady, m.config.StatusCommand, m.config.MaxWait, attempts)
		}

		m.Logger().Debugf("waiting for target to be up")
		if err := m.sleep(ctx, m.config.RetryInterval); err != nil {
			return err
		}
	}
}

// PostTest checks liveness once. A failed check is recorded in the report
// and, when configured, the restart command is run. The returned error is
// only ever a context error.
func (m *SSHMonitor) PostTest(ctx context.Context) error {
	res, err := m.ExecuteStatusCommand(ctx, m.config.StatusCommand)
	if err != nil {
		return err
	}
	m.recorder.SetTargetUp(m.GetName(), res.OK())

	if !res.OK() {
		r := m.Report()
		r.Add(KeyStatusCommand, m.config.StatusCommand)
		r.Add(KeyStatusReturnCode, res.ReportValue())
		r.Failed(ReasonNonZeroReturnCode)

		if m.config.RestartCommand != "" {
			m.Logger().Infof("target not responding - restarting target")
			restart, err := m.execute(ctx, KindRestart, m.config.RestartCommand)
			if err != nil {
				return err
			}
			r.Add(KeyRestartCommand, m.config.RestartCommand)
			r.Add(KeyRestartReturnCode, restart.ReportValue())
		}
	}

	return m.BaseMonitor.PostTest(ctx)
}

// ExecuteStatusCommand runs command on the target and waits for it to exit.
// Connection and execution failures are logged and reported through
// CommandResult.Err. The error return is non-nil only when ctx is done.
func (m *SSHMonitor) ExecuteStatusCommand(ctx context.Context, command string) (CommandResult, error) {
	return m.execute(ctx, KindStatus, command)
}

func (m *SSHMonitor) execute(ctx context.Context, kind, command string) (CommandResult, error) {
	start := m.now()
	res := CommandResult{Command: command}

	conn, err := m.ensureConnected(ctx)
	if err == nil {
		res.ExitCode, err = conn.Run(ctx, command)
	}

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return CommandResult{Command: command, Err: err}, ctxErr
		}
		if !errors.Is(err, remote.ErrKilled) {
			m.invalidate(conn)
		}
		res.Err = err
		m.Logger().Debugf("ssh command exec error: %s: %v", command, err)
		m.recorder.ObserveCommand(m.GetName(), kind, res.outcome(), m.now().Sub(start))
		return res, nil
	}

	m.Logger().Debugf("%s, %d", command, res.ExitCode)
	m.recorder.ObserveCommand(m.GetName(), kind, res.outcome(), m.now().Sub(start))
	return res, nil
}

// ensureConnected returns the held connection, dialing a new one if none
// is held.
func (m *SSHMonitor) ensureConnected(ctx context.Context) (remote.Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != nil {
		return m.conn, nil
	}

	conn, err := m.dialer.Dial(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.recorder.ObserveConnect(m.GetName(), false)
		}
		return nil, err
	}
	m.recorder.ObserveConnect(m.GetName(), true)
	m.conn = conn
	return conn, nil
}

// invalidate drops conn if it is still the held connection.
func (m *SSHMonitor) invalidate(conn remote.Conn) {
	if conn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == conn {
		m.conn = nil
	}
	_ = conn.Close()
}

// idle is the background monitor function. It does no monitoring work.
func (m *SSHMonitor) idle(ctx context.Context) {
	_ = sleepContext(ctx, m.config.IdleInterval)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
