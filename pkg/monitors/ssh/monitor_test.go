package ssh

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/supporttools/ssh-monitor/pkg/monitors"
	"github.com/supporttools/ssh-monitor/pkg/remote"
	"github.com/supporttools/ssh-monitor/pkg/report"
	"github.com/supporttools/ssh-monitor/pkg/types"
)

var errDropped = errors.New("connection dropped")

// step is one scripted outcome of a remote command.
type step struct {
	code  int
	err   error
	block bool
}

func exit(code int) step { return step{code: code} }
func fail() step         { return step{err: errDropped} }

// scriptDialer hands out fakeConns that replay a shared script. Once the
// script is exhausted every command exits 0.
type scriptDialer struct {
	mu       sync.Mutex
	script   []step
	dialErrs []error
	dials    int
	commands []string
	closed   int
}

func (d *scriptDialer) Dial(ctx context.Context) (remote.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	if len(d.dialErrs) > 0 {
		err := d.dialErrs[0]
		d.dialErrs = d.dialErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &fakeConn{dialer: d}, nil
}

func (d *scriptDialer) next(command string) step {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.commands = append(d.commands, command)
	if len(d.script) == 0 {
		return exit(0)
	}
	s := d.script[0]
	d.script = d.script[1:]
	return s
}

func (d *scriptDialer) stats() (dials int, commands []string, closed int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials, append([]string{}, d.commands...), d.closed
}

type fakeConn struct {
	dialer *scriptDialer
	once   sync.Once
}

func (c *fakeConn) Run(ctx context.Context, command string) (int, error) {
	s := c.dialer.next(command)
	if s.block {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	return s.code, s.err
}

func (c *fakeConn) Close() error {
	c.once.Do(func() {
		c.dialer.mu.Lock()
		c.dialer.closed++
		c.dialer.mu.Unlock()
	})
	return nil
}

// fakeClock replaces sleep and now so retries do not take real time.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration{}, c.sleeps...)
}

type mockLogger struct {
	mu     sync.Mutex
	debugs []string
	infos  []string
}

func (m *mockLogger) Debugf(format string, args ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.debugs = append(m.debugs, fmt.Sprintf(format, args...))
}

func (m *mockLogger) Infof(format string, args ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infos = append(m.infos, fmt.Sprintf(format, args...))
}

func (m *mockLogger) Warnf(format string, args ...interface{})  {}
func (m *mockLogger) Errorf(format string, args ...interface{}) {}

func (m *mockLogger) countDebug(substr string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, msg := range m.debugs {
		if strings.Contains(msg, substr) {
			n++
		}
	}
	return n
}

func (m *mockLogger) infoMessages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.infos...)
}

// recordingRecorder captures Recorder calls.
type recordingRecorder struct {
	mu       sync.Mutex
	commands []string
	connects []bool
	up       []bool
	waits    []int
}

func (r *recordingRecorder) ObserveCommand(monitor, kind, result string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, kind+"/"+result)
}

func (r *recordingRecorder) ObserveConnect(monitor string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connects = append(r.connects, ok)
}

func (r *recordingRecorder) SetTargetUp(monitor string, up bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.up = append(r.up, up)
}

func (r *recordingRecorder) ObservePreTestWait(monitor string, d time.Duration, attempts int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waits = append(r.waits, attempts)
}

func testConfig() Config {
	return Config{
		Hostname:       "dut.lab",
		Username:       "root",
		Password:       "pw",
		StatusCommand:  "pgrep target",
		RestartCommand: "systemctl restart target",
	}
}

type fixture struct {
	monitor  *SSHMonitor
	dialer   *scriptDialer
	clock    *fakeClock
	log      *mockLogger
	recorder *recordingRecorder
}

func newFixture(t *testing.T, cfg Config, script ...step) *fixture {
	t.Helper()

	f := &fixture{
		dialer:   &scriptDialer{script: script},
		clock:    newFakeClock(),
		log:      &mockLogger{},
		recorder: &recordingRecorder{},
	}
	m, err := NewSSHMonitor("dut", cfg, f.log, WithDialer(f.dialer), WithRecorder(f.recorder))
	if err != nil {
		t.Fatalf("NewSSHMonitor() error: %v", err)
	}
	m.sleep = f.clock.Sleep
	m.now = f.clock.Now
	f.monitor = m
	t.Cleanup(m.Teardown)
	return f
}

func TestNewSSHMonitorAppliesDefaults(t *testing.T) {
	cfg := testConfig()
	cfg.RestartCommand = ""

	m, err := NewSSHMonitor("dut", cfg, &mockLogger{}, WithDialer(&scriptDialer{}))
	if err != nil {
		t.Fatalf("NewSSHMonitor() error: %v", err)
	}
	got := m.Config()
	if got.Port != DefaultPort {
		t.Errorf("Port = %d, want %d", got.Port, DefaultPort)
	}
	if got.RetryInterval != DefaultRetryInterval {
		t.Errorf("RetryInterval = %v, want %v", got.RetryInterval, DefaultRetryInterval)
	}
	if m.GetName() != "dut" {
		t.Errorf("GetName() = %q, want dut", m.GetName())
	}
}

func TestNewSSHMonitorRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.StatusCommand = ""

	if _, err := NewSSHMonitor("dut", cfg, nil); err == nil {
		t.Error("Expected error for missing status command")
	}
}

func TestSetupConnects(t *testing.T) {
	f := newFixture(t, testConfig())

	if err := f.monitor.Setup(context.Background()); err != nil {
		t.Fatalf("Setup() error: %v", err)
	}
	if !f.monitor.Connected() {
		t.Error("Expected a connection after Setup")
	}
	if !f.monitor.IsRunning() {
		t.Error("Expected background loop to be running after Setup")
	}
}

func TestSetupConnectFailure(t *testing.T) {
	f := newFixture(t, testConfig())
	f.dialer.dialErrs = []error{fmt.Errorf("%w: refused", remote.ErrConnect)}

	err := f.monitor.Setup(context.Background())
	if !errors.Is(err, remote.ErrConnect) {
		t.Fatalf("Setup() error = %v, want ErrConnect", err)
	}
	if f.monitor.IsRunning() {
		t.Error("Background loop should be stopped after a failed Setup")
	}
	if f.monitor.Connected() {
		t.Error("No connection should be held after a failed Setup")
	}
}

func TestTeardownIsIdempotent(t *testing.T) {
	f := newFixture(t, testConfig())

	// Never set up.
	f.monitor.Teardown()

	if err := f.monitor.Setup(context.Background()); err != nil {
		t.Fatalf("Setup() error: %v", err)
	}
	f.monitor.Teardown()
	f.monitor.Teardown()

	if f.monitor.Connected() {
		t.Error("Connection should be released")
	}
	if _, _, closed := f.dialer.stats(); closed != 1 {
		t.Errorf("Connection closed %d times, want 1", closed)
	}
}

func TestExecuteStatusCommand(t *testing.T) {
	f := newFixture(t, testConfig(), exit(0), exit(3), fail())
	ctx := context.Background()

	res, err := f.monitor.ExecuteStatusCommand(ctx, "pgrep target")
	if err != nil || !res.OK() || res.ReportValue() != 0 {
		t.Errorf("first result = %+v, %v; want exit 0", res, err)
	}

	res, err = f.monitor.ExecuteStatusCommand(ctx, "pgrep target")
	if err != nil || res.OK() || !res.HasExitCode() || res.ExitCode != 3 {
		t.Errorf("second result = %+v, %v; want exit 3", res, err)
	}

	res, err = f.monitor.ExecuteStatusCommand(ctx, "pgrep target")
	if err != nil {
		t.Fatalf("transport failure must not be returned as an error, got %v", err)
	}
	if res.HasExitCode() || res.ReportValue() != nil {
		t.Errorf("third result = %+v; want no exit code", res)
	}
	if f.monitor.Connected() {
		t.Error("Connection should be dropped after a transport failure")
	}
	if n := f.log.countDebug("ssh command exec error"); n != 1 {
		t.Errorf("Expected 1 exec error debug log, got %d", n)
	}
}

func TestExecuteStatusCommandReconnects(t *testing.T) {
	f := newFixture(t, testConfig(), fail(), exit(0))
	ctx := context.Background()

	if res, _ := f.monitor.ExecuteStatusCommand(ctx, "pgrep target"); res.HasExitCode() {
		t.Fatalf("Expected failure, got %+v", res)
	}
	res, err := f.monitor.ExecuteStatusCommand(ctx, "pgrep target")
	if err != nil || !res.OK() {
		t.Fatalf("Expected success after reconnect, got %+v, %v", res, err)
	}

	dials, _, closed := f.dialer.stats()
	if dials != 2 {
		t.Errorf("dials = %d, want 2", dials)
	}
	if closed != 1 {
		t.Errorf("closed = %d, want 1", closed)
	}
}

func TestExecuteStatusCommandKilledKeepsConnection(t *testing.T) {
	killed := step{err: fmt.Errorf("%w: KILL", remote.ErrKilled)}
	f := newFixture(t, testConfig(), killed, exit(0))
	ctx := context.Background()

	res, err := f.monitor.ExecuteStatusCommand(ctx, "pgrep target")
	if err != nil {
		t.Fatalf("ExecuteStatusCommand() error = %v, want nil", err)
	}
	if res.HasExitCode() || res.ReportValue() != nil {
		t.Errorf("killed command should have no exit code, got %+v", res)
	}

	if res, _ := f.monitor.ExecuteStatusCommand(ctx, "pgrep target"); !res.OK() {
		t.Errorf("Expected success on the same connection, got %+v", res)
	}
	dials, _, closed := f.dialer.stats()
	if dials != 1 || closed != 0 {
		t.Errorf("dials = %d, closed = %d; want 1, 0", dials, closed)
	}
}

func TestExecuteStatusCommandDialFailure(t *testing.T) {
	f := newFixture(t, testConfig())
	f.dialer.dialErrs = []error{fmt.Errorf("%w: timeout", remote.ErrConnect)}

	res, err := f.monitor.ExecuteStatusCommand(context.Background(), "pgrep target")
	if err != nil {
		t.Fatalf("ExecuteStatusCommand() error = %v, want nil", err)
	}
	if !errors.Is(res.Err, remote.ErrConnect) {
		t.Errorf("res.Err = %v, want ErrConnect", res.Err)
	}
	if _, cmds, _ := f.dialer.stats(); len(cmds) != 0 {
		t.Errorf("No command should run without a connection, got %v", cmds)
	}
}

func TestExecuteStatusCommandCancelled(t *testing.T) {
	f := newFixture(t, testConfig(), step{block: true})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := f.monitor.ExecuteStatusCommand(ctx, "pgrep target")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("ExecuteStatusCommand() error = %v, want context.Canceled", err)
	}
}

func TestPreTestWaitsUntilTargetIsUp(t *testing.T) {
	f := newFixture(t, testConfig(), exit(1), fail(), exit(1), exit(0))

	if err := f.monitor.PreTest(context.Background(), 7); err != nil {
		t.Fatalf("PreTest() error: %v", err)
	}

	_, cmds, _ := f.dialer.stats()
	if len(cmds) != 4 {
		t.Errorf("status command ran %d times, want 4", len(cmds))
	}
	for _, c := range cmds {
		if c != "pgrep target" {
			t.Errorf("unexpected command %q", c)
		}
	}

	sleeps := f.clock.Sleeps()
	if len(sleeps) != 3 {
		t.Fatalf("slept %d times, want 3", len(sleeps))
	}
	for _, d := range sleeps {
		if d != time.Second {
			t.Errorf("sleep = %v, want 1s", d)
		}
	}

	if n := f.log.countDebug("waiting for target to be up"); n != 3 {
		t.Errorf("waiting debug logs = %d, want 3", n)
	}
	if f.monitor.TestNumber() != 7 {
		t.Errorf("TestNumber() = %d, want 7", f.monitor.TestNumber())
	}
	if f.monitor.Report().IsFailed() {
		t.Error("PreTest must not fail the report")
	}
	if len(f.recorder.waits) != 1 || f.recorder.waits[0] != 4 {
		t.Errorf("recorded wait attempts = %v, want [4]", f.recorder.waits)
	}
	if n := f.log.countDebug("target up after 3s (4 attempts)"); n != 1 {
		t.Errorf("target up debug logs = %d, want 1", n)
	}
}

func TestPreTestImmediateSuccess(t *testing.T) {
	f := newFixture(t, testConfig(), exit(0))

	if err := f.monitor.PreTest(context.Background(), 1); err != nil {
		t.Fatalf("PreTest() error: %v", err)
	}
	if len(f.clock.Sleeps()) != 0 {
		t.Error("PreTest should not sleep when the target is already up")
	}
}

func TestPreTestCancelledWhileWaiting(t *testing.T) {
	script := make([]step, 50)
	for i := range script {
		script[i] = exit(1)
	}
	f := newFixture(t, testConfig(), script...)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	f.monitor.sleep = func(ctx context.Context, d time.Duration) error {
		calls++
		if calls == 3 {
			cancel()
		}
		return ctx.Err()
	}

	err := f.monitor.PreTest(ctx, 1)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("PreTest() error = %v, want context.Canceled", err)
	}
	if calls != 3 {
		t.Errorf("sleep called %d times, want 3", calls)
	}
}

func TestPreTestMaxWait(t *testing.T) {
	cfg := testConfig()
	cfg.MaxWait = 3 * time.Second
	script := make([]step, 10)
	for i := range script {
		script[i] = exit(1)
	}
	f := newFixture(t, cfg, script...)

	err := f.monitor.PreTest(context.Background(), 1)
	if !errors.Is(err, ErrTargetNotReady) {
		t.Fatalf("PreTest() error = %v, want ErrTargetNotReady", err)
	}
	if _, cmds, _ := f.dialer.stats(); len(cmds) != 4 {
		t.Errorf("status command ran %d times, want 4", len(cmds))
	}
}

func TestPostTest(t *testing.T) {
	tests := []struct {
		name        string
		restart     string
		script      []step
		dialErrs    []error
		wantFailed  bool
		wantEntries map[string]interface{}
		wantCmds    []string
	}{
		{
			name:     "target alive",
			restart:  "systemctl restart target",
			script:   []step{exit(0)},
			wantCmds: []string{"pgrep target"},
		},
		{
			name:       "non-zero exit restarts",
			restart:    "systemctl restart target",
			script:     []step{exit(2), exit(0)},
			wantFailed: true,
			wantEntries: map[string]interface{}{
				KeyStatusCommand:     "pgrep target",
				KeyStatusReturnCode:  2,
				KeyRestartCommand:    "systemctl restart target",
				KeyRestartReturnCode: 0,
			},
			wantCmds: []string{"pgrep target", "systemctl restart target"},
		},
		{
			name:       "restart failure is reported not raised",
			restart:    "systemctl restart target",
			script:     []step{exit(1), fail()},
			wantFailed: true,
			wantEntries: map[string]interface{}{
				KeyStatusReturnCode:  1,
				KeyRestartReturnCode: nil,
			},
			wantCmds: []string{"pgrep target", "systemctl restart target"},
		},
		{
			name:       "unreachable without restart command",
			restart:    "",
			dialErrs:   []error{remote.ErrConnect},
			wantFailed: true,
			wantEntries: map[string]interface{}{
				KeyStatusCommand:    "pgrep target",
				KeyStatusReturnCode: nil,
			},
			wantCmds: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.RestartCommand = tt.restart
			f := newFixture(t, cfg, tt.script...)
			f.dialer.dialErrs = tt.dialErrs

			if err := f.monitor.PostTest(context.Background()); err != nil {
				t.Fatalf("PostTest() error: %v", err)
			}

			r := f.monitor.Report()
			if r.IsFailed() != tt.wantFailed {
				t.Errorf("IsFailed() = %v, want %v", r.IsFailed(), tt.wantFailed)
			}
			if tt.wantFailed {
				if r.Status() != report.StatusFailed || r.Reason() != ReasonNonZeroReturnCode {
					t.Errorf("status = %s (%q), want failed (%q)", r.Status(), r.Reason(), ReasonNonZeroReturnCode)
				}
			}
			for key, want := range tt.wantEntries {
				got, ok := r.Get(key)
				if !ok {
					t.Errorf("report missing %q", key)
					continue
				}
				if got != want {
					t.Errorf("report[%q] = %v, want %v", key, got, want)
				}
			}
			if tt.restart == "" {
				if _, ok := r.Get(KeyRestartCommand); ok {
					t.Error("restart entries must not be reported without a restart command")
				}
			}

			_, cmds, _ := f.dialer.stats()
			if strings.Join(cmds, ",") != strings.Join(tt.wantCmds, ",") {
				t.Errorf("commands = %v, want %v", cmds, tt.wantCmds)
			}
		})
	}
}

func TestPostTestSuccessLeavesReportClean(t *testing.T) {
	f := newFixture(t, testConfig(), exit(0), exit(0))
	ctx := context.Background()

	if err := f.monitor.PreTest(ctx, 3); err != nil {
		t.Fatalf("PreTest() error: %v", err)
	}
	if err := f.monitor.PostTest(ctx); err != nil {
		t.Fatalf("PostTest() error: %v", err)
	}

	r := f.monitor.Report()
	if r.Status() != report.StatusPassed {
		t.Errorf("Status() = %s, want passed", r.Status())
	}
	if _, ok := r.Get(KeyStatusCommand); ok {
		t.Error("status_command should only be reported on failure")
	}
	if len(f.log.infoMessages()) != 0 {
		t.Errorf("unexpected info logs: %v", f.log.infoMessages())
	}
}

func TestPostTestLogsRestart(t *testing.T) {
	f := newFixture(t, testConfig(), exit(0), exit(1), exit(0))
	ctx := context.Background()

	if err := f.monitor.PreTest(ctx, 1); err != nil {
		t.Fatalf("PreTest() error: %v", err)
	}
	if err := f.monitor.PostTest(ctx); err != nil {
		t.Fatalf("PostTest() error: %v", err)
	}

	infos := f.log.infoMessages()
	if len(infos) != 1 || !strings.Contains(infos[0], "restarting target") {
		t.Errorf("info logs = %v, want one restart message", infos)
	}

	f.recorder.mu.Lock()
	defer f.recorder.mu.Unlock()
	want := []string{"status/success", "status/nonzero", "restart/success"}
	if strings.Join(f.recorder.commands, ",") != strings.Join(want, ",") {
		t.Errorf("recorded commands = %v, want %v", f.recorder.commands, want)
	}
}

func TestPostTestCancelled(t *testing.T) {
	f := newFixture(t, testConfig(), exit(0), step{block: true})
	if err := f.monitor.PreTest(context.Background(), 1); err != nil {
		t.Fatalf("PreTest() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	if err := f.monitor.PostTest(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("PostTest() error = %v, want context.Canceled", err)
	}
}

func TestPreTestResetsReport(t *testing.T) {
	f := newFixture(t, testConfig(), exit(0), exit(1), exit(0), exit(0))
	ctx := context.Background()

	f.monitor.PreTest(ctx, 1)
	f.monitor.PostTest(ctx)
	if !f.monitor.Report().IsFailed() {
		t.Fatal("Expected failed report after non-zero post-test check")
	}

	if err := f.monitor.PreTest(ctx, 2); err != nil {
		t.Fatalf("PreTest() error: %v", err)
	}
	if f.monitor.Report().IsFailed() {
		t.Error("PreTest should start a fresh report")
	}
}

func TestFactoryRegistered(t *testing.T) {
	found := false
	for _, typ := range monitors.GetRegisteredTypes() {
		if typ == MonitorType {
			found = true
		}
	}
	if !found {
		t.Fatalf("monitor type %q not registered", MonitorType)
	}

	mc := types.MonitorConfig{
		Name:    "dut",
		Type:    MonitorType,
		Enabled: true,
		Config: map[string]interface{}{
			"hostname":      "dut.lab",
			"username":      "root",
			"password":      "pw",
			"statusCommand": "pgrep target",
			"retryInterval": "250ms",
		},
	}

	mon, err := monitors.CreateMonitor(context.Background(), mc, monitors.Dependencies{Logger: &mockLogger{}})
	if err != nil {
		t.Fatalf("CreateMonitor() error: %v", err)
	}
	sm, ok := mon.(*SSHMonitor)
	if !ok {
		t.Fatalf("CreateMonitor() returned %T, want *SSHMonitor", mon)
	}
	if sm.Config().RetryInterval != 250*time.Millisecond {
		t.Errorf("RetryInterval = %v, want 250ms", sm.Config().RetryInterval)
	}
}

func TestRegisteredValidator(t *testing.T) {
	info := monitors.DefaultRegistry.GetMonitorInfo(MonitorType)
	if info == nil || info.Validator == nil {
		t.Fatalf("monitor type %q registered without a validator", MonitorType)
	}

	tests := []struct {
		name    string
		config  map[string]interface{}
		wantErr bool
	}{
		{
			name: "password from unset env",
			config: map[string]interface{}{
				"hostname": "dut.lab", "username": "root",
				"passwordEnv": "SSH_MONITOR_TEST_UNSET", "statusCommand": "true",
			},
		},
		{
			name: "unbalanced quote",
			config: map[string]interface{}{
				"hostname": "dut.lab", "username": "root", "statusCommand": "pgrep 'target",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mc := types.MonitorConfig{Name: "dut", Type: MonitorType, Enabled: true, Config: tt.config}
			got := info.Validator(mc)
			want := ValidateMonitorConfig(mc)
			if (got != nil) != tt.wantErr || (want != nil) != tt.wantErr {
				t.Errorf("registered = %v, ValidateMonitorConfig = %v, wantErr %v", got, want, tt.wantErr)
			}
		})
	}
}
