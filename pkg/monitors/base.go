// Package monitors provides the shared lifecycle that concrete harness
// monitors build on. BaseMonitor owns the per-test report, the current test
// number, and an optional background loop that repeatedly invokes a monitor
// function between Setup and Teardown.
package monitors

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/supporttools/ssh-monitor/pkg/logger"
	"github.com/supporttools/ssh-monitor/pkg/report"
)

// MonitorFunc is the body of the background loop. It is called repeatedly
// until the monitor is torn down and is responsible for its own pacing.
// ctx is cancelled on Teardown.
type MonitorFunc func(ctx context.Context)

// Logger is the logging surface monitors use. *logrus.Entry satisfies it.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// stopTimeout bounds how long Teardown waits for the background loop.
const stopTimeout = 30 * time.Second

// BaseMonitor provides the lifecycle hooks shared by all monitors.
// Concrete monitors embed it and call its Setup, Teardown, PreTest and
// PostTest from their own implementations.
//
// Example usage:
//
//	type MyMonitor struct {
//		*monitors.BaseMonitor
//	}
//
//	func (m *MyMonitor) PreTest(ctx context.Context, n int) error {
//		if err := m.BaseMonitor.PreTest(ctx, n); err != nil {
//			return err
//		}
//		// wait for the target
//		return nil
//	}
type BaseMonitor struct {
	name string

	mu          sync.RWMutex
	logger      Logger
	monitorFunc MonitorFunc
	report      *report.Report
	testNumber  int

	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewBaseMonitor creates a BaseMonitor. When log is nil the shared logger
// scoped to name is used.
func NewBaseMonitor(name string, log Logger) (*BaseMonitor, error) {
	if name == "" {
		return nil, fmt.Errorf("monitor name cannot be empty")
	}
	if log == nil {
		log = logger.ForMonitor(name)
	}

	return &BaseMonitor{
		name:   name,
		logger: log,
		report: report.New(name),
	}, nil
}

// SetMonitorFunc sets the background loop body. It must be called before
// Setup; a nil function disables the loop.
func (b *BaseMonitor) SetMonitorFunc(fn MonitorFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return fmt.Errorf("cannot change monitor function while monitor %q is running", b.name)
	}
	b.monitorFunc = fn
	return nil
}

// SetLogger replaces the monitor logger. A nil logger is ignored.
func (b *BaseMonitor) SetLogger(log Logger) {
	if log == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger = log
}

// GetName returns the monitor's name.
func (b *BaseMonitor) GetName() string {
	return b.name
}

// Logger returns the monitor's logger.
func (b *BaseMonitor) Logger() Logger {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.logger
}

// Report returns the report for the current test.
func (b *BaseMonitor) Report() *report.Report {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.report
}

// TestNumber returns the number passed to the last PreTest call.
func (b *BaseMonitor) TestNumber() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.testNumber
}

// IsRunning reports whether the background loop is active.
func (b *BaseMonitor) IsRunning() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

// Setup starts the background loop if a monitor function is set.
func (b *BaseMonitor) Setup(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return fmt.Errorf("monitor %q is already set up", b.name)
	}
	if b.monitorFunc == nil {
		return nil
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.done = make(chan struct{})
	b.running = true

	go b.run(loopCtx, b.monitorFunc, b.done)
	return nil
}

// Teardown stops the background loop and waits for it to exit.
// It is safe to call when the monitor was never set up.
func (b *BaseMonitor) Teardown() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	cancel := b.cancel
	done := b.done
	b.running = false
	b.cancel = nil
	b.done = nil
	b.mu.Unlock()

	cancel()

	timer := time.NewTimer(stopTimeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		b.Logger().Warnf("Monitor %q loop did not stop within %v", b.name, stopTimeout)
	}
}

// PreTest starts a fresh report for test testNumber.
func (b *BaseMonitor) PreTest(ctx context.Context, testNumber int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.testNumber = testNumber
	b.report = report.New(b.name)
	return nil
}

// PostTest is the base post-test hook. It records the test number in the
// report.
func (b *BaseMonitor) PostTest(ctx context.Context) error {
	b.mu.RLock()
	r := b.report
	n := b.testNumber
	b.mu.RUnlock()

	r.Add("test_number", n)
	return nil
}

// run calls fn until ctx is cancelled. Panics are recovered and logged so a
// faulty monitor function cannot take the harness down.
func (b *BaseMonitor) run(ctx context.Context, fn MonitorFunc, done chan struct{}) {
	defer close(done)

	for ctx.Err() == nil {
		b.invoke(ctx, fn)
	}
}

func (b *BaseMonitor) invoke(ctx context.Context, fn MonitorFunc) {
	defer func() {
		if r := recover(); r != nil {
			b.Logger().Errorf("Monitor %q monitor function panicked: %v", b.name, r)
			select {
			case <-ctx.Done():
			case <-time.After(100 * time.Millisecond):
			}
		}
	}()
	fn(ctx)
}
