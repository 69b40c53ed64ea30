// Package harness drives a set of monitors through test iterations: set up
// every monitor, then for each iteration run every PreTest, an optional test
// step and every PostTest, and finally tear everything down.
package harness

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	shellquote "github.com/kballard/go-shellquote"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/ssh-monitor/pkg/logger"
	"github.com/supporttools/ssh-monitor/pkg/report"
	"github.com/supporttools/ssh-monitor/pkg/types"
)

// IterationEnv is set to the iteration number when a test command runs.
const IterationEnv = "SSH_MONITOR_ITERATION"

// TestFunc is the test step run between PreTest and PostTest.
type TestFunc func(ctx context.Context, iteration int) error

// Options configures a Runner.
type Options struct {
	Iterations int
	Test       TestFunc
}

// IterationResult holds what one iteration produced.
type IterationResult struct {
	Number  int
	TestErr error
	Reports []*report.Report
}

// Failed reports whether the test step or any monitor report failed.
func (r IterationResult) Failed() bool {
	if r.TestErr != nil {
		return true
	}
	for _, rep := range r.Reports {
		if rep.IsFailed() {
			return true
		}
	}
	return false
}

// Runner runs monitors sequentially in the order given.
type Runner struct {
	monitors []types.Monitor
	opts     Options
	stats    *Statistics
	log      *logrus.Entry
}

// NewRunner creates a runner for mons.
func NewRunner(mons []types.Monitor, opts Options) (*Runner, error) {
	if len(mons) == 0 {
		return nil, fmt.Errorf("at least one monitor is required")
	}
	if opts.Iterations < 0 {
		return nil, fmt.Errorf("iterations must not be negative, got %d", opts.Iterations)
	}
	return &Runner{
		monitors: mons,
		opts:     opts,
		stats:    NewStatistics(),
		log:      logger.WithField("component", "harness"),
	}, nil
}

// Statistics returns the run counters.
func (r *Runner) Statistics() *Statistics {
	return r.stats
}

// Setup sets up every monitor. If one fails, those already set up are torn
// down and the error is returned.
func (r *Runner) Setup(ctx context.Context) error {
	for i, m := range r.monitors {
		if err := m.Setup(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				r.monitors[j].Teardown()
			}
			return fmt.Errorf("setup %s: %w", m.GetName(), err)
		}
		r.log.WithField("monitor", m.GetName()).Debug("Monitor set up")
	}
	return nil
}

// Teardown tears down every monitor in reverse order.
func (r *Runner) Teardown() {
	for i := len(r.monitors) - 1; i >= 0; i-- {
		r.monitors[i].Teardown()
	}
}

// Run performs Setup, the configured iterations and Teardown. Teardown runs
// even when ctx is cancelled; in that case the results gathered so far are
// returned with ctx's error.
func (r *Runner) Run(ctx context.Context) ([]IterationResult, error) {
	if err := r.Setup(ctx); err != nil {
		return nil, err
	}
	defer r.Teardown()

	results := make([]IterationResult, 0, r.opts.Iterations)
	for i := 1; i <= r.opts.Iterations; i++ {
		res, err := r.Iteration(ctx, i)
		if err != nil {
			return results, err
		}
		results = append(results, res)
		r.stats.RecordIteration(res)

		r.log.WithFields(logrus.Fields{
			"iteration": i,
			"failed":    res.Failed(),
		}).Info("Iteration complete")
	}
	return results, nil
}

// Iteration runs one PreTest, test step and PostTest cycle on already set
// up monitors. The returned error is non-nil only when a hook returned one,
// which for SSH monitors means ctx was cancelled.
func (r *Runner) Iteration(ctx context.Context, n int) (IterationResult, error) {
	res := IterationResult{Number: n}

	if err := r.PreTestAll(ctx, n); err != nil {
		return res, err
	}

	if r.opts.Test != nil {
		res.TestErr = r.opts.Test(ctx, n)
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if res.TestErr != nil {
			r.log.WithError(res.TestErr).WithField("iteration", n).Warn("Test step failed")
		}
	}

	reports, err := r.PostTestAll(ctx)
	res.Reports = reports
	return res, err
}

// PreTestAll runs PreTest on every monitor.
func (r *Runner) PreTestAll(ctx context.Context, n int) error {
	for _, m := range r.monitors {
		if err := m.PreTest(ctx, n); err != nil {
			return fmt.Errorf("pre-test %s: %w", m.GetName(), err)
		}
	}
	return nil
}

// PostTestAll runs PostTest on every monitor and collects their reports.
func (r *Runner) PostTestAll(ctx context.Context) ([]*report.Report, error) {
	reports := make([]*report.Report, 0, len(r.monitors))
	for _, m := range r.monitors {
		if err := m.PostTest(ctx); err != nil {
			return reports, fmt.Errorf("post-test %s: %w", m.GetName(), err)
		}
		rep := m.Report()
		reports = append(reports, rep)
		if rep.IsFailed() {
			r.log.WithFields(logrus.Fields{
				"monitor": m.GetName(),
				"reason":  rep.Reason(),
			}).Warn("Monitor reported failure")
		}
	}
	return reports, nil
}

// CommandTest returns a TestFunc running argv locally with stdout and
// stderr inherited. Each run is bounded by timeout when it is positive.
func CommandTest(argv []string, timeout time.Duration) (TestFunc, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("test command is empty")
	}
	display := shellquote.Join(argv...)

	return func(ctx context.Context, iteration int) error {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Env = append(os.Environ(), IterationEnv+"="+strconv.Itoa(iteration))

		logger.WithFields(logrus.Fields{"component": "harness", "iteration": iteration}).
			Debugf("Running test command: %s", display)

		err := cmd.Run()
		if err == nil {
			return nil
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("test command %q timed out after %v", display, timeout)
		}
		return fmt.Errorf("test command %q: %w", display, err)
	}, nil
}

// ParseCommand splits a shell-style command line into argv.
func ParseCommand(command string) ([]string, error) {
	argv, err := shellquote.Split(command)
	if err != nil {
		return nil, fmt.Errorf("parse test command %q: %w", command, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("test command is empty")
	}
	return argv, nil
}
