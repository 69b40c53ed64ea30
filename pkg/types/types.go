// Package types defines the core interfaces and configuration types for
// ssh-monitor.
package types

import (
	"context"

	"github.com/supporttools/ssh-monitor/pkg/report"
)

// Monitor is the lifecycle contract every harness monitor implements.
// The orchestrator calls Setup once, then PreTest and PostTest around each
// test iteration, then Teardown once. Calls on one instance are sequential.
type Monitor interface {
	// GetName returns the monitor name used in logs and reports.
	GetName() string

	// Setup prepares the monitor. An error is fatal for the run.
	Setup(ctx context.Context) error

	// Teardown releases all resources. It is safe to call more than once.
	Teardown()

	// PreTest runs before test iteration testNumber starts.
	// It only returns an error when ctx is cancelled or a configured wait
	// limit is exceeded.
	PreTest(ctx context.Context, testNumber int) error

	// PostTest runs after the current iteration. Detected problems are
	// recorded in the report; the error is reserved for cancellation.
	PostTest(ctx context.Context) error

	// Report returns the report for the current iteration.
	Report() *report.Report
}
