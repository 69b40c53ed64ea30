package monitors

import "time"

// Recorder receives measurements from monitors. The Prometheus exporter
// implements it; NopRecorder discards everything.
type Recorder interface {
	// ObserveCommand records one remote command. kind is "status" or
	// "restart"; result is "success", "nonzero" or "error".
	ObserveCommand(monitor, kind, result string, duration time.Duration)

	// ObserveConnect records a connection attempt.
	ObserveConnect(monitor string, ok bool)

	// SetTargetUp records the outcome of the latest liveness check.
	SetTargetUp(monitor string, up bool)

	// ObservePreTestWait records how long a pre-test wait took.
	ObservePreTestWait(monitor string, duration time.Duration, attempts int)
}

// NopRecorder is a Recorder that does nothing.
type NopRecorder struct{}

func (NopRecorder) ObserveCommand(string, string, string, time.Duration) {}
func (NopRecorder) ObserveConnect(string, bool)                          {}
func (NopRecorder) SetTargetUp(string, bool)                             {}
func (NopRecorder) ObservePreTestWait(string, time.Duration, int)        {}
