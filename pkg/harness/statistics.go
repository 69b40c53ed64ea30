package harness

import (
	"sync"
	"time"
)

// Statistics tracks counters for a harness run.
// All methods are thread-safe and can be called concurrently.
type Statistics struct {
	mu               sync.RWMutex
	iterationsRun    int64
	iterationsFailed int64
	testsFailed      int64
	reportsFailed    int64
	startTime        time.Time
}

// NewStatistics creates a new Statistics instance with current timestamp.
func NewStatistics() *Statistics {
	return &Statistics{
		startTime: time.Now(),
	}
}

// RecordIteration adds one finished iteration.
func (s *Statistics) RecordIteration(res IterationResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.iterationsRun++
	if res.Failed() {
		s.iterationsFailed++
	}
	if res.TestErr != nil {
		s.testsFailed++
	}
	for _, r := range res.Reports {
		if r.IsFailed() {
			s.reportsFailed++
		}
	}
}

// GetIterationsRun returns the number of completed iterations.
func (s *Statistics) GetIterationsRun() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.iterationsRun
}

// GetIterationsFailed returns the number of iterations with any failure.
func (s *Statistics) GetIterationsFailed() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.iterationsFailed
}

// GetTestsFailed returns the number of iterations whose test step failed.
func (s *Statistics) GetTestsFailed() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.testsFailed
}

// GetReportsFailed returns the number of failed monitor reports.
func (s *Statistics) GetReportsFailed() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reportsFailed
}

// GetUptime returns how long statistics have been tracked.
func (s *Statistics) GetUptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.startTime)
}

// GetFailureRate returns the percentage (0-100) of failed iterations.
// Returns 0 if no iterations have run.
func (s *Statistics) GetFailureRate() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.iterationsRun == 0 {
		return 0.0
	}
	return float64(s.iterationsFailed) / float64(s.iterationsRun) * 100.0
}
