// Package report holds the per-test report a monitor fills in while a test
// iteration runs. A report starts out passed and can be marked failed or
// errored, carrying an ordered list of key/value entries.
package report

import (
	"encoding/json"
	"sync"
)

// Status is the outcome recorded in a report.
type Status string

const (
	// StatusPassed is the initial state of every report.
	StatusPassed Status = "passed"

	// StatusFailed marks a report whose monitor detected a problem.
	StatusFailed Status = "failed"

	// StatusError marks a report whose monitor itself could not run.
	StatusError Status = "error"
)

// Entry is one key/value pair added to a report.
type Entry struct {
	Key   string      `json:"key"`
	Value interface{} `json:"value"`
}

// Report collects the outcome of one monitor for one test iteration.
// It is safe for concurrent use.
type Report struct {
	mu      sync.RWMutex
	name    string
	status  Status
	reason  string
	entries []Entry
	index   map[string]int
}

// New creates an empty, passed report.
func New(name string) *Report {
	return &Report{
		name:   name,
		status: StatusPassed,
		index:  make(map[string]int),
	}
}

// Name returns the report name, usually the monitor name.
func (r *Report) Name() string {
	return r.name
}

// Add records value under key. Adding an existing key replaces its value
// and keeps its original position.
func (r *Report) Add(key string, value interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if i, ok := r.index[key]; ok {
		r.entries[i].Value = value
		return
	}
	r.index[key] = len(r.entries)
	r.entries = append(r.entries, Entry{Key: key, Value: value})
}

// Get returns the value stored under key.
func (r *Report) Get(key string) (interface{}, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i, ok := r.index[key]
	if !ok {
		return nil, false
	}
	return r.entries[i].Value, true
}

// Failed marks the report failed. An errored report stays errored.
func (r *Report) Failed(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status == StatusError {
		return
	}
	r.status = StatusFailed
	r.reason = reason
}

// Error marks the report errored.
func (r *Report) Error(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.status = StatusError
	r.reason = reason
}

// Success resets the status to passed and clears the reason.
func (r *Report) Success() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.status = StatusPassed
	r.reason = ""
}

// Status returns the current status.
func (r *Report) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Reason returns the reason given to the last Failed or Error call.
func (r *Report) Reason() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.reason
}

// IsFailed reports whether the report is failed or errored.
func (r *Report) IsFailed() bool {
	s := r.Status()
	return s == StatusFailed || s == StatusError
}

// Entries returns a copy of the entries in insertion order.
func (r *Report) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Clear drops all entries and resets the status to passed.
func (r *Report) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.status = StatusPassed
	r.reason = ""
	r.entries = nil
	r.index = make(map[string]int)
}

// ToMap flattens the report into a map suitable for serialization.
// Entry keys are stored alongside name, status and reason.
func (r *Report) ToMap() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]interface{}, len(r.entries)+3)
	for _, e := range r.entries {
		out[e.Key] = e.Value
	}
	out["name"] = r.name
	out["status"] = string(r.status)
	if r.reason != "" {
		out["reason"] = r.reason
	}
	return out
}

type reportJSON struct {
	Name    string  `json:"name"`
	Status  Status  `json:"status"`
	Reason  string  `json:"reason,omitempty"`
	Entries []Entry `json:"entries,omitempty"`
}

// MarshalJSON encodes the report with its entries in insertion order.
func (r *Report) MarshalJSON() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return json.Marshal(reportJSON{
		Name:    r.name,
		Status:  r.status,
		Reason:  r.reason,
		Entries: r.entries,
	})
}
