package core

import (
	"sync"
	"time"
)

// StageStats are the counters kept for one stage.
type StageStats struct {
	Submitted int64         `json:"submitted"`
	Failed    int64         `json:"failed"`
	Duration  time.Duration `json:"duration"`
}

// Metrics tracks stage submissions, failures and wall time.
type Metrics struct {
	mu     sync.RWMutex
	stages map[Stage]*StageStats
}

// NewMetrics creates a new metrics tracker
func NewMetrics() *Metrics {
	return &Metrics{stages: map[Stage]*StageStats{}}
}

func (m *Metrics) stats(s Stage) *StageStats {
	st, ok := m.stages[s]
	if !ok {
		st = &StageStats{}
		m.stages[s] = st
	}
	return st
}

// RecordSubmit records a stage submission
func (m *Metrics) RecordSubmit(s Stage) {
	m.mu.Lock()
	m.stats(s).Submitted++
	m.mu.Unlock()
}

// RecordFailure records a failed stage
func (m *Metrics) RecordFailure(s Stage) {
	m.mu.Lock()
	m.stats(s).Failed++
	m.mu.Unlock()
}

// RecordDuration adds wall time spent in a stage
func (m *Metrics) RecordDuration(s Stage, d time.Duration) {
	m.mu.Lock()
	m.stats(s).Duration += d
	m.mu.Unlock()
}

// Stats returns the current counters of a stage
func (m *Metrics) Stats(s Stage) StageStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.stages[s]; ok {
		return *st
	}
	return StageStats{}
}
