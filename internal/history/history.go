// Package history keeps a bounded trajectory of ensemble performance
// snapshots, newest first.
package history

import (
	"sync"
	"time"
)

// Snapshot records how the ensemble performed at one iteration.
type Snapshot struct {
	Iteration int       `json:"iteration"`
	At        time.Time `json:"at"`
	Metric    string    `json:"metric"`
	TrainLoss float64   `json:"train_loss"`
	TestLoss  float64   `json:"test_loss,omitempty"`
	HasTest   bool      `json:"has_test"`
	NumModels int       `json:"num_models"`
}

// Log is a fixed-size ring buffer of snapshots, safe for concurrent use.
type Log struct {
	mu   sync.RWMutex
	buf  []Snapshot
	next int
	full bool
}

func New(size int) *Log {
	if size <= 0 {
		size = 200
	}
	return &Log{buf: make([]Snapshot, size)}
}

func (l *Log) Add(s Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf[l.next] = s
	l.next++
	if l.next >= len(l.buf) {
		l.next = 0
		l.full = true
	}
}

// Extend appends a batch of snapshots in order.
func (l *Log) Extend(batch []Snapshot) {
	for _, s := range batch {
		l.Add(s)
	}
}

// List returns the snapshots newest first.
func (l *Log) List() []Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.full && l.next == 0 {
		return nil
	}

	var out []Snapshot
	if l.full {
		out = make([]Snapshot, 0, len(l.buf))
		out = append(out, l.buf[l.next:]...)
		out = append(out, l.buf[:l.next]...)
	} else {
		out = append([]Snapshot(nil), l.buf[:l.next]...)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Latest returns the most recent snapshot.
func (l *Log) Latest() (Snapshot, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.full && l.next == 0 {
		return Snapshot{}, false
	}
	idx := l.next - 1
	if idx < 0 {
		idx = len(l.buf) - 1
	}
	return l.buf[idx], true
}
