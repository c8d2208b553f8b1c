// Package results holds the bounded, insertion-ordered buffer of recent
// prediction results and fans out snapshots to subscribers.
package results

import (
	"sync"
	"time"

	"nidsguard/internal/model"
)

const DefaultCapacity = 20

// Buffer is a fixed-capacity ring of PredictionResults. Append is the only
// mutator; when full, the oldest entry is overwritten.
type Buffer struct {
	mu   sync.RWMutex
	buf  []model.PredictionResult
	head int
	size int

	subMu  sync.Mutex
	subs   map[int]chan []model.PredictionResult
	nextID int
}

func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		buf:  make([]model.PredictionResult, capacity),
		subs: make(map[int]chan []model.PredictionResult),
	}
}

func (b *Buffer) Append(res model.PredictionResult) {
	b.mu.Lock()
	if b.size < len(b.buf) {
		b.buf[(b.head+b.size)%len(b.buf)] = res
		b.size++
	} else {
		b.buf[b.head] = res
		b.head = (b.head + 1) % len(b.buf)
	}
	snap := b.copyLocked(b.size)
	b.mu.Unlock()
	b.notify(snap)
}

// Snapshot returns all entries, oldest first.
func (b *Buffer) Snapshot() []model.PredictionResult {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.copyLocked(b.size)
}

// Latest returns up to k of the most recent entries, oldest first.
func (b *Buffer) Latest(k int) []model.PredictionResult {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if k <= 0 || k > b.size {
		k = b.size
	}
	return b.copyLocked(k)
}

func (b *Buffer) Since(ts time.Time) []model.PredictionResult {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]model.PredictionResult, 0)
	for i := 0; i < b.size; i++ {
		r := b.buf[(b.head+i)%len(b.buf)]
		if !r.ProducedAt.Before(ts) {
			out = append(out, r)
		}
	}
	return out
}

func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

func (b *Buffer) Cap() int {
	return len(b.buf)
}

// copyLocked copies the newest k entries. Caller holds mu.
func (b *Buffer) copyLocked(k int) []model.PredictionResult {
	out := make([]model.PredictionResult, k)
	start := b.head + b.size - k
	for i := 0; i < k; i++ {
		out[i] = b.buf[(start+i)%len(b.buf)]
	}
	return out
}

// Subscribe returns the current snapshot and a channel that receives a fresh
// snapshot after every Append. Delivery coalesces: a slow reader only ever
// sees the newest snapshot. The cancel func closes the channel.
func (b *Buffer) Subscribe() ([]model.PredictionResult, <-chan []model.PredictionResult, func()) {
	ch := make(chan []model.PredictionResult, 1)
	b.subMu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.subMu.Lock()
			delete(b.subs, id)
			b.subMu.Unlock()
			close(ch)
		})
	}
	return b.Snapshot(), ch, cancel
}

func (b *Buffer) Subscribers() int {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	return len(b.subs)
}

func (b *Buffer) notify(snap []model.PredictionResult) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	for _, ch := range b.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}
