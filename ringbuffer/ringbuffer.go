// Package ringbuffer keeps the most recent window of samples in a fixed
// arena and tracks a slow per-channel baseline.
package ringbuffer

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/maastricht-university/edmo-bci/bci"
)

var (
	ErrChannelMismatch = errors.New("ringbuffer: sample channel count mismatch")
	ErrOutOfOrder      = errors.New("ringbuffer: sample timestamp goes backwards")
)

// Buffer is a single-writer ring over channels x capacity float64 slots.
// Storage is allocated once; the write index wraps and overwrites the
// oldest slot. Snapshots copy out under a read lock.
type Buffer struct {
	mu       sync.RWMutex
	channels int
	capacity int

	data  []float64 // channel-major: data[ch*capacity+slot]
	seq   []uint64
	stamp []time.Duration

	next  int    // slot for the next append
	n     int    // valid slots
	total uint64 // appends since creation

	alpha  float64
	dc     []float64
	seeded bool
}

// New sizes the arena to sampleRate x windowSeconds per channel. tau is
// the DC tracker time constant in seconds.
func New(channels int, sampleRate, windowSeconds, tau float64) (*Buffer, error) {
	if channels < 1 {
		return nil, errors.New("ringbuffer: channels must be at least 1")
	}
	capacity := int(math.Round(sampleRate * windowSeconds))
	if capacity < 1 {
		return nil, errors.New("ringbuffer: window holds no samples")
	}
	if tau <= 0 {
		return nil, errors.New("ringbuffer: dc time constant must be positive")
	}
	return &Buffer{
		channels: channels,
		capacity: capacity,
		data:     make([]float64, channels*capacity),
		seq:      make([]uint64, capacity),
		stamp:    make([]time.Duration, capacity),
		alpha:    1 - math.Exp(-1/(sampleRate*tau)),
		dc:       make([]float64, channels),
	}, nil
}

// Append stores s, overwriting the oldest sample when full. O(1).
func (b *Buffer) Append(s bci.Sample) error {
	if len(s.Values) != b.channels {
		return ErrChannelMismatch
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.n > 0 {
		last := (b.next - 1 + b.capacity) % b.capacity
		if s.Timestamp < b.stamp[last] {
			return ErrOutOfOrder
		}
	}
	for ch, v := range s.Values {
		b.data[ch*b.capacity+b.next] = v
		if !b.seeded {
			b.dc[ch] = v
		} else {
			b.dc[ch] += b.alpha * (v - b.dc[ch])
		}
	}
	b.seeded = true
	b.seq[b.next] = s.Seq
	b.stamp[b.next] = s.Timestamp
	b.next = (b.next + 1) % b.capacity
	if b.n < b.capacity {
		b.n++
	}
	b.total++
	return nil
}

// Snapshot copies the n most recent samples, oldest first. n is clamped
// to the number of stored samples.
func (b *Buffer) Snapshot(n int) []bci.Sample {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n = max(0, min(n, b.n))
	out := make([]bci.Sample, n)
	start := (b.next - n + b.capacity) % b.capacity
	for i := range out {
		slot := (start + i) % b.capacity
		v := make([]float64, b.channels)
		for ch := range v {
			v[ch] = b.data[ch*b.capacity+slot]
		}
		out[i] = bci.Sample{Timestamp: b.stamp[slot], Seq: b.seq[slot], Values: v}
	}
	return out
}

// DCEstimate returns the running baseline of channel ch.
func (b *Buffer) DCEstimate(ch int) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dc[ch]
}

// DCEstimates copies every channel's baseline.
func (b *Buffer) DCEstimates() []float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]float64(nil), b.dc...)
}

func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.n
}

func (b *Buffer) Cap() int { return b.capacity }

func (b *Buffer) Channels() int { return b.channels }

// Total counts every append since creation.
func (b *Buffer) Total() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.total
}
