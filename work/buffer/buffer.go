package buffer

import (
	"sync"
	"sync/atomic"
)

// RingBuffer is a thread-safe circular byte buffer holding the most recent
// segment data delivered to an output. Alongside the bytes it keeps a running
// total of media seconds appended, so the owner can tell how far ahead of the
// playhead the buffer reaches.
type RingBuffer struct {
	data         []byte
	size         int64
	writePos     atomic.Int64
	mediaSeconds float64
	segments     int64
	destroyed    atomic.Bool
	mu           sync.RWMutex
}

// NewRingBuffer creates and returns a new RingBuffer with the specified size.
func NewRingBuffer(size int64) *RingBuffer {
	if size <= 0 {
		size = 1 << 20
	}
	return &RingBuffer{
		data: make([]byte, size),
		size: size,
	}
}

// AppendSegment writes one media segment covering seconds of media time.
// Writes after Destroy are ignored.
func (rb *RingBuffer) AppendSegment(data []byte, seconds float64) {
	if rb.destroyed.Load() {
		return
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.destroyed.Load() || rb.data == nil {
		return
	}

	writePos := rb.writePos.Load()
	for i := int64(0); i < int64(len(data)); i++ {
		rb.data[(writePos+i)%rb.size] = data[i]
	}
	rb.writePos.Add(int64(len(data)))
	rb.mediaSeconds += seconds
	rb.segments++
}

// MediaSeconds returns the total media time appended since the last Reset.
func (rb *RingBuffer) MediaSeconds() float64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.mediaSeconds
}

// Segments returns the number of segments appended since the last Reset.
func (rb *RingBuffer) Segments() int64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.segments
}

// GetWritePosition returns the total number of bytes written.
func (rb *RingBuffer) GetWritePosition() int64 {
	if rb.destroyed.Load() {
		return 0
	}
	return rb.writePos.Load()
}

// PeekRecentData returns a copy of the most recent data, up to maxBytes.
// Returns nil if the buffer is destroyed or empty.
func (rb *RingBuffer) PeekRecentData(maxBytes int64) []byte {
	if rb.destroyed.Load() {
		return nil
	}

	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.destroyed.Load() || rb.data == nil {
		return nil
	}

	writePos := rb.writePos.Load()
	if writePos == 0 {
		return nil
	}

	dataSize := min(maxBytes, writePos, rb.size)
	result := make([]byte, dataSize)
	startPos := (writePos - dataSize) % rb.size
	for i := int64(0); i < dataSize; i++ {
		result[i] = rb.data[(startPos+i)%rb.size]
	}
	return result
}

// Reset drops buffered content, used when an engine is re-bound or recovers
// from a media error.
func (rb *RingBuffer) Reset() {
	if rb.destroyed.Load() {
		return
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.writePos.Store(0)
	rb.mediaSeconds = 0
	rb.segments = 0
}

// Destroy zeroes and releases the storage. Irreversible and idempotent.
func (rb *RingBuffer) Destroy() {
	if !rb.destroyed.CompareAndSwap(false, true) {
		return
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	for i := range rb.data {
		rb.data[i] = 0
	}
	rb.data = nil
	rb.writePos.Store(0)
	rb.mediaSeconds = 0
	rb.segments = 0
}

// IsDestroyed returns true if the buffer has been destroyed.
func (rb *RingBuffer) IsDestroyed() bool {
	return rb.destroyed.Load()
}
