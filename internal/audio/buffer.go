package audio

import (
	"sync"
)

// RingBuffer is a thread-safe ring buffer for captured PCM16 audio.
// When full, writes evict the oldest bytes so capture never blocks.
type RingBuffer struct {
	buffer []byte
	size   int
	read   int
	write  int
	mu     sync.RWMutex
}

// NewRingBuffer creates a new ring buffer with the specified size
func NewRingBuffer(size int) *RingBuffer {
	if size < 2 {
		size = 2
	}
	return &RingBuffer{
		buffer: make([]byte, size),
		size:   size,
	}
}

// Write appends data, evicting the oldest buffered bytes if needed.
// Evictions happen in whole 16-bit samples. Returns the number of bytes
// stored and the number of older bytes dropped to make room.
func (rb *RingBuffer) Write(data []byte) (written, dropped int) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	capacity := rb.size - 1 // -1 to prevent full/empty ambiguity

	// Only the newest capacity bytes of an oversized write can survive
	if len(data) > capacity {
		skip := len(data) - capacity
		if skip%2 != 0 {
			skip++
		}
		dropped += skip
		data = data[skip:]
	}

	need := len(data) - (capacity - rb.available())
	if need > 0 {
		if need%2 != 0 {
			need++
		}
		if avail := rb.available(); need > avail {
			need = avail
		}
		rb.read = (rb.read + need) % rb.size
		dropped += need
	}

	for _, b := range data {
		if (rb.write+1)%rb.size == rb.read {
			break
		}
		rb.buffer[rb.write] = b
		rb.write = (rb.write + 1) % rb.size
		written++
	}

	return written, dropped
}

// Drain returns everything currently buffered and empties the buffer.
// Returns nil when nothing is buffered.
func (rb *RingBuffer) Drain() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := rb.available()
	if n == 0 {
		return nil
	}

	out := make([]byte, n)
	if rb.read < rb.write {
		copy(out, rb.buffer[rb.read:rb.write])
	} else {
		k := copy(out, rb.buffer[rb.read:])
		copy(out[k:], rb.buffer[:rb.write])
	}
	rb.read = 0
	rb.write = 0
	return out
}

// Available returns the number of bytes available to read
func (rb *RingBuffer) Available() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.available()
}

func (rb *RingBuffer) available() int {
	if rb.write >= rb.read {
		return rb.write - rb.read
	}
	return rb.size - rb.read + rb.write
}

// Clear clears the buffer
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.read = 0
	rb.write = 0
}
