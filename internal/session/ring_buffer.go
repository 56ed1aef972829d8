package session

// RingBuffer is a fixed-capacity circular buffer of history entries. When
// full, the oldest entries are overwritten.
type RingBuffer struct {
	buf      []Entry
	capacity int
	pos      int // next write position
	full     bool
}

// DefaultHistoryLimit is used when a non-positive capacity is requested.
const DefaultHistoryLimit = 10000

// NewRingBuffer creates a ring buffer with the given capacity.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = DefaultHistoryLimit
	}
	return &RingBuffer{
		buf:      make([]Entry, 0, min(capacity, 256)),
		capacity: capacity,
	}
}

// Write adds an entry to the ring buffer.
func (rb *RingBuffer) Write(e Entry) {
	if !rb.full && len(rb.buf) < rb.capacity {
		rb.buf = append(rb.buf, e)
		rb.pos = len(rb.buf) % rb.capacity
		if rb.pos == 0 {
			rb.full = true
		}
		return
	}
	rb.buf[rb.pos] = e
	rb.pos = (rb.pos + 1) % rb.capacity
	rb.full = true
}

// ReadAll returns all entries in chronological order.
func (rb *RingBuffer) ReadAll() []Entry {
	if !rb.full {
		result := make([]Entry, len(rb.buf))
		copy(result, rb.buf)
		return result
	}

	result := make([]Entry, rb.capacity)
	copy(result, rb.buf[rb.pos:])
	copy(result[rb.capacity-rb.pos:], rb.buf[:rb.pos])
	return result
}

// Len returns the number of entries held.
func (rb *RingBuffer) Len() int {
	return len(rb.buf)
}

// Reset empties the buffer.
func (rb *RingBuffer) Reset() {
	rb.buf = rb.buf[:0]
	rb.pos = 0
	rb.full = false
}
