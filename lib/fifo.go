package lib

import "sync"

// RingBuffer is a fixed capacity circular byte buffer. Besides plain FIFO
// reads and writes it allows reading and writing at an offset past the
// current data, which the engine uses to stage out-of-order segments and to
// peek unacknowledged bytes for retransmission.
//
// One producer and one consumer may use it concurrently.
type RingBuffer struct {
	buf     []byte
	dataLen int // readable bytes
	readPos int // offset of the first readable byte
	mu      sync.Mutex
}

func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{buf: make([]byte, size)}
}

func (r *RingBuffer) Capacity() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

// Buffered returns the number of readable bytes.
func (r *RingBuffer) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dataLen
}

// WriteRemaining returns the free space after the readable data.
func (r *RingBuffer) WriteRemaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf) - r.dataLen
}

// SetCapacity reallocates the buffer, keeping the readable bytes contiguous
// from position 0. It fails if size cannot hold the current data.
func (r *RingBuffer) SetCapacity(size int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dataLen > size {
		return false
	}
	if size != len(r.buf) {
		buffer := make([]byte, size)
		if r.dataLen > 0 {
			tail := min(r.dataLen, len(r.buf)-r.readPos)
			copy(buffer, r.buf[r.readPos:r.readPos+tail])
			copy(buffer[tail:], r.buf[:r.dataLen-tail])
		}
		r.buf = buffer
		r.readPos = 0
	}
	return true
}

// ReadOffset copies readable bytes starting offset bytes past the read
// position without consuming them.
func (r *RingBuffer) ReadOffset(b []byte, offset int) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readOffsetLocked(b, offset)
}

// WriteOffset copies b into the free region offset bytes past the end of the
// readable data without making it readable.
func (r *RingBuffer) WriteOffset(b []byte, offset int) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writeOffsetLocked(b, offset)
}

func (r *RingBuffer) Read(b []byte) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.readOffsetLocked(b, 0)
	if !ok {
		return 0, false
	}
	r.consumeReadLocked(n)
	return n, true
}

func (r *RingBuffer) Write(b []byte) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.writeOffsetLocked(b, 0)
	if !ok {
		return 0, false
	}
	r.dataLen += n
	return n, true
}

// ConsumeRead drops n readable bytes.
func (r *RingBuffer) ConsumeRead(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > r.dataLen {
		n = r.dataLen
	}
	r.consumeReadLocked(n)
}

// ConsumeWrite makes n bytes that were placed with WriteOffset readable.
func (r *RingBuffer) ConsumeWrite(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > len(r.buf)-r.dataLen {
		n = len(r.buf) - r.dataLen
	}
	r.dataLen += n
}

func (r *RingBuffer) consumeReadLocked(n int) {
	if n == 0 {
		return
	}
	r.readPos = (r.readPos + n) % len(r.buf)
	r.dataLen -= n
}

func (r *RingBuffer) readOffsetLocked(b []byte, offset int) (int, bool) {
	if len(b) == 0 {
		return 0, true
	}
	if offset >= r.dataLen {
		return 0, false
	}
	available := r.dataLen - offset
	pos := (r.readPos + offset) % len(r.buf)
	n := min(len(b), available)
	tail := min(n, len(r.buf)-pos)
	copy(b, r.buf[pos:pos+tail])
	copy(b[tail:n], r.buf[:n-tail])
	return n, true
}

func (r *RingBuffer) writeOffsetLocked(b []byte, offset int) (int, bool) {
	if len(b) == 0 {
		return 0, true
	}
	if r.dataLen+offset >= len(r.buf) {
		return 0, false
	}
	available := len(r.buf) - r.dataLen - offset
	pos := (r.readPos + r.dataLen + offset) % len(r.buf)
	n := min(len(b), available)
	tail := min(n, len(r.buf)-pos)
	copy(r.buf[pos:pos+tail], b[:tail])
	copy(r.buf[:n-tail], b[tail:n])
	return n, true
}
