package session

import "sync"

// Buffer is a fixed-size ring of PTY output addressed by absolute byte
// offset. The writer never blocks: when the ring is full the oldest bytes
// are overwritten, like terminal scrollback. Readers keep their own offset
// (a cursor) and ask for everything after it.
//
// All methods are safe for concurrent use.
type Buffer struct {
	mu       sync.Mutex
	data     []byte
	capacity int
	writePos int
	// total is the number of bytes ever written. The retained window is
	// [total-stored, total) where stored = min(total, capacity).
	total  uint64
	closed bool
	// notify is closed and replaced on every write.
	notify chan struct{}
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// NewBuffer returns a buffer retaining at most capacity bytes.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		panic("session: buffer capacity must be positive")
	}
	return &Buffer{
		data:     make([]byte, capacity),
		capacity: capacity,
		notify:   make(chan struct{}),
	}
}

// Write appends p and wakes waiters. It returns how many previously
// retained bytes fell out of the window. Writes after Close are dropped.
func (b *Buffer) Write(p []byte) (evicted int) {
	if len(p) == 0 {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0
	}

	before := b.storedLocked()
	src := p
	if len(src) > b.capacity {
		src = src[len(src)-b.capacity:]
	}
	for off := 0; off < len(src); {
		n := copy(b.data[b.writePos:], src[off:])
		b.writePos = (b.writePos + n) % b.capacity
		off += n
	}
	b.total += uint64(len(p))

	// Bytes of p that never made it in are not counted; they were never
	// retained.
	if grown := before + uint64(len(p)); grown > uint64(b.capacity) {
		evicted = int(min(grown-uint64(b.capacity), before))
	}

	close(b.notify)
	b.notify = make(chan struct{})
	return evicted
}

// ReadFrom returns a copy of every retained byte at or after offset and the
// offset to pass next time. An offset older than the retained window is
// moved forward to the oldest retained byte.
func (b *Buffer) ReadFrom(offset uint64) ([]byte, uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || offset >= b.total {
		return nil, max(offset, b.total)
	}
	stored := b.storedLocked()
	oldest := b.total - stored
	if offset < oldest {
		offset = oldest
	}
	n := int(b.total - offset)
	out := make([]byte, n)

	// writePos is one past the newest byte; walk back n bytes.
	pos := (b.writePos - n) % b.capacity
	if pos < 0 {
		pos += b.capacity
	}
	for copied := 0; copied < n; {
		c := copy(out[copied:], b.data[pos:min(b.capacity, pos+n-copied)])
		pos = (pos + c) % b.capacity
		copied += c
	}
	return out, b.total
}

// Oldest is the offset of the oldest retained byte.
func (b *Buffer) Oldest() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total - b.storedLocked()
}

// Offset is the total number of bytes ever written.
func (b *Buffer) Offset() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// Wait returns a channel that is closed once data past offset exists or the
// buffer is closed. The returned channel may already be closed.
func (b *Buffer) Wait(offset uint64) <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.total > offset {
		return closedChan
	}
	return b.notify
}

// Close drops the retained bytes and wakes every waiter.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.data = nil
	close(b.notify)
}

func (b *Buffer) storedLocked() uint64 {
	return min(b.total, uint64(b.capacity))
}
