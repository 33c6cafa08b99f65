// Package vbuf contains a pool of reference-counted frame buffers.
package vbuf

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrAgain is returned by non-blocking operations when no buffer or
// queue slot is available.
var ErrAgain = errors.New("resource temporarily unavailable")

// ErrWrongPool is returned when a buffer is pushed into a queue bound
// to a different pool.
var ErrWrongPool = errors.New("buffer does not belong to the queue's pool")

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue is closed")

// Buffer is a reference-counted byte region with an attached user data
// region and typed metadata slots.
type Buffer struct {
	pool *Pool
	data []byte
	size int

	userData     []byte
	userDataSize int

	metadata map[string]interface{}

	refCount    int32
	writeLocked bool
}

// Bytes returns the whole capacity of the buffer.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Payload returns the written portion of the buffer.
func (b *Buffer) Payload() []byte {
	return b.data[:b.size]
}

// Size returns the written size.
func (b *Buffer) Size() int {
	return b.size
}

// SetSize sets the written size.
func (b *Buffer) SetSize(n int) error {
	if n < 0 || n > len(b.data) {
		return fmt.Errorf("size %d exceeds capacity %d", n, len(b.data))
	}
	b.size = n
	return nil
}

// UserData returns the written portion of the user data region.
func (b *Buffer) UserData() []byte {
	return b.userData[:b.userDataSize]
}

// SetUserDataCapacity grows the user data region to at least n bytes.
func (b *Buffer) SetUserDataCapacity(n int) {
	if n > len(b.userData) {
		tmp := make([]byte, n)
		copy(tmp, b.userData)
		b.userData = tmp
	}
}

// SetUserDataSize sets the written size of the user data region,
// growing its capacity when needed.
func (b *Buffer) SetUserDataSize(n int) {
	b.SetUserDataCapacity(n)
	b.userDataSize = n
}

// UserDataBytes returns the whole capacity of the user data region.
func (b *Buffer) UserDataBytes() []byte {
	return b.userData
}

// SetMetadata attaches a typed value under the given media key.
func (b *Buffer) SetMetadata(key string, v interface{}) {
	b.metadata[key] = v
}

// Metadata returns the value attached under the given media key.
func (b *Buffer) Metadata(key string) (interface{}, bool) {
	v, ok := b.metadata[key]
	return v, ok
}

// WriteLock marks the buffer as finalized for submission. Further
// writes by the producer are a protocol violation.
func (b *Buffer) WriteLock() {
	b.writeLocked = true
}

// IsWriteLocked reports whether the buffer was finalized.
func (b *Buffer) IsWriteLocked() bool {
	return b.writeLocked
}

// Ref increments the reference count.
func (b *Buffer) Ref() {
	atomic.AddInt32(&b.refCount, 1)
}

// Unref decrements the reference count. When it reaches zero, the
// buffer returns to its pool.
func (b *Buffer) Unref() {
	if atomic.AddInt32(&b.refCount, -1) == 0 {
		b.pool.put(b)
	}
}

// Pool is a fixed set of reusable buffers.
type Pool struct {
	bufferSize int
	free       chan *Buffer
}

// NewPool allocates a Pool of count buffers of the given size.
func NewPool(count int, size int) (*Pool, error) {
	if count <= 0 || size <= 0 {
		return nil, fmt.Errorf("invalid pool geometry (%d x %d)", count, size)
	}

	p := &Pool{
		bufferSize: size,
		free:       make(chan *Buffer, count),
	}

	for i := 0; i < count; i++ {
		p.free <- &Buffer{
			pool:     p,
			data:     make([]byte, size),
			metadata: make(map[string]interface{}),
		}
	}

	return p, nil
}

// BufferSize returns the capacity of each buffer in the pool.
func (p *Pool) BufferSize() int {
	return p.bufferSize
}

// Get acquires a buffer with a reference count of one. When blocking is
// false and the pool is empty, it returns ErrAgain.
func (p *Pool) Get(blocking bool) (*Buffer, error) {
	var b *Buffer

	if blocking {
		b = <-p.free
	} else {
		select {
		case b = <-p.free:
		default:
			return nil, ErrAgain
		}
	}

	b.size = 0
	b.userDataSize = 0
	b.writeLocked = false
	for k := range b.metadata {
		delete(b.metadata, k)
	}
	atomic.StoreInt32(&b.refCount, 1)

	return b, nil
}

func (p *Pool) put(b *Buffer) {
	// the free list can always hold every buffer of the pool
	p.free <- b
}

// Queue is a bounded FIFO of buffers bound to a pool. Pushing transfers
// ownership of one reference to the queue.
type Queue struct {
	pool *Pool
	ch   chan *Buffer

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewQueue allocates a Queue bound to the given pool.
func NewQueue(pool *Pool, size int) (*Queue, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid queue size %d", size)
	}

	return &Queue{
		pool: pool,
		ch:   make(chan *Buffer, size),
		done: make(chan struct{}),
	}, nil
}

// Pool returns the pool the queue is bound to.
func (q *Queue) Pool() *Pool {
	return q.pool
}

// Push appends a buffer without blocking. The queue takes its own
// reference; on success the caller is expected to release its one.
func (q *Queue) Push(b *Buffer) error {
	if b.pool != q.pool {
		return ErrWrongPool
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}

	b.Ref()
	select {
	case q.ch <- b:
		q.mu.Unlock()
		return nil
	default:
		b.Unref()
		q.mu.Unlock()
		return ErrAgain
	}
}

// Pop removes the first buffer, blocking until one is available or the
// queue is closed. The returned buffer carries the reference taken by
// Push.
func (q *Queue) Pop() (*Buffer, error) {
	select {
	case b := <-q.ch:
		return b, nil
	default:
	}

	select {
	case b := <-q.ch:
		return b, nil
	case <-q.done:
		return nil, ErrClosed
	}
}

// TryPop removes the first buffer without blocking.
func (q *Queue) TryPop() (*Buffer, error) {
	select {
	case b := <-q.ch:
		return b, nil
	default:
		return nil, ErrAgain
	}
}

// Len returns the number of queued buffers.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close unblocks Pop and releases all queued buffers.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.done)
	q.mu.Unlock()

	for {
		select {
		case b := <-q.ch:
			b.Unref()
		default:
			return
		}
	}
}
