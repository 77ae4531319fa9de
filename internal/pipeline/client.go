package pipeline

import (
	"sync"
	"sync/atomic"

	"github.com/snapetech/iptv-relay/internal/activeuser"
)

// bufferedChunk carries either data or a terminal error through the
// BufferedStream's internal channel.
type bufferedChunk struct {
	data []byte
	err  error
}

// BufferedStream decouples an upstream-reading goroutine from its consumer
// via a bounded channel, providing backpressure: once the channel is full the
// producer blocks on send instead of reading further ahead. Capacity is
// capped at 1024 per the upstream contract.
type BufferedStream struct {
	upstream ChunkReader
	ch       chan bufferedChunk
	once     sync.Once
	closed   atomic.Bool
}

const maxBufferedDepth = 1024

// NewBufferedStream starts a goroutine draining upstream into a channel of
// depth n (clamped to maxBufferedDepth).
func NewBufferedStream(upstream ChunkReader, n int) *BufferedStream {
	if n <= 0 {
		n = 1
	}
	if n > maxBufferedDepth {
		n = maxBufferedDepth
	}
	b := &BufferedStream{upstream: upstream, ch: make(chan bufferedChunk, n)}
	go b.pump()
	return b
}

func (b *BufferedStream) pump() {
	defer close(b.ch)
	for {
		data, err := b.upstream.Next()
		if len(data) > 0 {
			b.ch <- bufferedChunk{data: data}
		}
		if err != nil {
			if b.closed.Load() {
				return
			}
			b.ch <- bufferedChunk{err: err}
			return
		}
		if b.closed.Load() {
			return
		}
	}
}

func (b *BufferedStream) Next() ([]byte, error) {
	c, ok := <-b.ch
	if !ok {
		return nil, ErrClientClosed
	}
	return c.data, c.err
}

// SignalClosed marks the downstream consumer gone; the producer goroutine
// stops at its next opportunity instead of reading further.
func (b *BufferedStream) SignalClosed() {
	b.closed.Store(true)
}

// ClientStream counts total bytes relayed to the client and exposes a
// one-shot closed flag set when the consumer drops the stream, mirroring the
// teacher's RAII-via-defer idiom for cleanup on the read path.
type ClientStream struct {
	upstream    ChunkReader
	totalBytes  atomic.Int64
	closed      atomic.Bool
	onFirstDrop func()
	dropOnce    sync.Once
}

// NewClientStream wraps upstream, calling onFirstDrop exactly once the first
// time the stream is torn down (used to release a provider slot).
func NewClientStream(upstream ChunkReader, onFirstDrop func()) *ClientStream {
	return &ClientStream{upstream: upstream, onFirstDrop: onFirstDrop}
}

func (c *ClientStream) Next() ([]byte, error) {
	data, err := c.upstream.Next()
	c.totalBytes.Add(int64(len(data)))
	if err != nil {
		c.Close()
	}
	return data, err
}

// TotalBytes returns the running byte count relayed so far.
func (c *ClientStream) TotalBytes() int64 {
	return c.totalBytes.Load()
}

// Close marks the stream closed and fires the drop callback exactly once.
func (c *ClientStream) Close() {
	c.closed.Store(true)
	c.dropOnce.Do(func() {
		if c.onFirstDrop != nil {
			c.onFirstDrop()
		}
	})
}

// Closed reports whether the client has disconnected.
func (c *ClientStream) Closed() bool {
	return c.closed.Load()
}

// ActiveClientStream ties a stream's lifetime to the active-user counter:
// the user's connection count is incremented on construction and
// decremented exactly once on Close, regardless of how many times Close is
// called or whether the stream errors out.
type ActiveClientStream struct {
	upstream ChunkReader
	users    *activeuser.Manager
	username string
	released atomic.Bool
}

// NewActiveClientStream registers username with users and wraps upstream.
func NewActiveClientStream(upstream ChunkReader, users *activeuser.Manager, username string) *ActiveClientStream {
	users.Add(username)
	return &ActiveClientStream{upstream: upstream, users: users, username: username}
}

func (a *ActiveClientStream) Next() ([]byte, error) {
	data, err := a.upstream.Next()
	if err != nil {
		a.Close()
	}
	return data, err
}

// Close decrements the user's connection count exactly once.
func (a *ActiveClientStream) Close() {
	if a.released.CompareAndSwap(false, true) {
		a.users.Remove(a.username)
	}
}
