// Package sharedstream fans a single upstream connection out to many
// concurrent subscribers keyed by canonical upstream URL. It exists so that
// N clients requesting the same channel at once cost the upstream provider
// exactly one connection, not N.
package sharedstream

import (
	"io"
	"sync"
	"time"
)

// subscriberBuffer is the per-subscriber channel depth. A slow subscriber
// that fills its buffer is not disconnected; its chunks are simply dropped
// until it catches up (retain-on-full policy).
const subscriberBuffer = 64

// producerBackoff is the pause between forward iterations when no subscriber
// currently has free channel capacity, matching the original's fixed-interval
// back-off instead of a busy loop.
const producerBackoff = 20 * time.Millisecond

// Chunk is one unit of upstream data or a terminal error/close.
type Chunk struct {
	Data []byte
	Err  error
}

type subscriber struct {
	ch     chan Chunk
	closed bool
}

// entry is the shared state for one upstream URL: the set of active
// subscribers and the headers captured from the upstream response. ready is
// closed once the producer's headers are known, so subscribers that attach
// during the window between a reservation and its Produce/Abort call can
// block on Headers() instead of observing a half-initialized entry.
type entry struct {
	mu          sync.Mutex
	subscribers map[int]*subscriber
	nextID      int
	headers     map[string][]string
	done        bool
	ready       chan struct{}
}

// Subscription is a live handle into an entry's broadcast. Receive reads the
// next chunk; Close detaches without waiting for a producer round.
type Subscription struct {
	id     int
	e      *entry
	ch     chan Chunk
	closed bool
}

// Receive blocks for the next chunk. ok is false once the subscription has
// been closed, either by the caller or by the producer tearing the entry down.
func (s *Subscription) Receive() (Chunk, bool) {
	c, ok := <-s.ch
	return c, ok
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.e.mu.Lock()
	if sub, ok := s.e.subscribers[s.id]; ok {
		delete(s.e.subscribers, s.id)
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
	}
	s.e.mu.Unlock()
}

// Headers returns the upstream response headers captured when the entry's
// producer started, for replaying to new subscribers. It blocks until the
// producer has been started (via Start or Produce) or aborted.
func (s *Subscription) Headers() map[string][]string {
	<-s.e.ready
	s.e.mu.Lock()
	defer s.e.mu.Unlock()
	return s.e.headers
}

// Upstream is anything that yields a sequence of byte chunks, modeled after
// an http.Response.Body read loop.
type Upstream interface {
	Read(p []byte) (int, error)
	Close() error
}

// Registry maps canonical upstream URL -> entry. One registry is shared
// process-wide by the router.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Lookup returns a fresh Subscription onto an already-running broadcast for
// url, or (nil, false) if no producer is currently active for it.
func (r *Registry) Lookup(url string) (*Subscription, bool) {
	r.mu.Lock()
	e, ok := r.entries[url]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	return e.subscribe(), true
}

// Reserve behaves like Lookup when a broadcast for url already exists (or is
// in the process of starting). Otherwise it atomically registers a
// placeholder entry and reports reserved=true, making the caller responsible
// for opening the upstream connection and calling Produce (or Abort on
// failure) exactly once. Reserve and Lookup share the same map under the
// same lock, so two concurrent first-requesters for one url can never both
// observe reserved=true: this closes the race a separate Lookup-then-Start
// sequence would have.
func (r *Registry) Reserve(url string) (sub *Subscription, reserved bool) {
	r.mu.Lock()
	if e, ok := r.entries[url]; ok {
		r.mu.Unlock()
		return e.subscribe(), false
	}
	e := &entry{subscribers: make(map[int]*subscriber), ready: make(chan struct{})}
	r.entries[url] = e
	r.mu.Unlock()
	return e.subscribe(), true
}

// Start registers a new broadcast for url backed by upstream, with headers
// captured from the upstream response, and spawns the producer goroutine.
// The returned Subscription is the first subscriber — the caller that paid
// for opening the connection. Start has no race window of its own (entry
// registration and producer start happen together here); it exists for
// callers, such as tests, that don't need the two-step Reserve/Produce split.
func (r *Registry) Start(url string, upstream Upstream, headers map[string][]string) *Subscription {
	e := &entry{
		subscribers: make(map[int]*subscriber),
		headers:     headers,
		ready:       make(chan struct{}),
	}
	close(e.ready)
	r.mu.Lock()
	r.entries[url] = e
	r.mu.Unlock()

	first := e.subscribe()
	go r.produce(url, e, upstream)
	return first
}

// Produce finishes a reservation obtained from Reserve: it attaches the
// upstream response headers to the entry and starts the producer goroutine.
// Must be called exactly once, by the goroutine for which Reserve returned
// reserved=true.
func (r *Registry) Produce(url string, sub *Subscription, upstream Upstream, headers map[string][]string) {
	e := sub.e
	e.mu.Lock()
	e.headers = headers
	e.mu.Unlock()
	close(e.ready)
	go r.produce(url, e, upstream)
}

// Abort cancels a reservation that failed before Produce was called: it
// releases sub and any other subscriber that attached to the placeholder
// entry in the meantime with err, and removes the entry from the registry so
// the next request for url gets a fresh reservation.
func (r *Registry) Abort(url string, sub *Subscription, err error) {
	e := sub.e
	e.mu.Lock()
	for id, s := range e.subscribers {
		if !s.closed {
			s.closed = true
			select {
			case s.ch <- Chunk{Err: err}:
			default:
			}
			close(s.ch)
		}
		delete(e.subscribers, id)
	}
	e.done = true
	e.mu.Unlock()
	select {
	case <-e.ready:
	default:
		close(e.ready)
	}

	r.mu.Lock()
	if r.entries[url] == e {
		delete(r.entries, url)
	}
	r.mu.Unlock()
}

func (e *entry) subscribe() *Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	sub := &subscriber{ch: make(chan Chunk, subscriberBuffer)}
	e.subscribers[id] = sub
	return &Subscription{id: id, e: e, ch: sub.ch}
}

// produce reads from upstream and broadcasts each chunk to every subscriber.
// All subscribers see the same byte sequence from the moment they
// subscribed: no buffering of pre-subscription bytes is retained anywhere.
func (r *Registry) produce(url string, e *entry, upstream Upstream) {
	defer upstream.Close()
	buf := make([]byte, 64*1024)
	for {
		n, err := upstream.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			alive, anyCapacity := e.broadcast(Chunk{Data: chunk})
			if !alive {
				r.teardown(url, e)
				return
			}
			if !anyCapacity {
				time.Sleep(producerBackoff)
			}
		}
		if err != nil {
			if err != io.EOF {
				e.broadcast(Chunk{Err: err})
			}
			r.teardown(url, e)
			return
		}
	}
}

// broadcast makes one non-blocking delivery pass over every live subscriber:
// subscribers whose channel is closed are dropped, subscribers whose channel
// is full are retained but simply miss this chunk (drop policy: keep, not
// resend). Returns whether any subscriber remains and whether at least one
// subscriber had free capacity this round.
func (e *entry) broadcast(c Chunk) (alive, anyCapacity bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, sub := range e.subscribers {
		if sub.closed {
			delete(e.subscribers, id)
			continue
		}
		select {
		case sub.ch <- c:
			anyCapacity = true
		default:
		}
	}
	return len(e.subscribers) > 0, anyCapacity
}

func (r *Registry) teardown(url string, e *entry) {
	e.mu.Lock()
	e.done = true
	for id, sub := range e.subscribers {
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
		delete(e.subscribers, id)
	}
	e.mu.Unlock()

	r.mu.Lock()
	if r.entries[url] == e {
		delete(r.entries, url)
	}
	r.mu.Unlock()
}

// Active reports the number of live broadcast entries, for metrics.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Subscribers reports the subscriber count for url, for metrics.
func (r *Registry) Subscribers(url string) int {
	r.mu.Lock()
	e, ok := r.entries[url]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subscribers)
}
