package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ao-apps/aoserv-master/protocol"
	"github.com/ao-apps/aoserv-master/schema"
)

// ErrListenerClosed is returned by Wait once the listener is unregistered.
var ErrListenerClosed = errors.New("listener closed")

// Listener is one connection in the LISTEN_CACHES loop. The hub appends to
// its pending set; only the owning connection goroutine drains it.
type Listener struct {
	id     uint64
	source *protocol.Source

	mu      sync.Mutex
	pending []schema.ClientID
	queued  map[schema.ClientID]struct{}

	signal    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newListener(id uint64, src *protocol.Source) *Listener {
	return &Listener{
		id:     id,
		source: src,
		queued: make(map[schema.ClientID]struct{}),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Source returns the listening connection.
func (l *Listener) Source() *protocol.Source { return l.source }

// Pending returns how many table IDs are waiting to be written.
func (l *Listener) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// push appends ids not already pending and wakes the listener.
func (l *Listener) push(ids []schema.ClientID) {
	l.mu.Lock()
	for _, id := range ids {
		if _, ok := l.queued[id]; ok {
			continue
		}
		l.queued[id] = struct{}{}
		l.pending = append(l.pending, id)
	}
	l.mu.Unlock()

	select {
	case l.signal <- struct{}{}:
	default:
	}
}

func (l *Listener) drain() []schema.ClientID {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) == 0 {
		return nil
	}
	out := l.pending
	l.pending = nil
	l.queued = make(map[schema.ClientID]struct{})
	return out
}

// Wait blocks until invalidations are pending or timeout elapses. It returns
// the pending client table IDs in arrival order, or nil on timeout.
func (l *Listener) Wait(ctx context.Context, timeout time.Duration) ([]schema.ClientID, error) {
	if ids := l.drain(); ids != nil {
		// The wake-up for what was just drained must not end the next Wait.
		select {
		case <-l.signal:
		default:
		}
		return ids, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-l.signal:
			if ids := l.drain(); ids != nil {
				return ids, nil
			}
		case <-timer.C:
			return l.drain(), nil
		case <-l.done:
			return nil, ErrListenerClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (l *Listener) close() {
	l.closeOnce.Do(func() { close(l.done) })
}
