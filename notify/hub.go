// Package notify fans committed invalidations out to the connections that
// are listening for cache changes.
package notify

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ao-apps/aoserv-master/invalidate"
	"github.com/ao-apps/aoserv-master/protocol"
	"github.com/ao-apps/aoserv-master/schema"
	"github.com/ao-apps/aoserv-master/telemetry"
	"github.com/rs/zerolog/log"
)

// Visibility is what a listener's effective user may see.
type Visibility interface {
	CanAccessAccount(accounting string) bool
	CanAccessServer(id int32) bool
	FailoverParent(id int32) (int32, bool)
}

// VisibilityFunc resolves the visibility of a user at broadcast time.
type VisibilityFunc func(ctx context.Context, username string) (Visibility, error)

// LocalCaches are master-held caches cleared before listeners are notified.
type LocalCaches interface {
	InvalidateTables(tables []schema.Table)
}

// Mirror receives every broadcast ledger after listeners are notified.
// Implementations must not retain the ledger.
type Mirror interface {
	Mirror(originator *protocol.Source, ledger *invalidate.List)
}

// ListenerInfo describes a registered listener.
type ListenerInfo struct {
	ConnectorID int64  `json:"connector_id"`
	User        string `json:"user"`
	Protocol    string `json:"protocol"`
	Pending     int    `json:"pending"`
}

// Hub is the cache listener registry and invalidation broadcaster.
type Hub struct {
	mu        sync.RWMutex
	listeners map[uint64]*Listener
	nextID    atomic.Uint64

	caches     LocalCaches
	visibility VisibilityFunc
	mirror     atomic.Pointer[Mirror]
}

// NewHub creates a hub. caches may be nil.
func NewHub(caches LocalCaches, visibility VisibilityFunc) *Hub {
	return &Hub{
		listeners:  make(map[uint64]*Listener),
		caches:     caches,
		visibility: visibility,
	}
}

// SetMirror installs the invalidation mirror. nil removes it.
func (h *Hub) SetMirror(m Mirror) {
	if m == nil {
		h.mirror.Store(nil)
		return
	}
	h.mirror.Store(&m)
}

// Register adds src to the listener registry. A source is registered at
// most once.
func (h *Hub) Register(src *protocol.Source) (*Listener, error) {
	if !src.MarkListening(true) {
		return nil, fmt.Errorf("connector %d is already listening", src.ConnectorID)
	}
	l := newListener(h.nextID.Add(1), src)

	h.mu.Lock()
	h.listeners[l.id] = l
	h.mu.Unlock()

	telemetry.CacheListeners.Inc()
	log.Debug().Int64("connector_id", src.ConnectorID).Str("user", src.EffectiveUser()).Msg("Cache listener registered")
	return l, nil
}

// Unregister removes l. It is safe to call more than once.
func (h *Hub) Unregister(l *Listener) {
	h.mu.Lock()
	_, ok := h.listeners[l.id]
	delete(h.listeners, l.id)
	h.mu.Unlock()

	if !ok {
		return
	}
	l.close()
	l.source.MarkListening(false)
	telemetry.CacheListeners.Dec()
	log.Debug().Int64("connector_id", l.source.ConnectorID).Msg("Cache listener removed")
}

// Len returns the number of registered listeners.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}

// Listeners describes the registered listeners ordered by connector ID.
func (h *Hub) Listeners() []ListenerInfo {
	out := make([]ListenerInfo, 0)
	for _, l := range h.snapshot() {
		out = append(out, ListenerInfo{
			ConnectorID: l.source.ConnectorID,
			User:        l.source.EffectiveUser(),
			Protocol:    l.source.Version.String(),
			Pending:     l.Pending(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectorID < out[j].ConnectorID })
	return out
}

func (h *Hub) snapshot() []*Listener {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Listener, 0, len(h.listeners))
	for _, l := range h.listeners {
		out = append(out, l)
	}
	return out
}

// Broadcast delivers a committed ledger. Master caches are cleared first,
// then every listener other than the originating connector receives the
// tables it can see. originator may be nil.
func (h *Hub) Broadcast(ctx context.Context, originator *protocol.Source, ledger *invalidate.List) {
	if ledger == nil || ledger.Len() == 0 {
		return
	}
	start := time.Now()
	tables := ledger.Tables()

	if h.caches != nil {
		h.caches.InvalidateTables(tables)
	}

	telemetry.InvalidationsBroadcastTotal.Inc()
	for _, t := range tables {
		telemetry.InvalidatedTablesTotal.With(t.String()).Inc()
	}

	originatorID := int64(-1)
	if originator != nil {
		originatorID = originator.ConnectorID
	}

	for _, l := range h.snapshot() {
		src := l.source
		if src.ConnectorID == originatorID {
			continue
		}

		vis, err := h.visibility(ctx, src.EffectiveUser())
		if err != nil {
			telemetry.ListenerNotificationsTotal.With("failed").Inc()
			log.Warn().Err(err).Int64("connector_id", src.ConnectorID).Msg("Failed to resolve listener visibility")
			continue
		}

		ids := ClientTables(ledger, src.Version, vis)
		if len(ids) == 0 {
			telemetry.ListenerNotificationsTotal.With("filtered").Inc()
			continue
		}
		l.push(ids)
		telemetry.ListenerNotificationsTotal.With("sent").Inc()
	}

	if m := h.mirror.Load(); m != nil {
		(*m).Mirror(originator, ledger)
	}

	telemetry.BroadcastDurationSeconds.Observe(time.Since(start).Seconds())
}

// ClientTables returns the tables of ledger visible through vis, translated
// to client IDs for version and in canonical order. Tables the version does
// not know are skipped.
func ClientTables(ledger *invalidate.List, version protocol.Version, vis Visibility) []schema.ClientID {
	var out []schema.ClientID
	for _, t := range ledger.Tables() {
		id := schema.ToClient(t, version)
		if id == schema.Unsupported {
			continue
		}
		if !Visible(ledger, t, vis) {
			continue
		}
		out = append(out, id)
	}
	return out
}

// Visible reports whether vis may see the change to t. A table scoped to no
// accounts and no servers is visible to all. Otherwise one affected account
// and one affected server must be accessible; an empty dimension passes.
func Visible(ledger *invalidate.List, t schema.Table, vis Visibility) bool {
	accounts := ledger.AffectedAccounts(t)
	servers := ledger.AffectedServers(t)
	if len(accounts) == 0 && len(servers) == 0 {
		return true
	}

	if len(accounts) > 0 {
		ok := false
		for _, a := range accounts {
			if vis.CanAccessAccount(a) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}

	if len(servers) > 0 {
		escalate := t.EscalatesToFailover()
		for _, s := range servers {
			if vis.CanAccessServer(s) {
				return true
			}
			if escalate {
				if parent, ok := vis.FailoverParent(s); ok && vis.CanAccessServer(parent) {
					return true
				}
			}
		}
		return false
	}
	return true
}
