// Package process tracks open connections, request concurrency and a
// bounded history of completed commands.
package process

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ao-apps/aoserv-master/protocol"
	"github.com/ao-apps/aoserv-master/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
)

// Record is an immutable snapshot of one command, or of a process while it
// is still running (End is zero then).
type Record struct {
	ProcessID       int64     `json:"process_id"`
	ConnectorID     int64     `json:"connector_id"`
	AuthenticatedAs string    `json:"authenticated_as"`
	EffectiveUser   string    `json:"effective_user"`
	Host            string    `json:"host"`
	Protocol        string    `json:"protocol"`
	Secure          bool      `json:"secure"`
	Start           time.Time `json:"start"`
	End             time.Time `json:"end,omitempty"`
	Command         string    `json:"command"`
}

// Process is one open connection.
type Process struct {
	id        int64
	source    *protocol.Source
	connected time.Time

	mu           sync.Mutex
	command      string
	commandStart time.Time
}

// ID returns the process id, unique for the life of the master.
func (p *Process) ID() int64 { return p.id }

// Source returns the connection the process belongs to.
func (p *Process) Source() *protocol.Source { return p.source }

// SetCommand records what the process is doing. An empty command marks the
// process idle.
func (p *Process) SetCommand(command string, now time.Time) {
	p.mu.Lock()
	p.command = command
	p.commandStart = now
	p.mu.Unlock()
}

// Snapshot returns the current state of the process.
func (p *Process) Snapshot() Record {
	p.mu.Lock()
	command, start := p.command, p.commandStart
	p.mu.Unlock()
	if start.IsZero() {
		start = p.connected
	}
	return p.record(command, start, time.Time{})
}

func (p *Process) record(command string, start, end time.Time) Record {
	src := p.source
	return Record{
		ProcessID:       p.id,
		ConnectorID:     src.ConnectorID,
		AuthenticatedAs: src.AuthenticatedAs,
		EffectiveUser:   src.EffectiveUser(),
		Host:            src.RemoteHost,
		Protocol:        src.Version.String(),
		Secure:          src.Secure,
		Start:           start,
		End:             end,
		Command:         command,
	}
}

// Stats is a consistent copy of the registry counters.
type Stats struct {
	Concurrency      int           `json:"concurrency"`
	MaxConcurrency   int           `json:"max_concurrency"`
	TotalRequests    int64         `json:"total_requests"`
	TotalTime        time.Duration `json:"total_time"`
	TotalConnections int64         `json:"total_connections"`
	ActiveProcesses  int           `json:"active_processes"`
}

// Registry holds the counters, the active process table and the history
// ring. Counters share one lock; the ring has its own.
type Registry struct {
	mu               sync.Mutex
	concurrency      int
	maxConcurrency   int
	totalRequests    int64
	totalTime        time.Duration
	totalConnections int64

	nextID atomic.Int64
	active *xsync.MapOf[int64, *Process]

	histMu  sync.Mutex
	history []Record
	next    int
	filled  bool

	now func() time.Time
}

// NewRegistry creates a registry keeping the last historySize commands.
func NewRegistry(historySize int) *Registry {
	if historySize < 1 {
		historySize = 1
	}
	return &Registry{
		active:  xsync.NewMapOf[int64, *Process](),
		history: make([]Record, historySize),
		now:     time.Now,
	}
}

// Open registers a new connection.
func (r *Registry) Open(src *protocol.Source) *Process {
	p := &Process{
		id:        r.nextID.Add(1),
		source:    src,
		connected: r.now(),
	}
	r.active.Store(p.id, p)

	r.mu.Lock()
	r.totalConnections++
	r.mu.Unlock()

	telemetry.ConnectionsTotal.Inc()
	telemetry.ConnectionsActive.Inc()
	return p
}

// Close removes a connection. Closing twice is a no-op.
func (r *Registry) Close(p *Process) {
	if _, ok := r.active.LoadAndDelete(p.id); ok {
		telemetry.ConnectionsActive.Dec()
	}
}

// Begin marks the start of a command on p. The returned function ends it:
// it lowers the concurrency, adds the elapsed time to the totals and appends
// the command to the history. It must be called exactly once.
func (r *Registry) Begin(p *Process, command string) (end func()) {
	start := r.now()
	p.SetCommand(command, start)

	r.mu.Lock()
	r.concurrency++
	if r.concurrency > r.maxConcurrency {
		r.maxConcurrency = r.concurrency
	}
	r.mu.Unlock()

	return func() {
		finish := r.now()
		p.SetCommand("", time.Time{})

		r.mu.Lock()
		r.concurrency--
		r.totalRequests++
		r.totalTime += finish.Sub(start)
		r.mu.Unlock()

		r.addHistory(p.record(command, start, finish))
	}
}

func (r *Registry) addHistory(rec Record) {
	r.histMu.Lock()
	r.history[r.next] = rec
	r.next++
	if r.next == len(r.history) {
		r.next = 0
		r.filled = true
	}
	r.histMu.Unlock()
}

// Concurrency returns the number of commands executing now.
func (r *Registry) Concurrency() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.concurrency
}

// MaxConcurrency returns the highest concurrency seen since start.
func (r *Registry) MaxConcurrency() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxConcurrency
}

// Stats returns all counters under one lock acquisition.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	s := Stats{
		Concurrency:      r.concurrency,
		MaxConcurrency:   r.maxConcurrency,
		TotalRequests:    r.totalRequests,
		TotalTime:        r.totalTime,
		TotalConnections: r.totalConnections,
	}
	r.mu.Unlock()
	s.ActiveProcesses = r.active.Size()
	return s
}

// Processes returns the open connections whose effective user passes
// visible, ordered by process id. A nil visible returns all of them.
func (r *Registry) Processes(visible func(user string) bool) []Record {
	var out []Record
	r.active.Range(func(_ int64, p *Process) bool {
		rec := p.Snapshot()
		if visible == nil || visible(rec.EffectiveUser) {
			out = append(out, rec)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ProcessID < out[j].ProcessID })
	return out
}

// History returns completed commands, oldest first, whose effective user
// passes visible. A nil visible returns all of them.
func (r *Registry) History(visible func(user string) bool) []Record {
	r.histMu.Lock()
	var ordered []Record
	if r.filled {
		ordered = make([]Record, 0, len(r.history))
		ordered = append(ordered, r.history[r.next:]...)
		ordered = append(ordered, r.history[:r.next]...)
	} else {
		ordered = append([]Record(nil), r.history[:r.next]...)
	}
	r.histMu.Unlock()

	if visible == nil {
		return ordered
	}
	out := ordered[:0]
	for _, rec := range ordered {
		if visible(rec.EffectiveUser) {
			out = append(out, rec)
		}
	}
	return out
}
