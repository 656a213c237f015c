// Package coordinator maps command codes to their decoders and executes
// decoded calls with the requested quality of service.
package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ao-apps/aoserv-master/db"
	"github.com/ao-apps/aoserv-master/invalidate"
	"github.com/ao-apps/aoserv-master/protocol"
)

// Kind selects how the dispatcher runs a command.
type Kind int

const (
	// KindBypass commands never touch the database.
	KindBypass Kind = iota
	// KindRead commands run in a transaction that is always rolled back.
	KindRead
	// KindWrite commands commit on success.
	KindWrite
	// KindListen enters the cache listener loop.
	KindListen
)

func (k Kind) String() string {
	switch k {
	case KindBypass:
		return "bypass"
	case KindRead:
		return "read"
	case KindWrite:
		return "write"
	case KindListen:
		return "listen"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// QoS is the execution class of a command.
type QoS int

const (
	QoSNormal QoS = iota
	// QoSBackground commands run on the bounded background pool.
	QoSBackground
)

// Exec carries what a decoded call may use while executing.
type Exec struct {
	// Conn is the command's pooled connection; nil for bypass commands.
	Conn   *db.Conn
	Source *protocol.Source
	Ledger *invalidate.List
	// Out is the response stream. Only streaming commands write to it.
	Out *protocol.Writer
}

// Call is a decoded command ready to run.
type Call func(ctx context.Context, x *Exec) (Result, error)

// Decoder reads the command's fields for the stream's version. It must
// consume exactly what the client sent and must not touch the database.
type Decoder func(in *protocol.Reader, src *protocol.Source) (Call, error)

// Command describes one wire command.
type Command struct {
	ID    protocol.CommandID
	Name  string
	Range protocol.Range
	Kind  Kind
	// SendInvalidateList appends the originator's invalidated tables to the
	// response and broadcasts the ledger.
	SendInvalidateList bool
	QoS                QoS
	Decode             Decoder
}

// ReadOnly reports whether the command's transaction is rolled back.
func (c *Command) ReadOnly() bool {
	return c.Kind != KindWrite
}

// Registry maps command codes to commands.
type Registry struct {
	mu       sync.RWMutex
	commands map[protocol.CommandID]*Command
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{commands: make(map[protocol.CommandID]*Command)}
}

// Register adds cmd. Codes may be registered once.
func (r *Registry) Register(cmd Command) error {
	if cmd.Decode == nil {
		return fmt.Errorf("command %s has no decoder", cmd.ID)
	}
	if cmd.SendInvalidateList && cmd.Kind != KindWrite {
		return fmt.Errorf("command %s: only write commands send invalidations", cmd.ID)
	}
	if cmd.Name == "" {
		cmd.Name = cmd.ID.String()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.commands[cmd.ID]; exists {
		return fmt.Errorf("command %s already registered", cmd.ID)
	}
	r.commands[cmd.ID] = &cmd
	return nil
}

// MustRegister registers every command and panics on a conflict.
func (r *Registry) MustRegister(cmds ...Command) {
	for _, cmd := range cmds {
		if err := r.Register(cmd); err != nil {
			panic(err)
		}
	}
}

// Lookup finds the command for id.
func (r *Registry) Lookup(id protocol.CommandID) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[id]
	return cmd, ok
}

// Commands returns every registered command ordered by code.
func (r *Registry) Commands() []*Command {
	r.mu.RLock()
	out := make([]*Command, 0, len(r.commands))
	for _, cmd := range r.commands {
		out = append(out, cmd)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// NoFields is the decoder of commands without request fields.
func NoFields(call Call) Decoder {
	return func(*protocol.Reader, *protocol.Source) (Call, error) {
		return call, nil
	}
}
