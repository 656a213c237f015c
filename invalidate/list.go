// Package invalidate accumulates the tables a single command changed.
package invalidate

import (
	"sort"

	"github.com/ao-apps/aoserv-master/schema"
)

const (
	// AnyAccount marks a table changed for every account.
	AnyAccount = ""
	// AnyServer marks a table changed for every server.
	AnyServer int32 = -1
)

type entry struct {
	accounts    map[string]struct{}
	servers     map[int32]struct{}
	allAccounts bool
	allServers  bool
}

// List is the per-command invalidation ledger. It is owned by one connection
// goroutine and is not safe for concurrent use.
type List struct {
	entries map[schema.Table]*entry
}

// New returns an empty ledger.
func New() *List {
	return &List{entries: make(map[schema.Table]*entry)}
}

// MarkInvalid records that table changed for account and server. AnyAccount
// or AnyServer leave that dimension unscoped for the rest of the command.
func (l *List) MarkInvalid(table schema.Table, account string, server int32) {
	e, ok := l.entries[table]
	if !ok {
		e = &entry{}
		l.entries[table] = e
	}

	if account == AnyAccount {
		e.allAccounts = true
		e.accounts = nil
	} else if !e.allAccounts {
		if e.accounts == nil {
			e.accounts = make(map[string]struct{})
		}
		e.accounts[account] = struct{}{}
	}

	if server == AnyServer {
		e.allServers = true
		e.servers = nil
	} else if !e.allServers {
		if e.servers == nil {
			e.servers = make(map[int32]struct{})
		}
		e.servers[server] = struct{}{}
	}
}

// IsInvalid reports whether table changed during this command.
func (l *List) IsInvalid(table schema.Table) bool {
	_, ok := l.entries[table]
	return ok
}

// AffectedAccounts returns the accounts touched for table, sorted. An empty
// result means every account.
func (l *List) AffectedAccounts(table schema.Table) []string {
	e, ok := l.entries[table]
	if !ok || e.allAccounts {
		return nil
	}
	out := make([]string, 0, len(e.accounts))
	for a := range e.accounts {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// AffectedServers returns the servers touched for table, sorted. An empty
// result means every server.
func (l *List) AffectedServers(table schema.Table) []int32 {
	e, ok := l.entries[table]
	if !ok || e.allServers {
		return nil
	}
	out := make([]int32, 0, len(e.servers))
	for s := range e.servers {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Tables returns the changed tables in canonical order.
func (l *List) Tables() []schema.Table {
	out := make([]schema.Table, 0, len(l.entries))
	for t := range l.entries {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of changed tables.
func (l *List) Len() int {
	return len(l.entries)
}

// Reset discards everything recorded.
func (l *List) Reset() {
	clear(l.entries)
}
