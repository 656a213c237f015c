// Package account authenticates connections and answers visibility
// questions from the master privilege tables.
package account

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"

	"github.com/ao-apps/aoserv-master/db"
	"github.com/ao-apps/aoserv-master/schema"
	"github.com/ao-apps/aoserv-master/telemetry"
	"github.com/doug-martin/goqu/v9"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// Administrator is a login account.
type Administrator struct {
	Username   string
	Accounting string
	Password   string
	FullName   string
	Disabled   bool
}

// MasterUser carries the extra privileges of master administrators.
type MasterUser struct {
	Username            string
	IsActive            bool
	CanInvalidateTables bool
	CanSwitchUsers      bool
}

type accountRow struct {
	parent   string
	disabled bool
}

// Snapshot is one consistent load of the privilege tables. It is never
// modified after loading.
type Snapshot struct {
	admins          map[string]*Administrator
	accounts        map[string]accountRow
	children        map[string][]string
	masterUsers     map[string]*MasterUser
	masterHosts     map[string][]string
	masterServers   map[string][]int32
	businessServers map[string][]int32
	serverAccounts  map[int32][]string
	failover        map[int32]int32
	servers         []int32

	access *xsync.MapOf[string, *Access]
}

// dependsOn lists the tables whose changes clear the master caches.
var dependsOn = map[schema.Table]struct{}{
	schema.Accounts:        {},
	schema.Administrators:  {},
	schema.BusinessServers: {},
	schema.MasterHosts:     {},
	schema.MasterServers:   {},
	schema.MasterUsers:     {},
	schema.Servers:         {},
}

// Caches holds the lazily loaded privilege snapshot. Any change to a table
// it depends on drops the whole snapshot; the next reader reloads it.
type Caches struct {
	pool *db.Pool

	mu   sync.Mutex
	snap *Snapshot
	gen  uint64
}

// NewCaches creates empty caches backed by pool.
func NewCaches(pool *db.Pool) *Caches {
	return &Caches{pool: pool}
}

// InvalidateTables clears the caches when any of tables feeds them.
func (c *Caches) InvalidateTables(tables []schema.Table) {
	for _, t := range tables {
		if _, ok := dependsOn[t]; ok {
			c.Invalidate()
			return
		}
	}
}

// Invalidate drops the current snapshot.
func (c *Caches) Invalidate() {
	c.mu.Lock()
	c.snap = nil
	c.gen++
	c.mu.Unlock()
}

// Snapshot returns the current snapshot, loading it on a miss. conn is the
// caller's open connection, if any; without one a connection is checked out
// for the load.
func (c *Caches) Snapshot(ctx context.Context, conn *db.Conn) (*Snapshot, error) {
	c.mu.Lock()
	snap, gen := c.snap, c.gen
	c.mu.Unlock()
	if snap != nil {
		return snap, nil
	}

	if conn == nil {
		own, err := c.pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		defer own.Release()
		conn = own
	}

	snap, err := load(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("failed to load master caches: %w", err)
	}
	telemetry.MasterCacheReloadsTotal.Inc()

	c.mu.Lock()
	if c.gen == gen {
		c.snap = snap
	}
	c.mu.Unlock()

	log.Debug().Int("administrators", len(snap.admins)).Msg("Master caches loaded")
	return snap, nil
}

// Access returns the visibility of username.
func (c *Caches) Access(ctx context.Context, conn *db.Conn, username string) (*Access, error) {
	snap, err := c.Snapshot(ctx, conn)
	if err != nil {
		return nil, err
	}
	return snap.Access(username), nil
}

func load(ctx context.Context, conn *db.Conn) (*Snapshot, error) {
	s := &Snapshot{
		admins:          make(map[string]*Administrator),
		accounts:        make(map[string]accountRow),
		children:        make(map[string][]string),
		masterUsers:     make(map[string]*MasterUser),
		masterHosts:     make(map[string][]string),
		masterServers:   make(map[string][]int32),
		businessServers: make(map[string][]int32),
		serverAccounts:  make(map[int32][]string),
		failover:        make(map[int32]int32),
		access:          xsync.NewMapOf[string, *Access](),
	}
	d := conn.Dialect()

	err := scanAll(ctx, conn, d.From("accounts").Select("accounting", "parent", "disable_log"), func(rows *sql.Rows) error {
		var (
			accounting string
			parent     sql.NullString
			disable    sql.NullInt64
		)
		if err := rows.Scan(&accounting, &parent, &disable); err != nil {
			return err
		}
		s.accounts[accounting] = accountRow{parent: parent.String, disabled: disable.Valid}
		if parent.Valid {
			s.children[parent.String] = append(s.children[parent.String], accounting)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = scanAll(ctx, conn, d.From("administrators").Select("username", "accounting", "password", "full_name", "disable_log"), func(rows *sql.Rows) error {
		a := &Administrator{}
		var disable sql.NullInt64
		if err := rows.Scan(&a.Username, &a.Accounting, &a.Password, &a.FullName, &disable); err != nil {
			return err
		}
		a.Disabled = disable.Valid
		s.admins[a.Username] = a
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = scanAll(ctx, conn, d.From("master_users").Select("username", "is_active", "can_invalidate_tables", "can_switch_users"), func(rows *sql.Rows) error {
		m := &MasterUser{}
		if err := rows.Scan(&m.Username, &m.IsActive, &m.CanInvalidateTables, &m.CanSwitchUsers); err != nil {
			return err
		}
		s.masterUsers[m.Username] = m
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = scanAll(ctx, conn, d.From("master_hosts").Select("username", "host"), func(rows *sql.Rows) error {
		var username, host string
		if err := rows.Scan(&username, &host); err != nil {
			return err
		}
		s.masterHosts[username] = append(s.masterHosts[username], host)
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = scanAll(ctx, conn, d.From("master_servers").Select("username", "server"), func(rows *sql.Rows) error {
		var username string
		var server int32
		if err := rows.Scan(&username, &server); err != nil {
			return err
		}
		s.masterServers[username] = append(s.masterServers[username], server)
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = scanAll(ctx, conn, d.From("business_servers").Select("accounting", "server"), func(rows *sql.Rows) error {
		var accounting string
		var server int32
		if err := rows.Scan(&accounting, &server); err != nil {
			return err
		}
		s.businessServers[accounting] = append(s.businessServers[accounting], server)
		s.serverAccounts[server] = append(s.serverAccounts[server], accounting)
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = scanAll(ctx, conn, d.From("servers").Select("id", "failover_server").Order(goqu.I("id").Asc()), func(rows *sql.Rows) error {
		var id int32
		var failover sql.NullInt32
		if err := rows.Scan(&id, &failover); err != nil {
			return err
		}
		s.servers = append(s.servers, id)
		if failover.Valid {
			s.failover[id] = failover.Int32
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return s, nil
}

func scanAll(ctx context.Context, conn *db.Conn, b db.Builder, fn func(*sql.Rows) error) error {
	rows, err := conn.Query(ctx, b)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Administrator returns the named administrator.
func (s *Snapshot) Administrator(username string) (*Administrator, bool) {
	a, ok := s.admins[username]
	return a, ok
}

// MasterUser returns the master user record of an active master user.
func (s *Snapshot) MasterUser(username string) (*MasterUser, bool) {
	m, ok := s.masterUsers[username]
	if !ok || !m.IsActive {
		return nil, false
	}
	return m, true
}

// MasterHosts returns the allow-list of username. Empty means anywhere.
func (s *Snapshot) MasterHosts(username string) []string {
	return s.masterHosts[username]
}

// AccountExists reports whether the account is known.
func (s *Snapshot) AccountExists(accounting string) bool {
	_, ok := s.accounts[accounting]
	return ok
}

// AccountDisabled reports whether the account has a disable log entry.
func (s *Snapshot) AccountDisabled(accounting string) bool {
	return s.accounts[accounting].disabled
}

// IsSameOrDescendant reports whether child is ancestor or one of its
// sub-accounts.
func (s *Snapshot) IsSameOrDescendant(ancestor, child string) bool {
	seen := 0
	for cur := child; cur != ""; cur = s.accounts[cur].parent {
		if cur == ancestor {
			return true
		}
		seen++
		if seen > len(s.accounts) {
			return false
		}
	}
	return false
}

// UserDisabled reports whether username may not run commands: unknown,
// disabled itself, or belonging to a disabled account.
func (s *Snapshot) UserDisabled(username string) bool {
	a, ok := s.admins[username]
	if !ok {
		return true
	}
	return a.Disabled || s.AccountDisabled(a.Accounting)
}

func (s *Snapshot) subtree(root string) map[string]struct{} {
	out := make(map[string]struct{})
	if _, ok := s.accounts[root]; !ok {
		return out
	}
	queue := []string{root}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if _, seen := out[cur]; seen {
			continue
		}
		out[cur] = struct{}{}
		queue = append(queue, s.children[cur]...)
	}
	return out
}

func sortedServers(set map[int32]struct{}) []int32 {
	out := make([]int32, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
