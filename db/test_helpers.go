package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ao-apps/aoserv-master/cfg"
)

// NewTestPool opens a bootstrapped SQLite pool under t.TempDir().
func NewTestPool(t testing.TB, poolSize int) *Pool {
	t.Helper()

	path := filepath.Join(t.TempDir(), "aoserv.db")
	pool, err := Open(
		cfg.DatabaseConfiguration{Driver: cfg.DriverSQLite, Path: path},
		cfg.ConnectionPoolConfiguration{PoolSize: poolSize},
		path,
	)
	if err != nil {
		t.Fatalf("open test pool: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	if err := pool.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap test pool: %v", err)
	}
	return pool
}

// MustExec runs statements outside any command transaction.
func MustExec(t testing.TB, p *Pool, stmts ...string) {
	t.Helper()
	for _, stmt := range stmts {
		if _, err := p.db.Exec(stmt); err != nil {
			t.Fatalf("exec %q: %v", stmt, err)
		}
	}
}

// SeedFixture loads a small account tree shared by package tests:
//
//	AOINDUSTRIES (root)
//	├── ACME
//	│   └── ACMESUB
//	└── BETA
//
// Servers 1 and 2 belong to AOINDUSTRIES; server 3 fails over to server 2.
// ACME uses server 2, BETA uses server 3. Every administrator's password
// hashes to passwordHash.
func SeedFixture(t testing.TB, p *Pool, passwordHash string) {
	t.Helper()
	MustExec(t, p,
		`INSERT INTO accounts (accounting, parent) VALUES ('AOINDUSTRIES', NULL)`,
		`INSERT INTO accounts (accounting, parent) VALUES ('ACME', 'AOINDUSTRIES')`,
		`INSERT INTO accounts (accounting, parent) VALUES ('ACMESUB', 'ACME')`,
		`INSERT INTO accounts (accounting, parent) VALUES ('BETA', 'AOINDUSTRIES')`,
		`INSERT INTO servers (id, hostname, accounting, failover_server) VALUES (1, 'www1.aoindustries.com', 'AOINDUSTRIES', NULL)`,
		`INSERT INTO servers (id, hostname, accounting, failover_server) VALUES (2, 'www2.aoindustries.com', 'AOINDUSTRIES', NULL)`,
		`INSERT INTO servers (id, hostname, accounting, failover_server) VALUES (3, 'www3.aoindustries.com', 'AOINDUSTRIES', 2)`,
		`INSERT INTO business_servers (accounting, server, is_default) VALUES ('AOINDUSTRIES', 1, 1)`,
		`INSERT INTO business_servers (accounting, server, is_default) VALUES ('ACME', 2, 1)`,
		`INSERT INTO business_servers (accounting, server, is_default) VALUES ('BETA', 3, 1)`,
	)
	for _, admin := range [][2]string{
		{"root", "AOINDUSTRIES"},
		{"ops", "AOINDUSTRIES"},
		{"acme", "ACME"},
		{"acmesub", "ACMESUB"},
		{"beta", "BETA"},
	} {
		if _, err := p.db.Exec(
			`INSERT INTO administrators (username, accounting, password, full_name) VALUES (?, ?, ?, ?)`,
			admin[0], admin[1], passwordHash, admin[0]+" user",
		); err != nil {
			t.Fatalf("seed administrator %s: %v", admin[0], err)
		}
	}
	MustExec(t, p,
		`INSERT INTO master_users (username, is_active, can_invalidate_tables, can_switch_users) VALUES ('root', 1, 1, 1)`,
		`INSERT INTO master_users (username, is_active, can_invalidate_tables, can_switch_users) VALUES ('ops', 1, 0, 0)`,
		`INSERT INTO master_servers (username, server) VALUES ('ops', 3)`,
		`INSERT INTO master_hosts (username, host) VALUES ('ops', '10.0.0.5')`,
		`INSERT INTO master_hosts (username, host) VALUES ('ops', 'bastion.example.com')`,
	)
}
