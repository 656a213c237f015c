package db

import (
	"context"
	"fmt"

	"github.com/ao-apps/aoserv-master/cfg"
	"github.com/rs/zerolog/log"
)

// sqliteSchema creates the tables the shipped handlers use. Booleans are
// stored as 0/1 integers and timestamps as Unix milliseconds.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS disable_log (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		accounting  TEXT NOT NULL,
		disabled_by TEXT NOT NULL,
		reason      TEXT,
		time        INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS accounts (
		accounting  TEXT PRIMARY KEY,
		parent      TEXT REFERENCES accounts(accounting),
		description TEXT,
		disable_log INTEGER REFERENCES disable_log(id),
		created     INTEGER NOT NULL DEFAULT 0,
		CHECK (parent IS NULL OR parent <> accounting)
	)`,
	`CREATE TABLE IF NOT EXISTS account_profiles (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		accounting TEXT NOT NULL REFERENCES accounts(accounting),
		name       TEXT NOT NULL,
		created    INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS administrators (
		username    TEXT PRIMARY KEY,
		accounting  TEXT NOT NULL REFERENCES accounts(accounting),
		password    TEXT NOT NULL,
		full_name   TEXT NOT NULL,
		disable_log INTEGER REFERENCES disable_log(id)
	)`,
	`CREATE TABLE IF NOT EXISTS servers (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		hostname        TEXT NOT NULL UNIQUE,
		accounting      TEXT NOT NULL REFERENCES accounts(accounting),
		failover_server INTEGER REFERENCES servers(id)
	)`,
	`CREATE TABLE IF NOT EXISTS business_servers (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		accounting TEXT NOT NULL REFERENCES accounts(accounting),
		server     INTEGER NOT NULL REFERENCES servers(id),
		is_default INTEGER NOT NULL DEFAULT 0,
		UNIQUE (accounting, server)
	)`,
	`CREATE TABLE IF NOT EXISTS ip_addresses (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		address    TEXT NOT NULL,
		server     INTEGER NOT NULL REFERENCES servers(id),
		accounting TEXT NOT NULL REFERENCES accounts(accounting)
	)`,
	`CREATE TABLE IF NOT EXISTS linux_accounts (
		username   TEXT PRIMARY KEY,
		accounting TEXT NOT NULL REFERENCES accounts(accounting),
		shell      TEXT NOT NULL DEFAULT '/bin/bash'
	)`,
	`CREATE TABLE IF NOT EXISTS linux_server_accounts (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		username   TEXT NOT NULL REFERENCES linux_accounts(username),
		server     INTEGER NOT NULL REFERENCES servers(id),
		accounting TEXT NOT NULL REFERENCES accounts(accounting)
	)`,
	`CREATE TABLE IF NOT EXISTS master_users (
		username              TEXT PRIMARY KEY REFERENCES administrators(username),
		is_active             INTEGER NOT NULL DEFAULT 1,
		can_invalidate_tables INTEGER NOT NULL DEFAULT 0,
		can_switch_users      INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS master_hosts (
		id       INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL REFERENCES administrators(username),
		host     TEXT NOT NULL,
		UNIQUE (username, host)
	)`,
	`CREATE TABLE IF NOT EXISTS master_servers (
		id       INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL REFERENCES master_users(username),
		server   INTEGER NOT NULL REFERENCES servers(id),
		UNIQUE (username, server)
	)`,
	`CREATE TABLE IF NOT EXISTS mysql_databases (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		name       TEXT NOT NULL,
		server     INTEGER NOT NULL REFERENCES servers(id),
		accounting TEXT NOT NULL REFERENCES accounts(accounting)
	)`,
	`CREATE TABLE IF NOT EXISTS net_binds (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		server       INTEGER NOT NULL REFERENCES servers(id),
		accounting   TEXT NOT NULL REFERENCES accounts(accounting),
		port         INTEGER NOT NULL,
		net_protocol TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS spam_email_messages (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		accounting TEXT NOT NULL REFERENCES accounts(accounting),
		time       INTEGER NOT NULL,
		message    TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS tickets (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		accounting TEXT NOT NULL REFERENCES accounts(accounting),
		summary    TEXT NOT NULL,
		status     TEXT NOT NULL,
		opened     INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ticket_actions (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		ticket        INTEGER NOT NULL REFERENCES tickets(id),
		accounting    TEXT NOT NULL REFERENCES accounts(accounting),
		administrator TEXT REFERENCES administrators(username),
		action_type   TEXT NOT NULL,
		time          INTEGER NOT NULL
	)`,
}

// Bootstrap creates missing tables. Only the SQLite backend is managed here;
// MySQL deployments carry their own schema.
func (p *Pool) Bootstrap(ctx context.Context) error {
	if p.driver != cfg.DriverSQLite {
		return fmt.Errorf("schema bootstrap is only supported for %s", cfg.DriverSQLite)
	}

	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	for _, stmt := range sqliteSchema {
		if _, err := conn.ExecRaw(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap failed: %w", err)
		}
	}

	if err := conn.Commit(); err != nil {
		return fmt.Errorf("bootstrap commit failed: %w", err)
	}

	log.Info().Int("tables", len(sqliteSchema)).Msg("Schema bootstrap complete")
	return nil
}
