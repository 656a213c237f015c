// Package schema holds the canonical table enumeration and its per-version
// client numbering.
package schema

import (
	"fmt"

	"github.com/ao-apps/aoserv-master/protocol"
)

// Table is a canonical, version-independent table ID. The numeric value is
// internal and never sent on the wire; clients see ClientID values.
type Table int

// Canonical order. Client IDs follow this order, skipping tables a version
// does not know, so new tables are appended where they sort.
const (
	Accounts Table = iota
	AccountProfiles
	Administrators
	BusinessServers
	DisableLog
	IPAddresses
	LinuxAccounts
	LinuxServerAccounts
	MasterHosts
	MasterProcesses
	MasterServers
	MasterUsers
	MysqlDatabases
	NetBinds
	Servers
	SpamEmailMessages
	TicketActions
	Tickets

	tableCount
)

// ColumnType selects the wire encoding of a column.
type ColumnType int

const (
	TypeCompressedInt ColumnType = iota
	// TypeNullCompressedInt encodes SQL NULL as -1.
	TypeNullCompressedInt
	TypeLong
	TypeBool
	TypeUTF
	TypeNullUTF
	TypeNullLongUTF
)

// Column is one field of a streamed row.
type Column struct {
	Name  string
	Type  ColumnType
	Range protocol.Range
	// Const, when set, is written instead of a database value. Retired
	// columns keep their place on the wire for older clients this way.
	Const any
}

// Info describes one canonical table.
type Info struct {
	Name    string
	SQLName string
	Range   protocol.Range
	Columns []Column
	// PrimaryKey is the index into Columns used by GET_OBJECT.
	PrimaryKey int
	// AccountColumn and ServerColumn drive row visibility; empty means the
	// dimension does not apply.
	AccountColumn string
	ServerColumn  string
	// MasterOnly rows are visible only to master users.
	MasterOnly bool
	// Virtual tables are served from memory rather than SQL.
	Virtual bool
}

func col(name string, typ ColumnType) Column {
	return Column{Name: name, Type: typ, Range: protocol.Always}
}

func colIn(name string, typ ColumnType, rg protocol.Range) Column {
	return Column{Name: name, Type: typ, Range: rg}
}

var tables = [tableCount]Info{
	Accounts: {
		Name: "accounts", SQLName: "accounts", Range: protocol.Always,
		Columns: []Column{
			col("accounting", TypeUTF),
			col("parent", TypeNullUTF),
			col("description", TypeNullLongUTF),
			col("disable_log", TypeNullCompressedInt),
			col("created", TypeLong),
		},
		AccountColumn: "accounting",
	},
	AccountProfiles: {
		Name: "account_profiles", SQLName: "account_profiles", Range: protocol.Since(protocol.Version1_30),
		Columns: []Column{
			col("id", TypeCompressedInt),
			col("accounting", TypeUTF),
			col("name", TypeUTF),
			col("created", TypeLong),
		},
		AccountColumn: "accounting",
	},
	Administrators: {
		Name: "administrators", SQLName: "administrators", Range: protocol.Always,
		Columns: []Column{
			col("username", TypeUTF),
			col("accounting", TypeUTF),
			col("full_name", TypeUTF),
			col("disable_log", TypeNullCompressedInt),
		},
		AccountColumn: "accounting",
	},
	BusinessServers: {
		Name: "business_servers", SQLName: "business_servers", Range: protocol.Always,
		Columns: []Column{
			col("id", TypeCompressedInt),
			col("accounting", TypeUTF),
			col("server", TypeCompressedInt),
			col("is_default", TypeBool),
			{Name: "can_control_apache", Type: TypeBool, Range: protocol.Until(protocol.Version1_0A102), Const: false},
			{Name: "can_control_cron", Type: TypeBool, Range: protocol.Until(protocol.Version1_0A102), Const: false},
		},
		AccountColumn: "accounting",
		ServerColumn:  "server",
	},
	DisableLog: {
		Name: "disable_log", SQLName: "disable_log", Range: protocol.Always,
		Columns: []Column{
			col("id", TypeCompressedInt),
			col("accounting", TypeUTF),
			col("disabled_by", TypeUTF),
			col("reason", TypeNullUTF),
			col("time", TypeLong),
		},
		AccountColumn: "accounting",
	},
	IPAddresses: {
		Name: "ip_addresses", SQLName: "ip_addresses", Range: protocol.Always,
		Columns: []Column{
			col("id", TypeCompressedInt),
			col("address", TypeUTF),
			col("server", TypeCompressedInt),
			col("accounting", TypeUTF),
		},
		AccountColumn: "accounting",
		ServerColumn:  "server",
	},
	LinuxAccounts: {
		Name: "linux_accounts", SQLName: "linux_accounts", Range: protocol.Always,
		Columns: []Column{
			col("username", TypeUTF),
			col("accounting", TypeUTF),
			col("shell", TypeUTF),
		},
		AccountColumn: "accounting",
	},
	LinuxServerAccounts: {
		Name: "linux_server_accounts", SQLName: "linux_server_accounts", Range: protocol.Always,
		Columns: []Column{
			col("id", TypeCompressedInt),
			col("username", TypeUTF),
			col("server", TypeCompressedInt),
			col("accounting", TypeUTF),
		},
		AccountColumn: "accounting",
		ServerColumn:  "server",
	},
	MasterHosts: {
		Name: "master_hosts", SQLName: "master_hosts", Range: protocol.Always,
		Columns: []Column{
			col("id", TypeCompressedInt),
			col("username", TypeUTF),
			col("host", TypeUTF),
		},
		MasterOnly: true,
	},
	MasterProcesses: {
		Name: "master_processes", Range: protocol.Since(protocol.Version1_0A104),
		Columns: []Column{
			col("process_id", TypeLong),
			col("connector_id", TypeLong),
			col("authenticated_user", TypeUTF),
			col("effective_user", TypeUTF),
			col("host", TypeUTF),
			col("protocol", TypeUTF),
			col("is_secure", TypeBool),
			col("start_time", TypeLong),
			col("command", TypeNullUTF),
		},
		Virtual: true,
	},
	MasterServers: {
		Name: "master_servers", SQLName: "master_servers", Range: protocol.Always,
		Columns: []Column{
			col("id", TypeCompressedInt),
			col("username", TypeUTF),
			col("server", TypeCompressedInt),
		},
		ServerColumn: "server",
		MasterOnly:   true,
	},
	MasterUsers: {
		Name: "master_users", SQLName: "master_users", Range: protocol.Always,
		Columns: []Column{
			col("username", TypeUTF),
			col("is_active", TypeBool),
			col("can_invalidate_tables", TypeBool),
			colIn("can_switch_users", TypeBool, protocol.Since(protocol.Version1_0A113)),
		},
		MasterOnly: true,
	},
	MysqlDatabases: {
		Name: "mysql_databases", SQLName: "mysql_databases", Range: protocol.Always,
		Columns: []Column{
			col("id", TypeCompressedInt),
			col("name", TypeUTF),
			col("server", TypeCompressedInt),
			col("accounting", TypeUTF),
		},
		AccountColumn: "accounting",
		ServerColumn:  "server",
	},
	NetBinds: {
		Name: "net_binds", SQLName: "net_binds", Range: protocol.Always,
		Columns: []Column{
			col("id", TypeCompressedInt),
			col("server", TypeCompressedInt),
			col("accounting", TypeUTF),
			col("port", TypeCompressedInt),
			col("net_protocol", TypeUTF),
		},
		AccountColumn: "accounting",
		ServerColumn:  "server",
	},
	Servers: {
		Name: "servers", SQLName: "servers", Range: protocol.Always,
		Columns: []Column{
			col("id", TypeCompressedInt),
			col("hostname", TypeUTF),
			col("accounting", TypeUTF),
			col("failover_server", TypeNullCompressedInt),
		},
		ServerColumn: "id",
	},
	SpamEmailMessages: {
		Name: "spam_email_messages", SQLName: "spam_email_messages", Range: protocol.Until(protocol.Version1_44),
		Columns: []Column{
			col("id", TypeCompressedInt),
			col("accounting", TypeUTF),
			col("time", TypeLong),
			col("message", TypeNullLongUTF),
		},
		AccountColumn: "accounting",
	},
	TicketActions: {
		Name: "ticket_actions", SQLName: "ticket_actions", Range: protocol.Since(protocol.Version1_0A122),
		Columns: []Column{
			col("id", TypeCompressedInt),
			col("ticket", TypeCompressedInt),
			col("accounting", TypeUTF),
			col("administrator", TypeNullUTF),
			col("action_type", TypeUTF),
			col("time", TypeLong),
		},
		AccountColumn: "accounting",
	},
	Tickets: {
		Name: "tickets", SQLName: "tickets", Range: protocol.Always,
		Columns: []Column{
			col("id", TypeCompressedInt),
			col("accounting", TypeUTF),
			col("summary", TypeUTF),
			col("status", TypeUTF),
			col("opened", TypeLong),
		},
		AccountColumn: "accounting",
	},
}

// All returns every canonical table in canonical order.
func All() []Table {
	out := make([]Table, tableCount)
	for i := range out {
		out[i] = Table(i)
	}
	return out
}

// Valid reports whether t is a canonical table.
func (t Table) Valid() bool {
	return t >= 0 && t < tableCount
}

// Info returns the table description. It panics on invalid tables.
func (t Table) Info() *Info {
	return &tables[t]
}

func (t Table) String() string {
	if !t.Valid() {
		return fmt.Sprintf("Table(%d)", int(t))
	}
	return tables[t].Name
}

// Lookup finds a table by name.
func Lookup(name string) (Table, bool) {
	for i := range tables {
		if tables[i].Name == name {
			return Table(i), true
		}
	}
	return 0, false
}

// VisibleColumns returns the columns on the wire for version v.
func (i *Info) VisibleColumns(v protocol.Version) []Column {
	out := make([]Column, 0, len(i.Columns))
	for _, c := range i.Columns {
		if c.Range.Contains(v) {
			out = append(out, c)
		}
	}
	return out
}

// StoredColumns returns the columns backed by the database.
func (i *Info) StoredColumns() []Column {
	out := make([]Column, 0, len(i.Columns))
	for _, c := range i.Columns {
		if c.Const == nil {
			out = append(out, c)
		}
	}
	return out
}

// ColumnIndex returns the index of the named column in Columns, or -1.
func (i *Info) ColumnIndex(name string) int {
	for idx, c := range i.Columns {
		if c.Name == name {
			return idx
		}
	}
	return -1
}

var failoverEscalation = map[Table]struct{}{
	Servers:             {},
	IPAddresses:         {},
	LinuxAccounts:       {},
	LinuxServerAccounts: {},
	NetBinds:            {},
	BusinessServers:     {},
}

// EscalatesToFailover reports whether server visibility for t also succeeds
// through the failover parent of an affected server.
func (t Table) EscalatesToFailover() bool {
	_, ok := failoverEscalation[t]
	return ok
}
