package handlers

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ao-apps/aoserv-master/account"
	"github.com/ao-apps/aoserv-master/db"
	"github.com/ao-apps/aoserv-master/process"
	"github.com/ao-apps/aoserv-master/protocol"
	"github.com/ao-apps/aoserv-master/schema"
	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
)

// row holds one table row by column name. Values are int64, bool, string
// or nil for SQL NULL.
type row map[string]any

// visibleRows narrows ds to the rows acc may see. ok is false when no row
// can be visible.
//
// Unrestricted master users see everything. Restricted master users are
// scoped by server where the table has a server column and by account
// otherwise. Other users are scoped by account first and by server only
// for tables without an account column.
func visibleRows(ds *goqu.SelectDataset, info *schema.Info, acc *account.Access) (*goqu.SelectDataset, bool) {
	if acc.Unrestricted() {
		return ds, true
	}
	if info.MasterOnly && !acc.IsMaster() {
		return ds, false
	}

	byServer := func() (*goqu.SelectDataset, bool) {
		servers := acc.Servers()
		if len(servers) == 0 {
			return ds, false
		}
		return ds.Where(goqu.C(info.ServerColumn).In(servers)), true
	}
	byAccount := func() (*goqu.SelectDataset, bool) {
		accounts := acc.Accounts()
		if len(accounts) == 0 {
			return ds, false
		}
		return ds.Where(goqu.C(info.AccountColumn).In(accounts)), true
	}

	if acc.IsMaster() {
		switch {
		case info.ServerColumn != "":
			return byServer()
		case info.AccountColumn != "":
			return byAccount()
		default:
			return ds, true
		}
	}

	switch {
	case info.AccountColumn != "":
		return byAccount()
	case info.ServerColumn != "":
		return byServer()
	default:
		return ds, false
	}
}

func storedSelect(info *schema.Info) []interface{} {
	cols := info.StoredColumns()
	out := make([]interface{}, len(cols))
	for i, c := range cols {
		out[i] = goqu.C(c.Name)
	}
	return out
}

func primaryKey(info *schema.Info) exp.IdentifierExpression {
	return goqu.C(info.Columns[info.PrimaryKey].Name)
}

// queryRows loads the visible rows of a SQL table matching where, in
// primary key order.
func queryRows(ctx context.Context, conn *db.Conn, info *schema.Info, acc *account.Access, where ...exp.Expression) ([]row, error) {
	ds, ok := visibleRows(conn.Dialect().From(info.SQLName), info, acc)
	if !ok {
		return nil, nil
	}
	ds = ds.Select(storedSelect(info)...).Where(where...).Order(primaryKey(info).Asc())

	rows, err := conn.Query(ctx, ds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := info.StoredColumns()
	var out []row
	for rows.Next() {
		holders := make([]any, len(cols))
		for i, c := range cols {
			holders[i] = holderFor(c.Type)
		}
		if err := rows.Scan(holders...); err != nil {
			return nil, err
		}
		r := make(row, len(cols))
		for i, c := range cols {
			r[c.Name] = holderValue(holders[i])
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// countRows counts the visible rows of a SQL table.
func countRows(ctx context.Context, conn *db.Conn, info *schema.Info, acc *account.Access) (int64, error) {
	ds, ok := visibleRows(conn.Dialect().From(info.SQLName), info, acc)
	if !ok {
		return 0, nil
	}
	return conn.Count(ctx, ds)
}

func holderFor(typ schema.ColumnType) any {
	switch typ {
	case schema.TypeCompressedInt, schema.TypeNullCompressedInt, schema.TypeLong:
		return new(sql.NullInt64)
	case schema.TypeBool:
		return new(sql.NullBool)
	default:
		return new(sql.NullString)
	}
}

func holderValue(h any) any {
	switch v := h.(type) {
	case *sql.NullInt64:
		if v.Valid {
			return v.Int64
		}
	case *sql.NullBool:
		if v.Valid {
			return v.Bool
		}
	case *sql.NullString:
		if v.Valid {
			return v.String
		}
	}
	return nil
}

// processRows renders the open connections visible to acc.
func processRows(reg *process.Registry, acc *account.Access) []row {
	records := reg.Processes(acc.CanAccessUser)
	out := make([]row, 0, len(records))
	for _, rec := range records {
		var command any
		if rec.Command != "" {
			command = rec.Command
		}
		out = append(out, row{
			"process_id":         rec.ProcessID,
			"connector_id":       rec.ConnectorID,
			"authenticated_user": rec.AuthenticatedAs,
			"effective_user":     rec.EffectiveUser,
			"host":               rec.Host,
			"protocol":           rec.Protocol,
			"is_secure":          rec.Secure,
			"start_time":         rec.Start.UnixMilli(),
			"command":            command,
		})
	}
	return out
}

// writeRow writes the columns version v knows, in table order.
func writeRow(out *protocol.Writer, info *schema.Info, r row) error {
	for _, c := range info.VisibleColumns(out.Version()) {
		v := c.Const
		if v == nil {
			v = r[c.Name]
		}
		if err := writeValue(out, c, v); err != nil {
			return fmt.Errorf("column %s.%s: %w", info.Name, c.Name, err)
		}
	}
	return nil
}

func writeValue(out *protocol.Writer, c schema.Column, v any) error {
	switch c.Type {
	case schema.TypeCompressedInt, schema.TypeNullCompressedInt:
		if v == nil && c.Type == schema.TypeNullCompressedInt {
			return out.WriteCompressedInt(-1)
		}
		n, err := compressedID(asInt64(v))
		if err != nil {
			return err
		}
		return out.WriteCompressedInt(n)
	case schema.TypeLong:
		return out.WriteLong(asInt64(v))
	case schema.TypeBool:
		b, _ := v.(bool)
		return out.WriteBoolean(b)
	case schema.TypeUTF:
		s, _ := v.(string)
		return out.WriteUTF(s)
	case schema.TypeNullUTF:
		return out.WriteNullUTF(asStringPtr(v))
	case schema.TypeNullLongUTF:
		return out.WriteNullLongUTF(asStringPtr(v))
	default:
		return fmt.Errorf("unknown column type %d", c.Type)
	}
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	default:
		return 0
	}
}

func asStringPtr(v any) *string {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	return &s
}
