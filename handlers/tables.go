package handlers

import (
	"context"
	"strconv"

	"github.com/ao-apps/aoserv-master/account"
	"github.com/ao-apps/aoserv-master/coordinator"
	"github.com/ao-apps/aoserv-master/invalidate"
	"github.com/ao-apps/aoserv-master/protocol"
	"github.com/ao-apps/aoserv-master/schema"
)

// Reads tolerate table IDs the client's version does not define: they see
// an empty table. The stream stays in sync because every read layout after
// the table ID is independent of the table.

func (h *Handlers) decodeGetRowCount(in *protocol.Reader, _ *protocol.Source) (coordinator.Call, error) {
	t, _, ok, err := schema.ReadTable(in)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, x *coordinator.Exec) (coordinator.Result, error) {
		if !ok {
			return coordinator.CompressedInt(0), nil
		}
		n, err := h.GetRowCount(ctx, x, t)
		if err != nil {
			return coordinator.Result{}, err
		}
		return coordinator.CompressedInt(compressedCount(n)), nil
	}, nil
}

// GetRowCount counts the rows of t visible to the effective user.
func (h *Handlers) GetRowCount(ctx context.Context, x *coordinator.Exec, t schema.Table) (int64, error) {
	acc, err := h.access(ctx, x)
	if err != nil {
		return 0, err
	}
	info := t.Info()
	if info.Virtual {
		return int64(len(h.virtualRows(t, acc))), nil
	}
	return countRows(ctx, x.Conn, info, acc)
}

func (h *Handlers) decodeGetTable(in *protocol.Reader, _ *protocol.Source) (coordinator.Call, error) {
	t, _, ok, err := schema.ReadTable(in)
	if err != nil {
		return nil, err
	}
	progress, err := in.ReadBoolean()
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, x *coordinator.Exec) (coordinator.Result, error) {
		var rows []row
		if ok {
			loaded, err := h.loadRows(ctx, x, t, nil)
			if err != nil {
				return coordinator.Result{}, err
			}
			rows = loaded
		}
		if progress {
			if err := x.Out.WriteByte(protocol.StatusNext); err != nil {
				return coordinator.Result{}, err
			}
			if err := x.Out.WriteCompressedInt(int32(len(rows))); err != nil {
				return coordinator.Result{}, err
			}
		}
		if err := streamRows(x.Out, t, rows); err != nil {
			return coordinator.Result{}, err
		}
		return coordinator.Streamed(), nil
	}, nil
}

func (h *Handlers) decodeGetObject(in *protocol.Reader, _ *protocol.Source) (coordinator.Call, error) {
	t, _, ok, err := schema.ReadTable(in)
	if err != nil {
		return nil, err
	}
	pkey, err := in.ReadUTF()
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, x *coordinator.Exec) (coordinator.Result, error) {
		if !ok {
			return coordinator.Streamed(), nil
		}
		key, valid := parseKey(t.Info(), pkey)
		if !valid {
			return coordinator.Streamed(), nil
		}
		rows, err := h.loadRows(ctx, x, t, key)
		if err != nil {
			return coordinator.Result{}, err
		}
		if err := streamRows(x.Out, t, rows); err != nil {
			return coordinator.Result{}, err
		}
		return coordinator.Streamed(), nil
	}, nil
}

// parseKey converts a primary key sent as text to the column's type.
func parseKey(info *schema.Info, s string) (any, bool) {
	switch info.Columns[info.PrimaryKey].Type {
	case schema.TypeCompressedInt:
		n, err := strconv.ParseInt(s, 10, 32)
		return n, err == nil
	case schema.TypeLong:
		n, err := strconv.ParseInt(s, 10, 64)
		return n, err == nil
	default:
		return s, true
	}
}

// loadRows returns the visible rows of t. A non-nil key restricts the result
// to the row with that primary key.
func (h *Handlers) loadRows(ctx context.Context, x *coordinator.Exec, t schema.Table, key any) ([]row, error) {
	acc, err := h.access(ctx, x)
	if err != nil {
		return nil, err
	}
	info := t.Info()

	if info.Virtual {
		rows := h.virtualRows(t, acc)
		if key == nil {
			return rows, nil
		}
		pk := info.Columns[info.PrimaryKey].Name
		for _, r := range rows {
			if asInt64(r[pk]) == asInt64(key) {
				return []row{r}, nil
			}
		}
		return nil, nil
	}

	if key == nil {
		return queryRows(ctx, x.Conn, info, acc)
	}
	return queryRows(ctx, x.Conn, info, acc, primaryKey(info).Eq(key))
}

func (h *Handlers) virtualRows(t schema.Table, acc *account.Access) []row {
	if t == schema.MasterProcesses && h.deps.Processes != nil {
		return processRows(h.deps.Processes, acc)
	}
	return nil
}

func streamRows(out *protocol.Writer, t schema.Table, rows []row) error {
	info := t.Info()
	for _, r := range rows {
		if err := out.WriteByte(protocol.StatusNext); err != nil {
			return err
		}
		if err := writeRow(out, info, r); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handlers) decodeInvalidateTable(in *protocol.Reader, _ *protocol.Source) (coordinator.Call, error) {
	t, id, ok, err := schema.ReadTable(in)
	if err != nil {
		return nil, err
	}
	server, err := in.CompressedIntIn(protocol.Since(protocol.Version1_0A113), invalidate.AnyServer)
	if err != nil {
		return nil, err
	}
	version := in.Version()
	return func(ctx context.Context, x *coordinator.Exec) (coordinator.Result, error) {
		if !ok {
			return coordinator.Result{}, protocol.NewIOError("Unknown table ID for protocol %s: %d", version, id)
		}
		return coordinator.None(), h.InvalidateTable(ctx, x, t, server)
	}, nil
}

// InvalidateTable marks t changed for every account, optionally scoped to
// one server.
func (h *Handlers) InvalidateTable(ctx context.Context, x *coordinator.Exec, t schema.Table, server int32) error {
	acc, err := h.access(ctx, x)
	if err != nil {
		return err
	}
	if !acc.CanInvalidateTables() {
		return protocol.ErrPermissionDenied("Not allowed to invalidate tables: %s", acc.Username())
	}
	if server != invalidate.AnyServer {
		if err := requireServer(acc, server); err != nil {
			return err
		}
	}
	x.Ledger.MarkInvalid(t, invalidate.AnyAccount, server)
	return nil
}

func (h *Handlers) getAccessibleServers(ctx context.Context, x *coordinator.Exec) (coordinator.Result, error) {
	acc, err := h.access(ctx, x)
	if err != nil {
		return coordinator.Result{}, err
	}
	servers := acc.Servers()
	ids := make([]int64, len(servers))
	for i, s := range servers {
		ids[i] = int64(s)
	}
	return coordinator.LongArray(ids), nil
}

func (h *Handlers) getMasterStatus(ctx context.Context, x *coordinator.Exec) (coordinator.Result, error) {
	acc, err := h.access(ctx, x)
	if err != nil {
		return coordinator.Result{}, err
	}
	if err := requireMaster(acc); err != nil {
		return coordinator.Result{}, err
	}

	stats := h.deps.Processes.Stats()
	attr := func(name string, v int64, desc string) coordinator.Attribute {
		s := strconv.FormatInt(v, 10)
		return coordinator.Attribute{Name: name, Value: &s, Description: desc}
	}
	return coordinator.Attributes([]coordinator.Attribute{
		attr("concurrency", int64(stats.Concurrency), "Commands executing now"),
		attr("max_concurrency", int64(stats.MaxConcurrency), "Peak concurrent commands"),
		attr("total_requests", stats.TotalRequests, "Commands completed"),
		attr("total_time_ms", stats.TotalTime.Milliseconds(), "Time spent executing commands"),
		attr("total_connections", stats.TotalConnections, "Connections accepted"),
		attr("active_processes", int64(stats.ActiveProcesses), "Connections open now"),
	}), nil
}
