package handlers

import (
	"context"

	"github.com/ao-apps/aoserv-master/coordinator"
	"github.com/ao-apps/aoserv-master/protocol"
	"github.com/ao-apps/aoserv-master/schema"
)

// Write commands carry table-specific fields after the table ID, so a table
// the server cannot resolve leaves the rest of the request unreadable.
func readWriteTable(in *protocol.Reader, cmd protocol.CommandID) (schema.Table, error) {
	t, id, ok, err := schema.ReadTable(in)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, protocol.NewIOError("%s: unknown table ID for protocol %s: %d", cmd, in.Version(), id)
	}
	return t, nil
}

func unsupported(cmd protocol.CommandID, t schema.Table) error {
	return protocol.NewIOError("%s is not supported for table %s", cmd, t)
}

func noResult(fn func(ctx context.Context, x *coordinator.Exec) error) coordinator.Call {
	return func(ctx context.Context, x *coordinator.Exec) (coordinator.Result, error) {
		return coordinator.None(), fn(ctx, x)
	}
}

func idResult(fn func(ctx context.Context, x *coordinator.Exec) (int64, error)) coordinator.Call {
	return func(ctx context.Context, x *coordinator.Exec) (coordinator.Result, error) {
		id, err := fn(ctx, x)
		if err != nil {
			return coordinator.Result{}, err
		}
		v, err := compressedID(id)
		if err != nil {
			return coordinator.Result{}, err
		}
		return coordinator.CompressedInt(v), nil
	}
}

// compressedID fails for row IDs the wire cannot carry. The error is
// returned before commit, so the insert is rolled back.
func compressedID(id int64) (int32, error) {
	if id < protocol.MinCompressedInt || id > protocol.MaxCompressedInt {
		return 0, protocol.NewIOError("row ID out of range for compressed int: %d", id)
	}
	return int32(id), nil
}

// compressedCount saturates row counts at the largest compressed int.
func compressedCount(n int64) int32 {
	if n > protocol.MaxCompressedInt {
		return protocol.MaxCompressedInt
	}
	return int32(n)
}

func (h *Handlers) decodeAdd(in *protocol.Reader, _ *protocol.Source) (coordinator.Call, error) {
	t, err := readWriteTable(in, protocol.CommandAdd)
	if err != nil {
		return nil, err
	}

	switch t {
	case schema.Accounts:
		accounting, err := in.ReadUTF()
		if err != nil {
			return nil, err
		}
		parent, err := in.ReadUTF()
		if err != nil {
			return nil, err
		}
		description, err := in.ReadNullLongUTF()
		if err != nil {
			return nil, err
		}
		return noResult(func(ctx context.Context, x *coordinator.Exec) error {
			return h.AddAccount(ctx, x, accounting, parent, description)
		}), nil

	case schema.BusinessServers:
		accounting, err := in.ReadUTF()
		if err != nil {
			return nil, err
		}
		server, err := in.ReadCompressedInt()
		if err != nil {
			return nil, err
		}
		// Retired per-server control flags; read and dropped.
		retired := protocol.Until(protocol.Version1_0A102)
		if _, err := in.BooleanIn(retired, false); err != nil {
			return nil, err
		}
		if _, err := in.BooleanIn(retired, false); err != nil {
			return nil, err
		}
		isDefault, err := in.BooleanIn(protocol.Since(protocol.Version1_0A102), false)
		if err != nil {
			return nil, err
		}
		return idResult(func(ctx context.Context, x *coordinator.Exec) (int64, error) {
			return h.AddBusinessServer(ctx, x, accounting, server, isDefault)
		}), nil

	case schema.Administrators:
		var fields [4]string
		for i := range fields {
			if fields[i], err = in.ReadUTF(); err != nil {
				return nil, err
			}
		}
		username, accounting, password, fullName := fields[0], fields[1], fields[2], fields[3]
		return noResult(func(ctx context.Context, x *coordinator.Exec) error {
			return h.AddAdministrator(ctx, x, username, accounting, password, fullName)
		}), nil

	case schema.MasterHosts:
		username, err := in.ReadUTF()
		if err != nil {
			return nil, err
		}
		host, err := in.ReadUTF()
		if err != nil {
			return nil, err
		}
		return idResult(func(ctx context.Context, x *coordinator.Exec) (int64, error) {
			return h.AddMasterHost(ctx, x, username, host)
		}), nil

	default:
		return nil, unsupported(protocol.CommandAdd, t)
	}
}

func (h *Handlers) decodeRemove(in *protocol.Reader, _ *protocol.Source) (coordinator.Call, error) {
	t, err := readWriteTable(in, protocol.CommandRemove)
	if err != nil {
		return nil, err
	}

	switch t {
	case schema.Accounts:
		accounting, err := in.ReadUTF()
		if err != nil {
			return nil, err
		}
		return noResult(func(ctx context.Context, x *coordinator.Exec) error {
			return h.RemoveAccount(ctx, x, accounting)
		}), nil

	case schema.Administrators:
		username, err := in.ReadUTF()
		if err != nil {
			return nil, err
		}
		return noResult(func(ctx context.Context, x *coordinator.Exec) error {
			return h.RemoveAdministrator(ctx, x, username)
		}), nil

	case schema.BusinessServers:
		id, err := in.ReadCompressedInt()
		if err != nil {
			return nil, err
		}
		return noResult(func(ctx context.Context, x *coordinator.Exec) error {
			return h.RemoveBusinessServer(ctx, x, id)
		}), nil

	case schema.MasterHosts:
		id, err := in.ReadCompressedInt()
		if err != nil {
			return nil, err
		}
		return noResult(func(ctx context.Context, x *coordinator.Exec) error {
			return h.RemoveMasterHost(ctx, x, id)
		}), nil

	default:
		return nil, unsupported(protocol.CommandRemove, t)
	}
}

func (h *Handlers) decodeDisable(in *protocol.Reader, _ *protocol.Source) (coordinator.Call, error) {
	t, err := readWriteTable(in, protocol.CommandDisable)
	if err != nil {
		return nil, err
	}
	if t != schema.Accounts && t != schema.Administrators {
		return nil, unsupported(protocol.CommandDisable, t)
	}
	pkey, err := in.ReadUTF()
	if err != nil {
		return nil, err
	}
	reason, err := in.ReadNullUTF()
	if err != nil {
		return nil, err
	}
	return noResult(func(ctx context.Context, x *coordinator.Exec) error {
		if t == schema.Accounts {
			return h.DisableAccount(ctx, x, pkey, reason)
		}
		return h.DisableAdministrator(ctx, x, pkey, reason)
	}), nil
}

func (h *Handlers) decodeEnable(in *protocol.Reader, _ *protocol.Source) (coordinator.Call, error) {
	t, err := readWriteTable(in, protocol.CommandEnable)
	if err != nil {
		return nil, err
	}
	if t != schema.Accounts && t != schema.Administrators {
		return nil, unsupported(protocol.CommandEnable, t)
	}
	pkey, err := in.ReadUTF()
	if err != nil {
		return nil, err
	}
	return noResult(func(ctx context.Context, x *coordinator.Exec) error {
		if t == schema.Accounts {
			return h.EnableAccount(ctx, x, pkey)
		}
		return h.EnableAdministrator(ctx, x, pkey)
	}), nil
}
