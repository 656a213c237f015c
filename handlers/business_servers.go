package handlers

import (
	"context"
	"database/sql"
	"errors"

	"github.com/ao-apps/aoserv-master/coordinator"
	"github.com/ao-apps/aoserv-master/db"
	"github.com/ao-apps/aoserv-master/invalidate"
	"github.com/ao-apps/aoserv-master/protocol"
	"github.com/ao-apps/aoserv-master/schema"
	"github.com/doug-martin/goqu/v9"
)

type businessServer struct {
	id         int32
	accounting string
	server     int32
	isDefault  bool
}

func getBusinessServer(ctx context.Context, conn *db.Conn, id int32) (*businessServer, error) {
	row, err := conn.QueryRow(ctx, conn.Dialect().From("business_servers").
		Select("accounting", "server", "is_default").
		Where(goqu.C("id").Eq(id)))
	if err != nil {
		return nil, err
	}
	bs := &businessServer{id: id}
	switch err := row.Scan(&bs.accounting, &bs.server, &bs.isDefault); {
	case errors.Is(err, sql.ErrNoRows):
		return nil, protocol.DomainError("Unable to find business server: %d", id)
	case err != nil:
		return nil, err
	}
	return bs, nil
}

func clearDefault(ctx context.Context, conn *db.Conn, accounting string) error {
	_, err := conn.Exec(ctx, conn.Dialect().Update("business_servers").
		Set(goqu.Record{"is_default": false}).
		Where(goqu.C("accounting").Eq(accounting), goqu.C("is_default").Eq(true)))
	return err
}

// AddBusinessServer grants accounting the use of server and returns the new
// row id. The first server of an account always becomes its default.
func (h *Handlers) AddBusinessServer(ctx context.Context, x *coordinator.Exec, accounting string, server int32, isDefault bool) (int64, error) {
	acc, err := h.access(ctx, x)
	if err != nil {
		return 0, err
	}
	if err := requireAccount(acc, accounting); err != nil {
		return 0, err
	}
	if err := requireServer(acc, server); err != nil {
		return 0, err
	}

	conn := x.Conn
	hasAny, err := conn.Exists(ctx, conn.Dialect().From("business_servers").
		Where(goqu.C("accounting").Eq(accounting)))
	if err != nil {
		return 0, err
	}
	if !hasAny {
		isDefault = true
	} else if isDefault {
		if err := clearDefault(ctx, conn, accounting); err != nil {
			return 0, err
		}
		x.Ledger.MarkInvalid(schema.BusinessServers, accounting, invalidate.AnyServer)
	}

	res, err := conn.Exec(ctx, conn.Dialect().Insert("business_servers").Rows(goqu.Record{
		"accounting": accounting,
		"server":     server,
		"is_default": isDefault,
	}))
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	x.Ledger.MarkInvalid(schema.BusinessServers, accounting, server)
	return id, nil
}

// RemoveBusinessServer revokes one server from an account. The default
// server may only go last.
func (h *Handlers) RemoveBusinessServer(ctx context.Context, x *coordinator.Exec, id int32) error {
	acc, err := h.access(ctx, x)
	if err != nil {
		return err
	}
	conn := x.Conn
	bs, err := getBusinessServer(ctx, conn, id)
	if err != nil {
		return err
	}
	if err := requireAccount(acc, bs.accounting); err != nil {
		return err
	}

	if bs.isDefault {
		others, err := conn.Exists(ctx, conn.Dialect().From("business_servers").
			Where(goqu.C("accounting").Eq(bs.accounting), goqu.C("id").Neq(id)))
		if err != nil {
			return err
		}
		if others {
			return protocol.DomainError("Not allowed to remove the default server of %s while others remain", bs.accounting)
		}
	}

	if _, err := conn.Exec(ctx, conn.Dialect().Delete("business_servers").
		Where(goqu.C("id").Eq(id))); err != nil {
		return err
	}
	x.Ledger.MarkInvalid(schema.BusinessServers, bs.accounting, bs.server)
	return nil
}

func (h *Handlers) decodeSetDefaultBusinessServer(in *protocol.Reader, _ *protocol.Source) (coordinator.Call, error) {
	id, err := in.ReadCompressedInt()
	if err != nil {
		return nil, err
	}
	return noResult(func(ctx context.Context, x *coordinator.Exec) error {
		return h.SetDefaultBusinessServer(ctx, x, id)
	}), nil
}

// SetDefaultBusinessServer makes one business server the account default.
func (h *Handlers) SetDefaultBusinessServer(ctx context.Context, x *coordinator.Exec, id int32) error {
	acc, err := h.access(ctx, x)
	if err != nil {
		return err
	}
	conn := x.Conn
	bs, err := getBusinessServer(ctx, conn, id)
	if err != nil {
		return err
	}
	if err := requireAccount(acc, bs.accounting); err != nil {
		return err
	}
	if bs.isDefault {
		return nil
	}

	if err := clearDefault(ctx, conn, bs.accounting); err != nil {
		return err
	}
	if _, err := conn.Exec(ctx, conn.Dialect().Update("business_servers").
		Set(goqu.Record{"is_default": true}).
		Where(goqu.C("id").Eq(id))); err != nil {
		return err
	}
	x.Ledger.MarkInvalid(schema.BusinessServers, bs.accounting, invalidate.AnyServer)
	return nil
}
