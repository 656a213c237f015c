// Package handlers implements the per-table operations behind the domain
// commands and registers their wire decoders.
package handlers

import (
	"context"
	"database/sql"
	"errors"

	"github.com/ao-apps/aoserv-master/account"
	"github.com/ao-apps/aoserv-master/coordinator"
	"github.com/ao-apps/aoserv-master/db"
	"github.com/ao-apps/aoserv-master/process"
	"github.com/ao-apps/aoserv-master/protocol"
	"github.com/doug-martin/goqu/v9"
)

// Deps are the collaborators handlers read from.
type Deps struct {
	Caches    *account.Caches
	Processes *process.Registry
	// Now is the clock used for disable log and creation timestamps.
	Now func() int64
}

// Handlers executes domain commands.
type Handlers struct {
	deps Deps
}

// New creates handlers over deps.
func New(deps Deps) *Handlers {
	return &Handlers{deps: deps}
}

// Register adds every domain command to reg.
func Register(reg *coordinator.Registry, deps Deps) *Handlers {
	h := New(deps)
	reg.MustRegister(h.commands()...)
	return h
}

func (h *Handlers) commands() []coordinator.Command {
	return []coordinator.Command{
		{ID: protocol.CommandAdd, Kind: coordinator.KindWrite, SendInvalidateList: true, Decode: h.decodeAdd},
		{ID: protocol.CommandRemove, Kind: coordinator.KindWrite, SendInvalidateList: true, Decode: h.decodeRemove},
		{ID: protocol.CommandDisable, Kind: coordinator.KindWrite, SendInvalidateList: true, Decode: h.decodeDisable},
		{ID: protocol.CommandEnable, Kind: coordinator.KindWrite, SendInvalidateList: true, Decode: h.decodeEnable},
		{ID: protocol.CommandInvalidateTable, Kind: coordinator.KindWrite, SendInvalidateList: true, Decode: h.decodeInvalidateTable},
		{ID: protocol.CommandGetRowCount, Kind: coordinator.KindRead, Decode: h.decodeGetRowCount},
		{ID: protocol.CommandGetTable, Kind: coordinator.KindRead, QoS: coordinator.QoSBackground, Decode: h.decodeGetTable},
		{ID: protocol.CommandGetObject, Kind: coordinator.KindRead, Decode: h.decodeGetObject},
		{ID: protocol.CommandSetAccountDescription, Kind: coordinator.KindWrite, SendInvalidateList: true, Decode: h.decodeSetAccountDescription},
		{ID: protocol.CommandSetDefaultBusinessServer, Kind: coordinator.KindWrite, SendInvalidateList: true, Decode: h.decodeSetDefaultBusinessServer},
		{ID: protocol.CommandIsAccountNameAvailable, Kind: coordinator.KindRead, Decode: h.decodeIsAccountNameAvailable},
		{
			ID:     protocol.CommandGenerateAccountName,
			Range:  protocol.Since(protocol.Version1_30),
			Kind:   coordinator.KindRead,
			Decode: h.decodeGenerateAccountName,
		},
		{ID: protocol.CommandGetAccountDescription, Kind: coordinator.KindRead, Decode: h.decodeGetAccountDescription},
		{ID: protocol.CommandGetMasterStatus, Kind: coordinator.KindRead, Decode: coordinator.NoFields(h.getMasterStatus)},
		{
			ID:     protocol.CommandGetAccessibleServers,
			Range:  protocol.Since(protocol.Version1_44),
			Kind:   coordinator.KindRead,
			Decode: coordinator.NoFields(h.getAccessibleServers),
		},
	}
}

// access returns the effective user's visibility, loaded through the
// command's own connection.
func (h *Handlers) access(ctx context.Context, x *coordinator.Exec) (*account.Access, error) {
	return h.deps.Caches.Access(ctx, x.Conn, x.Source.EffectiveUser())
}

func (h *Handlers) now() int64 {
	return h.deps.Now()
}

func requireAccount(acc *account.Access, accounting string) error {
	if !acc.CanAccessAccount(accounting) {
		return protocol.ErrPermissionDenied("Not allowed to access account: %s", accounting)
	}
	return nil
}

func requireServer(acc *account.Access, server int32) error {
	if !acc.CanAccessServer(server) {
		return protocol.ErrPermissionDenied("Not allowed to access server: %d", server)
	}
	return nil
}

func requireMaster(acc *account.Access) error {
	if !acc.IsMaster() {
		return protocol.ErrPermissionDenied("Only master users may do this: %s", acc.Username())
	}
	return nil
}

// lookupString reads one string column; ok is false when no row matched.
func lookupString(ctx context.Context, conn *db.Conn, ds *goqu.SelectDataset) (string, bool, error) {
	row, err := conn.QueryRow(ctx, ds)
	if err != nil {
		return "", false, err
	}
	var s string
	switch err := row.Scan(&s); {
	case errors.Is(err, sql.ErrNoRows):
		return "", false, nil
	case err != nil:
		return "", false, err
	}
	return s, true, nil
}

// administratorAccount returns the account of username.
func administratorAccount(ctx context.Context, conn *db.Conn, username string) (string, error) {
	acct, ok, err := lookupString(ctx, conn, conn.Dialect().
		From("administrators").
		Select("accounting").
		Where(goqu.C("username").Eq(username)))
	if err != nil {
		return "", err
	}
	if !ok {
		return "", protocol.DomainError("Unable to find administrator: %s", username)
	}
	return acct, nil
}

// nullable maps a nil string to SQL NULL.
func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
