package handlers

import (
	"context"

	"github.com/ao-apps/aoserv-master/account"
	"github.com/ao-apps/aoserv-master/coordinator"
	"github.com/ao-apps/aoserv-master/invalidate"
	"github.com/ao-apps/aoserv-master/protocol"
	"github.com/ao-apps/aoserv-master/schema"
	"github.com/doug-martin/goqu/v9"
)

// AddAdministrator creates a login in accounting. The password is stored
// as a bcrypt hash.
func (h *Handlers) AddAdministrator(ctx context.Context, x *coordinator.Exec, username, accounting, password, fullName string) error {
	if username == "" {
		return protocol.DomainError("Username required")
	}
	if password == "" {
		return protocol.DomainError("Password required for %s", username)
	}
	acc, err := h.access(ctx, x)
	if err != nil {
		return err
	}
	if err := requireAccount(acc, accounting); err != nil {
		return err
	}

	hash, err := account.HashPassword(password)
	if err != nil {
		return err
	}
	if _, err := x.Conn.Exec(ctx, x.Conn.Dialect().Insert("administrators").Rows(goqu.Record{
		"username":   username,
		"accounting": accounting,
		"password":   hash,
		"full_name":  fullName,
	})); err != nil {
		return err
	}
	x.Ledger.MarkInvalid(schema.Administrators, accounting, invalidate.AnyServer)
	return nil
}

// administratorTarget checks that username may be changed by the effective
// user and returns its account.
func (h *Handlers) administratorTarget(ctx context.Context, x *coordinator.Exec, username, verb string) (string, error) {
	acc, err := h.access(ctx, x)
	if err != nil {
		return "", err
	}
	if username == acc.Username() {
		return "", protocol.DomainError("Not allowed to %s yourself: %s", verb, username)
	}
	accounting, err := administratorAccount(ctx, x.Conn, username)
	if err != nil {
		return "", err
	}
	if err := requireAccount(acc, accounting); err != nil {
		return "", err
	}
	return accounting, nil
}

// RemoveAdministrator deletes a login.
func (h *Handlers) RemoveAdministrator(ctx context.Context, x *coordinator.Exec, username string) error {
	accounting, err := h.administratorTarget(ctx, x, username, "remove")
	if err != nil {
		return err
	}
	if _, err := x.Conn.Exec(ctx, x.Conn.Dialect().Delete("administrators").
		Where(goqu.C("username").Eq(username))); err != nil {
		return err
	}
	x.Ledger.MarkInvalid(schema.Administrators, accounting, invalidate.AnyServer)
	return nil
}

// DisableAdministrator disables a login and logs the reason.
func (h *Handlers) DisableAdministrator(ctx context.Context, x *coordinator.Exec, username string, reason *string) error {
	accounting, err := h.administratorTarget(ctx, x, username, "disable")
	if err != nil {
		return err
	}
	dl, err := disableLogOf(ctx, x.Conn, "administrators", "username", username)
	if err != nil {
		return err
	}
	if dl.Valid {
		return protocol.DomainError("Administrator already disabled: %s", username)
	}

	id, err := h.insertDisableLog(ctx, x, accounting, reason)
	if err != nil {
		return err
	}
	if _, err := x.Conn.Exec(ctx, x.Conn.Dialect().Update("administrators").
		Set(goqu.Record{"disable_log": id}).
		Where(goqu.C("username").Eq(username))); err != nil {
		return err
	}
	x.Ledger.MarkInvalid(schema.Administrators, accounting, invalidate.AnyServer)
	return nil
}

// EnableAdministrator clears the disable log reference of a login.
func (h *Handlers) EnableAdministrator(ctx context.Context, x *coordinator.Exec, username string) error {
	accounting, err := h.administratorTarget(ctx, x, username, "enable")
	if err != nil {
		return err
	}
	dl, err := disableLogOf(ctx, x.Conn, "administrators", "username", username)
	if err != nil {
		return err
	}
	if !dl.Valid {
		return protocol.DomainError("Administrator is not disabled: %s", username)
	}

	if _, err := x.Conn.Exec(ctx, x.Conn.Dialect().Update("administrators").
		Set(goqu.Record{"disable_log": nil}).
		Where(goqu.C("username").Eq(username))); err != nil {
		return err
	}
	x.Ledger.MarkInvalid(schema.Administrators, accounting, invalidate.AnyServer)
	return nil
}

// AddMasterHost allows username to connect from host and returns the new
// row id.
func (h *Handlers) AddMasterHost(ctx context.Context, x *coordinator.Exec, username, host string) (int64, error) {
	acc, err := h.access(ctx, x)
	if err != nil {
		return 0, err
	}
	if err := requireMaster(acc); err != nil {
		return 0, err
	}
	if !acc.CanAccessUser(username) {
		return 0, protocol.ErrPermissionDenied("Not allowed to access administrator: %s", username)
	}
	if host == "" {
		return 0, protocol.DomainError("Host required for %s", username)
	}
	accounting, err := administratorAccount(ctx, x.Conn, username)
	if err != nil {
		return 0, err
	}

	res, err := x.Conn.Exec(ctx, x.Conn.Dialect().Insert("master_hosts").Rows(goqu.Record{
		"username": username,
		"host":     host,
	}))
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	x.Ledger.MarkInvalid(schema.MasterHosts, accounting, invalidate.AnyServer)
	return id, nil
}

// RemoveMasterHost removes one allow-list entry.
func (h *Handlers) RemoveMasterHost(ctx context.Context, x *coordinator.Exec, id int32) error {
	acc, err := h.access(ctx, x)
	if err != nil {
		return err
	}
	if err := requireMaster(acc); err != nil {
		return err
	}
	username, ok, err := lookupString(ctx, x.Conn, x.Conn.Dialect().
		From("master_hosts").
		Select("username").
		Where(goqu.C("id").Eq(id)))
	if err != nil {
		return err
	}
	if !ok {
		return protocol.DomainError("Unable to find master host: %d", id)
	}
	if !acc.CanAccessUser(username) {
		return protocol.ErrPermissionDenied("Not allowed to access administrator: %s", username)
	}
	accounting, err := administratorAccount(ctx, x.Conn, username)
	if err != nil {
		return err
	}

	if _, err := x.Conn.Exec(ctx, x.Conn.Dialect().Delete("master_hosts").
		Where(goqu.C("id").Eq(id))); err != nil {
		return err
	}
	x.Ledger.MarkInvalid(schema.MasterHosts, accounting, invalidate.AnyServer)
	return nil
}
