package handlers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/ao-apps/aoserv-master/coordinator"
	"github.com/ao-apps/aoserv-master/db"
	"github.com/ao-apps/aoserv-master/invalidate"
	"github.com/ao-apps/aoserv-master/protocol"
	"github.com/ao-apps/aoserv-master/schema"
	"github.com/doug-martin/goqu/v9"
)

const (
	minAccountName = 2
	maxAccountName = 32
)

// ValidateAccountName checks the accounting code format: an upper-case
// letter followed by upper-case letters, digits or underscores.
func ValidateAccountName(name string) error {
	if len(name) < minAccountName || len(name) > maxAccountName {
		return fmt.Errorf("account name must be %d to %d characters: %q", minAccountName, maxAccountName, name)
	}
	for i, ch := range name {
		switch {
		case ch >= 'A' && ch <= 'Z':
		case i > 0 && (ch >= '0' && ch <= '9' || ch == '_'):
		default:
			return fmt.Errorf("invalid character %q at position %d in account name %q", ch, i, name)
		}
	}
	return nil
}

func accounts(conn *db.Conn) *goqu.SelectDataset {
	return conn.Dialect().From("accounts")
}

// accountParent returns the parent of accounting, "" for the root.
func accountParent(ctx context.Context, conn *db.Conn, accounting string) (string, error) {
	row, err := conn.QueryRow(ctx, accounts(conn).
		Select("parent").
		Where(goqu.C("accounting").Eq(accounting)))
	if err != nil {
		return "", err
	}
	var parent sql.NullString
	switch err := row.Scan(&parent); {
	case errors.Is(err, sql.ErrNoRows):
		return "", protocol.DomainError("Unable to find account: %s", accounting)
	case err != nil:
		return "", err
	}
	return parent.String, nil
}

func markAccount(ledger *invalidate.List, accounting, parent string) {
	ledger.MarkInvalid(schema.Accounts, accounting, invalidate.AnyServer)
	if parent != "" {
		ledger.MarkInvalid(schema.Accounts, parent, invalidate.AnyServer)
	}
}

// AddAccount creates a sub-account of parent.
func (h *Handlers) AddAccount(ctx context.Context, x *coordinator.Exec, accounting, parent string, description *string) error {
	if err := ValidateAccountName(accounting); err != nil {
		return protocol.DomainError("%s", err)
	}
	if parent == "" {
		return protocol.DomainError("Parent account required for %s", accounting)
	}
	acc, err := h.access(ctx, x)
	if err != nil {
		return err
	}
	if err := requireAccount(acc, parent); err != nil {
		return err
	}

	if _, err := x.Conn.Exec(ctx, x.Conn.Dialect().Insert("accounts").Rows(goqu.Record{
		"accounting":  accounting,
		"parent":      parent,
		"description": nullable(description),
		"created":     h.now(),
	})); err != nil {
		return err
	}
	markAccount(x.Ledger, accounting, parent)
	return nil
}

// RemoveAccount deletes an account. Rows still referencing it make the
// database reject the delete.
func (h *Handlers) RemoveAccount(ctx context.Context, x *coordinator.Exec, accounting string) error {
	acc, err := h.access(ctx, x)
	if err != nil {
		return err
	}
	if accounting == acc.Account() {
		return protocol.DomainError("Not allowed to remove your own account: %s", accounting)
	}
	if err := requireAccount(acc, accounting); err != nil {
		return err
	}
	parent, err := accountParent(ctx, x.Conn, accounting)
	if err != nil {
		return err
	}

	if _, err := x.Conn.Exec(ctx, x.Conn.Dialect().Delete("accounts").
		Where(goqu.C("accounting").Eq(accounting))); err != nil {
		return err
	}
	markAccount(x.Ledger, accounting, parent)
	return nil
}

// insertDisableLog records who disabled something in accounting and why.
func (h *Handlers) insertDisableLog(ctx context.Context, x *coordinator.Exec, accounting string, reason *string) (int64, error) {
	res, err := x.Conn.Exec(ctx, x.Conn.Dialect().Insert("disable_log").Rows(goqu.Record{
		"accounting":  accounting,
		"disabled_by": x.Source.EffectiveUser(),
		"reason":      nullable(reason),
		"time":        h.now(),
	}))
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	x.Ledger.MarkInvalid(schema.DisableLog, accounting, invalidate.AnyServer)
	return id, nil
}

func disableLogOf(ctx context.Context, conn *db.Conn, table, keyColumn, key string) (sql.NullInt64, error) {
	row, err := conn.QueryRow(ctx, conn.Dialect().From(table).
		Select("disable_log").
		Where(goqu.C(keyColumn).Eq(key)))
	if err != nil {
		return sql.NullInt64{}, err
	}
	var dl sql.NullInt64
	switch err := row.Scan(&dl); {
	case errors.Is(err, sql.ErrNoRows):
		return dl, protocol.DomainError("Unable to find %s: %s", table, key)
	case err != nil:
		return dl, err
	}
	return dl, nil
}

// DisableAccount disables an account and logs the reason.
func (h *Handlers) DisableAccount(ctx context.Context, x *coordinator.Exec, accounting string, reason *string) error {
	acc, err := h.access(ctx, x)
	if err != nil {
		return err
	}
	if accounting == acc.Account() {
		return protocol.DomainError("Not allowed to disable your own account: %s", accounting)
	}
	if err := requireAccount(acc, accounting); err != nil {
		return err
	}
	dl, err := disableLogOf(ctx, x.Conn, "accounts", "accounting", accounting)
	if err != nil {
		return err
	}
	if dl.Valid {
		return protocol.DomainError("Account already disabled: %s", accounting)
	}

	id, err := h.insertDisableLog(ctx, x, accounting, reason)
	if err != nil {
		return err
	}
	if _, err := x.Conn.Exec(ctx, x.Conn.Dialect().Update("accounts").
		Set(goqu.Record{"disable_log": id}).
		Where(goqu.C("accounting").Eq(accounting))); err != nil {
		return err
	}
	x.Ledger.MarkInvalid(schema.Accounts, accounting, invalidate.AnyServer)
	return nil
}

// EnableAccount clears the disable log reference of an account.
func (h *Handlers) EnableAccount(ctx context.Context, x *coordinator.Exec, accounting string) error {
	acc, err := h.access(ctx, x)
	if err != nil {
		return err
	}
	if err := requireAccount(acc, accounting); err != nil {
		return err
	}
	dl, err := disableLogOf(ctx, x.Conn, "accounts", "accounting", accounting)
	if err != nil {
		return err
	}
	if !dl.Valid {
		return protocol.DomainError("Account is not disabled: %s", accounting)
	}

	if _, err := x.Conn.Exec(ctx, x.Conn.Dialect().Update("accounts").
		Set(goqu.Record{"disable_log": nil}).
		Where(goqu.C("accounting").Eq(accounting))); err != nil {
		return err
	}
	x.Ledger.MarkInvalid(schema.Accounts, accounting, invalidate.AnyServer)
	return nil
}

func (h *Handlers) decodeSetAccountDescription(in *protocol.Reader, _ *protocol.Source) (coordinator.Call, error) {
	accounting, err := in.ReadUTF()
	if err != nil {
		return nil, err
	}
	description, err := in.ReadNullLongUTF()
	if err != nil {
		return nil, err
	}
	return noResult(func(ctx context.Context, x *coordinator.Exec) error {
		return h.SetAccountDescription(ctx, x, accounting, description)
	}), nil
}

// SetAccountDescription replaces the description of an account.
func (h *Handlers) SetAccountDescription(ctx context.Context, x *coordinator.Exec, accounting string, description *string) error {
	acc, err := h.access(ctx, x)
	if err != nil {
		return err
	}
	if err := requireAccount(acc, accounting); err != nil {
		return err
	}
	res, err := x.Conn.Exec(ctx, x.Conn.Dialect().Update("accounts").
		Set(goqu.Record{"description": nullable(description)}).
		Where(goqu.C("accounting").Eq(accounting)))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return protocol.DomainError("Unable to find account: %s", accounting)
	}
	x.Ledger.MarkInvalid(schema.Accounts, accounting, invalidate.AnyServer)
	return nil
}

func (h *Handlers) decodeGetAccountDescription(in *protocol.Reader, _ *protocol.Source) (coordinator.Call, error) {
	accounting, err := in.ReadUTF()
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, x *coordinator.Exec) (coordinator.Result, error) {
		description, err := h.GetAccountDescription(ctx, x, accounting)
		if err != nil {
			return coordinator.Result{}, err
		}
		return coordinator.NullLongUTF(description), nil
	}, nil
}

// GetAccountDescription returns the description of an account.
func (h *Handlers) GetAccountDescription(ctx context.Context, x *coordinator.Exec, accounting string) (*string, error) {
	acc, err := h.access(ctx, x)
	if err != nil {
		return nil, err
	}
	if err := requireAccount(acc, accounting); err != nil {
		return nil, err
	}
	row, err := x.Conn.QueryRow(ctx, accounts(x.Conn).
		Select("description").
		Where(goqu.C("accounting").Eq(accounting)))
	if err != nil {
		return nil, err
	}
	var description sql.NullString
	switch err := row.Scan(&description); {
	case errors.Is(err, sql.ErrNoRows):
		return nil, protocol.DomainError("Unable to find account: %s", accounting)
	case err != nil:
		return nil, err
	}
	if !description.Valid {
		return nil, nil
	}
	return &description.String, nil
}

func (h *Handlers) decodeIsAccountNameAvailable(in *protocol.Reader, _ *protocol.Source) (coordinator.Call, error) {
	accounting, err := in.ReadUTF()
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, x *coordinator.Exec) (coordinator.Result, error) {
		available, err := h.IsAccountNameAvailable(ctx, x, accounting)
		if err != nil {
			return coordinator.Result{}, err
		}
		return coordinator.Boolean(available), nil
	}, nil
}

// IsAccountNameAvailable reports whether accounting is valid and unused.
func (h *Handlers) IsAccountNameAvailable(ctx context.Context, x *coordinator.Exec, accounting string) (bool, error) {
	if err := ValidateAccountName(accounting); err != nil {
		return false, protocol.DomainError("%s", err)
	}
	exists, err := x.Conn.Exists(ctx, accounts(x.Conn).Where(goqu.C("accounting").Eq(accounting)))
	if err != nil {
		return false, err
	}
	return !exists, nil
}

func (h *Handlers) decodeGenerateAccountName(in *protocol.Reader, _ *protocol.Source) (coordinator.Call, error) {
	template, err := in.ReadUTF()
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, x *coordinator.Exec) (coordinator.Result, error) {
		name, err := h.GenerateAccountName(ctx, x, template)
		if err != nil {
			return coordinator.Result{}, err
		}
		return coordinator.UTF(name), nil
	}, nil
}

// GenerateAccountName returns template followed by the smallest positive
// counter not already taken.
func (h *Handlers) GenerateAccountName(ctx context.Context, x *coordinator.Exec, template string) (string, error) {
	if err := ValidateAccountName(template + "1"); err != nil {
		return "", protocol.DomainError("Unable to generate account name from template %q: %s", template, err)
	}
	taken, err := takenCounters(ctx, x.Conn, template)
	if err != nil {
		return "", err
	}
	for i := 1; ; i++ {
		if _, ok := taken[i]; ok {
			continue
		}
		name := template + strconv.Itoa(i)
		if err := ValidateAccountName(name); err != nil {
			return "", protocol.DomainError("Unable to generate account name from template %q: %s", template, err)
		}
		return name, nil
	}
}

// takenCounters returns the counters used by accounts named template
// followed by digits.
func takenCounters(ctx context.Context, conn *db.Conn, template string) (map[int]struct{}, error) {
	pattern := "^" + regexp.QuoteMeta(template) + "[0-9]+$"
	rows, err := conn.Query(ctx, accounts(conn).
		Select("accounting").
		Where(goqu.L("accounting REGEXP ?", pattern)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	taken := make(map[int]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		if n, err := strconv.Atoi(name[len(template):]); err == nil {
			taken[n] = struct{}{}
		}
	}
	return taken, rows.Err()
}
