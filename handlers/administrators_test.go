package handlers

import (
	"context"
	"strings"
	"testing"

	"github.com/ao-apps/aoserv-master/coordinator"
	"github.com/ao-apps/aoserv-master/protocol"
	"github.com/ao-apps/aoserv-master/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdministratorLifecycle(t *testing.T) {
	hs := newHarness(t)

	o, err := hs.wire("acme", protocol.Current, protocol.CommandAdd, func(out *protocol.Writer) {
		writeTable(out, schema.Administrators)
		_ = out.WriteUTF("acme2")
		_ = out.WriteUTF("ACMESUB")
		_ = out.WriteUTF("hunter2")
		_ = out.WriteUTF("Acme Two")
	})
	require.NoError(t, err)
	assert.Equal(t, coordinator.ResultNone, o.result.Kind)
	assert.Equal(t, []string{"ACMESUB"}, o.ledger.AffectedAccounts(schema.Administrators))

	var stored string
	require.NoError(t, hs.pool.DB().QueryRow(`SELECT password FROM administrators WHERE username = 'acme2'`).Scan(&stored))
	assert.True(t, strings.HasPrefix(stored, "$2"), "stored as bcrypt")
	assert.NotContains(t, stored, "hunter2")

	_, err = hs.run("acme", func(ctx context.Context, x *coordinator.Exec) error {
		return hs.h.DisableAdministrator(ctx, x, "acme2", strPtr("left"))
	})
	require.NoError(t, err)
	assert.Equal(t, 1, hs.count(`SELECT COUNT(*) FROM administrators WHERE username = 'acme2' AND disable_log IS NOT NULL`))

	_, err = hs.run("acme", func(ctx context.Context, x *coordinator.Exec) error {
		return hs.h.DisableAdministrator(ctx, x, "acme2", nil)
	})
	assert.ErrorContains(t, err, "already disabled")

	_, err = hs.run("acme", func(ctx context.Context, x *coordinator.Exec) error {
		return hs.h.EnableAdministrator(ctx, x, "acme2")
	})
	require.NoError(t, err)

	_, err = hs.run("acme", func(ctx context.Context, x *coordinator.Exec) error {
		return hs.h.RemoveAdministrator(ctx, x, "acme2")
	})
	require.NoError(t, err)
	assert.Zero(t, hs.count(`SELECT COUNT(*) FROM administrators WHERE username = 'acme2'`))
}

func TestAdministratorPermissions(t *testing.T) {
	hs := newHarness(t)

	_, err := hs.run("acme", func(ctx context.Context, x *coordinator.Exec) error {
		return hs.h.AddAdministrator(ctx, x, "intruder", "BETA", "pw", "Intruder")
	})
	assert.Equal(t, protocol.ErrCodeAccessDenied, protocol.ConvertToSQLError(err).Code)

	_, err = hs.run("acme", func(ctx context.Context, x *coordinator.Exec) error {
		return hs.h.RemoveAdministrator(ctx, x, "acme")
	})
	assert.ErrorContains(t, err, "yourself")

	_, err = hs.run("acme", func(ctx context.Context, x *coordinator.Exec) error {
		return hs.h.DisableAdministrator(ctx, x, "beta", nil)
	})
	assert.Equal(t, protocol.ErrCodeAccessDenied, protocol.ConvertToSQLError(err).Code)

	_, err = hs.run("acme", func(ctx context.Context, x *coordinator.Exec) error {
		return hs.h.AddAdministrator(ctx, x, "nopass", "ACME", "", "No Password")
	})
	assert.ErrorContains(t, err, "Password required")
}

func TestMasterHosts(t *testing.T) {
	hs := newHarness(t)

	_, err := hs.run("acme", func(ctx context.Context, x *coordinator.Exec) error {
		_, err := hs.h.AddMasterHost(ctx, x, "acme", "192.0.2.1")
		return err
	})
	assert.Equal(t, protocol.ErrCodeAccessDenied, protocol.ConvertToSQLError(err).Code)

	o, err := hs.wire("root", protocol.Current, protocol.CommandAdd, func(out *protocol.Writer) {
		writeTable(out, schema.MasterHosts)
		_ = out.WriteUTF("ops")
		_ = out.WriteUTF("192.0.2.1")
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), o.result.Int)
	assert.Equal(t, []string{"AOINDUSTRIES"}, o.ledger.AffectedAccounts(schema.MasterHosts))

	_, err = hs.run("root", func(ctx context.Context, x *coordinator.Exec) error {
		_, err := hs.h.AddMasterHost(ctx, x, "ops", "192.0.2.1")
		return err
	})
	assert.Equal(t, protocol.ErrCodeDupEntry, protocol.ConvertToSQLError(err).Code)

	o, err = hs.wire("root", protocol.Current, protocol.CommandRemove, func(out *protocol.Writer) {
		writeTable(out, schema.MasterHosts)
		_ = out.WriteCompressedInt(3)
	})
	require.NoError(t, err)
	assert.True(t, o.ledger.IsInvalid(schema.MasterHosts))
	assert.Equal(t, 2, hs.count(`SELECT COUNT(*) FROM master_hosts WHERE username = 'ops'`))

	_, err = hs.run("root", func(ctx context.Context, x *coordinator.Exec) error {
		return hs.h.RemoveMasterHost(ctx, x, 99)
	})
	assert.ErrorContains(t, err, "Unable to find master host")
}
