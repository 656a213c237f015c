package handlers

import (
	"context"
	"fmt"
	"testing"

	"github.com/ao-apps/aoserv-master/coordinator"
	"github.com/ao-apps/aoserv-master/db"
	"github.com/ao-apps/aoserv-master/protocol"
	"github.com/ao-apps/aoserv-master/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddBusinessServerFirstBecomesDefault(t *testing.T) {
	hs := newHarness(t)

	o, err := hs.wire("root", protocol.Current, protocol.CommandAdd, func(out *protocol.Writer) {
		writeTable(out, schema.BusinessServers)
		_ = out.WriteUTF("ACMESUB")
		_ = out.WriteCompressedInt(2)
		_ = out.WriteBoolean(false)
	})
	require.NoError(t, err)
	assert.Equal(t, coordinator.ResultCompressedInt, o.result.Kind)
	assert.Equal(t, int32(4), o.result.Int)
	assert.Equal(t, []string{"ACMESUB"}, o.ledger.AffectedAccounts(schema.BusinessServers))
	assert.Equal(t, []int32{2}, o.ledger.AffectedServers(schema.BusinessServers))
	assert.Equal(t, 1, hs.count(`SELECT COUNT(*) FROM business_servers WHERE id = 4 AND is_default = 1`))
}

func TestAddBusinessServerOldProtocol(t *testing.T) {
	hs := newHarness(t)

	o, err := hs.wire("root", protocol.Version1_0A101, protocol.CommandAdd, func(out *protocol.Writer) {
		writeTable(out, schema.BusinessServers)
		_ = out.WriteUTF("ACMESUB")
		_ = out.WriteCompressedInt(2)
		_ = out.WriteBoolean(true) // can_control_apache
		_ = out.WriteBoolean(true) // can_control_cron
	})
	require.NoError(t, err)
	assert.Equal(t, int32(4), o.result.Int)
	assert.Equal(t, 1, hs.count(`SELECT COUNT(*) FROM business_servers WHERE accounting = 'ACMESUB' AND server = 2 AND is_default = 1`))
}

func TestBusinessServerDefaultRules(t *testing.T) {
	hs := newHarness(t)

	var newID int64
	ledger, err := hs.run("root", func(ctx context.Context, x *coordinator.Exec) error {
		var err error
		newID, err = hs.h.AddBusinessServer(ctx, x, "ACME", 1, true)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(4), newID)
	assert.Empty(t, ledger.AffectedServers(schema.BusinessServers), "clearing the old default touches every server")
	assert.Equal(t, 1, hs.count(`SELECT COUNT(*) FROM business_servers WHERE accounting = 'ACME' AND is_default = 1`))
	assert.Equal(t, 1, hs.count(`SELECT COUNT(*) FROM business_servers WHERE id = 4 AND is_default = 1`))

	_, err = hs.run("root", func(ctx context.Context, x *coordinator.Exec) error {
		return hs.h.RemoveBusinessServer(ctx, x, 4)
	})
	assert.ErrorContains(t, err, "default server")

	_, err = hs.run("acme", func(ctx context.Context, x *coordinator.Exec) error {
		return hs.h.SetDefaultBusinessServer(ctx, x, 2)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, hs.count(`SELECT COUNT(*) FROM business_servers WHERE id = 2 AND is_default = 1`))
	assert.Equal(t, 1, hs.count(`SELECT COUNT(*) FROM business_servers WHERE accounting = 'ACME' AND is_default = 1`))

	ledger, err = hs.run("root", func(ctx context.Context, x *coordinator.Exec) error {
		return hs.h.RemoveBusinessServer(ctx, x, 4)
	})
	require.NoError(t, err)
	assert.Equal(t, []int32{1}, ledger.AffectedServers(schema.BusinessServers))
	assert.Zero(t, hs.count(`SELECT COUNT(*) FROM business_servers WHERE id = 4`))
}

func TestAddBusinessServerRequiresServerAccess(t *testing.T) {
	hs := newHarness(t)

	_, err := hs.run("acme", func(ctx context.Context, x *coordinator.Exec) error {
		_, err := hs.h.AddBusinessServer(ctx, x, "ACMESUB", 1, false)
		return err
	})
	assert.Equal(t, protocol.ErrCodeAccessDenied, protocol.ConvertToSQLError(err).Code)

	_, err = hs.run("acme", func(ctx context.Context, x *coordinator.Exec) error {
		_, err := hs.h.AddBusinessServer(ctx, x, "ACMESUB", 2, false)
		return err
	})
	assert.NoError(t, err)
}

func TestAddBusinessServerDuplicateViolatesConstraint(t *testing.T) {
	hs := newHarness(t)

	_, err := hs.run("root", func(ctx context.Context, x *coordinator.Exec) error {
		_, err := hs.h.AddBusinessServer(ctx, x, "ACME", 2, false)
		return err
	})
	require.Error(t, err)
	assert.Equal(t, protocol.ErrCodeDupEntry, protocol.ConvertToSQLError(err).Code)
}

func TestAddBusinessServerIDOutOfRange(t *testing.T) {
	hs := newHarness(t)
	db.MustExec(t, hs.pool, fmt.Sprintf(
		`INSERT INTO business_servers (id, accounting, server, is_default) VALUES (%d, 'BETA', 2, 0)`,
		protocol.MaxCompressedInt))

	_, err := hs.wire("root", protocol.Current, protocol.CommandAdd, func(out *protocol.Writer) {
		writeTable(out, schema.BusinessServers)
		_ = out.WriteUTF("ACMESUB")
		_ = out.WriteCompressedInt(2)
		_ = out.WriteBoolean(false)
	})
	require.Error(t, err)
	assert.True(t, protocol.IsIOError(err))
	assert.ErrorContains(t, err, "out of range")
	assert.Zero(t, hs.count(`SELECT COUNT(*) FROM business_servers WHERE accounting = 'ACMESUB'`), "insert rolled back")
}

func TestCompressedCountSaturates(t *testing.T) {
	assert.Equal(t, int32(7), compressedCount(7))
	assert.Equal(t, int32(protocol.MaxCompressedInt), compressedCount(protocol.MaxCompressedInt+1))
	assert.Equal(t, int32(protocol.MaxCompressedInt), compressedCount(1<<40))
}
