package handlers

import (
	"testing"

	"github.com/ao-apps/aoserv-master/coordinator"
	"github.com/ao-apps/aoserv-master/protocol"
	"github.com/ao-apps/aoserv-master/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rowReader reads the columns of a streamed row in order.
type rowReader struct {
	t  *testing.T
	in *protocol.Reader
}

func (r rowReader) next() {
	r.t.Helper()
	b, err := r.in.ReadByte()
	require.NoError(r.t, err)
	require.Equal(r.t, protocol.StatusNext, b)
}

func (r rowReader) ci() int32 {
	r.t.Helper()
	v, err := r.in.ReadCompressedInt()
	require.NoError(r.t, err)
	return v
}

func (r rowReader) long() int64 {
	r.t.Helper()
	v, err := r.in.ReadLong()
	require.NoError(r.t, err)
	return v
}

func (r rowReader) boolean() bool {
	r.t.Helper()
	v, err := r.in.ReadBoolean()
	require.NoError(r.t, err)
	return v
}

func (r rowReader) utf() string {
	r.t.Helper()
	v, err := r.in.ReadUTF()
	require.NoError(r.t, err)
	return v
}

func (r rowReader) nullUTF() *string {
	r.t.Helper()
	v, err := r.in.ReadNullUTF()
	require.NoError(r.t, err)
	return v
}

func (r rowReader) nullLongUTF() *string {
	r.t.Helper()
	v, err := r.in.ReadNullLongUTF()
	require.NoError(r.t, err)
	return v
}

func getTable(hs *harness, user string, v protocol.Version, id int32, progress bool) (outcome, error) {
	return hs.wire(user, v, protocol.CommandGetTable, func(out *protocol.Writer) {
		_ = out.WriteCompressedInt(id)
		_ = out.WriteBoolean(progress)
	})
}

func TestGetTableAccountsWithProgress(t *testing.T) {
	hs := newHarness(t)

	o, err := getTable(hs, "acme", protocol.Current, int32(schema.ToClient(schema.Accounts, protocol.Current)), true)
	require.NoError(t, err)
	assert.Equal(t, coordinator.ResultStreamed, o.result.Kind)
	assert.Zero(t, o.ledger.Len())

	r := rowReader{t, o.out}
	r.next()
	assert.Equal(t, int32(2), r.ci())

	for _, want := range []string{"ACME", "ACMESUB"} {
		r.next()
		assert.Equal(t, want, r.utf())
		require.NotNil(t, r.nullUTF())
		assert.Nil(t, r.nullLongUTF())
		assert.Equal(t, int32(-1), r.ci(), "disable_log")
		assert.Zero(t, r.long(), "created")
	}
	o.drained(t)
}

func TestGetTableRetiredColumnsForOldClients(t *testing.T) {
	hs := newHarness(t)

	old := protocol.Version1_0A101
	o, err := getTable(hs, "beta", old, int32(schema.ToClient(schema.BusinessServers, old)), false)
	require.NoError(t, err)

	r := rowReader{t, o.out}
	r.next()
	assert.Equal(t, int32(3), r.ci())
	assert.Equal(t, "BETA", r.utf())
	assert.Equal(t, int32(3), r.ci())
	assert.True(t, r.boolean(), "is_default")
	assert.False(t, r.boolean(), "can_control_apache")
	assert.False(t, r.boolean(), "can_control_cron")
	o.drained(t)

	o, err = getTable(hs, "beta", protocol.Current, int32(schema.ToClient(schema.BusinessServers, protocol.Current)), false)
	require.NoError(t, err)
	r = rowReader{t, o.out}
	r.next()
	assert.Equal(t, int32(3), r.ci())
	assert.Equal(t, "BETA", r.utf())
	assert.Equal(t, int32(3), r.ci())
	assert.True(t, r.boolean())
	o.drained(t)
}

func TestGetTableUnknownID(t *testing.T) {
	hs := newHarness(t)

	o, err := getTable(hs, "root", protocol.Current, 999, false)
	require.NoError(t, err)
	assert.Zero(t, o.written)

	o, err = getTable(hs, "root", protocol.Current, 999, true)
	require.NoError(t, err)
	r := rowReader{t, o.out}
	r.next()
	assert.Zero(t, r.ci())
	o.drained(t)
}

func TestGetTableMasterOnlyHiddenFromCustomers(t *testing.T) {
	hs := newHarness(t)

	o, err := getTable(hs, "acme", protocol.Current, int32(schema.ToClient(schema.MasterHosts, protocol.Current)), true)
	require.NoError(t, err)
	r := rowReader{t, o.out}
	r.next()
	assert.Zero(t, r.ci())
	o.drained(t)
}

func TestGetRowCount(t *testing.T) {
	hs := newHarness(t)

	tests := []struct {
		user  string
		table schema.Table
		want  int32
	}{
		{"acme", schema.Accounts, 2},
		{"acmesub", schema.Accounts, 1},
		{"root", schema.Accounts, 4},
		{"beta", schema.Servers, 1},
		{"acme", schema.Servers, 1},
		{"ops", schema.BusinessServers, 1},
		{"root", schema.BusinessServers, 3},
		{"acme", schema.MasterHosts, 0},
		{"ops", schema.MasterHosts, 2},
		{"acme", schema.Administrators, 2},
	}
	for _, tt := range tests {
		t.Run(tt.user+"/"+tt.table.String(), func(t *testing.T) {
			o, err := hs.wire(tt.user, protocol.Current, protocol.CommandGetRowCount, func(out *protocol.Writer) {
				writeTable(out, tt.table)
			})
			require.NoError(t, err)
			assert.Equal(t, coordinator.ResultCompressedInt, o.result.Kind)
			assert.Equal(t, tt.want, o.result.Int)
		})
	}

	o, err := hs.wire("root", protocol.Current, protocol.CommandGetRowCount, func(out *protocol.Writer) {
		_ = out.WriteCompressedInt(999)
	})
	require.NoError(t, err)
	assert.Zero(t, o.result.Int)
}

func TestGetObject(t *testing.T) {
	hs := newHarness(t)

	getObject := func(user string, table schema.Table, key string) outcome {
		o, err := hs.wire(user, protocol.Current, protocol.CommandGetObject, func(out *protocol.Writer) {
			writeTable(out, table)
			_ = out.WriteUTF(key)
		})
		require.NoError(t, err)
		assert.Equal(t, coordinator.ResultStreamed, o.result.Kind)
		return o
	}

	o := getObject("acme", schema.Accounts, "ACMESUB")
	r := rowReader{t, o.out}
	r.next()
	assert.Equal(t, "ACMESUB", r.utf())
	parent := r.nullUTF()
	require.NotNil(t, parent)
	assert.Equal(t, "ACME", *parent)
	r.nullLongUTF()
	r.ci()
	r.long()
	o.drained(t)

	assert.Zero(t, getObject("acme", schema.Accounts, "BETA").written, "invisible rows are not found")
	assert.Zero(t, getObject("acme", schema.BusinessServers, "two").written, "unparsable keys are not found")

	o = getObject("acme", schema.BusinessServers, "2")
	r = rowReader{t, o.out}
	r.next()
	assert.Equal(t, int32(2), r.ci())
	assert.Equal(t, "ACME", r.utf())
	assert.Equal(t, int32(2), r.ci())
	assert.True(t, r.boolean())
	o.drained(t)
}

func TestMasterProcessesVisibility(t *testing.T) {
	hs := newHarness(t)

	for _, user := range []string{"acme", "acmesub", "beta"} {
		p := hs.procs.Open(&protocol.Source{AuthenticatedAs: user, Version: protocol.Current, RemoteHost: "192.0.2.10"})
		t.Cleanup(func() { hs.procs.Close(p) })
	}

	count := func(user string) int32 {
		o, err := hs.wire(user, protocol.Current, protocol.CommandGetRowCount, func(out *protocol.Writer) {
			writeTable(out, schema.MasterProcesses)
		})
		require.NoError(t, err)
		return o.result.Int
	}
	assert.Equal(t, int32(2), count("acme"))
	assert.Equal(t, int32(1), count("acmesub"))
	assert.Equal(t, int32(1), count("beta"))
	assert.Equal(t, int32(3), count("root"))

	o, err := getTable(hs, "beta", protocol.Current, int32(schema.ToClient(schema.MasterProcesses, protocol.Current)), false)
	require.NoError(t, err)
	r := rowReader{t, o.out}
	r.next()
	assert.Equal(t, int64(3), r.long(), "process_id")
	assert.Zero(t, r.long(), "connector_id")
	assert.Equal(t, "beta", r.utf())
	assert.Equal(t, "beta", r.utf())
	assert.Equal(t, "192.0.2.10", r.utf())
	assert.Equal(t, protocol.Current.String(), r.utf())
	assert.False(t, r.boolean())
	assert.Positive(t, r.long(), "start_time")
	assert.Nil(t, r.nullUTF(), "idle")
	o.drained(t)

	assert.Equal(t, schema.Unsupported, schema.ToClient(schema.MasterProcesses, protocol.Version1_0A102))
}

func invalidateTable(hs *harness, user string, v protocol.Version, id int32, server int32) (outcome, error) {
	return hs.wire(user, v, protocol.CommandInvalidateTable, func(out *protocol.Writer) {
		_ = out.WriteCompressedInt(id)
		_ = out.WriteCompressedIntIn(protocol.Since(protocol.Version1_0A113), server)
	})
}

func TestInvalidateTable(t *testing.T) {
	hs := newHarness(t)
	bs := int32(schema.ToClient(schema.BusinessServers, protocol.Current))

	o, err := invalidateTable(hs, "root", protocol.Current, bs, 2)
	require.NoError(t, err)
	assert.Equal(t, []schema.Table{schema.BusinessServers}, o.ledger.Tables())
	assert.Empty(t, o.ledger.AffectedAccounts(schema.BusinessServers))
	assert.Equal(t, []int32{2}, o.ledger.AffectedServers(schema.BusinessServers))

	o, err = invalidateTable(hs, "root", protocol.Current, bs, -1)
	require.NoError(t, err)
	assert.True(t, o.ledger.IsInvalid(schema.BusinessServers))
	assert.Empty(t, o.ledger.AffectedServers(schema.BusinessServers))

	_, err = invalidateTable(hs, "ops", protocol.Current, bs, -1)
	assert.Equal(t, protocol.ErrCodeAccessDenied, protocol.ConvertToSQLError(err).Code)

	_, err = invalidateTable(hs, "acme", protocol.Current, bs, -1)
	assert.Equal(t, protocol.ErrCodeAccessDenied, protocol.ConvertToSQLError(err).Code)
}

func TestInvalidateTableOldLayoutHasNoServer(t *testing.T) {
	hs := newHarness(t)
	old := protocol.Version1_0A100

	o, err := invalidateTable(hs, "root", old, int32(schema.ToClient(schema.Accounts, old)), 2)
	require.NoError(t, err)
	assert.True(t, o.ledger.IsInvalid(schema.Accounts))
	assert.Empty(t, o.ledger.AffectedServers(schema.Accounts))
}

func TestInvalidateTableUnknownIDFailsAtExecution(t *testing.T) {
	hs := newHarness(t)

	o, err := invalidateTable(hs, "root", protocol.Current, 999, -1)
	require.Error(t, err)
	assert.True(t, protocol.IsIOError(err))
	assert.Zero(t, o.ledger.Len())
}

func TestWriteCommandsRejectUnknownTables(t *testing.T) {
	hs := newHarness(t)

	_, err := hs.wire("root", protocol.Current, protocol.CommandAdd, func(out *protocol.Writer) {
		_ = out.WriteCompressedInt(999)
	})
	require.Error(t, err)
	assert.True(t, protocol.IsIOError(err))

	_, err = hs.wire("root", protocol.Current, protocol.CommandRemove, func(out *protocol.Writer) {
		writeTable(out, schema.Servers)
	})
	require.Error(t, err)
	assert.True(t, protocol.IsIOError(err))

	_, err = hs.wire("root", protocol.Current, protocol.CommandDisable, func(out *protocol.Writer) {
		writeTable(out, schema.BusinessServers)
	})
	require.Error(t, err)
	assert.True(t, protocol.IsIOError(err))
}

func TestGetAccessibleServers(t *testing.T) {
	hs := newHarness(t)

	tests := []struct {
		user string
		want []int64
	}{
		{"root", []int64{1, 2, 3}},
		{"ops", []int64{3}},
		{"acme", []int64{2}},
		{"beta", []int64{3}},
	}
	for _, tt := range tests {
		t.Run(tt.user, func(t *testing.T) {
			o, err := hs.wire(tt.user, protocol.Current, protocol.CommandGetAccessibleServers, func(*protocol.Writer) {})
			require.NoError(t, err)
			assert.Equal(t, coordinator.ResultLongArray, o.result.Kind)
			assert.Equal(t, tt.want, o.result.Longs)
		})
	}
}

func TestGetMasterStatus(t *testing.T) {
	hs := newHarness(t)

	p := hs.procs.Open(&protocol.Source{AuthenticatedAs: "root", Version: protocol.Current})
	end := hs.procs.Begin(p, "PING")
	end()

	o, err := hs.wire("root", protocol.Current, protocol.CommandGetMasterStatus, func(*protocol.Writer) {})
	require.NoError(t, err)
	require.Equal(t, coordinator.ResultAttributes, o.result.Kind)

	values := map[string]string{}
	for _, a := range o.result.Attributes {
		require.NotNil(t, a.Value)
		values[a.Name] = *a.Value
	}
	assert.Equal(t, map[string]string{
		"concurrency":       "0",
		"max_concurrency":   "1",
		"total_requests":    "1",
		"total_time_ms":     values["total_time_ms"],
		"total_connections": "1",
		"active_processes":  "1",
	}, values)

	_, err = hs.wire("acme", protocol.Current, protocol.CommandGetMasterStatus, func(*protocol.Writer) {})
	assert.Equal(t, protocol.ErrCodeAccessDenied, protocol.ConvertToSQLError(err).Code)
}
