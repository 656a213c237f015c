package handlers

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/ao-apps/aoserv-master/account"
	"github.com/ao-apps/aoserv-master/coordinator"
	"github.com/ao-apps/aoserv-master/db"
	"github.com/ao-apps/aoserv-master/invalidate"
	"github.com/ao-apps/aoserv-master/process"
	"github.com/ao-apps/aoserv-master/protocol"
	"github.com/ao-apps/aoserv-master/schema"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const fixedNow = int64(1_700_000_000_000)

type harness struct {
	t      *testing.T
	pool   *db.Pool
	caches *account.Caches
	procs  *process.Registry
	reg    *coordinator.Registry
	h      *Handlers
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	pool := db.NewTestPool(t, 4)
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	db.SeedFixture(t, pool, string(hash))

	hs := &harness{
		t:      t,
		pool:   pool,
		caches: account.NewCaches(pool),
		procs:  process.NewRegistry(16),
		reg:    coordinator.NewRegistry(),
	}
	hs.h = Register(hs.reg, Deps{
		Caches:    hs.caches,
		Processes: hs.procs,
		Now:       func() int64 { return fixedNow },
	})
	return hs
}

// outcome is what one executed command left behind.
type outcome struct {
	result coordinator.Result
	ledger *invalidate.List
	out    *protocol.Reader
	// written is the number of response bytes the command produced.
	written int
}

// do runs fn in its own transaction as user. Writes commit and clear the
// master caches the way the broadcaster does; failures roll back.
func (hs *harness) do(user string, v protocol.Version, readOnly bool, fn coordinator.Call) (outcome, error) {
	hs.t.Helper()
	ctx := context.Background()
	conn, err := hs.pool.Acquire(ctx)
	require.NoError(hs.t, err)
	defer conn.Release()

	var buf bytes.Buffer
	x := &coordinator.Exec{
		Conn:   conn,
		Source: &protocol.Source{ConnectorID: 1, AuthenticatedAs: user, Version: v},
		Ledger: invalidate.New(),
		Out:    protocol.NewWriter(&buf, v),
	}

	res, err := fn(ctx, x)
	require.NoError(hs.t, x.Out.Flush())
	if err != nil || readOnly {
		require.NoError(hs.t, conn.Rollback())
	} else {
		require.NoError(hs.t, conn.Commit())
		hs.caches.InvalidateTables(x.Ledger.Tables())
	}
	return outcome{
		result:  res,
		ledger:  x.Ledger,
		out:     protocol.NewReader(bytes.NewReader(buf.Bytes()), v),
		written: buf.Len(),
	}, err
}

// run executes fn as a write at the current version.
func (hs *harness) run(user string, fn func(ctx context.Context, x *coordinator.Exec) error) (*invalidate.List, error) {
	hs.t.Helper()
	o, err := hs.do(user, protocol.Current, false, noResult(fn))
	return o.ledger, err
}

// wire encodes a request, decodes it through the registered command and
// executes it.
func (hs *harness) wire(user string, v protocol.Version, id protocol.CommandID, write func(out *protocol.Writer)) (outcome, error) {
	hs.t.Helper()
	cmd, ok := hs.reg.Lookup(id)
	require.True(hs.t, ok, "command %s registered", id)

	var req bytes.Buffer
	w := protocol.NewWriter(&req, v)
	write(w)
	require.NoError(hs.t, w.Flush())

	in := protocol.NewReader(&req, v)
	call, err := cmd.Decode(in, &protocol.Source{AuthenticatedAs: user, Version: v})
	if err != nil {
		return outcome{}, err
	}
	_, err = in.ReadByte()
	require.ErrorIs(hs.t, err, io.EOF, "decoder consumed the whole request")
	return hs.do(user, v, cmd.ReadOnly(), call)
}

func writeTable(out *protocol.Writer, t schema.Table) {
	_ = out.WriteCompressedInt(int32(schema.ToClient(t, out.Version())))
}

func (hs *harness) count(query string, args ...any) int {
	hs.t.Helper()
	var n int
	require.NoError(hs.t, hs.pool.DB().QueryRow(query, args...).Scan(&n))
	return n
}

// drained asserts that the response has no bytes left.
func (o outcome) drained(t *testing.T) {
	t.Helper()
	_, err := o.out.ReadByte()
	require.ErrorIs(t, err, io.EOF, "response fully consumed")
}
