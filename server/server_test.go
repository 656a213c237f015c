package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/ao-apps/aoserv-master/account"
	"github.com/ao-apps/aoserv-master/coordinator"
	"github.com/ao-apps/aoserv-master/db"
	"github.com/ao-apps/aoserv-master/handlers"
	"github.com/ao-apps/aoserv-master/id"
	"github.com/ao-apps/aoserv-master/invalidate"
	"github.com/ao-apps/aoserv-master/notify"
	"github.com/ao-apps/aoserv-master/process"
	"github.com/ao-apps/aoserv-master/protocol"
	"github.com/ao-apps/aoserv-master/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testPassword = "s3cret"

const (
	commandFailAfterWrite protocol.CommandID = 100
	commandReadWithWrite  protocol.CommandID = 101
)

type testServer struct {
	t     *testing.T
	srv   *Server
	pool  *db.Pool
	hub   *notify.Hub
	procs *process.Registry
}

func newTestServer(t *testing.T, httpHandler http.Handler, extra ...coordinator.Command) *testServer {
	t.Helper()
	pool := db.NewTestPool(t, 4)
	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)
	db.SeedFixture(t, pool, string(hash))

	caches := account.NewCaches(pool)
	gate, err := account.NewGate(caches, nil, 64, time.Minute)
	require.NoError(t, err)

	procs := process.NewRegistry(32)
	reg := coordinator.NewRegistry()
	handlers.Register(reg, handlers.Deps{
		Caches:    caches,
		Processes: procs,
		Now:       func() int64 { return time.Now().UnixMilli() },
	})
	reg.MustRegister(extra...)

	sched := coordinator.NewScheduler(2, 8)
	t.Cleanup(sched.Stop)

	hub := notify.NewHub(caches, Visibility(caches))
	srv := New(Config{
		Address:          "127.0.0.1:0",
		ListenKeepalive:  100 * time.Millisecond,
		HandshakeTimeout: 5 * time.Second,
	}, Deps{
		Pool:       pool,
		Gate:       gate,
		Registry:   reg,
		Scheduler:  sched,
		Processes:  procs,
		Hub:        hub,
		Connectors: id.NewConnectorGenerator(1),
		HTTP:       httpHandler,
	})
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)

	return &testServer{t: t, srv: srv, pool: pool, hub: hub, procs: procs}
}

func (ts *testServer) count(query string, args ...any) int {
	ts.t.Helper()
	var n int
	require.NoError(ts.t, ts.pool.DB().QueryRow(query, args...).Scan(&n))
	return n
}

// dial connects and authenticates user at version v.
func (ts *testServer) dial(v protocol.Version, user string) *client {
	ts.t.Helper()
	c := ts.rawDial()
	ok, reason := c.handshake(v, user, testPassword, NewConnectorID)
	require.True(ts.t, ok, reason)
	return c
}

func (ts *testServer) rawDial() *client {
	ts.t.Helper()
	conn, err := net.Dial("tcp", ts.srv.Addr().String())
	require.NoError(ts.t, err)
	ts.t.Cleanup(func() { conn.Close() })
	require.NoError(ts.t, conn.SetDeadline(time.Now().Add(10*time.Second)))
	return &client{
		t:    ts.t,
		conn: conn,
		in:   protocol.NewReader(conn, protocol.Current),
		out:  protocol.NewWriter(conn, protocol.Current),
	}
}

type client struct {
	t           *testing.T
	conn        net.Conn
	in          *protocol.Reader
	out         *protocol.Writer
	connectorID int64
}

func (c *client) handshake(v protocol.Version, user, password string, connectorID int64) (bool, string) {
	c.t.Helper()
	c.in.SetVersion(v)
	c.out.SetVersion(v)
	require.NoError(c.t, c.out.WriteUTF(v.String()))
	require.NoError(c.t, c.out.Flush())
	require.True(c.t, c.boolean(), "version rejected")

	require.NoError(c.t, c.out.WriteUTF(user))
	require.NoError(c.t, c.out.WriteUTF(user))
	require.NoError(c.t, c.out.WriteUTF(password))
	require.NoError(c.t, c.out.WriteLong(connectorID))
	require.NoError(c.t, c.out.Flush())
	if !c.boolean() {
		return false, c.utf()
	}
	c.connectorID = c.long()
	return true, ""
}

func (c *client) send(cmd protocol.CommandID, fields func(out *protocol.Writer)) {
	c.t.Helper()
	require.NoError(c.t, c.out.WriteCompressedInt(int32(cmd)))
	if fields != nil {
		fields(c.out)
	}
	require.NoError(c.t, c.out.Flush())
}

func (c *client) status() byte {
	c.t.Helper()
	b, err := c.in.ReadByte()
	require.NoError(c.t, err)
	return b
}

func (c *client) boolean() bool {
	c.t.Helper()
	v, err := c.in.ReadBoolean()
	require.NoError(c.t, err)
	return v
}

func (c *client) utf() string {
	c.t.Helper()
	v, err := c.in.ReadUTF()
	require.NoError(c.t, err)
	return v
}

func (c *client) long() int64 {
	c.t.Helper()
	v, err := c.in.ReadLong()
	require.NoError(c.t, err)
	return v
}

func (c *client) compressedInt() int32 {
	c.t.Helper()
	v, err := c.in.ReadCompressedInt()
	require.NoError(c.t, err)
	return v
}

// invalidations reads the trailing table list of a write response.
func (c *client) invalidations() []int32 {
	c.t.Helper()
	var ids []int32
	for {
		v := c.compressedInt()
		if v == -1 {
			return ids
		}
		ids = append(ids, v)
	}
}

// expectDone reads a DONE status, failing with the server's message otherwise.
func (c *client) expectDone() {
	c.t.Helper()
	st := c.status()
	if st != protocol.StatusDone {
		require.Failf(c.t, "unexpected status", "status %d: %s", st, c.utf())
	}
}

func (c *client) expectClosed() {
	c.t.Helper()
	_, err := c.in.ReadByte()
	require.ErrorIs(c.t, err, io.EOF)
}

func (c *client) ping() {
	c.t.Helper()
	c.send(protocol.CommandPing, nil)
	c.expectDone()
}

type frame struct {
	batch bool
	ids   []int32
}

// listen enters LISTEN_CACHES and acknowledges every frame from a
// background reader. The channel closes when the connection ends.
func (c *client) listen() <-chan frame {
	c.send(protocol.CommandListenCaches, nil)
	frames := make(chan frame, 64)
	go func() {
		defer close(frames)
		for {
			var f frame
			if c.in.Present(protocol.Since(protocol.Version1_0A104)) {
				b, err := c.in.ReadBoolean()
				if err != nil {
					return
				}
				f.batch = b
			}
			n, err := c.in.ReadCompressedInt()
			if err != nil {
				return
			}
			for i := int32(0); i < n; i++ {
				v, err := c.in.ReadCompressedInt()
				if err != nil {
					return
				}
				f.ids = append(f.ids, v)
			}
			if err := c.out.WriteBoolean(true); err != nil {
				return
			}
			if err := c.out.Flush(); err != nil {
				return
			}
			frames <- f
		}
	}()
	return frames
}

func nextFrame(t *testing.T, frames <-chan frame) frame {
	t.Helper()
	select {
	case f, ok := <-frames:
		require.True(t, ok, "listener connection closed")
		return f
	case <-time.After(5 * time.Second):
		require.FailNow(t, "no listen frame")
		return frame{}
	}
}

// expectHeartbeats reads n frames and requires each to be a heartbeat.
func expectHeartbeats(t *testing.T, frames <-chan frame, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		f := nextFrame(t, frames)
		assert.False(t, f.batch, "frame %d", i)
		assert.Empty(t, f.ids, "frame %d", i)
	}
}

// drain discards frames already received.
func drain(frames <-chan frame) {
	for {
		select {
		case <-frames:
		default:
			return
		}
	}
}

func (ts *testServer) waitListeners(n int) {
	ts.t.Helper()
	require.Eventually(ts.t, func() bool { return ts.hub.Len() == n }, 5*time.Second, 10*time.Millisecond)
}

func TestHandshakeUnsupportedVersion(t *testing.T) {
	ts := newTestServer(t, nil)
	c := ts.rawDial()

	require.NoError(t, c.out.WriteUTF("0.9"))
	require.NoError(t, c.out.Flush())
	assert.False(t, c.boolean())
	assert.Equal(t, protocol.Current.String(), c.utf())
	c.expectClosed()
}

func TestHandshakeRejectsBadPassword(t *testing.T) {
	ts := newTestServer(t, nil)
	c := ts.rawDial()

	ok, reason := c.handshake(protocol.Current, "acme", "wrong", NewConnectorID)
	assert.False(t, ok)
	assert.Contains(t, reason, "invalid password")
	c.expectClosed()
}

func TestHandshakeConnectorIDs(t *testing.T) {
	ts := newTestServer(t, nil)

	fresh := ts.dial(protocol.Current, "acme")
	assert.NotEqual(t, NewConnectorID, fresh.connectorID)

	reused := ts.rawDial()
	ok, reason := reused.handshake(protocol.Current, "acme", testPassword, fresh.connectorID)
	require.True(t, ok, reason)
	assert.Equal(t, fresh.connectorID, reused.connectorID)

	reused.send(protocol.CommandGetConnectorID, nil)
	reused.expectDone()
	assert.Equal(t, fresh.connectorID, reused.long())
}

func TestHandshakeRejectsUnissuedConnectorID(t *testing.T) {
	ts := newTestServer(t, nil)

	forged := ts.rawDial()
	ok, reason := forged.handshake(protocol.Current, "acme", testPassword, 42)
	require.True(t, ok, reason)
	assert.NotEqual(t, int64(42), forged.connectorID)
	assert.NotEqual(t, NewConnectorID, forged.connectorID)

	forged.send(protocol.CommandGetConnectorID, nil)
	forged.expectDone()
	assert.Equal(t, forged.connectorID, forged.long())

	again := ts.rawDial()
	ok, reason = again.handshake(protocol.Current, "acme", testPassword, forged.connectorID)
	require.True(t, ok, reason)
	assert.Equal(t, forged.connectorID, again.connectorID)
}

func TestPingAndQuit(t *testing.T) {
	ts := newTestServer(t, nil)
	c := ts.dial(protocol.Current, "acme")

	c.ping()
	c.send(protocol.CommandTestConnection, nil)
	c.expectDone()

	c.send(protocol.CommandQuit, nil)
	c.expectClosed()
	assert.Eventually(t, func() bool { return ts.procs.Stats().ActiveProcesses == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestUnknownCommandClosesConnection(t *testing.T) {
	ts := newTestServer(t, nil)
	c := ts.dial(protocol.Current, "acme")

	c.send(protocol.CommandID(99), nil)
	assert.Equal(t, protocol.StatusIOException, c.status())
	assert.Contains(t, c.utf(), "99")
	c.expectClosed()
}

func TestCommandOutsideVersionRangeIsUnknown(t *testing.T) {
	ts := newTestServer(t, nil)
	c := ts.dial(protocol.Version1_0A130, "acme")

	c.send(protocol.CommandGenerateAccountName, nil)
	assert.Equal(t, protocol.StatusIOException, c.status())
	c.utf()
	c.expectClosed()
}

func TestFailedWriteRollsBackAndDoesNotBroadcast(t *testing.T) {
	ts := newTestServer(t, nil, coordinator.Command{
		ID:                 commandFailAfterWrite,
		Kind:               coordinator.KindWrite,
		SendInvalidateList: true,
		Decode: coordinator.NoFields(func(ctx context.Context, x *coordinator.Exec) (coordinator.Result, error) {
			if _, err := x.Conn.ExecRaw(ctx, `INSERT INTO accounts (accounting, parent) VALUES ('DOOMED', 'ACME')`); err != nil {
				return coordinator.Result{}, err
			}
			x.Ledger.MarkInvalid(schema.Accounts, "DOOMED", invalidate.AnyServer)
			return coordinator.Result{}, protocol.DomainError("forced failure")
		}),
	})

	frames := ts.dial(protocol.Current, "root").listen()
	ts.waitListeners(1)

	c := ts.dial(protocol.Current, "acme")
	drain(frames)
	c.send(commandFailAfterWrite, nil)
	assert.Equal(t, protocol.StatusSQLException, c.status())
	assert.Equal(t, "forced failure", c.utf())
	assert.Zero(t, ts.count(`SELECT COUNT(*) FROM accounts WHERE accounting = 'DOOMED'`))

	expectHeartbeats(t, frames, 2)
	c.ping()
}

func TestReadCommandAlwaysRollsBack(t *testing.T) {
	ts := newTestServer(t, nil, coordinator.Command{
		ID:   commandReadWithWrite,
		Kind: coordinator.KindRead,
		Decode: coordinator.NoFields(func(ctx context.Context, x *coordinator.Exec) (coordinator.Result, error) {
			_, err := x.Conn.ExecRaw(ctx, `INSERT INTO accounts (accounting, parent) VALUES ('GHOST', 'ACME')`)
			return coordinator.None(), err
		}),
	})

	c := ts.dial(protocol.Current, "acme")
	c.send(commandReadWithWrite, nil)
	c.expectDone()
	assert.Zero(t, ts.count(`SELECT COUNT(*) FROM accounts WHERE accounting = 'GHOST'`))
}

func TestConstraintViolationKeepsConnection(t *testing.T) {
	ts := newTestServer(t, nil)
	c := ts.dial(protocol.Current, "root")

	c.send(protocol.CommandAdd, func(out *protocol.Writer) {
		_ = out.WriteCompressedInt(int32(schema.ToClient(schema.Accounts, out.Version())))
		_ = out.WriteUTF("ACME")
		_ = out.WriteUTF("AOINDUSTRIES")
		_ = out.WriteNullLongUTF(nil)
	})
	assert.Equal(t, protocol.StatusSQLException, c.status())
	assert.NotEmpty(t, c.utf())

	c.ping()
}

func TestDisabledAccountIsRejectedBeforeExecution(t *testing.T) {
	ts := newTestServer(t, nil)
	beta := ts.dial(protocol.Current, "beta")
	beta.ping()

	root := ts.dial(protocol.Current, "root")
	root.send(protocol.CommandDisable, func(out *protocol.Writer) {
		_ = out.WriteCompressedInt(int32(schema.ToClient(schema.Accounts, out.Version())))
		_ = out.WriteUTF("BETA")
		reason := "unpaid"
		_ = out.WriteNullUTF(&reason)
	})
	root.expectDone()
	assert.Contains(t, root.invalidations(), int32(schema.ToClient(schema.Accounts, protocol.Current)))

	beta.send(protocol.CommandPing, nil)
	assert.Equal(t, protocol.StatusIOException, beta.status())
	assert.Contains(t, beta.utf(), "disabled")

	beta.send(protocol.CommandGetConnectorID, nil)
	assert.Equal(t, protocol.StatusIOException, beta.status())
	beta.utf()
}

func TestDisabledListenerIsClosed(t *testing.T) {
	ts := newTestServer(t, nil)
	frames := ts.dial(protocol.Current, "beta").listen()
	ts.waitListeners(1)
	nextFrame(t, frames)

	root := ts.dial(protocol.Current, "root")
	root.send(protocol.CommandDisable, func(out *protocol.Writer) {
		_ = out.WriteCompressedInt(int32(schema.ToClient(schema.Accounts, out.Version())))
		_ = out.WriteUTF("BETA")
		_ = out.WriteNullUTF(nil)
	})
	root.expectDone()
	root.invalidations()

	ts.waitListeners(0)
}

func TestAddBusinessServerOldProtocolOverWire(t *testing.T) {
	ts := newTestServer(t, nil)
	c := ts.dial(protocol.Version1_0A101, "root")

	c.send(protocol.CommandAdd, func(out *protocol.Writer) {
		_ = out.WriteCompressedInt(int32(schema.ToClient(schema.BusinessServers, out.Version())))
		_ = out.WriteUTF("ACMESUB")
		_ = out.WriteCompressedInt(2)
		_ = out.WriteBoolean(true)
		_ = out.WriteBoolean(false)
	})
	c.expectDone()
	assert.Equal(t, int32(4), c.compressedInt())
	assert.Contains(t, c.invalidations(), int32(schema.ToClient(schema.BusinessServers, protocol.Version1_0A101)))

	c.ping()
	assert.Equal(t, 1, ts.count(`SELECT COUNT(*) FROM business_servers WHERE accounting = 'ACMESUB' AND server = 2`))
}

func TestInvalidationReachesOnlyVisibleListeners(t *testing.T) {
	ts := newTestServer(t, nil)

	acme := ts.dial(protocol.Current, "acme").listen()
	beta := ts.dial(protocol.Current, "beta").listen()
	ts.waitListeners(2)

	root := ts.dial(protocol.Current, "root")
	drain(beta)
	root.send(protocol.CommandSetAccountDescription, func(out *protocol.Writer) {
		_ = out.WriteUTF("ACMESUB")
		desc := "subsidiary"
		_ = out.WriteNullLongUTF(&desc)
	})
	root.expectDone()
	accounts := int32(schema.ToClient(schema.Accounts, protocol.Current))
	assert.Equal(t, []int32{accounts}, root.invalidations())

	deadline := time.After(5 * time.Second)
	for got := false; !got; {
		select {
		case f, ok := <-acme:
			require.True(t, ok, "acme listener closed")
			if f.batch {
				assert.Equal(t, []int32{accounts}, f.ids)
				got = true
			}
		case <-deadline:
			require.FailNow(t, "acme listener never saw the invalidation")
		}
	}

	expectHeartbeats(t, beta, 2)
}

func TestOriginatorIsNotNotified(t *testing.T) {
	ts := newTestServer(t, nil)

	root := ts.dial(protocol.Current, "root")
	listener := ts.rawDial()
	ok, reason := listener.handshake(protocol.Current, "root", testPassword, root.connectorID)
	require.True(t, ok, reason)
	frames := listener.listen()
	ts.waitListeners(1)
	drain(frames)

	root.send(protocol.CommandSetAccountDescription, func(out *protocol.Writer) {
		_ = out.WriteUTF("BETA")
		_ = out.WriteNullLongUTF(nil)
	})
	root.expectDone()
	root.invalidations()

	expectHeartbeats(t, frames, 2)
}

func TestOldListenerFramesHaveNoBatchFlag(t *testing.T) {
	ts := newTestServer(t, nil)
	frames := ts.dial(protocol.Version1_0A102, "acme").listen()
	ts.waitListeners(1)

	f := nextFrame(t, frames)
	assert.False(t, f.batch)
	assert.Empty(t, f.ids)
}

func TestRequestConcurrency(t *testing.T) {
	ts := newTestServer(t, nil)
	c := ts.dial(protocol.Current, "acme")

	c.send(protocol.CommandGetRequestConcurrency, nil)
	c.expectDone()
	n, err := c.in.ReadShort()
	require.NoError(t, err)
	assert.Equal(t, int16(1), n)
	assert.Equal(t, protocol.Current.String(), c.utf())
	assert.Equal(t, ts.srv.hostname, c.utf())

	assert.Eventually(t, func() bool {
		stats := ts.procs.Stats()
		return stats.TotalRequests == 1 && stats.Concurrency == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHTTPSharesProtocolPort(t *testing.T) {
	ts := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	resp, err := http.Get("http://" + ts.srv.Addr().String() + "/anything")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)

	c := ts.dial(protocol.Current, "acme")
	c.ping()
}
