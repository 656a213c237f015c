package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"time"

	"github.com/ao-apps/aoserv-master/coordinator"
	"github.com/ao-apps/aoserv-master/invalidate"
	"github.com/ao-apps/aoserv-master/notify"
	"github.com/ao-apps/aoserv-master/process"
	"github.com/ao-apps/aoserv-master/protocol"
	"github.com/ao-apps/aoserv-master/telemetry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// session is one authenticated connection.
type session struct {
	s      *Server
	conn   net.Conn
	in     *protocol.Reader
	out    *protocol.Writer
	src    *protocol.Source
	proc   *process.Process
	logger zerolog.Logger
}

func (s *Server) handleConnection(connID uint64, conn net.Conn) {
	defer conn.Close()

	remoteHost, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		remoteHost = conn.RemoteAddr().String()
	}

	in := protocol.NewReader(conn, protocol.Current)
	out := protocol.NewWriter(conn, protocol.Current)

	_ = conn.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	src, err := s.handshake(s.ctx, in, out, remoteHost)
	if err != nil {
		if !errors.Is(err, errRejected) && !isDisconnect(err) {
			log.Debug().Err(err).Uint64("conn_id", connID).Str("remote", remoteHost).Msg("Handshake failed")
		}
		return
	}
	_ = conn.SetDeadline(time.Time{})
	if s.cfg.MaxLongLength > 0 {
		in.SetMaxLongLength(s.cfg.MaxLongLength)
	}

	proc := s.processes.Open(src)
	defer s.processes.Close(proc)

	sess := &session{
		s:    s,
		conn: conn,
		in:   in,
		out:  out,
		src:  src,
		proc: proc,
		logger: log.With().
			Uint64("conn_id", connID).
			Int64("process_id", proc.ID()).
			Int64("connector_id", src.ConnectorID).
			Str("user", src.EffectiveUser()).
			Logger(),
	}
	sess.logger.Debug().Str("protocol", src.Version.String()).Str("remote", remoteHost).Msg("Connection authenticated")

	if err := sess.serve(s.ctx); err != nil && !isDisconnect(err) {
		sess.logger.Warn().Err(err).Msg("Connection closed")
	}
}

// serve reads commands until the client quits, the connection fails or a
// command ends the connection.
func (c *session) serve(ctx context.Context) error {
	for {
		code, err := c.in.ReadCompressedInt()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		id := protocol.CommandID(code)
		if id == protocol.CommandQuit {
			return nil
		}

		keep, err := c.dispatch(ctx, id)
		if err != nil {
			return err
		}
		if !keep {
			return nil
		}
	}
}

// dispatch runs one command. It reports whether the connection stays open.
func (c *session) dispatch(ctx context.Context, id protocol.CommandID) (bool, error) {
	cmd, ok := c.s.registry.Lookup(id)
	if !ok || !cmd.Range.Contains(c.src.Version) {
		c.logger.Warn().Int32("code", int32(id)).Msg("Unknown command")
		return false, c.fail(protocol.StatusIOException, fmt.Sprintf("Unknown command code: %d", int32(id)))
	}

	call, err := cmd.Decode(c.in, c.src)
	if err != nil {
		if isDisconnect(err) {
			return false, err
		}
		c.logger.Warn().Err(err).Str("command", cmd.Name).Msg("Malformed command")
		return false, c.fail(protocol.StatusIOException, err.Error())
	}

	if cmd.Kind == coordinator.KindListen {
		return false, c.listen(ctx)
	}

	start := time.Now()
	end := c.s.processes.Begin(c.proc, cmd.Name)
	c.updateConcurrency()

	ledger := invalidate.New()
	x := &coordinator.Exec{Source: c.src, Ledger: ledger, Out: c.out}
	res, err := c.execute(ctx, cmd, call, x)
	if err == nil && cmd.SendInvalidateList && ledger.Len() > 0 {
		c.s.hub.Broadcast(ctx, c.src, ledger)
	}

	keep := true
	result := "ok"
	if err == nil {
		err = c.respond(ctx, cmd, res, ledger)
	} else {
		result = "error"
		keep, err = c.writeFailure(cmd, err)
	}

	end()
	c.updateConcurrency()
	telemetry.CommandsTotal.With(cmd.Name, result).Inc()
	telemetry.CommandDurationSeconds.With(cmd.Name).Observe(time.Since(start).Seconds())
	return keep, err
}

// execute runs call according to the command's kind.
func (c *session) execute(ctx context.Context, cmd *coordinator.Command, call coordinator.Call, x *coordinator.Exec) (coordinator.Result, error) {
	if cmd.Kind == coordinator.KindBypass {
		return guard(func(ctx context.Context) (coordinator.Result, error) {
			if err := c.checkEnabled(ctx); err != nil {
				return coordinator.Result{}, err
			}
			return call(ctx, x)
		})(ctx)
	}
	return c.s.scheduler.Run(ctx, cmd.QoS, guard(func(ctx context.Context) (coordinator.Result, error) {
		return c.transact(ctx, cmd, call, x)
	}))
}

// transact runs call inside its own transaction. Read commands always roll
// back. A committed ledger clears the master caches before the connection
// is released; a failed one is discarded.
func (c *session) transact(ctx context.Context, cmd *coordinator.Command, call coordinator.Call, x *coordinator.Exec) (res coordinator.Result, err error) {
	conn, err := c.s.pool.Acquire(ctx)
	if err != nil {
		return coordinator.Result{}, err
	}
	x.Conn = conn
	defer func() {
		if err != nil {
			if rbErr := conn.Rollback(); rbErr != nil {
				c.logger.Warn().Err(rbErr).Msg("Rollback failed")
			}
			x.Ledger.Reset()
		} else if x.Ledger.Len() > 0 {
			c.s.caches.InvalidateTables(x.Ledger.Tables())
		}
		if relErr := conn.Release(); relErr != nil {
			c.logger.Warn().Err(relErr).Msg("Release failed")
		}
		x.Conn = nil
	}()

	acc, err := c.s.caches.Access(ctx, conn, c.src.EffectiveUser())
	if err != nil {
		return coordinator.Result{}, err
	}
	if acc.Disabled() {
		return coordinator.Result{}, protocol.NewIOError("Administrator disabled: %s", c.src.EffectiveUser())
	}

	res, err = call(ctx, x)
	if err != nil {
		return coordinator.Result{}, err
	}
	if cmd.ReadOnly() {
		err = conn.Rollback()
	} else {
		err = conn.Commit()
	}
	if err != nil {
		return coordinator.Result{}, err
	}
	return res, nil
}

// checkEnabled fails when the effective user or its account is disabled.
func (c *session) checkEnabled(ctx context.Context) error {
	acc, err := c.s.caches.Access(ctx, nil, c.src.EffectiveUser())
	if err != nil {
		return err
	}
	if acc.Disabled() {
		return protocol.NewIOError("Administrator disabled: %s", c.src.EffectiveUser())
	}
	return nil
}

// respond writes DONE, the result, and for invalidating commands the
// originator's own visible tables.
func (c *session) respond(ctx context.Context, cmd *coordinator.Command, res coordinator.Result, ledger *invalidate.List) error {
	if err := c.out.WriteByte(protocol.StatusDone); err != nil {
		return err
	}
	if err := res.WriteTo(c.out); err != nil {
		return err
	}
	if cmd.SendInvalidateList {
		var ids []int32
		if ledger.Len() > 0 {
			acc, err := c.s.caches.Access(ctx, nil, c.src.EffectiveUser())
			if err != nil {
				return err
			}
			for _, id := range notify.ClientTables(ledger, c.src.Version, acc) {
				ids = append(ids, int32(id))
			}
		}
		for _, id := range ids {
			if err := c.out.WriteCompressedInt(id); err != nil {
				return err
			}
		}
		if err := c.out.WriteCompressedInt(-1); err != nil {
			return err
		}
	}
	return c.out.Flush()
}

// writeFailure reports err to the client. Domain and SQL errors keep the
// connection; anything else drops it.
func (c *session) writeFailure(cmd *coordinator.Command, err error) (bool, error) {
	switch {
	case protocol.IsIOError(err):
		c.logger.Debug().Err(err).Str("command", cmd.Name).Msg("Command failed")
		return true, c.fail(protocol.StatusIOException, err.Error())
	case protocol.IsSQLError(err):
		sqlErr := protocol.ConvertToSQLError(err)
		c.logger.Debug().Err(err).Str("command", cmd.Name).Int("code", sqlErr.Code).Msg("Command failed")
		return true, c.fail(protocol.StatusSQLException, sqlErr.Message)
	}

	var panicErr *coordinator.PanicError
	if errors.As(err, &panicErr) {
		c.logger.Error().Interface("panic", panicErr.Value).Str("command", cmd.Name).Msg("Command panicked, closing connection")
	} else if !isDisconnect(err) {
		c.logger.Error().Err(err).Str("command", cmd.Name).Msg("Command failed, closing connection")
	}
	return false, nil
}

func (c *session) fail(status byte, message string) error {
	if err := c.out.WriteByte(status); err != nil {
		return err
	}
	if err := c.out.WriteUTF(message); err != nil {
		return err
	}
	return c.out.Flush()
}

func (c *session) updateConcurrency() {
	st := c.s.processes.Stats()
	telemetry.RequestConcurrency.Set(float64(st.Concurrency))
	telemetry.RequestMaxConcurrency.Set(float64(st.MaxConcurrency))
}

// guard turns a panic in fn into a *coordinator.PanicError.
func guard(fn func(context.Context) (coordinator.Result, error)) func(context.Context) (coordinator.Result, error) {
	return func(ctx context.Context) (res coordinator.Result, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = &coordinator.PanicError{Value: r, Stack: debug.Stack()}
			}
		}()
		return fn(ctx)
	}
}

// isDisconnect reports errors caused by the peer or the server going away.
func isDisconnect(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, context.Canceled)
}
