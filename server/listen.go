package server

import (
	"context"
	"errors"
	"time"

	"github.com/ao-apps/aoserv-master/notify"
	"github.com/ao-apps/aoserv-master/protocol"
	"github.com/ao-apps/aoserv-master/schema"
)

// listen runs the LISTEN_CACHES loop until the connection fails, the
// account is disabled or the server stops. The connection is closed
// afterwards either way.
func (c *session) listen(ctx context.Context) error {
	if err := c.checkEnabled(ctx); err != nil {
		if protocol.IsIOError(err) {
			return c.fail(protocol.StatusIOException, err.Error())
		}
		return err
	}

	l, err := c.s.hub.Register(c.src)
	if err != nil {
		return c.fail(protocol.StatusIOException, err.Error())
	}
	defer c.s.hub.Unregister(l)

	c.proc.SetCommand(protocol.CommandListenCaches.String(), time.Now())
	c.logger.Debug().Msg("Listening for cache invalidations")

	keepalive := c.s.cfg.ListenKeepalive
	for {
		ids, err := l.Wait(ctx, keepalive)
		if err != nil {
			if errors.Is(err, notify.ErrListenerClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		if err := c.checkEnabled(ctx); err != nil {
			if protocol.IsIOError(err) {
				_ = c.fail(protocol.StatusIOException, err.Error())
				return nil
			}
			return err
		}

		if err := c.writeInvalidations(ids); err != nil {
			return err
		}

		_ = c.conn.SetReadDeadline(time.Now().Add(keepalive))
		if _, err := c.in.ReadBoolean(); err != nil {
			return err
		}
		_ = c.conn.SetReadDeadline(time.Time{})
	}
}

// writeInvalidations writes one listen frame. An empty ids is a heartbeat.
func (c *session) writeInvalidations(ids []schema.ClientID) error {
	if c.out.Present(protocol.Since(protocol.Version1_0A104)) {
		if err := c.out.WriteBoolean(len(ids) > 0); err != nil {
			return err
		}
	}
	if len(ids) == 0 {
		if err := c.out.WriteCompressedInt(-1); err != nil {
			return err
		}
		return c.out.Flush()
	}
	if err := c.out.WriteCompressedInt(int32(len(ids))); err != nil {
		return err
	}
	for _, id := range ids {
		if err := c.out.WriteCompressedInt(int32(id)); err != nil {
			return err
		}
	}
	return c.out.Flush()
}
