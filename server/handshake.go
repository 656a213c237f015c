package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ao-apps/aoserv-master/account"
	"github.com/ao-apps/aoserv-master/protocol"
	"github.com/ao-apps/aoserv-master/telemetry"
	"github.com/rs/zerolog/log"
)

// NewConnectorID asks the server to allocate a connector ID.
const NewConnectorID int64 = -1

// errRejected ends a handshake that already told the client why.
var errRejected = errors.New("handshake rejected")

// handshake negotiates the protocol version and authenticates the client.
// On success in and out are switched to the negotiated version.
func (s *Server) handshake(ctx context.Context, in *protocol.Reader, out *protocol.Writer, remoteHost string) (*protocol.Source, error) {
	versionName, err := in.ReadUTF()
	if err != nil {
		return nil, err
	}
	version, ok := protocol.ParseVersion(versionName)
	if err := out.WriteBoolean(ok); err != nil {
		return nil, err
	}
	if !ok {
		telemetry.HandshakesTotal.With("unsupported_version").Inc()
		if err := out.WriteUTF(protocol.Current.String()); err != nil {
			return nil, err
		}
		if err := out.Flush(); err != nil {
			return nil, err
		}
		log.Debug().Str("remote", remoteHost).Str("version", versionName).Msg("Unsupported protocol version")
		return nil, errRejected
	}
	if err := out.Flush(); err != nil {
		return nil, err
	}
	in.SetVersion(version)
	out.SetVersion(version)

	connectAs, err := in.ReadUTF()
	if err != nil {
		return nil, err
	}
	authenticateAs, err := in.ReadUTF()
	if err != nil {
		return nil, err
	}
	password, err := in.ReadUTF()
	if err != nil {
		return nil, err
	}
	connectorID, err := in.ReadLong()
	if err != nil {
		return nil, err
	}

	if err := s.gate.Authenticate(ctx, remoteHost, connectAs, authenticateAs, password); err != nil {
		reason := "Unable to authenticate"
		var authErr *account.AuthError
		if errors.As(err, &authErr) {
			reason = authErr.Reason
			telemetry.HandshakesTotal.With("rejected").Inc()
			log.Info().Str("remote", remoteHost).Str("user", authenticateAs).Str("reason", reason).Msg("Login rejected")
		} else {
			telemetry.HandshakesTotal.With("failed").Inc()
			log.Error().Err(err).Str("remote", remoteHost).Str("user", authenticateAs).Msg("Login check failed")
		}
		if werr := out.WriteBoolean(false); werr != nil {
			return nil, werr
		}
		if werr := out.WriteUTF(reason); werr != nil {
			return nil, werr
		}
		if werr := out.Flush(); werr != nil {
			return nil, werr
		}
		return nil, fmt.Errorf("%w: %v", errRejected, err)
	}

	if _, known := s.issued.Load(connectorID); !known {
		if connectorID != NewConnectorID {
			log.Debug().Str("remote", remoteHost).Int64("presented", connectorID).Msg("Unknown connector ID, issuing a new one")
		}
		connectorID = s.connectors.NextID()
		s.issued.Store(connectorID, struct{}{})
	}
	if err := out.WriteBoolean(true); err != nil {
		return nil, err
	}
	if err := out.WriteLong(connectorID); err != nil {
		return nil, err
	}
	if err := out.Flush(); err != nil {
		return nil, err
	}
	telemetry.HandshakesTotal.With("accepted").Inc()

	return &protocol.Source{
		ConnectorID:     connectorID,
		AuthenticatedAs: authenticateAs,
		ConnectAs:       connectAs,
		Version:         version,
		RemoteHost:      remoteHost,
		Connected:       time.Now(),
	}, nil
}
