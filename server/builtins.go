package server

import (
	"context"

	"github.com/ao-apps/aoserv-master/coordinator"
	"github.com/ao-apps/aoserv-master/protocol"
)

// builtins are the commands answered by the server itself.
func (s *Server) builtins() []coordinator.Command {
	none := func(context.Context, *coordinator.Exec) (coordinator.Result, error) {
		return coordinator.None(), nil
	}
	return []coordinator.Command{
		{ID: protocol.CommandListenCaches, Kind: coordinator.KindListen, Decode: coordinator.NoFields(none)},
		{ID: protocol.CommandPing, Kind: coordinator.KindBypass, Decode: coordinator.NoFields(none)},
		{ID: protocol.CommandTestConnection, Kind: coordinator.KindBypass, Decode: coordinator.NoFields(none)},
		{ID: protocol.CommandGetRequestConcurrency, Kind: coordinator.KindRead, Decode: coordinator.NoFields(s.getRequestConcurrency)},
		{ID: protocol.CommandGetConnectorID, Kind: coordinator.KindRead, Decode: coordinator.NoFields(getConnectorID)},
	}
}

func (s *Server) getRequestConcurrency(context.Context, *coordinator.Exec) (coordinator.Result, error) {
	return coordinator.Short(int16(s.processes.Concurrency())).WithAux(protocol.Current.String(), s.hostname), nil
}

func getConnectorID(_ context.Context, x *coordinator.Exec) (coordinator.Result, error) {
	return coordinator.Long(x.Source.ConnectorID), nil
}
