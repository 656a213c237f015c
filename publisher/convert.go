package publisher

import (
	"strconv"
	"time"

	"github.com/ao-apps/aoserv-master/invalidate"
	"github.com/ao-apps/aoserv-master/protocol"
	"github.com/cespare/xxhash/v2"
)

// EventsFromLedger converts a committed ledger into one event per table, in
// canonical table order. originator may be nil for server-initiated changes.
func EventsFromLedger(nodeID uint64, originator *protocol.Source, ledger *invalidate.List, commitTime time.Time) []Event {
	tables := ledger.Tables()
	events := make([]Event, 0, len(tables))

	var (
		connectorID int64 = -1
		user        string
	)
	if originator != nil {
		connectorID = originator.ConnectorID
		user = originator.EffectiveUser()
	}

	for _, t := range tables {
		events = append(events, Event{
			NodeID:      nodeID,
			ConnectorID: connectorID,
			User:        user,
			Table:       t.Info().SQLName,
			Accounts:    ledger.AffectedAccounts(t),
			Servers:     ledger.AffectedServers(t),
			CommitTS:    commitTime.UnixMilli(),
		})
	}
	return events
}

// PartitionKey keys events by table so one table's events stay ordered.
func PartitionKey(event Event) string {
	return strconv.FormatUint(xxhash.Sum64String(event.Table), 16)
}
