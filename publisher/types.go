// Package publisher mirrors committed cache invalidations to external
// message brokers so that systems outside the master can react to them.
//
// Every broadcast ledger becomes one Event per invalidated table. Each
// configured sink gets its own bounded queue and worker; a slow or
// unreachable broker never delays the connection that committed the change.
// Events for the same table share a partition key so brokers that partition
// by key keep them ordered.
package publisher

// Event is one mirrored table invalidation.
type Event struct {
	Seq         uint64   `msgpack:"seq" json:"seq"`
	NodeID      uint64   `msgpack:"node" json:"node"`
	ConnectorID int64    `msgpack:"connector" json:"connector"`
	User        string   `msgpack:"user" json:"user"`
	Table       string   `msgpack:"tbl" json:"tbl"`
	Accounts    []string `msgpack:"accounts" json:"accounts"` // empty = all accounts
	Servers     []int32  `msgpack:"servers" json:"servers"`   // empty = all servers
	CommitTS    int64    `msgpack:"ts" json:"ts"`             // unix ms
}

// Sink represents a destination for mirrored events (NATS, Kafka)
type Sink interface {
	// Publish sends an event to the sink
	Publish(topic string, key string, value []byte) error
	// Close releases any resources held by the sink
	Close() error
}

// Filter determines whether a table's invalidations should be mirrored
type Filter interface {
	Match(table string) bool
}
