package publisher

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ao-apps/aoserv-master/cfg"
	"github.com/ao-apps/aoserv-master/encoding"
	"github.com/ao-apps/aoserv-master/invalidate"
	"github.com/ao-apps/aoserv-master/protocol"
	"github.com/ao-apps/aoserv-master/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type message struct {
	topic string
	key   string
	value []byte
}

type recordingSink struct {
	mu       sync.Mutex
	messages []message
	failures int
	closed   bool
}

func (s *recordingSink) Publish(topic, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("broker unavailable")
	}
	s.messages = append(s.messages, message{topic: topic, key: key, value: value})
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) received() []message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]message(nil), s.messages...)
}

func newWorker(t *testing.T, sink Sink, tables ...string) *Worker {
	t.Helper()
	filter, err := NewGlobFilter(tables)
	require.NoError(t, err)
	w, err := NewWorker(WorkerConfig{
		Name:         "test",
		Sink:         sink,
		Filter:       filter,
		TopicPrefix:  "aoserv",
		RetryInitial: time.Millisecond,
		RetryMax:     time.Millisecond,
	})
	require.NoError(t, err)
	return w
}

func sampleLedger() *invalidate.List {
	ledger := invalidate.New()
	ledger.MarkInvalid(schema.Accounts, "ACME", invalidate.AnyServer)
	ledger.MarkInvalid(schema.BusinessServers, "ACME", 2)
	return ledger
}

func TestMirrorPublishesOneEventPerTable(t *testing.T) {
	sink := &recordingSink{}
	reg, err := NewRegistry(RegistryConfig{NodeID: 3})
	require.NoError(t, err)
	reg.AddWorker(newWorker(t, sink))
	require.NoError(t, reg.Start())
	defer reg.Stop()

	origin := &protocol.Source{ConnectorID: 99, AuthenticatedAs: "root", ConnectAs: "acme"}
	reg.Mirror(origin, sampleLedger())

	require.Eventually(t, func() bool { return len(sink.received()) == 2 }, 2*time.Second, 5*time.Millisecond)

	msgs := sink.received()
	assert.Equal(t, "aoserv.accounts", msgs[0].topic)
	assert.Equal(t, "aoserv.business_servers", msgs[1].topic)

	var ev Event
	require.NoError(t, encoding.Unmarshal(msgs[1].value, &ev))
	assert.Equal(t, uint64(2), ev.Seq)
	assert.Equal(t, uint64(3), ev.NodeID)
	assert.Equal(t, int64(99), ev.ConnectorID)
	assert.Equal(t, "acme", ev.User)
	assert.Equal(t, []string{"ACME"}, ev.Accounts)
	assert.Equal(t, []int32{2}, ev.Servers)
	assert.Equal(t, PartitionKey(ev), msgs[1].key)
}

func TestMirrorAppliesTableFilter(t *testing.T) {
	sink := &recordingSink{}
	reg, err := NewRegistry(RegistryConfig{})
	require.NoError(t, err)
	reg.AddWorker(newWorker(t, sink, "business_*"))
	require.NoError(t, reg.Start())
	defer reg.Stop()

	reg.Mirror(nil, sampleLedger())

	require.Eventually(t, func() bool { return len(sink.received()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "aoserv.business_servers", sink.received()[0].topic)
}

func TestWorkerRetriesFailedPublish(t *testing.T) {
	sink := &recordingSink{failures: 2}
	reg, err := NewRegistry(RegistryConfig{})
	require.NoError(t, err)
	require.NoError(t, reg.Start())
	reg.AddWorker(newWorker(t, sink))
	defer reg.Stop()

	ledger := invalidate.New()
	ledger.MarkInvalid(schema.Tickets, invalidate.AnyAccount, invalidate.AnyServer)
	reg.Mirror(nil, ledger)

	require.Eventually(t, func() bool { return len(sink.received()) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestMirrorIgnoredWhenStopped(t *testing.T) {
	sink := &recordingSink{}
	reg, err := NewRegistry(RegistryConfig{})
	require.NoError(t, err)
	w := newWorker(t, sink)
	reg.AddWorker(w)

	reg.Mirror(nil, sampleLedger())
	assert.Len(t, w.queue, 0)

	require.NoError(t, reg.Start())
	assert.Error(t, reg.Start())
	reg.Stop()
	reg.Stop()
	assert.True(t, sink.closed)
}

func TestUnknownSinkType(t *testing.T) {
	_, err := NewRegistry(RegistryConfig{
		SinkConfigs: []cfg.SinkConfiguration{{Name: "x", Type: "carrier-pigeon"}},
	})
	assert.ErrorContains(t, err, "unknown sink type")
}

func TestRegisteredSinkFactory(t *testing.T) {
	sink := &recordingSink{}
	RegisterSink("recording", func(cfg.SinkConfiguration) (Sink, error) { return sink, nil })

	reg, err := NewRegistry(RegistryConfig{
		SinkConfigs: []cfg.SinkConfiguration{{Name: "rec", Type: "recording", Tables: []string{"master_["}}},
	})
	assert.Error(t, err, "bad glob is rejected")
	assert.Nil(t, reg)
	assert.True(t, sink.closed)
}

func TestEventsFromLedger(t *testing.T) {
	commit := time.UnixMilli(1_700_000_000_123)
	events := EventsFromLedger(1, nil, sampleLedger(), commit)

	require.Len(t, events, 2)
	assert.Equal(t, "accounts", events[0].Table)
	assert.Equal(t, int64(-1), events[0].ConnectorID)
	assert.Nil(t, events[0].Servers, "unscoped servers")
	assert.Equal(t, commit.UnixMilli(), events[0].CommitTS)
}

func TestPartitionKeyStablePerTable(t *testing.T) {
	a := PartitionKey(Event{Table: "accounts", Seq: 1})
	b := PartitionKey(Event{Table: "accounts", Seq: 2})
	c := PartitionKey(Event{Table: "tickets", Seq: 1})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
