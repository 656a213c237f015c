package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// CommandBuckets for single commands (pooled SQL round trips)
	CommandBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

	// BroadcastBuckets for invalidation fan-out across listeners
	BroadcastBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1}
)

// Command Metrics
var (
	// CommandsTotal counts commands by name and result (done, sql_exception, io_exception, dropped)
	CommandsTotal CounterVec = noopCounterVec{}

	// CommandDurationSeconds measures command latency by name
	CommandDurationSeconds HistogramVec = noopHistogramVec{}

	// BackgroundQueueDepth tracks background QoS commands waiting for a worker
	BackgroundQueueDepth Gauge = NoopStat{}
)

// Connection Metrics
var (
	// ConnectionsActive tracks open client connections
	ConnectionsActive Gauge = NoopStat{}

	// ConnectionsTotal counts accepted connections
	ConnectionsTotal Counter = NoopStat{}

	// HandshakesTotal counts handshakes by result (ok, unsupported_version, auth_failed, error)
	HandshakesTotal CounterVec = noopCounterVec{}

	// RequestConcurrency tracks commands currently executing
	RequestConcurrency Gauge = NoopStat{}

	// RequestMaxConcurrency tracks the peak of RequestConcurrency
	RequestMaxConcurrency Gauge = NoopStat{}
)

// Invalidation Metrics
var (
	// CacheListeners tracks connections in LISTEN_CACHES
	CacheListeners Gauge = NoopStat{}

	// InvalidationsBroadcastTotal counts ledgers broadcast after commit
	InvalidationsBroadcastTotal Counter = NoopStat{}

	// InvalidatedTablesTotal counts invalidated tables by table name
	InvalidatedTablesTotal CounterVec = noopCounterVec{}

	// ListenerNotificationsTotal counts per-listener deliveries by result (sent, filtered, failed)
	ListenerNotificationsTotal CounterVec = noopCounterVec{}

	// BroadcastDurationSeconds measures the fan-out step
	BroadcastDurationSeconds Histogram = NoopStat{}

	// MirrorEventsTotal counts mirrored invalidations by sink and result
	MirrorEventsTotal CounterVec = noopCounterVec{}
)

// Auth Metrics
var (
	// AuthFailuresTotal counts rejected logins by reason
	AuthFailuresTotal CounterVec = noopCounterVec{}

	// MasterCacheReloadsTotal counts master cache loads
	MasterCacheReloadsTotal Counter = NoopStat{}

	// DNSCacheLookupsTotal counts host resolutions by result (hit, miss)
	DNSCacheLookupsTotal CounterVec = noopCounterVec{}
)

// Pool Metrics
var (
	// PoolInUse tracks checked-out database connections
	PoolInUse Gauge = NoopStat{}

	// PoolWaitCount tracks the cumulative number of blocked acquisitions
	PoolWaitCount Gauge = NoopStat{}
)

// InitMetrics initializes all metrics. Call after InitializeTelemetry.
func InitMetrics() {
	CommandsTotal = NewCounterVec(
		"commands_total",
		"Commands executed by name and result",
		[]string{"command", "result"},
	)
	CommandDurationSeconds = NewHistogramVec(
		"command_duration_seconds",
		"Command latency in seconds",
		[]string{"command"},
		CommandBuckets,
	)
	BackgroundQueueDepth = NewGauge(
		"background_queue_depth",
		"Background commands waiting for a worker",
	)

	ConnectionsActive = NewGauge(
		"connections_active",
		"Open client connections",
	)
	ConnectionsTotal = NewCounter(
		"connections_total",
		"Accepted client connections",
	)
	HandshakesTotal = NewCounterVec(
		"handshakes_total",
		"Handshakes by result",
		[]string{"result"},
	)
	RequestConcurrency = NewGauge(
		"request_concurrency",
		"Commands currently executing",
	)
	RequestMaxConcurrency = NewGauge(
		"request_max_concurrency",
		"Peak concurrent commands since start",
	)

	CacheListeners = NewGauge(
		"cache_listeners",
		"Connections waiting in LISTEN_CACHES",
	)
	InvalidationsBroadcastTotal = NewCounter(
		"invalidations_broadcast_total",
		"Committed invalidation ledgers broadcast to listeners",
	)
	InvalidatedTablesTotal = NewCounterVec(
		"invalidated_tables_total",
		"Invalidated tables by name",
		[]string{"table"},
	)
	ListenerNotificationsTotal = NewCounterVec(
		"listener_notifications_total",
		"Per-listener invalidation deliveries by result",
		[]string{"result"},
	)
	BroadcastDurationSeconds = NewHistogramWithBuckets(
		"broadcast_duration_seconds",
		"Invalidation fan-out latency in seconds",
		BroadcastBuckets,
	)
	MirrorEventsTotal = NewCounterVec(
		"mirror_events_total",
		"Invalidation events mirrored to sinks",
		[]string{"sink", "result"},
	)

	AuthFailuresTotal = NewCounterVec(
		"auth_failures_total",
		"Rejected logins by reason",
		[]string{"reason"},
	)
	MasterCacheReloadsTotal = NewCounter(
		"master_cache_reloads_total",
		"Master privilege cache loads",
	)
	DNSCacheLookupsTotal = NewCounterVec(
		"dns_cache_lookups_total",
		"Host allow-list resolutions by cache result",
		[]string{"result"},
	)

	PoolInUse = NewGauge(
		"pool_in_use",
		"Database connections checked out",
	)
	PoolWaitCount = NewGauge(
		"pool_wait_count",
		"Cumulative blocked connection acquisitions",
	)
}
