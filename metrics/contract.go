package metrics

// 各组件使用的指标名
const (
	MetricRegistrySize        = "registry_instances"
	MetricRegistryMutations   = "registry_mutations_total"
	MetricRegistryEvictions   = "registry_evictions_total"
	MetricIndexCount          = "index_active_indexes"
	MetricIndexSubscribers    = "index_subscribers"
	MetricIndexOverflows      = "index_subscriber_overflows_total"
	MetricBatchingDepth       = "batching_open_batches"
	MetricBatchingErrors      = "batching_state_errors_total"
	MetricResolverFailures    = "resolver_failures_total"
	MetricResolverDuration    = "resolver_resolve_duration_seconds"
	MetricChannelConnects     = "channel_connects_total"
	MetricChannelActive       = "channel_active"
	MetricTransportMessages   = "transport_messages_total"
	MetricClientReconnects    = "client_reconnects_total"
	MetricServerRateLimited   = "server_rate_limited_total"
	MetricConnectorConnects   = "connector_connections_total"
	MetricConnectorActive     = "connector_active_connections"
	MetricBootstrapInstances  = "bootstrap_loaded_instances_total"
	MetricServerHandledFrames = "server_handled_messages_total"
	MetricServerResyncs       = "server_interest_resyncs_total"
	MetricServerSessions      = "server_sessions"
)

// 常用标签
const (
	LabelOrigin    = "origin"
	LabelOperation = "operation"
	LabelOutcome   = "outcome"
	LabelKind      = "kind"
	LabelDirection = "direction"
	LabelResolver  = "resolver"
	LabelChannel   = "channel"
	LabelType      = "type"
)

// 标签值
const (
	OutcomeApplied    = "applied"
	OutcomeSuperseded = "superseded"
	OutcomeSuccess    = "success"
	OutcomeError      = "error"

	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)
