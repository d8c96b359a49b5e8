package telemetry

// Histogram bucket definitions
var (
	// TailBuckets for a single tail or open-transactions call
	TailBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1}

	// PublishBuckets for a sink publish including retries
	PublishBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30}
)

// Tailing metrics
var (
	// TailCallsTotal counts tail calls by result code
	TailCallsTotal CounterVec = noopCounterVec{}

	// TailMarkersTotal counts markers handed to tail callbacks
	TailMarkersTotal Counter = NoopStat{}

	// TailBytesTotal counts marker bytes handed to tail callbacks
	TailBytesTotal Counter = NoopStat{}

	// TailSkippedTotal counts scanned markers rejected by filter or resolution
	TailSkippedTotal Counter = NoopStat{}

	// TailDurationSeconds measures tail call latency
	TailDurationSeconds Histogram = NoopStat{}

	// OpenTxnScansTotal counts open-transaction scans by result code
	OpenTxnScansTotal CounterVec = noopCounterVec{}

	// OpenTxnScanSeconds measures open-transaction scan latency
	OpenTxnScanSeconds Histogram = NoopStat{}
)

// WAL metrics
var (
	// WALHeadTick is the largest appended tick
	WALHeadTick Gauge = NoopStat{}

	// WALFirstTick is the smallest retained tick
	WALFirstTick Gauge = NoopStat{}

	// WALTrimmedTick is the trim watermark
	WALTrimmedTick Gauge = NoopStat{}

	// WALTrimsTotal counts trims by result (success, failed)
	WALTrimsTotal CounterVec = noopCounterVec{}

	// CatalogDatabases is the number of live databases
	CatalogDatabases Gauge = NoopStat{}
)

// Follower and publisher metrics
var (
	// FollowerLagTicks is head minus the last tick a follower fetched
	FollowerLagTicks GaugeVec = noopGaugeVec{}

	// PublisherEventsTotal counts published events by sink and result
	PublisherEventsTotal CounterVec = noopCounterVec{}

	// PublisherPublishSeconds measures publish latency by sink
	PublisherPublishSeconds HistogramVec = noopHistogramVec{}

	// PublisherCursorTick is the persisted cursor position by sink
	PublisherCursorTick GaugeVec = noopGaugeVec{}

	// PublisherBufferedTxns is the number of transactions waiting for commit by sink
	PublisherBufferedTxns GaugeVec = noopGaugeVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	TailCallsTotal = NewCounterVec(
		"tail_calls_total",
		"Tail calls by result code",
		[]string{"code"},
	)
	TailMarkersTotal = NewCounter(
		"tail_markers_total",
		"Markers emitted by tail calls",
	)
	TailBytesTotal = NewCounter(
		"tail_bytes_total",
		"Marker bytes emitted by tail calls",
	)
	TailSkippedTotal = NewCounter(
		"tail_skipped_total",
		"Scanned markers rejected by filter or resolution",
	)
	TailDurationSeconds = NewHistogramWithBuckets(
		"tail_duration_seconds",
		"Tail call duration in seconds",
		TailBuckets,
	)
	OpenTxnScansTotal = NewCounterVec(
		"open_transactions_scans_total",
		"Open-transaction scans by result code",
		[]string{"code"},
	)
	OpenTxnScanSeconds = NewHistogramWithBuckets(
		"open_transactions_scan_seconds",
		"Open-transaction scan duration in seconds",
		TailBuckets,
	)

	WALHeadTick = NewGauge("head_tick", "Largest appended tick")
	WALFirstTick = NewGauge("first_tick", "Smallest retained tick")
	WALTrimmedTick = NewGauge("trimmed_tick", "Trim watermark")
	WALTrimsTotal = NewCounterVec(
		"trims_total",
		"WAL trims by result",
		[]string{"result"},
	)
	CatalogDatabases = NewGauge("catalog_databases", "Number of live databases")

	FollowerLagTicks = NewGaugeVec(
		"follower_lag_ticks",
		"Head tick minus the last tick fetched by a follower",
		[]string{"client"},
	)
	PublisherEventsTotal = NewCounterVec(
		"publisher_events_total",
		"Events published by sink and result",
		[]string{"sink", "result"},
	)
	PublisherPublishSeconds = NewHistogramVec(
		"publisher_publish_seconds",
		"Sink publish duration in seconds",
		[]string{"sink"},
		PublishBuckets,
	)
	PublisherCursorTick = NewGaugeVec(
		"publisher_cursor_tick",
		"Persisted cursor position by sink",
		[]string{"sink"},
	)
	PublisherBufferedTxns = NewGaugeVec(
		"publisher_buffered_transactions",
		"Transactions buffered until commit by sink",
		[]string{"sink"},
	)
}
