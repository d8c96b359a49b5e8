// Package publisher replicates the committed WAL stream to external systems
// (Kafka, NATS).
//
// # Architecture
//
// Every configured sink gets a Worker. A worker tails the WAL through
// walaccess from its own persisted cursor, feeds the markers into a
// TxnBuffer that releases data changes only once their transaction commits,
// transforms each change and publishes it.
//
//   - CursorStore: Pebble-backed per-sink cursors (/pubcursor/{sinkName})
//   - TxnBuffer: rebuilds the committed view from interleaved transactions
//   - GlobFilter: database and collection name filtering
//   - Sink, Transformer: pluggable destination and wire format
//
// # Delivery
//
// Delivery is at-least-once. The cursor is saved after each tail chunk, so
// a crash replays at most one chunk. On start and after any failure the
// worker drops buffered transactions and rewinds its cursor to the begin of
// every transaction still open at the cursor position, using
// OpenTransactions. Markers of other transactions between the rewound start
// and the old position are skipped by the cursor's tail filter.
//
// When the WAL no longer holds ticks the sink has not consumed, the worker
// stops and reports that the replica requires a full resync.
//
// # Retention
//
// Registry.MinTick returns the smallest cursor over all sinks. The WAL trim
// loop never trims at or above it.
//
// Example:
//
//	registry, err := publisher.NewRegistry(publisher.RegistryConfig{
//		DataDir:     "/data/waltail",
//		Access:      access,
//		Hub:         hub,
//		SinkConfigs: cfg.Config.Publisher.Sinks,
//	})
//	if err != nil {
//		return err
//	}
//	registry.Start()
//	defer registry.Stop()
package publisher
