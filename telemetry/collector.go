package telemetry

import (
	"sync"
	"time"

	"github.com/maxpert/waltail/wal"
	"github.com/rs/zerolog/log"
)

// BoundsProvider reports what the WAL currently retains
type BoundsProvider interface {
	Bounds() (wal.Bounds, error)
}

// DatabaseLister interface for listing databases
type DatabaseLister interface {
	ListDatabases() []string
}

// MetricsCollector periodically samples WAL bounds and catalog size into gauges
type MetricsCollector struct {
	bounds   BoundsProvider
	dbLister DatabaseLister
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector. dbLister may be nil.
func NewMetricsCollector(bounds BoundsProvider, dbLister DatabaseLister, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		bounds:   bounds,
		dbLister: dbLister,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.bounds != nil {
		b, err := mc.bounds.Bounds()
		if err != nil {
			log.Debug().Err(err).Msg("Skipping WAL bounds sample")
		} else {
			WALHeadTick.Set(float64(b.Last))
			WALFirstTick.Set(float64(b.First))
			WALTrimmedTick.Set(float64(b.Trimmed))
		}
	}

	if mc.dbLister != nil {
		CatalogDatabases.Set(float64(len(mc.dbLister.ListDatabases())))
	}
}
