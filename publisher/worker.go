package publisher

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/waltail/db"
	"github.com/maxpert/waltail/notify"
	"github.com/maxpert/waltail/telemetry"
	"github.com/maxpert/waltail/tick"
	"github.com/maxpert/waltail/wal"
	"github.com/maxpert/waltail/walaccess"
	"github.com/rs/zerolog/log"
)

const (
	// Default bytes of markers read per tail call
	DefaultChunkSize = 1 << 20
	// Default interval between tail calls when no head signal arrives
	DefaultPollInterval = 100 * time.Millisecond
	// Default initial retry delay for failed publish operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Maximum number of retry attempts before giving up on a publish operation
	DefaultMaxRetries = 100
)

// ErrResyncRequired is reported when markers the sink had not consumed were
// trimmed. The sink must be rebuilt from a snapshot.
var ErrResyncRequired = errors.New("replica requires full resync")

// Subscriber delivers head-advance signals. *notify.Hub implements it.
type Subscriber interface {
	Subscribe(filter notify.Filter) (<-chan notify.Signal, func())
}

// WorkerConfig configures a replication worker
type WorkerConfig struct {
	Name            string           // Sink name (for cursor tracking)
	Access          walaccess.WalAccess
	Cursors         *CursorStore
	Hub             Subscriber       // Optional; without it the worker only polls
	Sink            Sink             // Destination sink
	Transformer     Transformer      // Event transformer
	Filter          Filter           // Name based event filter
	Scope           walaccess.Filter // Id based filter applied while tailing
	TopicPrefix     string           // Topic prefix (e.g., "waltail")
	ChunkSize       int              // Marker bytes per tail call
	PollInterval    time.Duration
	RetryInitial    time.Duration
	RetryMax        time.Duration
	RetryMultiplier float64
	MaxRetries      int // Maximum publish attempts (0 = default)
	ServerID        uint64
}

// Worker tails the WAL from its persisted cursor, rebuilds the committed
// view and publishes it to a sink
type Worker struct {
	config WorkerConfig
	buffer *TxnBuffer

	cursorMu sync.RWMutex
	cursor   walaccess.Cursor

	// fresh is set until the first chunk of a sink without a saved cursor
	// was applied; such a sink has no history a gap could break
	fresh     bool
	recovered bool
	resync    atomic.Bool

	ctx         context.Context
	cancel      context.CancelFunc
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

// NewWorker creates a worker and restores its cursor
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if config.Access == nil {
		return nil, fmt.Errorf("wal access is required")
	}
	if config.Cursors == nil {
		return nil, fmt.Errorf("cursor store is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Transformer == nil {
		return nil, fmt.Errorf("transformer is required")
	}
	if config.Filter == nil {
		return nil, fmt.Errorf("filter is required")
	}

	if config.ChunkSize <= 0 {
		config.ChunkSize = DefaultChunkSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	cursor, ok, err := config.Cursors.Get(config.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}

	w := &Worker{
		config: config,
		buffer: NewTxnBuffer(config.Name),
		cursor: cursor,
		fresh:  !ok,
		doneCh: make(chan struct{}),
	}
	if !ok {
		w.cursor = walaccess.NewCursor(earliestTick(config.Access))
	}
	return w, nil
}

// earliestTick is where a new sink starts
func earliestTick(access walaccess.WalAccess) tick.Tick {
	r, err := access.TickRange()
	if err != nil || r.Min == tick.None {
		return 1
	}
	return r.Min
}

// Name returns the sink name
func (w *Worker) Name() string {
	return w.config.Name
}

// Cursor returns the current position
func (w *Worker) Cursor() walaccess.Cursor {
	w.cursorMu.RLock()
	defer w.cursorMu.RUnlock()
	return w.cursor
}

// ResyncRequired reports whether the worker stopped because of a gap
func (w *Worker) ResyncRequired() bool {
	return w.resync.Load()
}

// Start starts the worker goroutine
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return
	}

	w.running.Store(true)
	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.doneCh = make(chan struct{})

	log.Info().
		Str("worker", w.config.Name).
		Uint64("cursor", uint64(w.Cursor().TickStart)).
		Msg("Starting replication worker")

	go w.run()
}

// Stop stops the worker gracefully
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return
	}

	log.Info().Str("worker", w.config.Name).Msg("Stopping replication worker")

	w.cancel()
	<-w.doneCh
	w.running.Store(false)

	log.Info().Str("worker", w.config.Name).Msg("Replication worker stopped")
}

// Done is closed when the worker goroutine exits
func (w *Worker) Done() <-chan struct{} {
	return w.doneCh
}

func (w *Worker) run() {
	defer close(w.doneCh)

	var signals <-chan notify.Signal
	if w.config.Hub != nil {
		ch, unsubscribe := w.config.Hub.Subscribe(notify.Filter{DatabaseIDs: scopeDatabases(w.config.Scope)})
		defer unsubscribe()
		signals = ch
	}

	delay := w.config.RetryInitial
	for w.ctx.Err() == nil {
		more, err := w.step()
		switch {
		case errors.Is(err, ErrResyncRequired):
			w.resync.Store(true)
			log.Error().
				Err(err).
				Str("worker", w.config.Name).
				Uint64("cursor", uint64(w.Cursor().TickStart)).
				Msg("Replica requires full resync")
			return

		case err != nil:
			if w.ctx.Err() != nil {
				return
			}
			// Buffered transactions may be half applied; rebuild them
			w.recovered = false
			log.Warn().Err(err).Str("worker", w.config.Name).Dur("retry_delay", delay).Msg("Tailing failed, retrying")
			if !w.sleep(delay) {
				return
			}
			delay = w.nextDelay(delay)

		case more:
			delay = w.config.RetryInitial

		default:
			delay = w.config.RetryInitial
			w.waitForHead(signals)
		}
	}
}

func scopeDatabases(scope walaccess.Filter) []uint64 {
	if scope.DatabaseID == 0 {
		return nil
	}
	return []uint64{scope.DatabaseID}
}

// step runs one tail call. It returns true when more markers are waiting.
func (w *Worker) step() (bool, error) {
	if !w.recovered {
		if err := w.recover(); err != nil {
			return false, err
		}
	}

	cursor := w.Cursor()
	res := w.config.Access.Tail(w.ctx, cursor.TickStart, tick.Max, w.config.ChunkSize, cursor.Filter(w.config.Scope), w.apply)

	if !res.FromTickIncluded {
		if !w.fresh {
			return false, fmt.Errorf("%w: wal no longer holds tick %d", ErrResyncRequired, cursor.TickStart)
		}
		log.Warn().Str("worker", w.config.Name).Uint64("first_tick", uint64(res.FirstTick)).
			Msg("New sink starts after trimmed ticks")
	}

	switch res.Code {
	case walaccess.CodeOK:
		w.fresh = false
		if err := w.advance(res); err != nil {
			return false, err
		}
		return res.HasMore, nil

	case walaccess.CodeCorrupted:
		bad := res.LastScannedTick.Next()
		log.Error().Err(res.Err).Str("worker", w.config.Name).Uint64("tick", uint64(bad)).
			Msgf("WAL read error at tick %d", bad)
		if err := w.advance(res); err != nil {
			return false, err
		}
		return false, res.Err

	case walaccess.CodeTickGap:
		if !w.fresh {
			return false, fmt.Errorf("%w: %v", ErrResyncRequired, res.Err)
		}
		return false, res.Err
	}

	if res.Code == walaccess.CodeInternal && res.LastTick >= cursor.TickStart {
		// Markers before the failing one were applied
		if err := w.advance(res); err != nil {
			return false, err
		}
	}
	return false, res.Err
}

// recover drops buffered transactions and rewinds the cursor to the begin
// of every transaction still open at the cursor, so their markers are
// tailed again
func (w *Worker) recover() error {
	w.buffer.Reset()
	cursor := w.Cursor()

	// Already rewound by an earlier recovery
	if cursor.TickStart < cursor.FirstRegularTick {
		w.recovered = true
		return nil
	}

	end := cursor.TickStart.Prev()
	r, err := w.config.Access.TickRange()
	if err != nil {
		return err
	}
	if end == tick.None || r.Min > end {
		w.recovered = true
		return nil
	}

	var tids []uint64
	res := w.config.Access.OpenTransactions(w.ctx, r.Min, end, walaccess.Filter{DatabaseID: w.config.Scope.DatabaseID},
		func(tid uint64, _ tick.Tick) {
			tids = append(tids, tid)
		})
	if !res.OK() {
		return fmt.Errorf("failed to find open transactions: %w", res.Err)
	}
	if len(tids) > 0 && !res.FromTickIncluded && !w.fresh {
		return fmt.Errorf("%w: begin of open transactions was trimmed", ErrResyncRequired)
	}

	rewound := cursor.WithOpenTransactions(res.FirstTick, tids)
	w.setCursor(rewound)
	w.recovered = true

	if len(tids) > 0 {
		log.Info().
			Str("worker", w.config.Name).
			Int("transactions", len(tids)).
			Uint64("from", uint64(rewound.TickStart)).
			Msg("Replaying open transactions")
	}
	return nil
}

func (w *Worker) advance(res walaccess.Result) error {
	next := w.Cursor().Advance(res)
	w.setCursor(next)
	if err := w.config.Cursors.Save(w.config.Name, next); err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	telemetry.PublisherCursorTick.With(w.config.Name).Set(float64(next.TickStart))
	return nil
}

func (w *Worker) setCursor(c walaccess.Cursor) {
	w.cursorMu.Lock()
	w.cursor = c
	w.cursorMu.Unlock()
}

// apply is the tail callback: it feeds the transaction buffer and publishes
// whatever became committed
func (w *Worker) apply(d *db.Database, m *wal.Marker) error {
	events, err := w.buffer.Add(d, m)
	if err != nil {
		return err
	}

	for _, event := range events {
		event.ServerID = w.config.ServerID
		if !w.config.Filter.Match(event.Database, event.Collection) {
			telemetry.PublisherEventsTotal.With(w.config.Name, "filtered").Inc()
			continue
		}
		if err := w.publishEvent(event); err != nil {
			return err
		}
	}
	return nil
}

// publishEvent transforms and publishes one event, plus a tombstone for
// removes
func (w *Worker) publishEvent(event ChangeEvent) error {
	data, err := w.config.Transformer.Transform(event)
	if err != nil {
		return fmt.Errorf("failed to transform event: %w", err)
	}

	msg := Message{
		Topic: w.buildTopic(event.Database, event.Collection),
		Key:   event.Key,
		Value: data,
		Headers: map[string]string{
			HeaderTick:       event.Tick.String(),
			HeaderCommitTick: event.CommitTick.String(),
			HeaderTxn:        strconv.FormatUint(event.TxnID, 10),
		},
	}
	if err := w.publishWithRetry(msg); err != nil {
		return err
	}

	if event.Operation == OpDelete {
		msg.Value = w.config.Transformer.Tombstone(event.Key)
		if err := w.publishWithRetry(msg); err != nil {
			return err
		}
	}
	return nil
}

// buildTopic builds the topic name for an event
func (w *Worker) buildTopic(database, collection string) string {
	if w.config.TopicPrefix == "" {
		return fmt.Sprintf("%s.%s", database, collection)
	}
	return fmt.Sprintf("%s.%s.%s", w.config.TopicPrefix, database, collection)
}

// publishWithRetry publishes with exponential backoff. It gives up after
// MaxRetries attempts or when the worker stops.
func (w *Worker) publishWithRetry(msg Message) error {
	delay := w.config.RetryInitial
	attempts := 0

	for {
		started := time.Now()
		err := w.config.Sink.Publish(w.ctx, msg)
		telemetry.PublisherPublishSeconds.With(w.config.Name).Observe(time.Since(started).Seconds())
		if err == nil {
			telemetry.PublisherEventsTotal.With(w.config.Name, "published").Inc()
			return nil
		}
		telemetry.PublisherEventsTotal.With(w.config.Name, "failed").Inc()

		attempts++
		if attempts >= w.config.MaxRetries {
			return fmt.Errorf("exhausted max retries (%d) for topic %s: %w", w.config.MaxRetries, msg.Topic, err)
		}

		log.Warn().
			Err(err).
			Str("worker", w.config.Name).
			Str("topic", msg.Topic).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish event, retrying")

		if !w.sleep(delay) {
			return fmt.Errorf("worker stopped during retry: %w", w.ctx.Err())
		}
		delay = w.nextDelay(delay)
	}
}

func (w *Worker) nextDelay(delay time.Duration) time.Duration {
	delay = time.Duration(float64(delay) * w.config.RetryMultiplier)
	if delay > w.config.RetryMax {
		delay = w.config.RetryMax
	}
	return delay
}

// waitForHead blocks until the head moves, the poll interval passes or the
// worker stops
func (w *Worker) waitForHead(signals <-chan notify.Signal) {
	timer := time.NewTimer(w.config.PollInterval)
	defer timer.Stop()

	select {
	case <-w.ctx.Done():
	case <-timer.C:
	case _, ok := <-signals:
		if !ok {
			// Hub closed; fall back to polling
			w.sleep(w.config.PollInterval)
		}
	}
}

// sleep sleeps for the given duration. It returns false if the worker stopped.
func (w *Worker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
