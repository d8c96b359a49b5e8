package db

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/maxpert/waltail/tick"
	"github.com/maxpert/waltail/wal"
	"github.com/rs/zerolog/log"
)

// ErrTransactionFinished is returned when using a committed or aborted transaction
var ErrTransactionFinished = errors.New("transaction already finished")

// ErrMissingKey is returned for updates and removes without a document key
var ErrMissingKey = errors.New("document has no _key")

// KeyField is the document attribute holding its primary key
const KeyField = "_key"

// TxnStatus represents transaction state
type TxnStatus int

const (
	TxnStatusOpen TxnStatus = iota
	TxnStatusCommitted
	TxnStatusAborted
)

func (s TxnStatus) String() string {
	switch s {
	case TxnStatusOpen:
		return "open"
	case TxnStatusCommitted:
		return "committed"
	case TxnStatusAborted:
		return "aborted"
	}
	return "unknown"
}

// Transaction groups document writes of one database between a begin marker
// and a commit or abort marker. The database stays pinned until it finishes.
type Transaction struct {
	ID        uint64
	BeginTick tick.Tick

	mu      sync.Mutex
	dm      *DatabaseManager
	db      *Database
	status  TxnStatus
	touched map[uint64]struct{}
}

// Begin starts a transaction on database dbName
func (dm *DatabaseManager) Begin(dbName string) (*Transaction, error) {
	d := dm.UseDatabaseByName(dbName)
	if d == nil {
		return nil, fmt.Errorf("%w: %s", ErrDatabaseNotFound, dbName)
	}

	id, err := dm.ids.Next()
	if err != nil {
		d.Release()
		return nil, err
	}

	r, err := dm.writer.Write(&wal.Marker{
		Kind:          wal.KindBeginTransaction,
		DatabaseID:    d.id,
		TransactionID: id,
	})
	if err != nil {
		d.Release()
		return nil, fmt.Errorf("failed to log transaction begin: %w", err)
	}

	log.Debug().Uint64("txn_id", id).Str("database", dbName).Uint64("tick", uint64(r.Min)).Msg("Transaction started")

	return &Transaction{
		ID:        id,
		BeginTick: r.Min,
		dm:        dm,
		db:        d,
		status:    TxnStatusOpen,
		touched:   make(map[uint64]struct{}),
	}, nil
}

// Status returns the current transaction state
func (t *Transaction) Status() TxnStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Insert logs an insert. A missing _key is generated.
func (t *Transaction) Insert(collection string, doc map[string]interface{}) (tick.Tick, error) {
	return t.write(wal.KindInsert, collection, doc)
}

// Update logs a document update; doc must carry _key
func (t *Transaction) Update(collection string, doc map[string]interface{}) (tick.Tick, error) {
	return t.write(wal.KindUpdate, collection, doc)
}

// Remove logs a document removal
func (t *Transaction) Remove(collection, key string) (tick.Tick, error) {
	return t.write(wal.KindRemove, collection, map[string]interface{}{KeyField: key})
}

// Commit logs the commit marker and releases the database
func (t *Transaction) Commit() (tick.Tick, error) {
	return t.finish(wal.KindCommitTransaction, TxnStatusCommitted)
}

// Abort logs the abort marker and releases the database
func (t *Transaction) Abort() (tick.Tick, error) {
	return t.finish(wal.KindAbortTransaction, TxnStatusAborted)
}

func (t *Transaction) write(kind wal.Kind, collection string, doc map[string]interface{}) (tick.Tick, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status != TxnStatusOpen {
		return tick.None, ErrTransactionFinished
	}

	at, cid, err := t.dm.writeDocument(t.db, t.ID, kind, collection, doc)
	if err != nil {
		return tick.None, err
	}
	t.touched[cid] = struct{}{}
	return at, nil
}

func (t *Transaction) finish(kind wal.Kind, status TxnStatus) (tick.Tick, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status != TxnStatusOpen {
		return tick.None, ErrTransactionFinished
	}

	r, err := t.dm.writer.Write(&wal.Marker{
		Kind:          kind,
		DatabaseID:    t.db.id,
		TransactionID: t.ID,
	})
	if err != nil {
		return tick.None, fmt.Errorf("failed to log %s: %w", kind, err)
	}

	t.status = status
	t.db.Release()

	log.Debug().Uint64("txn_id", t.ID).Str("status", status.String()).Int("collections", len(t.touched)).
		Uint64("tick", uint64(r.Min)).Msg("Transaction finished")
	return r.Min, nil
}

// Insert logs a single-operation insert outside any transaction
func (dm *DatabaseManager) Insert(dbName, collection string, doc map[string]interface{}) (tick.Tick, error) {
	return dm.writeStandalone(wal.KindInsert, dbName, collection, doc)
}

// Update logs a single-operation update outside any transaction
func (dm *DatabaseManager) Update(dbName, collection string, doc map[string]interface{}) (tick.Tick, error) {
	return dm.writeStandalone(wal.KindUpdate, dbName, collection, doc)
}

// Remove logs a single-operation remove outside any transaction
func (dm *DatabaseManager) Remove(dbName, collection, key string) (tick.Tick, error) {
	return dm.writeStandalone(wal.KindRemove, dbName, collection, map[string]interface{}{KeyField: key})
}

func (dm *DatabaseManager) writeStandalone(kind wal.Kind, dbName, collection string, doc map[string]interface{}) (tick.Tick, error) {
	d := dm.UseDatabaseByName(dbName)
	if d == nil {
		return tick.None, fmt.Errorf("%w: %s", ErrDatabaseNotFound, dbName)
	}
	defer d.Release()

	at, _, err := dm.writeDocument(d, 0, kind, collection, doc)
	return at, err
}

// writeDocument logs one data marker while holding a pin on the collection
func (dm *DatabaseManager) writeDocument(d *Database, tid uint64, kind wal.Kind, collection string, doc map[string]interface{}) (tick.Tick, uint64, error) {
	named := d.LookupCollection(collection)
	if named == nil {
		return tick.None, 0, fmt.Errorf("%w: %s/%s", ErrCollectionNotFound, d.name, collection)
	}
	c := d.UseCollection(named.id)
	if c == nil {
		return tick.None, 0, fmt.Errorf("%w: %s/%s", ErrCollectionNotFound, d.name, collection)
	}
	defer c.Release()

	if _, ok := doc[KeyField].(string); !ok {
		if kind != wal.KindInsert {
			return tick.None, 0, ErrMissingKey
		}
		id, err := dm.ids.Next()
		if err != nil {
			return tick.None, 0, err
		}
		doc = withKey(doc, strconv.FormatUint(id, 10))
	}

	payload, err := wal.NewPayload(doc)
	if err != nil {
		return tick.None, 0, fmt.Errorf("failed to encode document: %w", err)
	}

	r, err := dm.writer.Write(&wal.Marker{
		Kind:          kind,
		DatabaseID:    d.id,
		CollectionID:  c.id,
		TransactionID: tid,
		Payload:       payload,
	})
	if err != nil {
		return tick.None, 0, fmt.Errorf("failed to log %s: %w", kind, err)
	}
	return r.Min, c.id, nil
}

func withKey(doc map[string]interface{}, key string) map[string]interface{} {
	out := make(map[string]interface{}, len(doc)+1)
	for k, v := range doc {
		out[k] = v
	}
	out[KeyField] = key
	return out
}
