package db

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/waltail/encoding"
	"github.com/rs/zerolog/log"
)

// Key prefixes for the catalog store
const (
	catalogPrefixDatabase   = "/catalog/db/"  // /catalog/db/{dbID:016x}
	catalogPrefixCollection = "/catalog/col/" // /catalog/col/{dbID:016x}/{cid:016x}
	catalogKeyIDSequence    = "/catalog/seq/id"
)

// idSeqBandwidth is the number of ids to pre-allocate at once
const idSeqBandwidth = 1000

// DatabaseRecord is the persisted form of a database
type DatabaseRecord struct {
	ID        uint64    `msgpack:"id"`
	Name      string    `msgpack:"name"`
	CreatedAt time.Time `msgpack:"created_at"`
}

// CollectionRecord is the persisted form of a collection
type CollectionRecord struct {
	ID         uint64                 `msgpack:"id"`
	DatabaseID uint64                 `msgpack:"db"`
	Name       string                 `msgpack:"name"`
	Type       CollectionType         `msgpack:"type"`
	Properties map[string]interface{} `msgpack:"props,omitempty"`
	Indexes    []IndexDefinition      `msgpack:"indexes,omitempty"`
}

// CatalogStore persists databases and collections so the catalog survives
// restarts. A nil *CatalogStore is valid and stores nothing.
type CatalogStore struct {
	db     *pebble.DB
	path   string
	closed atomic.Bool
}

// OpenCatalogStore opens or creates the catalog under dataDir/catalog
func OpenCatalogStore(dataDir string) (*CatalogStore, error) {
	path := filepath.Join(dataDir, "catalog")

	db, err := pebble.Open(path, &pebble.Options{Logger: &catalogLogger{}})
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog at %s: %w", path, err)
	}

	log.Info().Str("path", path).Msg("Opened catalog store")
	return &CatalogStore{db: db, path: path}, nil
}

type catalogLogger struct{}

func (catalogLogger) Infof(format string, args ...interface{}) {
	log.Debug().Msgf("[pebble] "+format, args...)
}

func (catalogLogger) Errorf(format string, args ...interface{}) {
	log.Error().Msgf("[pebble] "+format, args...)
}

func (catalogLogger) Fatalf(format string, args ...interface{}) {
	log.Fatal().Msgf("[pebble] "+format, args...)
}

func databaseKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", catalogPrefixDatabase, id))
}

func collectionKey(dbID, cid uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x/%016x", catalogPrefixCollection, dbID, cid))
}

func collectionPrefix(dbID uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x/", catalogPrefixCollection, dbID))
}

// SaveDatabase stores or replaces a database record
func (s *CatalogStore) SaveDatabase(rec DatabaseRecord) error {
	if s == nil {
		return nil
	}
	return s.put(databaseKey(rec.ID), rec)
}

// SaveCollection stores or replaces a collection record
func (s *CatalogStore) SaveCollection(rec CollectionRecord) error {
	if s == nil {
		return nil
	}
	return s.put(collectionKey(rec.DatabaseID, rec.ID), rec)
}

// DeleteDatabase removes a database and every collection record under it
func (s *CatalogStore) DeleteDatabase(id uint64) error {
	if s == nil {
		return nil
	}
	batch := s.db.NewBatch()
	defer batch.Close()

	prefix := collectionPrefix(id)
	if err := batch.DeleteRange(prefix, upperBound(prefix), nil); err != nil {
		return err
	}
	if err := batch.Delete(databaseKey(id), nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

// DeleteCollection removes a collection record
func (s *CatalogStore) DeleteCollection(dbID, cid uint64) error {
	if s == nil {
		return nil
	}
	return s.db.Delete(collectionKey(dbID, cid), pebble.Sync)
}

// Load returns every stored database and collection
func (s *CatalogStore) Load() ([]DatabaseRecord, []CollectionRecord, error) {
	if s == nil {
		return nil, nil, nil
	}

	var dbs []DatabaseRecord
	err := s.scan([]byte(catalogPrefixDatabase), func(val []byte) error {
		var rec DatabaseRecord
		if err := encoding.Unmarshal(val, &rec); err != nil {
			return err
		}
		dbs = append(dbs, rec)
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load databases: %w", err)
	}

	var cols []CollectionRecord
	err = s.scan([]byte(catalogPrefixCollection), func(val []byte) error {
		var rec CollectionRecord
		if err := encoding.Unmarshal(val, &rec); err != nil {
			return err
		}
		cols = append(cols, rec)
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load collections: %w", err)
	}

	return dbs, cols, nil
}

// Close closes the underlying pebble database
func (s *CatalogStore) Close() error {
	if s == nil || !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func (s *CatalogStore) put(key []byte, v interface{}) error {
	val, err := encoding.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Set(key, val, pebble.Sync)
}

func (s *CatalogStore) scan(prefix []byte, fn func(val []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		if err := fn(val); err != nil {
			return err
		}
	}
	return iter.Error()
}

func upperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// IDSequence hands out catalog and transaction ids. When backed by a
// CatalogStore it leases blocks of ids so restarts never reuse one.
type IDSequence struct {
	store     *CatalogStore
	bandwidth uint64

	mu       sync.Mutex
	nextVal  uint64
	leaseEnd uint64
}

// NewIDSequence resumes from the persisted lease end. store may be nil.
func NewIDSequence(store *CatalogStore) (*IDSequence, error) {
	var leaseEnd uint64 = 1

	if store != nil {
		val, closer, err := store.db.Get([]byte(catalogKeyIDSequence))
		if err == nil {
			if len(val) >= 8 {
				leaseEnd = binary.BigEndian.Uint64(val)
			}
			closer.Close()
		} else if err != pebble.ErrNotFound {
			return nil, fmt.Errorf("failed to read id sequence: %w", err)
		}
	}

	return &IDSequence{
		store:     store,
		bandwidth: idSeqBandwidth,
		nextVal:   leaseEnd,
		leaseEnd:  leaseEnd,
	}, nil
}

// Next returns the next id
func (s *IDSequence) Next() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.store != nil && s.nextVal >= s.leaseEnd {
		newLease := s.nextVal + s.bandwidth

		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, newLease)
		if err := s.store.db.Set([]byte(catalogKeyIDSequence), buf, pebble.Sync); err != nil {
			return 0, fmt.Errorf("failed to persist id sequence: %w", err)
		}

		s.leaseEnd = newLease
	}

	val := s.nextVal
	s.nextVal++
	return val, nil
}

// Observe makes sure no id <= seen is handed out again
func (s *IDSequence) Observe(seen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seen >= s.nextVal {
		s.nextVal = seen + 1
	}
}

// Close persists the unused part of the lease to minimize gaps on restart
func (s *IDSequence) Close() error {
	if s.store == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, s.nextVal)
	return s.store.db.Set([]byte(catalogKeyIDSequence), buf, pebble.Sync)
}
