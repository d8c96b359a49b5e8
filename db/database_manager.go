package db

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/maxpert/waltail/tick"
	"github.com/maxpert/waltail/wal"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

var (
	ErrDatabaseNotFound   = errors.New("database not found")
	ErrCollectionNotFound = errors.New("collection not found")
	ErrDuplicateName      = errors.New("duplicate name")
	ErrSystemDatabase     = errors.New("cannot drop system database")
	ErrInvalidName        = errors.New("invalid name")
	ErrIndexNotFound      = errors.New("index not found")
)

// MarkerWriter logs catalog and document changes. *wal.Writer implements it.
type MarkerWriter interface {
	Write(markers ...*wal.Marker) (tick.Range, error)
}

// DatabaseManager owns the catalog of databases and collections and logs
// every change to the WAL
type DatabaseManager struct {
	mu     sync.Mutex // serializes catalog mutations
	byID   *xsync.MapOf[uint64, *Database]
	byName *xsync.MapOf[string, *Database]

	writer MarkerWriter
	store  *CatalogStore
	ids    *IDSequence

	systemDB *Database
}

// NewDatabaseManager loads the catalog from store (which may be nil) and
// makes sure the system database exists
func NewDatabaseManager(writer MarkerWriter, store *CatalogStore) (*DatabaseManager, error) {
	if writer == nil {
		return nil, fmt.Errorf("marker writer is required")
	}

	ids, err := NewIDSequence(store)
	if err != nil {
		return nil, err
	}

	dm := &DatabaseManager{
		byID:   xsync.NewMapOf[uint64, *Database](),
		byName: xsync.NewMapOf[string, *Database](),
		writer: writer,
		store:  store,
		ids:    ids,
	}

	if err := dm.loadCatalog(); err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}

	if d, ok := dm.byName.Load(SystemDatabaseName); ok {
		dm.systemDB = d
	} else {
		d, err := dm.CreateDatabase(SystemDatabaseName)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize system database: %w", err)
		}
		dm.systemDB = d
	}

	log.Info().Int("count", dm.byID.Size()).Msg("DatabaseManager initialized")
	return dm, nil
}

func (dm *DatabaseManager) loadCatalog() error {
	dbs, cols, err := dm.store.Load()
	if err != nil {
		return err
	}

	for _, rec := range dbs {
		d := newDatabase(rec)
		dm.byID.Store(d.id, d)
		dm.byName.Store(d.name, d)
		dm.ids.Observe(d.id)
	}

	for _, rec := range cols {
		d, ok := dm.byID.Load(rec.DatabaseID)
		if !ok {
			log.Warn().Uint64("collection", rec.ID).Uint64("database", rec.DatabaseID).
				Msg("Skipping collection of unknown database")
			continue
		}
		c := newCollection(d, rec)
		d.collections.Store(c.id, c)
		d.byName.Store(c.name, c)
		dm.ids.Observe(c.id)
	}
	return nil
}

// NextID allocates a catalog or transaction id
func (dm *DatabaseManager) NextID() (uint64, error) {
	return dm.ids.Next()
}

// CreateDatabase creates a database and logs its create marker
func (dm *DatabaseManager) CreateDatabase(name string) (*Database, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty database name", ErrInvalidName)
	}

	dm.mu.Lock()
	defer dm.mu.Unlock()

	if _, exists := dm.byName.Load(name); exists {
		return nil, fmt.Errorf("%w: database %s", ErrDuplicateName, name)
	}

	id, err := dm.ids.Next()
	if err != nil {
		return nil, err
	}

	d := newDatabase(DatabaseRecord{ID: id, Name: name, CreatedAt: time.Now()})
	if err := dm.logCatalog(wal.KindCreateDatabase, d.id, 0, map[string]interface{}{
		"id":   d.id,
		"name": d.name,
	}); err != nil {
		return nil, err
	}
	if err := dm.store.SaveDatabase(d.record()); err != nil {
		return nil, fmt.Errorf("failed to persist database %s: %w", name, err)
	}

	dm.byID.Store(d.id, d)
	dm.byName.Store(d.name, d)

	log.Info().Str("name", name).Uint64("id", id).Msg("Database created")
	return d, nil
}

// DropDatabase drops a database with all its collections. New pins fail
// immediately; DropDatabase then waits for outstanding pins until ctx is done.
func (dm *DatabaseManager) DropDatabase(ctx context.Context, name string) error {
	if name == SystemDatabaseName {
		return ErrSystemDatabase
	}

	dm.mu.Lock()
	d, exists := dm.byName.Load(name)
	if !exists {
		dm.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDatabaseNotFound, name)
	}

	if err := dm.logCatalog(wal.KindDropDatabase, d.id, 0, map[string]interface{}{
		"id":   d.id,
		"name": d.name,
	}); err != nil {
		dm.mu.Unlock()
		return err
	}

	d.pins.markDropped()
	d.collections.Range(func(_ uint64, c *Collection) bool {
		c.pins.markDropped()
		return true
	})
	dm.byName.Delete(name)
	dm.byID.Delete(d.id)

	if err := dm.store.DeleteDatabase(d.id); err != nil {
		log.Error().Err(err).Str("name", name).Msg("Failed to remove database from catalog store")
	}
	dm.mu.Unlock()

	log.Info().Str("name", name).Uint64("id", d.id).Msg("Database dropped")

	if err := d.pins.wait(ctx); err != nil {
		return fmt.Errorf("database %s dropped with %d pins outstanding: %w", name, d.pins.count(), err)
	}
	var waitErr error
	d.collections.Range(func(_ uint64, c *Collection) bool {
		if err := c.pins.wait(ctx); err != nil {
			waitErr = fmt.Errorf("collection %s dropped with pins outstanding: %w", c.Name(), err)
			return false
		}
		return true
	})
	return waitErr
}

// GetDatabase returns a database by name without pinning it
func (dm *DatabaseManager) GetDatabase(name string) (*Database, error) {
	d, ok := dm.byName.Load(name)
	if !ok || d.Dropped() {
		return nil, fmt.Errorf("%w: %s", ErrDatabaseNotFound, name)
	}
	return d, nil
}

// UseDatabase pins a database by id. It returns nil when the database is
// unknown or dropped; not-found is never an error.
func (dm *DatabaseManager) UseDatabase(id uint64) *Database {
	d, ok := dm.byID.Load(id)
	if !ok || !d.pins.use() {
		return nil
	}
	return d
}

// UseDatabaseByName pins a database by name
func (dm *DatabaseManager) UseDatabaseByName(name string) *Database {
	d, ok := dm.byName.Load(name)
	if !ok || !d.pins.use() {
		return nil
	}
	return d
}

// DatabaseExists checks if a live database with name exists
func (dm *DatabaseManager) DatabaseExists(name string) bool {
	_, err := dm.GetDatabase(name)
	return err == nil
}

// ListDatabases returns the names of live databases, sorted
func (dm *DatabaseManager) ListDatabases() []string {
	var names []string
	dm.byName.Range(func(name string, d *Database) bool {
		if !d.Dropped() {
			names = append(names, name)
		}
		return true
	})
	sort.Strings(names)
	return names
}

// SystemDatabase returns the _system database
func (dm *DatabaseManager) SystemDatabase() *Database {
	return dm.systemDB
}

// CreateCollection creates a collection in database dbName
func (dm *DatabaseManager) CreateCollection(dbName, name string, colType CollectionType, props map[string]interface{}) (*Collection, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty collection name", ErrInvalidName)
	}

	dm.mu.Lock()
	defer dm.mu.Unlock()

	d, err := dm.GetDatabase(dbName)
	if err != nil {
		return nil, err
	}
	if existing := d.LookupCollection(name); existing != nil {
		return nil, fmt.Errorf("%w: collection %s/%s", ErrDuplicateName, dbName, name)
	}

	id, err := dm.ids.Next()
	if err != nil {
		return nil, err
	}

	c := newCollection(d, CollectionRecord{ID: id, DatabaseID: d.id, Name: name, Type: colType, Properties: props})
	if err := dm.logCatalog(wal.KindCreateCollection, d.id, c.id, map[string]interface{}{
		"cid":        c.id,
		"name":       name,
		"type":       uint8(c.colType),
		"properties": props,
	}); err != nil {
		return nil, err
	}
	if err := dm.store.SaveCollection(c.record()); err != nil {
		return nil, fmt.Errorf("failed to persist collection %s: %w", name, err)
	}

	d.collections.Store(c.id, c)
	d.byName.Store(name, c)

	log.Info().Str("database", dbName).Str("name", name).Uint64("id", id).Msg("Collection created")
	return c, nil
}

// DropCollection drops a collection and waits for outstanding pins
func (dm *DatabaseManager) DropCollection(ctx context.Context, dbName, name string) error {
	dm.mu.Lock()
	d, err := dm.GetDatabase(dbName)
	if err != nil {
		dm.mu.Unlock()
		return err
	}
	c := d.LookupCollection(name)
	if c == nil {
		dm.mu.Unlock()
		return fmt.Errorf("%w: %s/%s", ErrCollectionNotFound, dbName, name)
	}

	if err := dm.logCatalog(wal.KindDropCollection, d.id, c.id, map[string]interface{}{
		"cid":  c.id,
		"name": name,
	}); err != nil {
		dm.mu.Unlock()
		return err
	}

	c.pins.markDropped()
	d.byName.Delete(name)
	d.collections.Delete(c.id)
	if err := dm.store.DeleteCollection(d.id, c.id); err != nil {
		log.Error().Err(err).Str("name", name).Msg("Failed to remove collection from catalog store")
	}
	dm.mu.Unlock()

	log.Info().Str("database", dbName).Str("name", name).Uint64("id", c.id).Msg("Collection dropped")

	if err := c.pins.wait(ctx); err != nil {
		return fmt.Errorf("collection %s dropped with %d pins outstanding: %w", name, c.pins.count(), err)
	}
	return nil
}

// RenameCollection renames a collection within its database
func (dm *DatabaseManager) RenameCollection(dbName, oldName, newName string) error {
	if newName == "" {
		return fmt.Errorf("%w: empty collection name", ErrInvalidName)
	}

	dm.mu.Lock()
	defer dm.mu.Unlock()

	d, c, err := dm.lookupCollection(dbName, oldName)
	if err != nil {
		return err
	}
	if d.LookupCollection(newName) != nil {
		return fmt.Errorf("%w: collection %s/%s", ErrDuplicateName, dbName, newName)
	}

	if err := dm.logCatalog(wal.KindRenameCollection, d.id, c.id, map[string]interface{}{
		"oldName": oldName,
		"name":    newName,
	}); err != nil {
		return err
	}

	c.mu.Lock()
	c.name = newName
	c.mu.Unlock()
	d.byName.Delete(oldName)
	d.byName.Store(newName, c)

	return dm.store.SaveCollection(c.record())
}

// ChangeCollection merges props into the collection properties
func (dm *DatabaseManager) ChangeCollection(dbName, name string, props map[string]interface{}) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	d, c, err := dm.lookupCollection(dbName, name)
	if err != nil {
		return err
	}

	if err := dm.logCatalog(wal.KindChangeCollection, d.id, c.id, map[string]interface{}{
		"collection": name,
		"properties": props,
	}); err != nil {
		return err
	}

	c.mu.Lock()
	if c.properties == nil {
		c.properties = make(map[string]interface{}, len(props))
	}
	for k, v := range props {
		c.properties[k] = v
	}
	c.mu.Unlock()

	return dm.store.SaveCollection(c.record())
}

// CreateIndex adds an index definition to a collection. The index id is
// assigned here.
func (dm *DatabaseManager) CreateIndex(dbName, name string, def IndexDefinition) (IndexDefinition, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	d, c, err := dm.lookupCollection(dbName, name)
	if err != nil {
		return IndexDefinition{}, err
	}

	id, err := dm.ids.Next()
	if err != nil {
		return IndexDefinition{}, err
	}
	def.ID = id

	if err := dm.logCatalog(wal.KindCreateIndex, d.id, c.id, map[string]interface{}{
		"collection": name,
		"index":      def,
	}); err != nil {
		return IndexDefinition{}, err
	}

	c.mu.Lock()
	c.indexes = append(c.indexes, def)
	c.mu.Unlock()

	return def, dm.store.SaveCollection(c.record())
}

// DropIndex removes an index from a collection
func (dm *DatabaseManager) DropIndex(dbName, name string, indexID uint64) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	d, c, err := dm.lookupCollection(dbName, name)
	if err != nil {
		return err
	}

	c.mu.Lock()
	pos := -1
	for i, idx := range c.indexes {
		if idx.ID == indexID {
			pos = i
			break
		}
	}
	c.mu.Unlock()
	if pos < 0 {
		return fmt.Errorf("%w: %d", ErrIndexNotFound, indexID)
	}

	if err := dm.logCatalog(wal.KindDropIndex, d.id, c.id, map[string]interface{}{
		"collection": name,
		"id":         indexID,
	}); err != nil {
		return err
	}

	c.mu.Lock()
	c.indexes = append(c.indexes[:pos:pos], c.indexes[pos+1:]...)
	c.mu.Unlock()

	return dm.store.SaveCollection(c.record())
}

// Close persists the id sequence and closes the catalog store
func (dm *DatabaseManager) Close() error {
	if err := dm.ids.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to persist id sequence")
	}
	return dm.store.Close()
}

func (dm *DatabaseManager) lookupCollection(dbName, name string) (*Database, *Collection, error) {
	d, err := dm.GetDatabase(dbName)
	if err != nil {
		return nil, nil, err
	}
	c := d.LookupCollection(name)
	if c == nil {
		return nil, nil, fmt.Errorf("%w: %s/%s", ErrCollectionNotFound, dbName, name)
	}
	return d, c, nil
}

func (dm *DatabaseManager) logCatalog(kind wal.Kind, dbID, cid uint64, body interface{}) error {
	payload, err := wal.NewPayload(body)
	if err != nil {
		return fmt.Errorf("failed to encode %s marker: %w", kind, err)
	}
	_, err = dm.writer.Write(&wal.Marker{
		Kind:         kind,
		DatabaseID:   dbID,
		CollectionID: cid,
		Payload:      payload,
	})
	if err != nil {
		return fmt.Errorf("failed to log %s: %w", kind, err)
	}
	return nil
}
