package db

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

const (
	// SystemDatabaseName is created on first start and can never be dropped
	SystemDatabaseName = "_system"

	// SystemPrefix marks system databases and collections
	SystemPrefix = "_"
)

// IsSystemName reports whether name denotes a system database or collection
func IsSystemName(name string) bool {
	return strings.HasPrefix(name, SystemPrefix)
}

// CollectionType distinguishes document and edge collections
type CollectionType uint8

const (
	CollectionDocument CollectionType = 2
	CollectionEdge     CollectionType = 3
)

func (t CollectionType) String() string {
	if t == CollectionEdge {
		return "edge"
	}
	return "document"
}

// IndexDefinition describes a secondary index
type IndexDefinition struct {
	ID     uint64   `msgpack:"id" json:"id"`
	Type   string   `msgpack:"type" json:"type"`
	Fields []string `msgpack:"fields" json:"fields"`
	Unique bool     `msgpack:"unique,omitempty" json:"unique,omitempty"`
}

// Database is a live catalog entry. Handles returned by Use* calls are
// pinned and must be released.
type Database struct {
	id        uint64
	name      string
	createdAt time.Time

	collections *xsync.MapOf[uint64, *Collection]
	byName      *xsync.MapOf[string, *Collection]

	pins *pinCount
}

func newDatabase(rec DatabaseRecord) *Database {
	return &Database{
		id:          rec.ID,
		name:        rec.Name,
		createdAt:   rec.CreatedAt,
		collections: xsync.NewMapOf[uint64, *Collection](),
		byName:      xsync.NewMapOf[string, *Collection](),
		pins:        newPinCount(),
	}
}

func (d *Database) ID() uint64           { return d.id }
func (d *Database) Name() string         { return d.name }
func (d *Database) CreatedAt() time.Time { return d.createdAt }

// IsSystem reports whether this is a system database
func (d *Database) IsSystem() bool {
	return IsSystemName(d.name)
}

// Dropped reports whether the database was dropped
func (d *Database) Dropped() bool {
	return d.pins.dropped()
}

// Release drops a pin taken by DatabaseManager.UseDatabase
func (d *Database) Release() {
	d.pins.release()
}

// Pins returns the number of outstanding pins
func (d *Database) Pins() int64 {
	return d.pins.count()
}

// UseCollection pins a collection of this database. It returns nil if the
// collection is unknown, dropped, or belongs to another database.
func (d *Database) UseCollection(id uint64) *Collection {
	c, ok := d.collections.Load(id)
	if !ok || !c.pins.use() {
		return nil
	}
	return c
}

// LookupCollection finds a collection by name without pinning it
func (d *Database) LookupCollection(name string) *Collection {
	c, ok := d.byName.Load(name)
	if !ok || c.Dropped() {
		return nil
	}
	return c
}

// Collections returns a snapshot of live collections ordered by id
func (d *Database) Collections() []*Collection {
	var out []*Collection
	d.collections.Range(func(_ uint64, c *Collection) bool {
		if !c.Dropped() {
			out = append(out, c)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (d *Database) record() DatabaseRecord {
	return DatabaseRecord{ID: d.id, Name: d.name, CreatedAt: d.createdAt}
}

// Collection is a live catalog entry belonging to exactly one database
type Collection struct {
	id       uint64
	database *Database
	colType  CollectionType

	mu         sync.RWMutex
	name       string
	properties map[string]interface{}
	indexes    []IndexDefinition

	pins *pinCount
}

func newCollection(d *Database, rec CollectionRecord) *Collection {
	if rec.Type == 0 {
		rec.Type = CollectionDocument
	}
	return &Collection{
		id:         rec.ID,
		database:   d,
		colType:    rec.Type,
		name:       rec.Name,
		properties: rec.Properties,
		indexes:    rec.Indexes,
		pins:       newPinCount(),
	}
}

func (c *Collection) ID() uint64             { return c.id }
func (c *Collection) DatabaseID() uint64     { return c.database.id }
func (c *Collection) Database() *Database    { return c.database }
func (c *Collection) Type() CollectionType   { return c.colType }
func (c *Collection) Dropped() bool          { return c.pins.dropped() }
func (c *Collection) Release()               { c.pins.release() }
func (c *Collection) Pins() int64            { return c.pins.count() }
func (c *Collection) IsSystem() bool         { return IsSystemName(c.Name()) }

// Name returns the current name; collections can be renamed
func (c *Collection) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.name
}

// Properties returns a copy of the collection properties
func (c *Collection) Properties() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]interface{}, len(c.properties))
	for k, v := range c.properties {
		out[k] = v
	}
	return out
}

// Indexes returns a copy of the index definitions
func (c *Collection) Indexes() []IndexDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]IndexDefinition(nil), c.indexes...)
}

func (c *Collection) record() CollectionRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CollectionRecord{
		ID:         c.id,
		DatabaseID: c.database.id,
		Name:       c.name,
		Type:       c.colType,
		Properties: c.properties,
		Indexes:    c.indexes,
	}
}
