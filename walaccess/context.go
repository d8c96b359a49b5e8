package walaccess

import (
	"github.com/maxpert/waltail/db"
	"github.com/maxpert/waltail/wal"
)

// Catalog resolves database ids to pinned handles. It returns nil when the
// database does not exist; absence is never an error. *db.DatabaseManager
// implements it.
type Catalog interface {
	UseDatabase(id uint64) *db.Database
}

type collectionKey struct {
	dbid uint64
	cid  uint64
}

// Context memoizes database and collection lookups for a single call and
// keeps every handle it resolved pinned until Close. Negative lookups are
// cached too, so a vanished entity is looked up once per call.
//
// A Context is not safe for concurrent use.
type Context struct {
	filter  Filter
	catalog Catalog

	databases   map[uint64]*db.Database
	collections map[collectionKey]*db.Collection
}

// NewContext returns an empty resolution cache for one call
func NewContext(catalog Catalog, filter Filter) *Context {
	return &Context{
		filter:      filter,
		catalog:     catalog,
		databases:   make(map[uint64]*db.Database),
		collections: make(map[collectionKey]*db.Collection),
	}
}

// LoadDatabase returns the pinned database or nil if it does not exist
func (c *Context) LoadDatabase(dbid uint64) *db.Database {
	if d, ok := c.databases[dbid]; ok {
		return d
	}
	d := c.catalog.UseDatabase(dbid)
	c.databases[dbid] = d
	return d
}

// LoadCollection returns the pinned collection or nil if it does not exist
// or does not belong to database dbid
func (c *Context) LoadCollection(dbid, cid uint64) *db.Collection {
	key := collectionKey{dbid: dbid, cid: cid}
	if col, ok := c.collections[key]; ok {
		return col
	}

	var col *db.Collection
	if d := c.LoadDatabase(dbid); d != nil {
		col = d.UseCollection(cid)
	}
	c.collections[key] = col
	return col
}

// ShouldHandleCollection reports whether markers of collection cid pass the
// database, collection and system restrictions. Unresolvable collections
// are rejected.
func (c *Context) ShouldHandleCollection(dbid, cid uint64) bool {
	if !c.filter.admitsDatabase(dbid) {
		return false
	}
	if c.filter.CollectionID != 0 && c.filter.CollectionID != cid {
		return false
	}
	col := c.LoadCollection(dbid, cid)
	if col == nil {
		return false
	}
	return c.filter.IncludeSystem || !col.IsSystem()
}

// ShouldHandleMarker applies the complete filter to m
func (c *Context) ShouldHandleMarker(m *wal.Marker) bool {
	if !c.filter.admitsDatabase(m.DatabaseID) {
		return false
	}
	if !c.filter.admitsTick(m.Tick, m.TransactionID) {
		return false
	}

	switch m.Kind {
	case wal.KindCreateDatabase:
		return c.filter.CollectionID == 0

	case wal.KindDropDatabase:
		// Also ends every collection of the database
		return true

	case wal.KindBeginTransaction, wal.KindCommitTransaction, wal.KindAbortTransaction:
		return c.filter.CollectionID == 0

	case wal.KindCreateCollection, wal.KindDropCollection, wal.KindRenameCollection,
		wal.KindChangeCollection, wal.KindCreateIndex, wal.KindDropIndex:
		return c.shouldHandleCatalog(m)

	case wal.KindInsert, wal.KindUpdate, wal.KindRemove:
		return c.ShouldHandleCollection(m.DatabaseID, m.CollectionID)

	case wal.KindInvalid:
		return false
	}
	return false
}

// shouldHandleCatalog admits collection DDL markers even when the collection
// can no longer be resolved, so a follower replaying history sees its whole
// lifecycle. The system check then falls back to the name in the payload.
func (c *Context) shouldHandleCatalog(m *wal.Marker) bool {
	if c.filter.CollectionID != 0 && c.filter.CollectionID != m.CollectionID {
		return false
	}
	if c.filter.IncludeSystem {
		return true
	}
	if col := c.LoadCollection(m.DatabaseID, m.CollectionID); col != nil {
		return !col.IsSystem()
	}
	return !db.IsSystemName(payloadName(m))
}

func payloadName(m *wal.Marker) string {
	doc, err := m.Document()
	if err != nil {
		return ""
	}
	fields, ok := doc.(map[string]interface{})
	if !ok {
		return ""
	}
	if name, ok := fields["collection"].(string); ok {
		return name
	}
	name, _ := fields["name"].(string)
	return name
}

// Close releases every pin taken by this context
func (c *Context) Close() {
	for key, col := range c.collections {
		if col != nil {
			col.Release()
		}
		delete(c.collections, key)
	}
	for id, d := range c.databases {
		if d != nil {
			d.Release()
		}
		delete(c.databases, id)
	}
}

// pinned returns the number of live pins, for tests
func (c *Context) pinned() int {
	n := 0
	for _, col := range c.collections {
		if col != nil {
			n++
		}
	}
	for _, d := range c.databases {
		if d != nil {
			n++
		}
	}
	return n
}
