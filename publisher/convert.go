package publisher

import (
	"fmt"

	"github.com/maxpert/waltail/db"
	"github.com/maxpert/waltail/wal"
)

// toChangeEvent converts a data marker into an unpublished change event.
// CommitTick is filled in once the transaction commits.
func toChangeEvent(d *db.Database, m *wal.Marker) (ChangeEvent, error) {
	var op uint8
	switch m.Kind {
	case wal.KindInsert:
		op = OpInsert
	case wal.KindUpdate:
		op = OpUpdate
	case wal.KindRemove:
		op = OpDelete
	default:
		return ChangeEvent{}, fmt.Errorf("marker at tick %d is not a data marker: %s", m.Tick, m.Kind)
	}

	event := ChangeEvent{
		Tick:       m.Tick,
		CommitTick: m.Tick,
		TxnID:      m.TransactionID,
		Operation:  op,
	}

	if d != nil {
		event.Database = d.Name()
		if c := d.UseCollection(m.CollectionID); c != nil {
			event.Collection = c.Name()
			c.Release()
		}
	}
	if event.Collection == "" {
		event.Collection = fmt.Sprintf("%d", m.CollectionID)
	}

	doc, err := m.Document()
	if err != nil {
		return ChangeEvent{}, fmt.Errorf("failed to decode document at tick %d: %w", m.Tick, err)
	}
	if fields, ok := doc.(map[string]interface{}); ok {
		if key, ok := fields[db.KeyField].(string); ok {
			event.Key = key
		}
		if op != OpDelete {
			event.Document = fields
		}
	}

	return event, nil
}
