// Package transformer provides implementations of the publisher.Transformer interface
// for converting change events to various sink-specific formats.
package transformer

import (
	"encoding/json"
	"fmt"

	"github.com/maxpert/waltail/publisher"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

func init() {
	publisher.RegisterTransformer("debezium", func() publisher.Transformer {
		return NewDebeziumTransformer()
	})
}

// jsonSchemaName marks a string field carrying a JSON document, as document
// store connectors do
const jsonSchemaName = "io.debezium.data.Json"

// DebeziumTransformer transforms change events to Debezium JSON with Schema format.
//
// Documents are schemaless, so before and after are emitted as JSON strings
// the way document store connectors do. The envelope schema only depends on
// database and collection and is cached.
type DebeziumTransformer struct {
	connectorName string
	schemaCache   *xsync.MapOf[string, *debeziumEnvelopeSchema]
}

// NewDebeziumTransformer creates a new Debezium transformer
func NewDebeziumTransformer() *DebeziumTransformer {
	return &DebeziumTransformer{
		connectorName: "waltail",
		schemaCache:   xsync.NewMapOf[string, *debeziumEnvelopeSchema](),
	}
}

type debeziumEnvelopeSchema struct {
	Type   string                `json:"type"`
	Name   string                `json:"name"`
	Fields []debeziumSchemaField `json:"fields"`
}

type debeziumSchemaField struct {
	Field    string                `json:"field"`
	Type     string                `json:"type"`
	Optional bool                  `json:"optional,omitempty"`
	Name     string                `json:"name,omitempty"`
	Fields   []debeziumSchemaField `json:"fields,omitempty"`
}

type debeziumMessage struct {
	Schema  *debeziumEnvelopeSchema `json:"schema"`
	Payload debeziumPayload         `json:"payload"`
}

type debeziumPayload struct {
	Before *string        `json:"before"`
	After  *string        `json:"after"`
	Op     string         `json:"op"`
	Source debeziumSource `json:"source"`
}

type debeziumSource struct {
	Connector  string `json:"connector"`
	Server     uint64 `json:"server"`
	Db         string `json:"db"`
	Collection string `json:"collection"`
	TxID       uint64 `json:"txId"`
	Tick       uint64 `json:"tick"`
	CommitTick uint64 `json:"commitTick"`
}

// Transform converts a change event to Debezium JSON with Schema format
func (d *DebeziumTransformer) Transform(event publisher.ChangeEvent) ([]byte, error) {
	payload := debeziumPayload{
		Op: d.mapOperation(event.Operation),
		Source: debeziumSource{
			Connector:  d.connectorName,
			Server:     event.ServerID,
			Db:         event.Database,
			Collection: event.Collection,
			TxID:       event.TxnID,
			Tick:       uint64(event.Tick),
			CommitTick: uint64(event.CommitTick),
		},
	}

	if event.Operation == publisher.OpDelete {
		before, err := jsonString(map[string]interface{}{"_key": event.Key})
		if err != nil {
			return nil, err
		}
		payload.Before = before
	} else {
		after, err := jsonString(event.Document)
		if err != nil {
			return nil, err
		}
		payload.After = after
	}

	data, err := json.Marshal(debeziumMessage{
		Schema:  d.getOrBuildSchema(event.Database, event.Collection),
		Payload: payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// Tombstone creates a tombstone marker (null value for Kafka log compaction)
func (d *DebeziumTransformer) Tombstone(key string) []byte {
	return nil
}

func jsonString(v interface{}) (*string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}
	s := string(raw)
	return &s, nil
}

// mapOperation maps operation to Debezium operation
func (d *DebeziumTransformer) mapOperation(op uint8) string {
	switch op {
	case publisher.OpInsert:
		return "c"
	case publisher.OpUpdate:
		return "u"
	case publisher.OpDelete:
		return "d"
	default:
		log.Warn().Uint8("operation", op).Msg("unknown change operation, defaulting to update")
		return "u"
	}
}

func (d *DebeziumTransformer) getOrBuildSchema(database, collection string) *debeziumEnvelopeSchema {
	schema, _ := d.schemaCache.LoadOrCompute(database+"."+collection, func() *debeziumEnvelopeSchema {
		return d.buildEnvelopeSchema(database, collection)
	})
	return schema
}

func (d *DebeziumTransformer) buildEnvelopeSchema(database, collection string) *debeziumEnvelopeSchema {
	return &debeziumEnvelopeSchema{
		Type: "struct",
		Name: database + "." + collection + ".Envelope",
		Fields: []debeziumSchemaField{
			{Field: "before", Type: "string", Optional: true, Name: jsonSchemaName},
			{Field: "after", Type: "string", Optional: true, Name: jsonSchemaName},
			{Field: "op", Type: "string"},
			{
				Field: "source",
				Type:  "struct",
				Name:  "io.waltail.Source",
				Fields: []debeziumSchemaField{
					{Field: "connector", Type: "string"},
					{Field: "server", Type: "int64"},
					{Field: "db", Type: "string"},
					{Field: "collection", Type: "string"},
					{Field: "txId", Type: "int64"},
					{Field: "tick", Type: "int64"},
					{Field: "commitTick", Type: "int64"},
				},
			},
		},
	}
}
