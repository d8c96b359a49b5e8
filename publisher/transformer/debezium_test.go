package transformer

import (
	"encoding/json"
	"testing"

	"github.com/maxpert/waltail/publisher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ publisher.Transformer = (*DebeziumTransformer)(nil)
	_ publisher.Transformer = JSONTransformer{}
)

func decode(t *testing.T, data []byte) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestDebeziumTransformerInsert(t *testing.T) {
	tr := NewDebeziumTransformer()
	data, err := tr.Transform(publisher.ChangeEvent{
		Tick:       41,
		CommitTick: 44,
		TxnID:      12345,
		Database:   "shop",
		Collection: "users",
		Operation:  publisher.OpInsert,
		Key:        "1",
		Document:   map[string]interface{}{"_key": "1", "name": "Alice"},
		ServerID:   9,
	})
	require.NoError(t, err)

	msg := decode(t, data)
	schema := msg["schema"].(map[string]interface{})
	assert.Equal(t, "shop.users.Envelope", schema["name"])
	assert.Len(t, schema["fields"], 4)

	payload := msg["payload"].(map[string]interface{})
	assert.Equal(t, "c", payload["op"])
	assert.Nil(t, payload["before"])
	assert.JSONEq(t, `{"_key":"1","name":"Alice"}`, payload["after"].(string))

	source := payload["source"].(map[string]interface{})
	assert.Equal(t, "waltail", source["connector"])
	assert.Equal(t, "users", source["collection"])
	assert.Equal(t, float64(12345), source["txId"])
	assert.Equal(t, float64(41), source["tick"])
	assert.Equal(t, float64(44), source["commitTick"])
	assert.Equal(t, float64(9), source["server"])
}

func TestDebeziumTransformerOperations(t *testing.T) {
	tr := NewDebeziumTransformer()

	data, err := tr.Transform(publisher.ChangeEvent{Database: "shop", Collection: "users", Operation: publisher.OpUpdate,
		Document: map[string]interface{}{"_key": "1", "age": 31}})
	require.NoError(t, err)
	assert.Equal(t, "u", decode(t, data)["payload"].(map[string]interface{})["op"])

	data, err = tr.Transform(publisher.ChangeEvent{Database: "shop", Collection: "users", Operation: publisher.OpDelete, Key: "1"})
	require.NoError(t, err)
	payload := decode(t, data)["payload"].(map[string]interface{})
	assert.Equal(t, "d", payload["op"])
	assert.Nil(t, payload["after"])
	assert.JSONEq(t, `{"_key":"1"}`, payload["before"].(string))

	assert.Nil(t, tr.Tombstone("1"))
	assert.Equal(t, "u", tr.mapOperation(99))
}

func TestDebeziumTransformerCachesSchema(t *testing.T) {
	tr := NewDebeziumTransformer()
	a := tr.getOrBuildSchema("shop", "users")
	assert.Same(t, a, tr.getOrBuildSchema("shop", "users"))
	assert.NotSame(t, a, tr.getOrBuildSchema("shop", "orders"))
	assert.Equal(t, 2, tr.schemaCache.Size())
}

func TestJSONTransformer(t *testing.T) {
	data, err := JSONTransformer{}.Transform(publisher.ChangeEvent{
		Tick: 7, CommitTick: 9, TxnID: 3, Database: "shop", Collection: "users",
		Operation: publisher.OpInsert, Key: "k", Document: map[string]interface{}{"_key": "k"},
	})
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"tick":"7","commitTick":"9","txn":3,"db":"shop","collection":"users","op":0,"key":"k","doc":{"_key":"k"},"server":0}`,
		string(data))
}
