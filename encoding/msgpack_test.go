package encoding

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal_Basic(t *testing.T) {
	tests := []struct {
		name  string
		input interface{}
	}{
		{"string", "hello world"},
		{"int", 12345},
		{"slice", []int{1, 2, 3}},
		{"map", map[string]interface{}{"name": "alice", "age": 30}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			data, err := Marshal(tc.input)
			require.NoError(t, err)
			assert.NotEmpty(t, data)
		})
	}
}

func TestMarshal_Deterministic(t *testing.T) {
	doc := map[string]interface{}{"b": 2, "a": 1, "c": 3}

	first, err := Marshal(doc)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := Marshal(doc)
		require.NoError(t, err)
		assert.Equal(t, first, again, "map keys must be encoded in sorted order")
	}
}

func TestMarshal_Concurrent(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				data, err := Marshal(map[string]interface{}{"g": id, "i": j})
				if err != nil {
					t.Errorf("Marshal failed: %v", err)
					return
				}
				var out map[string]interface{}
				if err := Unmarshal(data, &out); err != nil {
					t.Errorf("Unmarshal failed: %v", err)
					return
				}
			}
		}(i)
	}
	wg.Wait()
}

func TestDocument(t *testing.T) {
	payload, err := Marshal(map[string]interface{}{
		"_key": "users/1",
		"age":  42,
		"tags": []string{"a", "b"},
	})
	require.NoError(t, err)

	doc, err := Document(payload)
	require.NoError(t, err)

	m, ok := doc.(map[string]interface{})
	require.True(t, ok, "expected map, got %T", doc)
	assert.Equal(t, "users/1", m["_key"])
	assert.EqualValues(t, 42, m["age"])
	assert.Len(t, m["tags"], 2)

	empty, err := Document(nil)
	require.NoError(t, err)
	assert.Nil(t, empty)
}
