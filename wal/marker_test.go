package wal

import (
	"errors"
	"testing"

	"github.com/maxpert/waltail/encoding"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindPredicates(t *testing.T) {
	tests := []struct {
		kind     Kind
		data     bool
		control  bool
		ddl      bool
		dbLevel  bool
		drop     bool
		terminal bool
	}{
		{KindCreateDatabase, false, false, true, true, false, false},
		{KindDropDatabase, false, false, true, true, true, false},
		{KindCreateCollection, false, false, true, false, false, false},
		{KindDropCollection, false, false, true, false, true, false},
		{KindRenameCollection, false, false, true, false, false, false},
		{KindChangeCollection, false, false, true, false, false, false},
		{KindCreateIndex, false, false, true, false, false, false},
		{KindDropIndex, false, false, true, false, false, false},
		{KindBeginTransaction, false, true, false, false, false, false},
		{KindCommitTransaction, false, true, false, false, false, true},
		{KindAbortTransaction, false, true, false, false, false, true},
		{KindInsert, true, false, false, false, false, false},
		{KindUpdate, true, false, false, false, false, false},
		{KindRemove, true, false, false, false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.True(t, tt.kind.Valid())
			assert.Equal(t, tt.data, tt.kind.IsData())
			assert.Equal(t, tt.control, tt.kind.IsTransactionControl())
			assert.Equal(t, tt.ddl, tt.kind.IsDDL())
			assert.Equal(t, tt.dbLevel, tt.kind.IsDatabaseLevel())
			assert.Equal(t, tt.drop, tt.kind.IsDrop())
			assert.Equal(t, tt.terminal, tt.kind.IsTerminal())
		})
	}

	assert.False(t, KindInvalid.Valid())
	assert.False(t, Kind(9999).Valid())
	assert.Equal(t, "kind(9999)", Kind(9999).String())
}

func TestMarkerValidate(t *testing.T) {
	tests := []struct {
		name    string
		marker  Marker
		wantErr bool
	}{
		{"insert", Marker{Kind: KindInsert, DatabaseID: 1, CollectionID: 2}, false},
		{"insert in transaction", Marker{Kind: KindInsert, DatabaseID: 1, CollectionID: 2, TransactionID: 9}, false},
		{"create database", Marker{Kind: KindCreateDatabase, DatabaseID: 1}, false},
		{"begin", Marker{Kind: KindBeginTransaction, DatabaseID: 1, TransactionID: 9}, false},
		{"invalid kind", Marker{Kind: KindInvalid, DatabaseID: 1, CollectionID: 2}, true},
		{"no database", Marker{Kind: KindInsert, CollectionID: 2}, true},
		{"insert without collection", Marker{Kind: KindInsert, DatabaseID: 1}, true},
		{"commit without transaction", Marker{Kind: KindCommitTransaction, DatabaseID: 1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.marker.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMarkerSizeAndClone(t *testing.T) {
	payload, err := NewPayload(map[string]interface{}{"_key": "a", "value": 1})
	require.NoError(t, err)

	m := &Marker{Tick: 5, Kind: KindInsert, DatabaseID: 1, CollectionID: 2, Payload: payload}
	assert.Equal(t, markerHeaderSize+len(payload), m.Size())

	c := m.Clone()
	c.Payload[0] ^= 0xff
	assert.NotEqual(t, m.Payload[0], c.Payload[0])

	doc, err := m.Document()
	require.NoError(t, err)
	assert.Equal(t, "a", doc.(map[string]interface{})["_key"])
}

func TestMarkerEnvelopeRoundTrip(t *testing.T) {
	payload, err := NewPayload(map[string]interface{}{"_key": "k1"})
	require.NoError(t, err)

	m := &Marker{Tick: 42, Kind: KindUpdate, DatabaseID: 3, CollectionID: 4, TransactionID: 8, Payload: payload}
	env, err := encodeMarker(m, encoding.DefaultCompressThreshold)
	require.NoError(t, err)

	got, err := decodeMarker(env)
	require.NoError(t, err)
	assert.Equal(t, m, got)

	env[len(env)-1] ^= 0xff
	_, err = decodeMarker(env)
	assert.Error(t, err)
}

func TestCorruptionErrorMatchesSentinel(t *testing.T) {
	cause := errors.New("bad checksum")
	err := error(&CorruptionError{Tick: 17, Cause: cause})

	assert.True(t, errors.Is(err, ErrCorruptedMarker))
	assert.True(t, errors.Is(err, cause))

	var ce *CorruptionError
	require.True(t, errors.As(err, &ce))
	assert.EqualValues(t, 17, ce.Tick)
}

func TestBoundsFirstRetained(t *testing.T) {
	assert.EqualValues(t, 5, Bounds{First: 5, Last: 9}.FirstRetained())
	assert.EqualValues(t, 1, Bounds{}.FirstRetained())
	assert.EqualValues(t, 10, Bounds{Last: 9, Trimmed: 9}.FirstRetained())
	assert.True(t, Bounds{Last: 9, Trimmed: 9}.Empty())
}
