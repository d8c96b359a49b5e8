package publisher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGlobFilter(t *testing.T) {
	filter, err := NewGlobFilter([]string{"users", "orders"}, []string{"production", "staging"})
	require.NoError(t, err)
	assert.Len(t, filter.collectionGlobs, 2)
	assert.Len(t, filter.databaseGlobs, 2)

	_, err = NewGlobFilter([]string{"[invalid"}, nil)
	assert.Error(t, err)
	_, err = NewGlobFilter(nil, []string{"[invalid"})
	assert.Error(t, err)
}

func TestGlobFilterMatch(t *testing.T) {
	cases := []struct {
		name        string
		collections []string
		databases   []string
		database    string
		collection  string
		want        bool
	}{
		{"empty patterns match everything", nil, nil, "any_db", "any_collection", true},
		{"empty strings", nil, nil, "", "", true},
		{"exact", []string{"users"}, []string{"production"}, "production", "users", true},
		{"other database", []string{"users"}, []string{"production"}, "staging", "users", false},
		{"other collection", []string{"users"}, []string{"production"}, "production", "orders", false},
		{"wildcard collection", []string{"user*"}, nil, "db", "user_profiles", true},
		{"wildcard database", nil, []string{"prod_*"}, "prod_eu", "anything", true},
		{"wildcard database miss", nil, []string{"prod_*"}, "staging", "anything", false},
		{"any of several", []string{"users", "orders"}, nil, "db", "orders", true},
		{"case sensitive", []string{"Users"}, nil, "db", "users", false},
		{"question mark", []string{"log?"}, nil, "db", "log1", true},
		{"question mark one char", []string{"log?"}, nil, "db", "log12", false},
		{"ranges", []string{"shard_[0-3]"}, nil, "db", "shard_2", true},
		{"ranges miss", []string{"shard_[0-3]"}, nil, "db", "shard_7", false},
		{"alternatives", []string{"{users,orders}_archive"}, nil, "db", "orders_archive", true},
		{"system collections", []string{"_*"}, nil, "_system", "_audit", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			filter, err := NewGlobFilter(tc.collections, tc.databases)
			require.NoError(t, err)
			assert.Equal(t, tc.want, filter.Match(tc.database, tc.collection))
		})
	}
}
