// Package admin exposes WAL access over HTTP for followers that pull
// markers, plus read-only views of the catalog and the publisher.
package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/maxpert/waltail/db"
	"github.com/maxpert/waltail/publisher"
	"github.com/maxpert/waltail/tick"
	"github.com/maxpert/waltail/walaccess"
	"github.com/rs/zerolog/log"
)

// Default chunk bounds used when Config leaves them zero
const (
	DefaultChunkSize = 1 << 20
	MaxChunkSize     = 128 << 20
)

// WorkerLister reports publisher workers. *publisher.Registry implements it.
type WorkerLister interface {
	Workers() []*publisher.Worker
}

// Config wires the handlers to the node
type Config struct {
	Access           walaccess.WalAccess
	Catalog          *db.DatabaseManager
	Publisher        WorkerLister // Optional
	ServerID         uint64
	Version          string
	DefaultChunkSize int
	MaxChunkSize     int
	MaxFollowers     int
}

// Handlers serves the WAL HTTP API
type Handlers struct {
	config    Config
	followers *FollowerRegistry
}

// NewHandlers creates the handlers and their follower registry
func NewHandlers(config Config) (*Handlers, error) {
	if config.Access == nil {
		return nil, fmt.Errorf("wal access is required")
	}
	if config.Catalog == nil {
		return nil, fmt.Errorf("catalog is required")
	}
	if config.DefaultChunkSize <= 0 {
		config.DefaultChunkSize = DefaultChunkSize
	}
	if config.MaxChunkSize < config.DefaultChunkSize {
		config.MaxChunkSize = MaxChunkSize
	}

	followers, err := NewFollowerRegistry(config.MaxFollowers)
	if err != nil {
		return nil, err
	}

	return &Handlers{config: config, followers: followers}, nil
}

// Followers returns the registry of followers seen by the tail endpoint
func (h *Handlers) Followers() *FollowerRegistry {
	return h.followers
}

type serverInfo struct {
	Version  string `json:"version"`
	ServerID string `json:"serverId"`
}

func (h *Handlers) server() serverInfo {
	return serverInfo{
		Version:  h.config.Version,
		ServerID: strconv.FormatUint(h.config.ServerID, 10),
	}
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]interface{}{
		"error": message,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// writeResultError maps a failed walaccess result to an HTTP status
func writeResultError(w http.ResponseWriter, res walaccess.Result) {
	status := http.StatusInternalServerError
	switch res.Code {
	case walaccess.CodeBadParameter:
		status = http.StatusBadRequest
	case walaccess.CodeEngineUnavailable:
		status = http.StatusServiceUnavailable
	case walaccess.CodeTickGap:
		status = http.StatusGone
	case walaccess.CodeCanceled:
		// client went away; nobody reads the body
		status = http.StatusServiceUnavailable
	}
	writeErrorResponse(w, status, fmt.Sprintf("%s: %v", res.Code, res.Err))
}

// parseTick parses a tick query parameter, returning def when absent
func parseTick(r *http.Request, name string, def tick.Tick) (tick.Tick, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	t, err := tick.Parse(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s parameter: %w", name, err)
	}
	return t, nil
}

// parseChunkSize parses the chunkSize parameter, clamped to the configured maximum
func (h *Handlers) parseChunkSize(r *http.Request) (int, error) {
	s := r.URL.Query().Get("chunkSize")
	if s == "" {
		return h.config.DefaultChunkSize, nil
	}

	size, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid chunkSize parameter: %w", err)
	}
	if size < 1 {
		return 0, fmt.Errorf("chunkSize must be positive")
	}
	if size > h.config.MaxChunkSize {
		size = h.config.MaxChunkSize
	}
	return size, nil
}

func parseBool(r *http.Request, name string) (bool, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("invalid %s parameter: %w", name, err)
	}
	return v, nil
}

// parseIDList parses a comma separated list of ids
func parseIDList(s string) ([]uint64, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	ids := make([]uint64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseUint(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid transaction id %q: %w", p, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// errNotFound marks a scope parameter naming an unknown entity
type errNotFound struct{ what string }

func (e errNotFound) Error() string { return e.what + " not found" }

// parseScope resolves the database and collection parameters. Both accept
// a name or a numeric id.
func (h *Handlers) parseScope(r *http.Request) (walaccess.Filter, error) {
	var f walaccess.Filter
	q := r.URL.Query()

	includeSystem, err := parseBool(r, "includeSystem")
	if err != nil {
		return f, err
	}
	f.IncludeSystem = includeSystem

	dbParam := q.Get("database")
	colParam := q.Get("collection")
	if dbParam == "" {
		if colParam != "" {
			return f, fmt.Errorf("collection requires database")
		}
		return f, nil
	}

	d := h.config.Catalog.UseDatabaseByName(dbParam)
	if d == nil {
		if id, perr := strconv.ParseUint(dbParam, 10, 64); perr == nil {
			d = h.config.Catalog.UseDatabase(id)
		}
	}
	if d == nil {
		return f, errNotFound{"database " + dbParam}
	}
	defer d.Release()
	f.DatabaseID = d.ID()

	if colParam == "" {
		return f, nil
	}
	if c := d.LookupCollection(colParam); c != nil {
		f.CollectionID = c.ID()
		return f, nil
	}
	if id, perr := strconv.ParseUint(colParam, 10, 64); perr == nil {
		if c := d.UseCollection(id); c != nil {
			c.Release()
			f.CollectionID = id
			return f, nil
		}
	}
	return f, errNotFound{"collection " + colParam}
}

func writeScopeError(w http.ResponseWriter, err error) {
	if _, ok := err.(errNotFound); ok {
		writeErrorResponse(w, http.StatusNotFound, err.Error())
		return
	}
	writeErrorResponse(w, http.StatusBadRequest, err.Error())
}
