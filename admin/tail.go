package admin

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/maxpert/waltail/db"
	"github.com/maxpert/waltail/encoding"
	"github.com/maxpert/waltail/tick"
	"github.com/maxpert/waltail/wal"
	"github.com/maxpert/waltail/walaccess"
	"github.com/rs/zerolog/log"
)

// Tail response headers
const (
	HeaderFromTickIncluded = "X-Waltail-Fromtickincluded"
	HeaderLastIncluded     = "X-Waltail-Lastincluded"
	HeaderLastScanned      = "X-Waltail-Lastscanned"
	HeaderCheckMore        = "X-Waltail-Checkmore"
	HeaderLastTick         = "X-Waltail-Lasttick"
)

// ContentTypeNDJSON is the media type of tail bodies
const ContentTypeNDJSON = "application/x-ndjson"

// MarkerRecord is one line of a tail body
type MarkerRecord struct {
	Tick          tick.Tick   `json:"tick"`
	Type          wal.Kind    `json:"type"`
	DatabaseID    uint64      `json:"dbId,string"`
	Database      string      `json:"db,omitempty"`
	CollectionID  uint64      `json:"cid,string,omitempty"`
	Collection    string      `json:"cname,omitempty"`
	TransactionID uint64      `json:"tid,string,omitempty"`
	Data          interface{} `json:"data,omitempty"`
}

func newMarkerRecord(d *db.Database, m *wal.Marker) (MarkerRecord, error) {
	rec := MarkerRecord{
		Tick:          m.Tick,
		Type:          m.Kind,
		DatabaseID:    m.DatabaseID,
		CollectionID:  m.CollectionID,
		TransactionID: m.TransactionID,
	}
	if d != nil {
		rec.Database = d.Name()
		if m.CollectionID != 0 {
			if c := d.UseCollection(m.CollectionID); c != nil {
				rec.Collection = c.Name()
				c.Release()
			}
		}
	}
	if len(m.Payload) > 0 {
		data, err := m.Document()
		if err != nil {
			return rec, err
		}
		rec.Data = data
	}
	return rec, nil
}

// handleTail handles GET /wal/tail. The body holds one JSON marker per line
// and is buffered so that the position headers can precede it.
func (h *Handlers) handleTail(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	from, err := parseTick(r, "from", tick.None)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	to, err := parseTick(r, "to", tick.Max)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	chunkSize, err := h.parseChunkSize(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	scope, err := h.parseScope(r)
	if err != nil {
		writeScopeError(w, err)
		return
	}

	// Resuming with transactions that began before from
	tids, err := parseIDList(q.Get("transactionIds"))
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(tids) > 0 {
		firstRegular, err := parseTick(r, "firstRegularTick", from)
		if err != nil {
			writeErrorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		scope.TransactionIDs = walaccess.NewTransactionSet(tids...)
		scope.FirstRegularTick = firstRegular
	}

	var follower uint64
	if s := q.Get("serverId"); s != "" {
		follower, err = strconv.ParseUint(s, 10, 64)
		if err != nil {
			writeErrorResponse(w, http.StatusBadRequest, "invalid serverId parameter")
			return
		}
	}

	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	count := 0
	res := h.config.Access.Tail(r.Context(), from, to, chunkSize, scope, func(d *db.Database, m *wal.Marker) error {
		rec, err := newMarkerRecord(d, m)
		if err != nil {
			return err
		}
		count++
		return enc.Encode(rec)
	})

	head := h.config.Access.LastTick()
	lastIncluded := tick.None
	if count > 0 {
		lastIncluded = res.LastTick
	}

	hdr := w.Header()
	hdr.Set(HeaderFromTickIncluded, strconv.FormatBool(res.FromTickIncluded))
	hdr.Set(HeaderLastIncluded, lastIncluded.String())
	hdr.Set(HeaderLastScanned, res.LastScannedTick.String())
	hdr.Set(HeaderCheckMore, strconv.FormatBool(res.HasMore))
	hdr.Set(HeaderLastTick, head.String())

	if !res.OK() {
		writeResultError(w, res)
		return
	}

	if follower != 0 {
		h.followers.Touch(follower, res.ResumeTick().Prev(), head)
	}

	if count == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	payload := body.Bytes()
	hdr.Set("Content-Type", ContentTypeNDJSON)
	if acceptsZstd(r) {
		payload = encoding.Compress(payload)
		hdr.Set("Content-Encoding", "zstd")
	}
	hdr.Set("Content-Length", strconv.Itoa(len(payload)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(payload); err != nil {
		log.Debug().Err(err).Uint64("follower", follower).Msg("Failed to write tail body")
	}
}

// acceptsZstd reports whether Accept-Encoding lists zstd
func acceptsZstd(r *http.Request) bool {
	for _, header := range r.Header.Values("Accept-Encoding") {
		for _, token := range strings.Split(header, ",") {
			name, _, _ := strings.Cut(strings.TrimSpace(token), ";")
			if strings.EqualFold(strings.TrimSpace(name), "zstd") {
				return true
			}
		}
	}
	return false
}
