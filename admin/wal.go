package admin

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/maxpert/waltail/tick"
	"github.com/maxpert/waltail/walaccess"
)

type rangeResponse struct {
	TickMin tick.Tick  `json:"tickMin"`
	TickMax tick.Tick  `json:"tickMax"`
	Server  serverInfo `json:"server"`
}

// handleRange handles GET /wal/range
func (h *Handlers) handleRange(w http.ResponseWriter, r *http.Request) {
	rng, err := h.config.Access.TickRange()
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, walaccess.ErrEngineUnavailable) {
			status = http.StatusServiceUnavailable
		}
		writeErrorResponse(w, status, err.Error())
		return
	}

	writeJSONResponse(w, rangeResponse{TickMin: rng.Min, TickMax: rng.Max, Server: h.server()})
}

type lastTickResponse struct {
	LastTick tick.Tick                `json:"lastTick"`
	Server   serverInfo               `json:"server"`
	Clients  map[string]FollowerState `json:"clients"`
}

// handleLastTick handles GET /wal/lastTick
func (h *Handlers) handleLastTick(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, lastTickResponse{
		LastTick: h.config.Access.LastTick(),
		Server:   h.server(),
		Clients:  h.followers.Snapshot(),
	})
}

// handleFollowers handles GET /wal/followers
func (h *Handlers) handleFollowers(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, h.followers.Snapshot())
}

type openTransaction struct {
	ID   string    `json:"id"`
	Tick tick.Tick `json:"tick"`
}

type openTransactionsResponse struct {
	Transactions     []openTransaction `json:"transactions"`
	TickMin          tick.Tick         `json:"tickMin"`
	TickMax          tick.Tick         `json:"tickMax"`
	FromTickIncluded bool              `json:"fromTickIncluded"`
}

// handleOpenTransactions handles GET /wal/open-transactions
func (h *Handlers) handleOpenTransactions(w http.ResponseWriter, r *http.Request) {
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
	scope, err := h.parseScope(r)
	if err != nil {
		writeScopeError(w, err)
		return
	}

	txns := make([]openTransaction, 0)
	res := h.config.Access.OpenTransactions(r.Context(), from, to, scope, func(tid uint64, begin tick.Tick) {
		txns = append(txns, openTransaction{ID: strconv.FormatUint(tid, 10), Tick: begin})
	})
	if !res.OK() {
		writeResultError(w, res)
		return
	}

	writeJSONResponse(w, openTransactionsResponse{
		Transactions:     txns,
		TickMin:          res.FirstTick,
		TickMax:          res.LastTick,
		FromTickIncluded: res.FromTickIncluded,
	})
}
