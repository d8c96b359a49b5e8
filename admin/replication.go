package admin

import (
	"net/http"
	"strconv"

	"github.com/maxpert/waltail/tick"
)

type sinkStatus struct {
	Name             string    `json:"name"`
	TickStart        tick.Tick `json:"tickStart"`
	FirstRegularTick tick.Tick `json:"firstRegularTick"`
	TransactionIDs   []string  `json:"transactionIds"`
	ResyncRequired   bool      `json:"resyncRequired"`
}

// handleSinks handles GET /publisher/sinks
func (h *Handlers) handleSinks(w http.ResponseWriter, r *http.Request) {
	result := make([]sinkStatus, 0)
	if h.config.Publisher != nil {
		for _, worker := range h.config.Publisher.Workers() {
			c := worker.Cursor()
			status := sinkStatus{
				Name:             worker.Name(),
				TickStart:        c.TickStart,
				FirstRegularTick: c.FirstRegularTick,
				TransactionIDs:   make([]string, 0, len(c.TransactionIDs)),
				ResyncRequired:   worker.ResyncRequired(),
			}
			for _, id := range c.TransactionIDs {
				status.TransactionIDs = append(status.TransactionIDs, strconv.FormatUint(id, 10))
			}
			result = append(result, status)
		}
	}

	writeJSONResponse(w, result)
}
