package admin

import (
	"net/http"
	"strconv"
	"time"
)

type collectionInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Type   string `json:"type"`
	System bool   `json:"system"`
	Pins   int64  `json:"pins"`
}

type databaseInfo struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	System      bool             `json:"system"`
	CreatedAt   string           `json:"created_at"`
	Pins        int64            `json:"pins"`
	Collections []collectionInfo `json:"collections"`
}

// handleListDatabases handles GET /databases
func (h *Handlers) handleListDatabases(w http.ResponseWriter, r *http.Request) {
	names := h.config.Catalog.ListDatabases()

	result := make([]databaseInfo, 0, len(names))
	for _, name := range names {
		d, err := h.config.Catalog.GetDatabase(name)
		if err != nil {
			continue
		}

		info := databaseInfo{
			ID:          strconv.FormatUint(d.ID(), 10),
			Name:        d.Name(),
			System:      d.IsSystem(),
			CreatedAt:   d.CreatedAt().UTC().Format(time.RFC3339),
			Pins:        d.Pins(),
			Collections: make([]collectionInfo, 0),
		}
		for _, c := range d.Collections() {
			info.Collections = append(info.Collections, collectionInfo{
				ID:     strconv.FormatUint(c.ID(), 10),
				Name:   c.Name(),
				Type:   c.Type().String(),
				System: c.IsSystem(),
				Pins:   c.Pins(),
			})
		}
		result = append(result, info)
	}

	writeJSONResponse(w, result)
}
