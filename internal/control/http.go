package control

import (
	"encoding/json"
	"net/http"

	"github.com/lattice-quant/regime-engine/internal/logger"
)

// Handler builds the HTTP mux cmd/engine serves behind its --rest flag
// (a flat mux.HandleFunc per route, JSON-encoded responses, http.Error on
// failure) covering the full start/stop/status/positions/trades/
// hedge_timelines surface.
func (c *Controller) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		logger.Infof("event=http_start")
		if err := c.Start(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("/stop", func(w http.ResponseWriter, r *http.Request) {
		logger.Infof("event=http_stop")
		c.Stop()
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, c.GetStatus())
	})

	mux.HandleFunc("/positions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, c.Positions())
	})

	mux.HandleFunc("/packages", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, c.Packages())
	})

	mux.HandleFunc("/trades", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, c.Trades())
	})

	mux.HandleFunc("/hedge_timelines", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, c.HedgeTimelines())
	})

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorf("event=http_encode_failed err=%v", err)
	}
}
