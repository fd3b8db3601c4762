package control

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
)

// Router builds the chi.Router fronting the management plane: /queue/list,
// /queue/cancel, /queue/retry, /report/list, /report/cancel. Every route
// sends a command over the Controller's channels and waits for the reply,
// so the HTTP layer never touches the queue or reporting manager directly.
func (c *Controller) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/queue/list", c.handleQueueList)
	r.Post("/queue/cancel", c.handleQueueCancel)
	r.Post("/queue/retry", c.handleQueueRetry)
	r.Get("/report/list", c.handleReportList)
	r.Post("/report/cancel", c.handleReportCancel)

	return r
}

func (c *Controller) handleQueueList(w http.ResponseWriter, r *http.Request) {
	reply := make(chan QueueResult, 1)
	c.QueueControl <- QueueCommand{Op: QueueList, Reply: reply}
	res := <-reply
	writeJSON(w, res.Items)
}

func (c *Controller) handleQueueCancel(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "missing id parameter", http.StatusBadRequest)
		return
	}

	reply := make(chan QueueResult, 1)
	c.QueueControl <- QueueCommand{Op: QueueCancel, ID: id, Reply: reply}
	res := <-reply
	if !res.OK {
		http.Error(w, "no such queue item", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

func (c *Controller) handleQueueRetry(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "missing id parameter", http.StatusBadRequest)
		return
	}

	reply := make(chan QueueResult, 1)
	c.QueueControl <- QueueCommand{Op: QueueRetry, ID: id, Reply: reply}
	res := <-reply
	if !res.OK {
		http.Error(w, "no such queue item", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

func (c *Controller) handleReportList(w http.ResponseWriter, r *http.Request) {
	reply := make(chan ReportResult, 1)
	c.ReportControl <- ReportCommand{Op: ReportList, Reply: reply}
	res := <-reply
	if res.Err != nil {
		http.Error(w, res.Err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, res.Windows)
}

func (c *Controller) handleReportCancel(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind, domain := q.Get("kind"), q.Get("domain")
	if kind == "" || domain == "" {
		http.Error(w, "missing kind/domain parameter", http.StatusBadRequest)
		return
	}

	reply := make(chan ReportResult, 1)
	c.ReportControl <- ReportCommand{
		Op: ReportCancel, Kind: kind, Domain: domain,
		Fingerprint: q.Get("fingerprint"), Reply: reply,
	}
	res := <-reply
	if res.Err != nil {
		http.Error(w, res.Err.Error(), http.StatusServiceUnavailable)
		return
	}
	if !res.OK {
		http.Error(w, "no such report window", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
