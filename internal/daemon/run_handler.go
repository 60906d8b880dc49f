package daemon

import (
	"encoding/json"
	"net/http"

	"github.com/kindling-ai/kindling/pkg/entity"
)

// runRequest is the external trigger payload.
type runRequest struct {
	Entity  string `json:"entity"`  // "kind:id"
	Context string `json:"context"` // user message or "feed:<period>"
}

type runResponse struct {
	JobID string `json:"job_id"`
}

// handleRun enqueues an orchestrator run for an entity. The run happens
// asynchronously through the scheduler so the HTTP caller never blocks
// on a model call.
func (d *Daemon) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	ref, err := entity.ParseRef(req.Entity)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, err := d.resolver.Resolve(ref); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if d.sched == nil {
		http.Error(w, "scheduler is disabled", http.StatusServiceUnavailable)
		return
	}

	jobID, err := d.sched.Enqueue(ref, req.Context)
	if err != nil {
		d.logger.Error().Err(err).Stringer("entity", ref).Msg("Failed to enqueue run")
		http.Error(w, "failed to enqueue run", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(runResponse{JobID: jobID})
}
