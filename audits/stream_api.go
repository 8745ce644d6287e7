package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sitescope-labs/sitescope-go/internal/domain"
	"github.com/sitescope-labs/sitescope-go/internal/repo"
)

func writeNDJSON(w http.ResponseWriter, flusher http.Flusher, event domain.ProgressEvent) error {
	blob, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "%s\n", blob); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// handleProgressStream streams the latest run of a pipeline as NDJSON.
// The hub front-loads a connected event plus an authoritative snapshot, so
// a client that reconnects mid-run recovers full state from the first lines.
func (api *auditsAPI) handleProgressStream(w http.ResponseWriter, r *http.Request) {
	pipelineID := strings.TrimSpace(r.PathValue("pipeline_id"))
	if pipelineID == "" {
		api.writeError(w, r, http.StatusBadRequest, "missing_pipeline_id")
		return
	}

	run, err := api.runStore.LatestRun(r.Context(), pipelineID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "run_not_found")
			return
		}
		api.logger.Error("latest run failed", "pipeline_id", pipelineID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		api.writeError(w, r, http.StatusInternalServerError, "streaming_not_supported")
		return
	}

	sub, err := api.hub.Subscribe(r.Context(), run.ID)
	if err != nil {
		api.logger.Error("subscribe failed", "run_id", run.ID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	defer api.hub.Unsubscribe(sub)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(api.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if err := writeNDJSON(w, flusher, domain.PingEvent()); err != nil {
				return
			}
		case event, open := <-sub.Events():
			if !open {
				// Evicted as a slow subscriber; the client reconnects
				// and recovers from the snapshot.
				return
			}
			if err := writeNDJSON(w, flusher, event); err != nil {
				return
			}
			if event.Type == domain.EventSnapshot && event.Snapshot != nil && event.Snapshot.Status.Terminal() {
				return
			}
		}
	}
}
