package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/studypulse/crawldispatch/internal/fanout"
	"github.com/studypulse/crawldispatch/internal/metrics"
)

const streamHeartbeat = 15 * time.Second

// streamJobEvents serves the per-job live event feed as server-sent events.
// Delivery is best-effort; the outbox is the durable record.
func (s *Server) streamJobEvents(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseJobID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ch, cancel := s.hub.Subscribe(fanout.JobGroup(jobID))
	defer cancel()
	metrics.SetLiveSubscribers(s.hub.SubscriberCount())
	defer func() { metrics.SetLiveSubscribers(s.hub.SubscriberCount()) }()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case env, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(env.Payload)
			if err != nil {
				s.logger.Warn("encode live event failed",
					zap.String("event", env.Name), zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", env.Name, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
