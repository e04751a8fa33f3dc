package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const keepAliveInterval = 25 * time.Second

// StreamHandler pushes a snapshot event whenever the session's settings or
// history change, until the client leaves or the session is signed out.
func (h *APIHandler) StreamHandler(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	rc := http.NewResponseController(w)
	// The server's write timeout would otherwise cut the stream.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		changed := sess.Changed()
		if err := writeEvent(w, "snapshot", h.orch.Snapshot(sess)); err != nil {
			return
		}
		if err := rc.Flush(); err != nil {
			h.log.Debug().Err(err).Msg("stream flush failed")
			return
		}

	wait:
		for {
			select {
			case <-r.Context().Done():
				return
			case <-sess.Done():
				_ = writeEvent(w, "signed_out", struct{}{})
				_ = rc.Flush()
				return
			case <-ticker.C:
				if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
					return
				}
				if err := rc.Flush(); err != nil {
					return
				}
			case <-changed:
				break wait
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
