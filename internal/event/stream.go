package event

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/Iron-Ham/oxyrun/internal/errors"
)

// DebugNetworkPath is where the edge worker exposes the request stream.
const DebugNetworkPath = "/debug-network-server"

// streamBuffer is how many undelivered events a stream may lag behind
// before it is treated as broken.
const streamBuffer = 256

var errStreamBehind = errors.Wrap(errors.ErrSubscriberGone, "stream fell behind")

// StreamHandler serves the debug-network endpoint over a Bus: DELETE clears
// the history, any other method opens a Server-Sent Events stream that
// replays the history and then follows live events.
type StreamHandler struct {
	Bus *Bus
}

// ServeHTTP implements http.Handler.
func (h StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodDelete {
		h.Bus.Clear()
		writeOK(w)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := make(chan RequestEvent, streamBuffer)
	dropped := make(chan struct{})
	var dropOnce sync.Once

	unsubscribe := h.Bus.Subscribe(func(ev RequestEvent) error {
		select {
		case events <- ev:
			return nil
		default:
			dropOnce.Do(func() { close(dropped) })
			return errStreamBehind
		}
	})
	defer unsubscribe()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-dropped:
			return
		case ev := <-events:
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind.Name(), ev.Data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
