package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/btaudio/btaudiod/internal/eventbus"
)

// allTopics is every topic a /events subscriber may receive; spec's
// table (§4.2) names these as the full public surface.
var allTopics = []eventbus.Topic{
	eventbus.TopicDevicesChanged,
	eventbus.TopicScanStarted,
	eventbus.TopicScanFinished,
	eventbus.TopicStatus,
	eventbus.TopicAvrcpEvent,
	eventbus.TopicMprisEvent,
	eventbus.TopicLogEntry,
	eventbus.TopicAdapterSwitchRequired,
}

// replayableTopics maps a ?replay= query value to the topic it replays.
var replayableTopics = map[string]eventbus.Topic{
	"avrcp": eventbus.TopicAvrcpEvent,
	"mpris": eventbus.TopicMprisEvent,
	"log":   eventbus.TopicLogEntry,
}

// events serves GET /events as an SSE stream, grounded on
// ampli-pi4/internal/api/sse.go's flusher-based loop. A
// ?replay=avrcp,mpris,log query parameter requests ring-buffer replay
// before live delivery begins (spec SPEC_FULL.md §4).
func (h *handlers) events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	withReplay := r.URL.Query().Get("replay") != ""
	sub, replay := h.api.Subscribe(allTopics, withReplay)
	defer sub.Unsubscribe()

	if withReplay {
		wanted := map[eventbus.Topic]bool{}
		for _, name := range strings.Split(r.URL.Query().Get("replay"), ",") {
			if topic, ok := replayableTopics[strings.TrimSpace(name)]; ok {
				wanted[topic] = true
			}
		}
		for _, ev := range replay {
			if wanted[ev.Topic] {
				sendSSE(w, flusher, ev)
			}
		}
	}

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			sendSSE(w, flusher, ev)
		case <-r.Context().Done():
			return
		}
	}
}

func sendSSE(w http.ResponseWriter, flusher http.Flusher, ev eventbus.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Topic, data)
	flusher.Flush()
}
