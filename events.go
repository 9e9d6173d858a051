package recordcache

import (
	"sync"

	"github.com/record-cache/record-cache/recording"

	"github.com/rs/zerolog"
)

// eventHub delivers worker-to-client events to the clients' event streams.
// It implements recording.Notifier: Notify reports whether the client had at
// least one live subscriber, which the controller uses to detect clients
// that have gone away before confirmation.
type eventHub struct {
	log zerolog.Logger

	mu   sync.Mutex
	subs map[string][]chan []byte
}

func newEventHub(log zerolog.Logger) *eventHub {
	return &eventHub{
		log:  log,
		subs: make(map[string][]chan []byte),
	}
}

// Subscribe registers an event stream for the client.
// The returned cancel function must be called when the stream closes.
func (h *eventHub) Subscribe(clientID string) (<-chan []byte, func()) {
	ch := make(chan []byte, 8)
	h.mu.Lock()
	h.subs[clientID] = append(h.subs[clientID], ch)
	h.mu.Unlock()
	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		chans := h.subs[clientID]
		for i, c := range chans {
			if c == ch {
				h.subs[clientID] = append(chans[:i], chans[i+1:]...)
				break
			}
		}
		if len(h.subs[clientID]) == 0 {
			delete(h.subs, clientID)
		}
	}
	return ch, cancel
}

func (h *eventHub) Notify(clientID string, ev recording.Event) bool {
	b, err := recording.EncodeEvent(ev)
	if err != nil {
		h.log.Error().Err(err).Msg("Could not encode event")
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	chans := h.subs[clientID]
	if len(chans) == 0 {
		return false
	}
	for _, ch := range chans {
		select {
		case ch <- b:
		default:
			// a subscriber not draining its stream does not block the worker
			h.log.Warn().Str("client", clientID).Msg("Dropping event for slow subscriber")
		}
	}
	return true
}
