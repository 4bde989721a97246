package remoted

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/quantdesk/layoutsync/layout"
)

const eventWriteTimeout = 5 * time.Second

// eventHub fans accepted layout records out to websocket subscribers,
// grouped by identity key. Slow subscribers drop events rather than
// block accepts.
type eventHub struct {
	mu     sync.Mutex
	subs   map[string]map[*subscriber]struct{}
	logger zerolog.Logger
}

type subscriber struct {
	ch chan layout.Record
}

func newEventHub(logger zerolog.Logger) *eventHub {
	return &eventHub{
		subs:   map[string]map[*subscriber]struct{}{},
		logger: logger,
	}
}

func (h *eventHub) broadcast(identityKey string, rec layout.Record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[identityKey] {
		select {
		case sub.ch <- rec:
		default:
			h.logger.Debug().Str("identity", identityKey).Msg("dropping event for slow subscriber")
		}
	}
}

func (h *eventHub) subscribe(identityKey string) *subscriber {
	sub := &subscriber{ch: make(chan layout.Record, 16)}
	h.mu.Lock()
	set, ok := h.subs[identityKey]
	if !ok {
		set = map[*subscriber]struct{}{}
		h.subs[identityKey] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *eventHub) unsubscribe(identityKey string, sub *subscriber) {
	h.mu.Lock()
	if set, ok := h.subs[identityKey]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, identityKey)
		}
	}
	h.mu.Unlock()
}

// serveEvents upgrades the request to a websocket and streams records
// accepted for the identity until the client disconnects.
func (h *eventHub) serveEvents(w http.ResponseWriter, r *http.Request, identityKey string) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	sub := h.subscribe(identityKey)
	defer h.unsubscribe(identityKey, sub)

	ctx := r.Context()
	// Drain reads so pings and close frames are processed.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-readDone:
			return
		case rec := <-sub.ch:
			writeCtx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
			err := wsjson.Write(writeCtx, conn, rec)
			cancel()
			if err != nil {
				h.logger.Debug().Err(err).Str("identity", identityKey).Msg("event write failed")
				return
			}
		}
	}
}
