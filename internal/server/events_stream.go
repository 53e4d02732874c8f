package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/ergetie/darkstar-sub001/internal/events"
)

const (
	streamBuffer  = 64
	writeDeadline = 5 * time.Second
	pingInterval  = 30 * time.Second
)

// EventsStreamHandler streams bus events to websocket clients.
type EventsStreamHandler struct {
	bus *events.Bus
	log zerolog.Logger
}

// NewEventsStreamHandler creates a new events stream handler.
func NewEventsStreamHandler(bus *events.Bus, log zerolog.Logger) *EventsStreamHandler {
	return &EventsStreamHandler{
		bus: bus,
		log: log.With().Str("component", "events_stream").Logger(),
	}
}

// ServeHTTP handles GET /api/events: upgrades to a websocket and forwards
// every bus event as a JSON message. Slow clients have events dropped rather
// than blocking publishers.
func (h *EventsStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	ctx := r.Context()
	ch := make(chan *events.Event, streamBuffer)
	unsubscribe := h.bus.SubscribeAll(func(event *events.Event) {
		select {
		case ch <- event:
		default:
		}
	})
	defer unsubscribe()

	h.log.Debug().Str("remote", r.RemoteAddr).Msg("Events stream connected")

	pings := time.NewTicker(pingInterval)
	defer pings.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return

		case event := <-ch:
			data, err := json.Marshal(event)
			if err != nil {
				h.log.Error().Err(err).Msg("Failed to encode event")
				continue
			}
			if err := h.write(ctx, conn, data); err != nil {
				h.log.Debug().Err(err).Msg("Events stream client gone")
				return
			}

		case <-pings.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeDeadline)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				h.log.Debug().Err(err).Msg("Events stream ping failed")
				return
			}
		}
	}
}

func (h *EventsStreamHandler) write(ctx context.Context, conn *websocket.Conn, data []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, writeDeadline)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
