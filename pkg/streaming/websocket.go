// Package streaming upgrades GET /events to a websocket connection that
// fans out the Event Sink's broadcast stream to a browser or CLI client,
// adapted from the reference client's polling-to-websocket bridge but
// wired directly to an in-process broker instead of a remote watch call.
package streaming

import (
	"net/http"
	"time"

	"github.com/cuemby/jobfabric/pkg/events"
	"github.com/cuemby/jobfabric/pkg/log"
	"github.com/gorilla/websocket"
)

const pingInterval = 30 * time.Second

// EventServer upgrades HTTP connections on GET /events and streams every
// event published to the broker until the client disconnects.
type EventServer struct {
	broker   *events.Broker
	upgrader websocket.Upgrader
}

// NewEventServer wraps a Broker for websocket delivery.
func NewEventServer(broker *events.Broker) *EventServer {
	return &EventServer{
		broker: broker,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP implements api.EventSource.
func (es *EventServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponent("streaming")

	conn, err := es.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := es.broker.Subscribe()
	defer es.broker.Unsubscribe(sub)

	ctx := r.Context()

	go es.drainClient(conn)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub:
			if !ok {
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				logger.Warn().Err(err).Msg("websocket write failed")
				return
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.Warn().Err(err).Msg("websocket ping failed")
				return
			}
		}
	}
}

// drainClient discards any inbound client frames (this stream is
// server-to-client only) so pong/close control frames are still
// processed by gorilla's read loop.
func (es *EventServer) drainClient(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
