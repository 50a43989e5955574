// Package dispatch resolves pending outbox rows to live sockets and
// pushes them. Dispatching is a best-effort attempt: only an explicit
// client acknowledgement ever marks a row delivered, so a send lost to a
// dying socket is retried on the next connect.
package dispatch

import (
	"context"
	"encoding/json"
	"log"

	"github.com/kaikybrofc/omnizap-relay/internal/protocol"
	"github.com/kaikybrofc/omnizap-relay/internal/server/outbox"
	"github.com/kaikybrofc/omnizap-relay/internal/server/registry"
)

type Engine struct {
	store *outbox.Store
	reg   *registry.Registry
}

func New(store *outbox.Store, reg *registry.Registry) *Engine {
	return &Engine{
		store: store,
		reg:   reg,
	}
}

// Dispatch sends each row to every live socket matching its resolved
// target set and returns the number of successful sends. Rows whose
// stored payload no longer parses are skipped silently; send errors to
// individual sockets are swallowed, the row stays pending.
func (e *Engine) Dispatch(rows []outbox.Message) int {
	sent := 0
	for _, row := range rows {
		var envelope protocol.Envelope
		if err := json.Unmarshal([]byte(row.Payload), &envelope); err != nil {
			continue
		}

		frame := protocol.ServerEvent{
			Type:         protocol.TypeServerEvent,
			DeliveryID:   row.ID,
			TargetClient: row.TargetClient,
			Event:        envelope,
			QueuedAt:     row.CreatedAt,
		}

		for _, clientID := range e.reg.ResolveTargets(row.TargetClient) {
			for _, peer := range e.reg.PeersFor(clientID) {
				if !peer.IsOpen() {
					continue
				}
				if err := peer.SendJSON(frame); err != nil {
					continue
				}
				sent++
			}
		}
	}
	return sent
}

// OnClientConnected replays the backlog accumulated while clientID was
// offline. Called right after a successful handshake.
func (e *Engine) OnClientConnected(ctx context.Context, clientID string) int {
	rows, err := e.store.PendingFor(ctx, clientID)
	if err != nil {
		log.Printf("pending lookup for %s failed: %v", clientID, err)
		return 0
	}
	if len(rows) == 0 {
		return 0
	}
	return e.Dispatch(rows)
}
