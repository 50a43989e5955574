package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kaikybrofc/omnizap-relay/internal/protocol"
)

const sessionWriteWait = 10 * time.Second

type session struct {
	agent   *Agent
	conn    *websocket.Conn
	cancel  context.CancelFunc
	writeMu sync.Mutex
}

// runSession serves one connection until it dies. The bool result
// reports whether a connection was actually established, so the caller
// can reset its backoff.
func (a *Agent) runSession(ctx context.Context) (bool, error) {
	dialURL, err := a.dialURL()
	if err != nil {
		return false, fmt.Errorf("invalid relay URL: %w", err)
	}

	conn, resp, err := a.dialer.DialContext(ctx, dialURL, nil)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("dial relay: %w (status %d)", err, resp.StatusCode)
		}
		return false, fmt.Errorf("dial relay: %w", err)
	}
	log.Printf("connected to relay as %s", a.cfg.ClientID)

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sess := &session{agent: a, conn: conn, cancel: cancel}

	// Operator shutdown sends a normal closure frame before dropping the
	// socket; any other exit just closes and lets Run schedule the retry.
	go func() {
		<-sessCtx.Done()
		if ctx.Err() != nil {
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
				time.Now().Add(sessionWriteWait),
			)
		}
		_ = conn.Close()
	}()

	if err := sess.send(map[string]any{
		"type":       protocol.TypeHello,
		"source":     defaultSourceName,
		"client_id":  a.cfg.ClientID,
		"started_at": time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		return true, fmt.Errorf("send hello: %w", err)
	}

	// pushSnapshot only errors on the send itself; local endpoint
	// failures are captured per endpoint inside the snapshot.
	if err := sess.pushSnapshot(sessCtx, "startup"); err != nil {
		return true, fmt.Errorf("send startup snapshot: %w", err)
	}

	go sess.timers(sessCtx)

	err = sess.readLoop(sessCtx)
	if ctx.Err() != nil {
		log.Printf("shutting down")
		return true, nil
	}
	return true, err
}

func (s *session) send(payload any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(sessionWriteWait))
	return s.conn.WriteJSON(payload)
}

// timers drives the periodic full-snapshot push and the application-level
// heartbeat. The JSON ping is independent of the transport ping/pong the
// websocket library exchanges underneath: it proves the relay's message
// loop is alive end to end, not just the TCP peer.
//
// A failed send means the socket is dead or wedged. The read loop has no
// deadline of its own, so the session context is cancelled here; the
// shutdown watcher closes the socket, ReadMessage unblocks and Run
// schedules the reconnect.
func (s *session) timers(ctx context.Context) {
	syncTicker := time.NewTicker(s.agent.cfg.SyncInterval)
	defer syncTicker.Stop()
	heartbeatTicker := time.NewTicker(s.agent.cfg.Heartbeat)
	defer heartbeatTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-syncTicker.C:
			if err := s.pushSnapshot(ctx, "interval"); err != nil {
				log.Printf("periodic snapshot not sent: %v", err)
				s.cancel()
				return
			}
		case <-heartbeatTicker.C:
			if err := s.send(map[string]any{
				"type": protocol.TypePing,
				"ts":   time.Now().UnixMilli(),
			}); err != nil {
				log.Printf("heartbeat not sent: %v", err)
				s.cancel()
				return
			}
		}
	}
}

func (s *session) readLoop(ctx context.Context) error {
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var message struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(data, &message); err != nil {
			continue
		}

		switch message.Type {
		case protocol.TypePong, protocol.TypeHelloAck, protocol.TypeWelcome, protocol.TypeAck, protocol.TypeIgnored:
			// Expected replies, nothing to do.
		case protocol.TypeServerEvent:
			s.handleServerEvent(ctx, data)
		case protocol.TypeError:
			log.Printf("relay returned error: %s", message.Message)
		}
	}
}

type serverEventFrame struct {
	DeliveryID int64 `json:"delivery_id"`
	Event      struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	} `json:"event"`
}

// handleServerEvent acknowledges first, before interpreting the nested
// event, so the relay's outbox is never blocked on agent-side processing
// time. Command handling runs out of band to keep the read loop (and
// with it transport pong replies) responsive.
func (s *session) handleServerEvent(ctx context.Context, data []byte) {
	var frame serverEventFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return
	}

	if frame.DeliveryID > 0 {
		if err := s.send(map[string]any{
			"type":        protocol.TypeAck,
			"delivery_id": frame.DeliveryID,
		}); err != nil {
			log.Printf("ack for delivery %d not sent: %v", frame.DeliveryID, err)
		}
	}

	switch frame.Event.Type {
	case protocol.EventRequestSync:
		log.Printf("request_sync command received")
		go func() {
			if err := s.pushSnapshot(ctx, "server-command"); err != nil {
				log.Printf("commanded snapshot not sent: %v", err)
			}
		}()
	case protocol.EventFetchMedia:
		go s.handleFetchMedia(ctx, frame.Event.Payload)
	case protocol.EventWebhookIngest:
		log.Printf("webhook_ingest event received")
	case "":
		log.Printf("event received: untyped")
	default:
		log.Printf("event received: %s", frame.Event.Type)
	}
}
