// Package relay implements the per-connection WebSocket session: the
// handshake at the HTTP upgrade boundary, transport-level liveness, and
// the JSON message router.
package relay

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/kaikybrofc/omnizap-relay/internal/protocol"
	"github.com/kaikybrofc/omnizap-relay/internal/server/auth"
	"github.com/kaikybrofc/omnizap-relay/internal/server/dispatch"
	"github.com/kaikybrofc/omnizap-relay/internal/server/outbox"
	"github.com/kaikybrofc/omnizap-relay/internal/server/registry"
)

const (
	defaultHeartbeat = 30 * time.Second

	// Maximum inbound frame size. Snapshots can be large but bounded by
	// the bridge's own fetch limits.
	maxFrameBytes = 512 * 1024
)

type Options struct {
	// Token is the shared WS secret. When empty the endpoint fails closed
	// with 503 instead of accepting unauthenticated sockets.
	Token string

	// Heartbeat is the transport ping interval. A socket that misses one
	// full cycle is force-terminated.
	Heartbeat time.Duration

	DefaultClientID string
}

type Handler struct {
	opts     Options
	store    *outbox.Store
	reg      *registry.Registry
	engine   *dispatch.Engine
	upgrader websocket.Upgrader
}

func NewHandler(opts Options, store *outbox.Store, reg *registry.Registry, engine *dispatch.Engine) *Handler {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeat
	}
	if opts.DefaultClientID == "" {
		opts.DefaultClientID = protocol.DefaultClientID
	}
	return &Handler{
		opts:   opts,
		store:  store,
		reg:    reg,
		engine: engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The bridge is a non-browser client; webhook callers never
			// reach the upgrade path.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handle authenticates and upgrades one connection, then serves its
// message loop until the socket dies. Rejections happen before the
// upgrade, as plain HTTP responses: no WS protocol exists yet to carry a
// JSON error frame.
func (h *Handler) Handle(c *gin.Context) {
	if h.opts.Token == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "websocket relay is not configured"})
		return
	}
	if !auth.TokenEqual(h.opts.Token, auth.TokenFromRequest(c.Request)) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid relay token"})
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error to the raw socket.
		return
	}

	clientID := protocol.NormalizeClientID(c.Request.URL.Query().Get("client_id"), h.opts.DefaultClientID)
	conn := newConn(ws)
	canonical := h.reg.Register(clientID, conn)
	log.Printf("client %s connected", canonical)

	defer func() {
		h.reg.Unregister(canonical, conn)
		conn.Close()
		log.Printf("client %s disconnected", canonical)
	}()

	if err := conn.SendJSON(gin.H{
		"type":        protocol.TypeWelcome,
		"client_id":   canonical,
		"server_time": time.Now().UnixMilli(),
	}); err != nil {
		return
	}

	stopPing := make(chan struct{})
	defer close(stopPing)
	go h.pingLoop(conn, stopPing)

	// The request context is not used past the upgrade: the socket
	// outlives the HTTP exchange and store writes must not race its
	// cancellation.
	ctx := context.Background()
	if replayed := h.engine.OnClientConnected(ctx, canonical); replayed > 0 {
		log.Printf("replayed %d pending message(s) to %s", replayed, canonical)
	}

	h.readLoop(ctx, conn, canonical)
}

// pingLoop implements dead-peer detection: a transport ping every
// heartbeat interval, with the read deadline (reset by pongs in readLoop)
// terminating sockets that stop answering. Independent of the
// application-level ping/pong JSON messages.
func (h *Handler) pingLoop(conn *Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(h.opts.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (h *Handler) readLoop(ctx context.Context, conn *Conn, clientID string) {
	pongWait := 2 * h.opts.Heartbeat
	conn.ws.SetReadLimit(maxFrameBytes)
	_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			_ = conn.SendJSON(gin.H{
				"type":    protocol.TypeError,
				"message": "binary frames are not supported",
			})
			continue
		}

		var inbound protocol.Inbound
		if err := json.Unmarshal(data, &inbound); err != nil {
			_ = conn.SendJSON(gin.H{
				"type":    protocol.TypeError,
				"message": "invalid JSON message",
			})
			continue
		}

		h.route(ctx, conn, clientID, inbound)
	}
}

func (h *Handler) route(ctx context.Context, conn *Conn, clientID string, msg protocol.Inbound) {
	switch msg.Type {
	case protocol.TypePing:
		_ = conn.SendJSON(gin.H{
			"type":        protocol.TypePong,
			"server_time": time.Now().UnixMilli(),
		})

	case protocol.TypeAck:
		if msg.DeliveryID <= 0 {
			return
		}
		delivered, err := h.store.MarkDelivered(ctx, msg.DeliveryID)
		if err != nil {
			log.Printf("ack for delivery %d from %s failed: %v", msg.DeliveryID, clientID, err)
			return
		}
		if delivered {
			log.Printf("delivery %d acknowledged by %s", msg.DeliveryID, clientID)
		}

	case protocol.TypeRouteSnapshot, protocol.TypeWebhookPayload:
		eventID, err := h.store.RecordEvent(ctx, clientID, msg.Type, msg.Source, msg.Payload)
		if err != nil {
			log.Printf("record %s from %s failed: %v", msg.Type, clientID, err)
			_ = conn.SendJSON(gin.H{
				"type":    protocol.TypeError,
				"message": "failed to persist event",
			})
			return
		}
		_ = conn.SendJSON(gin.H{
			"type":     protocol.TypeAck,
			"event_id": eventID,
		})

	case protocol.TypeHello:
		_ = conn.SendJSON(gin.H{
			"type":      protocol.TypeHelloAck,
			"client_id": clientID,
		})

	default:
		_ = conn.SendJSON(gin.H{
			"type":          protocol.TypeIgnored,
			"received_type": msg.Type,
		})
	}
}
