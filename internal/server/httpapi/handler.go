// Package httpapi exposes the relay's HTTP surface: authenticated
// ingestion endpoints that enqueue and immediately dispatch, and
// unauthenticated read-only status endpoints.
package httpapi

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/kaikybrofc/omnizap-relay/internal/protocol"
	"github.com/kaikybrofc/omnizap-relay/internal/server/auth"
	"github.com/kaikybrofc/omnizap-relay/internal/server/dispatch"
	"github.com/kaikybrofc/omnizap-relay/internal/server/outbox"
	"github.com/kaikybrofc/omnizap-relay/internal/server/registry"
)

const (
	defaultMaxBodyBytes = 1 << 20
	defaultCommandType  = protocol.EventRequestSync
	webhookSource       = "webhook"
	commandSource       = "control-api"

	// SourceHeader lets callers label ingested payloads, mirroring the
	// original push tooling.
	SourceHeader = "X-Omnizap-Source"
)

type Options struct {
	WebhookToken string
	CommandToken string
	MaxBodyBytes int64
}

type Handler struct {
	opts   Options
	store  *outbox.Store
	engine *dispatch.Engine
	reg    *registry.Registry
}

func NewHandler(opts Options, store *outbox.Store, engine *dispatch.Engine, reg *registry.Registry) *Handler {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	if opts.CommandToken == "" {
		opts.CommandToken = opts.WebhookToken
	}
	return &Handler{
		opts:   opts,
		store:  store,
		engine: engine,
		reg:    reg,
	}
}

type wsMounter interface {
	Handle(c *gin.Context)
}

// NewRouter assembles the gin engine. The WS handler mounts on its
// configured path; unknown paths fall through to gin's 404 before any
// upgrade is attempted.
func NewRouter(h *Handler, ws wsMounter, wsPath string) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.POST("/api/omnizap/webhook", h.IngestWebhook)
	router.POST("/api/omnizap/webhook/ingest", h.IngestWebhook)
	router.POST("/api/omnizap/commands", h.SubmitCommand)
	router.GET("/api/omnizap/connections", h.ConnectionStatus)
	router.GET("/api/omnizap/webhook/latest", h.LatestEvent)
	if ws != nil && wsPath != "" {
		router.GET(wsPath, ws.Handle)
	}
	return router
}

// IngestWebhook accepts a pushed data payload, enqueues it for the
// resolved target and attempts an immediate dispatch.
func (h *Handler) IngestWebhook(c *gin.Context) {
	if h.opts.WebhookToken == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "webhook ingestion is not configured"})
		return
	}
	if !auth.TokenEqual(h.opts.WebhookToken, auth.TokenFromRequest(c.Request)) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid webhook token"})
		return
	}

	body, ok := h.readObjectBody(c)
	if !ok {
		return
	}

	target := resolveTarget(c, body)
	source := resolveSource(c, body, webhookSource)

	message, err := h.store.Enqueue(c.Request.Context(), target, protocol.EventWebhookIngest, body, source)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue payload"})
		return
	}
	dispatched := h.engine.Dispatch([]outbox.Message{message}) > 0

	c.JSON(http.StatusAccepted, gin.H{
		"id":            message.ID,
		"target_client": message.TargetClient,
		"dispatched":    dispatched,
	})
}

// SubmitCommand enqueues a server command for one or all bridge agents.
func (h *Handler) SubmitCommand(c *gin.Context) {
	if h.opts.CommandToken == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "command endpoint is not configured"})
		return
	}
	if !auth.TokenEqual(h.opts.CommandToken, auth.TokenFromRequest(c.Request)) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid command token"})
		return
	}

	body, ok := h.readObjectBody(c)
	if !ok {
		return
	}

	commandType := stringField(body, "type")
	if commandType == "" {
		commandType = defaultCommandType
	}
	payload, _ := body["payload"].(map[string]any)
	if payload == nil {
		payload = map[string]any{}
	}
	if commandType == protocol.EventFetchMedia {
		if stringField(payload, "request_id") == "" {
			payload["request_id"] = uuid.NewString()
		}
	}

	target := resolveTarget(c, body)
	source := resolveSource(c, body, commandSource)

	message, err := h.store.Enqueue(c.Request.Context(), target, commandType, payload, source)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue command"})
		return
	}
	dispatched := h.engine.Dispatch([]outbox.Message{message}) > 0

	c.JSON(http.StatusAccepted, gin.H{
		"id":            message.ID,
		"type":          commandType,
		"target_client": message.TargetClient,
		"dispatched":    dispatched,
	})
}

type connectedClient struct {
	ClientID    string `json:"client_id"`
	Connections int    `json:"connections"`
}

// ConnectionStatus reports live connections and the pending backlog per
// target. Read-only operational visibility, unauthenticated by design.
func (h *Handler) ConnectionStatus(c *gin.Context) {
	counts := h.reg.Snapshot()
	clients := make([]connectedClient, 0, len(counts))
	total := 0
	for clientID, connections := range counts {
		clients = append(clients, connectedClient{ClientID: clientID, Connections: connections})
		total += connections
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].ClientID < clients[j].ClientID })

	pending, err := h.store.PendingStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read pending stats"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"clients":           clients,
		"total_connections": total,
		"pending":           pending,
	})
}

// LatestEvent returns the most recent event pushed by any bridge, or 404
// when nothing has been received yet.
func (h *Handler) LatestEvent(c *gin.Context) {
	event, err := h.store.LatestEvent(c.Request.Context())
	if errors.Is(err, sql.ErrNoRows) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no event received yet"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read latest event"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":          event.ID,
		"client_id":   event.ClientID,
		"event_type":  event.EventType,
		"source":      event.Source,
		"received_at": event.ReceivedAt,
		"payload":     json.RawMessage(event.Payload),
	})
}

// readObjectBody enforces the byte ceiling (413) and the top-level JSON
// object shape (400). Empty bodies count as an empty object, matching the
// original ingest behavior.
func (h *Handler) readObjectBody(c *gin.Context) (map[string]any, bool) {
	reader := http.MaxBytesReader(c.Writer, c.Request.Body, h.opts.MaxBodyBytes)
	raw, err := io.ReadAll(reader)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body exceeds limit"})
		} else {
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		}
		return nil, false
	}

	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return map[string]any{}, true
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(trimmed), &body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "request body must be a JSON object"})
		return nil, false
	}
	// A literal null decodes into a nil map without an error.
	if body == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "request body must be a JSON object"})
		return nil, false
	}
	return body, true
}

func resolveTarget(c *gin.Context, body map[string]any) string {
	target := stringField(body, "target_client")
	if target == "" {
		target = strings.TrimSpace(c.Query("target"))
	}
	if target == "" {
		target = protocol.WildcardTarget
	}
	return target
}

func resolveSource(c *gin.Context, body map[string]any, fallback string) string {
	if source := strings.TrimSpace(c.GetHeader(SourceHeader)); source != "" {
		return source
	}
	if source := stringField(body, "source"); source != "" {
		return source
	}
	return fallback
}

func stringField(object map[string]any, key string) string {
	value, _ := object[key].(string)
	return strings.TrimSpace(value)
}
