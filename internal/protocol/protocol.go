// Package protocol defines the JSON message types exchanged between the
// relay server and bridge agents, and the envelope format stored in the
// outbox. Both sides of the wire import it so the two processes cannot
// drift apart.
package protocol

import (
	"encoding/json"
	"strings"
)

// Message types, both directions.
const (
	TypeWelcome        = "welcome"
	TypeHello          = "hello"
	TypeHelloAck       = "hello_ack"
	TypePing           = "ping"
	TypePong           = "pong"
	TypeAck            = "ack"
	TypeRouteSnapshot  = "route_snapshot"
	TypeWebhookPayload = "webhook_payload"
	TypeServerEvent    = "server_event"
	TypeMediaResponse  = "media_response"
	TypeError          = "error"
	TypeIgnored        = "ignored"
)

// Event types carried inside a server_event envelope.
const (
	EventRequestSync   = "request_sync"
	EventFetchMedia    = "fetch_media"
	EventWebhookIngest = "webhook_ingest"
)

const (
	// WildcardTarget addresses every currently connected client.
	WildcardTarget = "*"

	// DefaultClientID is assumed when a connection or message names no
	// identity of its own.
	DefaultClientID = "omnizap-local"

	// MaxClientIDLength caps identities before they reach the registry or
	// the outbox.
	MaxClientIDLength = 128
)

// Envelope is the stored form of every outbox message and the `event`
// body of a server_event frame.
type Envelope struct {
	Type    string `json:"type"`
	Source  string `json:"source"`
	SentAt  string `json:"sent_at"`
	Payload any    `json:"payload"`
}

// ServerEvent is the frame the dispatcher pushes to live sockets. The
// outbox row id rides along as delivery_id so the client can acknowledge
// it.
type ServerEvent struct {
	Type         string   `json:"type"`
	DeliveryID   int64    `json:"delivery_id"`
	TargetClient string   `json:"target_client"`
	Event        Envelope `json:"event"`
	QueuedAt     int64    `json:"queued_at"`
}

// Inbound is the decoded shape of a client text frame. Only the fields
// the router inspects are declared; anything else stays inside Payload.
type Inbound struct {
	Type       string          `json:"type"`
	DeliveryID int64           `json:"delivery_id"`
	ClientID   string          `json:"client_id"`
	Source     string          `json:"source"`
	Payload    json.RawMessage `json:"payload"`
	TS         int64           `json:"ts"`
}

// NormalizeClientID trims, length-caps and defaults a client identity.
// The wildcard is passed through verbatim so callers can use the same
// normalization for dispatch targets.
func NormalizeClientID(raw string, fallback string) string {
	id := strings.TrimSpace(raw)
	if id == WildcardTarget {
		return id
	}
	if id == "" {
		id = strings.TrimSpace(fallback)
	}
	if id == "" {
		id = DefaultClientID
	}
	if len(id) > MaxClientIDLength {
		id = id[:MaxClientIDLength]
	}
	return id
}
