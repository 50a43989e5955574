package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kaikybrofc/omnizap-relay/internal/protocol"
)

// pendingPullLimit bounds a single backlog pull so a long-offline client
// cannot trigger an unbounded replay burst on reconnect.
const pendingPullLimit = 200

type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
)

// Message is one outbox row.
type Message struct {
	ID           int64
	TargetClient string
	Payload      string
	Status       Status
	CreatedAt    int64
	DeliveredAt  int64
}

// ReceivedEvent is one row of the received-event log populated by
// route_snapshot and webhook_payload frames.
type ReceivedEvent struct {
	ID         int64
	ClientID   string
	EventType  string
	Source     string
	Payload    string
	ReceivedAt int64
}

// PendingStat is the pending backlog count for one target identity.
type PendingStat struct {
	TargetClient string `json:"target_client"`
	Count        int64  `json:"count"`
}

// secretFieldNames are stripped from object payloads before storage so
// credentials a caller echoes back never land in the audit log.
var secretFieldNames = []string{
	"token",
	"secret",
	"authorization",
	"password",
	"api_key",
	"apikey",
	"access_token",
}

// Enqueue wraps payload in the wire envelope and inserts a pending row
// for target. The target is trimmed, length-capped and defaulted to the
// wildcard; `"*"` passes through verbatim. Returns the stored row,
// including its canonical envelope JSON.
func (s *Store) Enqueue(ctx context.Context, target string, msgType string, payload any, source string) (Message, error) {
	canonicalTarget := protocol.NormalizeClientID(target, protocol.WildcardTarget)
	source = strings.TrimSpace(source)
	if source == "" {
		source = protocol.DefaultClientID
	}

	now := s.nowFn()
	envelope := protocol.Envelope{
		Type:    msgType,
		Source:  source,
		SentAt:  now.UTC().Format(time.RFC3339),
		Payload: StripSecretFields(payload),
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		return Message{}, fmt.Errorf("marshal envelope: %w", err)
	}

	createdAt := now.UnixMilli()
	result, err := s.sql.ExecContext(ctx,
		`INSERT INTO outbox_messages (target_client, payload, status, created_at_unix_ms)
		 VALUES (?, ?, ?, ?)`,
		canonicalTarget, string(raw), StatusPending, createdAt,
	)
	if err != nil {
		return Message{}, fmt.Errorf("insert outbox message: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return Message{}, fmt.Errorf("outbox insert id: %w", err)
	}

	return Message{
		ID:           id,
		TargetClient: canonicalTarget,
		Payload:      string(raw),
		Status:       StatusPending,
		CreatedAt:    createdAt,
	}, nil
}

// PendingFor returns the pending backlog addressed to clientID, including
// wildcard rows, oldest first, capped at pendingPullLimit rows.
func (s *Store) PendingFor(ctx context.Context, clientID string) ([]Message, error) {
	rows, err := s.sql.QueryContext(ctx,
		`SELECT id, target_client, payload, status, created_at_unix_ms, delivered_at_unix_ms
		 FROM outbox_messages
		 WHERE status = ? AND (target_client = ? OR target_client = ?)
		 ORDER BY created_at_unix_ms ASC, id ASC
		 LIMIT ?`,
		StatusPending, clientID, protocol.WildcardTarget, pendingPullLimit,
	)
	if err != nil {
		return nil, fmt.Errorf("query pending messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, message)
	}
	return messages, rows.Err()
}

// MarkDelivered flips a pending row to delivered. The status guard in the
// WHERE clause makes the transition a compare-and-swap: acknowledging an
// already-delivered row reports false without touching delivered_at.
func (s *Store) MarkDelivered(ctx context.Context, id int64) (bool, error) {
	result, err := s.sql.ExecContext(ctx,
		`UPDATE outbox_messages
		 SET status = ?, delivered_at_unix_ms = ?
		 WHERE id = ? AND status = ?`,
		StatusDelivered, s.nowFn().UnixMilli(), id, StatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("mark delivered: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark delivered rows affected: %w", err)
	}
	return affected == 1, nil
}

// PendingStats aggregates pending counts by target for the status
// endpoint.
func (s *Store) PendingStats(ctx context.Context) ([]PendingStat, error) {
	rows, err := s.sql.QueryContext(ctx,
		`SELECT target_client, COUNT(*)
		 FROM outbox_messages
		 WHERE status = ?
		 GROUP BY target_client
		 ORDER BY target_client`,
		StatusPending,
	)
	if err != nil {
		return nil, fmt.Errorf("query pending stats: %w", err)
	}
	defer rows.Close()

	stats := make([]PendingStat, 0)
	for rows.Next() {
		var stat PendingStat
		if err := rows.Scan(&stat.TargetClient, &stat.Count); err != nil {
			return nil, fmt.Errorf("scan pending stat: %w", err)
		}
		stats = append(stats, stat)
	}
	return stats, rows.Err()
}

// GetMessage loads one outbox row by id.
func (s *Store) GetMessage(ctx context.Context, id int64) (Message, error) {
	row := s.sql.QueryRowContext(ctx,
		`SELECT id, target_client, payload, status, created_at_unix_ms, delivered_at_unix_ms
		 FROM outbox_messages WHERE id = ?`,
		id,
	)
	return scanMessage(row)
}

// RecordEvent appends a received-event row and returns its id.
func (s *Store) RecordEvent(ctx context.Context, clientID string, eventType string, source string, payload json.RawMessage) (int64, error) {
	body := strings.TrimSpace(string(payload))
	if body == "" {
		body = "{}"
	}
	source = strings.TrimSpace(source)
	if source == "" {
		source = clientID
	}
	result, err := s.sql.ExecContext(ctx,
		`INSERT INTO received_events (client_id, event_type, source, payload, received_at_unix_ms)
		 VALUES (?, ?, ?, ?, ?)`,
		clientID, eventType, source, body, s.nowFn().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert received event: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("received event insert id: %w", err)
	}
	return id, nil
}

// LatestEvent returns the most recently received event, or sql.ErrNoRows
// when nothing has been received yet.
func (s *Store) LatestEvent(ctx context.Context) (ReceivedEvent, error) {
	row := s.sql.QueryRowContext(ctx,
		`SELECT id, client_id, event_type, source, payload, received_at_unix_ms
		 FROM received_events
		 ORDER BY received_at_unix_ms DESC, id DESC
		 LIMIT 1`,
	)
	var event ReceivedEvent
	err := row.Scan(&event.ID, &event.ClientID, &event.EventType, &event.Source, &event.Payload, &event.ReceivedAt)
	if err != nil {
		return ReceivedEvent{}, err
	}
	return event, nil
}

// StripSecretFields removes token-shaped top-level keys from object
// payloads. Non-object payloads pass through untouched.
func StripSecretFields(payload any) any {
	object, ok := payload.(map[string]any)
	if !ok {
		return payload
	}
	cleaned := make(map[string]any, len(object))
	for key, value := range object {
		if isSecretFieldName(key) {
			continue
		}
		cleaned[key] = value
	}
	return cleaned
}

func isSecretFieldName(key string) bool {
	lowered := strings.ToLower(strings.TrimSpace(key))
	for _, name := range secretFieldNames {
		if lowered == name {
			return true
		}
	}
	return false
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var message Message
	var deliveredAt sql.NullInt64
	err := row.Scan(
		&message.ID,
		&message.TargetClient,
		&message.Payload,
		&message.Status,
		&message.CreatedAt,
		&deliveredAt,
	)
	if err != nil {
		return Message{}, err
	}
	if deliveredAt.Valid {
		message.DeliveredAt = deliveredAt.Int64
	}
	return message, nil
}
