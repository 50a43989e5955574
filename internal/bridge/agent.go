// Package bridge implements the outbound-only OmniZap worker agent. It
// dials the relay's WebSocket endpoint (token and identity in the URL, so
// no inbound port is ever opened), replays local data snapshots, answers
// server commands, and reconnects with capped exponential backoff.
package bridge

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

const initialReconnectDelay = 1 * time.Second

type Agent struct {
	cfg        Config
	httpClient *http.Client
	dialer     *websocket.Dialer
}

func New(cfg Config) *Agent {
	return &Agent{
		cfg: cfg,
		// Per-request timeouts ride on contexts; the client-level timeout
		// is a second bound for redirect-following pathologies.
		httpClient: &http.Client{Timeout: 2 * cfg.FetchTimeout},
		dialer: &websocket.Dialer{
			HandshakeTimeout: 15 * time.Second,
		},
	}
}

// Run drives the connect/serve/reconnect loop until ctx is cancelled. A
// session ending for any other reason schedules a reconnect after an
// exponentially growing delay, reset on the next successful open. The
// agent never gives up on connection failure.
func (a *Agent) Run(ctx context.Context) error {
	delay := initialReconnectDelay
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		connected, err := a.runSession(ctx)
		if connected {
			delay = initialReconnectDelay
		}
		if err == nil {
			return nil
		}
		if errCtx := ctx.Err(); errCtx != nil {
			return errCtx
		}

		log.Printf("session ended: %v, reconnecting in %s", err, delay)
		if err := waitReconnect(ctx, delay); err != nil {
			return err
		}
		delay = nextReconnectDelay(delay, a.cfg.ReconnectMax)
	}
}

func (a *Agent) dialURL() (string, error) {
	parsed, err := url.Parse(a.cfg.WSURL)
	if err != nil {
		return "", err
	}
	query := parsed.Query()
	query.Set("token", a.cfg.Token)
	query.Set("client_id", a.cfg.ClientID)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

func nextReconnectDelay(current time.Duration, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func waitReconnect(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
