package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/kaikybrofc/omnizap-relay/internal/protocol"
	"github.com/kaikybrofc/omnizap-relay/internal/server/outbox"
	"github.com/kaikybrofc/omnizap-relay/internal/server/registry"
)

type capturePeer struct {
	mu       sync.Mutex
	frames   []protocol.ServerEvent
	open     bool
	failSend bool
}

func (p *capturePeer) SendJSON(v any) error {
	if p.failSend {
		return errors.New("socket gone")
	}
	frame, ok := v.(protocol.ServerEvent)
	if !ok {
		return errors.New("unexpected frame type")
	}
	p.mu.Lock()
	p.frames = append(p.frames, frame)
	p.mu.Unlock()
	return nil
}

func (p *capturePeer) IsOpen() bool { return p.open }
func (p *capturePeer) Close()       { p.open = false }

func (p *capturePeer) received() []protocol.ServerEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.ServerEvent(nil), p.frames...)
}

func openTestStore(t *testing.T) *outbox.Store {
	t.Helper()
	store, err := outbox.Open(context.Background(), outbox.Options{
		Path: filepath.Join(t.TempDir(), "dispatch-test.db"),
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestDispatchFanOutToWildcard(t *testing.T) {
	store := openTestStore(t)
	reg := registry.New()
	engine := New(store, reg)

	deviceOne := &capturePeer{open: true}
	deviceTwo := &capturePeer{open: true}
	reg.Register("device-1", deviceOne)
	reg.Register("device-2", deviceTwo)

	message, err := store.Enqueue(context.Background(), "*", "request_sync", nil, "test")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	sent := engine.Dispatch([]outbox.Message{message})
	if sent != 2 {
		t.Fatalf("expected 2 sends for wildcard fan-out, got %d", sent)
	}
	for name, peer := range map[string]*capturePeer{"device-1": deviceOne, "device-2": deviceTwo} {
		frames := peer.received()
		if len(frames) != 1 {
			t.Fatalf("%s: expected 1 frame, got %d", name, len(frames))
		}
		if frames[0].DeliveryID != message.ID {
			t.Fatalf("%s: expected delivery id %d, got %d", name, message.ID, frames[0].DeliveryID)
		}
		if frames[0].Event.Type != "request_sync" {
			t.Fatalf("%s: unexpected event type %q", name, frames[0].Event.Type)
		}
	}
}

func TestDispatchReachesEverySocketOfOneIdentity(t *testing.T) {
	store := openTestStore(t)
	reg := registry.New()
	engine := New(store, reg)

	first := &capturePeer{open: true}
	second := &capturePeer{open: true}
	reg.Register("device-1", first)
	reg.Register("device-1", second)

	message, err := store.Enqueue(context.Background(), "*", "request_sync", nil, "test")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if sent := engine.Dispatch([]outbox.Message{message}); sent != 2 {
		t.Fatalf("expected wildcard dispatch to reach both sockets, got %d sends", sent)
	}
	if len(first.received()) != 1 || len(second.received()) != 1 {
		t.Fatalf("expected one frame per socket")
	}
}

func TestDispatchNeverMarksDelivered(t *testing.T) {
	store := openTestStore(t)
	reg := registry.New()
	engine := New(store, reg)
	reg.Register("device-1", &capturePeer{open: true})

	message, err := store.Enqueue(context.Background(), "device-1", "request_sync", nil, "test")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if sent := engine.Dispatch([]outbox.Message{message}); sent != 1 {
		t.Fatalf("expected 1 send, got %d", sent)
	}

	stored, err := store.GetMessage(context.Background(), message.ID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if stored.Status != outbox.StatusPending {
		t.Fatalf("dispatch must not mark rows delivered, got status %q", stored.Status)
	}
}

func TestDispatchSkipsDeadAndFailingSockets(t *testing.T) {
	store := openTestStore(t)
	reg := registry.New()
	engine := New(store, reg)

	closed := &capturePeer{open: false}
	failing := &capturePeer{open: true, failSend: true}
	healthy := &capturePeer{open: true}
	reg.Register("device-1", closed)
	reg.Register("device-1", failing)
	reg.Register("device-1", healthy)

	message, err := store.Enqueue(context.Background(), "device-1", "request_sync", nil, "test")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if sent := engine.Dispatch([]outbox.Message{message}); sent != 1 {
		t.Fatalf("expected only the healthy socket to count, got %d", sent)
	}
	if len(closed.received()) != 0 {
		t.Fatalf("closed socket should not receive frames")
	}
}

func TestDispatchSkipsMalformedRows(t *testing.T) {
	store := openTestStore(t)
	reg := registry.New()
	engine := New(store, reg)
	peer := &capturePeer{open: true}
	reg.Register("device-1", peer)

	rows := []outbox.Message{{
		ID:           42,
		TargetClient: "device-1",
		Payload:      "{not json",
	}}
	if sent := engine.Dispatch(rows); sent != 0 {
		t.Fatalf("malformed rows must be skipped silently, got %d sends", sent)
	}
	if len(peer.received()) != 0 {
		t.Fatalf("no frames expected for malformed rows")
	}
}

func TestOnClientConnectedReplaysBacklog(t *testing.T) {
	store := openTestStore(t)
	reg := registry.New()
	engine := New(store, reg)
	ctx := context.Background()

	if _, err := store.Enqueue(ctx, "device-1", "request_sync", nil, "test"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.Enqueue(ctx, "*", "request_sync", nil, "test"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.Enqueue(ctx, "device-2", "request_sync", nil, "test"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	peer := &capturePeer{open: true}
	reg.Register("device-1", peer)

	if replayed := engine.OnClientConnected(ctx, "device-1"); replayed != 2 {
		t.Fatalf("expected 2 replayed sends (direct + wildcard), got %d", replayed)
	}
	if replayed := engine.OnClientConnected(ctx, "device-3"); replayed != 1 {
		t.Fatalf("expected only the wildcard row for an unknown identity, got %d", replayed)
	}
}
