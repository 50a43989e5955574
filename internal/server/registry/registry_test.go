package registry

import (
	"reflect"
	"testing"

	"github.com/kaikybrofc/omnizap-relay/internal/protocol"
)

type fakePeer struct {
	open bool
}

func (p *fakePeer) SendJSON(any) error { return nil }
func (p *fakePeer) IsOpen() bool       { return p.open }
func (p *fakePeer) Close()             { p.open = false }

func TestRegisterNormalizesIdentity(t *testing.T) {
	reg := New()
	peer := &fakePeer{open: true}

	canonical := reg.Register("  device-1  ", peer)
	if canonical != "device-1" {
		t.Fatalf("expected trimmed identity, got %q", canonical)
	}

	canonical = reg.Register("", &fakePeer{open: true})
	if canonical != protocol.DefaultClientID {
		t.Fatalf("expected default identity, got %q", canonical)
	}
}

func TestRegisterCoercesWildcardIdentity(t *testing.T) {
	reg := New()
	peer := &fakePeer{open: true}

	canonical := reg.Register(protocol.WildcardTarget, peer)
	if canonical != protocol.DefaultClientID {
		t.Fatalf("wildcard must not become a socket identity, got %q", canonical)
	}
	if peers := reg.PeersFor(protocol.WildcardTarget); peers != nil {
		t.Fatalf("no peers may be registered under the wildcard, got %v", peers)
	}
	if got := reg.ResolveTargets(protocol.WildcardTarget); !reflect.DeepEqual(got, []string{protocol.DefaultClientID}) {
		t.Fatalf("expected the default identity only, got %v", got)
	}

	reg.Unregister(protocol.WildcardTarget, peer)
	if counts := reg.Snapshot(); len(counts) != 0 {
		t.Fatalf("unregister must use the same coercion, got %v", counts)
	}
}

func TestMultipleSocketsShareOneIdentity(t *testing.T) {
	reg := New()
	first := &fakePeer{open: true}
	second := &fakePeer{open: true}

	reg.Register("device-1", first)
	reg.Register("device-1", second)

	peers := reg.PeersFor("device-1")
	if len(peers) != 2 {
		t.Fatalf("expected 2 peers for device-1, got %d", len(peers))
	}
	if counts := reg.Snapshot(); counts["device-1"] != 2 {
		t.Fatalf("expected snapshot count 2, got %d", counts["device-1"])
	}

	reg.Unregister("device-1", first)
	if peers := reg.PeersFor("device-1"); len(peers) != 1 {
		t.Fatalf("expected 1 peer after unregister, got %d", len(peers))
	}

	reg.Unregister("device-1", second)
	if peers := reg.PeersFor("device-1"); peers != nil {
		t.Fatalf("expected identity entry dropped once empty, got %v", peers)
	}
	if counts := reg.Snapshot(); len(counts) != 0 {
		t.Fatalf("expected empty snapshot, got %v", counts)
	}
}

func TestResolveTargets(t *testing.T) {
	reg := New()
	reg.Register("device-1", &fakePeer{open: true})
	reg.Register("device-2", &fakePeer{open: true})

	if got := reg.ResolveTargets("device-1"); !reflect.DeepEqual(got, []string{"device-1"}) {
		t.Fatalf("literal target should resolve to itself, got %v", got)
	}
	if got := reg.ResolveTargets("unknown"); !reflect.DeepEqual(got, []string{"unknown"}) {
		t.Fatalf("unknown literal target still resolves to itself, got %v", got)
	}
	if got := reg.ResolveTargets(protocol.WildcardTarget); !reflect.DeepEqual(got, []string{"device-1", "device-2"}) {
		t.Fatalf("wildcard should resolve to all known identities, got %v", got)
	}
}

func TestCloseAll(t *testing.T) {
	reg := New()
	first := &fakePeer{open: true}
	second := &fakePeer{open: true}
	reg.Register("device-1", first)
	reg.Register("device-2", second)

	reg.CloseAll()
	if first.open || second.open {
		t.Fatalf("expected all peers closed")
	}
}
