package bridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestSnapshotEndpoints(t *testing.T) {
	endpoints := SnapshotEndpoints(25)
	if len(endpoints) != 3 {
		t.Fatalf("expected 3 endpoints, got %d", len(endpoints))
	}
	for _, endpoint := range endpoints {
		if !strings.HasPrefix(endpoint.Key, "GET /api/sticker-packs") {
			t.Fatalf("unexpected key %q", endpoint.Key)
		}
		if !strings.Contains(endpoint.Path, "limit=25") {
			t.Fatalf("limit not propagated into %q", endpoint.Path)
		}
	}
}

func TestCollectRoutesSurvivesPartialFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/api/sticker-packs/orphan-stickers"):
			http.Error(w, "boom", http.StatusInternalServerError)
		case strings.HasPrefix(r.URL.Path, "/api/sticker-packs/data-files"):
			// Wrong content type counts as a failure even with a 200.
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html></html>"))
		default:
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"packs":[{"id":1}]}`))
		}
	}))
	defer server.Close()

	endpoints := SnapshotEndpoints(10)
	routeData, successCount, failureCount := CollectRoutes(context.Background(), server.Client(), server.URL, endpoints, 2*time.Second)

	if successCount != 1 || failureCount != 2 {
		t.Fatalf("got %d ok / %d failed, want 1 / 2", successCount, failureCount)
	}
	if len(routeData) != len(endpoints) {
		t.Fatalf("every endpoint must appear in route_data, got %d entries", len(routeData))
	}

	for _, endpoint := range endpoints {
		value, present := routeData[endpoint.Key]
		if !present {
			t.Fatalf("missing key %q", endpoint.Key)
		}
		if strings.Contains(endpoint.Path, "orphan-stickers") || strings.Contains(endpoint.Path, "data-files") {
			failed, ok := value.(map[string]any)
			if !ok {
				t.Fatalf("failed endpoint %q should carry an error object, got %T", endpoint.Key, value)
			}
			if _, hasError := failed["error"]; !hasError {
				t.Fatalf("failed endpoint %q missing error field: %v", endpoint.Key, failed)
			}
		}
	}
}

func TestCollectRoutesAllDown(t *testing.T) {
	client := &http.Client{Timeout: time.Second}
	endpoints := SnapshotEndpoints(10)

	// Nothing listens on this address.
	routeData, successCount, failureCount := CollectRoutes(context.Background(), client, "http://127.0.0.1:1", endpoints, time.Second)
	if successCount != 0 || failureCount != len(endpoints) {
		t.Fatalf("got %d ok / %d failed, want 0 / %d", successCount, failureCount, len(endpoints))
	}
	if len(routeData) != len(endpoints) {
		t.Fatalf("unreachable endpoints must still be reported, got %d entries", len(routeData))
	}
}
