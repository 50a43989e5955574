package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/kaikybrofc/omnizap-relay/internal/protocol"
)

// Endpoint is one local read-only route included in every snapshot. The
// key doubles as the route_data map key so the receiving side can tell
// entries apart without re-deriving URLs.
type Endpoint struct {
	Key  string
	Path string
}

// SnapshotEndpoints is the fixed route list the bridge mirrors to the
// relay.
func SnapshotEndpoints(limit int) []Endpoint {
	paths := []string{
		fmt.Sprintf("/api/sticker-packs?visibility=all&limit=%d&offset=0", limit),
		fmt.Sprintf("/api/sticker-packs/orphan-stickers?limit=%d&offset=0", limit),
		fmt.Sprintf("/api/sticker-packs/data-files?limit=%d&offset=0", limit),
	}
	endpoints := make([]Endpoint, 0, len(paths))
	for _, path := range paths {
		endpoints = append(endpoints, Endpoint{
			Key:  "GET " + path,
			Path: path,
		})
	}
	return endpoints
}

// CollectRoutes fetches every endpoint and aggregates the results. A
// failing endpoint contributes an {error: ...} value under its key
// instead of aborting the snapshot; partial failure is an expected,
// first-class case. Returns the aggregate plus success/failure counts.
func CollectRoutes(ctx context.Context, client *http.Client, baseURL string, endpoints []Endpoint, timeout time.Duration) (map[string]any, int, int) {
	routeData := make(map[string]any, len(endpoints))
	successCount := 0
	failureCount := 0

	for _, endpoint := range endpoints {
		url := baseURL + endpoint.Path
		data, err := fetchJSON(ctx, client, url, timeout)
		if err != nil {
			routeData[endpoint.Key] = map[string]any{"error": err.Error()}
			failureCount++
			log.Printf("ERROR %s: %v", endpoint.Path, err)
			continue
		}
		routeData[endpoint.Key] = data
		successCount++
		log.Printf("OK %s", endpoint.Path)
	}

	return routeData, successCount, failureCount
}

func fetchJSON(ctx context.Context, client *http.Client, url string, timeout time.Duration) (any, error) {
	requestCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		requestCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	request, err := http.NewRequestWithContext(requestCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Accept", "application/json")

	response, err := client.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return nil, fmt.Errorf("request to %s failed (%d)", url, response.StatusCode)
	}
	contentType := response.Header.Get("Content-Type")
	if !strings.Contains(contentType, "application/json") {
		return nil, fmt.Errorf("non-JSON response from %s", url)
	}

	var data any
	if err := json.NewDecoder(response.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("decode response from %s: %w", url, err)
	}
	return data, nil
}

func (s *session) pushSnapshot(ctx context.Context, origin string) error {
	cfg := s.agent.cfg
	endpoints := SnapshotEndpoints(cfg.FetchLimit)
	routeData, successCount, failureCount := CollectRoutes(ctx, s.agent.httpClient, cfg.LocalBaseURL, endpoints, cfg.FetchTimeout)
	log.Printf("snapshot %s: %d ok, %d failed", origin, successCount, failureCount)

	return s.send(map[string]any{
		"type":   protocol.TypeRouteSnapshot,
		"source": defaultSourceName,
		"payload": map[string]any{
			"origin":     origin,
			"route_data": routeData,
			"sent_at":    time.Now().UTC().Format(time.RFC3339),
			"client_id":  cfg.ClientID,
		},
	})
}
