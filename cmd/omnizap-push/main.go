// Command omnizap-push collects the local OmniZap data routes once and
// pushes the aggregate to the relay's webhook endpoint. It is the
// one-shot alternative to running the full bridge: useful from cron or
// for a manual sync.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kaikybrofc/omnizap-relay/internal/bridge"
)

const (
	defaultLocalBaseURL = "http://localhost:3000"
	defaultFetchLimit   = 100
	defaultTimeoutSec   = 10
	sourceName          = "omnizap-local"
	sourceHeaderValue   = "omnizap-local-script"
)

func main() {
	log.SetPrefix("[omnizap-push] ")
	log.SetFlags(log.LstdFlags)

	if err := run(); err != nil {
		log.Printf("%v", err)
		os.Exit(1)
	}
}

func run() error {
	webhookURL := strings.TrimSpace(os.Getenv("OMNIZAP_WEBHOOK_URL"))
	if webhookURL == "" {
		return fmt.Errorf("OMNIZAP_WEBHOOK_URL is required")
	}
	token := strings.TrimSpace(os.Getenv("OMNIZAP_WEBHOOK_TOKEN"))
	if token == "" {
		return fmt.Errorf("OMNIZAP_WEBHOOK_TOKEN is required")
	}

	baseURL := strings.TrimSuffix(getEnv("OMNIZAP_LOCAL_BASE_URL", defaultLocalBaseURL), "/")
	limit := parsePositiveIntEnv("OMNIZAP_STICKER_LIMIT", defaultFetchLimit)
	timeout := time.Duration(parsePositiveIntEnv("OMNIZAP_LOCAL_FETCH_TIMEOUT_SEC", defaultTimeoutSec)) * time.Second

	client := &http.Client{Timeout: 2 * timeout}
	ctx := context.Background()

	endpoints := bridge.SnapshotEndpoints(limit)
	routeData, successCount, failureCount := bridge.CollectRoutes(ctx, client, baseURL, endpoints, timeout)
	log.Printf("local collection: %d ok, %d failed", successCount, failureCount)

	if successCount == 0 {
		return fmt.Errorf("no local route responded, check OMNIZAP_LOCAL_BASE_URL")
	}

	payload := map[string]any{
		"source":     sourceName,
		"sent_at":    time.Now().UTC().Format(time.RFC3339),
		"route_data": routeData,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+token)
	request.Header.Set("X-Omnizap-Source", sourceHeaderValue)

	response, err := client.Do(request)
	if err != nil {
		return fmt.Errorf("push webhook: %w", err)
	}
	defer response.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(response.Body, 64*1024))
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return fmt.Errorf("webhook push failed (%d): %s", response.StatusCode, strings.TrimSpace(string(body)))
	}

	log.Printf("push accepted: %s", strings.TrimSpace(string(body)))
	return nil
}

func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func parsePositiveIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return defaultValue
	}
	return parsed
}
