package bridge

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultLocalBaseURL     = "http://localhost:3000"
	defaultFetchLimit       = 100
	defaultSyncIntervalSec  = 60
	defaultHeartbeatSec     = 25
	defaultReconnectMaxSec  = 30
	defaultFetchTimeoutSec  = 10
	defaultMediaMaxBytes    = 2 << 20
	defaultSourceName       = "omnizap-ws-bridge"
)

type Config struct {
	WSURL        string
	Token        string
	ClientID     string
	LocalBaseURL string
	FetchLimit   int
	SyncInterval time.Duration
	Heartbeat    time.Duration
	ReconnectMax time.Duration

	// FetchTimeout bounds every local fetch (snapshots and media). The
	// original bridge had none, which let one stalled local endpoint stall
	// a whole snapshot cycle.
	FetchTimeout time.Duration

	MediaMaxBytes int64
}

// LoadConfig reads the bridge environment. WS URL and token are required;
// everything else has a default.
func LoadConfig() (Config, error) {
	wsURL := strings.TrimSpace(os.Getenv("OMNIZAP_WS_URL"))
	if wsURL == "" {
		return Config{}, errors.New("OMNIZAP_WS_URL is required (ex: wss://your-domain.com/api/omnizap/ws)")
	}

	token := strings.TrimSpace(os.Getenv("OMNIZAP_WS_TOKEN"))
	if token == "" {
		token = strings.TrimSpace(os.Getenv("OMNIZAP_WEBHOOK_TOKEN"))
	}
	if token == "" {
		return Config{}, errors.New("OMNIZAP_WS_TOKEN is required (or OMNIZAP_WEBHOOK_TOKEN)")
	}

	clientID := strings.TrimSpace(os.Getenv("OMNIZAP_CLIENT_ID"))
	if clientID == "" {
		clientID = defaultClientID()
	}

	syncSec := parsePositiveIntEnv("OMNIZAP_WS_SYNC_INTERVAL_SEC", defaultSyncIntervalSec)
	heartbeatSec := parsePositiveIntEnv("OMNIZAP_WS_HEARTBEAT_INTERVAL_SEC", defaultHeartbeatSec)
	reconnectMaxSec := parsePositiveIntEnv("OMNIZAP_WS_RECONNECT_MAX_SEC", defaultReconnectMaxSec)
	fetchTimeoutSec := parsePositiveIntEnv("OMNIZAP_LOCAL_FETCH_TIMEOUT_SEC", defaultFetchTimeoutSec)
	mediaMaxBytes := parsePositiveIntEnv("OMNIZAP_MEDIA_MAX_BYTES", defaultMediaMaxBytes)

	return Config{
		WSURL:         wsURL,
		Token:         token,
		ClientID:      clientID,
		LocalBaseURL:  normalizeBaseURL(getEnv("OMNIZAP_LOCAL_BASE_URL", defaultLocalBaseURL)),
		FetchLimit:    parsePositiveIntEnv("OMNIZAP_STICKER_LIMIT", defaultFetchLimit),
		SyncInterval:  time.Duration(syncSec) * time.Second,
		Heartbeat:     time.Duration(heartbeatSec) * time.Second,
		ReconnectMax:  time.Duration(reconnectMaxSec) * time.Second,
		FetchTimeout:  time.Duration(fetchTimeoutSec) * time.Second,
		MediaMaxBytes: int64(mediaMaxBytes),
	}, nil
}

func defaultClientID() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		host = "bridge"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func normalizeBaseURL(value string) string {
	return strings.TrimSuffix(strings.TrimSpace(value), "/")
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
