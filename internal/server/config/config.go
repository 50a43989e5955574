package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultHTTPAddr       = ":8787"
	defaultWSPath         = "/api/omnizap/ws"
	defaultDBPath         = "./data/omnizap-relay.db"
	defaultBusyTimeoutMS  = 5000
	defaultHeartbeatSec   = 30
	defaultMaxBodyBytes   = 1 << 20
	defaultDefaultClient  = "omnizap-local"
	defaultShutdownGraceS = 5
)

type Config struct {
	HTTPAddr        string
	WSPath          string
	WSToken         string
	WebhookToken    string
	CommandToken    string
	DBPath          string
	BusyTimeoutMS   int
	Heartbeat       time.Duration
	MaxBodyBytes    int64
	DefaultClientID string
	ShutdownGrace   time.Duration
}

func Load() Config {
	heartbeatSec := parsePositiveIntEnv("OMNIZAP_WS_HEARTBEAT_SEC", defaultHeartbeatSec)
	busyTimeout := parsePositiveIntEnv("OMNIZAP_DB_BUSY_TIMEOUT_MS", defaultBusyTimeoutMS)
	maxBody := parsePositiveIntEnv("OMNIZAP_MAX_BODY_BYTES", defaultMaxBodyBytes)
	grace := parsePositiveIntEnv("OMNIZAP_SHUTDOWN_GRACE_SEC", defaultShutdownGraceS)

	webhookToken := strings.TrimSpace(os.Getenv("OMNIZAP_WEBHOOK_TOKEN"))
	commandToken := strings.TrimSpace(os.Getenv("OMNIZAP_COMMAND_TOKEN"))
	if commandToken == "" {
		commandToken = webhookToken
	}
	wsToken := strings.TrimSpace(os.Getenv("OMNIZAP_WS_TOKEN"))
	if wsToken == "" {
		wsToken = webhookToken
	}

	return Config{
		HTTPAddr:        resolveHTTPAddr(),
		WSPath:          getEnv("OMNIZAP_WS_PATH", defaultWSPath),
		WSToken:         wsToken,
		WebhookToken:    webhookToken,
		CommandToken:    commandToken,
		DBPath:          getEnv("OMNIZAP_DB_PATH", defaultDBPath),
		BusyTimeoutMS:   busyTimeout,
		Heartbeat:       time.Duration(heartbeatSec) * time.Second,
		MaxBodyBytes:    int64(maxBody),
		DefaultClientID: getEnv("OMNIZAP_DEFAULT_CLIENT_ID", defaultDefaultClient),
		ShutdownGrace:   time.Duration(grace) * time.Second,
	}
}

// resolveHTTPAddr honors API_PORT for parity with the original deployment
// while allowing a full listen address override.
func resolveHTTPAddr() string {
	if addr := strings.TrimSpace(os.Getenv("OMNIZAP_HTTP_ADDR")); addr != "" {
		return addr
	}
	if port := strings.TrimSpace(os.Getenv("API_PORT")); port != "" {
		if _, err := strconv.Atoi(port); err == nil {
			return ":" + port
		}
	}
	return defaultHTTPAddr
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
