// ABOUTME: Daemon configuration from .env files and CROSSP2P_* variables
// ABOUTME: Values here are defaults that command-line flags may override
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/upasthiti/crossp2p-go/pkg/protocol"
)

// Config holds daemon settings
type Config struct {
	Port        int
	Name        string
	LogFile     string
	Debug       bool
	EnableMDNS  bool
	Platform    string
	Interface   string
	ServiceType string
	PreferAware bool

	AttemptTimeout   time.Duration
	JoinPollInterval time.Duration
	JoinDeadline     time.Duration
}

// Load reads the given .env files (missing files are ignored) and then the environment
func Load(files ...string) Config {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			_ = godotenv.Load(f)
		}
	}

	return Config{
		Port:             getInt("CROSSP2P_PORT", 8928),
		Name:             getEnv("CROSSP2P_NAME", ""),
		LogFile:          getEnv("CROSSP2P_LOG_FILE", "crossp2pd.log"),
		Debug:            getBool("CROSSP2P_DEBUG", false),
		EnableMDNS:       getBool("CROSSP2P_MDNS", true),
		Platform:         getEnv("CROSSP2P_PLATFORM", "linux"),
		Interface:        getEnv("CROSSP2P_INTERFACE", ""),
		ServiceType:      getEnv("CROSSP2P_SERVICE_TYPE", protocol.DefaultServiceType),
		PreferAware:      getBool("CROSSP2P_PREFER_AWARE", true),
		AttemptTimeout:   getDuration("CROSSP2P_ATTEMPT_TIMEOUT", 15*time.Second),
		JoinPollInterval: getDuration("CROSSP2P_JOIN_POLL_INTERVAL", 500*time.Millisecond),
		JoinDeadline:     getDuration("CROSSP2P_JOIN_DEADLINE", 5*time.Second),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return defaultValue
}
