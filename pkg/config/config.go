package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const envFileVar = "HAMDAM_ENV_FILE"

type Config struct {
	BackendURL           string
	Environment          string
	DatabasePath         string
	SessionSecret        string
	ReconnectDelay       time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMultiplier  float64
	ReconnectMaxAttempts int
	PingInterval         time.Duration
	HistoryPageSize      int
	BridgeAddr           string
	BridgeSendRate       string
	Locale               string
	LogFile              string
}

// Load reads the configuration from the environment. Values in the env file
// (HAMDAM_ENV_FILE, else ./.env) apply when the variable is not set.
func Load() *Config {
	file := loadEnvFile()
	getEnv := func(key, defaultValue string) string {
		if value, exists := os.LookupEnv(key); exists {
			return value
		}
		if value, exists := file[key]; exists {
			return value
		}
		return defaultValue
	}

	return &Config{
		BackendURL:           getEnv("BACKEND_URL", "http://localhost:8000"),
		Environment:          getEnv("ENVIRONMENT", "development"),
		DatabasePath:         getEnv("DATABASE_PATH", "./data/hamdam.db"),
		SessionSecret:        getEnv("SESSION_SECRET", "hamdam-local-session-secret"),
		ReconnectDelay:       parseDuration(getEnv("RECONNECT_DELAY", "5s"), 5*time.Second),
		ReconnectMaxDelay:    parseDuration(getEnv("RECONNECT_MAX_DELAY", "0"), 0),
		ReconnectMultiplier:  parseFloat(getEnv("RECONNECT_MULTIPLIER", "1"), 1),
		ReconnectMaxAttempts: parseInt(getEnv("RECONNECT_MAX_ATTEMPTS", "0"), 0),
		PingInterval:         parseDuration(getEnv("PING_INTERVAL", "30s"), 30*time.Second),
		HistoryPageSize:      parseInt(getEnv("HISTORY_PAGE_SIZE", "100"), 100),
		BridgeAddr:           getEnv("BRIDGE_ADDR", "127.0.0.1:8787"),
		BridgeSendRate:       getEnv("BRIDGE_SEND_RATE", "30-M"),
		Locale:               getEnv("LOCALE", "en"),
		LogFile:              getEnv("LOG_FILE", "hamdam.log"),
	}
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func loadEnvFile() map[string]string {
	path, explicit := os.LookupEnv(envFileVar)
	if !explicit {
		path = ".env"
	}

	values, err := godotenv.Read(path)
	if err != nil {
		if explicit || !os.IsNotExist(err) {
			log.Printf("config: failed to read env file path=%s error=%v", path, err)
		}
		return nil
	}
	return values
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "0" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

func parseInt(s string, fallback int) int {
	val, err := strconv.Atoi(s)
	if err != nil || val < 0 {
		return fallback
	}
	return val
}

func parseFloat(s string, fallback float64) float64 {
	val, err := strconv.ParseFloat(s, 64)
	if err != nil || val <= 0 {
		return fallback
	}
	return val
}
