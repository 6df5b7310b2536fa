package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration for the settlement service.
type Config struct {
	Port             int
	DBPath           string
	LogLevel         string
	SettlementWindow time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	IdleTimeout      time.Duration
	ShutdownTimeout  time.Duration
	Reconcile        Reconcile
	SeedFile         string
	// WriteRate and WriteBurst throttle report ingestion and manual
	// reconciliation runs. Zero disables the limit.
	WriteRate    int
	WriteBurst   int
	DashboardTTL time.Duration
}

// Load reads a .env file if present, then environment variables, applies
// defaults and validates values. Thresholds come from the YAML file named by
// RECONCILE_CONFIG when set.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	port, err := getInt("PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("invalid PORT: %w", err)
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid PORT: %d out of range", port)
	}

	logLevel := getStr("LOG_LEVEL", "info")
	if !isValidLogLevel(logLevel) {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %q, must be one of: debug, info, warn, error", logLevel)
	}

	settlementWindow, err := getDuration("SETTLEMENT_WINDOW", 48*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("invalid SETTLEMENT_WINDOW: %w", err)
	}
	if settlementWindow <= 0 {
		return nil, fmt.Errorf("invalid SETTLEMENT_WINDOW: must be positive, got %v", settlementWindow)
	}

	readTimeout, err := getDuration("READ_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid READ_TIMEOUT: %w", err)
	}

	writeTimeout, err := getDuration("WRITE_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid WRITE_TIMEOUT: %w", err)
	}

	idleTimeout, err := getDuration("IDLE_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid IDLE_TIMEOUT: %w", err)
	}

	shutdownTimeout, err := getDuration("SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %w", err)
	}

	writeRate, err := getInt("WRITE_RATE", 5)
	if err != nil {
		return nil, fmt.Errorf("invalid WRITE_RATE: %w", err)
	}
	writeBurst, err := getInt("WRITE_BURST", 10)
	if err != nil {
		return nil, fmt.Errorf("invalid WRITE_BURST: %w", err)
	}
	if writeRate < 0 || writeBurst < 0 {
		return nil, fmt.Errorf("invalid WRITE_RATE/WRITE_BURST: must not be negative")
	}

	dashboardTTL, err := getDuration("DASHBOARD_TTL", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid DASHBOARD_TTL: %w", err)
	}

	reconcile := DefaultReconcile()
	if path := os.Getenv("RECONCILE_CONFIG"); path != "" {
		reconcile, err = LoadReconcile(path)
		if err != nil {
			return nil, fmt.Errorf("invalid RECONCILE_CONFIG: %w", err)
		}
	}

	return &Config{
		Port:             port,
		DBPath:           getStr("DB_PATH", "settlement.db"),
		LogLevel:         logLevel,
		SettlementWindow: settlementWindow,
		ReadTimeout:      readTimeout,
		WriteTimeout:     writeTimeout,
		IdleTimeout:      idleTimeout,
		ShutdownTimeout:  shutdownTimeout,
		Reconcile:        reconcile,
		SeedFile:         getStr("SEED_FILE", ""),
		WriteRate:        writeRate,
		WriteBurst:       writeBurst,
		DashboardTTL:     dashboardTTL,
	}, nil
}

func getStr(key, defaultVal string) string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	return v
}

func getInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.Atoi(v)
}

func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return time.ParseDuration(v)
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}
