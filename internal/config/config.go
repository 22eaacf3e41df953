package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StoreModePostgres = "postgres"
	StoreModeMemory   = "memory"

	defaultMetricsAddr     = ""
	defaultProgressChannel = "poam-import:progress"
	defaultProgressStep    = 1
	defaultStoreMode       = StoreModePostgres
)

type Config struct {
	DatabaseURL string
	StoreMode   string
	MetricsAddr string
	PolicyFile  string

	ProgressRedisURL     string
	ProgressRedisChannel string
	ProgressStepPercent  int

	// EligibilityWindow overrides the policy window when positive.
	EligibilityWindow time.Duration
	GroupByScan       bool
}

type LoadOptions struct {
	RequireDatabaseURL bool
}

func Load() (Config, error) {
	return LoadWithOptions(LoadOptions{RequireDatabaseURL: true})
}

func LoadOptionalDB() (Config, error) {
	return LoadWithOptions(LoadOptions{RequireDatabaseURL: false})
}

func LoadWithOptions(opts LoadOptions) (Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return Config{}, err
		}
	}

	cfg := Config{
		DatabaseURL:          strings.TrimSpace(os.Getenv("DATABASE_URL")),
		StoreMode:            strings.ToLower(strings.TrimSpace(getenvDefault("STORE_MODE", defaultStoreMode))),
		MetricsAddr:          strings.TrimSpace(getenvDefault("METRICS_ADDR", defaultMetricsAddr)),
		PolicyFile:           strings.TrimSpace(os.Getenv("POAM_POLICY_FILE")),
		ProgressRedisURL:     strings.TrimSpace(os.Getenv("PROGRESS_REDIS_URL")),
		ProgressRedisChannel: getenvDefault("PROGRESS_REDIS_CHANNEL", defaultProgressChannel),
		ProgressStepPercent:  getenvIntDefault("PROGRESS_STEP_PERCENT", defaultProgressStep),
		GroupByScan:          getenvBoolDefault("GROUP_BY_SCAN", false),
	}

	if v := strings.TrimSpace(os.Getenv("ELIGIBILITY_WINDOW")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return cfg, fmt.Errorf("ELIGIBILITY_WINDOW must be a positive duration such as 720h, got %q", v)
		}
		cfg.EligibilityWindow = d
	}

	switch cfg.StoreMode {
	case StoreModePostgres, StoreModeMemory:
	default:
		return cfg, fmt.Errorf("STORE_MODE must be one of: %s, %s", StoreModePostgres, StoreModeMemory)
	}

	if opts.RequireDatabaseURL && cfg.StoreMode == StoreModePostgres && cfg.DatabaseURL == "" {
		return cfg, errors.New("DATABASE_URL is required")
	}

	return cfg, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}

func getenvBoolDefault(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	switch v {
	case "1":
		return true
	case "0":
		return false
	default:
		return def
	}
}
