package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

func init() {
	// Auto-load .env file if present (don't override existing env vars)
	loadDotEnv(".env")
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		// Remove surrounding quotes
		if len(val) >= 2 && ((val[0] == '"' && val[len(val)-1] == '"') || (val[0] == '\'' && val[len(val)-1] == '\'')) {
			val = val[1 : len(val)-1]
		}
		// Don't override existing env vars
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

const (
	defaultPort        = "4300"
	defaultEnvironment = "development"

	defaultModelCeiling     = 128000
	defaultOutputReservePct = 0.15
	defaultCharsPerToken    = 4

	defaultRetentionEnabled  = true
	defaultRetentionSchedule = "0 3 * * *"
	defaultRetentionMaxAge   = 30 * 24 * time.Hour

	defaultHistoryFetchLimit = 200
	defaultRetrievalLimit    = 20
)

// AssemblyConfig tunes the token budgeting defaults applied when a
// composition or request does not specify its own.
type AssemblyConfig struct {
	DefaultModelCeiling     int
	DefaultOutputReservePct float64
	CharsPerToken           int
	HistoryFetchLimit       int
	RetrievalLimit          int
}

// RetentionConfig controls the snapshot pruning worker.
type RetentionConfig struct {
	Enabled  bool
	Schedule string
	MaxAge   time.Duration
}

type Config struct {
	Port           string
	DatabaseURL    string
	Environment    string
	AllowedOrigins string
	Assembly       AssemblyConfig
	Retention      RetentionConfig
}

func Load() (Config, error) {
	cfg := Config{
		Port:           firstNonEmpty(strings.TrimSpace(os.Getenv("PORT")), defaultPort),
		DatabaseURL:    strings.TrimSpace(os.Getenv("DATABASE_URL")),
		Environment:    resolveEnvironment(),
		AllowedOrigins: strings.TrimSpace(os.Getenv("ALLOWED_ORIGINS")),
		Retention: RetentionConfig{
			Schedule: firstNonEmpty(
				strings.TrimSpace(os.Getenv("SNAPSHOT_RETENTION_SCHEDULE")),
				defaultRetentionSchedule,
			),
		},
	}

	modelCeiling, err := parseInt("ASSEMBLY_DEFAULT_MODEL_CEILING", defaultModelCeiling)
	if err != nil {
		return Config{}, err
	}
	if modelCeiling <= 0 {
		return Config{}, fmt.Errorf("ASSEMBLY_DEFAULT_MODEL_CEILING must be greater than zero")
	}
	cfg.Assembly.DefaultModelCeiling = modelCeiling

	outputReserve, err := parseFloat("ASSEMBLY_DEFAULT_OUTPUT_RESERVE_PCT", defaultOutputReservePct)
	if err != nil {
		return Config{}, err
	}
	if outputReserve < 0 || outputReserve >= 1 {
		return Config{}, fmt.Errorf("ASSEMBLY_DEFAULT_OUTPUT_RESERVE_PCT must be in [0, 1)")
	}
	cfg.Assembly.DefaultOutputReservePct = outputReserve

	charsPerToken, err := parseInt("ASSEMBLY_CHARS_PER_TOKEN", defaultCharsPerToken)
	if err != nil {
		return Config{}, err
	}
	cfg.Assembly.CharsPerToken = charsPerToken

	historyLimit, err := parseInt("ASSEMBLY_HISTORY_FETCH_LIMIT", defaultHistoryFetchLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.Assembly.HistoryFetchLimit = historyLimit

	retrievalLimit, err := parseInt("ASSEMBLY_RETRIEVAL_LIMIT", defaultRetrievalLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.Assembly.RetrievalLimit = retrievalLimit

	retentionEnabled, err := parseBool("SNAPSHOT_RETENTION_ENABLED", defaultRetentionEnabled)
	if err != nil {
		return Config{}, err
	}
	cfg.Retention.Enabled = retentionEnabled

	retentionMaxAge, err := parseDuration("SNAPSHOT_RETENTION_MAX_AGE", defaultRetentionMaxAge)
	if err != nil {
		return Config{}, err
	}
	cfg.Retention.MaxAge = retentionMaxAge

	if isNonDevelopment(cfg.Environment) && cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required outside development")
	}

	return cfg, nil
}

func resolveEnvironment() string {
	return strings.ToLower(firstNonEmpty(
		strings.TrimSpace(os.Getenv("APP_ENV")),
		strings.TrimSpace(os.Getenv("ENVIRONMENT")),
		strings.TrimSpace(os.Getenv("GO_ENV")),
		strings.TrimSpace(os.Getenv("RAILWAY_ENVIRONMENT")),
		defaultEnvironment,
	))
}

func isNonDevelopment(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "", "dev", "development", "local", "test":
		return false
	default:
		return true
	}
}

func parseBool(name string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return defaultValue, nil
	}

	switch strings.ToLower(raw) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s must be a boolean value", name)
	}
}

func parseDuration(name string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return defaultValue, nil
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid duration: %w", name, err)
	}

	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be greater than zero", name)
	}

	return parsed, nil
}

func parseInt(name string, defaultValue int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return defaultValue, nil
	}

	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid integer: %w", name, err)
	}
	return parsed, nil
}

func parseFloat(name string, defaultValue float64) (float64, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return defaultValue, nil
	}

	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid float: %w", name, err)
	}

	return parsed, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
