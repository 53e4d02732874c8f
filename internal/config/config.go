// Package config provides configuration management functionality.
package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var tuningSchema string

// Config holds application configuration
type Config struct {
	DataDir           string // Base directory for databases, models, and backups
	ConfigPath        string // Path to the domain config.yaml
	PlannerServiceURL string
	LogLevel          string
	Port              int
	DevMode           bool
	Backup            *BackupConfig
}

// BackupConfig holds offsite backup configuration. Targets any S3-compatible
// endpoint; left disabled when no bucket is configured.
type BackupConfig struct {
	Enabled       bool
	Endpoint      string
	Region        string
	Bucket        string
	AccessKeyID   string
	SecretKey     string
	RetentionDays int
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("DARKSTAR_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:           absDataDir,
		ConfigPath:        getEnv("DARKSTAR_CONFIG_PATH", filepath.Join(absDataDir, "config.yaml")),
		PlannerServiceURL: getEnv("PLANNER_SERVICE_URL", "http://localhost:9010"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		Port:              getEnvAsInt("DARKSTAR_PORT", 8020),
		DevMode:           getEnvAsBool("DEV_MODE", false),
		Backup:            loadBackupConfig(),
	}

	return cfg, nil
}

func loadBackupConfig() *BackupConfig {
	bucket := getEnv("BACKUP_S3_BUCKET", "")
	return &BackupConfig{
		Enabled:       bucket != "",
		Endpoint:      getEnv("BACKUP_S3_ENDPOINT", ""),
		Region:        getEnv("BACKUP_S3_REGION", "auto"),
		Bucket:        bucket,
		AccessKeyID:   getEnv("BACKUP_S3_ACCESS_KEY_ID", ""),
		SecretKey:     getEnv("BACKUP_S3_SECRET_ACCESS_KEY", ""),
		RetentionDays: getEnvAsInt("BACKUP_RETENTION_DAYS", 30),
	}
}

// LoadTuning reads and validates the domain configuration from path.
// A missing file yields the defaults; a present but invalid file is an error
// so a broken config never silently degrades to defaults.
func LoadTuning(path string) (Tuning, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultTuning(), nil
		}
		return Tuning{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := validateTuning(raw); err != nil {
		return Tuning{}, err
	}

	t := DefaultTuning()
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return Tuning{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	return t, nil
}

// validateTuning checks the raw YAML document against the embedded schema.
func validateTuning(raw []byte) error {
	var doc interface{}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("config is not valid YAML: %w", err)
	}

	// Round-trip through JSON so the validator sees the types it expects
	jsonBytes, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to normalize config for validation: %w", err)
	}
	var normalized interface{}
	if err := json.Unmarshal(jsonBytes, &normalized); err != nil {
		return fmt.Errorf("failed to normalize config for validation: %w", err)
	}

	schema, err := jsonschema.CompileString("config.schema.json", tuningSchema)
	if err != nil {
		return fmt.Errorf("failed to compile config schema: %w", err)
	}

	if err := schema.Validate(normalized); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
