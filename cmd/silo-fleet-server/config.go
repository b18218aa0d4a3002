package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/EternisAI/silo-fleet/internal/api/http"
	"github.com/EternisAI/silo-fleet/internal/auth"
	"github.com/EternisAI/silo-fleet/internal/db"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	DriverPostgres = "postgres"
	DriverBolt     = "bolt"
)

type Config struct {
	Log          LogConfig
	Http         http.Config
	Database     DatabaseConfig
	Keystore     KeystoreConfig
	CA           CAConfig
	Enrollment   EnrollmentConfig
	Nodes        NodesConfig
	Reservations ReservationsConfig
	Reaper       ReaperConfig
	Audit        AuditConfig
	Auth         auth.Config
}

type DatabaseConfig struct {
	db.Config `mapstructure:",squash"`
	Driver    string `mapstructure:"driver"`
	BoltPath  string `mapstructure:"bolt_path"`
}

type KeystoreConfig struct {
	MasterSecret string `mapstructure:"master_secret"`
}

type CAConfig struct {
	LeafValidity time.Duration `mapstructure:"leaf_validity"`
	RootValidity time.Duration `mapstructure:"root_validity"`
	Organization string        `mapstructure:"organization"`
}

type EnrollmentConfig struct {
	DefaultTTL time.Duration `mapstructure:"default_ttl"`
	PurgeAfter time.Duration `mapstructure:"purge_after"`
}

type NodesConfig struct {
	StaleAfter        time.Duration `mapstructure:"stale_after"`
	DegradedThreshold float64       `mapstructure:"degraded_threshold"`
	DegradedAfter     int           `mapstructure:"degraded_after"`
	CPUWeight         float64       `mapstructure:"cpu_weight"`
	MemWeight         float64       `mapstructure:"mem_weight"`
	DiskWeight        float64       `mapstructure:"disk_weight"`
	// IssuePenalty is a pointer so an explicit 0 disables the penalty.
	IssuePenalty    *float64      `mapstructure:"issue_penalty"`
	IssueSaturation int           `mapstructure:"issue_saturation"`
	MaxClockSkew    time.Duration `mapstructure:"max_clock_skew"`
}

type ReservationsConfig struct {
	DefaultTTL time.Duration `mapstructure:"default_ttl"`
}

type ReaperConfig struct {
	StaleInterval       time.Duration `mapstructure:"stale_interval"`
	ReservationInterval time.Duration `mapstructure:"reservation_interval"`
	TokenPurgeInterval  time.Duration `mapstructure:"token_purge_interval"`
	BatchSize           int           `mapstructure:"batch_size"`
}

type AuditConfig struct {
	NatsURL        string        `mapstructure:"nats_url"`
	SubjectPrefix  string        `mapstructure:"subject_prefix"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

var config Config

func ParseCommaSeparated(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func InitConfig(configFile string) error {
	_ = godotenv.Load()

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("application")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./cmd/silo-fleet-server")
		viper.SetConfigType("yaml")
	}
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	_ = viper.BindEnv("keystore.master_secret", "SILO_MASTER_SECRET")
	_ = viper.BindEnv("auth.jwt_secret", "SILO_JWT_SECRET")
	_ = viper.BindEnv("database.url", "DATABASE_URL")

	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	if err := viper.Unmarshal(&config); err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}

	// Initialize logger with configured log level
	initLogger(config.Log.Level)

	// Pretty print config as JSON (only at DEBUG level)
	if strings.ToUpper(config.Log.Level) == LOG_LEVEL_DEBUG {
		redacted := config
		redacted.Keystore.MasterSecret = "<redacted>"
		redacted.Auth.JWTSecret = "<redacted>"
		configJSON, err := json.MarshalIndent(redacted, "", "  ")
		if err == nil {
			fmt.Println("Config loaded:")
			fmt.Println(string(configJSON))
		}
	}
	return nil
}
