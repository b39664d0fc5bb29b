package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds runtime configuration loaded from environment variables.
type Config struct {
	Env            string
	Port           string
	StoreDriver    string
	DatabaseURL    string
	JWTSecret      string
	JWTIssuer      string
	AccessTTL      time.Duration
	AdminAPIToken  string
	CorsOrigins    []string
	RedisAddr      string
	RedisPassword  string
	CacheTTL       time.Duration
	LogDir         string
	LogRetention   int
	RollbarToken   string
	CodeVersion    string
	ShutdownWindow time.Duration

	FreezeSweepInterval time.Duration
	FreezeSweepTimeout  time.Duration
	FreezeBatchSize     int

	KPIPeerConcurrency       int
	KPIStudentSnapshotMaxAge time.Duration
	KPITimezone              string
	KPIRepairLinks           bool
}

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

func Load() Config {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("app_env", "development")
	v.SetDefault("port", "8080")
	v.SetDefault("store_driver", DriverPostgres)
	v.SetDefault("jwt_issuer", "simonkey")
	v.SetDefault("access_ttl", "4h")
	v.SetDefault("cache_ttl", "10m")
	v.SetDefault("log_dir", "storage/logs")
	v.SetDefault("log_retention_days", 7)
	v.SetDefault("code_version", "dev")
	v.SetDefault("shutdown_window", "10s")
	v.SetDefault("freeze_sweep_interval", "5m")
	v.SetDefault("freeze_sweep_timeout", "2m")
	v.SetDefault("freeze_batch_size", 400)
	v.SetDefault("kpi_peer_concurrency", 8)
	v.SetDefault("kpi_student_snapshot_max_age", "24h")
	v.SetDefault("kpi_timezone", "America/Mexico_City")
	v.SetDefault("kpi_repair_links", true)

	driver := strings.ToLower(strings.TrimSpace(v.GetString("store_driver")))
	cfg := Config{
		Env:            v.GetString("app_env"),
		Port:           strings.TrimPrefix(strings.TrimSpace(v.GetString("port")), ":"),
		StoreDriver:    driver,
		DatabaseURL:    strings.TrimSpace(v.GetString("database_url")),
		JWTSecret:      mustString(v, "jwt_secret"),
		JWTIssuer:      v.GetString("jwt_issuer"),
		AccessTTL:      v.GetDuration("access_ttl"),
		AdminAPIToken:  strings.TrimSpace(v.GetString("admin_api_token")),
		CorsOrigins:    parseCSV(v.GetString("cors_origins")),
		RedisAddr:      strings.TrimSpace(v.GetString("redis_addr")),
		RedisPassword:  v.GetString("redis_password"),
		CacheTTL:       v.GetDuration("cache_ttl"),
		LogDir:         v.GetString("log_dir"),
		LogRetention:   v.GetInt("log_retention_days"),
		RollbarToken:   strings.TrimSpace(v.GetString("rollbar_token")),
		CodeVersion:    v.GetString("code_version"),
		ShutdownWindow: v.GetDuration("shutdown_window"),

		FreezeSweepInterval: v.GetDuration("freeze_sweep_interval"),
		FreezeSweepTimeout:  v.GetDuration("freeze_sweep_timeout"),
		FreezeBatchSize:     v.GetInt("freeze_batch_size"),

		KPIPeerConcurrency:       v.GetInt("kpi_peer_concurrency"),
		KPIStudentSnapshotMaxAge: v.GetDuration("kpi_student_snapshot_max_age"),
		KPITimezone:              v.GetString("kpi_timezone"),
		KPIRepairLinks:           v.GetBool("kpi_repair_links"),
	}
	if cfg.StoreDriver == DriverPostgres {
		cfg.DatabaseURL = mustString(v, "database_url")
	}
	if cfg.FreezeBatchSize <= 0 || cfg.FreezeBatchSize > 500 {
		cfg.FreezeBatchSize = 500
	}
	if cfg.KPIPeerConcurrency <= 0 {
		cfg.KPIPeerConcurrency = 1
	}
	return cfg
}

// Location resolves KPITimezone, falling back to UTC.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.KPITimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func mustString(v *viper.Viper, key string) string {
	value := strings.TrimSpace(v.GetString(key))
	if value == "" {
		panic("missing env var: " + strings.ToUpper(key))
	}
	return value
}

func parseCSV(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		value := strings.TrimSpace(part)
		if value != "" {
			items = append(items, value)
		}
	}
	return items
}
