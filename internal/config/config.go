package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                     string
	AllowedOrigin            string
	DatabaseURL              string
	DBAutoMigrate            bool
	RedisAddr                string
	RedisPassword            string
	RedisDB                  int
	DashboardCacheTTLSeconds int
	AuthSecret               string
	BootstrapAdminPassword   string
	AccessTokenTTLMinutes    int
	LogLevel                 string
	LogFormat                string
	SchedulerIntervalMinutes int
}

// Load reads configuration from the environment. Callers that want a .env
// file loaded should do so before calling Load.
func Load() Config {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ALLOWED_ORIGIN", "http://127.0.0.1:3000")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("DB_AUTO_MIGRATE", false)
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("DASHBOARD_CACHE_TTL_SECONDS", 30)
	v.SetDefault("AUTH_SECRET", "")
	v.SetDefault("BOOTSTRAP_ADMIN_PASSWORD", "")
	v.SetDefault("ACCESS_TOKEN_TTL_MINUTES", 480)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("SCHEDULER_INTERVAL_MINUTES", 60)

	return Config{
		Port:                     v.GetString("PORT"),
		AllowedOrigin:            v.GetString("ALLOWED_ORIGIN"),
		DatabaseURL:              strings.TrimSpace(v.GetString("DATABASE_URL")),
		DBAutoMigrate:            v.GetBool("DB_AUTO_MIGRATE"),
		RedisAddr:                strings.TrimSpace(v.GetString("REDIS_ADDR")),
		RedisPassword:            v.GetString("REDIS_PASSWORD"),
		RedisDB:                  v.GetInt("REDIS_DB"),
		DashboardCacheTTLSeconds: atLeast(v.GetInt("DASHBOARD_CACHE_TTL_SECONDS"), 0, 30),
		AuthSecret:               strings.TrimSpace(v.GetString("AUTH_SECRET")),
		BootstrapAdminPassword:   v.GetString("BOOTSTRAP_ADMIN_PASSWORD"),
		AccessTokenTTLMinutes:    atLeast(v.GetInt("ACCESS_TOKEN_TTL_MINUTES"), 1, 480),
		LogLevel:                 v.GetString("LOG_LEVEL"),
		LogFormat:                v.GetString("LOG_FORMAT"),
		SchedulerIntervalMinutes: atLeast(v.GetInt("SCHEDULER_INTERVAL_MINUTES"), 1, 60),
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) DashboardCacheTTL() time.Duration {
	return time.Duration(c.DashboardCacheTTLSeconds) * time.Second
}

func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}

func (c Config) SchedulerInterval() time.Duration {
	return time.Duration(c.SchedulerIntervalMinutes) * time.Minute
}

func atLeast(value, min, fallback int) int {
	if value < min {
		return fallback
	}
	return value
}
