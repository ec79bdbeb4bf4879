package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Load decodes the TOML file at path over Defaults, loads .env if present
// and applies MARGIN_* overrides. An empty path skips the file. The result
// is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.LogLevel, "MARGIN_LOG_LEVEL")

	setInt(&cfg.Server.Port, "MARGIN_SERVER_PORT")
	setInt(&cfg.Server.Port, "PORT")

	setStr(&cfg.Postgres.DSN, "MARGIN_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt(&cfg.Postgres.PoolMaxConns, "MARGIN_POSTGRES_POOL_MAX_CONNS")

	setStr(&cfg.Redis.Addr, "MARGIN_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "MARGIN_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "MARGIN_REDIS_DB")
	setDuration(&cfg.Redis.CacheTTL, "MARGIN_REDIS_CACHE_TTL")

	setStringSlice(&cfg.Kafka.Brokers, "MARGIN_KAFKA_BROKERS")
	setStr(&cfg.Kafka.GroupID, "MARGIN_KAFKA_GROUP_ID")

	setDecimal(&cfg.Liquidation.MaxNetVolume, "MARGIN_LIQUIDATION_MAX_NET_VOLUME")
	setInt(&cfg.Liquidation.BusPartitions, "MARGIN_LIQUIDATION_BUS_PARTITIONS")

	setStr(&cfg.Schedule.Timezone, "MARGIN_SCHEDULE_TIMEZONE")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDecimal(dst *decimal.Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			*dst = d
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		var out []string
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			*dst = out
		}
	}
}
