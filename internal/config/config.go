// Package config holds the service configuration: built-in defaults, a
// TOML file, an optional .env file and MARGIN_* environment overrides, in
// that order.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration.
type Config struct {
	LogLevel    string            `toml:"log_level"`
	Server      ServerConfig      `toml:"server"`
	Postgres    PostgresConfig    `toml:"postgres"`
	Redis       RedisConfig       `toml:"redis"`
	Kafka       KafkaConfig       `toml:"kafka"`
	Liquidation LiquidationConfig `toml:"liquidation"`
	Margin      MarginConfig      `toml:"margin"`
	Schedule    ScheduleConfig    `toml:"schedule"`
	Quotes      map[string]Quote  `toml:"quotes"`
}

// ServerConfig is the ops HTTP server.
type ServerConfig struct {
	Port            int      `toml:"port"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
}

// PostgresConfig backs the execution info store. An empty DSN keeps it in
// memory.
type PostgresConfig struct {
	DSN          string `toml:"dsn"`
	PoolMaxConns int    `toml:"pool_max_conns"`
}

// RedisConfig backs quotes, the cross-instance liquidation lock and the
// execution info read cache. An empty Addr disables all three.
type RedisConfig struct {
	Addr     string   `toml:"addr"`
	Password string   `toml:"password"`
	DB       int      `toml:"db"`
	CacheTTL duration `toml:"cache_ttl"`
}

// KafkaConfig names brokers and topics. No brokers means no consumers and
// events are only logged.
type KafkaConfig struct {
	Brokers                 []string `toml:"brokers"`
	GroupID                 string   `toml:"group_id"`
	ExecutedOrdersTopic     string   `toml:"executed_orders_topic"`
	AccountTopic            string   `toml:"account_topic"`
	LiquidationCommandTopic string   `toml:"liquidation_command_topic"`
	LiquidationEventTopic   string   `toml:"liquidation_event_topic"`
	PositionHistoryTopic    string   `toml:"position_history_topic"`
	SpecialLiquidationTopic string   `toml:"special_liquidation_topic"`
	MaxRetries              uint64   `toml:"max_retries"`
}

// LiquidationConfig tunes the liquidation workflow and its bus.
type LiquidationConfig struct {
	ThresholdCurrency string                     `toml:"threshold_currency"`
	MaxNetVolume      decimal.Decimal            `toml:"max_net_volume"`
	ThresholdFxRates  map[string]decimal.Decimal `toml:"threshold_fx_rates"` // legal entity → rate
	BusPartitions     int                        `toml:"bus_partitions"`
	MaxRedeliveries   uint64                     `toml:"max_redeliveries"`
	RetryInterval     duration                   `toml:"retry_interval"`
	MaxRetryInterval  duration                   `toml:"max_retry_interval"`
}

// MarginConfig holds maintenance margin rates per instrument.
type MarginConfig struct {
	DefaultRate decimal.Decimal            `toml:"default_rate"`
	Rates       map[string]decimal.Decimal `toml:"rates"`
}

// ScheduleConfig lists non-trading windows such as "Fri 21:00-Sun 21:00".
type ScheduleConfig struct {
	Timezone string              `toml:"timezone"`
	Default  []string            `toml:"default"`
	Assets   map[string][]string `toml:"assets"`
	Holidays []string            `toml:"holidays"` // YYYY-MM-DD
}

// Quote is a static top of book used when Redis is not configured.
type Quote struct {
	Bid     decimal.Decimal `toml:"bid"`
	Ask     decimal.Decimal `toml:"ask"`
	BidSize decimal.Decimal `toml:"bid_size"`
	AskSize decimal.Decimal `toml:"ask_size"`
	FxRate  decimal.Decimal `toml:"fx_rate"`
}

// duration decodes TOML strings such as "5s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a configuration that runs standalone: in-memory stores,
// no Kafka, no Redis.
func Defaults() Config {
	return Config{
		LogLevel: "info",
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: duration{5 * time.Second},
		},
		Postgres: PostgresConfig{PoolMaxConns: 10},
		Redis:    RedisConfig{CacheTTL: duration{30 * time.Second}},
		Kafka: KafkaConfig{
			GroupID:                 "margin-engine",
			ExecutedOrdersTopic:     "orders.executed",
			AccountTopic:            "accounts.snapshots",
			LiquidationCommandTopic: "liquidation.commands",
			LiquidationEventTopic:   "liquidation.events",
			PositionHistoryTopic:    "positions.history",
			SpecialLiquidationTopic: "special-liquidation.commands",
			MaxRetries:              10,
		},
		Liquidation: LiquidationConfig{
			ThresholdCurrency: "EUR",
			BusPartitions:     16,
			MaxRedeliveries:   10,
			RetryInterval:     duration{50 * time.Millisecond},
			MaxRetryInterval:  duration{5 * time.Second},
		},
		Margin: MarginConfig{DefaultRate: decimal.NewFromInt(1)},
		Schedule: ScheduleConfig{
			Timezone: "UTC",
			Default:  []string{"Fri 21:00-Sun 21:00"},
		},
	}
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []string

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("log_level: unknown level %q", c.LogLevel))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port: %d out of range", c.Server.Port))
	}
	if len(c.Kafka.Brokers) > 0 {
		if c.Kafka.GroupID == "" {
			errs = append(errs, "kafka.group_id: required with brokers")
		}
		for name, topic := range map[string]string{
			"executed_orders_topic":     c.Kafka.ExecutedOrdersTopic,
			"account_topic":             c.Kafka.AccountTopic,
			"liquidation_command_topic": c.Kafka.LiquidationCommandTopic,
			"liquidation_event_topic":   c.Kafka.LiquidationEventTopic,
			"position_history_topic":    c.Kafka.PositionHistoryTopic,
			"special_liquidation_topic": c.Kafka.SpecialLiquidationTopic,
		} {
			if topic == "" {
				errs = append(errs, fmt.Sprintf("kafka.%s: required with brokers", name))
			}
		}
	}
	if c.Liquidation.MaxNetVolume.IsNegative() {
		errs = append(errs, "liquidation.max_net_volume: must not be negative")
	}
	if c.Liquidation.BusPartitions <= 0 {
		errs = append(errs, "liquidation.bus_partitions: must be positive")
	}
	if !c.Margin.DefaultRate.IsPositive() {
		errs = append(errs, "margin.default_rate: must be positive")
	}
	for asset, rate := range c.Margin.Rates {
		if !rate.IsPositive() {
			errs = append(errs, fmt.Sprintf("margin.rates.%s: must be positive", asset))
		}
	}
	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("schedule.timezone: %v", err))
	}

	if len(errs) > 0 {
		return errors.New("config: " + strings.Join(errs, "; "))
	}
	return nil
}
