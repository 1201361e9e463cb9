package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	DatabaseURL string `mapstructure:"DB_DSN"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	Timezone    string `mapstructure:"QUEUE_TIMEZONE"`

	// SeedPatients registers active patients when running on the memory
	// store.
	SeedPatients []string `mapstructure:"SEED_PATIENTS"`

	PrefixVeryUrgent string        `mapstructure:"CODE_PREFIX_VERY_URGENT"`
	PrefixUrgent     string        `mapstructure:"CODE_PREFIX_URGENT"`
	PrefixLowUrgency string        `mapstructure:"CODE_PREFIX_LOW_URGENCY"`
	CodeMaxAttempts  int           `mapstructure:"CODE_MAX_ATTEMPTS"`
	TxTimeout        time.Duration `mapstructure:"TX_TIMEOUT"`
	AllowRequeue     bool          `mapstructure:"ALLOW_REQUEUE"`

	ReconcileSchedule string `mapstructure:"RECONCILE_SCHEDULE"`

	EventBuffer  int      `mapstructure:"EVENT_BUFFER"`
	EventSinks   []string `mapstructure:"EVENT_SINKS"`
	KafkaBrokers []string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic   string   `mapstructure:"KAFKA_TOPIC"`
	RedisURL     string   `mapstructure:"REDIS_URL"`

	JWTSecret               string `mapstructure:"JWT_SECRET"`
	RateLimitPerMinute      int    `mapstructure:"RATE_LIMIT_PER_MIN"`
	RateLimitBurst          int    `mapstructure:"RATE_LIMIT_BURST"`
	ActorRateLimitPerMinute int    `mapstructure:"ACTOR_RATE_LIMIT_PER_MIN"`
	ActorRateLimitBurst     int    `mapstructure:"ACTOR_RATE_LIMIT_BURST"`

	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure bool   `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
}

var knownSinks = map[string]bool{"log": true, "postgres": true, "kafka": true}

// Load reads flags, then the environment, then the env file named by
// --config, then defaults, in that order of precedence.
func Load(args []string) (Config, error) {
	flags := pflag.NewFlagSet("triage-service", pflag.ContinueOnError)
	configFile := flags.String("config", ".env", "path to an env file")
	flags.String("port", "", "HTTP listen port")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	if err := flags.Parse(args); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(*configFile)
	v.SetConfigType("env")
	v.AutomaticEnv()
	_ = v.ReadInConfig()

	if err := v.BindPFlag("PORT", flags.Lookup("port")); err != nil {
		return Config{}, err
	}
	if err := v.BindPFlag("LOG_LEVEL", flags.Lookup("log-level")); err != nil {
		return Config{}, err
	}

	v.SetDefault("PORT", "8080")
	v.SetDefault("DB_DSN", "")
	v.SetDefault("SEED_PATIENTS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("QUEUE_TIMEZONE", "Local")
	v.SetDefault("CODE_PREFIX_VERY_URGENT", "A")
	v.SetDefault("CODE_PREFIX_URGENT", "B")
	v.SetDefault("CODE_PREFIX_LOW_URGENCY", "C")
	v.SetDefault("CODE_MAX_ATTEMPTS", 10)
	v.SetDefault("TX_TIMEOUT", "10s")
	v.SetDefault("ALLOW_REQUEUE", false)
	v.SetDefault("RECONCILE_SCHEDULE", "@every 30s")
	v.SetDefault("EVENT_BUFFER", 256)
	v.SetDefault("EVENT_SINKS", "log,postgres")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("KAFKA_TOPIC", "triage.events")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("RATE_LIMIT_PER_MIN", 120)
	v.SetDefault("RATE_LIMIT_BURST", 30)
	v.SetDefault("ACTOR_RATE_LIMIT_PER_MIN", 600)
	v.SetDefault("ACTOR_RATE_LIMIT_BURST", 120)
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	cfg.EventSinks = cleanList(cfg.EventSinks)
	cfg.KafkaBrokers = trimList(cfg.KafkaBrokers)
	cfg.SeedPatients = trimList(cfg.SeedPatients)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("QUEUE_TIMEZONE: %w", err)
	}
	if c.TxTimeout <= 0 {
		return fmt.Errorf("TX_TIMEOUT must be positive, got %s", c.TxTimeout)
	}
	for _, sink := range c.EventSinks {
		if !knownSinks[sink] {
			return fmt.Errorf("EVENT_SINKS: unknown sink %q", sink)
		}
		if sink == "kafka" && len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("EVENT_SINKS: kafka sink needs KAFKA_BROKERS")
		}
	}
	return nil
}

func (c Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

func (c Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}

func (c Config) HasSink(name string) bool {
	for _, sink := range c.EventSinks {
		if sink == name {
			return true
		}
	}
	return false
}

func cleanList(values []string) []string {
	out := trimList(values)
	for i := range out {
		out[i] = strings.ToLower(out[i])
	}
	return out
}

func trimList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
