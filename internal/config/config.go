package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

var ErrMissingPayPalCredentials = errors.New("config: PAYPAL_CLIENT_ID and PAYPAL_CLIENT_SECRET are required")

type Config struct {
	Service  Service
	Log      Log
	HTTP     HTTP
	PayPal   PayPal
	DB       DB
	Kafka    Kafka
	Checkout Checkout
	// FixturesPath seeds the in-memory catalog when no database is configured.
	FixturesPath string
}

type Service struct {
	Name string
	Env  string
}

type Log struct {
	Level string
	File  string
}

type HTTP struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// PayPal is handed to the gateway constructor; nothing else reads it.
type PayPal struct {
	BaseURL         string
	ClientID        string
	ClientSecret    string
	Timeout         time.Duration
	MaxRetries      int
	TokenSkew       time.Duration
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

type DB struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
}

// Enabled reports whether a Postgres database is configured.
func (d DB) Enabled() bool { return d.Host != "" }

type Kafka struct {
	Brokers []string
	Topic   string
}

func (k Kafka) Enabled() bool { return len(k.Brokers) > 0 }

type Checkout struct {
	Currency       string
	CaptureTimeout time.Duration
	DetailsTimeout time.Duration
	PersistTimeout time.Duration
	PublishTimeout time.Duration
}

// Options selects the files Load reads besides the environment.
type Options struct {
	// File is an optional YAML config file.
	File string
	// DotEnv files fill in keys absent from the environment. Missing files are ignored.
	DotEnv []string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "farmmarket")
	v.SetDefault("env", "dev")
	v.SetDefault("log.level", "info")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 10*time.Second)

	v.SetDefault("paypal.base_url", "https://api-m.sandbox.paypal.com")
	v.SetDefault("paypal.timeout", 15*time.Second)
	v.SetDefault("paypal.max_retries", 2)
	v.SetDefault("paypal.token_skew", 60*time.Second)
	v.SetDefault("paypal.breaker_failures", 5)
	v.SetDefault("paypal.breaker_cooldown", 30*time.Second)

	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "postgres")
	v.SetDefault("db.name", "farmmarket")
	v.SetDefault("db.sslmode", "disable")

	v.SetDefault("kafka.topic", "farmmarket.settlements")

	v.SetDefault("checkout.currency", "PHP")
	v.SetDefault("checkout.capture_timeout", 30*time.Second)
	v.SetDefault("checkout.details_timeout", 20*time.Second)
	v.SetDefault("checkout.persist_timeout", 10*time.Second)
	v.SetDefault("checkout.publish_timeout", 300*time.Millisecond)
}

// keys lists every setting so that .env values and environment variables are
// found even when no config file mentions them.
var keys = []string{
	"service.name", "env", "log.level", "log.file",
	"http.addr", "http.shutdown_timeout",
	"paypal.base_url", "paypal.client_id", "paypal.client_secret", "paypal.timeout",
	"paypal.max_retries", "paypal.token_skew", "paypal.breaker_failures", "paypal.breaker_cooldown",
	"db.host", "db.port", "db.user", "db.password", "db.name", "db.sslmode",
	"kafka.brokers", "kafka.topic",
	"checkout.currency", "checkout.capture_timeout", "checkout.details_timeout",
	"checkout.persist_timeout", "checkout.publish_timeout",
	"fixtures.path",
}

func envName(key string) string {
	return strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// Load resolves configuration. Precedence: environment, config file, .env
// files, defaults.
func Load(opts Options) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for _, path := range opts.DotEnv {
		values, err := godotenv.Read(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		for _, key := range keys {
			if val, ok := values[envName(key)]; ok {
				v.SetDefault(key, val)
			}
		}
	}

	if opts.File != "" {
		v.SetConfigFile(opts.File)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", opts.File, err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range keys {
		_ = v.BindEnv(key, envName(key))
	}

	cfg := &Config{
		Service: Service{Name: v.GetString("service.name"), Env: v.GetString("env")},
		Log:     Log{Level: v.GetString("log.level"), File: v.GetString("log.file")},
		HTTP: HTTP{
			Addr:            v.GetString("http.addr"),
			ShutdownTimeout: v.GetDuration("http.shutdown_timeout"),
		},
		PayPal: PayPal{
			BaseURL:         v.GetString("paypal.base_url"),
			ClientID:        v.GetString("paypal.client_id"),
			ClientSecret:    v.GetString("paypal.client_secret"),
			Timeout:         v.GetDuration("paypal.timeout"),
			MaxRetries:      v.GetInt("paypal.max_retries"),
			TokenSkew:       v.GetDuration("paypal.token_skew"),
			BreakerFailures: v.GetUint32("paypal.breaker_failures"),
			BreakerCooldown: v.GetDuration("paypal.breaker_cooldown"),
		},
		DB: DB{
			Host:     v.GetString("db.host"),
			Port:     v.GetInt("db.port"),
			User:     v.GetString("db.user"),
			Password: v.GetString("db.password"),
			Name:     v.GetString("db.name"),
			SSLMode:  v.GetString("db.sslmode"),
		},
		Kafka: Kafka{
			Brokers: splitList(v.GetString("kafka.brokers")),
			Topic:   v.GetString("kafka.topic"),
		},
		Checkout: Checkout{
			Currency:       v.GetString("checkout.currency"),
			CaptureTimeout: v.GetDuration("checkout.capture_timeout"),
			DetailsTimeout: v.GetDuration("checkout.details_timeout"),
			PersistTimeout: v.GetDuration("checkout.persist_timeout"),
			PublishTimeout: v.GetDuration("checkout.publish_timeout"),
		},
		FixturesPath: v.GetString("fixtures.path"),
	}
	return cfg, nil
}

// Validate checks what the HTTP server needs to start.
func (c *Config) Validate() error {
	if c.PayPal.ClientID == "" || c.PayPal.ClientSecret == "" {
		return ErrMissingPayPalCredentials
	}
	if c.Kafka.Enabled() && c.Kafka.Topic == "" {
		return errors.New("config: KAFKA_TOPIC is required when KAFKA_BROKERS is set")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
