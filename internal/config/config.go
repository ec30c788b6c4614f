package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Режимы хранения
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

type Config struct {
	Environment    string `env:"ENV" envDefault:"development"`
	HTTPAddr       string `env:"HTTP_ADDR" envDefault:":8080"`
	Storage        string `env:"STORAGE" envDefault:"postgres"`
	DBDSN          string `env:"DB_DSN"`
	MigrationsPath string `env:"MIGRATIONS_PATH" envDefault:"migrations"`
	SeedFile       string `env:"SEED_FILE"` // JSON фикстуры агентов и заявок для STORAGE=memory

	DefaultReferralAgent   string    `env:"DEFAULT_REFERRAL_AGENT_ID,required,notEmpty"`
	DefaultReferralAgentID uuid.UUID `env:"-"`

	StripeSecretKey     string `env:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`
	PaymentCurrency     string `env:"PAYMENT_CURRENCY" envDefault:"usd"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	RabbitMQURI      string `env:"RABBITMQ_URI"`
	RabbitMQExchange string `env:"RABBITMQ_EXCHANGE" envDefault:"premarket.access"`

	TelegramToken   string    `env:"TELEGRAM_TOKEN"`
	AdminChatID     int64     `env:"ADMIN_CHAT_ID"`
	TelegramAdmin   string    `env:"TELEGRAM_ADMIN_ID"`
	TelegramAdminID uuid.UUID `env:"-"`

	ReconcileInterval   time.Duration `env:"RECONCILE_INTERVAL" envDefault:"5m"`
	ReconcileStaleAfter time.Duration `env:"RECONCILE_STALE_AFTER" envDefault:"15m"`
	ReconcileThrottle   time.Duration `env:"RECONCILE_THROTTLE" envDefault:"30s"`
	WebhookDedupeTTL    time.Duration `env:"WEBHOOK_DEDUPE_TTL" envDefault:"72h"`
}

// Load читает опциональный .env и затем переменные окружения.
// Возвращает признак того, что .env был найден, чтобы main мог это залогировать.
func Load() (*Config, bool, error) {
	// Отсутствие .env не ошибка
	fromFile := godotenv.Load(".env") == nil

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fromFile, fmt.Errorf("parse env: %w", err)
	}

	id, err := uuid.Parse(cfg.DefaultReferralAgent)
	if err != nil {
		return nil, fromFile, fmt.Errorf("DEFAULT_REFERRAL_AGENT_ID: %w", err)
	}
	cfg.DefaultReferralAgentID = id

	// Ревью через бота включается только с явным ID админа
	if cfg.TelegramAdmin != "" {
		adminID, err := uuid.Parse(cfg.TelegramAdmin)
		if err != nil {
			return nil, fromFile, fmt.Errorf("TELEGRAM_ADMIN_ID: %w", err)
		}
		cfg.TelegramAdminID = adminID
	}

	if err := cfg.Validate(); err != nil {
		return nil, fromFile, err
	}

	return &cfg, fromFile, nil
}

// Validate проверяет связанные между собой поля
func (c *Config) Validate() error {
	switch c.Storage {
	case StoragePostgres:
		if c.DBDSN == "" {
			return errors.New("DB_DSN is required when STORAGE=postgres")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("unknown STORAGE %q", c.Storage)
	}
	if c.SeedFile != "" && c.Storage != StorageMemory {
		return errors.New("SEED_FILE is only supported with STORAGE=memory")
	}

	if c.DefaultReferralAgentID == uuid.Nil {
		return errors.New("DEFAULT_REFERRAL_AGENT_ID must not be the nil uuid")
	}
	if c.PaymentCurrency == "" {
		return errors.New("PAYMENT_CURRENCY must not be empty")
	}
	if c.ReconcileStaleAfter < 0 || c.ReconcileThrottle < 0 || c.WebhookDedupeTTL <= 0 {
		return errors.New("reconcile and dedupe durations must not be negative")
	}

	return nil
}

// TelegramReviewEnabled reports whether the admin review bot should poll
func (c *Config) TelegramReviewEnabled() bool {
	return c.TelegramToken != "" && c.AdminChatID != 0 && c.TelegramAdminID != uuid.Nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
