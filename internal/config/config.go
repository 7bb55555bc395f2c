// Package config loads process configuration from the environment.
//
// Every process (API and workers) shares one Config shape; defaults cover the
// broker topology and saga tuning so a bare environment only has to provide
// connection credentials.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	API     API     `mapstructure:"api"`
	Metrics Metrics `mapstructure:"metrics"`
	DB      DB      `mapstructure:"db"`
	Rabbit  Rabbit  `mapstructure:"rabbitmq"`
	Redis   Redis   `mapstructure:"redis"`
	Broker  Broker  `mapstructure:"broker"`
	Saga    Saga    `mapstructure:"saga"`
}

type API struct {
	Port      string `mapstructure:"port"`
	AuthToken string `mapstructure:"auth_token"`
}

// Metrics configures the optional per-worker metrics listener. An empty port
// disables it.
type Metrics struct {
	Port string `mapstructure:"port"`
}

type DB struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	UserName string `mapstructure:"user_name"`
	UserPass string `mapstructure:"user_pass"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
}

type Rabbit struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	UserName string `mapstructure:"user_name"`
	UserPass string `mapstructure:"user_pass"`
}

type Redis struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
}

// Broker names the exchange, queues, and routing keys of the fulfillment
// topology. The defaults are the canonical names; they are configuration, not
// logic, so deployments can rename them without a rebuild.
type Broker struct {
	Exchange string `mapstructure:"exchange"`

	PaymentQueue      string `mapstructure:"payment_queue"`
	InventoryQueue    string `mapstructure:"inventory_queue"`
	NotificationQueue string `mapstructure:"notification_queue"`
	DeadLetterQueue   string `mapstructure:"dead_letter_queue"`

	OrderCreatedKey      string `mapstructure:"order_created_key"`
	PaymentApprovedKey   string `mapstructure:"payment_approved_key"`
	InventoryReservedKey string `mapstructure:"inventory_reserved_key"`
	OrderDeadKey         string `mapstructure:"order_dead_key"`
}

// Saga tunes the simulated stages: outcome weights, the stand-in processing
// delay, and the redelivery cap enforced against the x-death counter.
type Saga struct {
	PaymentApprovalRate  float64       `mapstructure:"payment_approval_rate"`
	InventoryReserveRate float64       `mapstructure:"inventory_reserve_rate"`
	ProcessingDelay      time.Duration `mapstructure:"processing_delay"`
	MaxRetries           int64         `mapstructure:"max_retries"`
}

var envBindings = map[string]string{
	"api.port":       "API_PORT",
	"api.auth_token": "AUTH_TOKEN",

	"metrics.port": "METRICS_PORT",

	"db.host":      "DB_HOST",
	"db.port":      "DB_PORT",
	"db.user_name": "DB_USER_NAME",
	"db.user_pass": "DB_USER_PASS",
	"db.name":      "DB_NAME",
	"db.sslmode":   "DB_SSLMODE",

	"rabbitmq.host":      "RABBITMQ_HOST",
	"rabbitmq.port":      "RABBITMQ_PORT",
	"rabbitmq.user_name": "RABBITMQ_USER_NAME",
	"rabbitmq.user_pass": "RABBITMQ_USER_PASS",

	"redis.host": "REDIS_HOST",
	"redis.port": "REDIS_PORT",

	"broker.exchange":               "EXCHANGE_NAME",
	"broker.payment_queue":          "PAYMENT_QUEUE",
	"broker.inventory_queue":        "INVENTORY_QUEUE",
	"broker.notification_queue":     "NOTIFICATION_QUEUE",
	"broker.dead_letter_queue":      "DEAD_LETTER_QUEUE",
	"broker.order_created_key":      "ORDER_CREATED_KEY",
	"broker.payment_approved_key":   "PAYMENT_APPROVED_KEY",
	"broker.inventory_reserved_key": "INVENTORY_RESERVED_KEY",
	"broker.order_dead_key":         "ORDER_DEAD_KEY",

	"saga.payment_approval_rate":  "PAYMENT_APPROVAL_RATE",
	"saga.inventory_reserve_rate": "INVENTORY_RESERVE_RATE",
	"saga.processing_delay":       "PROCESSING_DELAY",
	"saga.max_retries":            "MAX_RETRIES",
}

// Read builds a Config from environment variables, applying defaults for
// everything except connection credentials (DB and RabbitMQ), which must be
// set.
func Read() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("binding %s: %w", env, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.DB.validate(); err != nil {
		return nil, err
	}
	if err := cfg.Rabbit.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db.sslmode", "disable")

	v.SetDefault("broker.exchange", "order.events")
	v.SetDefault("broker.payment_queue", "payment-queue")
	v.SetDefault("broker.inventory_queue", "inventory-queue")
	v.SetDefault("broker.notification_queue", "notification-queue")
	v.SetDefault("broker.dead_letter_queue", "dead-letter-queue")
	v.SetDefault("broker.order_created_key", "order.created")
	v.SetDefault("broker.payment_approved_key", "payment.approved")
	v.SetDefault("broker.inventory_reserved_key", "inventory.reserved")
	v.SetDefault("broker.order_dead_key", "order.dead")

	v.SetDefault("saga.payment_approval_rate", 0.70)
	v.SetDefault("saga.inventory_reserve_rate", 0.90)
	v.SetDefault("saga.processing_delay", "2s")
	v.SetDefault("saga.max_retries", 3)
}

func (d DB) validate() error {
	required := map[string]string{
		"DB_HOST":      d.Host,
		"DB_PORT":      d.Port,
		"DB_USER_NAME": d.UserName,
		"DB_USER_PASS": d.UserPass,
		"DB_NAME":      d.Name,
	}

	for key, value := range required {
		if value == "" {
			return fmt.Errorf("%s environment variable not set", key)
		}
	}

	return nil
}

func (r Rabbit) validate() error {
	required := map[string]string{
		"RABBITMQ_HOST":      r.Host,
		"RABBITMQ_PORT":      r.Port,
		"RABBITMQ_USER_NAME": r.UserName,
		"RABBITMQ_USER_PASS": r.UserPass,
	}

	for key, value := range required {
		if value == "" {
			return fmt.Errorf("%s environment variable not set", key)
		}
	}

	return nil
}

// DSN returns the Postgres connection string.
func (d DB) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.UserName, d.UserPass, d.Name, d.SSLMode,
	)
}

// URL returns the AMQP broker URL.
func (r Rabbit) URL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%s", r.UserName, r.UserPass, r.Host, r.Port)
}

// Addr returns the Redis address, or "" when Redis is not configured.
func (r Redis) Addr() string {
	if r.Host == "" || r.Port == "" {
		return ""
	}
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}
