// Package config содержит логику чтения конфигурации сервиса аренды ячеек.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"
)

// Config содержит параметры конфигурации сервиса аренды ячеек.
type Config struct {
	RunAddress  string `env:"RUN_ADDRESS"`
	DatabaseURI string `env:"DATABASE_URI"`

	PaymentGatewayAddress string        `env:"PAYMENT_GATEWAY_ADDRESS"`
	PaymentGatewayKey     string        `env:"PAYMENT_GATEWAY_KEY"`
	InvoicingAddress      string        `env:"INVOICING_ADDRESS"`
	InvoicingKey          string        `env:"INVOICING_KEY"`
	InvoicePDFDir         string        `env:"INVOICE_PDF_DIR"`
	HTTPClientTimeout     time.Duration `env:"HTTP_CLIENT_TIMEOUT" envDefault:"10s"`

	AMQPURL      string `env:"AMQP_URL"`
	AMQPExchange string `env:"AMQP_EXCHANGE" envDefault:"storage-rental.events"`

	InvoicePrefix         string        `env:"INVOICE_PREFIX" envDefault:"SB"`
	DefaultCommissionRate string        `env:"DEFAULT_COMMISSION_RATE" envDefault:"0.90"`
	ReservationWindow     time.Duration `env:"RESERVATION_WINDOW" envDefault:"168h"`
	BillingRetryBackoff   time.Duration `env:"BILLING_RETRY_BACKOFF" envDefault:"72h"`
	BillingMaxAttempts    int           `env:"BILLING_MAX_ATTEMPTS" envDefault:"2"`

	ExpiryCron      string        `env:"EXPIRY_CRON" envDefault:"* * * * *"`
	PaymentSyncCron string        `env:"PAYMENT_SYNC_CRON" envDefault:"*/2 * * * *"`
	BillingCron     string        `env:"BILLING_CRON" envDefault:"0 6 * * *"`
	SettlementCron  string        `env:"SETTLEMENT_CRON" envDefault:"0 3 1 * *"`
	JobTimeout      time.Duration `env:"JOB_TIMEOUT" envDefault:"5m"`

	AuthSecret string `env:"AUTH_SECRET" envDefault:"storage-rental-secret"`
	AdminToken string `env:"ADMIN_TOKEN"`
}

// CommissionRate возвращает ставку по умолчанию в виде десятичного числа.
func (c *Config) CommissionRate() (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(c.DefaultCommissionRate)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse DEFAULT_COMMISSION_RATE: %w", err)
	}
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.Zero, fmt.Errorf("DEFAULT_COMMISSION_RATE must be within [0, 1], got %s", rate)
	}
	return rate, nil
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Значения из окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envGatewayAddress := cfg.PaymentGatewayAddress
	envInvoicingAddress := cfg.InvoicingAddress

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.PaymentGatewayAddress, "g", "", "payment gateway address")
	flag.StringVar(&cfg.InvoicingAddress, "i", "", "invoicing service address")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envGatewayAddress != "" {
		cfg.PaymentGatewayAddress = envGatewayAddress
	}
	if envInvoicingAddress != "" {
		cfg.InvoicingAddress = envInvoicingAddress
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if _, err := cfg.CommissionRate(); err != nil {
		return nil, err
	}
	if cfg.BillingMaxAttempts < 1 {
		return nil, fmt.Errorf("BILLING_MAX_ATTEMPTS must be positive, got %d", cfg.BillingMaxAttempts)
	}

	return cfg, nil
}
