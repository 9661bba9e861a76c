package config

import "time"

type Config struct {
	Environment Environment
	Log         Log
	HTTP        HTTPServer
	DatabaseURL string `env:"DATABASE_URL" envDefault:"payments.db"`
	// mysql or sqlite
	DatabaseDriver string `env:"DATABASE_DRIVER" envDefault:"sqlite"`

	Auth      Auth      `envPrefix:"AUTH_"`
	Gateway   Gateway   `envPrefix:"GATEWAY_"`
	Webhook   Webhook   `envPrefix:"WEBHOOK_"`
	RateLimit RateLimit `envPrefix:"RATE_LIMIT_"`
	Kafka     Kafka     `envPrefix:"KAFKA_"`

	// platform-level credentials, used to verify webhooks delivered to the
	// platform endpoint rather than a tenant-scoped one
	Paypal    Paypal    `envPrefix:"PAYPAL_"`
	BrainTree Braintree `envPrefix:"BRAINTREE_"`
	Stripe    Stripe    `envPrefix:"STRIPE_"`
}

type Paypal struct {
	BaseApiURL   string `env:"BASE_API_URL" envDefault:"https://api-m.sandbox.paypal.com"`
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`
	WebhookID    string `env:"WEBHOOK_ID"`
}

type Braintree struct {
	Environment string `env:"ENVIRONMENT"`
	MerchantID  string `env:"MERCHANT_ID"`
	PublicKey   string `env:"PUBLIC_KEY"`
	PrivateKey  string `env:"PRIVATE_KEY"`
}

type Stripe struct {
	SecretKey     string `env:"SECRET_KEY"`
	WebhookSecret string `env:"WEBHOOK_SECRET"`
}

type Auth struct {
	JWTSecret    string `env:"JWT_SECRET"`
	PlatformRole string `env:"PLATFORM_ROLE" envDefault:"platform_admin"`
}

type Gateway struct {
	Timeout          time.Duration `env:"TIMEOUT" envDefault:"20s"`
	AuthorizationTTL time.Duration `env:"AUTHORIZATION_TTL" envDefault:"168h"`
}

type Webhook struct {
	Workers   int           `env:"WORKERS" envDefault:"8"`
	QueueSize int           `env:"QUEUE_SIZE" envDefault:"256"`
	Timeout   time.Duration `env:"TIMEOUT" envDefault:"30s"`
}

type RateLimit struct {
	RPS float64 `env:"RPS" envDefault:"20"`
}

type Kafka struct {
	Brokers []string `env:"BROKERS" envSeparator:","`
	Topic   string   `env:"TOPIC" envDefault:"payments.status"`
}

type Environment struct {
	Name string `env:"ENVIRONMENT" envDefault:"development"`
}

type Log struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

type HTTPServer struct {
	Host string `env:"HTTP_HOST" envDefault:"0.0.0.0"`
	Port string `env:"HTTP_PORT" envDefault:"8080"`
}
