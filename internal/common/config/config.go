package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	Debug bool `env:"DEBUG" envDefault:"false"`

	Telegram struct {
		BotToken string `env:"BOT_TOKEN,required"`
		// Event source: "poll" (long polling, default) or "webhook"
		Mode        string `env:"TELEGRAM_MODE" envDefault:"poll"`
		WebhookPort int    `env:"WEBHOOK_PORT" envDefault:"8080"`
		PollTimeout int    `env:"POLL_TIMEOUT" envDefault:"30"`
	}

	MediaServer struct {
		URL    string `env:"MEDIA_SERVER_URL,required"`
		APIKey string `env:"MEDIA_SERVER_API_KEY,required"`
	}

	Storage struct {
		// Backend: "file" (JSON documents on disk) or "redis"
		Backend string `env:"STORAGE_BACKEND" envDefault:"file"`
		DataDir string `env:"STORAGE_DATA_DIR" envDefault:"data"`

		RedisHost     string `env:"REDIS_HOST" envDefault:"localhost"`
		RedisPort     int    `env:"REDIS_PORT" envDefault:"6379"`
		RedisPassword string `env:"REDIS_PASSWORD" envDefault:""`
		RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	}

	Payment struct {
		UpiID   string `env:"UPI_ID" envDefault:""`
		UpiName string `env:"UPI_NAME" envDefault:""`

		// Plans as id:name:days:price, comma separated
		Plans []string `env:"SUBSCRIPTION_PLANS" envSeparator:"," envDefault:"1day:1 Day:1:5,1week:1 Week:7:10,1month:1 Month:30:35"`
	}

	Lifecycle struct {
		MonitorInterval  time.Duration `env:"MONITOR_INTERVAL" envDefault:"5m"`
		SweepInterval    time.Duration `env:"SWEEP_INTERVAL" envDefault:"1h"`
		RequestTTL       time.Duration `env:"REQUEST_TTL" envDefault:"168h"`
		AwaitingTTL      time.Duration `env:"AWAITING_TTL" envDefault:"1h"`
		PaymentRetention time.Duration `env:"PAYMENT_RETENTION" envDefault:"672h"`
	}
}

// Plan is one subscription plan parsed from the SUBSCRIPTION_PLANS entry.
type Plan struct {
	ID    string
	Name  string
	Days  int
	Price int
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		// Ignore a missing .env file; in production the variables
		// are set directly in the environment
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		panic(err)
	}

	return cfg
}

// ParsePlans decodes the configured plan entries. Malformed entries are an
// error: a deployment with a broken plan table must not start.
func (c *Config) ParsePlans() (map[string]Plan, error) {
	plans := make(map[string]Plan, len(c.Payment.Plans))
	for _, raw := range c.Payment.Plans {
		parts := strings.Split(raw, ":")
		if len(parts) != 4 {
			return nil, fmt.Errorf("malformed plan entry %q, want id:name:days:price", raw)
		}
		days, err := strconv.Atoi(parts[2])
		if err != nil || days <= 0 {
			return nil, fmt.Errorf("plan %q: invalid days %q", parts[0], parts[2])
		}
		price, err := strconv.Atoi(parts[3])
		if err != nil || price < 0 {
			return nil, fmt.Errorf("plan %q: invalid price %q", parts[0], parts[3])
		}
		plans[parts[0]] = Plan{ID: parts[0], Name: parts[1], Days: days, Price: price}
	}
	if len(plans) == 0 {
		return nil, fmt.Errorf("no subscription plans configured")
	}
	return plans, nil
}
