package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/0gfoundation/cashdesk/internal/money"
)

type Config struct {
	Device   DeviceConfig
	Session  SessionConfig
	Dispense DispenseConfig
	Redis    RedisConfig
	MQTT     MQTTConfig
	Operator OperatorConfig
	Server   ServerConfig
	Machine  MachineConfig
}

type DeviceConfig struct {
	APIURL         string           `mapstructure:"api_url"`
	APIKey         string           `mapstructure:"api_key"`
	ProbeTimeoutMs int              `mapstructure:"probe_timeout_ms"`
	PollTimeoutMs  int              `mapstructure:"poll_timeout_ms"`
	ProbeAttempts  int              `mapstructure:"probe_attempts"`
	Bill           DeviceSlotConfig `mapstructure:"bill"`
	Coin           DeviceSlotConfig `mapstructure:"coin"`
}

// DeviceSlotConfig describes where one acceptor is expected.
type DeviceSlotConfig struct {
	Port     string `mapstructure:"port"`
	Address  int    `mapstructure:"address"`
	Currency string `mapstructure:"currency"`
	Counters string `mapstructure:"counters"`
}

type SessionConfig struct {
	PollIntervalMs int `mapstructure:"poll_interval_ms"`
	TimeoutSec     int `mapstructure:"timeout_sec"`
}

type DispenseConfig struct {
	BackoffMs   []int `mapstructure:"backoff_ms"`
	MaxAttempts int   `mapstructure:"max_attempts"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type MQTTConfig struct {
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"client_id"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Topic    string `mapstructure:"topic"`
}

type OperatorConfig struct {
	Addresses []string `mapstructure:"addresses"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type MachineConfig struct {
	ID string `mapstructure:"id"`
}

// ── accessors ─────────────────────────────────────────────────────────────────

func (d DeviceConfig) ProbeTimeout() time.Duration {
	return time.Duration(d.ProbeTimeoutMs) * time.Millisecond
}

func (d DeviceConfig) PollTimeout() time.Duration {
	return time.Duration(d.PollTimeoutMs) * time.Millisecond
}

func (s SessionConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMs) * time.Millisecond
}

func (s SessionConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSec) * time.Second
}

func (d DispenseConfig) Backoff() []time.Duration {
	out := make([]time.Duration, len(d.BackoffMs))
	for i, ms := range d.BackoffMs {
		out[i] = time.Duration(ms) * time.Millisecond
	}
	return out
}

// CounterPolicy maps the configured string onto the capability; unknown
// values were rejected by validate.
func (s DeviceSlotConfig) CounterPolicy() money.CounterPolicy {
	return money.CounterPolicy(strings.ToLower(s.Counters))
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("device.probe_timeout_ms", 30000)
	v.SetDefault("device.poll_timeout_ms", 3000)
	v.SetDefault("device.probe_attempts", 3)
	v.SetDefault("device.bill.port", "COM1")
	v.SetDefault("device.bill.currency", "EUR")
	v.SetDefault("device.bill.counters", string(money.CounterAdvisory))
	v.SetDefault("device.coin.port", "COM2")
	v.SetDefault("device.coin.currency", "EUR")
	v.SetDefault("device.coin.counters", string(money.CounterForbidden))
	v.SetDefault("session.poll_interval_ms", 500)
	v.SetDefault("session.timeout_sec", 180)
	v.SetDefault("dispense.backoff_ms", []int{300, 600, 1000, 1500, 2000})
	v.SetDefault("dispense.max_attempts", 6)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("mqtt.client_id", "cashd")
	v.SetDefault("mqtt.topic", "cashdesk")
	v.SetDefault("server.port", 8080)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/cashdesk")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"device.api_url":           "DEVICE_API_URL",
		"device.api_key":           "DEVICE_API_KEY",
		"device.probe_timeout_ms":  "DEVICE_PROBE_TIMEOUT_MS",
		"device.poll_timeout_ms":   "DEVICE_POLL_TIMEOUT_MS",
		"device.probe_attempts":    "DEVICE_PROBE_ATTEMPTS",
		"device.bill.port":         "BILL_PORT",
		"device.bill.address":      "BILL_ADDRESS",
		"device.bill.currency":     "BILL_CURRENCY",
		"device.bill.counters":     "BILL_COUNTERS",
		"device.coin.port":         "COIN_PORT",
		"device.coin.address":      "COIN_ADDRESS",
		"device.coin.currency":     "COIN_CURRENCY",
		"device.coin.counters":     "COIN_COUNTERS",
		"session.poll_interval_ms": "SESSION_POLL_INTERVAL_MS",
		"session.timeout_sec":      "SESSION_TIMEOUT_SEC",
		"dispense.max_attempts":    "DISPENSE_MAX_ATTEMPTS",
		"redis.addr":               "REDIS_ADDR",
		"redis.password":           "REDIS_PASSWORD",
		"mqtt.broker":              "MQTT_BROKER",
		"mqtt.client_id":           "MQTT_CLIENT_ID",
		"mqtt.username":            "MQTT_USERNAME",
		"mqtt.password":            "MQTT_PASSWORD",
		"mqtt.topic":               "MQTT_TOPIC",
		"operator.addresses":       "OPERATOR_ADDRESSES",
		"server.port":              "PORT",
		"machine.id":               "MACHINE_ID",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	// A comma separated env value arrives as one element.
	cfg.Operator.Addresses = splitList(cfg.Operator.Addresses)

	return cfg, cfg.validate()
}

func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (c *Config) validate() error {
	type req struct {
		val  string
		name string
	}
	for _, r := range []req{
		{c.Device.APIURL, "DEVICE_API_URL"},
		{c.Device.APIKey, "DEVICE_API_KEY"},
		{c.Machine.ID, "MACHINE_ID"},
	} {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	if c.Device.Bill.Port == "" && c.Device.Coin.Port == "" {
		return fmt.Errorf("required config missing: BILL_PORT or COIN_PORT")
	}
	for name, slot := range map[string]DeviceSlotConfig{"BILL_COUNTERS": c.Device.Bill, "COIN_COUNTERS": c.Device.Coin} {
		switch slot.CounterPolicy() {
		case money.CounterForbidden, money.CounterAdvisory, money.CounterAllowed:
		default:
			return fmt.Errorf("invalid %s: %q", name, slot.Counters)
		}
	}
	if c.Session.PollIntervalMs <= 0 || c.Session.TimeoutSec <= 0 {
		return fmt.Errorf("session poll interval and timeout must be positive")
	}
	if c.Dispense.MaxAttempts <= 0 {
		return fmt.Errorf("invalid DISPENSE_MAX_ATTEMPTS: %d", c.Dispense.MaxAttempts)
	}
	for _, ms := range c.Dispense.BackoffMs {
		if ms < 0 {
			return fmt.Errorf("dispense backoff must not be negative")
		}
	}
	return nil
}
