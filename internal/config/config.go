package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

const (
	TransportMQTT   = "mqtt"
	TransportModbus = "modbus"
	TransportHTTP   = "http"
)

type Config struct {
	Env      string         `yaml:"env" env-default:"prod"`
	Device   DeviceConfig   `yaml:"device"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Modbus   ModbusConfig   `yaml:"modbus"`
	HTTPPoll HTTPPollConfig `yaml:"http_poll"`
	Watchdog WatchdogConfig `yaml:"watchdog"`
	Schema   SchemaRef      `yaml:"schema"`
	Sender   SenderConfig   `yaml:"sender"`
	Buffer   BufferConfig   `yaml:"buffer"`
	Health   HealthConfig   `yaml:"health"`
	Log      LogConfig      `yaml:"log"`
}

type DeviceConfig struct {
	Serial    string `yaml:"serial" env:"DEVICE_SERIAL" env-required:"true"`
	Transport string `yaml:"transport" env:"DEVICE_TRANSPORT" env-default:"mqtt"`
}

type MQTTConfig struct {
	Broker          string        `yaml:"broker" env:"MQTT_BROKER" env-default:"wss://mqtt-dashboard.com:8884/mqtt"`
	TopicPrefix     string        `yaml:"topic_prefix" env-default:"c5d81ff2"`
	Topic           string        `yaml:"topic" env:"MQTT_TOPIC"`
	ClientIDPrefix  string        `yaml:"client_id_prefix" env-default:"mqtt_client_"`
	Username        string        `yaml:"username" env:"MQTT_USERNAME"`
	Password        string        `yaml:"password" env:"MQTT_PASSWORD"`
	QoS             byte          `yaml:"qos" env-default:"0"`
	KeepAlive       time.Duration `yaml:"keepalive" env-default:"60s"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" env-default:"15s"`
	ReconnectPeriod time.Duration `yaml:"reconnect_period" env-default:"1s"`
	WillTopic       string        `yaml:"will_topic" env-default:"WillMsg"`
	WillPayload     string        `yaml:"will_payload" env-default:"Connection Closed abnormally..!"`
}

// TopicFor returns the telemetry topic of a device. An explicit topic wins
// over the prefix convention.
func (m MQTTConfig) TopicFor(serial string) string {
	if m.Topic != "" {
		return m.Topic
	}
	return m.TopicPrefix + "/device/" + serial
}

type ModbusConfig struct {
	Endpoint       string        `yaml:"endpoint" env:"MODBUS_ENDPOINT"`
	UnitID         uint8         `yaml:"unit_id" env-default:"1"`
	Timeout        time.Duration `yaml:"timeout" env-default:"2s"`
	Interval       time.Duration `yaml:"interval" env-default:"1s"`
	HoldingAddress uint16        `yaml:"holding_address" env-default:"0"`
	HoldingCount   uint16        `yaml:"holding_count"`
	CoilAddress    uint16        `yaml:"coil_address" env-default:"0"`
	CoilCount      uint16        `yaml:"coil_count"`
}

// HTTPPollConfig points at a gateway that serves the latest telemetry
// message of the device as JSON.
type HTTPPollConfig struct {
	URL      string        `yaml:"url" env:"HTTP_POLL_URL"`
	Token    string        `yaml:"token" env:"HTTP_POLL_TOKEN"`
	Timeout  time.Duration `yaml:"timeout" env-default:"5s"`
	Interval time.Duration `yaml:"interval" env-default:"1s"`
}

type WatchdogConfig struct {
	Timeout time.Duration `yaml:"timeout" env:"WATCHDOG_TIMEOUT" env-default:"10s"`
}

type SchemaRef struct {
	Path string `yaml:"path" env:"SCHEMA_PATH"`
}

type SenderConfig struct {
	Enabled bool          `yaml:"enabled" env-default:"false"`
	URL     string        `yaml:"url" env:"SENDER_URL"`
	Token   string        `yaml:"token" env:"SENDER_TOKEN"`
	Timeout time.Duration `yaml:"timeout" env-default:"30s"`
	Retry   RetryConfig   `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts" env-default:"5"`
	InitialDelay time.Duration `yaml:"initial_delay" env-default:"1s"`
	MaxDelay     time.Duration `yaml:"max_delay" env-default:"60s"`
}

type BufferConfig struct {
	Enabled  bool          `yaml:"enabled" env-default:"true"`
	Path     string        `yaml:"path" env-default:"/var/lib/climalink/outbox.db"`
	MaxAge   time.Duration `yaml:"max_age" env-default:"24h"`
	Interval time.Duration `yaml:"retry_interval" env-default:"30s"`
}

type HealthConfig struct {
	Address string `yaml:"address" env-default:":8080"`
}

type LogConfig struct {
	Level  string `yaml:"level" env-default:"info"`
	Format string `yaml:"format" env-default:"json"`
}

// LoadDotEnv exports the variables of a .env file. Variables already set in
// the environment win. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func MustLoad(configPath string) *Config {
	if err := LoadDotEnv(os.Getenv("DOTENV_PATH")); err != nil {
		panic(err.Error())
	}

	if configPath == "" {
		configPath = os.Getenv("CONFIG_PATH")
	}

	if configPath == "" {
		configPath = "config/config.yaml"
	}

	cfg, err := Load(configPath)
	if err != nil {
		panic(err.Error())
	}

	return cfg
}

func Load(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, errors.New("config file not found: " + configPath)
	}

	var cfg Config
	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Validate checks cross-field rules that struct tags cannot express.
func (c *Config) Validate() error {
	switch c.Device.Transport {
	case TransportMQTT:
		if c.MQTT.Broker == "" {
			return errors.New("mqtt.broker is required for the mqtt transport")
		}
		if c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
		}
	case TransportModbus:
		if c.Modbus.Endpoint == "" {
			return errors.New("modbus.endpoint is required for the modbus transport")
		}
		if c.Modbus.Interval <= 0 {
			return errors.New("modbus.interval must be > 0")
		}
	case TransportHTTP:
		if c.HTTPPoll.URL == "" {
			return errors.New("http_poll.url is required for the http transport")
		}
		if c.HTTPPoll.Interval <= 0 {
			return errors.New("http_poll.interval must be > 0")
		}
	default:
		return fmt.Errorf("unknown device.transport %q", c.Device.Transport)
	}

	if c.Watchdog.Timeout <= 0 {
		return errors.New("watchdog.timeout must be > 0")
	}

	if c.Sender.Enabled {
		if c.Sender.URL == "" {
			return errors.New("sender.url is required when the sender is enabled")
		}
		if c.Sender.Retry.MaxAttempts < 1 {
			return errors.New("sender.retry.max_attempts must be >= 1")
		}
	}

	return nil
}
