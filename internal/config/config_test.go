package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func validConfig() *Config {
	return &Config{
		Device:   DeviceConfig{Serial: "44BF713C", Transport: TransportMQTT},
		MQTT:     MQTTConfig{Broker: "tcp://localhost:1883"},
		Modbus:   ModbusConfig{Interval: time.Second},
		Watchdog: WatchdogConfig{Timeout: 10 * time.Second},
		Sender:   SenderConfig{Retry: RetryConfig{MaxAttempts: 1}},
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeFile(t, "config.yaml", `
device:
  serial: 44BF713C
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "prod", cfg.Env)
	assert.Equal(t, TransportMQTT, cfg.Device.Transport)
	assert.Equal(t, 10*time.Second, cfg.Watchdog.Timeout)
	assert.Equal(t, 60*time.Second, cfg.MQTT.KeepAlive)
	assert.Equal(t, 15*time.Second, cfg.MQTT.ConnectTimeout)
	assert.Equal(t, "c5d81ff2/device/44BF713C", cfg.MQTT.TopicFor(cfg.Device.Serial))
	assert.Equal(t, uint8(1), cfg.Modbus.UnitID)
	assert.False(t, cfg.Sender.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Buffer.Interval)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_Overrides(t *testing.T) {
	path := writeFile(t, "config.yaml", `
env: dev
device:
  serial: ABC
  transport: modbus
modbus:
  endpoint: 10.0.0.5:502
  unit_id: 3
  interval: 500ms
watchdog:
  timeout: 3s
sender:
  enabled: true
  url: http://sink.local/ingest
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, TransportModbus, cfg.Device.Transport)
	assert.Equal(t, "10.0.0.5:502", cfg.Modbus.Endpoint)
	assert.Equal(t, uint8(3), cfg.Modbus.UnitID)
	assert.Equal(t, 500*time.Millisecond, cfg.Modbus.Interval)
	assert.Equal(t, 3*time.Second, cfg.Watchdog.Timeout)
	assert.Equal(t, 5, cfg.Sender.Retry.MaxAttempts)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestMustLoad_PanicsOnInvalid(t *testing.T) {
	path := writeFile(t, "config.yaml", `
device:
  serial: X
  transport: carrier-pigeon
`)
	assert.Panics(t, func() { MustLoad(path) })
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"unknown transport", func(c *Config) { c.Device.Transport = "serial" }, true},
		{"mqtt without broker", func(c *Config) { c.MQTT.Broker = "" }, true},
		{"mqtt bad qos", func(c *Config) { c.MQTT.QoS = 3 }, true},
		{"modbus without endpoint", func(c *Config) { c.Device.Transport = TransportModbus }, true},
		{"modbus ok", func(c *Config) {
			c.Device.Transport = TransportModbus
			c.Modbus.Endpoint = "127.0.0.1:502"
		}, false},
		{"modbus zero interval", func(c *Config) {
			c.Device.Transport = TransportModbus
			c.Modbus.Endpoint = "127.0.0.1:502"
			c.Modbus.Interval = 0
		}, true},
		{"http without url", func(c *Config) { c.Device.Transport = TransportHTTP }, true},
		{"http ok", func(c *Config) {
			c.Device.Transport = TransportHTTP
			c.HTTPPoll.URL = "http://gateway.local/latest"
			c.HTTPPoll.Interval = time.Second
		}, false},
		{"zero watchdog", func(c *Config) { c.Watchdog.Timeout = 0 }, true},
		{"sender without url", func(c *Config) { c.Sender.Enabled = true }, true},
		{"sender without attempts", func(c *Config) {
			c.Sender.Enabled = true
			c.Sender.URL = "http://x"
			c.Sender.Retry.MaxAttempts = 0
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTopicFor_ExplicitTopic(t *testing.T) {
	m := MQTTConfig{TopicPrefix: "p", Topic: "custom/topic"}
	assert.Equal(t, "custom/topic", m.TopicFor("X"))
}

func TestLoadDotEnv(t *testing.T) {
	const key = "CLIMALINK_DOTENV_TEST"
	t.Cleanup(func() { os.Unsetenv(key) })

	path := writeFile(t, ".env", key+"=from-file\n")
	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "from-file", os.Getenv(key))

	assert.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")))
}

func TestLoadDotEnv_EnvironmentWins(t *testing.T) {
	t.Setenv("DEVICE_SERIAL", "FROM-ENV")

	path := writeFile(t, ".env", "DEVICE_SERIAL=FROM-FILE\n")
	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "FROM-ENV", os.Getenv("DEVICE_SERIAL"))
}
