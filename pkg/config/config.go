// Package config loads daemon configuration from a YAML file with
// environment-variable overrides. Every key has a default, so both
// binaries run with no config file at all.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full configuration tree shared by the device agent and
// the hub. Each binary reads the sections it needs.
type Config struct {
	LogLevel    string `mapstructure:"log_level"`
	MetricsPort int    `mapstructure:"metrics_port"`

	Device DeviceConfig `mapstructure:"device"`
	Hub    HubConfig    `mapstructure:"hub"`
	MQTT   MQTTConfig   `mapstructure:"mqtt"`
}

// DeviceConfig configures the on-device tracking agent
type DeviceConfig struct {
	OwnerID       string `mapstructure:"owner_id"`
	ShareLocation bool   `mapstructure:"share_location"`
	SnapshotDB    string `mapstructure:"snapshot_db"`

	StartTimeout     time.Duration `mapstructure:"start_timeout"`
	BackoffInitial   time.Duration `mapstructure:"backoff_initial"`
	BackoffMax       time.Duration `mapstructure:"backoff_max"`
	RestartCeiling   int           `mapstructure:"restart_ceiling"`
	RestartWindow    time.Duration `mapstructure:"restart_window"`
	WakeLockDuration time.Duration `mapstructure:"wake_lock_duration"`

	LowBatteryPercent   int           `mapstructure:"low_battery_percent"`
	EscalationCooldown  time.Duration `mapstructure:"escalation_cooldown"`
	ConfidenceThreshold int           `mapstructure:"confidence_threshold"`
}

// HubConfig configures the server-side proximity hub
type HubConfig struct {
	LocationDB         string        `mapstructure:"location_db"`
	ProximityThreshold float64       `mapstructure:"proximity_threshold_m"`
	CooldownWindow     time.Duration `mapstructure:"cooldown_window"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`

	PushGatewayURL string        `mapstructure:"push_gateway_url"`
	PushAPIKey     string        `mapstructure:"push_api_key"`
	PushTimeout    time.Duration `mapstructure:"push_timeout"`
}

// MQTTConfig configures the location transport between agent and hub
type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	Port        int    `mapstructure:"port"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	QoS         int    `mapstructure:"qos"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_port", 9101)

	v.SetDefault("device.share_location", true)
	v.SetDefault("device.snapshot_db", "/var/lib/geopulse/device.db")
	v.SetDefault("device.start_timeout", 30*time.Second)
	v.SetDefault("device.backoff_initial", time.Second)
	v.SetDefault("device.backoff_max", 60*time.Second)
	v.SetDefault("device.restart_ceiling", 10)
	v.SetDefault("device.restart_window", time.Hour)
	v.SetDefault("device.wake_lock_duration", 24*time.Hour)
	v.SetDefault("device.low_battery_percent", 20)
	v.SetDefault("device.escalation_cooldown", 5*time.Minute)
	v.SetDefault("device.confidence_threshold", 70)

	v.SetDefault("hub.location_db", "/var/lib/geopulse/hub.db")
	v.SetDefault("hub.proximity_threshold_m", 500.0)
	v.SetDefault("hub.cooldown_window", 10*time.Minute)
	v.SetDefault("hub.sweep_interval", 10*time.Minute)
	v.SetDefault("hub.push_timeout", 10*time.Second)

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.topic_prefix", "geopulse")
	v.SetDefault("mqtt.qos", 1)
}

// Load reads configuration from the given path. An empty path loads
// defaults plus environment overrides only; a missing file at an explicit
// path is an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("GEOPULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that cannot work
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	if c.MetricsPort <= 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port %d", c.MetricsPort)
	}

	if c.Device.RestartCeiling < 1 {
		return errors.New("device.restart_ceiling must be at least 1")
	}
	if c.Device.StartTimeout <= 0 {
		return errors.New("device.start_timeout must be positive")
	}
	if c.Device.BackoffInitial <= 0 || c.Device.BackoffMax < c.Device.BackoffInitial {
		return errors.New("device backoff bounds are inconsistent")
	}
	if c.Device.ConfidenceThreshold < 0 || c.Device.ConfidenceThreshold > 100 {
		return fmt.Errorf("device.confidence_threshold %d out of range", c.Device.ConfidenceThreshold)
	}

	if c.Hub.ProximityThreshold <= 0 {
		return errors.New("hub.proximity_threshold_m must be positive")
	}
	if c.Hub.CooldownWindow <= 0 {
		return errors.New("hub.cooldown_window must be positive")
	}

	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return errors.New("mqtt.broker required when mqtt is enabled")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos %d out of range", c.MQTT.QoS)
	}
	return nil
}
