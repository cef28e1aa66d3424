package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration, loaded from environment variables.
type Config struct {
	// Server (Local Admin API, C8)
	Host string `env:"SUPERVISOR_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"SUPERVISOR_PORT" envDefault:"48484"`

	// Persistent store (C1) — a single on-device data directory.
	DataDir string `env:"DATA_DIR" envDefault:"/var/lib/supervisor"`

	// Messaging fabric (C3) — single shared pub/sub transport.
	BrokerURL     string `env:"BROKER_URL" envDefault:"redis://localhost:6379/0"`
	BrokerBase    string `env:"BROKER_TOPIC_BASE" envDefault:"devices"`
	MQTTDebug     bool   `env:"MQTT_DEBUG" envDefault:"false"`
	MQTTQoS       int    `env:"MQTT_QOS" envDefault:"0"`
	MQTTBatch     int    `env:"MQTT_BATCH" envDefault:"20"`

	// Logging (ambient)
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
	LogDir    string `env:"LOG_DIR" envDefault:"/var/log/supervisor"`

	// Telemetry (ambient)
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	MetricsPath  string `env:"METRICS_PATH" envDefault:"/metrics"`

	// CORS for the local admin API.
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	// Cloud sync loop (C7)
	CloudAPIURL        string `env:"CLOUD_API_URL,required"`
	ProvisioningKey    string `env:"PROVISIONING_KEY"`
	TargetPollInterval string `env:"TARGET_POLL_INTERVAL" envDefault:"10s"`
	ReportInterval     string `env:"CURRENT_REPORT_INTERVAL" envDefault:"10s"`
	MetricsInterval    string `env:"METRICS_REPORT_INTERVAL" envDefault:"60s"`

	// Runtime adapter (C2)
	UseRealDocker bool   `env:"USE_REAL_DOCKER" envDefault:"true"`
	DockerHost    string `env:"DOCKER_HOST"`

	// Device identity seed (used only on first boot; overridden by persisted state thereafter).
	DeviceName string `env:"DEVICE_NAME" envDefault:""`
	DeviceType string `env:"DEVICE_TYPE" envDefault:"generic-linux"`
	FleetID    string `env:"FLEET_ID" envDefault:""`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	return cfg, nil
}

// ListenAddr returns the address the local admin API should listen on.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
