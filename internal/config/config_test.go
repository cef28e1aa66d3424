package config

import (
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CLOUD_API_URL", "https://cloud.example")

	tests := []struct {
		name   string
		check  func(*Config) bool
		expect string
	}{
		{
			name:   "default host is 0.0.0.0",
			check:  func(c *Config) bool { return c.Host == "0.0.0.0" },
			expect: "0.0.0.0",
		},
		{
			name:   "default port is 48484",
			check:  func(c *Config) bool { return c.Port == 48484 },
			expect: "48484",
		},
		{
			name:   "default log level is info",
			check:  func(c *Config) bool { return c.LogLevel == "info" },
			expect: "info",
		},
		{
			name:   "default log format is json",
			check:  func(c *Config) bool { return c.LogFormat == "json" },
			expect: "json",
		},
		{
			name:   "default metrics path",
			check:  func(c *Config) bool { return c.MetricsPath == "/metrics" },
			expect: "/metrics",
		},
		{
			name:   "cloud api url propagated",
			check:  func(c *Config) bool { return c.CloudAPIURL == "https://cloud.example" },
			expect: "https://cloud.example",
		},
		{
			name:   "listen addr format",
			check:  func(c *Config) bool { return c.ListenAddr() == "0.0.0.0:48484" },
			expect: "0.0.0.0:48484",
		},
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(cfg) {
				t.Errorf("expected %s", tt.expect)
			}
		})
	}
}

func TestLoadRequiresCloudAPIURL(t *testing.T) {
	if _, err := Load(); err == nil {
		t.Fatal("expected error when CLOUD_API_URL is unset")
	}
}
