// This test file verifies the configuration loading logic using Viper.

package config

import (
	"os"
	"testing"
	"time"

	"github.com/vrsandeep/streamdl/internal/models"
)

func TestLoadConfig(t *testing.T) {
	t.Run("Defaults when no config file", func(t *testing.T) {
		// Ensure no config file exists for this test
		os.Remove("config.yml")

		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load() returned an error: %v", err)
		}

		// Check if default values are set
		if cfg.Port != 8080 {
			t.Errorf("Expected default port 8080, got %d", cfg.Port)
		}
		if cfg.Database.Path != "./streamdl.db" {
			t.Errorf("Expected default db path './streamdl.db', got '%s'", cfg.Database.Path)
		}
		if cfg.Downloads.Path != "./downloads" {
			t.Errorf("Expected default downloads path './downloads', got '%s'", cfg.Downloads.Path)
		}
		if cfg.Downloads.StallTimeout != 30*time.Second {
			t.Errorf("Expected default stall timeout 30s, got %v", cfg.Downloads.StallTimeout)
		}
		if cfg.Jobs.ReconcileInterval != 5*time.Minute {
			t.Errorf("Expected default reconcile interval 5m, got %v", cfg.Jobs.ReconcileInterval)
		}
		if !cfg.Network.WiFi {
			t.Error("Expected the network to default to wifi")
		}
	})

	t.Run("Loads from config file", func(t *testing.T) {
		// Create a temporary config file for this test
		configContent := `
port: 9999
database:
  path: "/tmp/test.db"
downloads:
  path: "/tmp/test-downloads"
  max_concurrent: 4
  default_quality: "sd"
  stall_timeout: "45s"
  storage_margin: "1 MB"
  schedule:
    start: "22:00"
    end: "06:00"
  retry:
    base_delay: "500ms"
unknown_setting: "should be ignored"
`
		// Create the config file in the current directory so Viper can find it.
		// Note: `t.TempDir()` is not used here because Viper looks in the CWD.
		configPath := "config.yml"
		if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
			t.Fatalf("Failed to write test config file: %v", err)
		}
		// Clean up the file after the test
		defer os.Remove(configPath)

		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load() returned an error: %v", err)
		}

		// Check if values from the file were loaded
		if cfg.Port != 9999 {
			t.Errorf("Expected port 9999, got %d", cfg.Port)
		}
		if cfg.Database.Path != "/tmp/test.db" {
			t.Errorf("Expected db path '/tmp/test.db', got '%s'", cfg.Database.Path)
		}
		if cfg.Downloads.Path != "/tmp/test-downloads" {
			t.Errorf("Expected downloads path '/tmp/test-downloads', got '%s'", cfg.Downloads.Path)
		}

		s, err := cfg.DownloadSettings()
		if err != nil {
			t.Fatalf("DownloadSettings() returned an error: %v", err)
		}
		if s.MaxConcurrent != 4 {
			t.Errorf("Expected max concurrent 4, got %d", s.MaxConcurrent)
		}
		if s.DefaultQuality != models.QualitySD {
			t.Errorf("Expected default quality SD, got %s", s.DefaultQuality)
		}
		if s.StallTimeout != 45*time.Second {
			t.Errorf("Expected stall timeout 45s, got %v", s.StallTimeout)
		}
		if s.StorageMargin != 1000*1000 {
			t.Errorf("Expected storage margin 1000000, got %d", s.StorageMargin)
		}
		if s.Schedule.Start != 22*time.Hour || s.Schedule.End != 6*time.Hour {
			t.Errorf("Unexpected schedule window %+v", s.Schedule)
		}
		if s.Retry.BaseDelay != 500*time.Millisecond {
			t.Errorf("Expected retry base delay 500ms, got %v", s.Retry.BaseDelay)
		}
		// Defaults still apply to keys missing from the file.
		if s.Retry.MaxDelay != 2*time.Minute {
			t.Errorf("Expected default retry max delay 2m, got %v", s.Retry.MaxDelay)
		}
	})

	t.Run("Environment overrides", func(t *testing.T) {
		os.Remove("config.yml")
		t.Setenv("STREAMDL_PORT", "7070")
		t.Setenv("STREAMDL_DOWNLOADS_RESUME_MODE", "restart")

		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load() returned an error: %v", err)
		}
		if cfg.Port != 7070 {
			t.Errorf("Expected port 7070 from env, got %d", cfg.Port)
		}
		s, err := cfg.DownloadSettings()
		if err != nil {
			t.Fatalf("DownloadSettings() returned an error: %v", err)
		}
		if s.ResumeMode != models.ResumeRestart {
			t.Errorf("Expected resume mode restart, got %s", s.ResumeMode)
		}
	})
}

func TestDownloadSettingsValidation(t *testing.T) {
	os.Remove("config.yml")
	base, err := Load()
	if err != nil {
		t.Fatalf("Load() returned an error: %v", err)
	}

	cases := map[string]func(c *Config){
		"bad quality":        func(c *Config) { c.Downloads.DefaultQuality = "8K" },
		"default above max":  func(c *Config) { c.Downloads.MaxQuality = "SD" },
		"zero concurrency":   func(c *Config) { c.Downloads.MaxConcurrent = 0 },
		"bad schedule":       func(c *Config) { c.Downloads.Schedule.Start = "25:00"; c.Downloads.Schedule.End = "01:00" },
		"bad margin":         func(c *Config) { c.Downloads.StorageMargin = "lots" },
		"bad resume mode":    func(c *Config) { c.Downloads.ResumeMode = "sometimes" },
		"threshold over 100": func(c *Config) { c.Downloads.Cleanup.ThresholdPercent = 150 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := *base
			mutate(&cfg)
			if _, err := cfg.DownloadSettings(); err == nil {
				t.Errorf("Expected an error for %s", name)
			}
		})
	}
}

func TestHTTPBytesPerSecond(t *testing.T) {
	cfg := &Config{}
	cfg.Sources.HTTP.BytesPerSecond = "2 MiB"
	n, err := cfg.HTTPBytesPerSecond()
	if err != nil {
		t.Fatalf("HTTPBytesPerSecond() returned an error: %v", err)
	}
	if n != 2<<20 {
		t.Errorf("Expected %d, got %d", 2<<20, n)
	}
}
