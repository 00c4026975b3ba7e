// This file defines the configuration structure for the application.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	// use Viper for loading the config.yml file.
	"github.com/spf13/viper"

	"github.com/vrsandeep/streamdl/internal/models"
)

// Config holds all configuration settings for the application.
// It maps directly to the structure of config.yml.
type Config struct {
	Port int `mapstructure:"port"`
	API  struct {
		// Token, when set, is required as a bearer token on API calls.
		Token string `mapstructure:"token"`
	} `mapstructure:"api"`
	Database struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"database"`
	Downloads struct {
		Path              string        `mapstructure:"path"`
		MaxConcurrent     int           `mapstructure:"max_concurrent"`
		DefaultQuality    string        `mapstructure:"default_quality"`
		MaxQuality        string        `mapstructure:"max_quality"`
		WiFiOnly          bool          `mapstructure:"wifi_only"`
		MaxParentalRating string        `mapstructure:"max_parental_rating"`
		ResumeMode        string        `mapstructure:"resume_mode"`
		StallTimeout      time.Duration `mapstructure:"stall_timeout"`
		ProgressInterval  time.Duration `mapstructure:"progress_interval"`
		StorageMargin     string        `mapstructure:"storage_margin"`
		MaxRetries        int           `mapstructure:"max_retries"`
		DefaultSource     string        `mapstructure:"default_source"`
		Schedule          struct {
			Start string `mapstructure:"start"`
			End   string `mapstructure:"end"`
		} `mapstructure:"schedule"`
		Retry struct {
			BaseDelay time.Duration `mapstructure:"base_delay"`
			MaxDelay  time.Duration `mapstructure:"max_delay"`
			Jitter    float64       `mapstructure:"jitter"`
		} `mapstructure:"retry"`
		Cleanup struct {
			Enabled          bool    `mapstructure:"enabled"`
			ThresholdPercent float64 `mapstructure:"threshold_percent"`
			OldestFirst      bool    `mapstructure:"oldest_first"`
		} `mapstructure:"cleanup"`
	} `mapstructure:"downloads"`
	Sources struct {
		HTTP struct {
			BaseURL        string `mapstructure:"base_url"`
			BytesPerSecond string `mapstructure:"bytes_per_second"`
			UserAgent      string `mapstructure:"user_agent"`
		} `mapstructure:"http"`
		Mock struct {
			Enabled bool `mapstructure:"enabled"`
		} `mapstructure:"mock"`
	} `mapstructure:"sources"`
	Network struct {
		WiFi bool `mapstructure:"wifi"`
	} `mapstructure:"network"`
	Jobs struct {
		ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
		CleanupInterval   time.Duration `mapstructure:"cleanup_interval"`
	} `mapstructure:"jobs"`
	Artwork struct {
		Path  string `mapstructure:"path"`
		Width uint   `mapstructure:"width"`
	} `mapstructure:"artwork"`
}

// Load reads configuration from a file named "config.yml" in the
// current directory and unmarshals it into a Config struct.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config") // name of config file (without extension)
	v.SetConfigType("yml")    // or "yaml"
	v.AddConfigPath(".")      // looking for config in the current directory

	// --- Environment Variable Overrides ---
	// This tells Viper to look for environment variables with a "STREAMDL_" prefix.
	// e.g., STREAMDL_DOWNLOADS_PATH will override the `downloads.path` key.
	v.SetEnvPrefix("STREAMDL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set default values
	def := models.DefaultDownloadSettings()
	v.SetDefault("port", 8080)
	v.SetDefault("api.token", "")
	v.SetDefault("database.path", "./streamdl.db")
	v.SetDefault("downloads.path", "./downloads")
	v.SetDefault("downloads.max_concurrent", def.MaxConcurrent)
	v.SetDefault("downloads.default_quality", string(def.DefaultQuality))
	v.SetDefault("downloads.max_quality", string(def.MaxQuality))
	v.SetDefault("downloads.wifi_only", false)
	v.SetDefault("downloads.max_parental_rating", "")
	v.SetDefault("downloads.resume_mode", string(def.ResumeMode))
	v.SetDefault("downloads.stall_timeout", def.StallTimeout.String())
	v.SetDefault("downloads.progress_interval", def.ProgressInterval.String())
	v.SetDefault("downloads.storage_margin", "64MiB")
	v.SetDefault("downloads.max_retries", def.MaxRetries)
	v.SetDefault("downloads.default_source", "http")
	v.SetDefault("downloads.schedule.start", "")
	v.SetDefault("downloads.schedule.end", "")
	v.SetDefault("downloads.retry.base_delay", def.Retry.BaseDelay.String())
	v.SetDefault("downloads.retry.max_delay", def.Retry.MaxDelay.String())
	v.SetDefault("downloads.retry.jitter", def.Retry.Jitter)
	v.SetDefault("downloads.cleanup.enabled", def.Cleanup.Enabled)
	v.SetDefault("downloads.cleanup.threshold_percent", def.Cleanup.ThresholdPercent)
	v.SetDefault("downloads.cleanup.oldest_first", def.Cleanup.OldestFirst)
	v.SetDefault("sources.http.base_url", "")
	v.SetDefault("sources.http.bytes_per_second", "0")
	v.SetDefault("sources.http.user_agent", "streamdl/1.0")
	v.SetDefault("sources.mock.enabled", false)
	v.SetDefault("network.wifi", true)
	v.SetDefault("jobs.reconcile_interval", "5m")
	v.SetDefault("jobs.cleanup_interval", "15m")
	v.SetDefault("artwork.path", "./artwork")
	v.SetDefault("artwork.width", 320)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; ignore error and use defaults
		} else {
			// Config file was found but another error was produced
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// DownloadSettings converts the downloads section into engine settings and
// validates them.
func (c *Config) DownloadSettings() (models.DownloadSettings, error) {
	d := c.Downloads
	s := models.DownloadSettings{
		MaxConcurrent:     d.MaxConcurrent,
		WiFiOnly:          d.WiFiOnly,
		MaxParentalRating: d.MaxParentalRating,
		Cleanup: models.CleanupPolicy{
			Enabled:          d.Cleanup.Enabled,
			ThresholdPercent: d.Cleanup.ThresholdPercent,
			OldestFirst:      d.Cleanup.OldestFirst,
		},
		ResumeMode:       models.ResumeMode(strings.ToLower(d.ResumeMode)),
		StallTimeout:     d.StallTimeout,
		ProgressInterval: d.ProgressInterval,
		MaxRetries:       d.MaxRetries,
		Retry: models.RetrySettings{
			BaseDelay: d.Retry.BaseDelay,
			MaxDelay:  d.Retry.MaxDelay,
			Jitter:    d.Retry.Jitter,
		},
		DefaultSourceID: d.DefaultSource,
	}

	var ok bool
	if s.DefaultQuality, ok = models.ParseQuality(d.DefaultQuality); !ok {
		return s, fmt.Errorf("invalid default quality %q", d.DefaultQuality)
	}
	if s.MaxQuality, ok = models.ParseQuality(d.MaxQuality); !ok {
		return s, fmt.Errorf("invalid max quality %q", d.MaxQuality)
	}
	window, err := models.ParseScheduleWindow(d.Schedule.Start, d.Schedule.End)
	if err != nil {
		return s, err
	}
	s.Schedule = window
	margin, err := humanize.ParseBytes(d.StorageMargin)
	if err != nil {
		return s, fmt.Errorf("invalid storage margin %q: %w", d.StorageMargin, err)
	}
	s.StorageMargin = int64(margin)

	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

// HTTPBytesPerSecond parses the bandwidth cap of the HTTP source. Zero means unlimited.
func (c *Config) HTTPBytesPerSecond() (int, error) {
	n, err := humanize.ParseBytes(c.Sources.HTTP.BytesPerSecond)
	if err != nil {
		return 0, fmt.Errorf("invalid http bytes_per_second %q: %w", c.Sources.HTTP.BytesPerSecond, err)
	}
	return int(n), nil
}
