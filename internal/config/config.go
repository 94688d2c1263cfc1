package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the typed view of configs/config.yml. Load applies defaults for
// every optional knob and rejects configurations that cannot run.
type Config struct {
	Site            Site
	Network         Network
	Polling         Polling
	DB              DB
	API             API
	PublicServer    PublicServer
	ImmediateUpload ImmediateUpload
	Weather         Weather
	Monitoring      Monitoring
	Logging         Logging
}

type Site struct {
	SiteID string
}

type Network struct {
	IPRanges                     []string
	DiscoveryTimeout             time.Duration
	RequestTimeout               time.Duration
	ScanIntervalMinutes          int
	EnableBackgroundTCPDiscovery bool
	EnablePeriodicTCPScan        bool
}

type Polling struct {
	StatusInterval        time.Duration
	MaxConcurrentRequests int
	RetryAttempts         int
	RetryDelay            time.Duration
}

type DB struct {
	Path string
}

type API struct {
	Host string
	Port string
}

type PublicServer struct {
	Enabled            bool
	BaseURL            string
	SiteToken          string
	StatusUploadEvery  time.Duration
	MinuteUploadEvery  time.Duration
	CommandPollEvery   time.Duration
	RetryAttempts      int
	RetryDelay         time.Duration
	MaxBatchSize       int
	RequestTimeout     time.Duration
}

type ImmediateUpload struct {
	BatchSize     int
	BatchTimeout  time.Duration
	RetryAttempts int
}

type Weather struct {
	APIKey                string
	ZipCode               string
	UpdateIntervalMinutes int
	FallbackTemp          float64
}

type Monitoring struct {
	HealthCheckIntervalMinutes int
}

type Logging struct {
	Level string
}

var (
	errNoIPRanges     = errors.New("network.ip_ranges is required")
	errNoPollInterval = errors.New("polling.status_interval_seconds is required")
	errNoDBPath       = errors.New("db.path is required")
	errNoSiteID       = errors.New("site.site_id is required when public_server.enabled")
	errNoBaseURL      = errors.New("public_server.base_url is required when public_server.enabled")
)

// Load reads configs/config.yml via viper and builds a validated Config.
func Load() (*Config, error) {
	viper.AddConfigPath("configs")
	viper.SetConfigName("config")
	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return FromViper()
}

// FromViper builds a Config from the already-populated global viper instance.
// Split from Load so tests can seed viper directly.
func FromViper() (*Config, error) {
	setDefaults()

	cfg := &Config{
		Site: Site{
			SiteID: viper.GetString("site.site_id"),
		},
		Network: Network{
			IPRanges:                     viper.GetStringSlice("network.ip_ranges"),
			DiscoveryTimeout:             seconds("network.discovery_timeout"),
			RequestTimeout:               seconds("network.request_timeout"),
			ScanIntervalMinutes:          viper.GetInt("network.scan_interval_minutes"),
			EnableBackgroundTCPDiscovery: viper.GetBool("network.enable_background_tcp_discovery"),
			EnablePeriodicTCPScan:        viper.GetBool("network.enable_periodic_tcp_scan"),
		},
		Polling: Polling{
			StatusInterval:        seconds("polling.status_interval_seconds"),
			MaxConcurrentRequests: viper.GetInt("polling.max_concurrent_requests"),
			RetryAttempts:         viper.GetInt("polling.retry_attempts"),
			RetryDelay:            seconds("polling.retry_delay_seconds"),
		},
		DB: DB{
			Path: viper.GetString("db.path"),
		},
		API: API{
			Host: viper.GetString("api.host"),
			Port: viper.GetString("api.port"),
		},
		PublicServer: PublicServer{
			Enabled:           viper.GetBool("public_server.enabled"),
			BaseURL:           viper.GetString("public_server.base_url"),
			SiteToken:         viper.GetString("public_server.site_token"),
			StatusUploadEvery: seconds("public_server.status_upload_seconds"),
			MinuteUploadEvery: seconds("public_server.minute_upload_seconds"),
			CommandPollEvery:  seconds("public_server.command_poll_seconds"),
			RetryAttempts:     viper.GetInt("public_server.retry_attempts"),
			RetryDelay:        seconds("public_server.retry_delay_seconds"),
			MaxBatchSize:      viper.GetInt("public_server.max_batch_size"),
			RequestTimeout:    seconds("public_server.timeout_seconds"),
		},
		ImmediateUpload: ImmediateUpload{
			BatchSize:     viper.GetInt("immediate_upload.batch_size"),
			BatchTimeout:  seconds("immediate_upload.timeout_seconds"),
			RetryAttempts: viper.GetInt("immediate_upload.retry_attempts"),
		},
		Weather: Weather{
			APIKey:                viper.GetString("weather.api_key"),
			ZipCode:               viper.GetString("weather.zip_code"),
			UpdateIntervalMinutes: viper.GetInt("weather.update_interval_minutes"),
			FallbackTemp:          viper.GetFloat64("weather.fallback_temp"),
		},
		Monitoring: Monitoring{
			HealthCheckIntervalMinutes: viper.GetInt("monitoring.health_check_interval_minutes"),
		},
		Logging: Logging{
			Level: viper.GetString("logging.level"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.Network.IPRanges) == 0 {
		return errNoIPRanges
	}
	if c.Polling.StatusInterval <= 0 {
		return errNoPollInterval
	}
	if c.DB.Path == "" {
		return errNoDBPath
	}
	if c.PublicServer.Enabled {
		if c.Site.SiteID == "" {
			return errNoSiteID
		}
		if c.PublicServer.BaseURL == "" {
			return errNoBaseURL
		}
	}
	return nil
}

func setDefaults() {
	viper.SetDefault("network.discovery_timeout", 10)
	viper.SetDefault("network.request_timeout", 5)
	viper.SetDefault("network.scan_interval_minutes", 30)
	viper.SetDefault("network.enable_background_tcp_discovery", true)
	viper.SetDefault("network.enable_periodic_tcp_scan", false)

	viper.SetDefault("polling.max_concurrent_requests", 5)
	viper.SetDefault("polling.retry_attempts", 3)
	viper.SetDefault("polling.retry_delay_seconds", 2)

	viper.SetDefault("api.host", "0.0.0.0")
	viper.SetDefault("api.port", "8000")

	viper.SetDefault("public_server.status_upload_seconds", 30)
	viper.SetDefault("public_server.minute_upload_seconds", 60)
	viper.SetDefault("public_server.command_poll_seconds", 10)
	viper.SetDefault("public_server.retry_attempts", 3)
	viper.SetDefault("public_server.retry_delay_seconds", 2)
	viper.SetDefault("public_server.max_batch_size", 100)
	viper.SetDefault("public_server.timeout_seconds", 30)

	viper.SetDefault("immediate_upload.batch_size", 10)
	viper.SetDefault("immediate_upload.timeout_seconds", 5)
	viper.SetDefault("immediate_upload.retry_attempts", 2)

	viper.SetDefault("weather.update_interval_minutes", 15)
	viper.SetDefault("weather.fallback_temp", 50.0)

	viper.SetDefault("monitoring.health_check_interval_minutes", 5)

	viper.SetDefault("logging.level", "info")
}

func seconds(key string) time.Duration {
	return time.Duration(viper.GetFloat64(key) * float64(time.Second))
}
