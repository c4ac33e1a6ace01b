package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kkyr/fig"
)

const configEnv = "EVENTWEATHER"

// Config is the application configuration. Values come from an optional
// config file, then EVENTWEATHER_* environment variables, then defaults.
type Config struct {
	LogLevel slog.Level `fig:"loglevel" default:"0"`
	// Allowed values: text, json
	LogFormat string `fig:"logformat" default:"text"`

	// Roster is a CSV path or an ftp:// URL.
	Roster string `fig:"roster" default:"data/roster.csv"`

	Database struct {
		Path string `fig:"path" default:"data/eventweather.db"`
	} `fig:"database"`

	Weather struct {
		BaseURL    string        `fig:"base_url" default:"https://api.weather.gov"`
		UserAgent  string        `fig:"user_agent" default:"(eventweather, ops@example.com)"`
		Attempts   int           `fig:"attempts" default:"3"`
		RetryDelay time.Duration `fig:"retry_delay" default:"5s"`
		Timeout    time.Duration `fig:"timeout" default:"30s"`
	} `fig:"weather"`

	Events struct {
		Disabled    bool   `fig:"disabled"`
		BaseURL     string `fig:"base_url" default:"https://app.ticketmaster.com"`
		APIKey      string `fig:"api_key"`
		CountryCode string `fig:"country_code" default:"US"`
		// Allowed value: 1 to 200
		PageSize int           `fig:"page_size" default:"20"`
		Sort     string        `fig:"sort" default:"date,asc"`
		Timeout  time.Duration `fig:"timeout" default:"10s"`
		// Keep events that list no price at all.
		AllowMissingPrice bool `fig:"allow_missing_price"`
	} `fig:"events"`

	Pipeline struct {
		CityDelay time.Duration `fig:"city_delay" default:"1s"`
	} `fig:"pipeline"`

	Kafka struct {
		Brokers []string `fig:"brokers"`
		Topic   string   `fig:"topic" default:"enriched-cities"`
	} `fig:"kafka"`

	Metrics struct {
		// File receives metrics in textfile collector format after each run.
		File string `fig:"file"`
	} `fig:"metrics"`
}

// Load reads the config file at path if it exists, then applies the
// environment and defaults.
func Load(path string) (*Config, error) {
	conf := new(Config)
	opts := []fig.Option{fig.UseEnv(configEnv)}

	exists := false
	if path != "" {
		_, err := os.Stat(path)
		switch {
		case err == nil:
			exists = true
		case !errors.Is(err, fs.ErrNotExist):
			return conf, fmt.Errorf("failed to read config: %w", err)
		}
	}
	if exists {
		opts = append(opts, fig.Dirs(filepath.Dir(path)), fig.File(filepath.Base(path)))
	} else {
		opts = append(opts, fig.AllowNoFile(), fig.File("eventweather.yaml"))
	}

	if err := fig.Load(conf, opts...); err != nil {
		return conf, fmt.Errorf("failed to load config: %w", err)
	}
	return conf, conf.Validate()
}

// LoadDotEnv loads environment variables from path. A missing file is not
// an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

func (c *Config) Validate() error {
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("invalid log format: %s", c.LogFormat)
	}
	if strings.TrimSpace(c.Roster) == "" {
		return errors.New("roster source is required")
	}
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	if strings.TrimSpace(c.Weather.UserAgent) == "" {
		return errors.New("weather user agent is required")
	}
	if c.Weather.Attempts < 1 {
		return fmt.Errorf("invalid weather attempts: %d", c.Weather.Attempts)
	}
	if c.Weather.RetryDelay < 0 {
		return fmt.Errorf("invalid weather retry delay: %s", c.Weather.RetryDelay)
	}
	if c.Weather.Timeout <= 0 {
		return fmt.Errorf("invalid weather timeout: %s", c.Weather.Timeout)
	}
	if !c.Events.Disabled {
		if c.Events.APIKey == "" {
			return errors.New("events api key is required unless events are disabled")
		}
		if c.Events.PageSize < 1 || c.Events.PageSize > 200 {
			return fmt.Errorf("invalid events page size: %d", c.Events.PageSize)
		}
		if c.Events.Timeout <= 0 {
			return fmt.Errorf("invalid events timeout: %s", c.Events.Timeout)
		}
	}
	if c.Pipeline.CityDelay < 0 {
		return fmt.Errorf("invalid city delay: %s", c.Pipeline.CityDelay)
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return errors.New("kafka topic is required when brokers are set")
	}
	return nil
}
