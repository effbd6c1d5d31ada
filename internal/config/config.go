package config

import (
	"log"
	"time"

	"github.com/spf13/viper"
)

type WorkerConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	BatchSize       int           `mapstructure:"batch_size"`
	DataDir         string        `mapstructure:"data_dir"`
	DownloadTimeout time.Duration `mapstructure:"download_timeout"`
}

type Config struct {
	DatabaseURL       string       `mapstructure:"database_url"`
	ServerPort        string       `mapstructure:"server_port"`
	CORSAllowedOrigin string       `mapstructure:"cors_allowed_origin"`
	Worker            WorkerConfig `mapstructure:"worker"`
}

// Load reads the configuration from a YAML file and returns a Config instance.
func Load() *Config {
	v := viper.New()

	// Look for config in the current directory and ./config
	v.AddConfigPath(".")
	v.SetConfigName("config")
	v.AddConfigPath("./config")
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		log.Fatalf("Error reading config file: %v", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		log.Fatalf("Error unmarshalling config: %v", err)
	}

	// Fallback defaults
	if config.ServerPort == "" {
		config.ServerPort = "8080"
	}
	if config.CORSAllowedOrigin == "" {
		config.CORSAllowedOrigin = "http://localhost:3000"
	}
	if config.Worker.PollInterval == 0 {
		config.Worker.PollInterval = 5 * time.Second
	}
	if config.Worker.BatchSize == 0 {
		config.Worker.BatchSize = 5
	}
	if config.Worker.DataDir == "" {
		config.Worker.DataDir = "data/downloads"
	}
	if config.Worker.DownloadTimeout == 0 {
		config.Worker.DownloadTimeout = 10 * time.Minute
	}

	if config.DatabaseURL == "" {
		log.Fatal("Database URL must be set in the config file")
	}

	return &config
}
