// Package config loads runtime configuration from an optional env file plus
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
)

// Config is the full runtime configuration under the RELAY_ env prefix.
type Config struct {
	Addr string `default:":8080"`

	OpenAIAPIKey  string `split_words:"true"`
	OpenAIBaseURL string `split_words:"true"`
	Model         string `default:"gpt-4o-mini"`

	DescriptorDir string `split_words:"true" default:"workers"`
	DBPath        string `split_words:"true" default:".relay.db"`

	MaxAgentCalls     int           `split_words:"true" default:"3"`
	StickyMargin      float64       `split_words:"true" default:"0.15"`
	SummaryBudget     int           `split_words:"true" default:"1200"`
	HeartbeatInterval time.Duration `split_words:"true" default:"15s"`

	RetryMaxAttempts int           `split_words:"true" default:"3"`
	RetryBaseDelay   time.Duration `split_words:"true" default:"500ms"`
	RetryMaxDelay    time.Duration `split_words:"true" default:"8s"`

	Debug        bool `default:"false"`
	PrettyFormat bool `split_words:"true" default:"false"`
}

// MustLoad is Load that panics on error, for main wiring.
func MustLoad(envFile string) *Config {
	conf, err := Load(envFile)
	if err != nil {
		panic(err)
	}
	return conf
}

// Load reads the env file (when given, or ./.env when present) into the
// process environment, then fills Config from RELAY_-prefixed variables.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := exportEnvironment(envFile); err != nil {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	} else if err := exportEnvironmentIfExists(".env"); err != nil {
		return nil, fmt.Errorf("failed to load default env file: %w", err)
	}

	var conf Config
	if err := envconfig.Process("relay", &conf); err != nil {
		return nil, err
	}
	return &conf, nil
}

func exportEnvironmentIfExists(filepath string) error {
	info, err := os.Stat(filepath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if info.IsDir() {
		return nil
	}
	return exportEnvironment(filepath)
}

func exportEnvironment(filepath string) error {
	viper.SetConfigFile(filepath)
	if err := viper.ReadInConfig(); err != nil {
		return err
	}

	for k, v := range viper.AllSettings() {
		if err := os.Setenv(strings.ToUpper(k), fmt.Sprint(v)); err != nil {
			return err
		}
	}
	return nil
}
