// Copyright 2025 Openskies Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type ctxKey string

const configContextKey ctxKey = "surety.config"

const DefaultShutdownTimeout = "30s"

func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configContextKey, cfg)
}

func FromContext(ctx context.Context) *Config {
	cfg, ok := ctx.Value(configContextKey).(*Config)
	if !ok {
		return nil
	}
	return cfg
}

type Config struct {
	DataDir          string `yaml:"dataDir"          split_words:"true"`
	BindAddr         string `yaml:"bindAddr"         split_words:"true"`
	Owner            string `yaml:"owner"`
	FirstAirlineID   string `yaml:"firstAirlineId"   envconfig:"SURETY_FIRST_AIRLINE_ID"`
	FirstAirlineName string `yaml:"firstAirlineName" envconfig:"SURETY_FIRST_AIRLINE_NAME"`
	ShutdownTimeout  string `yaml:"shutdownTimeout"  split_words:"true"`
	ApiPort          uint   `yaml:"apiPort"          envconfig:"SURETY_API_PORT"`
	MetricsPort      uint   `yaml:"metricsPort"      split_words:"true"`
	Tracing          bool   `yaml:"tracing"`
	TracingStdout    bool   `yaml:"tracingStdout"    split_words:"true"`
	AuditDisabled    bool   `yaml:"auditDisabled"    split_words:"true"`
}

var globalConfig = &Config{
	DataDir:          ".surety",
	BindAddr:         "0.0.0.0",
	Owner:            "owner",
	FirstAirlineID:   "first-airline",
	FirstAirlineName: "First Airline",
	ApiPort:          3000,
	MetricsPort:      12798,
	ShutdownTimeout:  DefaultShutdownTimeout,
}

func LoadConfig(configFile string) (*Config, error) {
	// Load config file as YAML if provided
	if configFile == "" {
		// Check for config file in this path: ~/.surety/surety.yaml
		if homeDir, err := os.UserHomeDir(); err == nil {
			userPath := filepath.Join(homeDir, ".surety", "surety.yaml")
			if _, err := os.Stat(userPath); err == nil {
				configFile = userPath
			}
		}

		// Try to check for /etc/surety/surety.yaml if still not found
		if configFile == "" {
			systemPath := "/etc/surety/surety.yaml"
			if _, err := os.Stat(systemPath); err == nil {
				configFile = systemPath
			}
		}
	}

	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		err = yaml.Unmarshal(buf, globalConfig)
		if err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}
	// Process environment variables
	err := envconfig.Process("surety", globalConfig)
	if err != nil {
		return nil, fmt.Errorf("error processing environment: %+w", err)
	}

	if globalConfig.Owner == "" {
		return nil, errors.New("owner must not be empty")
	}
	if globalConfig.FirstAirlineID == "" {
		return nil, errors.New("firstAirlineId must not be empty")
	}

	return globalConfig, nil
}

func GetConfig() *Config {
	return globalConfig
}
