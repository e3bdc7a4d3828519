// Package config loads server configuration from the environment.
package config

import (
	"github.com/caarlos0/env/v11"
)

type Config struct {
	Port         string `env:"PORT" envDefault:"8080"`
	LogMode      string `env:"LOG_MODE" envDefault:"dev"`
	DatabaseURL  string `env:"DATABASE_URL"`
	LocalDBPath  string `env:"LOCAL_DB_PATH" envDefault:"clinic.db"`
	GeminiAPIKey string `env:"GEMINI_API_KEY"`
	Migrations   string `env:"MIGRATIONS_PATH" envDefault:"file://migrations"`
}

func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
