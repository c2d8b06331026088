package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"

	"github.com/medipass/sync-api/pkg/docstore/postgres"
)

type Config struct {
	Server   ServerConfig    `mapstructure:"server"`
	Database postgres.Config `mapstructure:"database"`
	Redis    RedisConfig     `mapstructure:"redis"`
	Auth     AuthConfig      `mapstructure:"auth"`
	State    StateConfig     `mapstructure:"state"`
	Log      LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeoutSeconds"`
}

type RedisConfig struct {
	URL          string `mapstructure:"url"`
	MaxRetries   int    `mapstructure:"max_retries"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
}

type AuthConfig struct {
	JWTSecret   string  `mapstructure:"jwt_secret"`
	SignInRate  float64 `mapstructure:"signin_rate"`
	SignInBurst int     `mapstructure:"signin_burst"`
}

type StateConfig struct {
	Dir string `mapstructure:"dir"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// envOverrides are applied on top of the file config so deployments can
// inject secrets without editing config.yaml.
type envOverrides struct {
	Port       int    `envconfig:"PORT"`
	DBHost     string `envconfig:"DB_HOST"`
	DBPassword string `envconfig:"DB_PASSWORD"`
	RedisURL   string `envconfig:"REDIS_URL"`
	JWTSecret  string `envconfig:"JWT_SECRET"`
	StateDir   string `envconfig:"STATE_DIR"`
}

func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	var env envOverrides
	if err := envconfig.Process("medipass", &env); err != nil {
		return nil, fmt.Errorf("failed to read env overrides: %w", err)
	}
	if env.Port != 0 {
		config.Server.Port = env.Port
	}
	if env.DBHost != "" {
		config.Database.Host = env.DBHost
	}
	if env.DBPassword != "" {
		config.Database.Password = env.DBPassword
	}
	if env.RedisURL != "" {
		config.Redis.URL = env.RedisURL
	}
	if env.JWTSecret != "" {
		config.Auth.JWTSecret = env.JWTSecret
	}
	if env.StateDir != "" {
		config.State.Dir = env.StateDir
	}

	return &config, nil
}
