package mdb

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// URIVariable names the environment variable holding the connection URI.
const URIVariable = "MONGODB_URI"

// EnvConfig is the connection configuration read from the process environment.
type EnvConfig struct {
	URI                    string        `env:"MONGODB_URI"`
	Database               string        `env:"MONGODB_DATABASE"`
	AppName                string        `env:"MONGODB_APP_NAME"`
	ConnectTimeout         time.Duration `env:"MONGODB_CONNECT_TIMEOUT" envDefault:"10s"`
	PingTimeout            time.Duration `env:"MONGODB_PING_TIMEOUT" envDefault:"2s"`
	DisconnectTimeout      time.Duration `env:"MONGODB_DISCONNECT_TIMEOUT" envDefault:"10s"`
	ServerSelectionTimeout time.Duration `env:"MONGODB_SERVER_SELECTION_TIMEOUT" envDefault:"5s"`
	EvictFailedConnect     bool          `env:"MONGODB_EVICT_FAILED_CONNECT" envDefault:"false"`
}

var dotEnvLoaded sync.Once

// LoadEnv reads EnvConfig from the environment.
// A .env file in the working directory is loaded first, once per process,
// without overriding variables that are already set.
// An unset or empty MONGODB_URI is an error wrapping ErrMissingURI.
func LoadEnv() (*EnvConfig, error) {
	dotEnvLoaded.Do(func() {
		// The .env file is optional.
		_ = godotenv.Load()
	})

	cfg := &EnvConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, errors.Join(ErrParsingConfig, err)
	}

	if cfg.URI == "" {
		return nil, fmt.Errorf("%w: environment variable %s is not set", ErrMissingURI, URIVariable)
	}

	return cfg, nil
}

// Config converts the environment settings into an Access Config.
func (ec *EnvConfig) Config() *Config {
	return &Config{
		Database: ec.Database,
		AppName:  ec.AppName,
		Timeout: Timeout{
			Connect:         ec.ConnectTimeout,
			Disconnect:      ec.DisconnectTimeout,
			Ping:            ec.PingTimeout,
			ServerSelection: ec.ServerSelectionTimeout,
		},
	}
}

// FailurePolicy returns the policy selected by MONGODB_EVICT_FAILED_CONNECT.
func (ec *EnvConfig) FailurePolicy() FailurePolicy {
	if ec.EvictFailedConnect {
		return EvictFailed
	}
	return KeepFailed
}
