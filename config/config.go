// Package config contains the relay's top level configuration definitions.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/tidemark-net/tidemark/policy"
	"github.com/tidemark-net/tidemark/relay"
)

const (
	defaultConfigFileName = "./tidemark.toml"
	defaultDataDirName    = ".tidemark"
	databaseFileName      = "events.db"
)

// Config is the top level configuration.
type Config struct {
	BaseConfig `mapstructure:"main"`
	Relay      relay.Config  `mapstructure:"relay"`
	Policy     policy.Config `mapstructure:"policy"`
	Logging    LoggerConfig  `mapstructure:"logging"`
}

// BaseConfig holds process-wide options.
type BaseConfig struct {
	DataDir    string `mapstructure:"data-folder"`
	ConfigFile string `mapstructure:"config"`

	// DBConnections sizes the sqlite connection pool.
	DBConnections int `mapstructure:"db-connections"`
}

// DatabasePath returns the event store's location under the data directory.
func (cfg *BaseConfig) DatabasePath() string {
	return filepath.Join(cfg.DataDir, databaseFileName)
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		BaseConfig: defaultBaseConfig(),
		Relay:      relay.DefaultConfig(),
		Policy:     policy.DefaultConfig(),
		Logging:    defaultLoggingConfig(),
	}
}

func defaultBaseConfig() BaseConfig {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return BaseConfig{
		DataDir:       filepath.Join(home, defaultDataDirName),
		ConfigFile:    defaultConfigFileName,
		DBConnections: 16,
	}
}

// LoadConfig reads the config file into vip. An explicitly named file must
// exist; the default location is allowed to be absent.
func LoadConfig(fileLocation string, vip *viper.Viper) error {
	explicit := fileLocation != ""
	if !explicit {
		fileLocation = defaultConfigFileName
	}
	vip.SetConfigFile(fileLocation)
	if err := vip.ReadInConfig(); err != nil {
		if !explicit && os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file %v: %w", fileLocation, err)
	}
	return nil
}
