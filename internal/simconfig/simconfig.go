// Package simconfig loads the settings a simulator receives from hive.
package simconfig

import (
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/inconshreveable/log15.v2"
)

// Config is the simulator configuration.
type Config struct {
	// Simulator is the URL of the hive simulation API.
	Simulator string `mapstructure:"HIVE_SIMULATOR" validate:"required,url"`
	// TestPattern selects the suites and tests to run.
	TestPattern string `mapstructure:"HIVE_TEST_PATTERN"`
	// LogLevel is the log15 level, 0 (crit) to 5 (trace).
	LogLevel int `mapstructure:"HIVE_LOGLEVEL" validate:"gte=0,lte=5"`
}

const defaultLogLevel = 3

var keys = []string{"HIVE_SIMULATOR", "HIVE_TEST_PATTERN", "HIVE_LOGLEVEL"}

// Load reads the configuration from the environment. Variables in the given .env files
// are loaded first, without overriding the environment. Missing .env files are ignored.
func Load(envFiles ...string) (*Config, error) {
	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", file, err)
		}
	}

	vip := viper.New()
	for _, key := range keys {
		if err := vip.BindEnv(key); err != nil {
			return nil, err
		}
	}
	vip.SetDefault("HIVE_LOGLEVEL", defaultLogLevel)

	var cfg Config
	if err := vip.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// SetupLogging sends log records up to the given level to w in terminal format.
func SetupLogging(w io.Writer, level int) {
	log15.Root().SetHandler(log15.LvlFilterHandler(log15.Lvl(level), log15.StreamHandler(w, log15.TerminalFormat())))
}
