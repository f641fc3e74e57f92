package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	BaseDirName    = ".config/devman"
	ConfigFileName = "config.toml"
)

var Config *viper.Viper

// Flags that map straight onto config keys. When a flag is set it wins;
// otherwise an existing config/env value is pushed back into the flag so
// the flag and the config agree. Command code reads through the Get*
// accessors below.
var flagsToConfigKey = map[string]string{
	"config-path":  "config_path",
	"verbose":      "verbose",
	"port":         "port",
	"idle-timeout": "idle_timeout",
	"daemon-url":   "daemon_url",
}

func GetConfigFilePath() string {
	return filepath.Join(Config.GetString("config_path"), ConfigFileName)
}

func GetDaemonPort() int {
	return Config.GetInt("port")
}

func GetDaemonURL() string {
	return Config.GetString("daemon_url")
}

func GetIdleTimeout() time.Duration {
	return time.Duration(Config.GetInt("idle_timeout")) * time.Second
}

func GetRetention() time.Duration {
	return time.Duration(Config.GetInt("retention")) * time.Second
}

func GetSweepInterval() time.Duration {
	return time.Duration(Config.GetInt("sweep_interval")) * time.Second
}

func GetPortStart() int {
	return Config.GetInt("port_start")
}

func InitializeConfig(cmd *cobra.Command) error {
	Config = viper.New()

	// Set config path from user input
	configPath, err := cmd.Root().PersistentFlags().GetString("config-path")
	if err != nil {
		return fmt.Errorf("unable to determine config path: %w", err)
	}
	Config.AddConfigPath(configPath)
	Config.Set("config_path", configPath)

	Config.SetConfigName("config")
	Config.SetConfigType("toml")

	// Set defaults
	Config.SetDefault("verbose", 0)
	Config.SetDefault("port", 3009)
	Config.SetDefault("idle_timeout", 120)
	Config.SetDefault("retention", 600)
	Config.SetDefault("sweep_interval", 5)
	Config.SetDefault("port_start", 3010)
	Config.SetDefault("daemon_url", "http://127.0.0.1:3009/sse")

	// These env names predate the config layer and carry no prefix
	Config.BindEnv("port", "PORT")
	Config.BindEnv("idle_timeout", "MCP_IDLE_TIMEOUT")
	Config.BindEnv("daemon_url", "MCP_DAEMON_URL")

	// Load config file if one exists
	if err := Config.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("read config: %w", err)
		}
	}

	// In order to get environment variables mapped into config sections, we need to replace . with _
	Config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	Config.AutomaticEnv()

	// Bind the current command's flags to viper
	if cmd != nil {
		cmd.Flags().VisitAll(func(f *pflag.Flag) {
			configKey, ok := flagsToConfigKey[f.Name]
			if !ok {
				return
			}

			// Apply the config value to the flag when the flag is not set and
			// the config has a value
			if !f.Changed && Config.IsSet(configKey) {
				cmd.Flags().Set(f.Name, fmt.Sprintf("%v", Config.Get(configKey)))
			} else {
				Config.Set(configKey, fmt.Sprintf("%v", f.Value))
			}
		})
	}

	return nil
}

// DefaultConfigPath returns ~/.config/devman, falling back to a relative
// path when the home directory cannot be resolved.
func DefaultConfigPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return BaseDirName
	}
	return filepath.Join(homeDir, BaseDirName)
}
