package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Log    LogConfig
	Server ServerConfig
	Agent  AgentConfig
}

type ServerConfig struct {
	URL string `mapstructure:"url"`
	// CAFile verifies the server before the agent holds a trust bundle.
	CAFile string `mapstructure:"ca_file"`
}

type AgentConfig struct {
	StateDir          string        `mapstructure:"state_dir"`
	Name              string        `mapstructure:"name"`
	Platform          string        `mapstructure:"platform"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	DiskPath          string        `mapstructure:"disk_path"`
	// RenewBefore renews the client certificate once its remaining
	// lifetime drops below this.
	RenewBefore time.Duration `mapstructure:"renew_before"`
}

var config Config

func InitConfig() {
	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/silo-fleet-agent")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("agent.state_dir", "./state")
	viper.SetDefault("agent.heartbeat_interval", 30*time.Second)
	viper.SetDefault("agent.disk_path", "/")
	viper.SetDefault("agent.renew_before", 30*24*time.Hour)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(err)
		}
	}

	if err := viper.Unmarshal(&config); err != nil {
		panic(err)
	}

	initLogger(config.Log.Level)

	if strings.ToUpper(config.Log.Level) == LOG_LEVEL_DEBUG {
		configJSON, err := json.MarshalIndent(config, "", "  ")
		if err == nil {
			fmt.Println("Config loaded:")
			fmt.Println(string(configJSON))
		}
	}
}
