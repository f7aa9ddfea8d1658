// Package config loads the node agent configuration. Values come from an
// optional yaml config file and environment variables, with sane defaults
// for everything so the agent can start on a bare node.
package config

import (
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	viper "github.com/spf13/viper"
)

// NodeConfig is the node agent configuration.
type NodeConfig struct {
	NodeID     string `mapstructure:"node_id"`
	WorkingDir string `mapstructure:"working_dir"`
	APIAddr    string `mapstructure:"api_addr"`

	Launcher   LauncherConfig   `mapstructure:"launcher"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// LauncherConfig bounds the launcher reconciliation engine.
type LauncherConfig struct {
	// NumLaunchWorkers is the parallelism of per-instance start/stop.
	NumLaunchWorkers int `mapstructure:"num_launch_workers"`
	// MaxNumInstances, MaxNumServices and MaxNumLayers size the launch
	// queue so enqueue never fails under correct configuration.
	MaxNumInstances int `mapstructure:"max_num_instances"`
	MaxNumServices  int `mapstructure:"max_num_services"`
	MaxNumLayers    int `mapstructure:"max_num_layers"`
}

// MonitoringConfig drives the resource monitor cadence.
type MonitoringConfig struct {
	PollPeriod    time.Duration `mapstructure:"poll_period"`
	SendPeriod    time.Duration `mapstructure:"send_period"`
	AverageWindow time.Duration `mapstructure:"average_window"`
}

func loadEnv() error {
	err := viper.BindEnv("working_dir", "EDGENODE_PATH")
	if err != nil {
		return err
	}
	viper.SetDefault("working_dir", "$HOME/.edgenode")

	err = viper.BindEnv("node_id", "EDGENODE_NODE_ID")
	if err != nil {
		return err
	}
	viper.SetDefault("node_id", "edge-node")
	viper.SetDefault("api_addr", "localhost:4600")

	viper.SetDefault("launcher.num_launch_workers", 5)
	viper.SetDefault("launcher.max_num_instances", 64)
	viper.SetDefault("launcher.max_num_services", 32)
	viper.SetDefault("launcher.max_num_layers", 32)

	viper.SetDefault("monitoring.poll_period", 10*time.Second)
	viper.SetDefault("monitoring.send_period", time.Minute)
	viper.SetDefault("monitoring.average_window", time.Minute)

	return nil
}

func loadConfig() (*NodeConfig, error) {
	viper.AddConfigPath("$HOME/.edgenode")
	viper.AddConfigPath(viper.GetString("working_dir"))

	viper.SetConfigType("yml")
	viper.SetConfigName("edgenode")

	if err := viper.ReadInConfig(); err != nil {
		// Missing config file is fine, defaults and env cover everything.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config NodeConfig
	err := viper.Unmarshal(&config)
	if err != nil {
		return nil, err
	}

	log.Debug().Msgf("Loaded node config: %+v", config)

	return &config, nil
}

// NewNodeConfig loads env bindings and the optional config file.
func NewNodeConfig() (*NodeConfig, error) {
	if err := loadEnv(); err != nil {
		return nil, err
	}

	return loadConfig()
}

// StoragePath is the sqlite database holding persisted launcher state.
func (n *NodeConfig) StoragePath() string {
	return filepath.Join(n.WorkingDir, "launcher.db")
}

// RuntimeDir holds per-instance runtime state handed to the runner.
func (n *NodeConfig) RuntimeDir() string {
	return filepath.Join(n.WorkingDir, "runtime")
}
