// Package cmd is the applayer command line: replay, capture, probe,
// protocols and validate.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/applayer/internal/config"
	"firestige.xyz/applayer/internal/log"
	iplugin "firestige.xyz/applayer/internal/plugin"
	"firestige.xyz/applayer/plugins"
)

var (
	// Global flags
	configFile string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "applayer",
	Short: "applayer - application-layer protocol parsing runtime",
	Long: `applayer detects the application protocol of network flows, parses
their messages into transactions and reports the transactions to the
console or to Kafka.

Protocols: DHCP, IKE/ISAKMP, Kerberos 5 (UDP and TCP), MQTT, NTP.

Traffic comes from a pcap/pcapng file (replay) or from a live interface
(capture, Linux AF_PACKET).`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the command line and closes the log file on the way out.
func Execute() error {
	defer log.Close()
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (defaults apply when empty)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"override log.level")
}

// loadConfig loads the configuration and applies the global flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
		if err := cfg.ValidateAndApplyDefaults(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// setup loads the configuration, initialises logging and registers the
// built-in parsers.
func setup() (*config.Config, *iplugin.Registry, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if err := log.Init(cfg.Log.LoggerConfig()); err != nil {
		return nil, nil, fmt.Errorf("failed to init logger: %w", err)
	}
	reg, err := newRegistry(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, reg, nil
}

func newRegistry(cfg *config.Config) (*iplugin.Registry, error) {
	reg := iplugin.NewRegistry()
	if err := plugins.RegisterAll(reg, cfg); err != nil {
		return nil, fmt.Errorf("failed to register parsers: %w", err)
	}
	return reg, nil
}
