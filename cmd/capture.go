package cmd

import (
	"errors"

	"github.com/spf13/cobra"

	"firestige.xyz/applayer/internal/capture"
	"firestige.xyz/applayer/internal/config"
	iplugin "firestige.xyz/applayer/internal/plugin"
)

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Parse live traffic of an interface (Linux)",
	Long: `Capture packets from a network interface with AF_PACKET and report the
transactions of the flows seen on it. Runs until SIGINT or SIGTERM.

Examples:
  applayer capture -i eth0
  applayer capture -i eth0 -c /etc/applayer/config.yml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, reg, err := setup()
		if err != nil {
			return err
		}
		if captureIface != "" {
			cfg.Capture.Interface = captureIface
		}
		src, err := newLiveSource(cfg, reg)
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg, reg, src, cmd.OutOrStdout())
	},
}

var captureIface string

func init() {
	captureCmd.Flags().StringVarP(&captureIface, "interface", "i", "", "interface to capture on (overrides capture.interface)")
	rootCmd.AddCommand(captureCmd)
}

func afpacketConfig(cfg config.CaptureConfig) capture.AFPacketConfig {
	return capture.AFPacketConfig{
		Interface:   cfg.Interface,
		SnapLen:     cfg.SnapLen,
		RingMB:      cfg.BlockSizeMB * cfg.NumBlocks,
		FanoutGroup: cfg.FanoutGroup,
	}
}

func newLiveSource(cfg *config.Config, reg *iplugin.Registry) (*capture.AFPacketSource, error) {
	if cfg.Capture.Interface == "" {
		return nil, errors.New("no interface: use -i or capture.interface")
	}
	filter, err := portFilter(cfg, reg)
	if err != nil {
		return nil, err
	}
	return capture.NewAFPacketSource(afpacketConfig(cfg.Capture), filter), nil
}
