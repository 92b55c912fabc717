package cmd

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/applayer/internal/capture"
	"firestige.xyz/applayer/internal/config"
	iplugin "firestige.xyz/applayer/internal/plugin"
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Parse the flows of a pcap or pcapng file",
	Long: `Replay a capture file through the protocol parsers and report every
transaction. The command returns at the end of the file.

Examples:
  applayer replay -r mqtt.pcap
  applayer replay -r krb5.pcapng --format json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, reg, err := setup()
		if err != nil {
			return err
		}
		applyReplayFlags(cmd, cfg)
		return runReplay(cmd.Context(), cfg, reg, replayFile, cmd.OutOrStdout())
	},
}

var (
	replayFile   string
	replayFormat string
	replayFilter bool
)

func init() {
	replayCmd.Flags().StringVarP(&replayFile, "read", "r", "", "pcap or pcapng file to replay (required)")
	replayCmd.Flags().StringVar(&replayFormat, "format", "", "console format, text or json")
	replayCmd.Flags().BoolVar(&replayFilter, "port-filter", false, "only replay packets on the parsers' ports")
	replayCmd.MarkFlagRequired("read")
	rootCmd.AddCommand(replayCmd)
}

func applyReplayFlags(cmd *cobra.Command, cfg *config.Config) {
	if replayFormat != "" {
		cfg.Sinks.Console.Format = replayFormat
	}
	if cmd.Flags().Changed("port-filter") {
		cfg.Capture.PortFilter = replayFilter
	}
}

func runReplay(ctx context.Context, cfg *config.Config, reg *iplugin.Registry, path string, out io.Writer) error {
	filter, err := portFilter(cfg, reg)
	if err != nil {
		return err
	}
	return serve(ctx, cfg, reg, capture.NewFileSource(path, filter), out)
}
