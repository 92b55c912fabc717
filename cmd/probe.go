package cmd

import (
	"encoding/hex"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"firestige.xyz/applayer/internal/core"
	iplugin "firestige.xyz/applayer/internal/plugin"
	"firestige.xyz/applayer/pkg/plugin"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Probe and parse a hex-encoded payload",
	Long: `Run the probe of a protocol over a payload given in hex and, with
--parse, parse it and print the transactions it creates.

Examples:
  applayer probe --proto mqtt --hex 100c00044d5154540402003c0000
  applayer probe --proto krb5 --transport udp --dir toclient --parse --hex 6b...`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		reg, err := newRegistry(cfg)
		if err != nil {
			return err
		}
		return runProbe(reg, probeOpts, cmd.OutOrStdout())
	},
}

type probeOptions struct {
	proto     string
	transport string
	hex       string
	dir       string
	parse     bool
}

var probeOpts probeOptions

func init() {
	probeCmd.Flags().StringVar(&probeOpts.proto, "proto", "", "protocol name or alias (required)")
	probeCmd.Flags().StringVar(&probeOpts.transport, "transport", "", "tcp or udp; every transport of the protocol when empty")
	probeCmd.Flags().StringVar(&probeOpts.hex, "hex", "", "payload in hex (required)")
	probeCmd.Flags().StringVar(&probeOpts.dir, "dir", "toserver", "direction of the payload, toserver or toclient")
	probeCmd.Flags().BoolVar(&probeOpts.parse, "parse", false, "parse the payload and print its transactions")
	probeCmd.MarkFlagRequired("proto")
	probeCmd.MarkFlagRequired("hex")
	rootCmd.AddCommand(probeCmd)
}

func parseDirection(s string) (core.Direction, error) {
	switch strings.ToLower(s) {
	case "toserver", "ts":
		return core.ToServer, nil
	case "toclient", "tc":
		return core.ToClient, nil
	}
	return 0, fmt.Errorf("invalid direction %q (must be toserver/toclient)", s)
}

func runProbe(reg *iplugin.Registry, opts probeOptions, out io.Writer) error {
	data, err := hex.DecodeString(strings.ReplaceAll(opts.hex, " ", ""))
	if err != nil {
		return fmt.Errorf("invalid hex payload: %w", err)
	}
	dir, err := parseDirection(opts.dir)
	if err != nil {
		return err
	}
	id, ok := reg.ID(opts.proto)
	if !ok {
		return fmt.Errorf("%w: '%s'", core.ErrParserNotFound, opts.proto)
	}
	var transport core.IPProto
	if opts.transport != "" {
		if transport, err = core.ParseIPProto(opts.transport); err != nil {
			return err
		}
	}

	var entries []iplugin.Entry
	for _, e := range reg.Entries() {
		if e.ID == id && (transport == 0 || e.Info.Transport == transport) {
			entries = append(entries, e)
		}
	}
	if len(entries) == 0 {
		return fmt.Errorf("%w: '%s' over %s", core.ErrParserNotFound, opts.proto, opts.transport)
	}

	for _, e := range entries {
		res := e.Parser.Probe(data, dir)
		fmt.Fprintf(out, "%s/%s: %s", e.Name(), e.Info.Transport, res.Verdict)
		if res.RevDir != 0 {
			fmt.Fprintf(out, " (reverse, real direction %s)", res.RevDir)
		}
		fmt.Fprintln(out)
		if opts.parse {
			parseOnce(e.Parser, data, dir, out)
		}
	}
	return nil
}

// parseOnce parses data with a fresh state and prints the result and the
// transactions it created.
func parseOnce(p plugin.Parser, data []byte, dir core.Direction, out io.Writer) {
	st := p.NewState()
	defer st.Free()

	res := parseSafely(st, data, dir)
	fmt.Fprintf(out, "  result: %s\n", res)
	for id := uint64(0); id < st.TxCount(); id++ {
		tx, ok := st.Tx(id)
		if !ok {
			continue
		}
		fmt.Fprintf(out, "  tx %d: %s", id, formatLabels(st.Describe(tx)))
		var events []string
		for _, eid := range tx.Base().Events().IDs() {
			if name, ok := p.EventName(eid); ok {
				events = append(events, name)
			}
		}
		if len(events) > 0 {
			fmt.Fprintf(out, " events=%s", strings.Join(events, ","))
		}
		fmt.Fprintln(out)
	}
}

func parseSafely(st plugin.State, data []byte, dir core.Direction) (res core.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = core.ResultError()
		}
	}()
	return st.Parse(data, dir)
}

func formatLabels(labels core.Labels) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%q", k, labels[k])
	}
	return strings.Join(parts, " ")
}
