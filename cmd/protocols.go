package cmd

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	iplugin "firestige.xyz/applayer/internal/plugin"
)

var protocolsCmd = &cobra.Command{
	Use:   "protocols",
	Short: "List the registered protocol parsers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		reg, err := newRegistry(cfg)
		if err != nil {
			return err
		}
		return runProtocols(reg, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(protocolsCmd)
}

func runProtocols(reg *iplugin.Registry, out io.Writer) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTRANSPORT\tPORTS\tDETECT\tPARSE\tALIASES")
	for _, e := range reg.Entries() {
		ports := make([]string, len(e.Ports))
		for i, p := range e.Ports {
			ports[i] = strconv.Itoa(int(p))
		}
		aliases := "-"
		if len(e.Info.Aliases) > 0 {
			aliases = strings.Join(e.Info.Aliases, ",")
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%t\t%t\t%s\n",
			e.ID, e.Name(), e.Info.Transport, strings.Join(ports, ","), e.Detect, e.Parse, aliases)
	}
	return w.Flush()
}
