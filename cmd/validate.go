package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/applayer/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Validate a configuration file without processing traffic.

The file is loaded with defaults and environment overrides applied, and
every parser is initialised with its options. With --dump the effective
configuration is printed as YAML.

Examples:
  applayer validate -c config.yml
  applayer validate -c config.yml --dump`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := runValidate(configFile, validateDump, cmd.OutOrStdout()); err != nil {
			return fmt.Errorf("INVALID: %w", err)
		}
		return nil
	},
}

var validateDump bool

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "print the effective configuration")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(path string, dump bool, out io.Writer) error {
	if path == "" {
		return fmt.Errorf("no config file: use -c")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	reg, err := newRegistry(cfg)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "VALID: %s, %d parser(s), %d worker(s)\n", path, len(reg.Entries()), cfg.Engine.Workers)
	if dump {
		data, err := config.Dump(cfg)
		if err != nil {
			return err
		}
		out.Write(data)
	}
	return nil
}
