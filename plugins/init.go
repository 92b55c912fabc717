// Package plugins registers all built-in parsers.
package plugins

import (
	"fmt"

	"firestige.xyz/applayer/internal/config"
	iplugin "firestige.xyz/applayer/internal/plugin"
	"firestige.xyz/applayer/pkg/plugin"
	"firestige.xyz/applayer/plugins/parser/dhcp"
	"firestige.xyz/applayer/plugins/parser/ike"
	"firestige.xyz/applayer/plugins/parser/krb5"
	"firestige.xyz/applayer/plugins/parser/mqtt"
	"firestige.xyz/applayer/plugins/parser/ntp"
)

// Builtin returns a fresh instance of every built-in parser in
// registration order.
func Builtin() []plugin.Parser {
	return []plugin.Parser{
		ntp.NewParser(),
		dhcp.NewParser(),
		ike.NewParser(),
		krb5.NewUDPParser(),
		krb5.NewTCPParser(),
		mqtt.NewParser(),
	}
}

// RegisterAll initialises the built-in parsers with their options from cfg,
// registers them with reg and applies the configured switches and ports.
func RegisterAll(reg *iplugin.Registry, cfg *config.Config) error {
	for _, p := range Builtin() {
		name := p.Info().Name
		pc := cfg.Parser(name)
		if err := p.Init(pc.Options); err != nil {
			return fmt.Errorf("failed to init parser '%s': %w", name, err)
		}
		if _, err := reg.Register(p); err != nil {
			return err
		}
		if err := reg.Configure(name, pc.IsDetectionEnabled(), pc.IsEnabled(), pc.Ports); err != nil {
			return err
		}
	}
	return nil
}
