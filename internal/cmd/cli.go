// Package cmd holds the kong command tree of the joyconbridge binary.
package cmd

import "github.com/joyconbridge/joyconbridge/internal/config"

// CLI is the root command. Flags may also come from configuration files and
// JOYCONBRIDGE_* environment variables.
type CLI struct {
	ConfigFile string     `name:"config" help:"Path to a JSON, YAML or TOML configuration file" type:"path" env:"JOYCONBRIDGE_CONFIG"`
	Log        config.Log `embed:"" prefix:"log."`

	Run    Run           `cmd:"" default:"withargs" help:"Connect Joy-Con 2 controllers and bridge them to VIIPER"`
	Config ConfigCommand `cmd:"" help:"Configuration helpers"`
}
