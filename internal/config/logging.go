package config

import "github.com/hashicorp/go-hclog"

// NewLogger returns the root logger for the process, configured from the
// Config loaded at startup.
func (c *Config) NewLogger(name string) hclog.Logger {
	colorOption := hclog.ColorOff
	if c.LogColor {
		colorOption = hclog.AutoColor
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      hclog.LevelFromString(c.LogLevel),
		Color:      colorOption,
		JSONFormat: c.LogJSON,
	})
}
