// Package config resolves the server's transport/port/resource settings
// from CLI flags, a JSON config file, and environment variables, in that
// priority order, with built-in defaults as the final fallback.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/pflag"
)

const (
	DefaultTransport = "stdio"
	DefaultPort      = 6420
)

// Config is the fully resolved set of server settings.
type Config struct {
	Transport           string
	Port                int
	DeactivateResources bool
}

type fileConfig struct {
	Transport           string `json:"transport"`
	Port                int    `json:"port"`
	DeactivateResources *bool  `json:"deactivateResources"`
}

// Flags holds the raw CLI flag values before precedence resolution.
type Flags struct {
	Transport string
	Port      int
	Help      bool

	transportSet bool
	portSet      bool
}

// ParseFlags registers and parses -t/--transport, -p/--port, -h/--help on
// the given flag set (a fresh *pflag.FlagSet so tests can call this more
// than once).
func ParseFlags(fs *pflag.FlagSet, args []string) (*Flags, error) {
	f := &Flags{}
	fs.StringVarP(&f.Transport, "transport", "t", "", "transport to use: stdio or http")
	fs.IntVarP(&f.Port, "port", "p", 0, "HTTP listen port (only meaningful for http transport)")
	fs.BoolVarP(&f.Help, "help", "h", false, "print usage and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	f.transportSet = fs.Changed("transport")
	f.portSet = fs.Changed("port")
	return f, nil
}

// ResolvedFlags builds a Flags value from already-parsed cobra flag state,
// for callers that register -t/-p directly on a cobra.Command instead of
// going through ParseFlags.
func ResolvedFlags(transport string, port int, transportSet, portSet bool) *Flags {
	return &Flags{Transport: transport, Port: port, transportSet: transportSet, portSet: portSet}
}

// Resolve applies CLI > config file > environment > defaults, in that
// order, and validates the resulting transport value.
func Resolve(flags *Flags, env func(string) string) (*Config, error) {
	if env == nil {
		env = os.Getenv
	}

	fc := loadConfigFile(env)

	cfg := &Config{
		Transport:           DefaultTransport,
		Port:                DefaultPort,
		DeactivateResources: false,
	}

	if env("MCP_PTY_DEACTIVATE_RESOURCES") == "true" {
		cfg.DeactivateResources = true
	}

	if raw := env("PORT"); raw != "" {
		if p, err := strconv.Atoi(raw); err == nil {
			cfg.Port = p
		}
	}

	if fc != nil {
		if fc.Transport != "" {
			cfg.Transport = fc.Transport
		}
		if fc.Port != 0 {
			cfg.Port = fc.Port
		}
		if fc.DeactivateResources != nil {
			cfg.DeactivateResources = *fc.DeactivateResources
		}
	}

	if flags != nil {
		if flags.transportSet {
			cfg.Transport = flags.Transport
		}
		if flags.portSet {
			cfg.Port = flags.Port
		}
	}

	if cfg.Transport != "stdio" && cfg.Transport != "http" {
		return nil, fmt.Errorf("invalid transport %q: must be stdio or http", cfg.Transport)
	}

	return cfg, nil
}

// configPath returns $XDG_CONFIG_HOME/mcp-pty/config.json, falling back to
// $HOME/.config/mcp-pty/config.json.
func configPath(env func(string) string) string {
	if xdg := env("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "mcp-pty", "config.json")
	}
	if home := env("HOME"); home != "" {
		return filepath.Join(home, ".config", "mcp-pty", "config.json")
	}
	return ""
}

func loadConfigFile(env func(string) string) *fileConfig {
	path := configPath(env)
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil
	}
	return &fc
}

// ConfigPath exposes the resolved config file path for the watcher.
func ConfigPath(env func(string) string) string {
	return configPath(env)
}
