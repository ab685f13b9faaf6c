// Package config implements the layered configuration loader for the demo
// binaries (spec §6): file, then environment, then explicit overrides,
// each layer merging over the previous one.
//
// Grounded on client/internal/config's flat JSON Config struct and
// server/main.go's flag-based settings, replaced with
// github.com/knadh/koanf/v2 layering (file provider, then env provider),
// the pack's only layered-config example.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// Settings holds every tunable the transport core and its demo binaries
// read at startup. Field names match the spec's constant names so a
// config file or environment variable maps onto them directly.
type Settings struct {
	ListenAddr         string        `koanf:"listen_addr"`
	DiscoveryPort      int           `koanf:"discovery_port"`
	DisconnectTimeout  time.Duration `koanf:"disconnect_timeout"`
	FlushTimeout       time.Duration `koanf:"flush_timeout"`
	InitialMaxFragment int           `koanf:"initial_max_fragment_size"`
	SendHistoryLimit   int           `koanf:"send_history_limit"`
	MTUMonitorInterval time.Duration `koanf:"mtu_monitor_interval"`
	DiagnosticsAddr    string        `koanf:"diagnostics_addr"`
	StorePath          string        `koanf:"store_path"`
}

// Defaults returns the built-in baseline, matching the constants defined
// across the flowcontrol/session/transportclient packages.
func Defaults() Settings {
	return Settings{
		ListenAddr:         "0.0.0.0:1235",
		DiscoveryPort:      1235,
		DisconnectTimeout:  10 * time.Second,
		FlushTimeout:       150 * time.Millisecond,
		InitialMaxFragment: 1400,
		SendHistoryLimit:   10,
		MTUMonitorInterval: 10 * time.Second,
		DiagnosticsAddr:    "",
		StorePath:          "",
	}
}

// Load builds Settings by merging, in order: built-in defaults, an
// optional file at path (skipped if path is ""; a path to a missing file
// is an error), then environment variables prefixed with envPrefix (e.g.
// STREAMSDK_LISTEN_ADDR maps to listen_addr).
func Load(path, envPrefix string) (Settings, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return Settings{}, fmt.Errorf("config: load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), json.Parser()); err != nil {
			return Settings{}, fmt.Errorf("config: load file %q: %w", path, err)
		}
	}

	if envPrefix != "" {
		transform := func(s string) string {
			s = strings.TrimPrefix(s, envPrefix)
			return strings.ToLower(s)
		}
		if err := k.Load(env.Provider(envPrefix, ".", transform), nil); err != nil {
			return Settings{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var out Settings
	uc := koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			Result:           &out,
			WeaklyTypedInput: true,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
			),
		},
	}
	if err := k.UnmarshalWithConf("", &out, uc); err != nil {
		return Settings{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return out, nil
}
