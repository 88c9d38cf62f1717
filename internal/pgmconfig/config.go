// Package pgmconfig loads socket and engine tuning parameters from a YAML
// file, overridable by command-line flags, following the layered
// config-then-flags pattern samoyed's src/config.go establishes (load a
// typed struct from file, then let flags win).
package pgmconfig

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config holds defaults for a subset of spec.md's option plane (network,
// window, timers, rate, FEC, log), so a deployment can check one file into its repo instead of
// wiring dozens of socket.SetOption calls by hand.
type Config struct {
	Network struct {
		MulticastGroup string `yaml:"multicast_group"`
		Interface      string `yaml:"interface"`
		UDPEncapPort   int    `yaml:"udp_encap_port"`
		TTL            int    `yaml:"ttl"`
	} `yaml:"network"`

	Window struct {
		TXWSize      uint32 `yaml:"txw_size"`
		RXWSize      uint32 `yaml:"rxw_size"`
		MaxTPDU      uint32 `yaml:"max_tpdu"`
		MaxAPDU      uint32 `yaml:"max_apdu"`
		MaxFragments int    `yaml:"max_fragments"`
	} `yaml:"window"`

	Timers struct {
		AmbientSPMInterval time.Duration `yaml:"ambient_spm_interval"`
		NAKBackoffInterval time.Duration `yaml:"nak_backoff_interval"`
		NAKRepeatInterval  time.Duration `yaml:"nak_repeat_interval"`
		NAKDataInterval    time.Duration `yaml:"nak_data_interval"`
		NAKNCFRetries      int           `yaml:"nak_ncf_retries"`
		NAKDataRetries     int           `yaml:"nak_data_retries"`
		PeerExpiryInterval time.Duration `yaml:"peer_expiry_interval"`
	} `yaml:"timers"`

	Rate struct {
		SendBytesPerSec float64 `yaml:"send_bytes_per_sec"`
		SendBurstBytes  float64 `yaml:"send_burst_bytes"`
	} `yaml:"rate"`

	FEC struct {
		Enabled        bool   `yaml:"enabled"`
		GroupSize      uint32 `yaml:"group_size"`
		ProactiveParity bool  `yaml:"proactive_parity"`
	} `yaml:"fec"`

	Log struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"log"`
}

// Default returns a Config populated with spec.md's suggested defaults.
func Default() Config {
	var c Config
	c.Network.UDPEncapPort = 3056
	c.Network.TTL = 1
	c.Window.TXWSize = 4096
	c.Window.RXWSize = 4096
	c.Window.MaxTPDU = 1500
	c.Window.MaxAPDU = 65536
	c.Window.MaxFragments = 64
	c.Timers.AmbientSPMInterval = 30 * time.Second
	c.Timers.NAKBackoffInterval = 50 * time.Millisecond
	c.Timers.NAKRepeatInterval = 200 * time.Millisecond
	c.Timers.NAKDataInterval = 200 * time.Millisecond
	c.Timers.NAKNCFRetries = 2
	c.Timers.NAKDataRetries = 5
	c.Timers.PeerExpiryInterval = 300 * time.Second
	c.Rate.SendBytesPerSec = 1 << 20
	c.Rate.SendBurstBytes = 1 << 16
	c.Log.Level = "info"
	return c
}

// Load reads path (if non-empty) over the defaults, then merges in any
// flags that were explicitly set on fs.
func Load(path string, fs *pflag.FlagSet) (Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("pgmconfig: open %s: %w", path, err)
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("pgmconfig: parse %s: %w", path, err)
		}
	}
	if fs != nil {
		applyFlags(&cfg, fs)
	}
	return cfg, nil
}

// RegisterFlags binds command-line overrides for the most commonly tuned
// fields onto fs. Call before fs.Parse, then pass fs to Load.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("group", "", "multicast group address")
	fs.String("interface", "", "outbound interface name")
	fs.Int("ttl", 0, "multicast TTL")
	fs.String("log-level", "", "log level: debug, info, warn, error")
	fs.Bool("log-json", false, "emit JSON-formatted logs")
}

func applyFlags(cfg *Config, fs *pflag.FlagSet) {
	if fs.Changed("group") {
		cfg.Network.MulticastGroup, _ = fs.GetString("group")
	}
	if fs.Changed("interface") {
		cfg.Network.Interface, _ = fs.GetString("interface")
	}
	if fs.Changed("ttl") {
		cfg.Network.TTL, _ = fs.GetInt("ttl")
	}
	if fs.Changed("log-level") {
		cfg.Log.Level, _ = fs.GetString("log-level")
	}
	if fs.Changed("log-json") {
		cfg.Log.JSON, _ = fs.GetBool("log-json")
	}
}
