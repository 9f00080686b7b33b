// Package config loads runtime settings from a yaml file, the environment
// (M2T_ prefix) and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"

	"magnet2torrent/dht"
	"magnet2torrent/tracker"
)

const (
	BackendBuiltin  = "builtin"
	BackendMainline = "mainline"
)

type Config struct {
	OutputDirectory string        `yaml:"OutputDirectory"`
	WatchDirectory  string        `yaml:"WatchDirectory"`
	Overwrite       bool          `yaml:"Overwrite"`
	CreatedBy       string        `yaml:"CreatedBy"`
	Timeout         time.Duration `yaml:"Timeout"`
	Debug           bool          `yaml:"Debug"`

	EnableDHT       bool          `yaml:"EnableDHT"`
	DHTBackend      string        `yaml:"DHTBackend"`
	DHTPort         int           `yaml:"DHTPort"`
	DHTBootstrap    []string      `yaml:"DHTBootstrap"`
	DHTQueryTimeout time.Duration `yaml:"DHTQueryTimeout"`
	DHTQueryRate    float64       `yaml:"DHTQueryRate"`
	DHTAlpha        int           `yaml:"DHTAlpha"`
	DHTMaxHops      int           `yaml:"DHTMaxHops"`
	DHTStatePath    string        `yaml:"DHTStatePath"`

	EnableTrackers bool          `yaml:"EnableTrackers"`
	TrackerList    string        `yaml:"TrackerList"`
	TrackerListTTL time.Duration `yaml:"TrackerListTTL"`
	TrackerTimeout time.Duration `yaml:"TrackerTimeout"`

	MaxPeerSessions int           `yaml:"MaxPeerSessions"`
	PeerDialTimeout time.Duration `yaml:"PeerDialTimeout"`
	PeerIdleTimeout time.Duration `yaml:"PeerIdleTimeout"`
	MaxMetadataSize string        `yaml:"MaxMetadataSize"`
	BanlistSize     int           `yaml:"BanlistSize"`

	file string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("OutputDirectory", ".")
	v.SetDefault("WatchDirectory", "")
	v.SetDefault("Overwrite", false)
	v.SetDefault("CreatedBy", "magnet2torrent/0.1")
	v.SetDefault("Timeout", "90s")
	v.SetDefault("Debug", false)

	v.SetDefault("EnableDHT", true)
	v.SetDefault("DHTBackend", BackendBuiltin)
	v.SetDefault("DHTPort", 0)
	v.SetDefault("DHTBootstrap", append([]string(nil), dht.DefaultBootstrap...))
	v.SetDefault("DHTQueryTimeout", "3s")
	v.SetDefault("DHTQueryRate", 200)
	v.SetDefault("DHTAlpha", 3)
	v.SetDefault("DHTMaxHops", 8)
	v.SetDefault("DHTStatePath", "")

	v.SetDefault("EnableTrackers", true)
	v.SetDefault("TrackerList", tracker.DefaultListURL)
	v.SetDefault("TrackerListTTL", tracker.DefaultListTTL.String())
	v.SetDefault("TrackerTimeout", "10s")

	v.SetDefault("MaxPeerSessions", 40)
	v.SetDefault("PeerDialTimeout", "5s")
	v.SetDefault("PeerIdleTimeout", "30s")
	v.SetDefault("MaxMetadataSize", "8MB")
	v.SetDefault("BanlistSize", 1024)
}

// Load reads the config file at path, or the first magnet2torrent.yaml found
// in the search paths, then applies M2T_* environment overrides. A missing
// file is not an error; path is remembered for WriteYaml.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("magnet2torrent")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/magnet2torrent/")
	v.AddConfigPath("$HOME/.magnet2torrent")
	v.AddConfigPath(".")
	v.SetEnvPrefix("M2T")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	// user specific config path
	if stat, err := os.Stat(path); path != "" && err == nil && !stat.IsDir() {
		v.SetConfigFile(path)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if path == "" {
			path = "./magnet2torrent.yaml"
		}
	} else {
		path = v.ConfigFileUsed()
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	c.file = path
	return c, nil
}

// File is where the config was read from, or will be written to.
func (c *Config) File() string {
	return c.file
}

// MetadataLimit parses MaxMetadataSize.
func (c *Config) MetadataLimit() (int, error) {
	var v datasize.ByteSize
	if err := v.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(c.MaxMetadataSize)))); err != nil {
		return 0, fmt.Errorf("MaxMetadataSize %q: %w", c.MaxMetadataSize, err)
	}
	if v == 0 || v > 1<<30 {
		return 0, fmt.Errorf("MaxMetadataSize %q out of range", c.MaxMetadataSize)
	}
	return int(v.Bytes()), nil
}

func (c *Config) Validate() error {
	if !c.EnableTrackers && !c.EnableDHT {
		return fmt.Errorf("enable tracker or dht peer discovery")
	}
	switch c.DHTBackend {
	case BackendBuiltin, BackendMainline:
	default:
		return fmt.Errorf("unknown DHTBackend %q", c.DHTBackend)
	}
	for name, d := range map[string]time.Duration{
		"Timeout":         c.Timeout,
		"DHTQueryTimeout": c.DHTQueryTimeout,
		"TrackerTimeout":  c.TrackerTimeout,
		"PeerDialTimeout": c.PeerDialTimeout,
		"PeerIdleTimeout": c.PeerIdleTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.MaxPeerSessions <= 0 || c.DHTAlpha <= 0 || c.DHTMaxHops <= 0 || c.BanlistSize <= 0 {
		return fmt.Errorf("MaxPeerSessions, DHTAlpha, DHTMaxHops and BanlistSize must be positive")
	}
	if c.DHTPort < 0 || c.DHTPort > 65535 {
		return fmt.Errorf("invalid DHTPort (%d)", c.DHTPort)
	}
	_, err := c.MetadataLimit()
	return err
}

// WriteYaml writes the effective config to path, or to File() when path is
// empty.
func (c *Config) WriteYaml(path string) error {
	if path == "" {
		path = c.file
	}
	d, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, d, 0666)
}
