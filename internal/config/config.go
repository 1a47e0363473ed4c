// Package config loads the core's first-boot configuration surface:
// mesh_id, mesh_id_seed, beacon port, optional relay URL, and the
// enabled-transports set. An atmosphere.yaml file is read first if
// present, then ATMO_* environment variables (collected the same way
// the teacher's walletserver/config loads a .env file via godotenv)
// override individual fields.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	alog "github.com/llama-farm/atmosphere-core/internal/log"
)

var log = alog.New("component", "config")

// DefaultBeaconPort is the UDP port the LAN transport broadcasts
// discovery beacons on.
const DefaultBeaconPort = 11452

// Transport names recognised in the enabled-transports list.
const (
	TransportLAN       = "lan"
	TransportBLE       = "ble"
	TransportWifiAware = "wifiaware"
	TransportRelay     = "relay"
)

// Config is the core's first-boot configuration surface. No other
// runtime knobs are exposed.
type Config struct {
	MeshID            string   `yaml:"mesh_id"`
	MeshIDSeed        string   `yaml:"mesh_id_seed"`
	AppID             string   `yaml:"app_id"`
	BeaconPort        int      `yaml:"beacon_port"`
	RelayURL          string   `yaml:"relay_url"`
	EnabledTransports []string `yaml:"enabled_transports"`
	DataDir           string   `yaml:"data_dir"`
}

// Default returns a Config with every field at its documented default.
func Default() Config {
	return Config{
		BeaconPort:        DefaultBeaconPort,
		EnabledTransports: []string{TransportLAN},
		DataDir:           ".atmosphere",
	}
}

// Load reads path (if it exists; a missing file is not an error) and
// then applies ATMO_* environment overrides, loading envPath via
// godotenv first if it is non-empty and exists.
func Load(path, envPath string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if uerr := yaml.Unmarshal(data, &cfg); uerr != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, uerr)
		}
		log.Debug("loaded config file", "path", path)
	case os.IsNotExist(err):
		log.Debug("no config file, using defaults", "path", path)
	default:
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	if envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			if err := godotenv.Load(envPath); err != nil {
				return Config{}, fmt.Errorf("config: load %s: %w", envPath, err)
			}
		}
	}
	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ATMO_MESH_ID"); v != "" {
		cfg.MeshID = v
	}
	if v := os.Getenv("ATMO_MESH_ID_SEED"); v != "" {
		cfg.MeshIDSeed = v
	}
	if v := os.Getenv("ATMO_APP_ID"); v != "" {
		cfg.AppID = v
	}
	if v := os.Getenv("ATMO_BEACON_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BeaconPort = n
		} else {
			log.Warn("ignoring malformed ATMO_BEACON_PORT", "value", v)
		}
	}
	if v := os.Getenv("ATMO_RELAY_URL"); v != "" {
		cfg.RelayURL = v
	}
	if v := os.Getenv("ATMO_ENABLED_TRANSPORTS"); v != "" {
		cfg.EnabledTransports = splitAndTrim(v)
	}
	if v := os.Getenv("ATMO_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
}

func splitAndTrim(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ErrMissingMeshID is returned by Validate when no mesh_id is configured.
var ErrMissingMeshID = fmt.Errorf("config: mesh_id is required")

// ErrMissingMeshSecret is returned by Validate when no mesh_id_seed is
// configured.
var ErrMissingMeshSecret = fmt.Errorf("config: mesh_id_seed is required")

// Validate checks that the required fields are present and every named
// transport is recognised.
func (c Config) Validate() error {
	if c.MeshID == "" {
		return ErrMissingMeshID
	}
	if c.MeshIDSeed == "" {
		return ErrMissingMeshSecret
	}
	for _, t := range c.EnabledTransports {
		switch t {
		case TransportLAN, TransportBLE, TransportWifiAware, TransportRelay:
		default:
			return fmt.Errorf("config: unknown transport %q", t)
		}
	}
	return nil
}

// TransportEnabled reports whether name appears in EnabledTransports.
func (c Config) TransportEnabled(name string) bool {
	for _, t := range c.EnabledTransports {
		if t == name {
			return true
		}
	}
	return false
}
