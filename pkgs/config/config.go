// Package config loads zwctl's single configuration file, the same
// viper-backed layered defaults-then-override style the teacher used for
// its command-station config, generalized from two files (`.rb.yaml` +
// a contextual `loco.json`) down to one `.zwctl.yaml` since the runtime
// has no per-locomotive working directory to scope a second file to
// (SPEC_FULL.md §8).
package config

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/viper"
)

type Serial struct {
	Port string
	Baud int
}

type Network struct {
	// Key is the 16-byte S0 network key, hex-encoded in the config file.
	// Defaults to all-zero, matching an unconfigured controller that has
	// not yet completed a secure inclusion.
	Key string
}

type DevInfo struct {
	Path string
}

// UnitConfig is a statically paired node the controller binds on
// startup, standing in for the node list a real controller would
// otherwise recover from its own persisted network topology.
type UnitConfig struct {
	NodeID         uint8
	Listener       string // "always_on", "frequent_listener" or "sleeping"
	ManufacturerID string // hex, for the device-info catalog lookup
	ProductType    string
	ProductID      string
}

type Configuration struct {
	Serial  Serial
	Network Network
	DevInfo DevInfo
	Units   []UnitConfig
}

// NewConfig reads `.zwctl.yaml` from the current directory or $HOME,
// applying defaults for every field left unset.
func NewConfig() (*Configuration, error) {
	config := Configuration{}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigName(".zwctl")
	v.AddConfigPath("$HOME/")
	v.AddConfigPath(".")
	_ = v.SafeWriteConfig()

	v.SetDefault("serial.port", "/dev/ttyUSB0")
	v.SetDefault("serial.baud", 115200)
	v.SetDefault("network.key", "00000000000000000000000000000000")
	v.SetDefault("devinfo.path", "./devinfo")

	if err := v.ReadInConfig(); err != nil {
		return &Configuration{}, fmt.Errorf("cannot parse config: %s", err.Error())
	}
	if err := v.Unmarshal(&config); err != nil {
		return &config, fmt.Errorf("cannot parse config: %s", err.Error())
	}

	return &config, nil
}

// NetworkKeyBytes decodes the hex-encoded network key. An empty or
// all-zero key means "no key configured" and is returned as a nil slice
// so the controller skips standing up a security engine.
func (c *Configuration) NetworkKeyBytes() ([]byte, error) {
	raw, err := hex.DecodeString(c.Network.Key)
	if err != nil {
		return nil, fmt.Errorf("network.key: invalid hex: %w", err)
	}
	if len(raw) == 0 || allZero(raw) {
		return nil, nil
	}
	if len(raw) != 16 {
		return nil, fmt.Errorf("network.key: want 16 bytes, got %d", len(raw))
	}
	return raw, nil
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
