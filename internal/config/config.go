// Package config holds the CLI configuration types.
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/1ureka/udpcast/internal/protocol"
)

// Mode represents the role this process plays in a session.
type Mode string

const (
	ModeSend Mode = "send" // distribute a stream to the group
	ModeRecv Mode = "recv" // join a sender and consume its stream
	ModeLoop Mode = "loop" // a sender and a receiver in one process, over loopback
)

const (
	// EnvPrefix prefixes every environment variable read by Load.
	EnvPrefix = "UDPCAST"

	// MinSegmentSize leaves room for the index carried by pattern segments.
	MinSegmentSize = 16
)

// Config stores every parameter of a run. Keys match the CLI flag names.
type Config struct {
	Mode Mode `mapstructure:"mode"`

	// Addressing.
	Bind      string `mapstructure:"bind"`      // local address; empty picks one for the mode
	Group     string `mapstructure:"group"`     // multicast group, host:port
	Sender    string `mapstructure:"sender"`    // sender address, recv mode only
	Interface string `mapstructure:"interface"` // multicast interface name
	TTL       int    `mapstructure:"ttl"`
	Loopback  bool   `mapstructure:"loopback"` // receive our own group traffic

	// Transport tuning.
	MaxSegmentSize int           `mapstructure:"max-segment-size"`
	RateLimit      int64         `mapstructure:"rate-limit"` // bytes/s, 0 for unlimited
	SlownessFactor float64       `mapstructure:"slowness-factor"`
	SendBuffer     int           `mapstructure:"send-buffer"`
	RecvBuffer     int           `mapstructure:"recv-buffer"`
	TickInterval   time.Duration `mapstructure:"tick-interval"`
	JoinRetries    int           `mapstructure:"join-retries"`

	// Harness.
	Segments      int           `mapstructure:"segments"` // pattern segments to send, 0 for endless
	StatsInterval time.Duration `mapstructure:"stats-interval"`
	Monitor       string        `mapstructure:"monitor"` // HTTP monitor address, empty disables
	LogLevel      string        `mapstructure:"log-level"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Mode:           ModeSend,
		Group:          "239.255.42.1:6000",
		TTL:            1,
		MaxSegmentSize: 1400,
		SlownessFactor: 0,
		SendBuffer:     4 << 20,
		RecvBuffer:     4 << 20,
		TickInterval:   10 * time.Millisecond,
		JoinRetries:    3,
		StatsInterval:  5 * time.Second,
		LogLevel:       "info",
	}
}

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeSend, ModeRecv, ModeLoop:
	default:
		return fmt.Errorf("invalid mode %q (must be send, recv or loop)", c.Mode)
	}

	if c.Mode != ModeLoop {
		host, _, err := net.SplitHostPort(c.Group)
		if err != nil {
			return fmt.Errorf("invalid group %q: %w", c.Group, err)
		}
		if ip := net.ParseIP(host); ip == nil || !ip.IsMulticast() {
			return fmt.Errorf("group %q is not a multicast address", c.Group)
		}
	}
	if c.Mode == ModeRecv && c.Sender == "" {
		return errors.New("recv mode needs the sender address")
	}

	if c.MaxSegmentSize < MinSegmentSize || c.MaxSegmentSize > protocol.MaxPayloadSize {
		return fmt.Errorf("max-segment-size must be %d~%d", MinSegmentSize, protocol.MaxPayloadSize)
	}
	if c.RateLimit < 0 {
		return errors.New("rate-limit must not be negative")
	}
	if c.SlownessFactor < 0 {
		return errors.New("slowness-factor must not be negative")
	}
	if c.TickInterval <= 0 {
		return errors.New("tick-interval must be positive")
	}
	if c.JoinRetries < 1 {
		return errors.New("join-retries must be at least 1")
	}
	if c.Segments < 0 {
		return errors.New("segments must not be negative")
	}
	return nil
}

// Load builds a Config from Default, the optional config file at path,
// UDPCAST_* environment variables and whatever v already holds (typically
// bound cobra flags), in increasing order of precedence.
func Load(path string, v *viper.Viper) (Config, error) {
	cfg := Default()

	// Register every key so that environment variables are seen by Unmarshal.
	defaults := make(map[string]interface{})
	if err := mapstructure.Decode(cfg, &defaults); err != nil {
		return Config{}, fmt.Errorf("failed to list config keys: %w", err)
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
