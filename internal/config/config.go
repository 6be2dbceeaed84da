package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"
	logging "github.com/ipfs/go-log/v2"
	ma "github.com/multiformats/go-multiaddr"

	"Assembler-Plugins/internal/core/schema"
)

var ErrInvalidConfig = errors.New("invalid config")

const (
	TransportLibp2p = "libp2p"
	TransportMemory = "memory"
)

// Config is the in memory form of a node's TOML configuration file.
type Config struct {
	Network *NetworkConfig `toml:"network"`
	API     *APIConfig     `toml:"api"`
	Adder   *AdderConfig   `toml:"adder"`
	Log     *LogConfig     `toml:"log"`
}

// NetworkConfig selects the transport and configures the libp2p host.
type NetworkConfig struct {
	Transport       string   `toml:"transport"`
	ListenAddrs     []string `toml:"listenAddrs"`
	Bootstrap       []string `toml:"bootstrap"`
	Rendezvous      string   `toml:"rendezvous"`
	EnableMDNS      bool     `toml:"enableMdns"`
	IdentityKeyFile string   `toml:"identityKeyFile"`
}

func newDefaultNetworkConfig() *NetworkConfig {
	return &NetworkConfig{
		Transport:       TransportLibp2p,
		ListenAddrs:     []string{"/ip4/0.0.0.0/tcp/0", "/ip4/0.0.0.0/udp/0/quic-v1"},
		Bootstrap:       []string{},
		Rendezvous:      "assembler-plugins",
		EnableMDNS:      true,
		IdentityKeyFile: "identity.key",
	}
}

type APIConfig struct {
	Address         string        `toml:"address"`
	AllowOrigin     string        `toml:"allowOrigin"`
	ResultCacheSize int           `toml:"resultCacheSize"`
	RequestTimeout  time.Duration `toml:"requestTimeout"`
}

func newDefaultAPIConfig() *APIConfig {
	return &APIConfig{
		Address:         "127.0.0.1:8090",
		AllowOrigin:     "*",
		ResultCacheSize: 1024,
		RequestTimeout:  10 * time.Second,
	}
}

type AdderConfig struct {
	Enabled     bool   `toml:"enabled"`
	TopicPrefix string `toml:"topicPrefix"`
}

func newDefaultAdderConfig() *AdderConfig {
	return &AdderConfig{
		Enabled:     true,
		TopicPrefix: "/example/add",
	}
}

type LogConfig struct {
	Level string `toml:"level"`
}

func newDefaultLogConfig() *LogConfig {
	return &LogConfig{Level: "info"}
}

// NewDefaultConfig returns a config with every field set to its default.
func NewDefaultConfig() *Config {
	return &Config{
		Network: newDefaultNetworkConfig(),
		API:     newDefaultAPIConfig(),
		Adder:   newDefaultAdderConfig(),
		Log:     newDefaultLogConfig(),
	}
}

// WriteFile writes the config to the given filepath.
func (cfg *Config) WriteFile(file string) error {
	f, err := os.OpenFile(file, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if err := toml.NewEncoder(f).Encode(*cfg); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// ReadFile reads a config file from disk. Keys missing from the file keep
// their default values; unknown keys are an error.
func ReadFile(file string) (*Config, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg := NewDefaultConfig()
	md, err := toml.NewDecoder(f).Decode(cfg)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", file, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%w: unknown key %q in %s", ErrInvalidConfig, undecoded[0].String(), file)
	}
	return cfg, cfg.Validate()
}

// Validate reports every problem in the config at once.
func (cfg *Config) Validate() error {
	var errs *multierror.Error
	bad := func(format string, args ...any) {
		errs = multierror.Append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if cfg.Network == nil || cfg.API == nil || cfg.Adder == nil || cfg.Log == nil {
		bad("missing section")
		return errs.ErrorOrNil()
	}

	switch cfg.Network.Transport {
	case TransportLibp2p:
		for _, addr := range cfg.Network.ListenAddrs {
			if _, err := ma.NewMultiaddr(addr); err != nil {
				bad("network.listenAddrs %q: %v", addr, err)
			}
		}
		for _, addr := range cfg.Network.Bootstrap {
			if _, err := ma.NewMultiaddr(addr); err != nil {
				bad("network.bootstrap %q: %v", addr, err)
			}
		}
	case TransportMemory:
	default:
		bad("network.transport %q: want %s or %s", cfg.Network.Transport, TransportLibp2p, TransportMemory)
	}

	if cfg.API.ResultCacheSize <= 0 {
		bad("api.resultCacheSize must be positive")
	}
	if cfg.API.RequestTimeout <= 0 {
		bad("api.requestTimeout must be positive")
	}
	if cfg.Adder.Enabled {
		if _, err := schema.ParseTopic(cfg.Adder.TopicPrefix); err != nil {
			bad("adder.topicPrefix: %v", err)
		}
	}
	if _, err := logging.LevelFromString(cfg.Log.Level); err != nil {
		bad("log.level %q: %v", cfg.Log.Level, err)
	}
	return errs.ErrorOrNil()
}
