package gateway

import (
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// Directory backend names accepted by Config.Directory.
const (
	DirectoryMemory = "memory"
	DirectoryRedis  = "redis"
)

// Duration is a time.Duration that decodes from strings like "15s" or "2m"
// in both YAML documents and environment variables.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// Decode implements the envdecode decoder contract.
func (d *Duration) Decode(repl string) error {
	v, err := time.ParseDuration(repl)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler so round-tripped configs stay
// readable.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config is the gateway daemon's configuration. Values resolve in layers:
// code defaults, then the YAML config file, then environment variables.
type Config struct {
	// Listen is the TCP address the gateway accepts connections on.
	Listen string `yaml:"listen" env:"DESKMUX_LISTEN"`

	// AdvertiseAddr is the address published in directory records so peers
	// and operators can find this node. Defaults to Listen.
	AdvertiseAddr string `yaml:"advertise_addr" env:"DESKMUX_ADVERTISE_ADDR"`

	// HandshakeTimeout bounds the select-instruction read on each new
	// connection.
	HandshakeTimeout Duration `yaml:"handshake_timeout" env:"DESKMUX_HANDSHAKE_TIMEOUT"`

	// PerSessionProcess isolates each session in its own child process,
	// attaching users by descriptor hand-off.
	PerSessionProcess bool `yaml:"per_session_process" env:"DESKMUX_PER_SESSION_PROCESS"`

	// AcceptRate caps accepted connections per second; 0 means unlimited.
	AcceptRate float64 `yaml:"accept_rate" env:"DESKMUX_ACCEPT_RATE"`

	// AcceptBurst is the burst size of the accept limiter.
	AcceptBurst int `yaml:"accept_burst" env:"DESKMUX_ACCEPT_BURST"`

	// Directory selects the session directory backend: "memory" or "redis".
	Directory string `yaml:"directory" env:"DESKMUX_DIRECTORY"`

	// DirectoryLease is how long a session's directory record lives without
	// a heartbeat.
	DirectoryLease Duration `yaml:"directory_lease" env:"DESKMUX_DIRECTORY_LEASE"`

	// ShutdownGrace is how long shutdown waits for stopped workers to drain
	// before giving up on them.
	ShutdownGrace Duration `yaml:"shutdown_grace" env:"DESKMUX_SHUTDOWN_GRACE"`

	// PidFile, when set, receives the daemon's process id at startup.
	PidFile string `yaml:"pid_file" env:"DESKMUX_PID_FILE"`
}

// DefaultConfig returns the configuration the daemon runs with when nothing
// overrides it.
func DefaultConfig() Config {
	return Config{
		Listen:           "127.0.0.1:4822",
		HandshakeTimeout: Duration(DefaultHandshakeTimeout),
		AcceptBurst:      32,
		Directory:        DirectoryMemory,
		DirectoryLease:   Duration(time.Minute),
		ShutdownGrace:    Duration(10 * time.Second),
	}
}

// LoadConfig resolves the daemon configuration: defaults, then the YAML file
// at path (skipped when path is empty), then environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	// envdecode reports an error when no variables are set at all; the
	// layers below already provided every value, so that is not a failure.
	_ = envdecode.Decode(&cfg)

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if c.AdvertiseAddr == "" {
		c.AdvertiseAddr = c.Listen
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("handshake_timeout must be positive, got %s", c.HandshakeTimeout)
	}
	if c.AcceptRate < 0 {
		return fmt.Errorf("accept_rate must not be negative, got %g", c.AcceptRate)
	}
	if c.AcceptRate > 0 && c.AcceptBurst < 1 {
		return fmt.Errorf("accept_burst must be at least 1 when accept_rate is set, got %d", c.AcceptBurst)
	}
	switch c.Directory {
	case DirectoryMemory, DirectoryRedis:
	default:
		return fmt.Errorf("directory must be %q or %q, got %q", DirectoryMemory, DirectoryRedis, c.Directory)
	}
	if c.DirectoryLease <= 0 {
		return fmt.Errorf("directory_lease must be positive, got %s", c.DirectoryLease)
	}
	return nil
}
