package konnect

import (
	"errors"
	"fmt"
	"time"

	"github.com/LeJamon/gokonnect/internal/protocol"
)

// Default configuration values.
const (
	DefaultServicePort   = 1764
	DefaultDiscoveryPort = protocol.DiscoveryPort
	DefaultTransferPorts = 5

	DefaultPairTimeout   = 30 * time.Second
	DefaultReplayStagger = 100 * time.Millisecond
	DefaultDedupWindow   = 500 * time.Millisecond
	DefaultTransferIdle  = 1 * time.Second

	DefaultEventBufferSize = 256
	DefaultSendBufferSize  = 64
)

// Config holds the configuration for the Konnect server.
type Config struct {
	// Name is the human-readable device name advertised to peers.
	Name string

	// DataDir holds the discovery cache; empty disables persistence.
	DataDir string

	// ServicePort is the TLS service port, within [1716, 1764].
	ServicePort int

	// DiscoveryPort is the UDP identity beacon port.
	DiscoveryPort int

	// Receiver binds the discovery socket to the fixed discovery port so
	// peer broadcasts reach us; otherwise an ephemeral port is used and we
	// only hear directed replies.
	Receiver bool

	// TransferPorts is the size of the payload port pool, reserved
	// downward from ServicePort-1.
	TransferPorts int

	// Timeouts and pacing
	PairTimeout   time.Duration
	ReplayStagger time.Duration
	DedupWindow   time.Duration
	TransferIdle  time.Duration

	// Buffer sizes
	EventBufferSize int
	SendBufferSize  int

	// Clock function for testing
	Clock func() time.Time
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Name:          "gokonnect",
		ServicePort:   DefaultServicePort,
		DiscoveryPort: DefaultDiscoveryPort,
		TransferPorts: DefaultTransferPorts,

		PairTimeout:   DefaultPairTimeout,
		ReplayStagger: DefaultReplayStagger,
		DedupWindow:   DefaultDedupWindow,
		TransferIdle:  DefaultTransferIdle,

		EventBufferSize: DefaultEventBufferSize,
		SendBufferSize:  DefaultSendBufferSize,

		Clock: time.Now,
	}
}

// Option is a functional option for configuring the server.
type Option func(*Config)

// WithName sets the advertised device name.
func WithName(name string) Option {
	return func(c *Config) {
		c.Name = name
	}
}

// WithDataDir sets the data directory for the discovery cache.
func WithDataDir(path string) Option {
	return func(c *Config) {
		c.DataDir = path
	}
}

// WithServicePort sets the TLS service port.
func WithServicePort(port int) Option {
	return func(c *Config) {
		c.ServicePort = port
	}
}

// WithDiscoveryPort sets the UDP discovery port.
func WithDiscoveryPort(port int) Option {
	return func(c *Config) {
		c.DiscoveryPort = port
	}
}

// WithReceiver enables listening for peer broadcasts on the discovery port.
func WithReceiver(enabled bool) Option {
	return func(c *Config) {
		c.Receiver = enabled
	}
}

// WithTransferPorts sets the payload port pool size.
func WithTransferPorts(n int) Option {
	return func(c *Config) {
		c.TransferPorts = n
	}
}

// WithPairTimeout sets the outgoing pair request timeout.
func WithPairTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.PairTimeout = d
	}
}

// WithReplayStagger sets the delay between replayed notifications.
func WithReplayStagger(d time.Duration) Option {
	return func(c *Config) {
		c.ReplayStagger = d
	}
}

// WithDedupWindow sets the per-device discovery dedup window.
func WithDedupWindow(d time.Duration) Option {
	return func(c *Config) {
		c.DedupWindow = d
	}
}

// WithClock sets the clock function (for testing).
func WithClock(clock func() time.Time) Option {
	return func(c *Config) {
		c.Clock = clock
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Name == "" {
		return errors.New("Name cannot be empty")
	}
	if c.ServicePort < protocol.MinServicePort || c.ServicePort > protocol.MaxServicePort {
		return fmt.Errorf("ServicePort must be within [%d, %d]",
			protocol.MinServicePort, protocol.MaxServicePort)
	}
	if c.DiscoveryPort <= 0 {
		return errors.New("DiscoveryPort must be positive")
	}
	if c.TransferPorts < 0 {
		return errors.New("TransferPorts cannot be negative")
	}
	if c.PairTimeout <= 0 {
		return errors.New("PairTimeout must be positive")
	}
	if c.Clock == nil {
		return errors.New("Clock function cannot be nil")
	}
	return nil
}
