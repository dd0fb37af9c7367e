package nicdev

import (
	"fmt"
	"net"
	"os"

	"gopkg.in/yaml.v3"
)

// InterruptMode selects how the device signals completions.
type InterruptMode string

const (
	// InterruptModeLine uses a level/edge interrupt line, the default for
	// legacy PCI functions.
	InterruptModeLine InterruptMode = "line"
	// InterruptModeMessage models message-signaled interrupts. Backends that
	// do not support it fall back to line mode.
	InterruptModeMessage InterruptMode = "message"
)

// MediaMode is the duplex/speed hint handed to the backend during
// initialization. Backends are free to ignore it.
type MediaMode string

const (
	MediaAuto        MediaMode = "auto"
	MediaHalf10      MediaMode = "10half"
	MediaFull10      MediaMode = "10full"
	MediaHalf100     MediaMode = "100half"
	MediaFull100     MediaMode = "100full"
)

const (
	minRingDepth = 2
	maxRingDepth = 4096
)

// Config is the validated parameter set for one device instance. It is
// copied on construction; the core never observes later mutation.
type Config struct {
	// TxRingDepth and RxRingDepth are descriptor counts per ring. Both must
	// be powers of two in [2, 4096]. One slot per ring is kept empty to
	// disambiguate full from empty, so usable capacity is depth-1.
	TxRingDepth uint32 `yaml:"txRingDepth"`
	RxRingDepth uint32 `yaml:"rxRingDepth"`

	// BufferSize is the byte capacity of each descriptor's packet buffer.
	BufferSize uint32 `yaml:"bufferSize"`

	// InterruptMode selects line or message signaling.
	InterruptMode InterruptMode `yaml:"interruptMode,omitempty"`

	// MACOverride, when non-empty, replaces the backend's burned-in address.
	MACOverride string `yaml:"macOverride,omitempty"`

	// Media is the duplex/speed hint.
	Media MediaMode `yaml:"media,omitempty"`
}

// DefaultConfig returns the configuration used when no file or overrides are
// supplied: 256-deep rings with 2KiB buffers, line interrupts, autonegotiate.
func DefaultConfig() Config {
	return Config{
		TxRingDepth:   256,
		RxRingDepth:   256,
		BufferSize:    2048,
		InterruptMode: InterruptModeLine,
		Media:         MediaAuto,
	}
}

func isPowerOfTwo(v uint32) bool {
	return v != 0 && v&(v-1) == 0
}

// Validate checks the configuration, returning an error wrapping
// ErrInvalidConfig describing the first violation found.
func (c Config) Validate() error {
	for _, d := range []struct {
		name  string
		depth uint32
	}{{"txRingDepth", c.TxRingDepth}, {"rxRingDepth", c.RxRingDepth}} {
		if !isPowerOfTwo(d.depth) || d.depth < minRingDepth || d.depth > maxRingDepth {
			return fmt.Errorf("%w: %s %d must be a power of two in [%d, %d]",
				ErrInvalidConfig, d.name, d.depth, minRingDepth, maxRingDepth)
		}
	}
	if c.BufferSize == 0 {
		return fmt.Errorf("%w: bufferSize must be non-zero", ErrInvalidConfig)
	}
	if c.MACOverride != "" {
		hw, err := net.ParseMAC(c.MACOverride)
		if err != nil {
			return fmt.Errorf("%w: macOverride %q: %v", ErrInvalidConfig, c.MACOverride, err)
		}
		if len(hw) != 6 {
			return fmt.Errorf("%w: macOverride %q is not a 48-bit address", ErrInvalidConfig, c.MACOverride)
		}
	}
	switch c.InterruptMode {
	case "", InterruptModeLine, InterruptModeMessage:
	default:
		return fmt.Errorf("%w: unknown interrupt mode %q", ErrInvalidConfig, c.InterruptMode)
	}
	switch c.Media {
	case "", MediaAuto, MediaHalf10, MediaFull10, MediaHalf100, MediaFull100:
	default:
		return fmt.Errorf("%w: unknown media mode %q", ErrInvalidConfig, c.Media)
	}
	return nil
}

// MAC returns the override address, or nil when none is configured. Validate
// must have accepted the configuration first.
func (c Config) MAC() net.HardwareAddr {
	if c.MACOverride == "" {
		return nil
	}
	hw, err := net.ParseMAC(c.MACOverride)
	if err != nil {
		return nil
	}
	return hw
}

// LoadConfig reads a YAML configuration file, fills unset fields from
// DefaultConfig, and validates the result.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("nicdev: read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("nicdev: parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
