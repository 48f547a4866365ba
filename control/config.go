// control/config.go
// Author: momentics <momentics@gmail.com>
//
// Endpoint configuration: defaults, YAML loading and validation.

package control

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/momentics/hioload-ipc/api"
)

// Config holds the settings of one endpoint. Zero durations in a loaded
// file fall back to the defaults.
type Config struct {
	Method    string `yaml:"method"`
	ProcessID uint32 `yaml:"process_id"`

	MaxMapSize int `yaml:"max_map_size"`

	PollFloor   time.Duration `yaml:"poll_floor"`
	PollCeiling time.Duration `yaml:"poll_ceiling"`

	LockTimeout       time.Duration `yaml:"lock_timeout"`
	GoodbyeTimeout    time.Duration `yaml:"goodbye_timeout"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	CloseTimeout      time.Duration `yaml:"close_timeout"`
	StreamPollTimeout time.Duration `yaml:"stream_poll_timeout"`

	ReadBufferSize int `yaml:"read_buffer_size"`

	LockOSThread bool `yaml:"lock_os_thread"`
	CPUAffinity  int  `yaml:"cpu_affinity"`

	EnableMetrics bool `yaml:"enable_metrics"`
	EnableDebug   bool `yaml:"enable_debug"`
}

// DefaultConfig returns defaults suited to a local two-process channel.
func DefaultConfig() *Config {
	return &Config{
		Method:            api.MethodShared.String(),
		ProcessID:         uint32(os.Getpid()),
		MaxMapSize:        8 << 20,              // two 4 MiB zones
		PollFloor:         2 * time.Millisecond, // first idle sleep
		PollCeiling:       1024 * time.Millisecond,
		LockTimeout:       50 * time.Millisecond,
		GoodbyeTimeout:    10 * time.Millisecond,
		HandshakeTimeout:  0, // never report a missing peer
		CloseTimeout:      2 * time.Second,
		StreamPollTimeout: 100 * time.Millisecond,
		ReadBufferSize:    64 << 10,
		LockOSThread:      false,
		CPUAffinity:       -1,
		EnableMetrics:     true,
		EnableDebug:       true,
	}
}

// LoadConfig reads a YAML file over the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML over the defaults and validates the result.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MethodValue parses the configured transport method.
func (c *Config) MethodValue() (api.Method, error) {
	return api.ParseMethod(c.Method)
}

// ZoneFrameLimit is the largest frame one shared zone can carry. The
// stream transport applies the same limit so both methods accept the
// same messages.
func (c *Config) ZoneFrameLimit() int {
	return (c.MaxMapSize/2)&^7 - 8
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if _, err := c.MethodValue(); err != nil {
		return err
	}
	switch {
	case c.ProcessID == 0 || c.ProcessID > math.MaxInt32:
		// the id doubles as the routing stamp peers filter on
		return fmt.Errorf("%w: process_id %d", api.ErrInvalidArgument, c.ProcessID)
	case c.MaxMapSize < 1024:
		return fmt.Errorf("%w: max_map_size %d below 1024", api.ErrInvalidArgument, c.MaxMapSize)
	case c.PollFloor <= 0:
		return fmt.Errorf("%w: poll_floor must be positive", api.ErrInvalidArgument)
	case c.PollCeiling < c.PollFloor:
		return fmt.Errorf("%w: poll_ceiling %v below poll_floor %v", api.ErrInvalidArgument, c.PollCeiling, c.PollFloor)
	case c.LockTimeout < 0, c.GoodbyeTimeout < 0, c.HandshakeTimeout < 0, c.CloseTimeout < 0, c.StreamPollTimeout < 0:
		return fmt.Errorf("%w: timeouts must not be negative", api.ErrInvalidArgument)
	case c.ReadBufferSize <= 0:
		return fmt.Errorf("%w: read_buffer_size must be positive", api.ErrInvalidArgument)
	case c.CPUAffinity < -1:
		return fmt.Errorf("%w: cpu_affinity %d", api.ErrInvalidArgument, c.CPUAffinity)
	}
	return nil
}
