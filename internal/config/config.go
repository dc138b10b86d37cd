package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/tactile/internal/binproto"
	"github.com/banshee-data/tactile/internal/frame"
	"github.com/banshee-data/tactile/internal/poller"
	"github.com/banshee-data/tactile/internal/ringbuf"
	"github.com/banshee-data/tactile/internal/textproto"
	"github.com/banshee-data/tactile/internal/transport"
)

// DefaultConfigPath is the path to the canonical driver defaults file.
const DefaultConfigPath = "config/tactile.defaults.json"

// Variants understood by the driver.
const (
	VariantText   = "text"
	VariantBinary = "binary"
)

// DriverConfig is the root configuration of a sensor driver. Every field is
// optional; the Get* methods supply defaults for omitted values.
type DriverConfig struct {
	Variant  *string `json:"variant,omitempty"`  // "text" or "binary"
	Endpoint *string `json:"endpoint,omitempty"` // serial device path or host:port

	// Serial params
	BaudRate *int    `json:"baud_rate,omitempty"`
	DataBits *int    `json:"data_bits,omitempty"`
	StopBits *int    `json:"stop_bits,omitempty"`
	Parity   *string `json:"parity,omitempty"`

	// Timing params, duration strings like "5ms"
	ReadTimeout     *string `json:"read_timeout,omitempty"`
	DialTimeout     *string `json:"dial_timeout,omitempty"`
	ResponseTimeout *string `json:"response_timeout,omitempty"`
	IdleBackoff     *string `json:"idle_backoff,omitempty"`

	// Frame params
	Rows           *int  `json:"rows,omitempty"`
	Cols           *int  `json:"cols,omitempty"`
	QueueCapacity  *int  `json:"queue_capacity,omitempty"`
	BufferCapacity *int  `json:"buffer_capacity,omitempty"`
	Devices        []int `json:"devices,omitempty"`

	// Recorder
	RecordPath *string `json:"record_path,omitempty"`
}

func ptrString(v string) *string { return &v }
func ptrInt(v int) *int          { return &v }

// EmptyDriverConfig returns a DriverConfig with every field unset.
func EmptyDriverConfig() *DriverConfig {
	return &DriverConfig{}
}

// DefaultDriverConfig returns a config with every field set to its default
// for the given variant.
func DefaultDriverConfig(variant string) *DriverConfig {
	c := &DriverConfig{Variant: ptrString(variant)}
	shape := c.GetShape()
	return &DriverConfig{
		Variant:         ptrString(variant),
		Endpoint:        ptrString(c.GetEndpoint()),
		BaudRate:        ptrInt(transport.DefaultBaudRate),
		DataBits:        ptrInt(8),
		StopBits:        ptrInt(1),
		Parity:          ptrString("N"),
		ReadTimeout:     ptrString(c.GetReadTimeout().String()),
		DialTimeout:     ptrString(c.GetDialTimeout().String()),
		ResponseTimeout: ptrString(c.GetResponseTimeout().String()),
		IdleBackoff:     ptrString(c.GetIdleBackoff().String()),
		Rows:            ptrInt(shape.Rows),
		Cols:            ptrInt(shape.Cols),
		QueueCapacity:   ptrInt(c.GetQueueCapacity()),
		BufferCapacity:  ptrInt(c.GetBufferCapacity()),
	}
}

// LoadDriverConfig loads a DriverConfig from a JSON file.
// The file must have a .json extension and be under 1MB. Fields omitted
// from the file fall back to their defaults.
func LoadDriverConfig(path string) (*DriverConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyDriverConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching upwards from the
// working directory. Panics if the file cannot be loaded; intended for tests.
func MustLoadDefaultConfig() *DriverConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath, // from internal/<pkg>/
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadDriverConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configured values are usable.
func (c *DriverConfig) Validate() error {
	if c.Variant != nil {
		switch *c.Variant {
		case VariantText, VariantBinary:
		default:
			return fmt.Errorf("variant must be %q or %q, got %q", VariantText, VariantBinary, *c.Variant)
		}
	}

	if _, err := c.GetPortOptions().Normalize(); err != nil {
		return err
	}

	durations := map[string]*string{
		"read_timeout":     c.ReadTimeout,
		"dial_timeout":     c.DialTimeout,
		"response_timeout": c.ResponseTimeout,
		"idle_backoff":     c.IdleBackoff,
	}
	for name, v := range durations {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, *v)
		}
	}

	positive := map[string]*int{
		"rows":            c.Rows,
		"cols":            c.Cols,
		"queue_capacity":  c.QueueCapacity,
		"buffer_capacity": c.BufferCapacity,
	}
	for name, v := range positive {
		if v != nil && *v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, *v)
		}
	}

	for _, d := range c.Devices {
		if d < 0 {
			return fmt.Errorf("devices must be non-negative indices, got %d", d)
		}
	}
	return nil
}

// GetVariant returns the protocol variant, defaulting to text.
func (c *DriverConfig) GetVariant() string {
	if c.Variant == nil || *c.Variant == "" {
		return VariantText
	}
	return *c.Variant
}

// GetEndpoint returns the configured endpoint or the variant default.
func (c *DriverConfig) GetEndpoint() string {
	if c.Endpoint != nil && *c.Endpoint != "" {
		return *c.Endpoint
	}
	if c.GetVariant() == VariantBinary {
		return transport.DefaultEndpoint
	}
	return "/dev/ttyUSB0"
}

// GetPortOptions returns the serial parameters.
func (c *DriverConfig) GetPortOptions() transport.PortOptions {
	var o transport.PortOptions
	if c.BaudRate != nil {
		o.BaudRate = *c.BaudRate
	}
	if c.DataBits != nil {
		o.DataBits = *c.DataBits
	}
	if c.StopBits != nil {
		o.StopBits = *c.StopBits
	}
	if c.Parity != nil {
		o.Parity = *c.Parity
	}
	return o
}

func duration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetReadTimeout returns the per-read timeout.
func (c *DriverConfig) GetReadTimeout() time.Duration {
	return duration(c.ReadTimeout, transport.DefaultReadTimeout)
}

// GetDialTimeout returns the TCP connect timeout.
func (c *DriverConfig) GetDialTimeout() time.Duration {
	return duration(c.DialTimeout, transport.DefaultDialTimeout)
}

// GetResponseTimeout returns the binary request/response timeout.
func (c *DriverConfig) GetResponseTimeout() time.Duration {
	return duration(c.ResponseTimeout, binproto.DefaultResponseTimeout)
}

// GetIdleBackoff returns the poller idle sleep.
func (c *DriverConfig) GetIdleBackoff() time.Duration {
	return duration(c.IdleBackoff, poller.DefaultIdleBackoff)
}

// GetShape returns the frame shape, defaulting per variant.
func (c *DriverConfig) GetShape() frame.Shape {
	shape := textproto.DefaultShape
	if c.GetVariant() == VariantBinary {
		shape = binproto.DefaultShape
	}
	if c.Rows != nil {
		shape.Rows = *c.Rows
	}
	if c.Cols != nil {
		shape.Cols = *c.Cols
	}
	return shape
}

// GetQueueCapacity returns the result queue capacity.
func (c *DriverConfig) GetQueueCapacity() int {
	if c.QueueCapacity == nil {
		return frame.DefaultQueueCapacity
	}
	return *c.QueueCapacity
}

// GetBufferCapacity returns the text receive buffer capacity.
func (c *DriverConfig) GetBufferCapacity() int {
	if c.BufferCapacity == nil {
		return ringbuf.DefaultCapacity
	}
	return *c.BufferCapacity
}

// GetDevices returns the registry indices to poll; empty means all.
func (c *DriverConfig) GetDevices() []int {
	return append([]int(nil), c.Devices...)
}

// GetRecordPath returns the sqlite path for the frame recorder, or "".
func (c *DriverConfig) GetRecordPath() string {
	if c.RecordPath == nil {
		return ""
	}
	return *c.RecordPath
}
