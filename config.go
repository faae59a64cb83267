// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvm

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Connection and client defaults.
const (
	DefaultPort              = 5900
	DefaultConnectTimeout    = 10 * time.Second
	DefaultSendQueueSize     = 256
	DefaultKeepAliveInterval = 3 * time.Second
)

// ConnParams identifies one device channel and the credentials for it.
type ConnParams struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Channel  uint8  `yaml:"channel"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// ConnectTimeout bounds dial plus handshake. Zero means DefaultConnectTimeout.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// Validate checks the parameters before any network activity.
func (p ConnParams) Validate() error {
	iv := newInputValidator()
	if err := iv.ValidateEndpoint(p.Host, p.Port); err != nil {
		return err
	}
	if err := iv.ValidateUsername(p.Username); err != nil {
		return err
	}
	if p.ConnectTimeout < 0 {
		return validationError("ConnParams.Validate", "connect timeout cannot be negative", nil)
	}
	return nil
}

func (p ConnParams) withDefaults() ConnParams {
	if p.Port == 0 {
		p.Port = DefaultPort
	}
	if p.ConnectTimeout == 0 {
		p.ConnectTimeout = DefaultConnectTimeout
	}
	return p
}

// String renders the endpoint without credentials.
func (p ConnParams) String() string {
	return fmt.Sprintf("%s:%d/%d", p.Host, p.Port, p.Channel)
}

// ClientConfig configures a Client. Build it with ClientOptions.
type ClientConfig struct {
	// Logger receives connection logs. Defaults to NoOpLogger.
	Logger Logger

	// Metrics receives counters and histograms. Defaults to NoOpMetrics.
	Metrics MetricsCollector

	// Tracer wraps Connect in a span. Defaults to NoOpTracer.
	Tracer Tracer

	// AuthRegistry supplies authenticators. Defaults to NewAuthRegistry().
	AuthRegistry *AuthRegistry

	// PreferredAuth orders security schemes. Nil means DefaultAuthPreference.
	PreferredAuth []uint8

	SendQueueSize         int
	KeepAliveInterval     time.Duration
	ReadBufferSize        int
	WriteTimeout          time.Duration
	MaxConsecutiveDesyncs int
	VideoRateLimit        time.Duration
	GOPLimit              int

	// DeviceInfoDetection enables skipping the vendor block that some
	// devices send after the version string.
	DeviceInfoDetection bool

	// Now is the clock used for event timestamps and video rate limiting.
	Now func() time.Time
}

func defaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Logger:                &NoOpLogger{},
		Metrics:               &NoOpMetrics{},
		Tracer:                NoOpTracer{},
		SendQueueSize:         DefaultSendQueueSize,
		KeepAliveInterval:     DefaultKeepAliveInterval,
		ReadBufferSize:        DefaultReadBufferSize,
		WriteTimeout:          DefaultWriteTimeout,
		MaxConsecutiveDesyncs: DefaultMaxConsecutiveDesyncs,
		VideoRateLimit:        DefaultVideoRateLimit,
		GOPLimit:              DefaultGOPLimit,
		DeviceInfoDetection:   true,
		Now:                   time.Now,
	}
}

func (c *ClientConfig) validate() error {
	switch {
	case c.SendQueueSize <= 0:
		return configurationError("ClientConfig", "send queue size must be positive", nil)
	case c.KeepAliveInterval <= 0:
		return configurationError("ClientConfig", "keep-alive interval must be positive", nil)
	case c.ReadBufferSize <= 0:
		return configurationError("ClientConfig", "read buffer size must be positive", nil)
	case c.WriteTimeout < 0:
		return configurationError("ClientConfig", "write timeout cannot be negative", nil)
	case c.MaxConsecutiveDesyncs <= 0:
		return configurationError("ClientConfig", "desync limit must be positive", nil)
	case c.VideoRateLimit < 0:
		return configurationError("ClientConfig", "video rate limit cannot be negative", nil)
	case c.GOPLimit < MinGOPSize:
		return configurationError("ClientConfig",
			fmt.Sprintf("GOP limit must be at least %d bytes", MinGOPSize), nil)
	}
	for _, t := range c.PreferredAuth {
		if !knownSecurityType(t) {
			return configurationError("ClientConfig", fmt.Sprintf("unknown security type %d in preference", t), nil)
		}
	}
	return nil
}

// ClientOption represents a functional option for configuring a Client.
type ClientOption func(*ClientConfig)

// WithLogger sets the logger for the client.
// Use NoOpLogger to disable logging or provide a custom implementation.
func WithLogger(logger Logger) ClientOption {
	return func(c *ClientConfig) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(metrics MetricsCollector) ClientOption {
	return func(c *ClientConfig) {
		if metrics != nil {
			c.Metrics = metrics
		}
	}
}

// WithTracer sets the tracer used around Connect.
func WithTracer(tracer Tracer) ClientOption {
	return func(c *ClientConfig) {
		if tracer != nil {
			c.Tracer = tracer
		}
	}
}

// WithAuthRegistry sets a custom authentication registry.
// This allows registration of custom authenticators beyond the defaults.
func WithAuthRegistry(registry *AuthRegistry) ClientOption {
	return func(c *ClientConfig) {
		c.AuthRegistry = registry
	}
}

// WithPreferredAuth sets the order in which offered security schemes are tried.
func WithPreferredAuth(types ...uint8) ClientOption {
	return func(c *ClientConfig) {
		c.PreferredAuth = append([]uint8(nil), types...)
	}
}

// WithSendQueueSize bounds the outbound command queue. Commands sent while
// the queue is full are dropped.
func WithSendQueueSize(n int) ClientOption {
	return func(c *ClientConfig) {
		c.SendQueueSize = n
	}
}

// WithKeepAliveInterval sets how often a keep-alive is sent in the Normal state.
func WithKeepAliveInterval(d time.Duration) ClientOption {
	return func(c *ClientConfig) {
		c.KeepAliveInterval = d
	}
}

// WithReadBufferSize sets the socket read chunk size.
func WithReadBufferSize(n int) ClientOption {
	return func(c *ClientConfig) {
		c.ReadBufferSize = n
	}
}

// WithWriteTimeout sets the timeout for individual writes to the device.
func WithWriteTimeout(d time.Duration) ClientOption {
	return func(c *ClientConfig) {
		c.WriteTimeout = d
	}
}

// WithMaxConsecutiveDesyncs sets how many back-to-back framing recoveries
// are tolerated before the session fails.
func WithMaxConsecutiveDesyncs(n int) ClientOption {
	return func(c *ClientConfig) {
		c.MaxConsecutiveDesyncs = n
	}
}

// WithVideoRateLimit sets the minimum spacing between emitted video units.
// Zero disables the limit.
func WithVideoRateLimit(d time.Duration) ClientOption {
	return func(c *ClientConfig) {
		c.VideoRateLimit = d
	}
}

// WithGOPLimit caps the buffered group of pictures in bytes.
func WithGOPLimit(n int) ClientOption {
	return func(c *ClientConfig) {
		c.GOPLimit = n
	}
}

// WithDeviceInfoDetection toggles detection of the device-info block after
// the version string.
func WithDeviceInfoDetection(enabled bool) ClientOption {
	return func(c *ClientConfig) {
		c.DeviceInfoDetection = enabled
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) ClientOption {
	return func(c *ClientConfig) {
		if now != nil {
			c.Now = now
		}
	}
}

// FileConfig is the on-disk YAML layout:
//
//	connection:
//	  host: 192.168.1.50
//	  port: 5900
//	  channel: 1
//	  username: admin
//	  password: secret12
//	  connect_timeout: 10s
//	client:
//	  send_queue_size: 256
//	  keepalive_interval: 3s
//	  video_rate_limit: 100ms
//	  gop_limit: 102400
//	  max_consecutive_desyncs: 32
type FileConfig struct {
	Connection ConnParams     `yaml:"connection"`
	Client     ClientSettings `yaml:"client"`
}

// ClientSettings mirrors the tunable parts of ClientConfig. Unset fields
// keep their defaults.
type ClientSettings struct {
	SendQueueSize         int            `yaml:"send_queue_size"`
	KeepAliveInterval     time.Duration  `yaml:"keepalive_interval"`
	ReadBufferSize        int            `yaml:"read_buffer_size"`
	WriteTimeout          time.Duration  `yaml:"write_timeout"`
	MaxConsecutiveDesyncs int            `yaml:"max_consecutive_desyncs"`
	VideoRateLimit        *time.Duration `yaml:"video_rate_limit,omitempty"`
	GOPLimit              int            `yaml:"gop_limit"`
	DeviceInfoDetection   *bool          `yaml:"device_info_detection,omitempty"`
	PreferredAuth         []uint8        `yaml:"preferred_auth,omitempty"`
}

// LoadConfig reads and parses a YAML configuration file.
func LoadConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path is supplied by the operator
	if err != nil {
		return nil, configurationError("LoadConfig", "failed to read config file", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML configuration and validates the connection block.
func ParseConfig(data []byte) (*FileConfig, error) {
	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, configurationError("ParseConfig", "failed to parse config", err)
	}

	fc.Connection = fc.Connection.withDefaults()
	if err := fc.Connection.Validate(); err != nil {
		return nil, configurationError("ParseConfig", "invalid connection block", err)
	}

	cfg := defaultClientConfig()
	for _, opt := range fc.Options() {
		opt(cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &fc, nil
}

// Options converts the client block into ClientOptions.
func (fc *FileConfig) Options() []ClientOption {
	s := fc.Client
	var opts []ClientOption
	if s.SendQueueSize != 0 {
		opts = append(opts, WithSendQueueSize(s.SendQueueSize))
	}
	if s.KeepAliveInterval != 0 {
		opts = append(opts, WithKeepAliveInterval(s.KeepAliveInterval))
	}
	if s.ReadBufferSize != 0 {
		opts = append(opts, WithReadBufferSize(s.ReadBufferSize))
	}
	if s.WriteTimeout != 0 {
		opts = append(opts, WithWriteTimeout(s.WriteTimeout))
	}
	if s.MaxConsecutiveDesyncs != 0 {
		opts = append(opts, WithMaxConsecutiveDesyncs(s.MaxConsecutiveDesyncs))
	}
	if s.VideoRateLimit != nil {
		opts = append(opts, WithVideoRateLimit(*s.VideoRateLimit))
	}
	if s.GOPLimit != 0 {
		opts = append(opts, WithGOPLimit(s.GOPLimit))
	}
	if s.DeviceInfoDetection != nil {
		opts = append(opts, WithDeviceInfoDetection(*s.DeviceInfoDetection))
	}
	if len(s.PreferredAuth) > 0 {
		opts = append(opts, WithPreferredAuth(s.PreferredAuth...))
	}
	return opts
}
