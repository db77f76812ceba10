package amqp

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chelsajoyful/amqp-client-go/internal/protocol"
)

// Table is the AMQP field-table type used for declare arguments, consume
// arguments and message headers.
type Table = protocol.Table

// Config carries the parsed connection parameters. URL parsing happens
// outside this package; callers hand over the structured value.
type Config struct {
	Host     string
	Port     int
	VHost    string
	Username string
	Password string

	// TLS wraps the transport when non-nil.
	TLS *tls.Config

	// Requested tuning values; the handshake negotiates min(client,
	// server), with zero meaning "let the server decide" (or, for
	// Heartbeat, "disabled" if both sides agree).
	ChannelMax uint16
	FrameMax   uint32
	Heartbeat  time.Duration

	DialTimeout      time.Duration
	HandshakeTimeout time.Duration

	// DialAttempts bounds the exponential-backoff redial loop inside
	// Connect. 1 disables retrying.
	DialAttempts uint64

	// OutboundBuffer is the outbound controller's queue depth, measured
	// in frame sequences. Crossing it raises backpressure.
	OutboundBuffer int

	// ClientProperties are announced to the broker in start-ok.
	ClientProperties Table

	Logger  *logrus.Logger
	Metrics MetricsCollector
}

// Option mutates a Config under construction.
type Option func(*Config)

// NewConfig builds a Config with the package defaults applied first.
func NewConfig(opts ...Option) Config {
	cfg := Config{
		Host:             "localhost",
		Port:             5672,
		VHost:            "/",
		Username:         "guest",
		Password:         "guest",
		Heartbeat:        10 * time.Second,
		DialTimeout:      30 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		DialAttempts:     3,
		OutboundBuffer:   defaultOutboundBuffer,
		ClientProperties: defaultClientProperties(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func WithAddress(host string, port int) Option {
	return func(cfg *Config) {
		cfg.Host = host
		cfg.Port = port
	}
}

func WithCredentials(username, password string) Option {
	return func(cfg *Config) {
		cfg.Username = username
		cfg.Password = password
	}
}

func WithVHost(vhost string) Option {
	return func(cfg *Config) { cfg.VHost = vhost }
}

func WithTLS(tc *tls.Config) Option {
	return func(cfg *Config) { cfg.TLS = tc }
}

func WithHeartbeat(interval time.Duration) Option {
	return func(cfg *Config) { cfg.Heartbeat = interval }
}

func WithTuning(channelMax uint16, frameMax uint32) Option {
	return func(cfg *Config) {
		cfg.ChannelMax = channelMax
		cfg.FrameMax = frameMax
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(cfg *Config) { cfg.DialTimeout = d }
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(cfg *Config) { cfg.HandshakeTimeout = d }
}

func WithDialAttempts(n uint64) Option {
	return func(cfg *Config) { cfg.DialAttempts = n }
}

func WithLogger(l *logrus.Logger) Option {
	return func(cfg *Config) { cfg.Logger = l }
}

func WithMetrics(m MetricsCollector) Option {
	return func(cfg *Config) { cfg.Metrics = m }
}

// Validate rejects configurations the handshake could never complete.
func (cfg *Config) Validate() error {
	if cfg.Host == "" {
		return fmt.Errorf("amqp: host must not be empty")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("amqp: port %d out of range", cfg.Port)
	}
	if cfg.VHost == "" {
		return fmt.Errorf("amqp: vhost must not be empty")
	}
	if cfg.Username == "" {
		return fmt.Errorf("amqp: username must not be empty")
	}
	if cfg.Heartbeat < 0 {
		return fmt.Errorf("amqp: negative heartbeat %v", cfg.Heartbeat)
	}
	if cfg.FrameMax != 0 && cfg.FrameMax < protocol.FrameMinSize {
		return fmt.Errorf("amqp: frame max %d below protocol minimum %d", cfg.FrameMax, protocol.FrameMinSize)
	}
	if cfg.DialAttempts == 0 {
		return fmt.Errorf("amqp: dial attempts must be at least 1")
	}
	return nil
}

func (cfg *Config) logger() *logrus.Logger {
	if cfg.Logger != nil {
		return cfg.Logger
	}
	return logrus.StandardLogger()
}

func (cfg *Config) metrics() MetricsCollector {
	if cfg.Metrics != nil {
		return cfg.Metrics
	}
	return NopMetrics{}
}

func defaultClientProperties() Table {
	return Table{
		"product":  "amqp-client-go",
		"platform": "Go",
		"version":  "1.0.0",
		"capabilities.basic.nack":             true,
		"capabilities.consumer_cancel_notify": true,
		"capabilities.connection.blocked":     true,
		"capabilities.publisher_confirms":     true,
	}
}
