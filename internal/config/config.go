// Package config loads the recorder configuration from defaults, an optional YAML
// file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override, e.g. EMOCAPTURE_OPERATOR_USERNAME.
const EnvPrefix = "EMOCAPTURE"

// Channel dispatch modes.
const (
	ModeCall   = "call"   // wait for the backend to acknowledge each batch
	ModeNotify = "notify" // fire-and-forget
)

// Config holds all application configuration
type Config struct {
	Operator OperatorConfig `mapstructure:"operator" yaml:"operator" json:"operator"`
	Capture  CaptureConfig  `mapstructure:"capture" yaml:"capture" json:"capture"`
	Labels   []LabelGlyph   `mapstructure:"labels" yaml:"labels" json:"labels"`
	Video    VideoConfig    `mapstructure:"video" yaml:"video" json:"video"`
	Channel  ChannelConfig  `mapstructure:"channel" yaml:"channel" json:"channel"`
	Archive  ArchiveConfig  `mapstructure:"archive" yaml:"archive" json:"archive"`
	API      APIConfig      `mapstructure:"api" yaml:"api" json:"api"`
	Log      LogConfig      `mapstructure:"log" yaml:"log" json:"log"`
}

// OperatorConfig identifies who is recording.
type OperatorConfig struct {
	Username string `mapstructure:"username" yaml:"username" json:"username"`
	UserID   string `mapstructure:"user_id" yaml:"user_id" json:"user_id"`
	// TimeZone is used for batch timestamps.
	TimeZone string `mapstructure:"time_zone" yaml:"time_zone" json:"time_zone"`
}

// CaptureConfig contains the timing of a capture round.
type CaptureConfig struct {
	StandardDuration  time.Duration `mapstructure:"standard_duration" yaml:"standard_duration" json:"standard_duration"`
	PoolDuration      time.Duration `mapstructure:"pool_duration" yaml:"pool_duration" json:"pool_duration"`
	SegmentDuration   time.Duration `mapstructure:"segment_duration" yaml:"segment_duration" json:"segment_duration"`
	CountdownDuration time.Duration `mapstructure:"countdown_duration" yaml:"countdown_duration" json:"countdown_duration"`
	SettleDelay       time.Duration `mapstructure:"settle_delay" yaml:"settle_delay" json:"settle_delay"`

	// FinalizeTimeout bounds the wait for the device's stop signal.
	FinalizeTimeout time.Duration `mapstructure:"finalize_timeout" yaml:"finalize_timeout" json:"finalize_timeout"`

	// EventBufferSize is how many UI events are retained for polling.
	EventBufferSize int `mapstructure:"event_buffer_size" yaml:"event_buffer_size" json:"event_buffer_size"`
}

// LabelGlyph maps an emotion label to the glyph shown during its countdown.
// The order of Config.Labels is the capture order used by "start all".
type LabelGlyph struct {
	Label string `mapstructure:"label" yaml:"label" json:"label"`
	Glyph string `mapstructure:"glyph" yaml:"glyph" json:"glyph"`
}

// VideoConfig contains camera and encoder settings
type VideoConfig struct {
	DeviceID         string  `mapstructure:"device_id" yaml:"device_id" json:"device_id"`
	Width            int     `mapstructure:"width" yaml:"width" json:"width"`
	Height           int     `mapstructure:"height" yaml:"height" json:"height"`
	FrameRate        float64 `mapstructure:"frame_rate" yaml:"frame_rate" json:"frame_rate"`
	BitRate          int     `mapstructure:"bit_rate" yaml:"bit_rate" json:"bit_rate"`
	KeyFrameInterval int     `mapstructure:"key_frame_interval" yaml:"key_frame_interval" json:"key_frame_interval"`
}

// ChannelConfig contains the backend message channel settings
type ChannelConfig struct {
	Endpoint       string        `mapstructure:"endpoint" yaml:"endpoint" json:"endpoint"`
	Path           string        `mapstructure:"path" yaml:"path" json:"path"`
	UseTLS         bool          `mapstructure:"use_tls" yaml:"use_tls" json:"use_tls"`
	Method         string        `mapstructure:"method" yaml:"method" json:"method"`
	Mode           string        `mapstructure:"mode" yaml:"mode" json:"mode"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout" json:"dial_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout" json:"request_timeout"`
	MaxRetries     int           `mapstructure:"max_retries" yaml:"max_retries" json:"max_retries"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff" json:"retry_backoff"`
}

// ArchiveConfig contains the optional durable copy of dispatched batches
type ArchiveConfig struct {
	Enabled  bool           `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	MinIO    MinIOConfig    `mapstructure:"minio" yaml:"minio" json:"minio"`
	Postgres PostgresConfig `mapstructure:"postgres" yaml:"postgres" json:"postgres"`
}

// MinIOConfig contains MinIO-specific configuration
type MinIOConfig struct {
	Endpoint        string        `mapstructure:"endpoint" yaml:"endpoint" json:"endpoint"`
	AccessKeyID     string        `mapstructure:"access_key_id" yaml:"access_key_id" json:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key" yaml:"secret_access_key" json:"-"`
	UseSSL          bool          `mapstructure:"use_ssl" yaml:"use_ssl" json:"use_ssl"`
	Bucket          string        `mapstructure:"bucket" yaml:"bucket" json:"bucket"`
	Region          string        `mapstructure:"region" yaml:"region" json:"region"`
	MaxUploads      int           `mapstructure:"max_uploads" yaml:"max_uploads" json:"max_uploads"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout" json:"connect_timeout"`
	MaxRetries      int           `mapstructure:"max_retries" yaml:"max_retries" json:"max_retries"`
}

// PostgresConfig contains PostgreSQL configuration
type PostgresConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Host     string `mapstructure:"host" yaml:"host" json:"host"`
	Port     int    `mapstructure:"port" yaml:"port" json:"port"`
	Database string `mapstructure:"database" yaml:"database" json:"database"`
	Username string `mapstructure:"username" yaml:"username" json:"username"`
	Password string `mapstructure:"password" yaml:"password" json:"-"`
	SSLMode  string `mapstructure:"ssl_mode" yaml:"ssl_mode" json:"ssl_mode"`

	MaxConnections  int           `mapstructure:"max_connections" yaml:"max_connections" json:"max_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// APIConfig contains the HTTP control surface configuration
type APIConfig struct {
	ListenAddr  string   `mapstructure:"listen_addr" yaml:"listen_addr" json:"listen_addr"`
	CORSOrigins []string `mapstructure:"cors_origins" yaml:"cors_origins" json:"cors_origins"`
	RateLimit   int      `mapstructure:"rate_limit" yaml:"rate_limit" json:"rate_limit"` // mutating requests per minute per IP
	StaticDir   string   `mapstructure:"static_dir" yaml:"static_dir" json:"static_dir"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level" json:"level"`
	Format string `mapstructure:"format" yaml:"format" json:"format"` // json, console
}

// DefaultLabels is the emotion set captured by "start all", in capture order.
func DefaultLabels() []LabelGlyph {
	return []LabelGlyph{
		{Label: "angry", Glyph: "😡"},
		{Label: "disgust", Glyph: "🤮"},
		{Label: "fear", Glyph: "😨"},
		{Label: "happy", Glyph: "😊"},
		{Label: "neutral", Glyph: "😐"},
		{Label: "sad", Glyph: "😢"},
		{Label: "surprise", Glyph: "😲"},
	}
}

// NewDefaultConfig returns a Config with default values
func NewDefaultConfig() *Config {
	return &Config{
		Operator: OperatorConfig{
			Username: "operator",
			TimeZone: "Europe/Amsterdam",
		},
		Capture: CaptureConfig{
			StandardDuration:  2 * time.Second,
			PoolDuration:      10 * time.Second,
			SegmentDuration:   2 * time.Second,
			CountdownDuration: 1 * time.Second,
			SettleDelay:       500 * time.Millisecond,
			FinalizeTimeout:   3 * time.Second,
			EventBufferSize:   500,
		},
		Labels: DefaultLabels(),
		Video: VideoConfig{
			Width:            640,
			Height:           480,
			FrameRate:        30,
			BitRate:          1_000_000,
			KeyFrameInterval: 30,
		},
		Channel: ChannelConfig{
			Endpoint:       "localhost:5252",
			Path:           "/ws",
			Method:         "process-video",
			Mode:           ModeCall,
			DialTimeout:    10 * time.Second,
			RequestTimeout: 2 * time.Minute,
			MaxRetries:     3,
			RetryBackoff:   time.Second,
		},
		Archive: ArchiveConfig{
			Enabled: false,
			MinIO: MinIOConfig{
				Endpoint:       "localhost:9000",
				Bucket:         "calibration",
				Region:         "us-east-1",
				MaxUploads:     4,
				ConnectTimeout: 30 * time.Second,
				MaxRetries:     3,
			},
			Postgres: PostgresConfig{
				Host:            "localhost",
				Port:            5432,
				Database:        "emocapture",
				SSLMode:         "disable",
				MaxConnections:  5,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		API: APIConfig{
			ListenAddr:  ":8080",
			CORSOrigins: []string{"http://localhost:8080", "http://127.0.0.1:8080", "http://localhost:5252"},
			RateLimit:   120,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// envKeys are the settings that may be overridden from the environment.
var envKeys = []string{
	"operator.username", "operator.user_id", "operator.time_zone",
	"capture.standard_duration", "capture.pool_duration", "capture.segment_duration",
	"capture.countdown_duration", "capture.settle_delay", "capture.finalize_timeout",
	"video.device_id", "video.width", "video.height", "video.frame_rate", "video.bit_rate",
	"channel.endpoint", "channel.path", "channel.use_tls", "channel.mode", "channel.max_retries",
	"archive.enabled",
	"archive.minio.endpoint", "archive.minio.access_key_id", "archive.minio.secret_access_key",
	"archive.minio.bucket", "archive.minio.use_ssl",
	"archive.postgres.enabled", "archive.postgres.host", "archive.postgres.port",
	"archive.postgres.database", "archive.postgres.username", "archive.postgres.password",
	"api.listen_addr",
	"log.level", "log.format",
}

// Load reads the configuration. Defaults are overlaid by the YAML file at path (optional)
// and then by EMOCAPTURE_* environment variables.
func Load(path string) (*Config, error) {
	cfg := NewDefaultConfig()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	// a configured label list replaces the defaults instead of merging into them
	if v.IsSet("labels") {
		cfg.Labels = nil
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config failed validation: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for values the recorder cannot work with.
func (c *Config) Validate() error {
	var errs []error

	if c.Capture.StandardDuration <= 0 {
		errs = append(errs, errors.New("capture.standard_duration must be positive"))
	}
	if c.Capture.SegmentDuration <= 0 {
		errs = append(errs, errors.New("capture.segment_duration must be positive"))
	}
	if c.Capture.PoolDuration < c.Capture.SegmentDuration {
		errs = append(errs, fmt.Errorf("capture.pool_duration (%s) is shorter than one segment (%s)",
			c.Capture.PoolDuration, c.Capture.SegmentDuration))
	}
	if c.Capture.CountdownDuration < 0 || c.Capture.SettleDelay < 0 {
		errs = append(errs, errors.New("capture.countdown_duration and capture.settle_delay cannot be negative"))
	}
	if c.Capture.FinalizeTimeout <= 0 {
		errs = append(errs, errors.New("capture.finalize_timeout must be positive"))
	}

	if len(c.Labels) == 0 {
		errs = append(errs, errors.New("at least one label is required"))
	}
	seen := make(map[string]bool, len(c.Labels))
	for i, lg := range c.Labels {
		label := strings.ToLower(strings.TrimSpace(lg.Label))
		switch {
		case label == "":
			errs = append(errs, fmt.Errorf("labels[%d] is empty", i))
		case label == "unlabeled":
			errs = append(errs, fmt.Errorf("labels[%d]: %q is reserved", i, label))
		case seen[label]:
			errs = append(errs, fmt.Errorf("labels[%d]: duplicate label %q", i, label))
		}
		seen[label] = true
	}

	if c.Channel.Endpoint == "" {
		errs = append(errs, errors.New("channel.endpoint is required"))
	}
	if c.Channel.Mode != ModeCall && c.Channel.Mode != ModeNotify {
		errs = append(errs, fmt.Errorf("channel.mode must be %q or %q", ModeCall, ModeNotify))
	}
	if c.Channel.MaxRetries < 0 {
		errs = append(errs, errors.New("channel.max_retries cannot be negative"))
	}

	errs = append(errs, c.Archive.validate()...)

	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Location resolves Operator.TimeZone; an empty zone means UTC.
func (c *Config) Location() (*time.Location, error) {
	if c.Operator.TimeZone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Operator.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("operator.time_zone: %w", err)
	}
	return loc, nil
}

// LabelOrder returns the configured labels in capture order.
func (c *Config) LabelOrder() []string {
	out := make([]string, 0, len(c.Labels))
	for _, lg := range c.Labels {
		out = append(out, strings.ToLower(strings.TrimSpace(lg.Label)))
	}
	return out
}

// Glyphs returns the label to glyph lookup.
func (c *Config) Glyphs() map[string]string {
	out := make(map[string]string, len(c.Labels))
	for _, lg := range c.Labels {
		out[strings.ToLower(strings.TrimSpace(lg.Label))] = lg.Glyph
	}
	return out
}

// Dump renders the effective configuration as YAML. Secrets are masked.
func (c *Config) Dump() ([]byte, error) {
	cp := *c
	if cp.Archive.MinIO.SecretAccessKey != "" {
		cp.Archive.MinIO.SecretAccessKey = "********"
	}
	if cp.Archive.Postgres.Password != "" {
		cp.Archive.Postgres.Password = "********"
	}
	return yaml.Marshal(&cp)
}

// WriteFile writes the YAML rendering of c to path.
func (c *Config) WriteFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}
