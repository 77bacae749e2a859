package config

import (
	"os"
	"strings"
	"time"

	"codeberg.org/mutker/hdrvideo/internal/errors"
	"codeberg.org/mutker/hdrvideo/internal/exposure"
	"codeberg.org/mutker/hdrvideo/internal/histogram"
	"codeberg.org/mutker/hdrvideo/internal/logger"
	"codeberg.org/mutker/hdrvideo/internal/metrics"
	"codeberg.org/mutker/hdrvideo/internal/mode"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultConfigFile = "/etc/hdrvideo.toml"
	DefaultEnvPrefix  = "HDRVIDEO"
	DefaultLogLevel   = "info"
	DefaultDevice     = "/dev/video0"
	DefaultWidth      = 1280
	DefaultHeight     = 720
	DefaultListen     = ":8080"
	DefaultOutputDir  = "/var/lib/hdrvideo/videos"
	DefaultMetricsDB  = "/var/lib/hdrvideo/metrics.db"
	configEnvSuffix   = "_CONFIG"
)

type Config struct {
	Device    string   `mapstructure:"device"`
	Width     int      `mapstructure:"width"`
	Height    int      `mapstructure:"height"`
	FPS       int      `mapstructure:"fps"`
	LogLevel  string   `mapstructure:"log_level"`
	Listen    string   `mapstructure:"listen"`
	OutputDir string   `mapstructure:"output_dir"`
	Metrics   bool     `mapstructure:"metrics"`
	MetricsDB string   `mapstructure:"metrics_db"`
	MinISO    int      `mapstructure:"min_iso"`
	MaxISO    int      `mapstructure:"max_iso"`
	Metering  Metering `mapstructure:"metering"`
}

// Metering holds the tuned metering thresholds.
type Metering struct {
	DeliveryInterval  int           `mapstructure:"delivery_interval"`
	Epsilon           float64       `mapstructure:"epsilon"`
	TailWidth         int           `mapstructure:"tail_width"`
	NearTailWidth     int           `mapstructure:"near_tail_width"`
	ClipThreshold     float64       `mapstructure:"clip_threshold"`
	NearTailThreshold float64       `mapstructure:"near_tail_threshold"`
	WeakIncrease      float64       `mapstructure:"weak_increase"`
	WeakDecrease      float64       `mapstructure:"weak_decrease"`
	SpreadFactor      float64       `mapstructure:"spread_factor"`
	Settle            time.Duration `mapstructure:"settle"`
}

func setDefaults(v *viper.Viper) {
	tuning := exposure.DefaultTuning()

	v.SetDefault("device", DefaultDevice)
	v.SetDefault("width", DefaultWidth)
	v.SetDefault("height", DefaultHeight)
	v.SetDefault("fps", exposure.DefaultFPS)
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("listen", DefaultListen)
	v.SetDefault("output_dir", DefaultOutputDir)
	v.SetDefault("metrics", false)
	v.SetDefault("metrics_db", DefaultMetricsDB)
	v.SetDefault("min_iso", exposure.DefaultMinISO)
	v.SetDefault("max_iso", exposure.DefaultMaxISO)
	v.SetDefault("metering.delivery_interval", histogram.DefaultDeliveryInterval)
	v.SetDefault("metering.epsilon", tuning.Epsilon)
	v.SetDefault("metering.tail_width", tuning.TailWidth)
	v.SetDefault("metering.near_tail_width", tuning.NearTailWidth)
	v.SetDefault("metering.clip_threshold", tuning.ClipThreshold)
	v.SetDefault("metering.near_tail_threshold", tuning.NearTailThreshold)
	v.SetDefault("metering.weak_increase", tuning.WeakIncrease)
	v.SetDefault("metering.weak_decrease", tuning.WeakDecrease)
	v.SetDefault("metering.spread_factor", tuning.SpreadFactor)
	v.SetDefault("metering.settle", mode.DefaultSettle)
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("hdrvideo", pflag.ContinueOnError)
	fs.String("config", "", "Path to the configuration file")
	fs.String("device", DefaultDevice, "V4L2 capture device")
	fs.Int("width", DefaultWidth, "Capture width in pixels")
	fs.Int("height", DefaultHeight, "Capture height in pixels")
	fs.Int("fps", exposure.DefaultFPS, "Capture frame rate")
	fs.String("log-level", DefaultLogLevel, "Log level (debug, info, warning, error)")
	fs.String("listen", DefaultListen, "HTTP control surface address")
	fs.String("output-dir", DefaultOutputDir, "Directory for recordings")
	fs.Bool("metrics", false, "Store exposure evaluations")
	fs.String("metrics-db", DefaultMetricsDB, "Path to the evaluation database")

	return fs
}

var flagKeys = map[string]string{
	"device":     "device",
	"width":      "width",
	"height":     "height",
	"fps":        "fps",
	"log-level":  "log_level",
	"listen":     "listen",
	"output-dir": "output_dir",
	"metrics":    "metrics",
	"metrics-db": "metrics_db",
}

// Load reads defaults, the TOML file, HDRVIDEO_* environment variables and
// args, in increasing priority.
func Load(args []string, opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := options{envPrefix: DefaultEnvPrefix}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, errFactory.Wrap(ErrInvalidConfig, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, errFactory.Wrap(ErrBindFlags, err)
	}
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return nil, errFactory.Wrap(ErrBindFlags, err)
		}
	}

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := configPath(fs, o); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errFactory.Wrap(ErrReadConfig, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// configPath picks the file from --config, WithConfigFile, <PREFIX>_CONFIG
// or the default location if it exists.
func configPath(fs *pflag.FlagSet, o options) string {
	if p, _ := fs.GetString("config"); p != "" {
		return p
	}
	if o.configPath != "" {
		return o.configPath
	}
	if p := os.Getenv(o.envPrefix + configEnvSuffix); p != "" {
		return p
	}
	if _, err := os.Stat(DefaultConfigFile); err == nil {
		return DefaultConfigFile
	}

	return ""
}

func (c *Config) Validate() error {
	errFactory := errors.New()

	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return errFactory.WithData(ErrInvalidLogLevel, c.LogLevel)
	}
	if c.Device == "" {
		return errFactory.WithData(ErrInvalidConfig, "device is required")
	}
	if c.Width <= 0 || c.Height <= 0 {
		return errFactory.WithData(ErrInvalidConfig, "width and height must be positive")
	}
	if c.FPS <= 0 {
		return errFactory.WithData(ErrInvalidConfig, "fps must be positive")
	}
	if c.Metering.DeliveryInterval <= 0 {
		return errFactory.WithData(ErrInvalidConfig, "metering.delivery_interval must be positive")
	}
	if c.Metering.Settle < 0 {
		return errFactory.WithData(ErrInvalidConfig, "metering.settle must not be negative")
	}
	if err := c.Limits().Validate(); err != nil {
		return errFactory.Wrap(ErrInvalidConfig, err)
	}
	if err := c.Tuning().Validate(); err != nil {
		return errFactory.Wrap(ErrInvalidConfig, err)
	}
	if c.Metrics && c.MetricsDB == "" {
		return errFactory.WithData(ErrInvalidConfig, "metrics_db is required when metrics are enabled")
	}

	return nil
}

// Limits derives the exposure limits from the frame rate and ISO range.
func (c *Config) Limits() exposure.Limits {
	l := exposure.LimitsForFPS(c.FPS)
	l.MinISO = c.MinISO
	l.MaxISO = c.MaxISO
	return l
}

func (c *Config) Tuning() exposure.Tuning {
	m := c.Metering
	return exposure.Tuning{
		Epsilon:           m.Epsilon,
		TailWidth:         m.TailWidth,
		NearTailWidth:     m.NearTailWidth,
		ClipThreshold:     m.ClipThreshold,
		NearTailThreshold: m.NearTailThreshold,
		WeakIncrease:      m.WeakIncrease,
		WeakDecrease:      m.WeakDecrease,
		SpreadFactor:      m.SpreadFactor,
	}
}

func (c *Config) MetricsConfig() metrics.Config {
	mc := metrics.DefaultConfig()
	mc.Enabled = c.Metrics
	mc.DBPath = c.MetricsDB
	return mc
}
