package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/hdrvideo/internal/config"
	"codeberg.org/mutker/hdrvideo/internal/errors"
	"codeberg.org/mutker/hdrvideo/internal/exposure"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "hdrvideo.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
device = "/dev/video2"
width = 1920
height = 1080
fps = 24
log_level = "debug"
listen = "127.0.0.1:9000"
output_dir = "/srv/videos"
metrics = true
metrics_db = "/path/to/metrics.db"
min_iso = 100
max_iso = 3200

[metering]
delivery_interval = 5
epsilon = 0.02
clip_threshold = 0.05
settle = "750ms"
`)
	t.Setenv("HDRVIDEO_CONFIG", path)

	cfg, err := config.Load(nil)
	require.NoError(t, err)

	assert.Equal(t, "/dev/video2", cfg.Device)
	assert.Equal(t, 1920, cfg.Width)
	assert.Equal(t, 1080, cfg.Height)
	assert.Equal(t, 24, cfg.FPS)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "127.0.0.1:9000", cfg.Listen)
	assert.Equal(t, "/srv/videos", cfg.OutputDir)
	assert.True(t, cfg.Metrics)
	assert.Equal(t, "/path/to/metrics.db", cfg.MetricsDB)
	assert.Equal(t, 5, cfg.Metering.DeliveryInterval)
	assert.InDelta(t, 0.02, cfg.Metering.Epsilon, 1e-12)
	assert.InDelta(t, 0.05, cfg.Metering.ClipThreshold, 1e-12)
	assert.Equal(t, 750*time.Millisecond, cfg.Metering.Settle)
	assert.Equal(t, exposure.DefaultTuning().TailWidth, cfg.Metering.TailWidth, "unset keys keep defaults")

	limits := cfg.Limits()
	assert.Equal(t, 100, limits.MinISO)
	assert.Equal(t, 3200, limits.MaxISO)
	assert.Equal(t, time.Second/24/4, limits.MaxDuration)

	mc := cfg.MetricsConfig()
	assert.True(t, mc.Enabled)
	assert.Equal(t, "/path/to/metrics.db", mc.DBPath)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HDRVIDEO_CONFIG", "")

	cfg, err := config.Load(nil)
	require.NoError(t, err, "Failed to load config")

	assert.Equal(t, config.DefaultDevice, cfg.Device)
	assert.Equal(t, config.DefaultWidth, cfg.Width)
	assert.Equal(t, config.DefaultHeight, cfg.Height)
	assert.Equal(t, exposure.DefaultFPS, cfg.FPS)
	assert.Equal(t, config.DefaultLogLevel, cfg.LogLevel)
	assert.False(t, cfg.Metrics)
	assert.Equal(t, 500*time.Millisecond, cfg.Metering.Settle)
	assert.Equal(t, exposure.DefaultTuning(), cfg.Tuning())
	assert.Equal(t, exposure.DefaultLimits(), cfg.Limits())
}

func TestLoadConfigFileInvalidFormat(t *testing.T) {
	path := writeConfig(t, `
This is not a valid TOML file
`)
	t.Setenv("HDRVIDEO_CONFIG", path)

	_, err := config.Load(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Failed to read config file")
}

func TestMissingExplicitConfigFile(t *testing.T) {
	_, err := config.Load(nil, config.WithConfigFile(filepath.Join(t.TempDir(), "missing.toml")))
	assert.Equal(t, config.ErrReadConfig, errors.CodeOf(err))
}

func TestInvalidLogLevel(t *testing.T) {
	t.Setenv("HDRVIDEO_CONFIG", writeConfig(t, `log_level = "invalid"`))

	_, err := config.Load(nil)
	require.Error(t, err)
	assert.Equal(t, config.ErrInvalidLogLevel, errors.CodeOf(err))
}

func TestInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"zero fps", "fps = 0"},
		{"negative width", "width = -1"},
		{"iso range", "min_iso = 800\nmax_iso = 400"},
		{"epsilon", "[metering]\nepsilon = 2.0"},
		{"decrease factor", "[metering]\nweak_decrease = 1.5"},
		{"delivery interval", "[metering]\ndelivery_interval = 0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("HDRVIDEO_CONFIG", writeConfig(t, tt.content))

			_, err := config.Load(nil)
			require.Error(t, err)
			assert.Equal(t, config.ErrInvalidConfig, errors.CodeOf(err))
		})
	}
}

func TestPrecedence(t *testing.T) {
	t.Setenv("HDRVIDEO_CONFIG", writeConfig(t, "log_level = \"error\"\nwidth = 640\nheight = 480"))
	t.Setenv("HDRVIDEO_WIDTH", "800")
	t.Setenv("HDRVIDEO_METERING_SETTLE", "1s")

	cfg, err := config.Load([]string{"--log-level", "debug"})
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel, "flag beats file")
	assert.Equal(t, 800, cfg.Width, "env beats file")
	assert.Equal(t, 480, cfg.Height)
	assert.Equal(t, time.Second, cfg.Metering.Settle)
}

func TestConfigFlag(t *testing.T) {
	t.Setenv("HDRVIDEO_CONFIG", "")
	path := writeConfig(t, `device = "/dev/video9"`)

	cfg, err := config.Load([]string{"--config", path, "--metrics", "--metrics-db", "/tmp/m.db"})
	require.NoError(t, err)

	assert.Equal(t, "/dev/video9", cfg.Device)
	assert.True(t, cfg.Metrics)
	assert.Equal(t, "/tmp/m.db", cfg.MetricsDB)
}

func TestUnknownFlag(t *testing.T) {
	_, err := config.Load([]string{"--no-such-flag"})
	assert.Equal(t, config.ErrBindFlags, errors.CodeOf(err))
}
