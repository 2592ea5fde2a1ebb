package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "app:\n  name: gauge\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "gauge", cfg.App.Name)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.Interval)
	assert.True(t, cfg.RainRate.Enabled)
	assert.InDelta(t, 0.01, cfg.RainRate.TipQuantum, 1e-12)
	assert.Equal(t, 30*time.Minute, cfg.RainRate.EntryLifetime)
	assert.Equal(t, 2500*time.Millisecond, cfg.RainRate.MergeWindow)
	assert.InDelta(t, 0.035, cfg.RainRate.RateFloor, 1e-12)
	assert.Equal(t, 15*time.Minute, cfg.RainRate.BootstrapWindow)
	assert.Equal(t, TransportKafka, cfg.Ingest.Transport)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Ingest.Kafka.Brokers)
	assert.Equal(t, byte(1), cfg.Ingest.MQTT.QoS)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
}

func TestLoadFileOverrides(t *testing.T) {
	path := writeConfig(t, `
scheduler:
  interval: 10m
rainrate:
  tip_quantum: 0.2
  merge_window: 3s
ingest:
  transport: mqtt
  mqtt:
    broker: tcp://broker:1883
    topic: weather/loop
    output_topic: weather/loop/rainrate
alerting:
  enabled: true
  threshold: 2.5
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 10*time.Minute, cfg.Scheduler.Interval)
	assert.InDelta(t, 0.2, cfg.RainRate.TipQuantum, 1e-12)
	assert.Equal(t, 3*time.Second, cfg.RainRate.MergeWindow)
	assert.Equal(t, TransportMQTT, cfg.Ingest.Transport)
	assert.Equal(t, "weather/loop/rainrate", cfg.Ingest.MQTT.OutputTopic)
	assert.InDelta(t, 2.5, cfg.Alerting.Threshold, 1e-12)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("RAINRATE_DATABASE_DSN", "postgres://rain@localhost/weewx")
	path := writeConfig(t, "app:\n  name: gauge\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://rain@localhost/weewx", cfg.Database.DSN)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"tip quantum":       "rainrate:\n  tip_quantum: 0\n",
		"fractional period": "scheduler:\n  interval: 1500ms\n",
		"unknown transport": "ingest:\n  transport: carrier-pigeon\n",
		"http without url":  "ingest:\n  transport: http\n",
		"telegram token":    "alerting:\n  telegram:\n    enabled: true\n    chat_id: x\n",
		"negative floor":    "rainrate:\n  rate_floor: -1\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 500}}
	assert.Equal(t, 500, cfg.ResolveMaxPoints(0))
	assert.Equal(t, 20, cfg.ResolveMaxPoints(20))
}

func TestWatchReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, "alerting:\n  threshold: 1\n")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reloaded := make(chan *Config, 1)
	go func() {
		_ = Watch(ctx, path, zerolog.Nop(), func(cfg *Config) {
			// A truncating write can surface an intermediate reload.
			if cfg.Alerting.Threshold != 4 {
				return
			}
			select {
			case reloaded <- cfg:
			default:
			}
		})
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("alerting:\n  threshold: 4\n"), 0o600))

	select {
	case cfg := <-reloaded:
		assert.InDelta(t, 4.0, cfg.Alerting.Threshold, 1e-12)
	case <-ctx.Done():
		t.Fatal("config was not reloaded")
	}
}
