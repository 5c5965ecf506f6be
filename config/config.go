// Package config loads netrep's tunables from a TOML file, mirroring the
// teacher's loadConfig() in core/main.go but externalized to a file
// instead of a hardcoded struct literal, following the TOML-config idiom
// used for MCP server configuration in the pack (BurntSushi/toml).
package config

import (
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds every tunable named across spec.md's components.
// Defaults() fills in the spec.md defaults and Load starts from them, so
// a field a file omits keeps its default; a field a file sets to zero
// stays zero.
type Config struct {
	Channel      ChannelConfig      `toml:"channel"`
	Clock        ClockConfig        `toml:"clock"`
	Prediction   PredictionConfig   `toml:"prediction"`
	Interpolate  InterpolateConfig  `toml:"interpolate"`
	Input        InputConfig        `toml:"input"`
	Connection   ConnectionConfig   `toml:"connection"`
}

// ChannelConfig covers C1: packet framing and bandwidth scheduling.
type ChannelConfig struct {
	MTU                       int     `toml:"mtu"`
	BandwidthCapBytesPerSec   float64 `toml:"bandwidth_cap_bytes_per_sec"`
	MaxReassemblyAgeSeconds   float64 `toml:"max_reassembly_age_seconds"`
	BackpressureHardCap       int     `toml:"backpressure_hard_cap"`
}

// ClockConfig covers C5: ping cadence and drift-correction thresholds.
type ClockConfig struct {
	TickDurationMillis   int64 `toml:"tick_duration_millis"`
	PingIntervalMillis   int64 `toml:"ping_interval_millis"`
	DriftThresholdTicks  int32 `toml:"drift_threshold_ticks"`
	ResyncThresholdTicks int32 `toml:"resync_threshold_ticks"`
}

// PredictionConfig covers C3: rollback window sizing.
type PredictionConfig struct {
	SafetyMarginTicks int `toml:"safety_margin_ticks"`
	MinWindowTicks    int `toml:"min_window_ticks"`
}

// InterpolateConfig covers C4: interpolation delay.
type InterpolateConfig struct {
	MinDelayMillis    int64   `toml:"min_delay_millis"`
	SendIntervalRatio float64 `toml:"send_interval_ratio"`
}

// InputConfig covers C6: redundant input send batches.
type InputConfig struct {
	RedundancyTicks int `toml:"redundancy_ticks"`
}

// ConnectionConfig covers C7: connection lifecycle.
type ConnectionConfig struct {
	TimeoutSeconds float64 `toml:"timeout_seconds"`
}

// Defaults returns a Config populated with every default named in
// spec.md: 100ms ping interval, 3/20 tick drift/resync thresholds, 10
// tick input redundancy, 5s connection timeout, 3s fragment reassembly
// age, 16-tick minimum rollback window.
func Defaults() Config {
	return Config{
		Channel: ChannelConfig{
			MTU:                     1200,
			BandwidthCapBytesPerSec: 0,
			MaxReassemblyAgeSeconds: 3,
			BackpressureHardCap:     10000,
		},
		Clock: ClockConfig{
			TickDurationMillis:   50,
			PingIntervalMillis:   100,
			DriftThresholdTicks:  3,
			ResyncThresholdTicks: 20,
		},
		Prediction: PredictionConfig{
			SafetyMarginTicks: 4,
			MinWindowTicks:    16,
		},
		Interpolate: InterpolateConfig{
			MinDelayMillis:    100,
			SendIntervalRatio: 1.5,
		},
		Input: InputConfig{
			RedundancyTicks: 10,
		},
		Connection: ConnectionConfig{
			TimeoutSeconds: 5,
		},
	}
}

// Load reads a TOML file at path, starting from Defaults() so an omitted
// table or field keeps its spec default rather than zeroing out.
func Load(path string) (Config, error) {
	cfg := Defaults()
	_, err := toml.DecodeFile(path, &cfg)
	return cfg, err
}

// PingInterval returns the clock's ping cadence as a time.Duration.
func (c ClockConfig) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalMillis) * time.Millisecond
}

// TickDuration returns the fixed simulation tick duration.
func (c ClockConfig) TickDuration() time.Duration {
	return time.Duration(c.TickDurationMillis) * time.Millisecond
}

// MinDelay returns the interpolation floor delay as a time.Duration.
func (c InterpolateConfig) MinDelay() time.Duration {
	return time.Duration(c.MinDelayMillis) * time.Millisecond
}

// MaxReassemblyAge returns the fragment reassembly timeout as a time.Duration.
func (c ChannelConfig) MaxReassemblyAge() time.Duration {
	return time.Duration(c.MaxReassemblyAgeSeconds * float64(time.Second))
}

// Timeout returns the connection silence timeout as a time.Duration.
func (c ConnectionConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds * float64(time.Second))
}
