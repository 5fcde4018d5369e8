// Package config manages cuegrid's tuning configuration: block size,
// output water-mark thresholds, decoder chunk sizing, and starvation
// escalation parameters (spec.md §6). Settings are a small JSON file at
// startup, with env var overrides applied after unmarshal, mirroring the
// teacher's client/internal/config Load/Save/Default shape.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Config holds every tunable the engine reads at startup. All fields must
// be positive integers (spec.md §6): "Values must be positive integers."
// The one exception is DecoderWorkerCount, where 0 means "auto".
type Config struct {
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`
	BlockFrames int `json:"block_frames"`

	// Output ring-buffer water marks, in blocks.
	TargetBlocks  int `json:"target_blocks"`
	LowWaterBlocks int `json:"low_water_blocks"`
	StarvationWarnBlocks int `json:"starvation_warn_blocks"`

	// Decoder sizing.
	DecoderSliceCap      int `json:"decoder_slice_cap"`
	DecoderWorkerCount   int `json:"decoder_worker_count"`
	StartCreditBlocks    int `json:"start_credit_blocks"` // credit granted on DecodeStart, in blocks

	// Starvation escalation (spec.md §6 Open Question, resolved in
	// SPEC_FULL.md §3 per original_source's behavior).
	StarvationWindowMS    int `json:"starvation_window_ms"`
	StarvationThreshold   int `json:"starvation_threshold"`
}

// Default returns the documented defaults (spec.md §3: 48 kHz, stereo;
// §4.3: block length "typically 2048"; SPEC_FULL.md §3: 3 events / 2000 ms).
func Default() Config {
	return Config{
		SampleRate:           48000,
		Channels:             2,
		BlockFrames:          2048,
		TargetBlocks:         16,
		LowWaterBlocks:       4,
		StarvationWarnBlocks: 1,
		DecoderSliceCap:      4096,
		DecoderWorkerCount:   0, // 0 => decoder.WorkerCount()'s min(4, NumCPU)
		StartCreditBlocks:    16,
		StarvationWindowMS:   2000,
		StarvationThreshold:  3,
	}
}

// Load reads path and returns a Config seeded from Default, then applies
// env var overrides. A missing or unparsable file silently falls back to
// defaults, matching the teacher's Load (never returns an error; logs are
// the caller's concern).
func Load(path string) Config {
	cfg := Default()
	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			_ = json.Unmarshal(data, &cfg)
		}
	}
	applyEnvOverrides(&cfg)
	return cfg
}

// applyEnvOverrides maps CUEGRID_-prefixed env vars onto cfg's fields
// ("env variables also recognized").
func applyEnvOverrides(cfg *Config) {
	fields := map[string]*int{
		"CUEGRID_SAMPLE_RATE":            &cfg.SampleRate,
		"CUEGRID_CHANNELS":               &cfg.Channels,
		"CUEGRID_BLOCK_FRAMES":           &cfg.BlockFrames,
		"CUEGRID_TARGET_BLOCKS":          &cfg.TargetBlocks,
		"CUEGRID_LOW_WATER_BLOCKS":       &cfg.LowWaterBlocks,
		"CUEGRID_STARVATION_WARN_BLOCKS": &cfg.StarvationWarnBlocks,
		"CUEGRID_DECODER_SLICE_CAP":      &cfg.DecoderSliceCap,
		"CUEGRID_DECODER_WORKER_COUNT":   &cfg.DecoderWorkerCount,
		"CUEGRID_START_CREDIT_BLOCKS":    &cfg.StartCreditBlocks,
		"CUEGRID_STARVATION_WINDOW_MS":   &cfg.StarvationWindowMS,
		"CUEGRID_STARVATION_THRESHOLD":   &cfg.StarvationThreshold,
	}
	for name, dst := range fields {
		raw, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		if v, err := strconv.Atoi(raw); err == nil {
			*dst = v
		}
	}
}

// Validate rejects non-positive values (spec.md §6). DecoderWorkerCount=0
// is the documented "auto" sentinel and is exempt.
func (c Config) Validate() error {
	positive := map[string]int{
		"sample_rate":            c.SampleRate,
		"channels":               c.Channels,
		"block_frames":           c.BlockFrames,
		"target_blocks":          c.TargetBlocks,
		"low_water_blocks":       c.LowWaterBlocks,
		"starvation_warn_blocks": c.StarvationWarnBlocks,
		"decoder_slice_cap":      c.DecoderSliceCap,
		"start_credit_blocks":    c.StartCreditBlocks,
		"starvation_window_ms":   c.StarvationWindowMS,
		"starvation_threshold":   c.StarvationThreshold,
	}
	for name, v := range positive {
		if v <= 0 {
			return fmt.Errorf("config: %s must be a positive integer, got %d", name, v)
		}
	}
	if c.DecoderWorkerCount < 0 {
		return fmt.Errorf("config: decoder_worker_count must be >= 0, got %d", c.DecoderWorkerCount)
	}
	if c.LowWaterBlocks >= c.TargetBlocks {
		return fmt.Errorf("config: low_water_blocks (%d) must be less than target_blocks (%d)", c.LowWaterBlocks, c.TargetBlocks)
	}
	return nil
}

// Save writes cfg to path as indented JSON, creating no directories (the
// caller picks path; unlike the teacher's per-user config dir, cuegrid's
// tuning file lives wherever --config points).
func Save(path string, cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
