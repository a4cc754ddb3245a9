// Package config loads and validates the pipeline's YAML
// configuration. Decoding is strict: unknown keys are an error, so a
// typo in a tuning knob fails fast instead of silently running
// defaults.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigurationError reports an invalid or unrecognized option.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Reason)
}

// Duration wraps time.Duration so YAML can say "5m" or "1h30m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Features struct {
	DifferencingOrder     float64 `yaml:"differencing_order"`
	DifferencingTolerance float64 `yaml:"differencing_tolerance"`
	VolWindow             int     `yaml:"vol_window"`
	SMAWindow             int     `yaml:"sma_window"`
	MomentumWindow        int     `yaml:"momentum_window"`
}

type Labeling struct {
	BarrierPtMultiple float64 `yaml:"barrier_pt_multiple"`
	BarrierSlMultiple float64 `yaml:"barrier_sl_multiple"`
	MaxHoldingPeriod  int     `yaml:"max_holding_period"`
	Deadband          float64 `yaml:"label_deadband"`
}

type Validation struct {
	NFolds          int     `yaml:"n_folds"`
	EmbargoFraction float64 `yaml:"embargo_fraction"`
}

type Execution struct {
	InitialCash         float64 `yaml:"initial_cash"`
	FeeRate             float64 `yaml:"fee_rate"`
	Slippage            float64 `yaml:"slippage"`
	MaxPositionFraction float64 `yaml:"max_position_fraction"`
	MaxDailyLossPct     float64 `yaml:"max_daily_loss_pct"`
	MetaThreshold       float64 `yaml:"meta_threshold"`
}

type Live struct {
	FeedURL     string   `yaml:"feed_url"`
	BarInterval Duration `yaml:"bar_interval"`
	GapFactor   float64  `yaml:"gap_factor"`
	MaxRetries  int      `yaml:"max_retries"`
	BaseBackoff Duration `yaml:"base_backoff"`
	MaxBackoff  Duration `yaml:"max_backoff"`
}

type Observ struct {
	LogLevel    string `yaml:"log_level"`
	LogPretty   bool   `yaml:"log_pretty"`
	MetricsAddr string `yaml:"metrics_addr"`
}

type Root struct {
	Symbol      string     `yaml:"symbol"`
	BarsPath    string     `yaml:"bars_path"`
	RegistryDir string     `yaml:"registry_dir"`
	Features    Features   `yaml:"features"`
	Labeling    Labeling   `yaml:"labeling"`
	Validation  Validation `yaml:"validation"`
	Execution   Execution  `yaml:"execution"`
	Live        Live       `yaml:"live"`
	Observ      Observ     `yaml:"observ"`
}

// Load reads path, applies defaults, and validates.
func Load(path string) (Root, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Root{}, err
	}
	return Parse(b)
}

// Parse decodes raw YAML bytes.
func Parse(b []byte) (Root, error) {
	var c Root
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return Root{}, &ConfigurationError{Field: "root", Reason: err.Error()}
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return Root{}, err
	}
	return c, nil
}

func (c *Root) applyDefaults() {
	if c.Features.DifferencingTolerance == 0 {
		c.Features.DifferencingTolerance = 1e-4
	}
	if c.Features.VolWindow == 0 {
		c.Features.VolWindow = 20
	}
	if c.Features.SMAWindow == 0 {
		c.Features.SMAWindow = 10
	}
	if c.Features.MomentumWindow == 0 {
		c.Features.MomentumWindow = 5
	}
	if c.Labeling.BarrierPtMultiple == 0 {
		c.Labeling.BarrierPtMultiple = 2
	}
	if c.Labeling.BarrierSlMultiple == 0 {
		c.Labeling.BarrierSlMultiple = 1
	}
	if c.Labeling.MaxHoldingPeriod == 0 {
		c.Labeling.MaxHoldingPeriod = 20
	}
	if c.Validation.NFolds == 0 {
		c.Validation.NFolds = 5
	}
	if c.Execution.InitialCash == 0 {
		c.Execution.InitialCash = 100_000
	}
	if c.Execution.MaxPositionFraction == 0 {
		c.Execution.MaxPositionFraction = 0.1
	}
	if c.Execution.MaxDailyLossPct == 0 {
		c.Execution.MaxDailyLossPct = 0.05
	}
	if c.Live.BarInterval == 0 {
		c.Live.BarInterval = Duration(time.Minute)
	}
	if c.Observ.LogLevel == "" {
		c.Observ.LogLevel = "info"
	}
}

// Validate enforces the range each knob must sit in.
func (c *Root) Validate() error {
	if c.Symbol == "" {
		return &ConfigurationError{Field: "symbol", Reason: "required"}
	}
	if c.Features.DifferencingOrder < 0 || c.Features.DifferencingOrder > 1 {
		return &ConfigurationError{Field: "features.differencing_order", Reason: "must be in [0,1]"}
	}
	if c.Features.DifferencingTolerance <= 0 {
		return &ConfigurationError{Field: "features.differencing_tolerance", Reason: "must be positive"}
	}
	if c.Features.VolWindow < 2 {
		return &ConfigurationError{Field: "features.vol_window", Reason: "must be at least 2"}
	}
	if c.Labeling.BarrierPtMultiple < 0 || c.Labeling.BarrierSlMultiple < 0 {
		return &ConfigurationError{Field: "labeling", Reason: "barrier multiples must be non-negative"}
	}
	if c.Labeling.MaxHoldingPeriod < 1 {
		return &ConfigurationError{Field: "labeling.max_holding_period", Reason: "must be at least 1"}
	}
	if c.Labeling.Deadband < 0 {
		return &ConfigurationError{Field: "labeling.label_deadband", Reason: "must be non-negative"}
	}
	if c.Validation.NFolds < 2 {
		return &ConfigurationError{Field: "validation.n_folds", Reason: "must be at least 2"}
	}
	if c.Validation.EmbargoFraction < 0 || c.Validation.EmbargoFraction >= 1 {
		return &ConfigurationError{Field: "validation.embargo_fraction", Reason: "must be in [0,1)"}
	}
	if c.Execution.InitialCash <= 0 {
		return &ConfigurationError{Field: "execution.initial_cash", Reason: "must be positive"}
	}
	if c.Execution.FeeRate < 0 || c.Execution.Slippage < 0 {
		return &ConfigurationError{Field: "execution", Reason: "fee_rate and slippage must be non-negative"}
	}
	if c.Execution.MaxPositionFraction <= 0 || c.Execution.MaxPositionFraction > 1 {
		return &ConfigurationError{Field: "execution.max_position_fraction", Reason: "must be in (0,1]"}
	}
	if c.Execution.MetaThreshold < 0 || c.Execution.MetaThreshold > 1 {
		return &ConfigurationError{Field: "execution.meta_threshold", Reason: "must be in [0,1]"}
	}
	return nil
}
