// Package config defines the run configuration surface: symbols,
// broker/feed selection, replay window, risk limits, delta-hedge limits,
// and per-strategy exit thresholds. It follows an engine.Config
// JSON-struct convention, expanded with go-playground/validator tags.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/lattice-quant/regime-engine/internal/model"
)

// BrokerKind selects the Broker implementation to wire at startup.
type BrokerKind string

const (
	BrokerPaper BrokerKind = "paper"
	BrokerLive  BrokerKind = "live"
)

// FeedKind selects the feed.Source implementation to wire at startup.
type FeedKind string

const (
	FeedLive    FeedKind = "live"
	FeedCached  FeedKind = "cached"
	FeedReplay  FeedKind = "replay"
)

// ReplayConfig bounds a replay run's time window and playback speed.
type ReplayConfig struct {
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time" validate:"gtefield=StartTime"`
	ReplaySpeed float64   `json:"replay_speed" validate:"gte=0"`
}

// RiskConfig is the risk sub-section, consumed to build a
// risk.Config.
type RiskConfig struct {
	DailyLossPct   float64                    `json:"daily_loss_pct" validate:"gt=0,lte=1"`
	MaxDrawdownPct float64                    `json:"max_drawdown_pct" validate:"gt=0,lte=1"`
	MaxLossStreak  int                        `json:"max_loss_streak" validate:"gte=1"`
	RegimeCaps     map[model.Regime]float64   `json:"regime_caps" validate:"required"`
	VarPct         float64                    `json:"var_pct" validate:"gt=0,lte=1"`
	SymbolCapPct   float64                    `json:"symbol_cap_pct" validate:"gt=0,lte=1"`
}

// DeltaHedgeConfig is the delta_hedge sub-section.
type DeltaHedgeConfig struct {
	DeltaThreshold    float64 `json:"delta_threshold"`
	MinHedgeShares    int64   `json:"min_hedge_shares" validate:"gte=1"`
	CooldownBars      int64   `json:"cooldown_bars" validate:"gte=0"`
	MaxTradesPerDay   int     `json:"max_trades_per_day" validate:"gte=1"`
	MaxNotionalPerDay float64 `json:"max_notional_per_day" validate:"gt=0"`
	MaxOrphanBars     int64   `json:"max_orphan_bars" validate:"gte=1"`
	Enabled           bool    `json:"enabled"`
}

// ThetaParams is strategy_params.theta.
type ThetaParams struct {
	TPPct         float64 `json:"tp_pct" validate:"gt=0"`
	SLPct         float64 `json:"sl_pct" validate:"gt=0"`
	IVCollapsePct float64 `json:"iv_collapse_pct" validate:"gt=0,lte=1"`
}

// GammaParams is strategy_params.gamma.
type GammaParams struct {
	TPPct                float64 `json:"tp_pct" validate:"gt=0"`
	SLPct                float64 `json:"sl_pct" validate:"gt=0"`
	MaxHoldBars          int     `json:"max_hold_bars" validate:"gte=1"`
	GEXReversalThreshold float64 `json:"gex_reversal_threshold"`
}

// StrategyParams groups the per-strategy exit thresholds.
type StrategyParams struct {
	Theta ThetaParams `json:"theta"`
	Gamma GammaParams `json:"gamma"`
}

// Config is the complete recognized configuration surface.
type Config struct {
	Symbols            []string         `json:"symbols" validate:"required,min=1,dive,required"`
	Broker             BrokerKind       `json:"broker" validate:"required,oneof=paper live"`
	Feed               FeedKind         `json:"feed" validate:"required,oneof=live cached replay"`
	Replay             ReplayConfig     `json:"replay"`
	StrictDataMode     bool             `json:"strict_data_mode"`
	Risk               RiskConfig       `json:"risk" validate:"required"`
	DeltaHedge         DeltaHedgeConfig `json:"delta_hedge"`
	StrategyParams     StrategyParams   `json:"strategy_params"`
	MinBarsForFeatures int              `json:"min_bars_for_features" validate:"gte=1"`
	Seed               int64            `json:"seed"`
}

// Default returns a Config populated with the engine's literal defaults,
// suitable as a base a caller overrides from a JSON file or flags.
func Default() Config {
	return Config{
		Broker: BrokerPaper,
		Feed:   FeedCached,
		Risk: RiskConfig{
			DailyLossPct:   0.03,
			MaxDrawdownPct: 0.20,
			MaxLossStreak:  5,
			RegimeCaps: map[model.Regime]float64{
				model.RegimeTrend:         0.15,
				model.RegimeCompression:   0.05,
				model.RegimeExpansion:     0.10,
				model.RegimeMeanReversion: 0.08,
			},
			VarPct:       0.02,
			SymbolCapPct: 0.20,
		},
		DeltaHedge: DeltaHedgeConfig{
			MinHedgeShares:    5,
			CooldownBars:      5,
			MaxTradesPerDay:   50,
			MaxNotionalPerDay: 100_000,
			MaxOrphanBars:     60,
			Enabled:           true,
		},
		StrategyParams: StrategyParams{
			Theta: ThetaParams{TPPct: 0.50, SLPct: 2.00, IVCollapsePct: 0.30},
			Gamma: GammaParams{TPPct: 1.50, SLPct: 0.50, MaxHoldBars: 390, GEXReversalThreshold: 0},
		},
		MinBarsForFeatures: 30,
	}
}

// validate is a package-level singleton, matching validator's documented
// usage pattern (it caches struct metadata internally and is safe for
// concurrent use).
var validate = validator.New()

// Load decodes JSON config bytes over the defaults and validates the
// result, failing closed rather than running with a partially-specified
// or out-of-range configuration.
func Load(raw []byte) (Config, error) {
	cfg := Default()
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("config: invalid: %w", err)
	}
	return cfg, nil
}

// RunMetadata is the effective-config snapshot persisted to
// run_config.json at startup.
type RunMetadata struct {
	Config     Config    `json:"config"`
	Seed       int64     `json:"seed"`
	Version    string    `json:"version"`
	Commit     string    `json:"commit"`
	Symbols    []string  `json:"symbols"`
	WindowFrom time.Time `json:"window_from"`
	WindowTo   time.Time `json:"window_to"`
}
