// Package model holds the shared data types that flow through the bar
// pipeline: Bar, RegimeSignal, TradeIntent, FinalIntent, Position, Leg,
// Package, HedgeState and RiskState. Apart from a few small helpers
// (Side.SignOf, Package.NetDelta, Block.Error) it carries no behavior —
// every other package imports it and operates on these types.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bar is a single OHLCV sample for one symbol at a fixed interval.
type Bar struct {
	Symbol    string
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Regime is the categorical market state produced by the classifier.
type Regime string

const (
	RegimeTrend          Regime = "TREND"
	RegimeMeanReversion  Regime = "MEAN_REVERSION"
	RegimeCompression    Regime = "COMPRESSION"
	RegimeExpansion      Regime = "EXPANSION"
)

// Direction is a directional bias or intent.
type Direction string

const (
	DirectionUp       Direction = "UP"
	DirectionDown     Direction = "DOWN"
	DirectionSideways Direction = "SIDEWAYS"
)

// VolBucket buckets realized/implied volatility into a coarse regime.
type VolBucket string

const (
	VolLow    VolBucket = "LOW"
	VolMedium VolBucket = "MEDIUM"
	VolHigh   VolBucket = "HIGH"
)

// Bias is the net directional lean a regime signal carries for agents.
type Bias string

const (
	BiasBullish Bias = "BULLISH"
	BiasBearish Bias = "BEARISH"
	BiasNeutral Bias = "NEUTRAL"
)

// GEXRegime describes the sign of aggregate dealer gamma exposure.
type GEXRegime string

const (
	GEXPositive GEXRegime = "POSITIVE"
	GEXNegative GEXRegime = "NEGATIVE"
	GEXUnknown  GEXRegime = "UNKNOWN"
)

// RegimeSignal is produced once per (symbol, bar).
type RegimeSignal struct {
	Symbol       string
	BarTimestamp time.Time
	Regime       Regime
	Direction    Direction
	Volatility   VolBucket
	Bias         Bias
	Confidence   float64

	GEXRegime  GEXRegime
	GEXStrength float64

	// IVPercentile is in [0,1]; IVPercentileKnown is false when the rolling
	// 252-sample window (one sample per bar) has not yet filled.
	IVPercentile      float64
	IVPercentileKnown bool

	// Features is an opaque key->float snapshot agents may consult beyond
	// the typed fields above. Additions here are additive and versioned by
	// key name, never by reordering.
	Features map[string]float64
}

// InstrumentKind distinguishes the three tradable shapes an intent can take.
type InstrumentKind string

const (
	InstrumentStock         InstrumentKind = "STOCK"
	InstrumentOptionSingle  InstrumentKind = "OPTION_SINGLE"
	InstrumentOptionPackage InstrumentKind = "OPTION_PACKAGE"
)

// PackageKind names a supported multi-leg options structure.
type PackageKind string

const (
	PackageStraddle PackageKind = "STRADDLE"
	PackageStrangle PackageKind = "STRANGLE"
)

// Side is long/short at the package or leg level.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// SignOf returns +1 for LONG, -1 for SHORT.
func (s Side) SignOf() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}

// OptionMeta carries the option-package-specific fields of a TradeIntent.
type OptionMeta struct {
	PackageKind PackageKind
	Side        Side
	// StrikeRule is a pluggable strike/delta selection expression, e.g.
	// "ATM", "DELTA:0.25", evaluated by package strike (spec §9 open
	// question: strike selection is a pluggable policy of the Agent).
	StrikeRule string
	// ExpiryMinDTE/ExpiryMaxDTE bound the days-to-expiry window.
	ExpiryMinDTE int
	ExpiryMaxDTE int
	Contracts    int
}

// TradeIntent is a single agent's proposal.
type TradeIntent struct {
	Symbol         string
	AgentID        string
	Direction      Direction
	Magnitude      float64
	Confidence     float64
	Reason         string
	InstrumentKind InstrumentKind
	OptionMeta     *OptionMeta
}

// FinalIntent is the arbitrated output of the MetaPolicy.
type FinalIntent struct {
	Symbol         string
	PositionDelta  float64
	Confidence     float64
	PrimaryAgent   string
	Contributors   []string
	Reason         string
	InstrumentKind InstrumentKind
	OptionMeta     *OptionMeta
}

// Position is a stock position. Quantity>0 is long, <0 is short, 0 is
// absent.
type Position struct {
	Symbol          string
	Quantity        int64
	AvgEntryPrice   decimal.Decimal
	UnrealizedPnL   decimal.Decimal
	RealizedPnL     decimal.Decimal
}

// FillStatus is the lifecycle state of a submitted leg order.
type FillStatus string

const (
	FillPending  FillStatus = "PENDING"
	FillPartial  FillStatus = "PARTIAL"
	FillFilled   FillStatus = "FILLED"
	FillRejected FillStatus = "REJECTED"
)

// Right is call/put.
type Right string

const (
	RightCall Right = "CALL"
	RightPut  Right = "PUT"
)

// Leg is one side of a multi-leg options package.
type Leg struct {
	LegID          string
	ContractSymbol string
	Right          Right
	Strike         float64
	Expiry         time.Time
	Side           Side
	Quantity       int
	AvgEntryPrice  decimal.Decimal
	LastMark       decimal.Decimal
	Delta          float64
	Gamma          float64
	Theta          float64
	Vega           float64
	IV             float64
	FillStatus     FillStatus

	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
}

// Strategy names the agent-driven strategy that owns a package.
type Strategy string

const (
	StrategyThetaHarvester Strategy = "THETA_HARVESTER"
	StrategyGammaScalper   Strategy = "GAMMA_SCALPER"
)

// PackageState is the lifecycle state of a multi-leg package.
type PackageState string

const (
	PackageOpen    PackageState = "OPEN"
	PackageClosing PackageState = "CLOSING"
	PackageClosed  PackageState = "CLOSED"
	PackageBroken  PackageState = "BROKEN"
)

// Package is a multi-leg options position managed as a single unit.
type Package struct {
	PackageID string
	Symbol    string
	Strategy  Strategy
	Kind      PackageKind
	Side      Side
	Legs      []*Leg

	EntryTime              time.Time
	EntryCreditOrDebit     decimal.Decimal
	ExpectedCreditOrDebit  decimal.Decimal
	EntryIV                float64
	EntryGEXRegime         GEXRegime

	State     PackageState
	ExitTime  *time.Time
	ExitReason string

	UnrealizedPnL decimal.Decimal
	RealizedPnL   decimal.Decimal

	Orphan bool

	// barsHeld counts scheduler ticks since entry, used by max-hold exits.
	BarsHeld int
}

// NetDelta returns Σ sign(leg.side)*leg.quantity*leg.delta, in per-share
// terms (spec §3 "Net delta").
func (p *Package) NetDelta() float64 {
	total := 0.0
	for _, leg := range p.Legs {
		total += leg.Side.SignOf() * float64(leg.Quantity) * leg.Delta
	}
	return total
}

// HedgeState tracks the stock hedge for one open long-gamma package.
type HedgeState struct {
	PackageID          string
	CurrentShares      int64
	AvgSharePrice      decimal.Decimal
	RealizedHedgePnL   decimal.Decimal
	UnrealizedHedgePnL decimal.Decimal
	LastHedgeBar       int64
	HedgeTradesToday   int
	NotionalToday      decimal.Decimal
	TradeDay           string // YYYY-MM-DD, resets counters on change
}

// KillSwitch is the global risk gate level.
type KillSwitch string

const (
	KillSwitchOff  KillSwitch = "OFF"
	KillSwitchSoft KillSwitch = "SOFT"
	KillSwitchHard KillSwitch = "HARD"
)

// RiskState is the mutable risk-accounting state for the run.
type RiskState struct {
	StartingEquity    decimal.Decimal
	CurrentEquity     decimal.Decimal
	DayStartEquity    decimal.Decimal
	DailyPnL          decimal.Decimal
	MaxEquityHWM      decimal.Decimal
	ConsecutiveLosses int
	KillSwitch        KillSwitch
	BlocksByStrategy  map[Strategy]string
	TradeDay          string
}

// Order is a sized instruction ready for submission to the Broker.
type Order struct {
	ClientOrderID string
	Symbol        string
	ContractSymbol string // empty for stock orders
	Quantity      int64   // signed: positive buy, negative sell
	InstrumentKind InstrumentKind
	LimitPrice    decimal.Decimal // zero means "market" for paper fills
	Reason        string
}

// OrderStatus is the broker-reported outcome of a submitted order.
type OrderStatus string

const (
	OrderAccepted OrderStatus = "ACCEPTED"
	OrderFilled   OrderStatus = "FILLED"
	OrderPartial  OrderStatus = "PARTIAL"
	OrderRejected OrderStatus = "REJECTED"
)

// OrderResult is the Broker's response to a submitted Order.
type OrderResult struct {
	OrderID   string
	Status    OrderStatus
	FillQty   int64
	FillPrice decimal.Decimal
}

// Block describes why the RiskGate declined to size an intent.
type Block struct {
	Reason string
}

func (b Block) Error() string { return b.Reason }
