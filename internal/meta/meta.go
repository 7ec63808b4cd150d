// Package meta arbitrates the TradeIntents proposed by the agent set into a
// single FinalIntent per symbol.
package meta

import (
	"sort"

	"github.com/lattice-quant/regime-engine/internal/model"
)

// Weights supplies the per-agent and per-regime/volatility multipliers the
// Score step needs. AgentWeight defaults to 1.0 for unknown agent ids;
// RegimeWeight/VolWeight default to 1.0 for unknown keys.
type Weights struct {
	AgentWeight  map[string]float64
	RegimeWeight map[string]map[model.Regime]float64 // agentID -> regime -> weight
	VolWeight    map[model.VolBucket]float64
	MinConf      float64
	// BlendTolerancePct is the "within 5%" relative score-gap tolerance
	// between the top two intents that triggers a blend instead of a
	// pick-highest-score decision.
	BlendTolerancePct float64
}

// DefaultWeights returns neutral weights (all 1.0) with the engine's
// default 5% blend tolerance and a 0.1 minimum confidence floor.
func DefaultWeights() Weights {
	return Weights{
		AgentWeight:       map[string]float64{},
		RegimeWeight:      map[string]map[model.Regime]float64{},
		VolWeight:         map[model.VolBucket]float64{},
		MinConf:           0.1,
		BlendTolerancePct: 0.05,
	}
}

func (w Weights) agentWeight(agentID string) float64 {
	if v, ok := w.AgentWeight[agentID]; ok {
		return v
	}
	return 1.0
}

func (w Weights) regimeWeight(agentID string, regime model.Regime) float64 {
	if m, ok := w.RegimeWeight[agentID]; ok {
		if v, ok := m[regime]; ok {
			return v
		}
	}
	return 1.0
}

func (w Weights) volWeight(vol model.VolBucket) float64 {
	if v, ok := w.VolWeight[vol]; ok {
		return v
	}
	return 1.0
}

type scored struct {
	intent model.TradeIntent
	score  float64
}

// Decide implements the MetaPolicy contract: filter, score, arbitrate.
func Decide(signal model.RegimeSignal, intents []model.TradeIntent, w Weights) model.FinalIntent {
	filtered := filter(signal, intents, w.MinConf)
	if len(filtered) == 0 {
		return model.FinalIntent{Symbol: signal.Symbol, PositionDelta: 0, Reason: "no_qualifying_intent"}
	}

	scoredIntents := make([]scored, 0, len(filtered))
	for _, in := range filtered {
		s := w.agentWeight(in.AgentID) * w.regimeWeight(in.AgentID, signal.Regime) * w.volWeight(signal.Volatility) * in.Confidence
		scoredIntents = append(scoredIntents, scored{intent: in, score: s})
	}

	sort.SliceStable(scoredIntents, func(i, j int) bool {
		if scoredIntents[i].score != scoredIntents[j].score {
			return scoredIntents[i].score > scoredIntents[j].score
		}
		wi, wj := w.agentWeight(scoredIntents[i].intent.AgentID), w.agentWeight(scoredIntents[j].intent.AgentID)
		if wi != wj {
			return wi > wj
		}
		return scoredIntents[i].intent.AgentID < scoredIntents[j].intent.AgentID
	})

	top := scoredIntents[0]
	if len(scoredIntents) == 1 {
		return toFinal(top.intent, []string{top.intent.AgentID}, top.intent.Magnitude)
	}

	second := scoredIntents[1]
	isMultiLeg := top.intent.InstrumentKind == model.InstrumentOptionPackage || second.intent.InstrumentKind == model.InstrumentOptionPackage
	withinTolerance := top.score > 0 && (top.score-second.score)/top.score <= w.BlendTolerancePct
	sameDirection := top.intent.Direction == second.intent.Direction

	if !isMultiLeg && withinTolerance && sameDirection {
		totalScore := top.score + second.score
		if totalScore <= 0 {
			totalScore = 1
		}
		blended := (top.intent.Magnitude*top.score + second.intent.Magnitude*second.score) / totalScore
		fin := toFinal(top.intent, []string{top.intent.AgentID, second.intent.AgentID}, blended)
		fin.Reason = "blended"
		return fin
	}

	return toFinal(top.intent, []string{top.intent.AgentID}, top.intent.Magnitude)
}

func toFinal(in model.TradeIntent, contributors []string, magnitude float64) model.FinalIntent {
	delta := magnitude
	if in.Direction == model.DirectionDown {
		delta = -magnitude
	} else if in.Direction == model.DirectionSideways {
		delta = 0
	}
	reason := in.Reason
	if reason == "" {
		reason = "top_score"
	}
	return model.FinalIntent{
		Symbol:         in.Symbol,
		PositionDelta:  delta,
		Confidence:     in.Confidence,
		PrimaryAgent:   in.AgentID,
		Contributors:   contributors,
		Reason:         reason,
		InstrumentKind: in.InstrumentKind,
		OptionMeta:     in.OptionMeta,
	}
}

func filter(signal model.RegimeSignal, intents []model.TradeIntent, minConf float64) []model.TradeIntent {
	out := make([]model.TradeIntent, 0, len(intents))
	for _, in := range intents {
		if in.Confidence < minConf {
			continue
		}
		if opposesHardBias(signal, in) {
			continue
		}
		out = append(out, in)
	}
	return out
}

// opposesHardBias drops an intent whose direction opposes a strongly held
// regime bias (confidence above 0.8) beyond tolerance — e.g. a SHORT
// proposal while the regime signal is strongly BULLISH.
func opposesHardBias(signal model.RegimeSignal, in model.TradeIntent) bool {
	if signal.Confidence < 0.8 {
		return false
	}
	if signal.Bias == model.BiasBullish && in.Direction == model.DirectionDown {
		return true
	}
	if signal.Bias == model.BiasBearish && in.Direction == model.DirectionUp {
		return true
	}
	return false
}
