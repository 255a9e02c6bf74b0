package engine

import (
	"math"
	"sync"
	"time"

	"github.com/doctadg/perpstrader-sub009/pkg/types"
)

// signalFingerprint is the shape of the last accepted entry for a
// symbol, kept for duplicate suppression.
type signalFingerprint struct {
	action     string
	price      float64
	confidence float64
	reason     string
	at         time.Time
}

// gateState holds the per-symbol anti-churn state: last accepted
// fingerprint, the sliding signal-rate window, and the last accepted
// order time. One mutex covers all three tables so two concurrent
// signals for the same symbol cannot both claim the same cooldown slot.
type gateState struct {
	dedupWindow    time.Duration
	priceTolerance float64
	confDelta      float64
	maxPerMinute   int
	minInterval    time.Duration
	cooldown       time.Duration

	// Protected by mutex
	mu          sync.Mutex
	lastSignal  map[string]signalFingerprint
	signalTimes map[string][]time.Time
	lastOrderAt map[string]time.Time
}

func newGateState(dedupWindow time.Duration, priceTolerance, confDelta float64, maxPerMinute int, minInterval, cooldown time.Duration) *gateState {
	return &gateState{
		dedupWindow:    dedupWindow,
		priceTolerance: priceTolerance,
		confDelta:      confDelta,
		maxPerMinute:   maxPerMinute,
		minInterval:    minInterval,
		cooldown:       cooldown,
		lastSignal:     make(map[string]signalFingerprint),
		signalTimes:    make(map[string][]time.Time),
		lastOrderAt:    make(map[string]time.Time),
	}
}

// checkEntry runs the churn gates for an entry signal without recording
// anything. A nil return means every gate passed at this instant.
func (g *gateState) checkEntry(signal *types.TradingSignal, now time.Time) *types.RejectionError {
	g.mu.Lock()
	defer g.mu.Unlock()

	if rej := g.dedupLocked(signal, now); rej != nil {
		return rej
	}
	if rej := g.rateLocked(signal.Symbol, now); rej != nil {
		return rej
	}

	return g.intervalLocked(signal.Symbol, now)
}

// commitEntry re-checks the interval gates under the lock and records
// the accepted entry in every table. The re-check closes the race
// where two signals for one symbol both pass checkEntry while neither
// has stamped the cooldown yet.
func (g *gateState) commitEntry(signal *types.TradingSignal, now time.Time) *types.RejectionError {
	g.mu.Lock()
	defer g.mu.Unlock()

	if rej := g.intervalLocked(signal.Symbol, now); rej != nil {
		return rej
	}

	g.lastSignal[signal.Symbol] = signalFingerprint{
		action:     signal.Action,
		price:      signal.Price,
		confidence: signal.Confidence,
		reason:     signal.Reason,
		at:         now,
	}
	g.signalTimes[signal.Symbol] = append(g.pruneWindowLocked(signal.Symbol, now), now)
	g.lastOrderAt[signal.Symbol] = now

	return nil
}

// commitExit stamps the last accepted order time only. Exits bypass the
// churn gates, so they must not poison the entry fingerprint or the
// signal-rate window.
func (g *gateState) commitExit(symbol string, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.lastOrderAt[symbol] = now
}

func (g *gateState) dedupLocked(signal *types.TradingSignal, now time.Time) *types.RejectionError {
	fp, ok := g.lastSignal[signal.Symbol]
	if !ok || now.Sub(fp.at) >= g.dedupWindow || fp.action != signal.Action {
		return nil
	}

	samePrice := fp.price == signal.Price
	if !samePrice && fp.price > 0 && signal.Price > 0 {
		samePrice = math.Abs(signal.Price-fp.price)/fp.price < g.priceTolerance
	}
	sameStory := math.Abs(signal.Confidence-fp.confidence) < g.confDelta && signal.Reason == fp.reason

	if samePrice || sameStory {
		return types.NewRejection(types.RejectDuplicate,
			"duplicate %s signal for %s within %s of the last accepted one", signal.Action, signal.Symbol, g.dedupWindow)
	}

	return nil
}

func (g *gateState) rateLocked(symbol string, now time.Time) *types.RejectionError {
	recent := g.pruneWindowLocked(symbol, now)
	g.signalTimes[symbol] = recent
	if len(recent) >= g.maxPerMinute {
		return types.NewRejection(types.RejectRateLimited,
			"%d signals for %s in the last minute, limit %d", len(recent), symbol, g.maxPerMinute)
	}

	return nil
}

func (g *gateState) intervalLocked(symbol string, now time.Time) *types.RejectionError {
	last, ok := g.lastOrderAt[symbol]
	if !ok {
		return nil
	}

	elapsed := now.Sub(last)
	if elapsed < g.minInterval {
		return types.NewRejection(types.RejectMinInterval,
			"last %s order was %s ago, minimum interval %s", symbol, elapsed.Round(time.Millisecond), g.minInterval)
	}
	if elapsed < g.cooldown {
		return types.NewRejection(types.RejectCooldown,
			"%s is cooling down for another %s", symbol, (g.cooldown - elapsed).Round(time.Second))
	}

	return nil
}

// pruneWindowLocked drops rate-window entries older than one minute.
func (g *gateState) pruneWindowLocked(symbol string, now time.Time) []time.Time {
	times := g.signalTimes[symbol]
	cutoff := now.Add(-time.Minute)
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	return kept
}
