package testutil

import (
	"sync"
)

// ScriptedSafety is a SafetyMonitor double with settable answers and a
// record of every notional reported to it.
type ScriptedSafety struct {
	mu         sync.Mutex
	allowEntry bool
	multiplier float64
	recorded   []float64
}

// NewScriptedSafety returns a safety monitor that allows entries at
// full size.
func NewScriptedSafety() *ScriptedSafety {
	return &ScriptedSafety{allowEntry: true, multiplier: 1.0}
}

// Block makes the monitor refuse new entries.
func (s *ScriptedSafety) Block() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowEntry = false
}

// Allow restores entry approval.
func (s *ScriptedSafety) Allow() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowEntry = true
}

// SetMultiplier sets the size multiplier returned to the engine.
func (s *ScriptedSafety) SetMultiplier(m float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.multiplier = m
}

// CanEnterNewTrade implements the engine's SafetyMonitor contract.
func (s *ScriptedSafety) CanEnterNewTrade() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.allowEntry
}

// PositionSizeMultiplier implements the engine's SafetyMonitor contract.
func (s *ScriptedSafety) PositionSizeMultiplier() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.multiplier
}

// RecordTrade implements the engine's SafetyMonitor contract.
func (s *ScriptedSafety) RecordTrade(notionalUSD float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorded = append(s.recorded, notionalUSD)
}

// RecordedNotionals returns a copy of every reported trade notional.
func (s *ScriptedSafety) RecordedNotionals() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]float64, len(s.recorded))
	copy(out, s.recorded)

	return out
}
