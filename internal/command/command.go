// Package command holds the active high-level instruction for the robot.
package command

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/e7canasta/orion-nav/internal/types"
)

// Empty is the sentinel instruction: no directive active, output must be zero.
const Empty = ""

// stopInstruction triggers the stop round-trip reset (compared case-insensitively).
const stopInstruction = "stop"

var (
	// ErrMultipleValues is returned when an instruction event carries more than one value.
	ErrMultipleValues = errors.New("instruction event must carry a single value")

	// ErrNoValue is returned when an instruction event carries no value at all.
	ErrNoValue = errors.New("instruction event carries no value")
)

// ParseInstruction extracts the instruction from an event payload.
// Exactly one value is accepted.
func ParseInstruction(values []string) (string, error) {
	switch len(values) {
	case 0:
		return "", ErrNoValue
	case 1:
		return values[0], nil
	default:
		return "", fmt.Errorf("%w: got %d values", ErrMultipleValues, len(values))
	}
}

// State is the current instruction.
//
// Only the event loop mutates it. Reads from other goroutines (status
// endpoints) are lock-protected.
type State struct {
	mu      sync.RWMutex
	current string
	updates uint64
	resets  uint64
}

// NewState creates a State holding the initial instruction (may be Empty).
func NewState(initial string) *State {
	return &State{current: initial}
}

// Set replaces the current instruction.
func (s *State) Set(instruction string) {
	s.mu.Lock()
	previous := s.current
	s.current = instruction
	s.updates++
	s.mu.Unlock()

	if instruction == Empty {
		slog.Info("instruction cleared, waiting for next command", "previous", previous)
		return
	}
	slog.Info("instruction received", "instruction", instruction, "previous", previous)
}

// Current returns the latest instruction.
func (s *State) Current() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// IsEmpty reports whether no directive is active.
func (s *State) IsEmpty() bool {
	return s.Current() == Empty
}

// CompleteStop applies the stop round-trip rule.
//
// When an inference requested under "stop" (any case) yields the all-zero
// velocity, the robot has halted and the instruction resets to Empty so the
// scheduler stops re-issuing "stop". The reset only applies while the
// current instruction is still the one the request was made under; a newer
// command set in the meantime is kept. Returns true if the reset happened.
func (s *State) CompleteStop(requestedUnder string, v types.Velocity) bool {
	if !IsStop(requestedUnder) || !v.IsZero() {
		return false
	}

	s.mu.Lock()
	current := s.current
	superseded := current != requestedUnder
	if !superseded {
		s.current = Empty
		s.resets++
	}
	s.mu.Unlock()

	if superseded {
		slog.Info("stop completed, newer instruction kept", "requested_under", requestedUnder, "current", current)
		return false
	}
	slog.Info("stop completed, instruction reset", "requested_under", requestedUnder)
	return true
}

// Stats returns update and stop-reset counters.
func (s *State) Stats() (updates, stopResets uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updates, s.resets
}

// IsStop reports whether instruction is the stop directive.
func IsStop(instruction string) bool {
	return strings.EqualFold(instruction, stopInstruction)
}
