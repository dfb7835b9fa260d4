// Package security implements the worker-side policy gate: the emergency
// stop flag, action tier resolution, parameter sanitisation and the
// path-jail that confines every filesystem parameter to the configured
// allowed roots.
package security

import (
	"fmt"
	"sync/atomic"
)

// Tier is the risk tier of an action.
type Tier string

const (
	TierAuto    Tier = "AUTO"
	TierConfirm Tier = "CONFIRM"
	TierBlocked Tier = "BLOCKED"
)

// Outcome is the audit outcome vocabulary.
type Outcome string

const (
	OutcomeExecuted  Outcome = "EXECUTED"
	OutcomeBlocked   Outcome = "BLOCKED"
	OutcomeDenied    Outcome = "DENIED_BY_OPERATOR"
	OutcomeRateLimit Outcome = "RATE_LIMITED"
	OutcomeInternal  Outcome = "INTERNAL_ERROR"
)

// Violation is a typed policy failure. Reason is safe to surface to the
// caller; Outcome selects the audit record written for it.
type Violation struct {
	Outcome Outcome
	Tier    Tier
	Reason  string
}

func (v *Violation) Error() string { return v.Reason }

// Blocked builds a BLOCKED violation.
func Blocked(format string, args ...any) *Violation {
	return &Violation{
		Outcome: OutcomeBlocked,
		Tier:    TierBlocked,
		Reason:  fmt.Sprintf(format, args...),
	}
}

// StopFlag is the process-wide emergency stop. It is set and cleared only
// by emergency_stop / resume control frames and checked at the very top
// of the validation chain.
type StopFlag struct {
	stopped atomic.Bool
}

// Set engages the emergency stop.
func (f *StopFlag) Set() { f.stopped.Store(true) }

// Clear releases the emergency stop.
func (f *StopFlag) Clear() { f.stopped.Store(false) }

// Active reports whether the emergency stop is engaged.
func (f *StopFlag) Active() bool { return f.stopped.Load() }
