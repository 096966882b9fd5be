// Package policy implements the accept/reject/shadow decision chain run on
// every submitted event before it reaches storage.
package policy

import (
	"fmt"

	"github.com/tidemark-net/tidemark/types"
)

// Outcome of a policy evaluation.
type Outcome int

const (
	// Accept lets the event through to storage and broadcast.
	Accept Outcome = iota
	// Reject refuses the event with a reason surfaced to the publisher.
	Reject
	// Shadow acknowledges the event as accepted but drops it silently:
	// no storage, no broadcast. Indistinguishable from success to the
	// publisher.
	Shadow
)

func (o Outcome) String() string {
	switch o {
	case Accept:
		return "accept"
	case Reject:
		return "reject"
	case Shadow:
		return "shadow"
	default:
		return "unknown"
	}
}

// Verdict is the result of evaluating an event against a check.
type Verdict struct {
	Outcome Outcome
	// Reason is surfaced to the client on Reject; machine-readable prefixes
	// ("invalid:", "blocked:", "rate-limited:") follow protocol convention.
	Reason string
}

// Accepted is the passing verdict.
func Accepted() Verdict { return Verdict{Outcome: Accept} }

// Rejected refuses the event with the given reason.
func Rejected(format string, args ...any) Verdict {
	return Verdict{Outcome: Reject, Reason: fmt.Sprintf(format, args...)}
}

// Shadowed silently drops the event.
func Shadowed() Verdict { return Verdict{Outcome: Shadow} }

// Check is a single policy decision. connID identifies the submitting
// connection for per-connection checks such as rate limits.
type Check interface {
	Evaluate(e *types.Event, connID string) Verdict
}

// CheckFunc adapts a function to the Check interface.
type CheckFunc func(e *types.Event, connID string) Verdict

// Evaluate implements Check.
func (f CheckFunc) Evaluate(e *types.Event, connID string) Verdict {
	return f(e, connID)
}

type allChecks struct {
	checks []Check
}

// All combines checks into a fail-fast conjunction: the first non-Accept
// verdict wins, Accept only if every check accepts.
func All(checks ...Check) Check {
	return &allChecks{checks: checks}
}

func (a *allChecks) Evaluate(e *types.Event, connID string) Verdict {
	for _, c := range a.checks {
		if v := c.Evaluate(e, connID); v.Outcome != Accept {
			return v
		}
	}
	return Accepted()
}

type anyChecks struct {
	checks []Check
}

// Any combines checks into a fail-soft disjunction: the first Accept wins;
// Shadow short-circuits immediately; otherwise the last Reject's reason is
// returned. Any() with no checks accepts.
func Any(checks ...Check) Check {
	return &anyChecks{checks: checks}
}

func (a *anyChecks) Evaluate(e *types.Event, connID string) Verdict {
	last := Accepted()
	for _, c := range a.checks {
		v := c.Evaluate(e, connID)
		switch v.Outcome {
		case Accept:
			return v
		case Shadow:
			return v
		}
		last = v
	}
	return last
}
