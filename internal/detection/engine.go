// Package detection evaluates an ordered set of rules against immutable
// evaluation contexts built from normalized chain events.
package detection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	// ErrRuleTimeout is wrapped by a RuleError when a rule exceeds its budget.
	ErrRuleTimeout = errors.New("rule exceeded its evaluation budget")
	// ErrContextTimeout reports that a context's deadline cut evaluation short.
	ErrContextTimeout = errors.New("context evaluation deadline exceeded")
	// ErrDuplicateRule is returned by NewEngine when two rules share an ID.
	ErrDuplicateRule = errors.New("duplicate rule id")
)

// RuleError records one rule failing for one context.
type RuleError struct {
	RuleID string
	Err    error
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("rule %s: %v", e.RuleID, e.Err)
}

func (e *RuleError) Unwrap() error {
	return e.Err
}

// EngineConfig holds rule engine settings.
type EngineConfig struct {
	// ContextTimeout bounds the evaluation of all rules for one context.
	ContextTimeout time.Duration
	// RuleTimeout bounds a single rule.
	RuleTimeout time.Duration
	// Disabled lists rule IDs left out of the registered set.
	Disabled []string
}

// DefaultEngineConfig returns the default engine configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		ContextTimeout: 250 * time.Millisecond,
		RuleTimeout:    50 * time.Millisecond,
	}
}

// Result is the outcome of evaluating one context.
type Result struct {
	// Alerts are in rule registration order.
	Alerts   []Alert
	Failures []*RuleError
	// TimedOut is set when the context deadline stopped evaluation; Skipped
	// lists the rules that did not complete.
	TimedOut bool
	Skipped  []string
}

// Err joins the failures and the timeout, if any, into one error.
func (r Result) Err() error {
	errs := make([]error, 0, len(r.Failures)+1)
	for _, f := range r.Failures {
		errs = append(errs, f)
	}
	if r.TimedOut {
		errs = append(errs, fmt.Errorf("%w: skipped %v", ErrContextTimeout, r.Skipped))
	}
	return errors.Join(errs...)
}

// Engine holds the registered rule set. The set is fixed at construction; the
// engine has no mutable state and Evaluate is safe for concurrent use.
type Engine struct {
	rules  []Rule
	config EngineConfig
}

// NewEngine registers rules in the given order, leaving out disabled IDs.
func NewEngine(config EngineConfig, logger *slog.Logger, rules ...Rule) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultEngineConfig()
	if config.ContextTimeout <= 0 {
		config.ContextTimeout = defaults.ContextTimeout
	}
	if config.RuleTimeout <= 0 {
		config.RuleTimeout = defaults.RuleTimeout
	}

	disabled := make(map[string]bool, len(config.Disabled))
	for _, id := range config.Disabled {
		disabled[id] = true
	}

	e := &Engine{config: config}
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		id := r.ID()
		if seen[id] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRule, id)
		}
		seen[id] = true

		if disabled[id] {
			logger.Info("rule disabled", "rule_id", id)
			continue
		}
		e.rules = append(e.rules, r)
		logger.Info("registered detection rule", "rule_id", id, "position", len(e.rules))
	}

	return e, nil
}

// Rules returns the registered rules in order.
func (e *Engine) Rules() []Rule {
	return append([]Rule(nil), e.rules...)
}

// Evaluate runs every registered rule against ec in registration order. A
// failing rule is recorded and the remaining rules still run. When the context
// deadline passes, the remaining rules are skipped and the alerts collected so
// far are returned.
func (e *Engine) Evaluate(ctx context.Context, ec EvaluationContext) Result {
	ctx, cancel := context.WithTimeout(ctx, e.config.ContextTimeout)
	defer cancel()

	var res Result
	for i, r := range e.rules {
		if ctx.Err() != nil {
			res.TimedOut = true
			res.Skipped = ruleIDs(e.rules[i:])
			break
		}

		alert, err := e.runRule(ctx, r, ec)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				res.TimedOut = true
				res.Skipped = ruleIDs(e.rules[i:])
				break
			}
			res.Failures = append(res.Failures, &RuleError{RuleID: r.ID(), Err: err})
			continue
		}
		if alert == nil {
			continue
		}

		a := *alert
		if a.RuleID == "" {
			a.RuleID = r.ID()
		}
		if a.Fingerprint == "" {
			a.Fingerprint = Fingerprint(a.RuleID, a.Event.TxHash.Hex(), fmt.Sprint(a.Event.LogIndex))
		}
		a.Details = append([]Detail(nil), alert.Details...)
		res.Alerts = append(res.Alerts, a)
	}

	return res
}

type ruleOutcome struct {
	alert *Alert
	err   error
}

// runRule evaluates r in its own goroutine so a slow rule can be abandoned.
// Go cannot preempt it, so an abandoned rule finishes in the background and
// its result is discarded.
func (e *Engine) runRule(ctx context.Context, r Rule, ec EvaluationContext) (*Alert, error) {
	done := make(chan ruleOutcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- ruleOutcome{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		alert, err := r.Evaluate(ec)
		done <- ruleOutcome{alert: alert, err: err}
	}()

	timer := time.NewTimer(e.config.RuleTimeout)
	defer timer.Stop()

	select {
	case out := <-done:
		return out.alert, out.err
	case <-timer.C:
		return nil, ErrRuleTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func ruleIDs(rules []Rule) []string {
	ids := make([]string, len(rules))
	for i, r := range rules {
		ids[i] = r.ID()
	}
	return ids
}
