package detection

// Rule inspects an evaluation context and reports at most one alert.
// Evaluate must depend only on the context and the rule's own immutable
// configuration: no I/O, no clocks, no randomness, no shared mutable state.
type Rule interface {
	ID() string
	Evaluate(ec EvaluationContext) (*Alert, error)
}

// Describer is implemented by rules that can describe themselves for listings.
type Describer interface {
	Description() string
	DefaultSeverity() Severity
}

// RuleFunc adapts a function to the Rule interface.
type RuleFunc struct {
	RuleID string
	Fn     func(ec EvaluationContext) (*Alert, error)
}

// ID implements Rule.
func (f RuleFunc) ID() string { return f.RuleID }

// Evaluate implements Rule.
func (f RuleFunc) Evaluate(ec EvaluationContext) (*Alert, error) { return f.Fn(ec) }
