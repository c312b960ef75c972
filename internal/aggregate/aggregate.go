package aggregate

import (
	"fmt"
	"strings"
)

// Rule selects how per-message scores combine into a user aggregate.
type Rule string

const (
	RuleSum Rule = "sum"
	RuleAvg Rule = "avg"
	RuleMax Rule = "max"
)

func ParseRule(raw string) (Rule, error) {
	switch Rule(strings.ToLower(strings.TrimSpace(raw))) {
	case RuleSum:
		return RuleSum, nil
	case RuleAvg, "average":
		return RuleAvg, nil
	case RuleMax:
		return RuleMax, nil
	}
	return "", fmt.Errorf("aggregate: unknown rule %q (want sum, avg or max)", raw)
}

// Combiner holds the configured combination rule and flagging threshold.
// It is pure arithmetic: idempotency with respect to a given message is the
// checkpoint store's job, never re-derived here from score values.
type Combiner struct {
	Rule      Rule
	Threshold float64
}

// Add folds one newly scored message into the running total.
func (c Combiner) Add(total, score float64) float64 {
	if c.Rule == RuleMax {
		if score > total {
			return score
		}
		return total
	}
	return total + score
}

// Value computes the aggregate value the threshold is compared against.
func (c Combiner) Value(total float64, count int64) float64 {
	if c.Rule == RuleAvg {
		if count == 0 {
			return 0
		}
		return total / float64(count)
	}
	return total
}

// Flagged reports whether the aggregate exceeds the configured threshold.
func (c Combiner) Flagged(total float64, count int64) bool {
	return c.Value(total, count) > c.Threshold
}
