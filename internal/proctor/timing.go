package proctor

import (
	"fmt"
	"time"
)

// TimeStrategy decides how many seconds an interaction accrues on the
// question it leaves or acts on.
type TimeStrategy interface {
	// Accrue returns the seconds to add given when the question was entered
	// and the time of the interaction.
	Accrue(enteredAt, now time.Time) int
}

// FixedIncrement adds the same number of seconds per interaction,
// regardless of how long the student actually spent.
type FixedIncrement struct {
	Seconds int
}

func (f FixedIncrement) Accrue(_, _ time.Time) int { return f.Seconds }

// ElapsedTime measures the clock time since the question was entered.
type ElapsedTime struct{}

func (ElapsedTime) Accrue(enteredAt, now time.Time) int {
	if enteredAt.IsZero() || now.Before(enteredAt) {
		return 0
	}
	return int(now.Sub(enteredAt) / time.Second)
}

// Time strategy names accepted by ParseTimeStrategy.
const (
	TimeStrategyFixed   = "fixed"
	TimeStrategyElapsed = "elapsed"
)

// ParseTimeStrategy builds a strategy from its configured name.
func ParseTimeStrategy(name string, secondsPerInteraction int) (TimeStrategy, error) {
	switch name {
	case "", TimeStrategyFixed:
		return FixedIncrement{Seconds: secondsPerInteraction}, nil
	case TimeStrategyElapsed:
		return ElapsedTime{}, nil
	default:
		return nil, fmt.Errorf("unknown time strategy %q", name)
	}
}
