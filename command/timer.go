package command

import (
	"fmt"
	"strconv"
)

const timerOp = "T"

// MinTimerDelay and MaxTimerDelay bound a timer delay in milliseconds.
// The instrument caps a single delay at one hour.
const (
	MinTimerDelay = 0
	MaxTimerDelay = 3600000
)

// TimerDelay pauses execution of the buffered command sequence for a number
// of milliseconds. It addresses the instrument timer rather than a side, so
// its fragment carries no side letter.
type TimerDelay struct {
	ms int
}

// NewTimerDelay creates a delay of ms milliseconds.
func NewTimerDelay(ms int) (*TimerDelay, error) {
	if ms < MinTimerDelay || ms > MaxTimerDelay {
		return nil, fmt.Errorf("%w: timer delay %d outside acceptable range [%d, %d]",
			ErrValidation, ms, MinTimerDelay, MaxTimerDelay)
	}
	return &TimerDelay{ms: ms}, nil
}

// Fragment renders the delay as the timer operation letter and the delay in
// milliseconds.
func (t *TimerDelay) Fragment() string {
	return timerOp + strconv.Itoa(t.ms)
}
