package chatsync

import (
	"context"
	"time"
)

// Clock supplies wall time to every debounce, throttle and expiry in the
// engine. Tests swap in a manual clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// taskRunner runs blocking work off the engine loop. The function returned by
// work is delivered back onto the loop; nil means nothing to apply.
type taskRunner interface {
	Spawn(work func(ctx context.Context) func())
}
