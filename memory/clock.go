package memory

import "time"

// Clock abstracts the monotonic clock behind idle aging so tests can
// simulate elapsed time instead of sleeping.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}
