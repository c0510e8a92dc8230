package cardinal

import "time"

const (
	// DefaultSweepInterval is how often the lifecycle sweeper passes over the
	// replay buffer when the config leaves it unset.
	DefaultSweepInterval = 100 * time.Millisecond
)
