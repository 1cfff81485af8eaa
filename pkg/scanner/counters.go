package scanner

import (
	"github.com/sasha-s/go-deadlock"
)

// Counters is the bag of totals a scan accumulates. Workers on many
// goroutines increment it; tests and the final summary read it.
type Counters struct {
	mu     deadlock.Mutex
	values map[string]int
}

const (
	CounterImages        = "images"
	CounterRepositories  = "repositories"
	CounterTags          = "tags"
	CounterRetries       = "retries"
	CounterSkippedLayers = "skipped_layers"
)

func NewCounters() *Counters {
	return &Counters{values: map[string]int{}}
}

func (c *Counters) Inc(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[name]++
}

func (c *Counters) Get(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[name]
}

// Snapshot returns a copy of all counters for logging.
func (c *Counters) Snapshot() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()

	snapshot := make(map[string]int, len(c.values))
	for name, value := range c.values {
		snapshot[name] = value
	}
	return snapshot
}
