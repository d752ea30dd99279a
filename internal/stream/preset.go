package stream

import (
	"sort"
	"sync"
	"time"

	"github.com/84hero/token-indexer/pkg/scanner"
)

// Preset defines a stream: what it watches and how often it polls.
type Preset struct {
	Interval time.Duration
	Events   []string
	// Build binds the stream's enumerator and mapper.
	Build func(d Deps, events []string) (scanner.Enumerator, scanner.Mapper)
}

var (
	registry = make(map[string]Preset)
	order    = make(map[string]int)
	mu       sync.RWMutex
)

// Register adds or replaces a stream preset.
func Register(name string, p Preset) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := order[name]; !ok {
		order[name] = len(order)
	}
	registry[name] = p
}

// Get retrieves a preset by stream name.
func Get(name string) (Preset, bool) {
	mu.RLock()
	defer mu.RUnlock()
	p, ok := registry[name]
	return p, ok
}

// Names lists the registered streams in registration order.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return order[names[i]] < order[names[j]] })
	return names
}
