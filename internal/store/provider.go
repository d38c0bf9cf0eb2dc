package store

import (
	"context"
	"fmt"

	"github.com/subastamon/subastamon/internal/clock"
	"github.com/subastamon/subastamon/internal/config"
)

// Driver is a function that opens a database file and returns a Store.
type Driver func(ctx context.Context, cfg config.DatabaseConfig, clk clock.Clock) (Store, error)

// registry maps driver names to their factory functions.
var registry = map[string]Driver{}

// Register adds a named driver to the global registry.
// It is intended to be called from init() in each driver package.
func Register(name string, d Driver) {
	registry[name] = d
}

// Open selects the driver specified in cfg.Driver and returns a Store.
func Open(ctx context.Context, cfg config.DatabaseConfig, clk clock.Clock) (Store, error) {
	d, ok := registry[cfg.Driver]
	if !ok {
		return nil, fmt.Errorf("unknown store driver %q (registered: %v)", cfg.Driver, registeredNames())
	}
	return d(ctx, cfg, clk)
}

func registeredNames() []string {
	names := make([]string, 0, len(registry))
	for k := range registry {
		names = append(names, k)
	}
	return names
}
