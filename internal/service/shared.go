package service

import (
	"context"
	"log/slog"
	"sync"

	"github.com/opta-dev/opta-browser/internal/metrics"
	"github.com/opta-dev/opta-browser/internal/port/outbound"
)

// The shared daemon is a process-wide singleton keyed by its options.
// Requesting different options tears the previous instance down
// (closing its sessions) before constructing the replacement.
var (
	sharedMu     sync.Mutex
	sharedDaemon *Daemon
)

// SharedDaemon returns the process-wide daemon for the given options,
// replacing any previous instance whose options differ.
func SharedDaemon(ctx context.Context, opts DaemonOptions, driver outbound.Driver, m *metrics.Metrics, logger *slog.Logger) (*Daemon, error) {
	opts = opts.withDefaults()
	sharedMu.Lock()
	defer sharedMu.Unlock()

	if sharedDaemon != nil {
		if sharedDaemon.Options() == opts && sharedDaemon.State() != DaemonKilled {
			return sharedDaemon, nil
		}
		if err := sharedDaemon.Stop(ctx, true); err != nil {
			return nil, err
		}
		if err := sharedDaemon.Close(); err != nil && logger != nil {
			logger.Warn("previous daemon close failed", "error", err)
		}
		sharedDaemon = nil
	}

	d, err := NewDaemon(opts, driver, m, logger)
	if err != nil {
		return nil, err
	}
	sharedDaemon = d
	return d, nil
}

// ResetSharedDaemon stops and clears the shared daemon, if any.
func ResetSharedDaemon(ctx context.Context) error {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if sharedDaemon == nil {
		return nil
	}
	err := sharedDaemon.Stop(ctx, true)
	if cerr := sharedDaemon.Close(); err == nil {
		err = cerr
	}
	sharedDaemon = nil
	return err
}
