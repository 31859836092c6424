package engine

import (
	"context"
	"sync"

	"github.com/taskerino/taskerino/internal/config"
)

var (
	globalMu sync.Mutex
	global   *Handle
)

// Get returns the process-wide engine, opening it lazily from the default
// config file on first use.
func Get(ctx context.Context) (*Handle, error) {
	globalMu.Lock()
	defer globalMu.Unlock()

	if global != nil {
		return global, nil
	}

	path, err := config.DefaultPath()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	h, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	global = h
	return global, nil
}

// CloseGlobal shuts down the process-wide engine if one was opened.
func CloseGlobal(ctx context.Context) error {
	globalMu.Lock()
	defer globalMu.Unlock()

	if global == nil {
		return nil
	}
	err := global.Shutdown(ctx)
	global = nil
	return err
}
