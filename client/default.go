package client

import (
	"context"
	"errors"
	"sync"
)

var ErrAlreadyInitialized = errors.New("client: default context already initialized")

var (
	defaultMu  sync.Mutex
	defaultCtx *Context
)

// InitDefault creates and starts the process-wide Context.
func InitDefault(ctx context.Context, cfg Config) (*Context, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultCtx != nil {
		return nil, ErrAlreadyInitialized
	}

	c, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		return nil, err
	}
	defaultCtx = c
	return c, nil
}

// Default returns the process-wide Context, or nil before InitDefault.
func Default() *Context {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultCtx
}

// ShutdownDefault shuts the process-wide Context down and forgets it, so
// InitDefault may be called again.
func ShutdownDefault(ctx context.Context) error {
	defaultMu.Lock()
	c := defaultCtx
	defaultCtx = nil
	defaultMu.Unlock()

	if c == nil {
		return ErrNotStarted
	}
	return c.Shutdown(ctx)
}
