// Package client wires the socket service, the HTTP client, the cookie jar
// and the task queues into one explicit Context.
//
// Example usage:
//
//	ctx, err := client.New(client.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := ctx.Start(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
//	defer ctx.Shutdown(context.Background())
//
//	req, _ := ctx.HTTP().Get("https://example.com/", nil, client.Opts{}, nil)
//	resp, err := req.SendSync(context.Background())
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/cubzh/xpnet"
	"github.com/cubzh/xpnet/internal/connection"
	"github.com/cubzh/xpnet/internal/cookie"
	"github.com/cubzh/xpnet/internal/httpclient"
	"github.com/cubzh/xpnet/internal/logging"
	"github.com/cubzh/xpnet/internal/storage"
	"github.com/cubzh/xpnet/internal/taskqueue"
	"github.com/cubzh/xpnet/internal/websocket"
)

type (
	Request  = httpclient.Request
	Response = httpclient.Response
	Opts     = httpclient.Opts
)

// DefaultOpts sends requests immediately and honors cache freshness.
func DefaultOpts() Opts {
	return httpclient.DefaultOpts()
}

var ErrNotStarted = errors.New("client: context not started")

// Context owns every long-lived networking component of a process.
type Context struct {
	cfg     Config
	log     *zap.Logger
	storage storage.Storage

	service *websocket.Service
	cache   *httpclient.Cache
	cookies *cookie.Store
	http    *httpclient.Client

	main           *taskqueue.Queue
	background     *taskqueue.Queue
	slowBackground *taskqueue.Queue

	mu      sync.Mutex
	started bool
}

// New builds a stopped Context.
func New(cfg Config) (*Context, error) {
	def := DefaultConfig()
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.MaxConcurrentRequests <= 0 {
		cfg.MaxConcurrentRequests = def.MaxConcurrentRequests
	}

	log := cfg.Logger
	if log == nil {
		var err error
		if log, err = logging.New(cfg.Logging); err != nil {
			return nil, err
		}
	}

	var store storage.Storage
	if cfg.StorageDir == "" {
		store = storage.NewMemory()
	} else {
		dir, err := storage.NewDir(cfg.StorageDir)
		if err != nil {
			return nil, fmt.Errorf("client: storage: %w", err)
		}
		store = dir
	}

	backend := cfg.Backend
	if backend == nil {
		backend = websocket.NewNativeBackend(websocket.DefaultBackendConfig())
	}

	c := &Context{
		cfg:            cfg,
		log:            log,
		storage:        store,
		main:           taskqueue.NewSync(taskqueue.WithName("main"), taskqueue.WithLogger(log)),
		background:     taskqueue.NewAsync(taskqueue.WithName("background"), taskqueue.WithLogger(log)),
		slowBackground: taskqueue.NewAsync(taskqueue.WithName("slow-background"), taskqueue.WithLogger(log)),
	}

	svcCfg := websocket.DefaultServiceConfig()
	svcCfg.MaxConcurrentRequests = cfg.MaxConcurrentRequests
	svcCfg.Logger = log
	c.service = websocket.NewService(backend, svcCfg)

	c.cache = httpclient.NewCache(store, httpclient.CacheConfig{
		Dir:         xpnet.HTTPCacheDir,
		Compression: cfg.CacheCompression,
		Logger:      log,
	})
	c.cookies = cookie.NewStore(store, xpnet.CookieStoreFile, log)

	httpCfg := httpclient.Config{UserAgent: cfg.UserAgent, Logger: log}
	if cfg.CallbacksOnMain {
		httpCfg.CallbackQueue = c.main
	}
	c.http = httpclient.New(c.service, c.cache, c.cookies, httpCfg)
	return c, nil
}

// Start loads the persisted cookies and starts the socket service.
func (c *Context) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("client: %w", xpnet.ErrServerAlreadyRunning)
	}

	if err := c.cookies.Load(); err != nil {
		c.log.Warn("can't load cookies, starting with an empty jar", zap.Error(err))
	}
	if err := c.service.Start(ctx); err != nil {
		return err
	}
	c.started = true
	c.log.Info("client context started",
		zap.String("storage", c.cfg.StorageDir),
		zap.Int64("max_concurrent_requests", c.cfg.MaxConcurrentRequests))
	return nil
}

// Shutdown stops the service, then the queues. Pending queued tasks are
// dropped.
func (c *Context) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return ErrNotStarted
	}
	c.started = false
	c.mu.Unlock()

	err := errors.Join(
		c.service.Stop(ctx),
		c.background.Shutdown(ctx),
		c.slowBackground.Shutdown(ctx),
		c.main.Shutdown(ctx),
	)
	c.log.Info("client context stopped")
	_ = c.log.Sync()
	return err
}

// Started reports whether Start succeeded and Shutdown was not called.
func (c *Context) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

func (c *Context) Logger() *zap.Logger {
	return c.log
}

// HTTP returns the HTTP client.
func (c *Context) HTTP() *httpclient.Client {
	return c.http
}

// Service returns the socket service.
func (c *Context) Service() *websocket.Service {
	return c.service
}

// Cookies returns the cookie jar.
func (c *Context) Cookies() *cookie.Store {
	return c.cookies
}

// Main is a sync queue drained by the application with RunFirstN.
func (c *Context) Main() *taskqueue.Queue {
	return c.main
}

func (c *Context) Background() *taskqueue.Queue {
	return c.background
}

// SlowBackground is meant for long running tasks that should not delay
// Background.
func (c *Context) SlowBackground() *taskqueue.Queue {
	return c.slowBackground
}

// Dial creates an idle client socket for rawURL. Call Connect on it once its
// delegate is set.
func (c *Context) Dial(rawURL string) (*websocket.ClientConnection, error) {
	return c.service.NewClientConnection(rawURL)
}

// NewLocalPair returns two connected in-process connections.
func (c *Context) NewLocalPair() (xpnet.Connection, xpnet.Connection) {
	a, b := connection.NewLocalPair(c.log)
	return a, b
}
