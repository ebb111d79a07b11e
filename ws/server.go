package ws

import (
	"github.com/cubzh/xpnet"
	"github.com/cubzh/xpnet/internal/connection"
	"github.com/cubzh/xpnet/internal/websocket"
)

type RateLimitConfig = websocket.RateLimitConfig
type CheckOriginFn = websocket.CheckOriginFn
type ServerConfig = *websocket.ServerConfig
type ListenServer = websocket.ListenServer
type ServerConnection = websocket.ServerConnection

type Service = websocket.Service
type ServiceConfig = websocket.ServiceConfig
type ClientConnection = websocket.ClientConnection
type Backend = websocket.Backend
type BackendConfig = websocket.BackendConfig

// NewListenServer creates a WebSocket listen server. Call Start to accept
// connections; each one is offered to cfg.Delegate.
//
// Example:
//
//	server := ws.NewListenServer(ws.NewConfig(":8080", ws.DefaultRateLimitConfig(), ws.AllOrigins(), delegate))
//	if err := server.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
func NewListenServer(cfg ServerConfig) *ListenServer {
	return websocket.NewListenServer(cfg)
}

func NewConfig(addr string, rateLimitConfig *RateLimitConfig, checkOrigin CheckOriginFn, delegate xpnet.ListenServerDelegate) ServerConfig {
	return &websocket.ServerConfig{
		Addr:            addr,
		RateLimitConfig: rateLimitConfig,
		CheckOrigin:     checkOrigin,
		Delegate:        delegate,
	}
}

// AllOrigins returns the checkOrigin function that allows all origins
func AllOrigins() CheckOriginFn {
	return websocket.AllOrigins
}

// DefaultRateLimitConfig returns the default rate limit configuration
func DefaultRateLimitConfig() *RateLimitConfig {
	return websocket.DefaultRateLimitConfig()
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return websocket.NoRateLimit()
}

// NewService creates a socket service over the native network backend.
// Start it before connecting clients or sending HTTP requests.
func NewService(cfg ServiceConfig) *Service {
	return websocket.NewService(websocket.NewNativeBackend(websocket.DefaultBackendConfig()), cfg)
}

// NewServiceWithBackend creates a socket service over backend.
func NewServiceWithBackend(backend Backend, cfg ServiceConfig) *Service {
	return websocket.NewService(backend, cfg)
}

// DefaultServiceConfig returns the default service configuration.
func DefaultServiceConfig() ServiceConfig {
	return websocket.DefaultServiceConfig()
}

// NewLocalPair returns two connected in-process connections.
func NewLocalPair() (xpnet.Connection, xpnet.Connection) {
	a, b := connection.NewLocalPair(nil)
	return a, b
}
