package client

import (
	"fmt"
	"os"
	"strconv"

	"go.uber.org/zap"

	"github.com/cubzh/xpnet"
	"github.com/cubzh/xpnet/internal/httpclient"
	"github.com/cubzh/xpnet/internal/logging"
	"github.com/cubzh/xpnet/internal/websocket"
)

// Environment variables read by ConfigFromEnv.
const (
	EnvStorageDir            = "XPNET_STORAGE_DIR"
	EnvLogLevel              = "XPNET_LOG_LEVEL"
	EnvUserAgent             = "XPNET_USER_AGENT"
	EnvMaxConcurrentRequests = "XPNET_MAX_CONCURRENT_REQUESTS"
)

// Config configures a Context.
type Config struct {
	// StorageDir holds the HTTP cache and the cookie jar. When empty both
	// live in memory and are lost on shutdown.
	StorageDir string
	// UserAgent is sent by requests that set none.
	UserAgent string
	// MaxConcurrentRequests bounds HTTP transactions in flight.
	MaxConcurrentRequests int64
	// CacheCompression applies to newly written cache files.
	CacheCompression httpclient.Compression
	// CallbacksOnMain dispatches HTTP callbacks to the Main queue instead of
	// running them on the service goroutine. The application drains Main.
	CallbacksOnMain bool

	// Logging builds the logger when Logger is nil.
	Logging logging.Config
	Logger  *zap.Logger

	// Backend replaces the native network backend, mostly for tests.
	Backend websocket.Backend
}

// DefaultConfig returns an in-memory configuration. Callbacks run on the
// service goroutine.
func DefaultConfig() Config {
	return Config{
		UserAgent:             xpnet.DefaultUserAgent,
		MaxConcurrentRequests: xpnet.MaxConcurrentRequests,
		CacheCompression:      httpclient.CompressionNone,
		Logging:               logging.DefaultConfig(),
	}
}

// ConfigFromEnv returns DefaultConfig overlaid with the XPNET_* environment
// variables that are set.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv(EnvStorageDir); v != "" {
		cfg.StorageDir = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		if _, err := logging.ParseLevel(v); err != nil {
			return cfg, fmt.Errorf("client: %s: %w", EnvLogLevel, err)
		}
		cfg.Logging.Level = v
	}
	if v := os.Getenv(EnvUserAgent); v != "" {
		cfg.UserAgent = v
	}
	if v := os.Getenv(EnvMaxConcurrentRequests); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return cfg, fmt.Errorf("client: %s: invalid value %q", EnvMaxConcurrentRequests, v)
		}
		cfg.MaxConcurrentRequests = n
	}
	return cfg, nil
}
