package xpnet

import (
	"errors"
	"time"
)

// Transport constants.
const (
	// WriteBufferSize is the size of the fragments pulled from a connection.
	WriteBufferSize = 512
	// ReadBufferSize is the size of the chunks read from a socket.
	ReadBufferSize = 1024
	// HTTPBodyChunkSize is the read size used to drain HTTP response bodies.
	HTTPBodyChunkSize = 2048
	// ProtocolName is the WebSocket sub-protocol spoken by clients and servers.
	ProtocolName = "join"
	// ConnectTimeout bounds the opening handshake of client sockets.
	ConnectTimeout = 60 * time.Second
	// MaxConcurrentRequests is the default cap on in-flight HTTP transactions.
	MaxConcurrentRequests = 50

	HTTPPort  = 80
	HTTPSPort = 443

	// HTTPCacheDir is the storage directory of cached HTTP responses.
	HTTPCacheDir = "http_cache"
	// CookieStoreFile is the storage path of persisted cookies.
	CookieStoreFile = "cookiestore.json"
	// DefaultUserAgent is sent when a request sets no User-Agent.
	DefaultUserAgent = "Cubzh"
)

// Standard error messages
const (
	ErrMsgConnectionClosed     = "connection is closed"
	ErrMsgNotConnected         = "connection is not established"
	ErrMsgResetNotAllowed      = "reset is not allowed on this connection"
	ErrMsgConnectNotAllowed    = "connect is not allowed on this connection"
	ErrMsgServiceNotRunning    = "socket service is not running"
	ErrMsgServerAlreadyRunning = "server already running"
)

var (
	ErrConnectionClosed     = errors.New(ErrMsgConnectionClosed)
	ErrNotConnected         = errors.New(ErrMsgNotConnected)
	ErrResetNotAllowed      = errors.New(ErrMsgResetNotAllowed)
	ErrConnectNotAllowed    = errors.New(ErrMsgConnectNotAllowed)
	ErrServiceNotRunning    = errors.New(ErrMsgServiceNotRunning)
	ErrServerAlreadyRunning = errors.New(ErrMsgServerAlreadyRunning)
)
