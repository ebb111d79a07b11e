package httpclient

// Opts tune how a request is sent.
type Opts struct {
	// ForceCacheRevalidate skips a fresh cached response and asks the
	// server to revalidate it (Cache-Control: no-cache).
	ForceCacheRevalidate bool
	// SendNow sends the request as soon as it is created. When false the
	// request stays Waiting until SendAsync or SendSync is called.
	SendNow bool
}

// DefaultOpts sends immediately and honors cache freshness.
func DefaultOpts() Opts {
	return Opts{SendNow: true}
}
