package httpclient

import (
	"errors"
	"testing"
)

func TestParseURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		raw         string
		wantHost    string
		wantPort    int
		wantPath    string
		wantSecure  bool
		wantString  string
		wantRequest string
	}{
		{
			name: "http default port", raw: "http://example.com",
			wantHost: "example.com", wantPort: 80, wantPath: "/",
			wantString: "http://example.com:80/", wantRequest: "http://example.com/",
		},
		{
			name: "https with query", raw: "https://api.example.com/x?b=2&a=1",
			wantHost: "api.example.com", wantPort: 443, wantPath: "/x", wantSecure: true,
			wantString: "https://api.example.com:443/x?a=1&b=2", wantRequest: "https://api.example.com/x?a=1&b=2",
		},
		{
			name: "explicit port", raw: "http://127.0.0.1:8080/items/3",
			wantHost: "127.0.0.1", wantPort: 8080, wantPath: "/items/3",
			wantString: "http://127.0.0.1:8080/items/3", wantRequest: "http://127.0.0.1:8080/items/3",
		},
		{
			name: "uppercase scheme", raw: "HTTPS://example.com/",
			wantHost: "example.com", wantPort: 443, wantPath: "/", wantSecure: true,
			wantString: "https://example.com:443/", wantRequest: "https://example.com/",
		},
		{
			name: "wss is sent as https", raw: "wss://example.com/join",
			wantHost: "example.com", wantPort: 443, wantPath: "/join", wantSecure: true,
			wantString: "wss://example.com:443/join", wantRequest: "https://example.com/join",
		},
		{
			name: "ipv6 host", raw: "http://[::1]:9000/",
			wantHost: "::1", wantPort: 9000, wantPath: "/",
			wantString: "http://[::1]:9000/", wantRequest: "http://[::1]:9000/",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			u, err := ParseURL(tt.raw)
			if err != nil {
				t.Fatalf("ParseURL(%q) error = %v", tt.raw, err)
			}
			if u.Host != tt.wantHost {
				t.Errorf("Host = %q, want %q", u.Host, tt.wantHost)
			}
			if u.Port != tt.wantPort {
				t.Errorf("Port = %d, want %d", u.Port, tt.wantPort)
			}
			if u.Path != tt.wantPath {
				t.Errorf("Path = %q, want %q", u.Path, tt.wantPath)
			}
			if u.Secure() != tt.wantSecure {
				t.Errorf("Secure() = %v, want %v", u.Secure(), tt.wantSecure)
			}
			if u.String() != tt.wantString {
				t.Errorf("String() = %q, want %q", u.String(), tt.wantString)
			}
			if u.requestString() != tt.wantRequest {
				t.Errorf("requestString() = %q, want %q", u.requestString(), tt.wantRequest)
			}
		})
	}
}

func TestParseURLErrors(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{
		"ftp://example.com",
		"example.com/path",
		"http://",
		"http://example.com:0/",
		"http://example.com:70000/",
		"://broken",
	} {
		if _, err := ParseURL(raw); !errors.Is(err, ErrInvalidURL) {
			t.Errorf("ParseURL(%q) error = %v, want ErrInvalidURL", raw, err)
		}
	}
}

func TestPathAndQuery(t *testing.T) {
	t.Parallel()

	u, err := ParseURL("http://example.com/search?q=go+lang")
	if err != nil {
		t.Fatalf("ParseURL() error = %v", err)
	}
	if got := u.PathAndQuery(); got != "/search?q=go+lang" {
		t.Errorf("PathAndQuery() = %q, want %q", got, "/search?q=go+lang")
	}
}
