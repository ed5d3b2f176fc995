// Package transport builds the HTTP client shared by the queue and content
// store clients.
package transport

import (
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const maxErrorBody = 4 << 10

// Config controls the outgoing HTTP client.
type Config struct {
	Timeout     time.Duration
	HeaderName  string
	HeaderValue string
}

// New returns an http.Client that attaches the configured auth header to
// every request. No header is sent unless both name and value are set.
func New(cfg Config) *http.Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	var rt http.RoundTripper = newHTTPTransport()
	if cfg.HeaderName != "" && cfg.HeaderValue != "" {
		rt = &authTransport{base: rt, name: cfg.HeaderName, value: cfg.HeaderValue}
	}
	return &http.Client{Transport: rt, Timeout: timeout}
}

type authTransport struct {
	base  http.RoundTripper
	name  string
	value string
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set(t.name, t.value)
	return t.base.RoundTrip(clone) //nolint:wrapcheck // transparent middleware
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
	}
}

// ReadErrorBody returns a trimmed excerpt of a failed response body.
func ReadErrorBody(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, maxErrorBody))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Drain discards the rest of a response body so the connection can be reused.
func Drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	_ = body.Close()
}

// Success reports whether the status code is 2xx.
func Success(code int) bool {
	return code >= 200 && code < 300
}
