package common

import (
	_ "embed"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"
)

//go:embed VERSION
var version string

// Version returns the embedded release version.
func Version() string {
	return strings.TrimSpace(version)
}

type userAgentTransport struct {
	transport http.RoundTripper
	userAgent string
}

// RoundTrip implements http.RoundTripper and sets the User-Agent header.
func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Clone the request to avoid modifying the original request's headers
	// which might be shared or reused
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.userAgent)
	return t.transport.RoundTrip(req)
}

// HTTPClient returns a default http client with a default user-agent set
func HTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &userAgentTransport{
			transport: http.DefaultTransport,
			userAgent: "SRPEnergy/" + Version(),
		},
		Timeout: timeout,
	}
}

// SessionClient returns an HTTPClient that keeps cookies between requests.
// Every call returns a client with its own jar so sessions never leak between
// accounts.
func SessionClient(timeout time.Duration) *http.Client {
	c := HTTPClient(timeout)
	// cookiejar.New only fails when given a PublicSuffixList that errors
	jar, _ := cookiejar.New(nil)
	c.Jar = jar
	return c
}
