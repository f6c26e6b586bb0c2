package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"kptv-player/work/config"
)

// HeaderSettingClient wraps http.Client to automatically set headers
type HeaderSettingClient struct {
	Client *http.Client
	config *config.Config
}

// StatusError is returned for non-2xx responses. Code 0 means no HTTP response
// was received at all (DNS failure, refused connection, reset).
type StatusError struct {
	Code int
	URL  string
	Err  error
}

func (e *StatusError) Error() string {
	if e.Code == 0 {
		return fmt.Sprintf("no response from %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("HTTP %d from %s", e.Code, e.URL)
}

func (e *StatusError) Unwrap() error { return e.Err }

// Unreachable reports whether the error is a name resolution failure or a
// transport-level failure with no HTTP status.
func (e *StatusError) Unreachable() bool {
	if e.Code != 0 {
		return false
	}
	var dnsErr *net.DNSError
	if errors.As(e.Err, &dnsErr) {
		return true
	}
	return e.Err != nil && !errors.Is(e.Err, context.Canceled)
}

// NewHeaderSettingClient builds the client used for manifests and segments.
func NewHeaderSettingClient(config *config.Config) *HeaderSettingClient {
	client := &http.Client{
		Timeout: 0, // per-request timeouts come from the caller's context
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			DisableKeepAlives:     false,
			ResponseHeaderTimeout: 30 * time.Second,
		},
	}

	return &HeaderSettingClient{
		Client: client,
		config: config,
	}
}

func (hsc *HeaderSettingClient) Do(req *http.Request) (*http.Response, error) {
	hsc.setHeaders(req)
	return hsc.Client.Do(req)
}

// Fetch GETs url and returns the body. Failures are *StatusError.
func (hsc *HeaderSettingClient) Fetch(ctx context.Context, url string, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &StatusError{URL: url, Err: err}
	}

	resp, err := hsc.Do(req)
	if err != nil {
		return nil, &StatusError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Code: resp.StatusCode, URL: url}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &StatusError{Code: resp.StatusCode, URL: url, Err: err}
	}
	return body, nil
}

func (hsc *HeaderSettingClient) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", hsc.config.UserAgent)
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Accept", "*/*")

	if hsc.config.ReqOrigin != "" {
		req.Header.Set("Origin", hsc.config.ReqOrigin)
	}
	if hsc.config.ReqReferrer != "" {
		req.Header.Set("Referer", hsc.config.ReqReferrer)
	}
}
