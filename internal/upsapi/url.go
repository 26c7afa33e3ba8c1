// Package upsapi talks to the remote UPS monitoring server: address
// conversion between the websocket stream and the HTTP API, snapshot
// decoding, and the request/response calls.
package upsapi

import (
	"errors"
	"fmt"
	"net/url"
)

// ErrUnsupportedScheme is returned for server addresses that are neither
// websocket nor HTTP.
var ErrUnsupportedScheme = errors.New("unsupported url scheme")

// HTTPURL converts a stream address into the HTTP API address for path.
// ws becomes http, wss becomes https, http(s) passes through. Query and
// fragment of the input are discarded.
func HTTPURL(serverURL, path string) (string, error) {
	u, err := parseServerURL(serverURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	return (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: path}).String(), nil
}

// StreamURL converts an HTTP address into the websocket address. Websocket
// addresses pass through unchanged.
func StreamURL(serverURL string) (string, error) {
	u, err := parseServerURL(serverURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String(), nil
}

// ValidateServerURL reports whether serverURL is usable as a server address.
func ValidateServerURL(serverURL string) error {
	_, err := parseServerURL(serverURL)
	return err
}

func parseServerURL(serverURL string) (*url.URL, error) {
	if serverURL == "" {
		return nil, fmt.Errorf("server url is empty")
	}
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("server url %q has no host", serverURL)
	}
	return u, nil
}
