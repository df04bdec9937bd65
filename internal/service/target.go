package service

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Input errors. ErrDecode and ErrParse are reported to callers identically
// but stay distinct here so each step can be tested on its own.
var (
	ErrMissingURL = errors.New(`missing "url" parameter`)
	ErrDecode     = errors.New("target is not valid base64")
	ErrParse      = errors.New("target is not an absolute URL")
	ErrProtocol   = errors.New("target scheme must be http or https")
)

// DecodeTarget turns the base64-encoded url query parameter into a validated
// http(s) URL.
func DecodeTarget(encoded string) (*url.URL, error) {
	if encoded == "" {
		return nil, ErrMissingURL
	}

	raw, err := decodeBase64(encoded)
	if err != nil {
		return nil, err
	}

	return parseTarget(raw)
}

// decodeBase64 decodes standard-alphabet base64. Padding is optional, tabs
// and line breaks are ignored anywhere in the input, and inner spaces are read
// back as '+', which is what form decoding of an unescaped query string turns
// them into.
func decodeBase64(encoded string) (string, error) {
	s := strings.Map(func(r rune) rune {
		switch r {
		case '\t', '\n', '\f', '\r':
			return -1
		}
		return r
	}, encoded)
	s = strings.ReplaceAll(strings.TrimSpace(s), " ", "+")

	enc := base64.StdEncoding
	if len(s)%4 != 0 {
		enc = base64.RawStdEncoding
	}

	b, err := enc.Strict().DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return string(b), nil
}

// parseTarget parses raw as an absolute URL and enforces the http/https scheme.
func parseTarget(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}
	if u.Scheme == "" {
		return nil, fmt.Errorf("%w: %q has no scheme", ErrParse, raw)
	}

	// url.Parse lowercases the scheme.
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: got %q", ErrProtocol, u.Scheme)
	}
	if u.Host == "" || u.Hostname() == "" {
		return nil, fmt.Errorf("%w: %q has no host", ErrParse, raw)
	}

	return u, nil
}
