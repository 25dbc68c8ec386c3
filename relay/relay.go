// Copyright 2026 The Sidelink Authors
// SPDX-License-Identifier: Apache-2.0

// Package relay is the client side of the out-of-band descriptor
// exchange service: an opaque "paste a blob, fetch a blob" HTTP
// endpoint. Callers upload an encoded descriptor and share the
// returned URL instead of the full payload; the peer dereferences the
// URL to fetch the descriptor back.
//
// The relay carries only opaque strings. It never sees decoded session
// descriptions and plays no part in signaling semantics.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Exchange uploads and fetches opaque descriptor payloads. The
// production implementation is [Client]; tests use [Memory].
type Exchange interface {
	// Upload stores payload and returns a dereferenceable URL for it.
	Upload(ctx context.Context, payload string) (string, error)

	// Fetch retrieves a payload previously stored at url.
	Fetch(ctx context.Context, url string) (string, error)
}

// IsURL reports whether input looks like a relay reference rather than
// a raw encoded descriptor.
func IsURL(input string) bool {
	return strings.HasPrefix(input, "http://") || strings.HasPrefix(input, "https://")
}

// blobDocument is the JSON body stored at the relay.
type blobDocument struct {
	SDP string `json:"sdp"`
}

// Compile-time interface check.
var _ Exchange = (*Client)(nil)

// Client talks to an HTTP blob relay. The relay contract is minimal:
// POST a JSON document to the base URL and receive its location in the
// Location response header; GET that location to read the document
// back.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a relay client for the given base URL. If
// httpClient is nil a client with a 15 second timeout is used.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{baseURL: baseURL, http: httpClient, logger: logger}
}

// Upload stores the payload at the relay and returns its URL. The URL
// is normalized to https — some relays hand back plain-http locations.
func (c *Client) Upload(ctx context.Context, payload string) (string, error) {
	body, err := json.Marshal(blobDocument{SDP: payload})
	if err != nil {
		return "", &TransportError{Op: "upload", URL: c.baseURL, Cause: err}
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return "", &TransportError{Op: "upload", URL: c.baseURL, Cause: err}
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := c.http.Do(request)
	if err != nil {
		return "", &TransportError{Op: "upload", URL: c.baseURL, Cause: err}
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return "", &TransportError{
			Op:    "upload",
			URL:   c.baseURL,
			Cause: fmt.Errorf("relay returned status %d", response.StatusCode),
		}
	}

	location := response.Header.Get("Location")
	if location == "" {
		return "", &TransportError{
			Op:    "upload",
			URL:   c.baseURL,
			Cause: fmt.Errorf("relay response has no Location header"),
		}
	}
	location = strings.Replace(location, "http://", "https://", 1)

	c.logger.Debug("descriptor uploaded to relay", "url", location)
	return location, nil
}

// Fetch retrieves the payload stored at url.
func (c *Client) Fetch(ctx context.Context, url string) (string, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", &TransportError{Op: "fetch", URL: url, Cause: err}
	}

	response, err := c.http.Do(request)
	if err != nil {
		return "", &TransportError{Op: "fetch", URL: url, Cause: err}
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return "", &TransportError{
			Op:    "fetch",
			URL:   url,
			Cause: fmt.Errorf("relay returned status %d", response.StatusCode),
		}
	}

	var document blobDocument
	if err := json.NewDecoder(response.Body).Decode(&document); err != nil {
		return "", &TransportError{Op: "fetch", URL: url, Cause: err}
	}
	if document.SDP == "" {
		return "", &TransportError{
			Op:    "fetch",
			URL:   url,
			Cause: fmt.Errorf("relay document has no sdp field"),
		}
	}

	return document.SDP, nil
}
