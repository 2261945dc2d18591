// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package bridge

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	wardenerr "github.com/warden-dev/warden/pkg/errors"
)

// HTTPBridge is the NETWORK capability backend. GET only; response bodies
// are capped before they re-enter the sandbox.
type HTTPBridge struct {
	client  *http.Client
	maxBody int64
}

// FetchResult is the downstream answer handed back to the plugin.
type FetchResult struct {
	Status int    `json:"status"`
	Body   []byte `json:"body,omitempty"`
}

// NewHTTPBridge creates a bridge with a request timeout and body cap.
func NewHTTPBridge(timeout time.Duration, maxBody int64) *HTTPBridge {
	return &HTTPBridge{
		client:  &http.Client{Timeout: timeout},
		maxBody: maxBody,
	}
}

// Get fetches rawURL. Only http and https schemes are accepted.
func (b *HTTPBridge) Get(ctx context.Context, pluginID, rawURL string) (*FetchResult, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, wardenerr.New(wardenerr.CodeSecurityInvalidInput,
			"url must be http or https",
			wardenerr.FieldPlugin(pluginID), wardenerr.Field("url", rawURL))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, wardenerr.Wrapf(err, wardenerr.CodeSecurityInvalidInput, "building request for %s", rawURL)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, wardenerr.Wrapf(err, wardenerr.CodeBridgeHTTPFailure, "fetching %s", rawURL)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, b.maxBody))
	if err != nil {
		return nil, wardenerr.Wrapf(err, wardenerr.CodeBridgeHTTPFailure, "reading body from %s", rawURL)
	}

	return &FetchResult{Status: resp.StatusCode, Body: body}, nil
}
