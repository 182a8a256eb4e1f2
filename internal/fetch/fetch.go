// Copyright © 2024 PackWisely Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fetch defines the Fetcher boundary Catalog and Installer consume
// to reach the network. It is deliberately small: the embedded desktop
// shell's own HTTP client is the real implementation in production, and
// this package only needs to describe the shape it must satisfy plus a
// plain net/http implementation for the CLI and for tests.
package fetch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/pkg/errors"
)

// Response is the result of a successful Fetcher.Get. ContentLength is -1
// when the server did not report one.
type Response struct {
	ContentLength int64
	Body          io.ReadCloser
}

// Fetcher is the network boundary consumed by Catalog and Installer. It is
// treated as an opaque collaborator — production wires it to the host
// application's own HTTP client.
type Fetcher interface {
	// Get issues a GET request for url and returns the response body as a
	// stream. The caller must Close the returned Response.Body.
	Get(ctx context.Context, url string) (*Response, error)
}

// HTTPFetcher is the default Fetcher, backed by net/http.
type HTTPFetcher struct {
	Client *http.Client
}

// NewHTTPFetcher creates an HTTPFetcher. A nil client uses http.DefaultClient.
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{Client: client}
}

// Get implements Fetcher.
func (f *HTTPFetcher) Get(ctx context.Context, url string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "building request for %s", url)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "fetching %s", url)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, errors.Errorf("fetching %s: unexpected status %s", url, resp.Status)
	}
	return &Response{ContentLength: resp.ContentLength, Body: resp.Body}, nil
}

// GetJSON fetches url and decodes the body into v, as the spec's
// Fetcher.json<T>() shorthand.
func GetJSON(ctx context.Context, f Fetcher, url string, v interface{}) error {
	resp, err := f.Get(ctx, url)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	return json.NewDecoder(resp.Body).Decode(v)
}

// GetBytes fetches url and returns the whole body in memory, used for the
// small channels.json/versions.json/manifest.json documents.
func GetBytes(ctx context.Context, f Fetcher, url string) ([]byte, error) {
	resp, err := f.Get(ctx, url)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	return io.ReadAll(resp.Body)
}
