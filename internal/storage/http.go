package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/example/collab-sync/internal/protocol"
	"github.com/example/collab-sync/internal/types"
)

// maxSnapshotSize bounds a snapshot read from a backend.
const maxSnapshotSize = protocol.MaxPayloadSize

// HTTPBackend talks to a document API exposing
// GET and POST {base}/documents/{id} with binary bodies.
type HTTPBackend struct {
	base   string
	client *http.Client
}

// HTTPOption configures the HTTP backend.
type HTTPOption func(*HTTPBackend)

// WithHTTPClient overrides the client used for backend requests.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(b *HTTPBackend) {
		b.client = c
	}
}

// NewHTTPBackend constructs a backend rooted at baseURL.
func NewHTTPBackend(baseURL string, opts ...HTTPOption) *HTTPBackend {
	b := &HTTPBackend{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *HTTPBackend) documentURL(docID types.DocumentID) string {
	return b.base + "/documents/" + url.PathEscape(docID.String())
}

func (b *HTTPBackend) Fetch(ctx context.Context, docID types.DocumentID) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.documentURL(docID), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch document: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("fetch document: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSnapshotSize+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(body) > maxSnapshotSize {
		return nil, fmt.Errorf("snapshot exceeds %d bytes", maxSnapshotSize)
	}
	return body, nil
}

func (b *HTTPBackend) Store(ctx context.Context, docID types.DocumentID, snapshot []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.documentURL(docID), bytes.NewReader(snapshot))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("store document: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("store document: unexpected status %d", resp.StatusCode)
	}
	return nil
}
