package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPReader implements Reader over plain HTTP GETs. Keys are either absolute
// http(s) URLs or paths joined to the base URL.
type HTTPReader struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPReader creates a new HTTP-based reader. baseURL may be empty when
// only absolute URLs are read.
func NewHTTPReader(baseURL string) *HTTPReader {
	return &HTTPReader{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// IsURL reports whether key is an absolute http(s) URL
func IsURL(key string) bool {
	return strings.HasPrefix(key, "http://") || strings.HasPrefix(key, "https://")
}

func (hr *HTTPReader) url(key string) (string, error) {
	if IsURL(key) {
		return key, nil
	}
	if hr.baseURL == "" {
		return "", fmt.Errorf("relative key %q without a base URL", key)
	}
	return hr.baseURL + "/" + strings.TrimLeft(key, "/"), nil
}

// GetReader returns the response body for key
func (hr *HTTPReader) GetReader(ctx context.Context, key string) (io.ReadCloser, error) {
	url, err := hr.url(key)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := hr.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", url, err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	return resp.Body, nil
}

// Exists issues a HEAD request for key
func (hr *HTTPReader) Exists(ctx context.Context, key string) (bool, error) {
	url, err := hr.url(key)
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := hr.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to check %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return true, nil
	}
	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}

	return false, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
}
