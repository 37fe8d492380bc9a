package util

import (
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// Hard ceiling for any response body we are willing to read.
	maxHTTPBodySize = 100 * 1024 * 1024

	httpClientTimeout = 30 * time.Second
)

// Shared client so feed polling does not hang on a stalled upstream.
var httpClient = &http.Client{Timeout: httpClientTimeout}

// HTTPLimitedGet performs a GET request and returns the response body,
// limited to maxSize bytes. A body larger than the limit is an error,
// not a truncation. A maxSize of 0 (or anything above the ceiling)
// falls back to maxHTTPBodySize.
func HTTPLimitedGet(url string, maxSize int64) ([]byte, error) {
	if maxSize == 0 || maxSize > maxHTTPBodySize {
		maxSize = maxHTTPBodySize
	}
	resp, err := httpClient.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("request failed with status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > maxSize {
		return nil, fmt.Errorf("response body exceeded maximum size of %d bytes", maxSize)
	}
	return body, nil
}
