package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"imaging-edge-proxy/shared/config"
)

var (
	ErrTransient = errors.New("transient download failure")
	ErrPermanent = errors.New("permanent download failure")
)

// Client downloads dispatch content bundles from the backend API.
type Client struct {
	baseURL  string
	proxyKey string
	http     *http.Client
}

func NewClient(cfg config.Config) *Client {
	return &Client{
		baseURL:  strings.TrimRight(cfg.BackendAPIURL, "/"),
		proxyKey: cfg.ProxyKey,
		http: &http.Client{
			Timeout:   time.Duration(cfg.BackendAPITimeoutMS) * time.Millisecond,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// DownloadArchive streams the zip bundle for an entity to destPath.
// Network errors and 5xx responses are transient, 4xx are permanent.
func (c *Client) DownloadArchive(ctx context.Context, entityType string, entityID string, destPath string) error {
	url := fmt.Sprintf("%s/api/dispatch/%s/%s/archive", c.baseURL, entityType, entityID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	req.Header.Set("Authorization", "Token "+c.proxyKey)
	req.Header.Set("Accept", "application/zip")

	resp, err := c.http.Do(req)
	if err != nil {
		// Network-level failures are always worth retrying.
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
	default:
		return fmt.Errorf("%w: status %d", ErrPermanent, resp.StatusCode)
	}

	out, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return nil
}
