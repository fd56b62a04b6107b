package content

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"imaging-edge-proxy/shared/config"
)

func testClient(baseURL string) *Client {
	return NewClient(config.Config{
		BackendAPIURL:       baseURL,
		ProxyKey:            "key-123",
		BackendAPITimeoutMS: 2000,
	})
}

func TestDownloadArchiveWritesFile(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/zip")
		_, _ = w.Write([]byte("zipbytes"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "bundle.zip")
	c := testClient(srv.URL)
	if err := c.DownloadArchive(context.Background(), "session", "sess_1", dest); err != nil {
		t.Fatalf("DownloadArchive: %v", err)
	}
	if gotAuth != "Token key-123" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if gotPath != "/api/dispatch/session/sess_1/archive" {
		t.Fatalf("request path = %q", gotPath)
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read dest: %v", err)
	}
	if string(data) != "zipbytes" {
		t.Fatalf("dest content = %q", data)
	}
}

func TestDownloadArchiveClassifiesStatusCodes(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   error
	}{
		{"server error", http.StatusInternalServerError, ErrTransient},
		{"too many requests", http.StatusTooManyRequests, ErrTransient},
		{"request timeout", http.StatusRequestTimeout, ErrTransient},
		{"not found", http.StatusNotFound, ErrPermanent},
		{"unauthorized", http.StatusUnauthorized, ErrPermanent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			c := testClient(srv.URL)
			err := c.DownloadArchive(context.Background(), "scan", "scan_1", filepath.Join(t.TempDir(), "b.zip"))
			if !errors.Is(err, tc.want) {
				t.Fatalf("status %d: got %v, want %v", tc.status, err, tc.want)
			}
		})
	}
}

func TestDownloadArchiveNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := testClient(srv.URL)
	err := c.DownloadArchive(context.Background(), "scan", "scan_1", filepath.Join(t.TempDir(), "b.zip"))
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("got %v, want ErrTransient", err)
	}
}
