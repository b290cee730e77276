package archive_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/spunwebtech/wayback-relay/internal/archive"
	"github.com/spunwebtech/wayback-relay/internal/config"
	"github.com/spunwebtech/wayback-relay/internal/logger"
)

func newTestClient(t *testing.T, handler http.Handler) (*archive.Client, *httptest.Server) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := config.ArchiveConfig{
		AccessKey:            "test-access",
		SecretKey:            "test-secret",
		Timeout:              10 * time.Second,
		SaveEndpoint:         server.URL + "/save/",
		AvailabilityEndpoint: server.URL + "/wayback/available",
		S3TestEndpoint:       server.URL + "/",
		UserAgent:            "wayback-relay-test",
	}

	return archive.NewClient(cfg, logger.NewNopLogger()), server
}

func TestClient_Submit(t *testing.T) {
	var gotAuth string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Location", "/web/20260829120000/https://example.com/a")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`<html><script>spn.watchJob("spn2-abc123", []);</script></html>`))
	})

	client, _ := newTestClient(t, handler)

	result, err := client.Submit(context.Background(), "https://example.com/a")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if gotAuth != "LOW test-access:test-secret" {
		t.Errorf("Authorization header = %q, want LOW test-access:test-secret", gotAuth)
	}
	if result.ArchiveURL != "https://web.archive.org/web/20260829120000/https://example.com/a" {
		t.Errorf("ArchiveURL = %q", result.ArchiveURL)
	}
	if result.JobID != "spn2-abc123" {
		t.Errorf("JobID = %q, want spn2-abc123", result.JobID)
	}
	if result.Constructed {
		t.Error("Constructed = true for a header-reported archive URL")
	}
}

func TestClient_Submit_ConstructedFallback(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("<html>queued</html>"))
	})

	client, _ := newTestClient(t, handler)

	result, err := client.Submit(context.Background(), "https://example.com/a")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if !result.Constructed {
		t.Error("Constructed = false, want true when no header reports the snapshot")
	}
	if !strings.HasPrefix(result.ArchiveURL, "https://web.archive.org/web/") {
		t.Errorf("ArchiveURL = %q, want constructed wayback URL", result.ArchiveURL)
	}
	if !strings.HasSuffix(result.ArchiveURL, "/https://example.com/a") {
		t.Errorf("ArchiveURL = %q, want original URL suffix", result.ArchiveURL)
	}
}

func TestClient_Submit_ErrorClassification(t *testing.T) {
	testCases := []struct {
		name       string
		statusCode int
		wantErr    error
	}{
		{name: "rate limited is transient", statusCode: http.StatusTooManyRequests, wantErr: archive.ErrTransient},
		{name: "server error is transient", statusCode: http.StatusBadGateway, wantErr: archive.ErrTransient},
		{name: "not found is permanent", statusCode: http.StatusNotFound, wantErr: archive.ErrPermanent},
		{name: "forbidden is permanent", statusCode: http.StatusForbidden, wantErr: archive.ErrPermanent},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.statusCode)
			})
			client, _ := newTestClient(t, handler)

			_, err := client.Submit(context.Background(), "https://example.com/a")
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("Submit() error = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestClient_Submit_InvalidURL(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		t.Error("request made for invalid URL")
	}))

	testCases := []string{
		"not a url",
		"ftp://example.com/file",
		"https://",
	}

	for _, rawURL := range testCases {
		if _, err := client.Submit(context.Background(), rawURL); !errors.Is(err, archive.ErrPermanent) {
			t.Errorf("Submit(%q) error = %v, want ErrPermanent", rawURL, err)
		}
	}
}

func TestClient_Submit_NetworkError(t *testing.T) {
	handler := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {})
	client, server := newTestClient(t, handler)
	server.Close()

	_, err := client.Submit(context.Background(), "https://example.com/a")
	if !errors.Is(err, archive.ErrTransient) {
		t.Errorf("Submit() error = %v, want ErrTransient", err)
	}
}

func TestClient_CheckAvailability(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("url"); got != "https://example.com/a" {
			t.Errorf("url query param = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"archived_snapshots": {
				"closest": {
					"available": true,
					"url": "http://web.archive.org/web/20260801000000/https://example.com/a",
					"timestamp": "20260801000000",
					"status": "200"
				}
			}
		}`))
	})

	client, _ := newTestClient(t, handler)

	snapshot, err := client.CheckAvailability(context.Background(), "https://example.com/a")
	if err != nil {
		t.Fatalf("CheckAvailability() error = %v", err)
	}
	if snapshot == nil {
		t.Fatal("CheckAvailability() snapshot = nil, want closest snapshot")
	}
	if snapshot.Timestamp != "20260801000000" {
		t.Errorf("Timestamp = %q", snapshot.Timestamp)
	}
}

func TestClient_CheckAvailability_NoSnapshot(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"archived_snapshots": {}}`))
	})

	client, _ := newTestClient(t, handler)

	snapshot, err := client.CheckAvailability(context.Background(), "https://example.com/missing")
	if err != nil {
		t.Fatalf("CheckAvailability() error = %v", err)
	}
	if snapshot != nil {
		t.Errorf("CheckAvailability() snapshot = %+v, want nil", snapshot)
	}
}

func TestClient_TestConnection(t *testing.T) {
	testCases := []struct {
		name       string
		statusCode int
		wantErr    error
	}{
		{name: "ok means valid", statusCode: http.StatusOK},
		{name: "forbidden still means valid keys", statusCode: http.StatusForbidden},
		{name: "unauthorized means invalid keys", statusCode: http.StatusUnauthorized, wantErr: archive.ErrInvalidCredentials},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.statusCode)
			})
			client, _ := newTestClient(t, handler)

			err := client.TestConnection(context.Background())
			if tc.wantErr == nil && err != nil {
				t.Errorf("TestConnection() error = %v, want nil", err)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Errorf("TestConnection() error = %v, want %v", err, tc.wantErr)
			}
		})
	}
}
