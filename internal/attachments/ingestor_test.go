package attachments

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/codial/internal/apperr"
	"github.com/nextlevelbuilder/codial/internal/providers"
)

func TestIngestPassthroughWhenDisabled(t *testing.T) {
	ing := NewIngestor(IngestorConfig{DownloadEnabled: false, MaxBytes: 100})

	got, err := ing.Ingest(context.Background(), []providers.Attachment{
		{AttachmentID: "a1", Filename: "x.png", URL: "http://example.invalid/x.png", Size: 10},
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(got) != 1 || got[0].LocalPath != "" {
		t.Errorf("disabled ingest must pass metadata only: %+v", got)
	}
}

func TestIngestDownloadsUnderCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("file body"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	ing := NewIngestor(IngestorConfig{
		DownloadEnabled: true,
		MaxBytes:        1024,
		StorageDir:      dir,
		Timeout:         2 * time.Second,
	})

	got, err := ing.Ingest(context.Background(), []providers.Attachment{
		{AttachmentID: "a1", Filename: "../evil/name.txt", URL: srv.URL, Size: 9},
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	want := filepath.Join(dir, "a1-__evil_name.txt")
	if got[0].LocalPath != want {
		t.Errorf("local path = %q, want %q", got[0].LocalPath, want)
	}
	data, err := os.ReadFile(got[0].LocalPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "file body" {
		t.Errorf("stored body = %q", data)
	}
}

func TestIngestRejectsDeclaredOversize(t *testing.T) {
	ing := NewIngestor(IngestorConfig{
		DownloadEnabled: true,
		MaxBytes:        8,
		StorageDir:      t.TempDir(),
	})

	_, err := ing.Ingest(context.Background(), []providers.Attachment{
		{AttachmentID: "a1", Filename: "big.bin", URL: "http://example.invalid/big", Size: 9},
	})
	if apperr.Code(err) != apperr.CodeAttachmentRejected {
		t.Errorf("code = %v, want ATTACHMENT_REJECTED", apperr.Code(err))
	}
	if apperr.IsRetryable(err) {
		t.Error("size rejection must not be retryable")
	}
}

func TestIngestRejectsLyingContentLength(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer srv.Close()

	ing := NewIngestor(IngestorConfig{
		DownloadEnabled: true,
		MaxBytes:        16,
		StorageDir:      t.TempDir(),
		Timeout:         2 * time.Second,
	})

	// Declared size fits; actual body does not.
	_, err := ing.Ingest(context.Background(), []providers.Attachment{
		{AttachmentID: "a1", Filename: "f", URL: srv.URL, Size: 8},
	})
	if apperr.Code(err) != apperr.CodeAttachmentRejected {
		t.Errorf("code = %v, want ATTACHMENT_REJECTED", apperr.Code(err))
	}
}

func TestIngestServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ing := NewIngestor(IngestorConfig{
		DownloadEnabled: true,
		MaxBytes:        100,
		StorageDir:      t.TempDir(),
		Timeout:         2 * time.Second,
	})

	_, err := ing.Ingest(context.Background(), []providers.Attachment{
		{AttachmentID: "a1", Filename: "f", URL: srv.URL, Size: 8},
	})
	if apperr.Code(err) != apperr.CodeAttachmentFetchFailed {
		t.Errorf("code = %v, want ATTACHMENT_FETCH_FAILED", apperr.Code(err))
	}
	if !apperr.IsRetryable(err) {
		t.Error("5xx fetch failure must be retryable")
	}
}

func TestSummary(t *testing.T) {
	if got := Summary(nil); got != "no attachments" {
		t.Errorf("empty summary = %q", got)
	}
	got := Summary([]Ingested{
		{Attachment: providers.Attachment{ContentType: "image/png"}},
		{Attachment: providers.Attachment{ContentType: "text/plain"}},
	})
	if got != "2 attachments (1 images, 1 files)" {
		t.Errorf("summary = %q", got)
	}
}
