// Package attachments downloads turn attachments into local storage under
// a byte cap and hands the provider bridge a local reference.
package attachments

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nextlevelbuilder/codial/internal/apperr"
	"github.com/nextlevelbuilder/codial/internal/providers"
)

// Ingested pairs an attachment with its local path when downloaded.
type Ingested struct {
	providers.Attachment
	LocalPath string `json:"local_path,omitempty"`
}

// IngestorConfig configures the ingestor.
type IngestorConfig struct {
	DownloadEnabled bool
	MaxBytes        int64
	StorageDir      string
	Timeout         time.Duration
}

// Ingestor fetches attachment URLs into the storage directory. When
// downloads are disabled it passes URL metadata through untouched.
type Ingestor struct {
	cfg    IngestorConfig
	client *http.Client
}

// NewIngestor creates the ingestor.
func NewIngestor(cfg IngestorConfig) *Ingestor {
	return &Ingestor{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

// Ingest processes every attachment of a turn. Oversized attachments fail
// with ATTACHMENT_REJECTED (terminal, never retried); transport failures
// with ATTACHMENT_FETCH_FAILED.
func (i *Ingestor) Ingest(ctx context.Context, attachments []providers.Attachment) ([]Ingested, error) {
	out := make([]Ingested, 0, len(attachments))
	for _, att := range attachments {
		ing := Ingested{Attachment: att}
		if i.cfg.DownloadEnabled {
			path, err := i.download(ctx, att)
			if err != nil {
				return nil, err
			}
			ing.LocalPath = path
		}
		out = append(out, ing)
	}
	return out, nil
}

// Summary renders a short human description of the batch.
func Summary(attachments []Ingested) string {
	if len(attachments) == 0 {
		return "no attachments"
	}
	images, files := 0, 0
	for _, att := range attachments {
		if strings.HasPrefix(att.ContentType, "image/") {
			images++
		} else {
			files++
		}
	}
	return fmt.Sprintf("%d attachments (%d images, %d files)", len(attachments), images, files)
}

func (i *Ingestor) download(ctx context.Context, att providers.Attachment) (string, error) {
	if att.Size > i.cfg.MaxBytes {
		return "", apperr.Newf(apperr.CodeAttachmentRejected,
			"attachment %s is %d bytes, cap is %d", att.Filename, att.Size, i.cfg.MaxBytes)
	}

	if err := os.MkdirAll(i.cfg.StorageDir, 0o755); err != nil {
		return "", apperr.Wrap(apperr.CodeInternal, "create attachment dir", err)
	}
	target := filepath.Join(i.cfg.StorageDir, att.AttachmentID+"-"+sanitizeFilename(att.Filename))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, att.URL, nil)
	if err != nil {
		return "", apperr.Wrap(apperr.CodeInternal, "build attachment request", err)
	}
	resp, err := i.client.Do(req)
	if err != nil {
		return "", apperr.WrapTransient(apperr.CodeAttachmentFetchFailed,
			"attachment download network failure", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", apperr.Transient(apperr.CodeAttachmentFetchFailed,
			fmt.Sprintf("attachment download server error: status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return "", apperr.Newf(apperr.CodeAttachmentRejected,
			"attachment download rejected: status %d", resp.StatusCode)
	}

	// Read one byte past the cap so a lying Content-Length still trips it.
	data, err := io.ReadAll(io.LimitReader(resp.Body, i.cfg.MaxBytes+1))
	if err != nil {
		return "", apperr.WrapTransient(apperr.CodeAttachmentFetchFailed,
			"attachment download read failure", err)
	}
	if int64(len(data)) > i.cfg.MaxBytes {
		return "", apperr.Newf(apperr.CodeAttachmentRejected,
			"attachment %s body exceeds the %d byte cap", att.Filename, i.cfg.MaxBytes)
	}

	if err := os.WriteFile(target, data, 0o644); err != nil {
		return "", apperr.Wrap(apperr.CodeInternal, "store attachment", err)
	}
	return target, nil
}

func sanitizeFilename(name string) string {
	replacer := strings.NewReplacer("..", "_", "/", "_", "\\", "_")
	safe := replacer.Replace(name)
	if safe == "" {
		safe = "attachment"
	}
	return safe
}
