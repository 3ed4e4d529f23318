// Package content keeps the persona reference-page cache fresh. The
// scheduler runs Refresh on an interval; pages older than the configured
// age are re-fetched over HTTP.
package content

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/zggf-zggf/neonrain/pkg/neonrain/store"
)

// maxPageBytes caps how much of a fetched page is stored.
const maxPageBytes = 1 << 20

// Pages is the slice of the store the refresher needs.
type Pages interface {
	StalePages(ctx context.Context, maxAge time.Duration) ([]store.ReferencePage, error)
	UpsertPage(ctx context.Context, url, content string) error
}

// Refresher re-fetches stale reference pages.
type Refresher struct {
	pages  Pages
	client *http.Client
	logger *slog.Logger
}

// NewRefresher creates a refresher with a bounded HTTP client.
func NewRefresher(pages Pages, logger *slog.Logger) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{
		pages:  pages,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger.With("component", "content"),
	}
}

// Refresh re-fetches every page older than maxAge. Individual fetch
// failures are logged and skipped; the stale copy stays usable.
func (r *Refresher) Refresh(ctx context.Context, maxAge time.Duration) error {
	stale, err := r.pages.StalePages(ctx, maxAge)
	if err != nil {
		return fmt.Errorf("listing stale pages: %w", err)
	}

	refreshed := 0
	for _, page := range stale {
		body, err := r.fetch(ctx, page.URL)
		if err != nil {
			r.logger.Warn("page refresh failed", "url", page.URL, "error", err)
			continue
		}
		if err := r.pages.UpsertPage(ctx, page.URL, body); err != nil {
			r.logger.Warn("storing refreshed page failed", "url", page.URL, "error", err)
			continue
		}
		refreshed++
	}

	if len(stale) > 0 {
		r.logger.Info("content refresh complete", "stale", len(stale), "refreshed", refreshed)
	}
	return nil
}

func (r *Refresher) fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return "", err
	}
	return string(body), nil
}
