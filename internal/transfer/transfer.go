package transfer

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"strings"

	errs "bookfetch/pkg/errors"
	"bookfetch/pkg/logger"
	"bookfetch/pkg/queue"
	"bookfetch/pkg/session"
	"bookfetch/pkg/storage"
)

// Transferrer performs the actual file download for one queue item using
// an authenticated session. It only moves bytes; which account to use and
// whether to retry are the engine's decisions.
type Transferrer struct {
	baseURL   string
	userAgent string
	store     *storage.Manager
	logger    logger.Logger
}

// New creates a transferrer for the given remote source
func New(baseURL, userAgent string, store *storage.Manager, log logger.Logger) *Transferrer {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Transferrer{
		baseURL:   strings.TrimRight(baseURL, "/"),
		userAgent: userAgent,
		store:     store,
		logger:    log,
	}
}

// FileNameFor returns the on-disk name an item will be stored under. The
// extension comes from the item's locator, defaulting to epub.
func FileNameFor(item *queue.Item) string {
	ext := path.Ext(item.Locator)
	if ext == "" || len(ext) > 8 {
		ext = ".epub"
	}
	return storage.FileName(item.Title, item.Author, ext)
}

// Transfer downloads the item through the session and stores it, returning
// the file name and its size in bytes. The remote serving an HTML page
// instead of the file means the account's daily allowance is spent.
func (t *Transferrer) Transfer(ctx context.Context, sess *session.Session, item *queue.Item) (string, int64, error) {
	url := item.Locator
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = t.baseURL + "/" + strings.TrimLeft(url, "/")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", 0, fmt.Errorf("failed to build download request: %w", err)
	}
	req.Header.Set("User-Agent", t.userAgent)

	t.logger.DebugWithFields("Downloading", map[string]interface{}{
		"item":    item.ID,
		"account": sess.AccountID,
		"url":     url,
	})

	resp, err := sess.Client.Do(req)
	if err != nil {
		return "", 0, errs.Wrap(errs.ErrorTypeTransient, "download request failed", err)
	}
	defer resp.Body.Close()

	if err := classifyResponse(resp); err != nil {
		return "", 0, err
	}

	filename := FileNameFor(item)
	size, err := t.store.SaveFrom(resp.Body, filename)
	if err != nil {
		return "", 0, errs.Wrap(errs.ErrorTypeTransient, "failed to store download", err)
	}

	return filename, size, nil
}

// classifyResponse maps the download response onto the error taxonomy
func classifyResponse(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return errs.New(errs.ErrorTypeAuth, fmt.Sprintf("download rejected with status %d", resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests:
		return errs.New(errs.ErrorTypeTransient, "download rate limited")
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return errs.New(errs.ErrorTypeTransient, fmt.Sprintf("download failed with status %d", resp.StatusCode))
	}

	// The remote answers a spent daily allowance with an HTML notice page
	// in place of the file
	if ct := resp.Header.Get("Content-Type"); strings.Contains(ct, "text/html") {
		return errs.New(errs.ErrorTypeQuotaExhausted, "remote served a notice page instead of the file")
	}

	return nil
}
