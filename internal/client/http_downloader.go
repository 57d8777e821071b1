package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/Eilodon/Pandora-Beta1-sub000/internal/errors"
	"github.com/Eilodon/Pandora-Beta1-sub000/internal/model"
)

// HTTPDownloaderConfig holds downloader configuration
type HTTPDownloaderConfig struct {
	Timeout       time.Duration // per request
	MaxRetries    int
	RetryInterval time.Duration
	UserAgent     string
}

// HTTPDownloader fetches blobs over HTTP. When the server advertises byte
// ranges and the blob is larger than the chunk size, the blob is fetched in
// sequential range requests so a failure only retries one chunk.
type HTTPDownloader struct {
	client *http.Client
	config *HTTPDownloaderConfig
	logger *zap.Logger
}

// StatusError is returned for unexpected HTTP status codes
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.StatusCode)
}

// Temporary reports whether retrying may succeed
func (e *StatusError) Temporary() bool {
	switch {
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 400 && e.StatusCode < 500:
		return false
	default:
		return true
	}
}

// NewHTTPDownloader creates a downloader. A nil client uses http.DefaultClient.
func NewHTTPDownloader(cfg *HTTPDownloaderConfig, httpClient *http.Client, logger *zap.Logger) *HTTPDownloader {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPDownloader{client: httpClient, config: cfg, logger: logger}
}

// Download implements Downloader
func (d *HTTPDownloader) Download(ctx context.Context, url string, chunkSize int64, progress ProgressFunc) ([]byte, error) {
	size, ranges := d.probe(ctx, url)

	if !ranges || chunkSize <= 0 || size <= chunkSize {
		var data []byte
		err := d.retry(ctx, url, func() error {
			body, _, err := d.get(ctx, url, "")
			if err != nil {
				return err
			}
			data = body
			return nil
		})
		if err != nil {
			return nil, errors.NetworkFailure(url, err).WithStage(model.StageNetwork)
		}
		if progress != nil {
			progress(int64(len(data)), int64(len(data)))
		}
		return data, nil
	}

	buf := bytes.NewBuffer(make([]byte, 0, size))
	for offset := int64(0); offset < size; {
		end := offset + chunkSize - 1
		if end >= size {
			end = size - 1
		}
		rangeHeader := fmt.Sprintf("bytes=%d-%d", offset, end)

		var chunk []byte
		var whole bool
		err := d.retry(ctx, url, func() error {
			body, status, err := d.get(ctx, url, rangeHeader)
			if err != nil {
				return err
			}
			chunk, whole = body, status == http.StatusOK
			return nil
		})
		if err != nil {
			return nil, errors.NetworkFailure(url, err).
				WithStage(model.StageNetwork).
				WithDetail("offset", offset)
		}

		if whole {
			// Server ignored the range header and sent everything
			if progress != nil {
				progress(int64(len(chunk)), int64(len(chunk)))
			}
			return chunk, nil
		}

		buf.Write(chunk)
		offset += int64(len(chunk))
		if progress != nil {
			progress(offset, size)
		}
		if len(chunk) == 0 {
			return nil, errors.NetworkFailure(url, io.ErrUnexpectedEOF).WithStage(model.StageNetwork)
		}
	}

	d.logger.Debug("Chunked download complete",
		zap.String("url", url),
		zap.Int64("bytes", size),
		zap.Int64("chunk_size", chunkSize))
	return buf.Bytes(), nil
}

// probe issues a HEAD request and reports the content length and whether byte
// ranges are accepted. Any failure falls back to a single GET.
func (d *HTTPDownloader) probe(ctx context.Context, url string) (int64, bool) {
	reqCtx, cancel := d.requestContext(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, url, nil)
	if err != nil {
		return -1, false
	}
	d.setHeaders(req)

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Debug("HEAD probe failed", zap.String("url", url), zap.Error(err))
		return -1, false
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return -1, false
	}
	size, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	if err != nil || size < 0 {
		return -1, false
	}
	return size, resp.Header.Get("Accept-Ranges") == "bytes"
}

func (d *HTTPDownloader) get(ctx context.Context, url, rangeHeader string) ([]byte, int, error) {
	reqCtx, cancel := d.requestContext(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, backoff.Permanent(err)
	}
	d.setHeaders(req)
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		serr := &StatusError{URL: url, StatusCode: resp.StatusCode}
		if !serr.Temporary() {
			return nil, resp.StatusCode, backoff.Permanent(serr)
		}
		return nil, resp.StatusCode, serr
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

func (d *HTTPDownloader) retry(ctx context.Context, url string, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	if d.config.RetryInterval > 0 {
		policy.InitialInterval = d.config.RetryInterval
	}
	policy.MaxElapsedTime = 0

	maxRetries := d.config.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(maxRetries)), ctx)

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		return op()
	}, b, func(err error, wait time.Duration) {
		d.logger.Warn("Download attempt failed, retrying",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))
	})
}

func (d *HTTPDownloader) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.config.Timeout > 0 {
		return context.WithTimeout(ctx, d.config.Timeout)
	}
	return context.WithCancel(ctx)
}

func (d *HTTPDownloader) setHeaders(req *http.Request) {
	if d.config.UserAgent != "" {
		req.Header.Set("User-Agent", d.config.UserAgent)
	}
}
