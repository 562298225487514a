// Package fetch downloads raw event batches from the upstream feed. The feed
// publishes a small manifest naming the latest batch archive; the client
// resolves the manifest, downloads the archive and hands the extracted batch
// text to the pipeline. All upstream traffic goes through a rate limiter and
// a circuit breaker so a misbehaving feed cannot amplify into a request
// storm.
package fetch

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/obsglobal/flowscope/internal/config"
)

// batchSuffix marks the manifest entry carrying the knowledge-graph batch.
const batchSuffix = ".gkg.csv.zip"

// Client implements schemas.BatchSource against the upstream HTTP feed.
type Client struct {
	log     *zap.Logger
	cfg     config.FetchConfig
	http    *http.Client
	limiter *rate.Limiter
	breaker *breaker
}

// New returns a client for the configured manifest endpoint.
func New(logger *zap.Logger, cfg config.FetchConfig) *Client {
	return &Client{
		log:     logger.Named("fetch"),
		cfg:     cfg,
		http:    &http.Client{Timeout: 2 * time.Minute},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), 1),
		breaker: newBreaker(cfg.BreakerFailures, cfg.BreakerCooldown),
	}
}

// Fetch resolves the manifest and returns the latest batch text.
func (c *Client) Fetch(ctx context.Context) (string, error) {
	manifest, err := c.get(ctx, c.cfg.ManifestURL)
	if err != nil {
		return "", fmt.Errorf("fetching manifest: %w", err)
	}

	batchURL, err := parseManifest(string(manifest))
	if err != nil {
		return "", err
	}

	archive, err := c.get(ctx, batchURL)
	if err != nil {
		return "", fmt.Errorf("fetching batch archive: %w", err)
	}

	batch, err := extractBatch(archive)
	if err != nil {
		return "", err
	}
	c.log.Debug("batch downloaded",
		zap.String("url", batchURL),
		zap.Int("archive_bytes", len(archive)),
		zap.Int("batch_bytes", len(batch)))
	return batch, nil
}

// get performs one rate-limited, breaker-guarded GET with retries. Retries
// use exponential backoff from the configured base, capped; a 4xx status is
// not retried since the request itself is wrong.
func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := c.cfg.BackoffBase << (attempt - 1)
			if backoff > c.cfg.BackoffCap {
				backoff = c.cfg.BackoffCap
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		if !c.breaker.allow() {
			return nil, ErrBreakerOpen
		}

		body, retryable, err := c.doOnce(ctx, url)
		c.breaker.record(err)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
		c.log.Warn("upstream request failed, retrying",
			zap.String("url", url), zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return nil, fmt.Errorf("giving up after %d attempts: %w", c.cfg.MaxAttempts, lastErr)
}

func (c *Client) doOnce(ctx context.Context, url string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, false, fmt.Errorf("upstream returned %s", resp.Status)
	default:
		return nil, true, fmt.Errorf("upstream returned %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("reading response body: %w", err)
	}
	return body, false, nil
}

// parseManifest finds the batch archive URL in the manifest. Each line is
// "size hash url"; the batch entry is the one ending in the archive suffix.
func parseManifest(manifest string) (string, error) {
	for line := range strings.Lines(manifest) {
		fields := strings.Fields(line)
		if len(fields) != 3 {
			continue
		}
		if strings.HasSuffix(fields[2], batchSuffix) {
			return fields[2], nil
		}
	}
	return "", fmt.Errorf("manifest has no %s entry", batchSuffix)
}

// extractBatch returns the text of the first file in the archive.
func extractBatch(archive []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return "", fmt.Errorf("opening batch archive: %w", err)
	}
	if len(zr.File) == 0 {
		return "", fmt.Errorf("batch archive is empty")
	}

	f, err := zr.File[0].Open()
	if err != nil {
		return "", fmt.Errorf("opening archived batch: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return "", fmt.Errorf("reading archived batch: %w", err)
	}
	return string(data), nil
}
