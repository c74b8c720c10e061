package sink

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/heimdex/heimdex-render/internal/export"
)

// UploadError represents a rejected artifact upload.
type UploadError struct {
	StatusCode int
	Body       string
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("artifact upload failed: HTTP %d: %s", e.StatusCode, e.Body)
}

// IsRetryable returns true for server errors (5xx) and rate limiting.
// Other client errors (4xx) are considered permanent.
func (e *UploadError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

const cloudUploadAttempts = 3

// CloudSink uploads artifacts to the Heimdex cloud export endpoint.
type CloudSink struct {
	baseURL    string
	token      string
	orgID      string
	httpClient *http.Client
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

type cloudUploadResponse struct {
	URL string `json:"url"`
}

func NewCloudSink(baseURL, token, orgID string, logger *slog.Logger) *CloudSink {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &CloudSink{
		baseURL: baseURL,
		token:   token,
		orgID:   orgID,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
		logger: logger,
		sleep:  sleepCtx,
	}
}

func (c *CloudSink) Deliver(ctx context.Context, exportID string, a *export.Artifact) (*export.Delivery, error) {
	var lastErr error
	for attempt := 1; attempt <= cloudUploadAttempts; attempt++ {
		loc, err := c.upload(ctx, exportID, a)
		if err == nil {
			return &export.Delivery{Location: loc}, nil
		}
		lastErr = err

		var upErr *UploadError
		if errors.As(err, &upErr) && !upErr.IsRetryable() {
			return nil, err
		}
		if ctx.Err() != nil || attempt == cloudUploadAttempts {
			break
		}
		c.logger.Warn("artifact upload failed, retrying", "export_id", exportID, "attempt", attempt, "error", err)
		if err := c.sleep(ctx, time.Duration(attempt)*500*time.Millisecond); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *CloudSink) upload(ctx context.Context, exportID string, a *export.Artifact) (string, error) {
	endpoint := fmt.Sprintf("%s/api/exports/%s/artifact?name=%s",
		c.baseURL, url.PathEscape(exportID), url.QueryEscape(a.Name))

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(a.Data))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.ContentLength = int64(len(a.Data))
	req.Header.Set("Content-Type", a.ContentType)
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-Heimdex-Request-Id", generateRequestID())
	if c.orgID != "" {
		req.Header.Set("X-Heimdex-Org-Id", c.orgID)
	}

	c.logger.Info("uploading artifact to cloud",
		"url", endpoint,
		"export_id", exportID,
		"body_bytes", len(a.Data),
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &UploadError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var result cloudUploadResponse
	if err := json.Unmarshal(respBody, &result); err != nil || result.URL == "" {
		return endpoint, nil
	}
	return result.URL, nil
}

func generateRequestID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:])
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
