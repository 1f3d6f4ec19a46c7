package imagehost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"wa-guard/internal/metrics"
)

// Config holds connection parameters for the image hosting service.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client uploads image bytes to an external hosting service and returns the
// public URL. Uploads are best-effort: callers treat failure as non-fatal.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// New creates a hosting client. A zero timeout defaults to 30 seconds.
func New(cfg Config, logger *slog.Logger, metricRegistry *metrics.Metrics) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With("component", "imagehost"),
		metrics:    metricRegistry,
	}
}

// Enabled reports whether a hosting endpoint is configured.
func (c *Client) Enabled() bool {
	return c.baseURL != ""
}

type uploadResponse struct {
	Data struct {
		URL string `json:"url"`
	} `json:"data"`
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// Upload posts the image bytes as a multipart form and returns the hosted URL.
func (c *Client) Upload(ctx context.Context, data []byte, filename string) (string, error) {
	if !c.Enabled() {
		return "", errors.New("image host not configured")
	}
	if len(data) == 0 {
		return "", errors.New("empty image payload")
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("image", filename)
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("write form file: %w", err)
	}
	if c.apiKey != "" {
		if err := writer.WriteField("key", c.apiKey); err != nil {
			return "", fmt.Errorf("write api key field: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, &body)
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	status := "error"
	defer func() {
		if c.metrics != nil {
			c.metrics.ImageHostRequests.WithLabelValues(status).Inc()
			c.metrics.ImageHostLatency.WithLabelValues(status).Observe(time.Since(start).Seconds())
		}
	}()
	if err != nil {
		return "", fmt.Errorf("upload image: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read upload response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("upload image: status %d: %s", resp.StatusCode, truncate(payload, 200))
	}

	var parsed uploadResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if !parsed.Success || parsed.Data.URL == "" {
		if parsed.Error != "" {
			return "", fmt.Errorf("upload rejected: %s", parsed.Error)
		}
		return "", errors.New("upload response missing url")
	}

	status = "ok"
	c.logger.Debug("image uploaded", "url", parsed.Data.URL, "bytes", len(data))
	return parsed.Data.URL, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
