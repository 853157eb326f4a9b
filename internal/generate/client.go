// Package generate implements dispatch.Capability against a remote image
// generation API and writes each returned image to disk as <name>.png.
package generate

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattjoyce/renderbatch/internal/dispatch"
	"github.com/mattjoyce/renderbatch/internal/log"
)

const (
	maxBackoff    = 30 * time.Second
	maxRetryAfter = 2 * time.Minute
)

// Config holds everything a Client needs for one output directory.
type Config struct {
	BaseURL     string
	Model       string
	APIKey      string
	Timeout     time.Duration
	AspectRatio string
	OutputDir   string

	// MaxRetries counts retries after the first attempt for 429 and 5xx.
	MaxRetries   int
	RetryBackoff time.Duration

	// DelayBetweenRequests spaces request starts made through this client.
	DelayBetweenRequests time.Duration
}

// Client calls the image API. It is safe for concurrent use.
type Client struct {
	cfg        Config
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	nextSlot time.Time
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is empty")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is empty")
	}
	if cfg.OutputDir == "" {
		return nil, fmt.Errorf("output dir is empty")
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Client{
		cfg:        cfg,
		endpoint:   fmt.Sprintf("%s/models/%s:generateContent", strings.TrimRight(cfg.BaseURL, "/"), cfg.Model),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     log.WithComponent("generate"),
		sleep:      sleepContext,
	}, nil
}

// Generate requests one image for prompt and saves it as <OutputDir>/<name>.png.
// API rejections come back as an unsuccessful Response; transport and
// filesystem problems come back as errors.
func (c *Client) Generate(ctx context.Context, prompt, name string) (dispatch.Response, error) {
	start := time.Now()
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return dispatch.Response{}, fmt.Errorf("invalid image name %q", name)
	}

	if err := c.waitTurn(ctx); err != nil {
		return dispatch.Response{}, err
	}

	body, err := json.Marshal(c.buildRequest(prompt))
	if err != nil {
		return dispatch.Response{}, fmt.Errorf("marshal request: %w", err)
	}

	status, respBody, err := c.post(ctx, body, name)
	if err != nil {
		return dispatch.Response{}, err
	}
	if status < 200 || status >= 300 {
		return failed(start, fmt.Sprintf("image API %d: %s", status, apiErrorMessage(respBody))), nil
	}

	var resp generateResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return failed(start, fmt.Sprintf("decode response: %v", err)), nil
	}
	img, reason := extractImage(resp)
	if img == nil {
		return failed(start, reason), nil
	}

	data, err := base64.StdEncoding.DecodeString(img.Data)
	if err != nil {
		return failed(start, fmt.Sprintf("decode image data: %v", err)), nil
	}
	if err := os.MkdirAll(c.cfg.OutputDir, 0o755); err != nil {
		return dispatch.Response{}, fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(c.cfg.OutputDir, name+".png")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return dispatch.Response{}, fmt.Errorf("write image: %w", err)
	}

	return dispatch.Response{
		Success:    true,
		OutputPath: path,
		Latency:    time.Since(start),
	}, nil
}

func (c *Client) buildRequest(prompt string) generateRequest {
	req := generateRequest{
		Contents: []content{{Parts: []part{{Text: prompt}}}},
		GenerationConfig: generationConfig{
			ResponseModalities: []string{"IMAGE"},
		},
	}
	if c.cfg.AspectRatio != "" {
		req.GenerationConfig.ImageConfig = &imageConfig{AspectRatio: c.cfg.AspectRatio}
	}
	return req
}

// post sends the request, retrying transient failures. It returns the final
// status and body, or an error when no HTTP response could be obtained.
func (c *Client) post(ctx context.Context, body []byte, name string) (int, []byte, error) {
	attempts := c.cfg.MaxRetries + 1
	logger := c.logger.With("job", name)

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return 0, nil, fmt.Errorf("new request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.cfg.APIKey != "" {
			req.Header.Set("x-goog-api-key", c.cfg.APIKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if attempt < attempts-1 && ctx.Err() == nil && isRetryableError(err) {
				logger.Warn("request failed, retrying", "attempt", attempt+1, "error", err)
				if err := c.sleep(ctx, backoffDuration(c.cfg.RetryBackoff, attempt)); err != nil {
					return 0, nil, err
				}
				continue
			}
			return 0, nil, fmt.Errorf("http do: %w", err)
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			if attempt < attempts-1 && isRetryableError(readErr) {
				if err := c.sleep(ctx, backoffDuration(c.cfg.RetryBackoff, attempt)); err != nil {
					return 0, nil, err
				}
				continue
			}
			return 0, nil, fmt.Errorf("read response body: %w", readErr)
		}

		if attempt < attempts-1 && isRetryableStatus(resp.StatusCode) {
			wait, ok := retryAfterDuration(resp.Header.Get("Retry-After"), time.Now())
			if !ok {
				wait = backoffDuration(c.cfg.RetryBackoff, attempt)
			}
			logger.Warn("transient API status, retrying", "status", resp.StatusCode, "attempt", attempt+1, "wait", wait)
			if err := c.sleep(ctx, wait); err != nil {
				return 0, nil, err
			}
			continue
		}

		logger.Debug("image API responded", "status", resp.StatusCode, "attempt", attempt+1)
		return resp.StatusCode, respBody, nil
	}
	if lastErr != nil {
		return 0, nil, lastErr
	}
	return 0, nil, fmt.Errorf("image request failed without a specific error")
}

// waitTurn spaces request starts by DelayBetweenRequests across goroutines.
func (c *Client) waitTurn(ctx context.Context) error {
	if c.cfg.DelayBetweenRequests <= 0 {
		return nil
	}
	c.mu.Lock()
	now := time.Now()
	slot := c.nextSlot
	if slot.Before(now) {
		slot = now
	}
	c.nextSlot = slot.Add(c.cfg.DelayBetweenRequests)
	c.mu.Unlock()

	return c.sleep(ctx, slot.Sub(now))
}

func extractImage(resp generateResponse) (*inlineData, string) {
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return nil, "prompt blocked: " + resp.PromptFeedback.BlockReason
	}
	if len(resp.Candidates) == 0 {
		return nil, "no candidates in response"
	}
	var text []string
	for _, cand := range resp.Candidates {
		for _, p := range cand.Content.Parts {
			if p.InlineData != nil && p.InlineData.Data != "" {
				return p.InlineData, ""
			}
			if p.Text != "" {
				text = append(text, p.Text)
			}
		}
	}
	reason := "no image in response"
	if fr := resp.Candidates[0].FinishReason; fr != "" && fr != "STOP" {
		reason += " (finish reason " + fr + ")"
	}
	if len(text) > 0 {
		reason += ": " + truncate(strings.Join(text, " "), 200)
	}
	return nil, reason
}

func apiErrorMessage(body []byte) string {
	var e apiErrorBody
	if err := json.Unmarshal(body, &e); err == nil && e.Error.Message != "" {
		return e.Error.Message
	}
	if s := strings.TrimSpace(string(body)); s != "" {
		return truncate(s, 500)
	}
	return "empty response body"
}

func failed(start time.Time, msg string) dispatch.Response {
	return dispatch.Response{ErrorMessage: msg, Latency: time.Since(start)}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func isRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// isRetryableError returns true for transient network failures and client timeouts.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "connection reset")
}

// backoffDuration is base * 2^attempt, capped.
func backoffDuration(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	d := base << attempt
	if d > maxBackoff || d <= 0 {
		d = maxBackoff
	}
	return d
}

// retryAfterDuration parses Retry-After as seconds or an HTTP-date.
func retryAfterDuration(h string, now time.Time) (time.Duration, bool) {
	h = strings.TrimSpace(h)
	if h == "" {
		return 0, false
	}
	var d time.Duration
	if secs, err := time.ParseDuration(h + "s"); err == nil && secs > 0 {
		d = secs
	} else if t, err := http.ParseTime(h); err == nil && t.After(now) {
		d = t.Sub(now)
	} else {
		return 0, false
	}
	if d > maxRetryAfter {
		d = maxRetryAfter
	}
	return d, true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
