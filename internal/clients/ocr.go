package clients

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/wjbmattingly/vlamy/internal/config"
	"github.com/wjbmattingly/vlamy/internal/orchestrator"
)

const ocrProbeName = "ocr"

// OCRClient reports whether the configured OCR providers are reachable. The
// transcription pipeline itself lives in the application; this client only
// checks that the credentials it will be handed work.
type OCRClient struct {
	cfg    config.OCRConfig
	cb     *gobreaker.CircuitBreaker
	httpDo func(req *http.Request) (*http.Response, error)
}

// NewOCRClient constructs an OCRClient. No request is made at construction.
func NewOCRClient(cfg config.OCRConfig, cb *gobreaker.CircuitBreaker) *OCRClient {
	timeout := cfg.ProbeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &OCRClient{
		cfg:    cfg,
		cb:     cb,
		httpDo: (&http.Client{Timeout: timeout}).Do,
	}
}

// Configured reports whether any OCR provider is set.
func (c *OCRClient) Configured() bool {
	return c.cfg.OpenAIAPIKey != "" || c.cfg.CustomEndpoint != ""
}

// Providers lists the configured provider names.
func (c *OCRClient) Providers() []string {
	var out []string
	if c.cfg.OpenAIAPIKey != "" {
		out = append(out, "openai")
	}
	if c.cfg.CustomEndpoint != "" {
		out = append(out, "custom")
	}
	return out
}

// Probe checks each configured provider. The custom endpoint is reachable on
// any status below 500; the OpenAI key must list models successfully.
func (c *OCRClient) Probe(ctx context.Context) orchestrator.ProbeResult {
	start := time.Now()

	_, err := c.cb.Execute(func() (any, error) {
		if !c.Configured() {
			return nil, errors.New("no OCR provider configured")
		}
		if c.cfg.CustomEndpoint != "" {
			if err := c.checkCustom(ctx); err != nil {
				return nil, err
			}
		}
		if c.cfg.OpenAIAPIKey != "" {
			if err := c.checkOpenAI(ctx); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})

	latency := time.Since(start).Milliseconds()

	if err != nil {
		errMsg := err.Error()
		if errors.Is(err, gobreaker.ErrOpenState) {
			errMsg = "circuit open"
		}
		return orchestrator.ProbeResult{Name: ocrProbeName, LatencyMs: latency, Error: errMsg}
	}
	return orchestrator.ProbeResult{Name: ocrProbeName, OK: true, LatencyMs: latency}
}

func (c *OCRClient) checkCustom(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.CustomEndpoint, nil)
	if err != nil {
		return fmt.Errorf("building custom OCR request: %w", err)
	}
	resp, err := c.httpDo(req)
	if err != nil {
		return fmt.Errorf("custom OCR endpoint: %w", err)
	}
	defer drain(resp)

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("custom OCR endpoint returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func (c *OCRClient) checkOpenAI(ctx context.Context) error {
	url := strings.TrimRight(c.cfg.OpenAIBaseURL, "/") + "/models"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building OpenAI request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.OpenAIAPIKey)

	resp, err := c.httpDo(req)
	if err != nil {
		return fmt.Errorf("OpenAI models: %w", err)
	}
	defer drain(resp)

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return errors.New("OpenAI rejected the API key")
	default:
		return fmt.Errorf("OpenAI models returned HTTP %d", resp.StatusCode)
	}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}
