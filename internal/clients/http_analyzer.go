package clients

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/refserver/paperingest/internal/logging"
)

// HTTPAnalyzerClient is a single HTTP-based adapter that can back any subset
// of OCRCapability/QualityCapability/LayoutCapability/MetadataCapability,
// depending on which base URLs are configured. Modeled on the teacher's
// MageAgentClient request/response/error-wrapping style, with a circuit
// breaker added around the outbound call (spec.md calls for analyzer
// invocations to degrade, not cascade-fail, when a capability is flaky) and
// a token-bucket limiter to avoid overrunning a capability service.
type HTTPAnalyzerClient struct {
	ocrURL, qualityURL, layoutURL, metadataURL string
	httpClient                                 *http.Client
	logger                                     *logging.Logger
	limiter                                    *rate.Limiter
	breaker                                    *gobreaker.CircuitBreaker
}

// NewHTTPAnalyzerClient builds an adapter. Any URL left empty means that
// capability is unavailable — callers should not include the corresponding
// field in the Analyzers bundle.
func NewHTTPAnalyzerClient(ocrURL, qualityURL, layoutURL, metadataURL string, timeout time.Duration, logger *logging.Logger) *HTTPAnalyzerClient {
	return &HTTPAnalyzerClient{
		ocrURL: ocrURL, qualityURL: qualityURL, layoutURL: layoutURL, metadataURL: metadataURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		limiter:    rate.NewLimiter(rate.Limit(5), 10),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "analyzer-http",
			MaxRequests: 3,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
			},
		}),
	}
}

type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

func (c *HTTPAnalyzerClient) call(ctx context.Context, baseURL, path string, reqBody interface{}) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		body, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("X-Request-ID", fmt.Sprintf("analyzer-%d", time.Now().UnixNano()))

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("request to analyzer failed: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("analyzer returned status %d: %s", resp.StatusCode, string(respBody))
		}

		var env apiEnvelope
		if err := json.Unmarshal(respBody, &env); err != nil {
			return nil, fmt.Errorf("parse response: %w", err)
		}
		if !env.Success {
			return nil, fmt.Errorf("analyzer operation failed: %s", env.Message)
		}
		return []byte(env.Data), nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

// OCR implements OCRCapability.
func (c *HTTPAnalyzerClient) OCR(ctx context.Context, pdfPath string) (*OCRResult, error) {
	if c.ocrURL == "" {
		return nil, fmt.Errorf("ocr capability not configured")
	}
	raw, err := os.ReadFile(pdfPath)
	if err != nil {
		return nil, fmt.Errorf("read pdf: %w", err)
	}
	data, err := c.call(ctx, c.ocrURL, "/ocr", map[string]string{
		"document": base64.StdEncoding.EncodeToString(raw),
	})
	if err != nil {
		return nil, err
	}
	var out OCRResult
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse ocr result: %w", err)
	}
	out.OCRPerformed = true
	return &out, nil
}

// AssessQuality implements QualityCapability.
func (c *HTTPAnalyzerClient) AssessQuality(ctx context.Context, firstPageImagePath string) (*QualityResult, error) {
	if c.qualityURL == "" {
		return nil, fmt.Errorf("quality capability not configured")
	}
	raw, err := os.ReadFile(firstPageImagePath)
	if err != nil {
		return nil, fmt.Errorf("read first-page image: %w", err)
	}
	data, err := c.call(ctx, c.qualityURL, "/assess", map[string]string{
		"image": base64.StdEncoding.EncodeToString(raw),
	})
	if err != nil {
		return nil, err
	}
	var out QualityResult
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse quality result: %w", err)
	}
	return &out, nil
}

// AnalyzeLayout implements LayoutCapability.
func (c *HTTPAnalyzerClient) AnalyzeLayout(ctx context.Context, pdfPath string, pageCount int) (*LayoutResult, error) {
	if c.layoutURL == "" {
		return nil, fmt.Errorf("layout capability not configured")
	}
	raw, err := os.ReadFile(pdfPath)
	if err != nil {
		return nil, fmt.Errorf("read pdf: %w", err)
	}
	data, err := c.call(ctx, c.layoutURL, "/analyze", map[string]interface{}{
		"document":   base64.StdEncoding.EncodeToString(raw),
		"page_count": pageCount,
	})
	if err != nil {
		return nil, err
	}
	var out LayoutResult
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse layout result: %w", err)
	}
	return &out, nil
}

// ExtractMetadata implements MetadataCapability.
func (c *HTTPAnalyzerClient) ExtractMetadata(ctx context.Context, text string) (*MetadataResult, error) {
	if c.metadataURL == "" {
		return nil, fmt.Errorf("metadata capability not configured")
	}
	data, err := c.call(ctx, c.metadataURL, "/extract", map[string]string{"text": text})
	if err != nil {
		return nil, err
	}
	var out MetadataResult
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse metadata result: %w", err)
	}
	return &out, nil
}
