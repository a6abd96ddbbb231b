// VoyageAI-backed EmbeddingCapability. Adapted from the teacher's
// internal/processor/embedding.go: request/response shapes, 100-item batch
// chunking, and per-item fallback-on-batch-failure are kept verbatim in
// spirit; logging moves from the stdlib log package to the shared
// logging.Logger, and the client now self-reports its Dimension() so
// duplicate-detection and the vector store can size collections without a
// hardcoded constant.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/refserver/paperingest/internal/logging"
)

// VoyageEmbeddingClient implements EmbeddingCapability against the VoyageAI
// embeddings API.
type VoyageEmbeddingClient struct {
	apiKey     string
	model      string
	dimension  int
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

type voyageEmbeddingRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type voyageEmbeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// NewVoyageEmbeddingClient constructs a client for the voyage-3 model
// (1024-dimensional output).
func NewVoyageEmbeddingClient(apiKey string, logger *logging.Logger) (*VoyageEmbeddingClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("VoyageAI API key is required")
	}
	return &VoyageEmbeddingClient{
		apiKey:    apiKey,
		model:     "voyage-3",
		dimension: 1024,
		baseURL:   "https://api.voyageai.com/v1/embeddings",
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}, nil
}

func (e *VoyageEmbeddingClient) Dimension() int { return e.dimension }

const maxEmbeddingChars = 16000

// Embed implements EmbeddingCapability.
func (e *VoyageEmbeddingClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("text is required")
	}
	embeddings, err := e.request(ctx, []string{truncate(text)})
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

// EmbedBatch implements EmbeddingCapability, chunking at VoyageAI's 100-text
// batch limit and falling back to per-item calls if a batch call fails.
func (e *VoyageEmbeddingClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("no texts provided")
	}

	const batchSize = 100
	all := make([][]float32, 0, len(texts))

	for i := 0; i < len(texts); i += batchSize {
		end := i + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[i:end]

		truncated := make([]string, len(batch))
		for j, t := range batch {
			truncated[j] = truncate(t)
		}

		embeddings, err := e.request(ctx, truncated)
		if err != nil {
			e.logger.Warn("batch embedding call failed, falling back to per-item calls", "range_start", i, "range_end", end-1, "error", err)
			for _, t := range truncated {
				emb, err := e.request(ctx, []string{t})
				if err != nil {
					return nil, fmt.Errorf("embed fallback item failed: %w", err)
				}
				embeddings = append(embeddings, emb[0])
			}
		}
		all = append(all, embeddings...)
	}

	return all, nil
}

func (e *VoyageEmbeddingClient) request(ctx context.Context, texts []string) ([][]float32, error) {
	reqBody := voyageEmbeddingRequest{Input: texts, Model: e.model}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", e.apiKey))

	start := time.Now()
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("VoyageAI API returned status %d: %s", resp.StatusCode, string(body))
	}

	var voyageResp voyageEmbeddingResponse
	if err := json.Unmarshal(body, &voyageResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if len(voyageResp.Data) != len(texts) {
		return nil, fmt.Errorf("unexpected number of embeddings: got %d, expected %d", len(voyageResp.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, d := range voyageResp.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("invalid embedding index: %d", d.Index)
		}
		if len(d.Embedding) != e.dimension {
			return nil, fmt.Errorf("unexpected embedding dimension for item %d: got %d, expected %d", d.Index, len(d.Embedding), e.dimension)
		}
		out[d.Index] = d.Embedding
	}

	e.logger.Debug("embedding request complete", "items", len(texts), "tokens", voyageResp.Usage.TotalTokens, "duration", time.Since(start))
	return out, nil
}

func truncate(text string) string {
	if len(text) > maxEmbeddingChars {
		return text[:maxEmbeddingChars]
	}
	return text
}
