package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/harun/docsync/internal/observability"
	"github.com/harun/docsync/pkg/ingesterr"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// maxInputChars keeps a single input under the model context window
// (8191 tokens) for ordinary prose.
const maxInputChars = 24000

// OpenAIProvider implements Provider for the OpenAI embeddings API
type OpenAIProvider struct {
	client    openai.Client
	model     string
	dimension int
	// reduced is true when dimension differs from the model's native size
	reduced bool
}

// OpenAIConfig holds OpenAI provider configuration
type OpenAIConfig struct {
	APIKey    string
	Model     string
	BaseURL   string // Optional, for compatible endpoints
	Dimension int    // Optional, 0 uses the model's native size
	Timeout   time.Duration
}

// NewOpenAIProvider creates a new OpenAI embedding provider
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, ingesterr.Validation("openai embeddings", "api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	native := nativeDimension(cfg.Model)
	dimension := cfg.Dimension
	if dimension <= 0 {
		dimension = native
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithRequestTimeout(cfg.Timeout),
		// The job queue owns retries.
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAIProvider{
		client:    openai.NewClient(opts...),
		model:     cfg.Model,
		dimension: dimension,
		reduced:   dimension != native,
	}, nil
}

func nativeDimension(model string) int {
	switch model {
	case "text-embedding-3-large":
		return 3072
	default:
		return DefaultDimension
	}
}

func (p *OpenAIProvider) Dimension() int {
	return p.dimension
}

func (p *OpenAIProvider) Model() string {
	return p.model
}

func (p *OpenAIProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := p.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (p *OpenAIProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if err := checkInput(texts); err != nil {
		return nil, err
	}

	input := make([]string, len(texts))
	for i, t := range texts {
		if len(t) > maxInputChars {
			t = strings.ToValidUTF8(t[:maxInputChars], "")
		}
		input[i] = t
	}

	params := openai.EmbeddingNewParams{
		Model:          openai.EmbeddingModel(p.model),
		Input:          openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: input},
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	}
	if p.reduced {
		params.Dimensions = openai.Int(int64(p.dimension))
	}

	start := time.Now()
	resp, err := p.client.Embeddings.New(ctx, params)
	observability.RecordEmbedding(time.Since(start))
	if err != nil {
		return nil, classifyError(err)
	}

	if len(resp.Data) != len(texts) {
		return nil, ingesterr.Transient("openai embeddings",
			fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data)))
	}

	vectors := make([][]float32, len(texts))
	for _, item := range resp.Data {
		if item.Index < 0 || int(item.Index) >= len(vectors) {
			return nil, ingesterr.Transient("openai embeddings", fmt.Errorf("embedding index %d out of range", item.Index))
		}
		vec := make([]float32, len(item.Embedding))
		for j, v := range item.Embedding {
			vec[j] = float32(v)
		}
		vectors[item.Index] = vec
	}
	return vectors, nil
}

// classifyError separates request errors that cannot succeed on retry from
// rate limits, server errors and network failures
func classifyError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests, apiErr.StatusCode >= 500:
			return ingesterr.Transient("openai embeddings", err)
		case apiErr.StatusCode >= 400:
			return ingesterr.New(ingesterr.KindValidation, "openai embeddings", err)
		}
	}
	return ingesterr.Transient("openai embeddings", err)
}

var _ Provider = (*OpenAIProvider)(nil)
