package embedding

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/harun/docsync/pkg/ingesterr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func TestHashProvider(t *testing.T) {
	ctx := context.Background()
	p := NewHashProvider(64)
	assert.Equal(t, 64, p.Dimension())
	assert.Equal(t, 256, NewHashProvider(0).Dimension())

	a, err := p.EmbedQuery(ctx, "Quarterly revenue grew in Europe")
	require.NoError(t, err)
	again, err := p.EmbedQuery(ctx, "quarterly REVENUE grew, in europe!")
	require.NoError(t, err)
	assert.Equal(t, a, again, "tokenization ignores case and punctuation")
	assert.Len(t, a, 64)
	assert.InDelta(t, 1.0, cosine(a, a), 1e-6)

	docs, err := p.EmbedDocuments(ctx, []string{"revenue grew in europe", "the cat sat on the mat"})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Greater(t, cosine(a, docs[0]), cosine(a, docs[1]))

	punct, err := p.EmbedQuery(ctx, "?!")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, cosine(punct, punct), 1e-6)

	_, err = p.EmbedQuery(ctx, "   ")
	assert.True(t, ingesterr.IsKind(err, ingesterr.KindValidation))
	_, err = p.EmbedDocuments(ctx, nil)
	assert.True(t, ingesterr.IsKind(err, ingesterr.KindValidation))
}

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	args := m.Called(ctx, text)
	vec, _ := args.Get(0).([]float32)
	return vec, args.Error(1)
}

func (m *mockProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	args := m.Called(ctx, texts)
	vecs, _ := args.Get(0).([][]float32)
	return vecs, args.Error(1)
}

func (m *mockProvider) Dimension() int { return 2 }
func (m *mockProvider) Model() string  { return "mock" }

func TestCached_EmbedQuery(t *testing.T) {
	ctx := context.Background()
	inner := &mockProvider{}
	inner.On("EmbedQuery", ctx, "hello").Return([]float32{1, 0}, nil).Once()

	c := NewCached(inner, 10)
	for i := 0; i < 3; i++ {
		vec, err := c.EmbedQuery(ctx, "hello")
		require.NoError(t, err)
		assert.Equal(t, []float32{1, 0}, vec)
	}
	inner.AssertExpectations(t)
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, 2, c.Dimension())
	assert.Equal(t, "mock", c.Model())
}

func TestCached_EmbedDocumentsSendsOnlyMisses(t *testing.T) {
	ctx := context.Background()
	inner := &mockProvider{}
	inner.On("EmbedQuery", ctx, "b").Return([]float32{0, 1}, nil).Once()
	inner.On("EmbedDocuments", ctx, []string{"a", "c"}).Return([][]float32{{1, 0}, {1, 1}}, nil).Once()

	c := NewCached(inner, 10)
	_, err := c.EmbedQuery(ctx, "b")
	require.NoError(t, err)

	vecs, err := c.EmbedDocuments(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0}, {0, 1}, {1, 1}}, vecs)

	// Everything is cached now.
	vecs, err = c.EmbedDocuments(ctx, []string{"c", "a"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 1}, {1, 0}}, vecs)
	inner.AssertExpectations(t)
}

func TestCached_ErrorsAreNotCached(t *testing.T) {
	ctx := context.Background()
	inner := &mockProvider{}
	boom := ingesterr.Transient("embed", assert.AnError)
	inner.On("EmbedQuery", ctx, "x").Return(nil, boom).Twice()

	c := NewCached(inner, 10)
	_, err := c.EmbedQuery(ctx, "x")
	assert.ErrorIs(t, err, assert.AnError)
	_, err = c.EmbedQuery(ctx, "x")
	assert.Error(t, err)
	assert.Equal(t, 0, c.Len())
	inner.AssertExpectations(t)
}

func newEmbeddingServer(t *testing.T, status int, dims int) (*httptest.Server, *[]map[string]any) {
	t.Helper()
	var requests []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-test-key", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		requests = append(requests, body)

		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{"message": "nope", "type": "invalid_request_error"},
			})
			return
		}

		inputs, _ := body["input"].([]any)
		data := make([]map[string]any, len(inputs))
		// Answer in reverse order to check that results are placed by index.
		for i := range inputs {
			idx := len(inputs) - 1 - i
			vec := make([]float64, dims)
			vec[0] = float64(idx)
			data[i] = map[string]any{"object": "embedding", "index": idx, "embedding": vec}
		}
		json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data":   data,
			"model":  body["model"],
			"usage":  map[string]any{"prompt_tokens": 1, "total_tokens": 1},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &requests
}

func TestOpenAIProvider(t *testing.T) {
	ctx := context.Background()

	t.Run("requires key", func(t *testing.T) {
		_, err := NewOpenAIProvider(OpenAIConfig{})
		assert.True(t, ingesterr.IsKind(err, ingesterr.KindValidation))
	})

	t.Run("embeds in order", func(t *testing.T) {
		srv, requests := newEmbeddingServer(t, http.StatusOK, 4)
		p, err := NewOpenAIProvider(OpenAIConfig{APIKey: "sk-test-key", BaseURL: srv.URL + "/v1/"})
		require.NoError(t, err)
		assert.Equal(t, DefaultModel, p.Model())
		assert.Equal(t, DefaultDimension, p.Dimension())

		vecs, err := p.EmbedDocuments(ctx, []string{"zero", "one", "two"})
		require.NoError(t, err)
		require.Len(t, vecs, 3)
		for i, v := range vecs {
			assert.Equal(t, float32(i), v[0])
		}

		require.Len(t, *requests, 1)
		assert.Equal(t, DefaultModel, (*requests)[0]["model"])
		assert.NotContains(t, (*requests)[0], "dimensions")
	})

	t.Run("reduced dimension", func(t *testing.T) {
		srv, requests := newEmbeddingServer(t, http.StatusOK, 8)
		p, err := NewOpenAIProvider(OpenAIConfig{APIKey: "sk-test-key", BaseURL: srv.URL + "/v1/", Dimension: 8})
		require.NoError(t, err)

		vec, err := p.EmbedQuery(ctx, "hello")
		require.NoError(t, err)
		assert.Len(t, vec, 8)
		assert.EqualValues(t, 8, (*requests)[0]["dimensions"])
	})

	t.Run("client error is not retryable", func(t *testing.T) {
		srv, _ := newEmbeddingServer(t, http.StatusBadRequest, 4)
		p, err := NewOpenAIProvider(OpenAIConfig{APIKey: "sk-test-key", BaseURL: srv.URL + "/v1/"})
		require.NoError(t, err)

		_, err = p.EmbedQuery(ctx, "hello")
		require.Error(t, err)
		assert.False(t, ingesterr.Retryable(err))
	})

	t.Run("server error is retryable", func(t *testing.T) {
		srv, requests := newEmbeddingServer(t, http.StatusServiceUnavailable, 4)
		p, err := NewOpenAIProvider(OpenAIConfig{APIKey: "sk-test-key", BaseURL: srv.URL + "/v1/"})
		require.NoError(t, err)

		_, err = p.EmbedQuery(ctx, "hello")
		require.Error(t, err)
		assert.True(t, ingesterr.Retryable(err))
		assert.Len(t, *requests, 1, "the client must not retry on its own")
	})
}

func TestNew(t *testing.T) {
	p, err := New(Config{Provider: "hash", Dimension: 16, CacheSize: 5})
	require.NoError(t, err)
	assert.IsType(t, &Cached{}, p)
	assert.Equal(t, 16, p.Dimension())

	p, err = New(Config{Provider: "hash"})
	require.NoError(t, err)
	assert.IsType(t, &HashProvider{}, p)

	_, err = New(Config{Provider: "openai"})
	assert.Error(t, err)

	_, err = New(Config{Provider: "cohere"})
	assert.Error(t, err)
}
