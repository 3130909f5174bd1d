package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newOllamaServer fakes the two endpoints the provider touches. generate is
// invoked for each /api/generate call; /api/tags always reports the given
// models.
func newOllamaServer(t *testing.T, models []string, generate http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		type model struct {
			Name string `json:"name"`
		}
		resp := struct {
			Models []model `json:"models"`
		}{}
		for _, m := range models {
			resp.Models = append(resp.Models, model{Name: m})
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	if generate != nil {
		mux.HandleFunc("/api/generate", generate)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testProvider(endpoint string) *OllamaProvider {
	return NewOllamaProvider(&Config{
		Name:     "ollama",
		Endpoint: endpoint,
		Model:    "llama3",
		Timeout:  5 * time.Second,
		PoolSize: 2,
	}, zerolog.Nop())
}

func TestOllamaInitialize(t *testing.T) {
	t.Run("model present", func(t *testing.T) {
		srv := newOllamaServer(t, []string{"llama3:latest"}, nil)
		p := testProvider(srv.URL)
		require.NoError(t, p.Initialize(context.Background()))
		assert.True(t, p.IsReady())
	})

	t.Run("server unreachable", func(t *testing.T) {
		p := testProvider("http://127.0.0.1:1")
		err := p.Initialize(context.Background())
		require.Error(t, err)
		assert.False(t, p.IsReady())
	})

	t.Run("missing model triggers provisioning", func(t *testing.T) {
		var pulled atomic.Bool
		mux := http.NewServeMux()
		mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"models":[{"name":"other"}]}`))
		})
		mux.HandleFunc("/api/pull", func(w http.ResponseWriter, r *http.Request) {
			pulled.Store(true)
			_, _ = w.Write([]byte(`{"status":"success"}`))
		})
		srv := httptest.NewServer(mux)
		defer srv.Close()

		p := testProvider(srv.URL)
		require.NoError(t, p.Initialize(context.Background()))
		assert.True(t, pulled.Load())
	})
}

func TestOllamaGenerateCompletion(t *testing.T) {
	t.Run("successful completion", func(t *testing.T) {
		srv := newOllamaServer(t, []string{"llama3"}, func(w http.ResponseWriter, r *http.Request) {
			var req ollamaGenerateRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.False(t, req.Stream)
			assert.Equal(t, "json", req.Format)
			assert.Equal(t, "llama3", req.Model)

			_ = json.NewEncoder(w).Encode(ollamaGenerateResponse{
				Model:           "llama3",
				Response:        `{"name":"x"}`,
				Done:            true,
				PromptEvalCount: 10,
				EvalCount:       5,
			})
		})

		p := testProvider(srv.URL)
		resp, err := p.GenerateCompletion(context.Background(), &CompletionRequest{
			Prompt: "parse this",
			Format: "json",
		})
		require.NoError(t, err)
		assert.Equal(t, `{"name":"x"}`, resp.Text)
		assert.Equal(t, 15, resp.TotalTokens)
		assert.Equal(t, "ollama", resp.Meta.Name)
	})

	t.Run("unreachable server short-circuits with service unavailable", func(t *testing.T) {
		p := testProvider("http://127.0.0.1:1")
		_, err := p.GenerateCompletion(context.Background(), &CompletionRequest{Prompt: "x"})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrServiceUnavailable)
	})

	t.Run("empty completion is an error", func(t *testing.T) {
		srv := newOllamaServer(t, []string{"llama3"}, func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(ollamaGenerateResponse{Response: "  "})
		})
		p := testProvider(srv.URL)
		_, err := p.GenerateCompletion(context.Background(), &CompletionRequest{Prompt: "x"})
		assert.ErrorIs(t, err, ErrEmptyCompletion)
	})

	t.Run("pool slot released after failure", func(t *testing.T) {
		srv := newOllamaServer(t, []string{"llama3"}, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		})
		p := testProvider(srv.URL)
		for i := 0; i < 5; i++ {
			_, err := p.GenerateCompletion(context.Background(), &CompletionRequest{Prompt: "x"})
			require.Error(t, err)
		}
		// With a pool of 2, leaked slots would deadlock well before 5 calls.
		assert.Equal(t, 0, p.InFlight())
	})
}

func TestOllamaHealthCache(t *testing.T) {
	var tagCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		tagCalls.Add(1)
		_, _ = w.Write([]byte(`{"models":[{"name":"llama3"}]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := testProvider(srv.URL)
	assert.False(t, p.IsReady())

	require.True(t, p.HealthCheck(context.Background()))
	calls := tagCalls.Load()

	// IsReady consults the cache only.
	for i := 0; i < 10; i++ {
		assert.True(t, p.IsReady())
	}
	assert.Equal(t, calls, tagCalls.Load())
}
