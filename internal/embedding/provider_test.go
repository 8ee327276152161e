package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOpenAIProvider_Embed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("path = %s, want /v1/embeddings", r.URL.Path)
		}
		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "test-model" || len(req.Input) != 2 {
			t.Errorf("request = %+v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		// Out of order on purpose.
		w.Write([]byte(`{"object":"list","model":"test-model","data":[
			{"object":"embedding","index":1,"embedding":[0.3,0.4]},
			{"object":"embedding","index":0,"embedding":[0.1,0.2]}
		],"usage":{"prompt_tokens":2,"total_tokens":2}}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL + "/v1/", Model: "test-model"})
	vecs, err := p.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(vecs) != 2 || vecs[0][0] != float32(0.1) || vecs[1][0] != float32(0.3) {
		t.Errorf("Embed() = %v", vecs)
	}
	if p.Model() != "test-model" {
		t.Errorf("Model() = %s", p.Model())
	}
}

func TestOpenAIProvider_BadRequestIsInputRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"input is too long","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	c := NewClient(NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL}), testConfig(4))
	_, err := c.Embed(context.Background(), []string{"a"})
	if !errors.Is(err, ErrInputRejected) {
		t.Fatalf("error = %v, want ErrInputRejected", err)
	}
}

func TestOllamaProvider_Embed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/embed" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		var req ollamaEmbedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		resp := ollamaEmbedResponse{Model: req.Model}
		for range req.Input {
			resp.Embeddings = append(resp.Embeddings, []float32{1, 0, 0})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	p := NewOllamaProvider(OllamaConfig{BaseURL: srv.URL, Model: "nomic-embed-text"})
	vecs, err := p.Embed(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(vecs) != 3 || len(vecs[2]) != 3 {
		t.Errorf("Embed() = %v", vecs)
	}
}

func TestOllamaProvider_StatusErrors(t *testing.T) {
	status := http.StatusInternalServerError
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", status)
	}))
	defer srv.Close()

	p := NewOllamaProvider(OllamaConfig{BaseURL: srv.URL, Model: "m"})
	_, err := p.Embed(context.Background(), []string{"a"})
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != 500 || se.Message != "model not loaded" {
		t.Fatalf("error = %v, want StatusError 500", err)
	}

	c := NewClient(p, testConfig(4))
	if _, err := c.Embed(context.Background(), []string{"a"}); !errors.Is(err, ErrServiceUnavailable) {
		t.Errorf("client error = %v, want ErrServiceUnavailable", err)
	}

	status = http.StatusUnprocessableEntity
	if _, err := c.Embed(context.Background(), []string{"a"}); !errors.Is(err, ErrInputRejected) {
		t.Errorf("client error = %v, want ErrInputRejected", err)
	}
}

func TestHashProvider_Deterministic(t *testing.T) {
	p := NewHashProvider(64)
	vecs, err := p.Embed(context.Background(), []string{"func Hello()", "func Hello()", "class User"})
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(vecs[0]) != 64 {
		t.Fatalf("dimension = %d, want 64", len(vecs[0]))
	}
	for i := range vecs[0] {
		if vecs[0][i] != vecs[1][i] {
			t.Fatal("identical texts must produce identical vectors")
		}
	}
	var norm float64
	for _, x := range vecs[2] {
		norm += float64(x) * float64(x)
	}
	if math.Abs(norm-1) > 1e-5 {
		t.Errorf("vector norm^2 = %f, want 1", norm)
	}
	if p.Model() != "hash-64" {
		t.Errorf("Model() = %s", p.Model())
	}
}

func TestNewProvider(t *testing.T) {
	if _, err := NewProvider(ProviderConfig{Name: "hash", Dimension: 8}); err != nil {
		t.Errorf("hash provider: %v", err)
	}
	if _, err := NewProvider(ProviderConfig{Name: "openai"}); err != nil {
		t.Errorf("openai provider: %v", err)
	}
	if _, err := NewProvider(ProviderConfig{Name: "ollama"}); err == nil {
		t.Error("ollama provider without model: expected error")
	}
	if _, err := NewProvider(ProviderConfig{Name: "carrier-pigeon"}); err == nil {
		t.Error("unknown provider: expected error")
	}
}
