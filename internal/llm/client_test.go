package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestClient(url string) *Client {
	return NewClient(url, "test-model", time.Second, Params{
		MaxTokens:     512,
		Temperature:   0.7,
		TopP:          0.9,
		TopK:          40,
		RepeatPenalty: 1.1,
	})
}

func TestCheckConnection(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer up.Close()
	if !newTestClient(up.URL).CheckConnection(context.Background()) {
		t.Fatal("healthy backend reported down")
	}

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()
	if newTestClient(down.URL).CheckConnection(context.Background()) {
		t.Fatal("unhealthy backend reported up")
	}

	gone := newTestClient("http://127.0.0.1:1")
	if gone.CheckConnection(context.Background()) {
		t.Fatal("unreachable backend reported up")
	}
}

func TestStreamParsesDeltas(t *testing.T) {
	var gotReq chatReq
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		deltas := []string{"Hel", "lo", " there."}
		for _, d := range deltas {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", d)
		}
		fmt.Fprint(w, "data: not json at all\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
		// anything after the terminator must be ignored
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"ghost\"}}]}\n\n")
	}))
	defer srv.Close()

	chunks, errs := newTestClient(srv.URL).Stream(context.Background(), "### Instruction:\nhi\n\n### Response:\n", Params{})

	var got []string
	for c := range chunks {
		got = append(got, c)
	}
	if err := <-errs; err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if strings.Join(got, "") != "Hello there." {
		t.Fatalf("chunks = %v", got)
	}

	// the raw prompt rides as one user message with the knobs passed through
	if len(gotReq.Messages) != 1 || gotReq.Messages[0].Role != "user" {
		t.Fatalf("messages = %+v", gotReq.Messages)
	}
	if !gotReq.Stream {
		t.Fatal("stream flag not set")
	}
	if gotReq.TopK != 40 || gotReq.RepetitionPenalty != 1.1 {
		t.Fatalf("defaults not applied: top_k=%d repetition_penalty=%v", gotReq.TopK, gotReq.RepetitionPenalty)
	}
}

func TestStreamNon200SurfacesError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	chunks, errs := newTestClient(srv.URL).Stream(context.Background(), "p", Params{})
	for range chunks {
		t.Fatal("unexpected chunk")
	}
	if err := <-errs; err == nil {
		t.Fatal("expected error for 500 response")
	}
}

func TestStreamTruncatedBodyEndsWithoutError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n")
		// connection drops with no [DONE]
	}))
	defer srv.Close()

	chunks, errs := newTestClient(srv.URL).Stream(context.Background(), "p", Params{})
	var got []string
	for c := range chunks {
		got = append(got, c)
	}
	if err := <-errs; err != nil {
		t.Fatalf("truncated stream raised: %v", err)
	}
	if strings.Join(got, "") != "partial" {
		t.Fatalf("chunks = %v", got)
	}
}

func TestCompleteReturnsTextAndUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"role": "assistant", "content": "Hi."}}},
			"usage":   map[string]any{"prompt_tokens": 10, "completion_tokens": 2, "total_tokens": 12},
		})
	}))
	defer srv.Close()

	text, usage, err := newTestClient(srv.URL).Complete(context.Background(), "p", Params{})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if text != "Hi." {
		t.Fatalf("text = %q", text)
	}
	if usage.TotalTokens != 12 {
		t.Fatalf("usage = %+v", usage)
	}
}
