package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/acehq/ace/evolution"
	"github.com/acehq/ace/outcome"
)

func testOutcomes() []*outcome.Outcome {
	o := outcome.New("pb-1", "deploy service", outcome.StatusFailure)
	o.ReasoningTrace = "skipped the migration step"
	return []*outcome.Outcome{o}
}

// newTestServer fakes the Messages API with a canned handler
func newTestServer(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := NewClient(Config{
		APIKey:  "test-key",
		BaseURL: srv.URL,
		Timeout: 5 * time.Second,
	})
	client.SetHTTPClient(srv.Client())
	return client, srv
}

func messagesReply(text string) MessagesResponse {
	return MessagesResponse{
		ID:    "msg_test",
		Type:  "message",
		Role:  "assistant",
		Model: "claude-sonnet-4-5",
		Content: []ContentBlock{
			{Type: "text", Text: text},
		},
		Usage: Usage{InputTokens: 1000, OutputTokens: 500},
	}
}

func TestClient_EvolveSuccess(t *testing.T) {
	var gotAPIKey, gotVersion string
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotAPIKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")

		var req MessagesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("Request body did not decode: %v", err)
		}
		if req.System == "" || len(req.Messages) != 1 {
			t.Errorf("Request missing system prompt or user message: %+v", req)
		}

		json.NewEncoder(w).Encode(messagesReply(
			`{"has_changes": true, "content": "evolved playbook", "diff_summary": "added migration step"}`,
		))
	})

	result, err := client.Evolve(context.Background(), "original playbook", testOutcomes())
	if err != nil {
		t.Fatalf("Evolve failed: %v", err)
	}

	if gotAPIKey != "test-key" {
		t.Errorf("x-api-key = %q, want test-key", gotAPIKey)
	}
	if gotVersion != APIVersion {
		t.Errorf("anthropic-version = %q, want %s", gotVersion, APIVersion)
	}

	if !result.HasChanges || result.Content != "evolved playbook" {
		t.Errorf("Result = %+v, want changes with evolved playbook", result)
	}
	if result.DiffSummary != "added migration step" {
		t.Errorf("DiffSummary = %q", result.DiffSummary)
	}
	if result.Usage.TotalTokens != 1500 {
		t.Errorf("TotalTokens = %d, want 1500", result.Usage.TotalTokens)
	}
	if result.Usage.Model != "claude-sonnet-4-5" {
		t.Errorf("Usage model = %q", result.Usage.Model)
	}
	if result.Usage.CostUSD <= 0 {
		t.Errorf("CostUSD = %f, want > 0", result.Usage.CostUSD)
	}
}

func TestClient_EvolveNoChanges(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(messagesReply(
			`{"has_changes": false, "content": "", "diff_summary": ""}`,
		))
	})

	result, err := client.Evolve(context.Background(), "fine as-is", testOutcomes())
	if err != nil {
		t.Fatalf("Evolve failed: %v", err)
	}
	if result.HasChanges {
		t.Error("HasChanges = true, want false")
	}
}

// Overload and rate-limit responses must come back marked transient so the
// worker retries them; client errors must not.
func TestClient_StatusTransience(t *testing.T) {
	cases := []struct {
		name          string
		status        int
		wantTransient bool
	}{
		{"rate limited", http.StatusTooManyRequests, true},
		{"overloaded", http.StatusServiceUnavailable, true},
		{"server error", http.StatusInternalServerError, true},
		{"request timeout", http.StatusRequestTimeout, true},
		{"bad request", http.StatusBadRequest, false},
		{"unauthorized", http.StatusUnauthorized, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, `{"error": {"message": "nope"}}`, tc.status)
			})

			_, err := client.Evolve(context.Background(), "content", testOutcomes())
			if err == nil {
				t.Fatal("Evolve succeeded on an error status")
			}
			if evolution.IsTransient(err) != tc.wantTransient {
				t.Errorf("IsTransient = %v, want %v for status %d",
					evolution.IsTransient(err), tc.wantTransient, tc.status)
			}
		})
	}
}

func TestClient_NetworkErrorIsTransient(t *testing.T) {
	client := NewClient(Config{
		APIKey:  "test-key",
		BaseURL: "http://127.0.0.1:1", // nothing listens here
		Timeout: time.Second,
	})

	_, err := client.Evolve(context.Background(), "content", testOutcomes())
	if err == nil {
		t.Fatal("Evolve succeeded against a dead endpoint")
	}
	if !evolution.IsTransient(err) {
		t.Errorf("Network failure not marked transient: %v", err)
	}
}

func TestClient_MissingAPIKeyIsFatal(t *testing.T) {
	client := NewClient(Config{})

	_, err := client.Evolve(context.Background(), "content", testOutcomes())
	if err == nil {
		t.Fatal("Evolve succeeded without an API key")
	}
	if evolution.IsTransient(err) {
		t.Error("Missing API key marked transient - retries cannot fix configuration")
	}
}

func TestClient_ClaimedChangesWithEmptyContent(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(messagesReply(
			`{"has_changes": true, "content": "  ", "diff_summary": "trust me"}`,
		))
	})

	if _, err := client.Evolve(context.Background(), "content", testOutcomes()); err == nil {
		t.Error("Evolve accepted empty content with has_changes=true")
	}
}

func TestParseEvolutionResponse(t *testing.T) {
	cases := []struct {
		name    string
		text    string
		want    *evolutionResponse
		wantErr bool
	}{
		{
			name: "bare json",
			text: `{"has_changes": true, "content": "new", "diff_summary": "s"}`,
			want: &evolutionResponse{HasChanges: true, Content: "new", DiffSummary: "s"},
		},
		{
			name: "json code fence",
			text: "```json\n{\"has_changes\": false, \"content\": \"\", \"diff_summary\": \"\"}\n```",
			want: &evolutionResponse{},
		},
		{
			name: "bare code fence",
			text: "```\n{\"has_changes\": true, \"content\": \"new\", \"diff_summary\": \"\"}\n```",
			want: &evolutionResponse{HasChanges: true, Content: "new"},
		},
		{
			name: "prose around the object",
			text: "Here is my analysis:\n{\"has_changes\": true, \"content\": \"new\", \"diff_summary\": \"\"}\nHope that helps!",
			want: &evolutionResponse{HasChanges: true, Content: "new"},
		},
		{
			name:    "no json at all",
			text:    "I could not improve this playbook.",
			wantErr: true,
		},
		{
			name:    "broken json",
			text:    `{"has_changes": true, "content": `,
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseEvolutionResponse(tc.text)
			if tc.wantErr {
				if err == nil {
					t.Errorf("parseEvolutionResponse(%q) succeeded, want error", tc.text)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseEvolutionResponse failed: %v", err)
			}
			if *got != *tc.want {
				t.Errorf("parseEvolutionResponse = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestCalculateCost(t *testing.T) {
	// 1000 input at $3/M + 500 output at $15/M
	got := CalculateCost("claude-sonnet-4-5", 1000, 500)
	want := 0.003 + 0.0075
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("CalculateCost = %f, want %f", got, want)
	}

	// Unknown models fall back to a flat per-call estimate
	if got := CalculateCost("mystery-model", 1000, 500); got != DefaultPricingFallback {
		t.Errorf("Unknown model cost = %f, want fallback %f", got, DefaultPricingFallback)
	}
}
