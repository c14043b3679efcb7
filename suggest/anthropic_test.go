package suggest_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spendwise/recurring-engine/recurring"
	"github.com/spendwise/recurring-engine/suggest"
)

func testSubscription() *recurring.Subscription {
	return &recurring.Subscription{
		ID:            "sub-u1-netflix-com",
		OwnerID:       "u1",
		MerchantKey:   "netflix.com",
		DisplayName:   "Netflix",
		Category:      "Streaming",
		TypicalAmount: decimal.RequireFromString("15.99"),
		Frequency:     recurring.FrequencyMonthly,
	}
}

// fakeAnthropic returns a messages-API response whose text is the given
// payload.
func fakeAnthropic(t *testing.T, payload string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.NotEmpty(t, r.Header.Get("anthropic-version"))

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.NotEmpty(t, req["model"])

		json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]string{{"type": "text", "text": payload}},
		})
	}))
}

func TestClient_FetchAlternatives(t *testing.T) {
	// GIVEN: The collaborator answers with a fenced JSON array of 5 options
	// WHEN: Fetching alternatives
	// THEN: Fences are stripped and options are capped at 4
	payload := "```json\n" + `[
		{"name": "Tubi", "price": "Free", "savings": "$15.99/month saved"},
		{"name": "Pluto TV", "price": "Free", "savings": "$15.99/month saved"},
		{"name": "Peacock", "price": "$5.99/month", "savings": "$10.00/month saved"},
		{"name": "Library", "price": "Free", "savings": "$15.99/month saved"},
		{"name": "Freevee", "price": "Free", "savings": "$15.99/month saved"}
	]` + "\n```"

	srv := fakeAnthropic(t, payload)
	defer srv.Close()

	fixed := time.Date(2025, time.August, 15, 10, 0, 0, 0, time.UTC)
	client := suggest.NewClient("test-key",
		suggest.WithBaseURL(srv.URL),
		suggest.WithClock(func() time.Time { return fixed }),
	)

	s, err := client.FetchAlternatives(context.Background(), testSubscription())
	require.NoError(t, err)

	assert.Len(t, s.Options, 4, "options are capped")
	assert.Equal(t, "Tubi", s.Options[0].Name)
	assert.Equal(t, "2025-08-15", s.GeneratedAt.String())
	assert.Equal(t, recurring.SubscriptionID("sub-u1-netflix-com"), s.SubscriptionID)
}

func TestClient_UnfencedResponse(t *testing.T) {
	srv := fakeAnthropic(t, `[{"name": "Tubi", "price": "Free", "savings": "$15.99/month saved"}]`)
	defer srv.Close()

	client := suggest.NewClient("test-key", suggest.WithBaseURL(srv.URL))
	s, err := client.FetchAlternatives(context.Background(), testSubscription())
	require.NoError(t, err)
	assert.Len(t, s.Options, 1)
}

func TestClient_UnparseablePayload(t *testing.T) {
	srv := fakeAnthropic(t, "Sorry, I can't help with that.")
	defer srv.Close()

	client := suggest.NewClient("test-key", suggest.WithBaseURL(srv.URL))
	_, err := client.FetchAlternatives(context.Background(), testSubscription())
	assert.Error(t, err)
}

func TestClient_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error": "overloaded"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := suggest.NewClient("test-key", suggest.WithBaseURL(srv.URL))
	_, err := client.FetchAlternatives(context.Background(), testSubscription())
	assert.Error(t, err)
}

func TestClient_MissingKey(t *testing.T) {
	client := suggest.NewClient("")
	_, err := client.FetchAlternatives(context.Background(), testSubscription())
	assert.Error(t, err)
}
