package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func payload() Payload {
	return Payload{
		Stream:    "Transfer",
		FromBlock: 1,
		ToBlock:   60,
		Records:   []json.RawMessage{json.RawMessage(`{"transfer_amount":100}`)},
	}
}

func TestWebhookSend(t *testing.T) {
	secret := "my-secret"

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)
		var p Payload
		assert.NoError(t, json.Unmarshal(body, &p))
		assert.Equal(t, "Transfer", p.Stream)
		assert.Equal(t, uint64(60), p.ToBlock)
		assert.Len(t, p.Records, 1)
		assert.NotZero(t, p.Timestamp)

		assert.Equal(t, Sign([]byte(secret), body), r.Header.Get(SignatureHeader))
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := NewClient(Config{URL: ts.URL, Secret: secret})
	assert.NoError(t, client.Send(context.Background(), payload()))
}

func TestWebhook_EmptyIsNoop(t *testing.T) {
	client := NewClient(Config{URL: "http://127.0.0.1:1"})
	assert.NoError(t, client.Send(context.Background(), Payload{Stream: "Transfer"}))
}

func TestWebhook_Retry(t *testing.T) {
	var attempts int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := NewClient(Config{
		URL:            ts.URL,
		MaxAttempts:    3,
		InitialBackoff: 1 * time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	})
	assert.NoError(t, client.Send(context.Background(), payload()))
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
}

func TestWebhook_ClientErrorNotRetried(t *testing.T) {
	var attempts int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()

	client := NewClient(Config{URL: ts.URL, MaxAttempts: 3, InitialBackoff: time.Millisecond})
	err := client.Send(context.Background(), payload())
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestWebhook_ContextCancel(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(10 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := NewClient(Config{URL: ts.URL, MaxAttempts: 3})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, client.Send(ctx, payload()))
}

func TestWebhook_Verify(t *testing.T) {
	body := []byte(`{"stream":"Transfer"}`)
	sig := Sign([]byte("s3cret"), body)

	assert.True(t, Verify([]byte("s3cret"), body, sig))
	assert.False(t, Verify([]byte("other"), body, sig))
	assert.False(t, Verify([]byte("s3cret"), []byte(`{"stream":"Order"}`), sig))
}
