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

	"github.com/clinicq/clinicq/internal/platform/notification"
)

func testMessage() notification.Message {
	return notification.Message{
		ID:        "msg-1",
		Template:  notification.TemplateRefundCompleted,
		Recipient: "patient-1",
		Subject:   "Refund processed",
		Body:      "₹500.00 has been credited",
		CreatedAt: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
}

func TestSignPayload_RoundTrip(t *testing.T) {
	payload := []byte(`{"id":"x"}`)
	header := "sha256=" + SignPayload(payload, "s3cret")
	if !VerifySignature(payload, "s3cret", header) {
		t.Error("expected signature to verify")
	}
	if VerifySignature(payload, "other", header) {
		t.Error("expected signature with a different secret to fail")
	}
	if VerifySignature([]byte(`{"id":"y"}`), "s3cret", header) {
		t.Error("expected signature over a different body to fail")
	}
}

func TestNewSink_RejectsBadURL(t *testing.T) {
	for _, raw := range []string{"", "gateway.local/hook", "ftp://gateway/hook", "http://"} {
		if _, err := NewSink(raw, ""); err == nil {
			t.Errorf("%q: expected an error", raw)
		}
	}
}

func TestSink_PublishSigned(t *testing.T) {
	var got notification.Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !VerifySignature(body, "s3cret", r.Header.Get(SignatureHeader)) {
			t.Errorf("bad signature %q", r.Header.Get(SignatureHeader))
		}
		if r.Header.Get(MessageIDHeader) != "msg-1" {
			t.Errorf("message id header = %q", r.Header.Get(MessageIDHeader))
		}
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sink, err := NewSink(srv.URL, "s3cret")
	if err != nil {
		t.Fatalf("NewSink: %v", err)
	}
	if err := sink.Publish(context.Background(), testMessage()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got.Recipient != "patient-1" || got.Template != notification.TemplateRefundCompleted {
		t.Errorf("unexpected delivered message %+v", got)
	}
}

func TestSink_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink, _ := NewSink(srv.URL, "", WithRetry(3, time.Millisecond))
	if err := sink.Publish(context.Background(), testMessage()); err != nil {
		t.Fatalf("expected success on the third attempt, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", calls.Load())
	}
}

func TestSink_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unknown recipient", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	sink, _ := NewSink(srv.URL, "", WithRetry(5, time.Millisecond))
	if err := sink.Publish(context.Background(), testMessage()); err == nil {
		t.Fatal("expected an error")
	}
	if calls.Load() != 1 {
		t.Errorf("expected a single attempt, got %d", calls.Load())
	}
}

func TestSink_GivesUpAfterAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sink, _ := NewSink(srv.URL, "", WithRetry(2, time.Millisecond))
	if err := sink.Publish(context.Background(), testMessage()); err == nil {
		t.Fatal("expected an error")
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 calls, got %d", calls.Load())
	}
}
