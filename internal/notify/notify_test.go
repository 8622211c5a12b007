package notify

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/navirec/fleet-streamer/internal/api"
)

func TestCommandResultSendsPush(t *testing.T) {
	var gotTitle, gotTags, gotPriority, gotBody string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTitle = r.Header.Get("Title")
		gotTags = r.Header.Get("Tags")
		gotPriority = r.Header.Get("Priority")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)

		if auth := r.Header.Get("Authorization"); auth != "Bearer secret" {
			t.Errorf("unexpected Authorization header: %s", auth)
		}
		if r.URL.Path != "/fleet-alerts" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
	}))
	defer server.Close()

	client := NewClient(&Config{
		Enabled:  true,
		Server:   server.URL,
		Topic:    "fleet-alerts",
		Priority: "default",
		Tags:     "truck",
		Token:    "secret",
	}, zap.NewNop())

	client.CommandResult(context.Background(), sampleResult(api.CommandStateAcknowledged))

	if gotTitle != "Door Unlock for Truck 7 succeeded" {
		t.Errorf("unexpected title: %q", gotTitle)
	}
	if gotTags != "truck,white_check_mark" {
		t.Errorf("unexpected tags: %q", gotTags)
	}
	if gotPriority != "default" {
		t.Errorf("unexpected priority: %q", gotPriority)
	}
	if gotBody != "Response: OK" {
		t.Errorf("unexpected body: %q", gotBody)
	}
}

func TestCommandResultFailureRaisesPriority(t *testing.T) {
	var gotTags, gotPriority string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTags = r.Header.Get("Tags")
		gotPriority = r.Header.Get("Priority")
	}))
	defer server.Close()

	client := NewClient(&Config{
		Enabled:  true,
		Server:   server.URL,
		Topic:    "fleet-alerts",
		Priority: "default",
		Tags:     "truck",
	}, zap.NewNop())

	client.CommandResult(context.Background(), sampleResult(api.CommandStateFailed))

	if gotTags != "truck,x" {
		t.Errorf("unexpected tags: %q", gotTags)
	}
	if gotPriority != "high" {
		t.Errorf("unexpected priority: %q", gotPriority)
	}
}

func TestNewDisabledReturnsNoop(t *testing.T) {
	n := New(&Config{Enabled: false}, zap.NewNop())
	if _, ok := n.(NoopNotifier); !ok {
		t.Fatalf("expected NoopNotifier, got %T", n)
	}
}
