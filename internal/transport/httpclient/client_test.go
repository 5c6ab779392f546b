package httpclient

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gcdcore/agent/internal/transport"
)

func TestSendRequestDeliversResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Test") != "yes" {
			t.Errorf("missing expected header, got headers %v", r.Header)
		}
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write(body)
	}))
	defer srv.Close()

	c := New(time.Second)

	done := make(chan struct{})
	c.SendRequest(context.Background(), "POST", srv.URL, map[string]string{"X-Test": "yes"}, []byte(`{"x":1}`), func(resp *transport.Response, err error) {
		defer close(done)
		if err != nil {
			t.Errorf("SendRequest callback err: %v", err)
			return
		}
		if resp.Status != http.StatusCreated {
			t.Errorf("Status = %d, want %d", resp.Status, http.StatusCreated)
		}
		if resp.ContentType != "application/json" {
			t.Errorf("ContentType = %q, want %q", resp.ContentType, "application/json")
		}
		if string(resp.Body) != `{"x":1}` {
			t.Errorf("Body = %q, want %q", resp.Body, `{"x":1}`)
		}
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for callback")
	}
}

func TestSendRequestPropagatesTransportError(t *testing.T) {
	c := New(50 * time.Millisecond)

	done := make(chan struct{})
	c.SendRequest(context.Background(), "GET", "http://127.0.0.1:0", nil, nil, func(resp *transport.Response, err error) {
		defer close(done)
		if err == nil {
			t.Error("expected an error for an unreachable address")
		}
		if resp != nil {
			t.Errorf("expected nil response alongside an error, got %+v", resp)
		}
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for callback")
	}
}

func TestSendRequestHonoursContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(5 * time.Second)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	c.SendRequest(ctx, "GET", srv.URL, nil, nil, func(resp *transport.Response, err error) {
		defer close(done)
		if err == nil {
			t.Error("expected a context-cancellation error")
		}
	})
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for callback")
	}
}
