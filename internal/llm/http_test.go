package llm

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	xerrors "OpenMCP-Chat/internal/errors"
)

func TestPostStreamBodyOutlivesHeaderTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		for _, chunk := range []string{"a", "b", "c"} {
			time.Sleep(60 * time.Millisecond)
			_, _ = io.WriteString(w, chunk)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	resp, err := PostStream(context.Background(), srv.Client(), "stub", srv.URL, nil, []byte(`{}`), 100*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("body read failed after header phase: %v", err)
	}
	if string(body) != "abc" {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestPostStreamParentCancelIsNotTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err := PostStream(ctx, srv.Client(), "stub", srv.URL, nil, []byte(`{}`), time.Second)
	if xerrors.CodeOf(err) != xerrors.CodeCanceled {
		t.Fatalf("expected CANCELED, got %v", err)
	}
}
