package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestHTTPExec(t *testing.T, handler http.HandlerFunc) (*HTTPExec, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	h := NewHTTPExec(func() (string, bool) { return srv.URL, true })
	return h, srv.Close
}

func TestHTTPExecParsesStdoutAndExit(t *testing.T) {
	h, closeFn := newTestHTTPExec(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		io := func(s string) { w.Write([]byte(s + "\n")) }
		io(`{"type":"stdout","data":"hello\n"}`)
		io(`{"type":"exit","exit_code":0}`)
	})
	defer closeFn()

	res, err := h.Exec(context.Background(), "echo hello", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode != 0 || !strings.Contains(res.Stdout, "hello") {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestHTTPExecStreamEndsWithoutExitIsSuccess(t *testing.T) {
	h, closeFn := newTestHTTPExec(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"type":"stdout","data":"partial"}` + "\n"))
	})
	defer closeFn()

	res, err := h.Exec(context.Background(), "echo hi", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("expected exit code 0 for a stream with no exit event, got %d", res.ExitCode)
	}
}

func TestHTTPExecFallbackEligibleStatus(t *testing.T) {
	for _, status := range []int{413, 502, 503, 504, 524} {
		h, closeFn := newTestHTTPExec(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		})

		_, err := h.Exec(context.Background(), "echo hi", 0)
		closeFn()
		if err == nil {
			t.Fatalf("expected an error for status %d", status)
		}
		var te *TransportError
		if !errors.As(err, &te) || !te.Fallback {
			t.Fatalf("expected a fallback-eligible TransportError for status %d, got %v", status, err)
		}
	}
}

func TestHTTPExecNonFallbackStatus(t *testing.T) {
	h, closeFn := newTestHTTPExec(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	defer closeFn()

	_, err := h.Exec(context.Background(), "echo hi", 0)
	if err == nil {
		t.Fatalf("expected an error")
	}
	var te *TransportError
	if !errors.As(err, &te) || te.Fallback {
		t.Fatalf("expected a non-fallback TransportError, got %v", err)
	}
}

func TestHTTPExecUnavailableWhenNoURL(t *testing.T) {
	h := NewHTTPExec(func() (string, bool) { return "", false })
	_, err := h.Exec(context.Background(), "echo hi", 0)
	if !errors.Is(err, ErrTransportUnavailable) {
		t.Fatalf("expected ErrTransportUnavailable, got %v", err)
	}
}
