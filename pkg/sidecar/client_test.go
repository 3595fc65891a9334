package sidecar

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"
)

func testServer(t *testing.T, handler http.HandlerFunc) (string, int) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	u, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("parse test server url: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parse test server port: %v", err)
	}
	return u.Hostname(), port
}

func TestExecuteSuccess(t *testing.T) {
	podIP, port := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/execute" {
			t.Errorf("got path %q", r.URL.Path)
		}
		var req ExecuteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Language != "py" {
			t.Errorf("got language %q", req.Language)
		}
		json.NewEncoder(w).Encode(ExecuteResponse{ExitCode: 0, Stdout: "hi"})
	})

	client := New(5 * time.Second)
	resp, err := client.Execute(context.Background(), podIP, port, ExecuteRequest{Code: "print('hi')", Language: "py"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Stdout != "hi" {
		t.Errorf("got stdout %q", resp.Stdout)
	}
}

func TestExecuteServerErrorIsKindStatus(t *testing.T) {
	podIP, port := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	})

	client := New(5 * time.Second)
	_, err := client.Execute(context.Background(), podIP, port, ExecuteRequest{Code: "x", Language: "py"})
	if err == nil {
		t.Fatal("expected an error")
	}
	sidecarErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
	if sidecarErr.Kind != KindStatus || sidecarErr.StatusCode != 500 {
		t.Errorf("got kind %v status %d", sidecarErr.Kind, sidecarErr.StatusCode)
	}
	if sidecarErr.Retryable() {
		t.Error("a 5xx status failure should not be retryable")
	}
}

func TestExecuteTransportFailureIsRetryable(t *testing.T) {
	client := New(5 * time.Second)
	_, err := client.Execute(context.Background(), "127.0.0.1", 1, ExecuteRequest{Code: "x", Language: "py"})
	if err == nil {
		t.Fatal("expected a connection error against an unused port")
	}
	sidecarErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
	if sidecarErr.Kind != KindTransport {
		t.Errorf("got kind %v, want KindTransport", sidecarErr.Kind)
	}
	if !sidecarErr.Retryable() {
		t.Error("a transport failure should be retryable")
	}
}

func TestReadySuccess(t *testing.T) {
	podIP, port := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ready" {
			t.Errorf("got path %q", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	})

	client := New(time.Second)
	if err := client.Ready(context.Background(), podIP, port); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestReadyNonOKIsError(t *testing.T) {
	podIP, port := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	client := New(time.Second)
	if err := client.Ready(context.Background(), podIP, port); err == nil {
		t.Error("expected an error for a non-200 readiness response")
	}
}

func TestUploadFileSendsMultipart(t *testing.T) {
	podIP, port := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/files" {
			t.Errorf("got path %q", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse multipart form: %v", err)
		}
		if got := r.FormValue("filename"); got != "input.txt" {
			t.Errorf("got filename %q", got)
		}
		w.WriteHeader(http.StatusOK)
	})

	client := New(time.Second)
	err := client.UploadFile(context.Background(), podIP, port, "input.txt", []byte("hello"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestListFilesDecodesNames(t *testing.T) {
	podIP, port := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/files" {
			t.Errorf("got path %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode([]string{"out.csv", "plot.png"})
	})

	client := New(time.Second)
	names, err := client.ListFiles(context.Background(), podIP, port)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(names) != 2 || names[0] != "out.csv" || names[1] != "plot.png" {
		t.Errorf("got names %v", names)
	}
}

func TestListFilesServerErrorIsKindStatus(t *testing.T) {
	podIP, port := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	client := New(time.Second)
	_, err := client.ListFiles(context.Background(), podIP, port)
	if err == nil {
		t.Fatal("expected an error")
	}
	sidecarErr, ok := err.(*Error)
	if !ok || sidecarErr.Kind != KindStatus {
		t.Errorf("got %v, want a KindStatus *Error", err)
	}
}

func TestCancelExecuteIsBestEffort(t *testing.T) {
	client := New(time.Second)
	client.CancelExecute(context.Background(), "127.0.0.1", 1, "exec-1")
}
