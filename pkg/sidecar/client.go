// Package sidecar is the typed HTTP client the runner uses to talk to
// the agent running inside each pod: POST /execute, the file endpoints,
// and the two probes (/ready, /health).
package sidecar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/scoutflo/code-orchestrator/pkg/httpkit"
)

// maxResponseBytes bounds how much of a sidecar response the client will
// buffer, guarding against a runaway or malicious in-pod process.
const maxResponseBytes = 32 * 1024 * 1024

// ExecuteRequest is the body of POST /execute.
type ExecuteRequest struct {
	Code         string `json:"code"`
	Language     string `json:"language"`
	Files        []string `json:"files,omitempty"`
	InitialState string `json:"initial_state,omitempty"`
	CaptureState bool   `json:"capture_state"`
	TimeoutMs    int64  `json:"timeout"`
}

// ExecuteResponse is the body returned by POST /execute.
type ExecuteResponse struct {
	ExitCode        int    `json:"exit_code"`
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
	State           string `json:"state,omitempty"`
	StateErrors     string `json:"state_errors,omitempty"`
}

// Kind distinguishes a transport-level failure (connection refused,
// DNS, timeout before any byte of response was read) from a terminal
// HTTP-status failure.
type Kind int

const (
	KindTransport Kind = iota
	KindStatus
)

// Error is returned by every method below on failure so callers can
// apply the spec's retry policy without string-matching.
type Error struct {
	Kind       Kind
	StatusCode int
	Body       string
	Cause      error
}

func (e *Error) Error() string {
	if e.Kind == KindStatus {
		return fmt.Sprintf("sidecar returned status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("sidecar unreachable: %v", e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable is true only for transport failures before any response
// byte was read; a 5xx from /execute is always terminal for that call.
func (e *Error) Retryable() bool { return e.Kind == KindTransport }

// Client talks to one pod's sidecar over its pod IP and configured port.
type Client struct {
	httpClient *http.Client
}

// New builds a Client. The caller supplies the per-language execution
// timeout so the underlying http.Client enforces it as a hard deadline.
func New(executeTimeout time.Duration) *Client {
	return &Client{httpClient: httpkit.NewClient(httpkit.SidecarClientConfig(executeTimeout))}
}

func (c *Client) baseURL(podIP string, port int) string {
	return fmt.Sprintf("http://%s:%d", podIP, port)
}

func (c *Client) do(ctx context.Context, method, url string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Cause: err}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Cause: err}
	}
	return resp, nil
}

func readBody(resp *http.Response) (string, error) {
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Execute calls POST /execute with req and the per-language timeout
// already baked into the client's http.Client.
func (c *Client) Execute(ctx context.Context, podIP string, port int, req ExecuteRequest) (*ExecuteResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Cause: err}
	}

	resp, err := c.do(ctx, http.MethodPost, c.baseURL(podIP, port)+"/execute", bytes.NewReader(payload), "application/json")
	if err != nil {
		return nil, err
	}
	body, readErr := readBody(resp)
	if readErr != nil {
		// The status line has already arrived, so the sidecar may have run
		// the code: this is not a retryable transport failure.
		return nil, &Error{Kind: KindStatus, StatusCode: resp.StatusCode, Cause: readErr}
	}

	if resp.StatusCode >= 500 {
		return nil, &Error{Kind: KindStatus, StatusCode: resp.StatusCode, Body: body}
	}
	if resp.StatusCode >= 400 {
		return nil, &Error{Kind: KindStatus, StatusCode: resp.StatusCode, Body: body}
	}

	var execResp ExecuteResponse
	if err := json.Unmarshal([]byte(body), &execResp); err != nil {
		return nil, &Error{Kind: KindStatus, StatusCode: resp.StatusCode, Body: body, Cause: err}
	}
	return &execResp, nil
}

// UploadFile sends filename with content via multipart/form-data to
// POST /files.
func (c *Client) UploadFile(ctx context.Context, podIP string, port int, filename string, content []byte) error {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	if err := writer.WriteField("filename", filename); err != nil {
		return &Error{Kind: KindTransport, Cause: err}
	}
	part, err := writer.CreateFormField("content")
	if err != nil {
		return &Error{Kind: KindTransport, Cause: err}
	}
	if _, err := part.Write(content); err != nil {
		return &Error{Kind: KindTransport, Cause: err}
	}
	if err := writer.Close(); err != nil {
		return &Error{Kind: KindTransport, Cause: err}
	}

	resp, err := c.do(ctx, http.MethodPost, c.baseURL(podIP, port)+"/files", &buf, writer.FormDataContentType())
	if err != nil {
		return err
	}
	body, readErr := readBody(resp)
	if readErr != nil {
		return &Error{Kind: KindTransport, Cause: readErr}
	}
	if resp.StatusCode >= 400 {
		return &Error{Kind: KindStatus, StatusCode: resp.StatusCode, Body: body}
	}
	return nil
}

// DownloadFile retrieves name from GET /files/{name}.
func (c *Client) DownloadFile(ctx context.Context, podIP string, port int, name string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, fmt.Sprintf("%s/files/%s", c.baseURL(podIP, port), name), nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := readBody(resp)
		return nil, &Error{Kind: KindStatus, StatusCode: resp.StatusCode, Body: body}
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
}

// ListFiles enumerates the pod's working directory via GET /files,
// used by the runner to discover files an execution produced.
func (c *Client) ListFiles(ctx context.Context, podIP string, port int) ([]string, error) {
	resp, err := c.do(ctx, http.MethodGet, c.baseURL(podIP, port)+"/files", nil, "")
	if err != nil {
		return nil, err
	}
	body, readErr := readBody(resp)
	if readErr != nil {
		return nil, &Error{Kind: KindTransport, Cause: readErr}
	}
	if resp.StatusCode >= 400 {
		return nil, &Error{Kind: KindStatus, StatusCode: resp.StatusCode, Body: body}
	}

	var names []string
	if err := json.Unmarshal([]byte(body), &names); err != nil {
		return nil, &Error{Kind: KindStatus, StatusCode: resp.StatusCode, Body: body, Cause: err}
	}
	return names, nil
}

// DeleteFile removes name via DELETE /files/{name}.
func (c *Client) DeleteFile(ctx context.Context, podIP string, port int, name string) error {
	resp, err := c.do(ctx, http.MethodDelete, fmt.Sprintf("%s/files/%s", c.baseURL(podIP, port), name), nil, "")
	if err != nil {
		return err
	}
	body, _ := readBody(resp)
	if resp.StatusCode >= 400 {
		return &Error{Kind: KindStatus, StatusCode: resp.StatusCode, Body: body}
	}
	return nil
}

// Ready calls GET /ready, used by the pod lifecycle manager while a pod
// is warming up.
func (c *Client) Ready(ctx context.Context, podIP string, port int) error {
	resp, err := c.do(ctx, http.MethodGet, fmt.Sprintf("%s/ready", c.baseURL(podIP, port)), nil, "")
	if err != nil {
		return err
	}
	body, _ := readBody(resp)
	if resp.StatusCode != http.StatusOK {
		return &Error{Kind: KindStatus, StatusCode: resp.StatusCode, Body: body}
	}
	return nil
}

// Health calls GET /health, used by the pool's periodic health sweep.
func (c *Client) Health(ctx context.Context, podIP string, port int) error {
	resp, err := c.do(ctx, http.MethodGet, fmt.Sprintf("%s/health", c.baseURL(podIP, port)), nil, "")
	if err != nil {
		return err
	}
	body, _ := readBody(resp)
	if resp.StatusCode != http.StatusOK {
		return &Error{Kind: KindStatus, StatusCode: resp.StatusCode, Body: body}
	}
	return nil
}

// CancelExecute best-effort asks the sidecar to stop an in-flight
// execution after a deadline or client disconnect. Failures are not
// propagated: the caller proceeds to release the pod as failed either way.
func (c *Client) CancelExecute(ctx context.Context, podIP string, port int, executionID string) {
	resp, err := c.do(ctx, http.MethodDelete, fmt.Sprintf("%s/execute/%s", c.baseURL(podIP, port), executionID), nil, "")
	if err != nil {
		return
	}
	_ = resp.Body.Close()
}
