// Package runner implements the end-to-end execution dispatch: resolve
// session, acquire a pod (pool or one-shot Job), stage files, call the
// sidecar, harvest outputs, release the pod, persist the record. It
// depends only on the capability interfaces below (and on pkg/session's
// record types), never on a concrete session/state/cluster service, so
// it can be constructed and tested without a real cluster.
package runner

import (
	"context"
	"encoding/base64"
	"errors"
	"mime"
	"path/filepath"
	"time"

	"k8s.io/klog/v2"

	"github.com/google/uuid"
	"github.com/scoutflo/code-orchestrator/internal/telemetry"
	"github.com/scoutflo/code-orchestrator/pkg/apierrors"
	"github.com/scoutflo/code-orchestrator/pkg/session"
	"github.com/scoutflo/code-orchestrator/pkg/sidecar"
)

// SessionStore is the session-side capability the runner needs.
type SessionStore interface {
	Get(ctx context.Context, id string) (*session.Session, error)
	Create(ctx context.Context, metadata map[string]string, entityID string) (*session.Session, error)
	Touch(ctx context.Context, id string) (*session.Session, error)
	AddFile(ctx context.Context, id, fileID string, info session.FileInfo) (*session.Session, error)
	AppendExecution(ctx context.Context, id string, record interface{}, maxHistory int) (*session.Session, error)
}

// StateStore is the state-side capability the runner needs.
type StateStore interface {
	Save(ctx context.Context, sessionID, base64Blob string, ttl time.Duration) (size int64, hash string, err error)
	Load(ctx context.Context, sessionID string, ttl time.Duration) ([]byte, error)
}

// PoolHandle is the subset of a bound pod the runner cares about.
type PoolHandle struct {
	PodName  string
	PodIP    string
	Port     int
	Language string
}

// PodController abstracts pool acquisition/release and the one-shot Job
// fallback path so the runner never imports pkg/pool or pkg/podlifecycle
// directly.
type PodController interface {
	// Acquire returns a warm pool handle for language, or ErrUseJobPath
	// (use errors.Is) if the caller should fall back to CreateJobPod.
	Acquire(ctx context.Context, language string) (*PoolHandle, error)
	BeginExecution(language, podName string)
	Release(ctx context.Context, language, podName string, failed bool)

	CreateJobPod(ctx context.Context, language string) (*PoolHandle, string, error)
	TeardownJob(ctx context.Context, jobName string) error
}

// ErrUseJobPath signals PodController.Acquire found no warm pod within
// its deadline; the runner falls back to the Job path.
var ErrUseJobPath = errors.New("pool: no warm pod available, use job path")

// SidecarTransport abstracts the sidecar wire protocol.
type SidecarTransport interface {
	Execute(ctx context.Context, podIP string, port int, req sidecar.ExecuteRequest) (*sidecar.ExecuteResponse, error)
	UploadFile(ctx context.Context, podIP string, port int, filename string, content []byte) error
	ListFiles(ctx context.Context, podIP string, port int) ([]string, error)
	DownloadFile(ctx context.Context, podIP string, port int, name string) ([]byte, error)
	CancelExecute(ctx context.Context, podIP string, port int, executionID string)
}

// FileSource resolves a file referenced by id to its bytes, either
// from the inbound request or the session's object-store-backed index.
type FileSource interface {
	Resolve(ctx context.Context, sess *session.Session, fileID string) ([]byte, string, error) // bytes, filename
}

// OutputStore persists a file produced by an execution and returns the
// key it was stored under.
type OutputStore interface {
	StoreOutput(ctx context.Context, executionID string, index int, filename string, content []byte) (key string, err error)
}

// ExecutionStatus mirrors the execution record's terminal states.
type ExecutionStatus string

const (
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionTimedOut  ExecutionStatus = "timeout"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Output is one item of an execution's collected output.
type Output struct {
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	MimeType  string    `json:"mime_type,omitempty"`
	Size      int64     `json:"size,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ExecutionRecord is the immutable-after-completion record persisted
// in the owning session's bounded history.
type ExecutionRecord struct {
	ExecutionID     string          `json:"execution_id"`
	SessionID       string          `json:"session_id"`
	Language        string          `json:"language"`
	Status          ExecutionStatus `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       time.Time       `json:"started_at"`
	CompletedAt     time.Time       `json:"completed_at"`
	Outputs         []Output        `json:"outputs"`
	ExitCode        int             `json:"exit_code"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	ExecutionTimeMs int64           `json:"execution_time_ms"`
}

// Request is the runner's public input.
type Request struct {
	SessionID    string
	Code         string
	Language     string
	Files        map[string][]byte // fileID -> bytes, present in the request body
	FileRefs     []string          // fileID references resolved via the session's file index
	InitialState string            // base64, takes precedence over any persisted state
	CaptureState bool
}

// Response is the runner's public output.
type Response struct {
	Execution    ExecutionRecord
	PodRef       string
	NewState     string // base64, set only when capture-state produced one
	StateErrors  string
	PodSource    string // "pool" or "job"
}

// LanguageTimeout resolves the per-language execute deadline and the
// stateful flag; the runner asks this instead of importing
// internal/config's map type directly.
type LanguageTimeout interface {
	TimeoutFor(language string) (timeout time.Duration, stateful bool, timeoutExitCode int)
}

// Runner ties the capabilities together per the execute algorithm.
type Runner struct {
	sessions SessionStore
	states   StateStore
	pods     PodController
	sidecars SidecarTransport
	files    FileSource
	outputs  OutputStore
	langs    LanguageTimeout
	metrics  *telemetry.Metrics

	sessionTTL time.Duration
}

func New(sessions SessionStore, states StateStore, pods PodController, sidecars SidecarTransport, files FileSource, outputs OutputStore, langs LanguageTimeout, metrics *telemetry.Metrics, sessionTTL time.Duration) *Runner {
	return &Runner{sessions: sessions, states: states, pods: pods, sidecars: sidecars, files: files, outputs: outputs, langs: langs, metrics: metrics, sessionTTL: sessionTTL}
}

// Execute runs the nine-step dispatch algorithm.
func (r *Runner) Execute(ctx context.Context, req Request) (*Response, error) {
	timeout, stateful, timeoutExitCode := r.langs.TimeoutFor(req.Language)
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	execCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	rec := ExecutionRecord{
		ExecutionID: uuid.NewString(),
		Language:    req.Language,
		CreatedAt:   time.Now(),
	}

	// Step 1: resolve session.
	sess, err := r.resolveSession(execCtx, req.SessionID)
	if err != nil {
		return nil, err
	}
	rec.SessionID = sess.ID

	// Step 2: choose execution path.
	handle, podSource, jobName, err := r.acquirePod(execCtx, req.Language)
	if err != nil {
		if errors.Is(err, ErrUseJobPath) || errors.Is(err, context.DeadlineExceeded) {
			return nil, apierrors.FailedTo(apierrors.Unavailable, "runner", "acquire pod", err)
		}
		return nil, err
	}

	rec.StartedAt = time.Now()
	r.pods.BeginExecution(req.Language, handle.PodName)

	outcome := r.runOnPod(execCtx, sess, req, handle, stateful, timeoutExitCode, &rec)

	// Step 8: release the pod (or delete the Job).
	failed := outcome.failed
	r.pods.Release(context.Background(), req.Language, handle.PodName, failed)
	if jobName != "" {
		if err := r.pods.TeardownJob(context.Background(), jobName); err != nil {
			klog.Errorf("runner: failed to tear down job %s: %v", jobName, err)
		}
	}

	rec.CompletedAt = time.Now()

	if r.metrics != nil {
		status := string(rec.Status)
		if status == "" {
			status = "error"
		}
		r.metrics.ExecutionLatency.WithLabelValues(req.Language, status).Observe(rec.CompletedAt.Sub(rec.StartedAt).Seconds())
		r.metrics.ExecutionTotal.WithLabelValues(req.Language, status).Inc()
	}

	// Step 9: persist the execution record.
	if _, err := r.sessions.AppendExecution(context.Background(), sess.ID, rec, 0); err != nil {
		klog.Errorf("runner: failed to persist execution record for session %s: %v", sess.ID, err)
	}

	if outcome.err != nil {
		return nil, outcome.err
	}

	return &Response{
		Execution:   rec,
		PodRef:      handle.PodName,
		NewState:    outcome.newState,
		StateErrors: outcome.stateErrors,
		PodSource:   podSource,
	}, nil
}

func (r *Runner) resolveSession(ctx context.Context, sessionID string) (*session.Session, error) {
	if sessionID == "" {
		return r.sessions.Create(ctx, nil, "")
	}
	sess, err := r.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return r.sessions.Create(ctx, nil, "")
	}
	return r.sessions.Touch(ctx, sessionID)
}

func (r *Runner) acquirePod(ctx context.Context, language string) (*PoolHandle, string, string, error) {
	handle, err := r.pods.Acquire(ctx, language)
	if err == nil {
		return handle, "pool", "", nil
	}
	if !errors.Is(err, ErrUseJobPath) {
		return nil, "", "", err
	}

	handle, jobName, jobErr := r.pods.CreateJobPod(ctx, language)
	if jobErr != nil {
		return nil, "", "", jobErr
	}
	return handle, "job", jobName, nil
}

type execOutcome struct {
	failed      bool
	err         error
	newState    string
	stateErrors string
}

func (r *Runner) runOnPod(ctx context.Context, sess *session.Session, req Request, handle *PoolHandle, stateful bool, timeoutExitCode int, rec *ExecutionRecord) execOutcome {
	// Step 3: stage files, tracking the filenames the request staged so
	// step 7 skips them. Files left on a reused pod by an earlier
	// execution are not excluded and are harvested again.
	staged := make(map[string]bool, len(req.Files)+len(req.FileRefs))
	for fileID, content := range req.Files {
		if err := r.sidecars.UploadFile(ctx, handle.PodIP, handle.Port, fileID, content); err != nil {
			return execOutcome{failed: true, err: apierrors.FailedToWithDetails(apierrors.Internal, "runner", "upload file", fileID, err)}
		}
		staged[fileID] = true
	}
	for _, fileID := range req.FileRefs {
		content, filename, err := r.files.Resolve(ctx, sess, fileID)
		if err != nil {
			return execOutcome{failed: true, err: err}
		}
		if err := r.sidecars.UploadFile(ctx, handle.PodIP, handle.Port, filename, content); err != nil {
			return execOutcome{failed: true, err: apierrors.FailedToWithDetails(apierrors.Internal, "runner", "upload file", filename, err)}
		}
		staged[filename] = true
	}
	stagedNames := make([]string, 0, len(staged))
	for name := range staged {
		stagedNames = append(stagedNames, name)
	}

	// Step 4: resolve initial state.
	initialState := req.InitialState
	if initialState == "" && stateful {
		if blob, err := r.states.Load(ctx, sess.ID, r.sessionTTL); err == nil {
			initialState = base64.StdEncoding.EncodeToString(blob)
		} else if apierrors.CodeOf(err) != apierrors.NotFound {
			klog.Errorf("runner: failed to load persisted state for session %s: %v", sess.ID, err)
		}
	}

	deadline, _ := ctx.Deadline()
	execReq := sidecar.ExecuteRequest{
		Code:         req.Code,
		Language:     req.Language,
		Files:        stagedNames,
		InitialState: initialState,
		CaptureState: req.CaptureState,
		TimeoutMs:    time.Until(deadline).Milliseconds(),
	}

	// Step 5: call the sidecar, with one retry on a transport failure
	// before any byte of the response was read.
	resp, err := r.sidecars.Execute(ctx, handle.PodIP, handle.Port, execReq)
	if err != nil {
		var sidecarErr *sidecar.Error
		if errors.As(err, &sidecarErr) && sidecarErr.Retryable() {
			time.Sleep(200 * time.Millisecond)
			resp, err = r.sidecars.Execute(ctx, handle.PodIP, handle.Port, execReq)
		}
	}
	if err != nil {
		return r.classifyExecuteFailure(ctx, handle, err, timeoutExitCode, rec)
	}

	rec.ExitCode = resp.ExitCode
	rec.ExecutionTimeMs = resp.ExecutionTimeMs
	rec.Outputs = []Output{
		{Type: "stdout", Content: resp.Stdout, Timestamp: time.Now()},
		{Type: "stderr", Content: resp.Stderr, Timestamp: time.Now()},
	}

	if resp.ExitCode == timeoutExitCode {
		rec.Status = ExecutionTimedOut
	} else {
		rec.Status = ExecutionCompleted
	}
	timedOut := rec.Status == ExecutionTimedOut

	// Step 6: persist state if captured and the language is stateful.
	var newState string
	if req.CaptureState && stateful && resp.State != "" {
		if _, _, err := r.states.Save(ctx, sess.ID, resp.State, r.sessionTTL); err != nil {
			klog.Errorf("runner: failed to persist captured state for session %s: %v", sess.ID, err)
		} else {
			newState = resp.State
		}
	}

	// Step 7: harvest any files newly present on the pod's working dir.
	r.collectOutputs(ctx, handle, rec, staged)

	// A timed-out execution leaves the pod in an unknown state; it must
	// be destroyed rather than returned to the warm pool (spec.md §8
	// scenario 5), matching the DeadlineExceeded path below.
	return execOutcome{failed: timedOut, newState: newState, stateErrors: resp.StateErrors}
}

// collectOutputs lists the pod's working directory via the sidecar and
// downloads/stores any file not already staged by the request itself.
// A per-file failure is logged and skipped; it never fails the execution.
func (r *Runner) collectOutputs(ctx context.Context, handle *PoolHandle, rec *ExecutionRecord, staged map[string]bool) {
	names, err := r.sidecars.ListFiles(ctx, handle.PodIP, handle.Port)
	if err != nil {
		klog.Errorf("runner: failed to list output files on pod %s: %v", handle.PodName, err)
		return
	}

	index := 0
	for _, name := range names {
		if staged[name] {
			continue
		}
		content, err := r.sidecars.DownloadFile(ctx, handle.PodIP, handle.Port, name)
		if err != nil {
			klog.Errorf("runner: failed to download output file %s from pod %s: %v", name, handle.PodName, err)
			continue
		}
		key, err := r.outputs.StoreOutput(ctx, rec.ExecutionID, index, name, content)
		if err != nil {
			klog.Errorf("runner: failed to store output file %s for execution %s: %v", name, rec.ExecutionID, err)
			continue
		}
		rec.Outputs = append(rec.Outputs, Output{
			Type:      "file",
			Content:   key,
			MimeType:  mime.TypeByExtension(filepath.Ext(name)),
			Size:      int64(len(content)),
			Timestamp: time.Now(),
		})
		index++
	}
}

func (r *Runner) classifyExecuteFailure(ctx context.Context, handle *PoolHandle, err error, timeoutExitCode int, rec *ExecutionRecord) execOutcome {
	var sidecarErr *sidecar.Error
	if errors.As(err, &sidecarErr) {
		if sidecarErr.Kind == sidecar.KindStatus && sidecarErr.StatusCode >= 500 {
			rec.Status = ExecutionFailed
			rec.ErrorMessage = sidecarErr.Error()
			return execOutcome{failed: true, err: apierrors.FailedToWithDetails(apierrors.Internal, "runner", "execute", handle.PodName, err)}
		}
		if sidecarErr.Kind == sidecar.KindTransport {
			rec.Status = ExecutionFailed
			rec.ErrorMessage = sidecarErr.Error()
			return execOutcome{failed: true, err: apierrors.FailedToWithDetails(apierrors.Unavailable, "runner", "execute", handle.PodName, err)}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		rec.Status = ExecutionTimedOut
		rec.ExitCode = timeoutExitCode
		r.sidecars.CancelExecute(context.Background(), handle.PodIP, handle.Port, rec.ExecutionID)
		return execOutcome{failed: true, err: apierrors.TimeoutError("runner", "execute", err)}
	}

	rec.Status = ExecutionFailed
	rec.ErrorMessage = err.Error()
	return execOutcome{failed: true, err: apierrors.FailedTo(apierrors.Internal, "runner", "execute", err)}
}

// Cancel best-effort cancels an in-flight execution on client
// disconnect or deadline, per the cancellation design in spec §5.
func (r *Runner) Cancel(ctx context.Context, podIP string, port int, executionID string) {
	r.sidecars.CancelExecute(ctx, podIP, port, executionID)
}
