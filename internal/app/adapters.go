package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/scoutflo/code-orchestrator/internal/config"
	"github.com/scoutflo/code-orchestrator/pkg/apierrors"
	"github.com/scoutflo/code-orchestrator/pkg/objectstore"
	"github.com/scoutflo/code-orchestrator/pkg/podlifecycle"
	"github.com/scoutflo/code-orchestrator/pkg/pool"
	"github.com/scoutflo/code-orchestrator/pkg/runner"
	"github.com/scoutflo/code-orchestrator/pkg/session"
	"github.com/scoutflo/code-orchestrator/pkg/sidecar"
	"github.com/scoutflo/code-orchestrator/pkg/state"
)

// podController adapts pkg/pool and pkg/podlifecycle to the runner's
// narrow PodController capability, translating pool.ErrUseJobPath into
// the runner's own sentinel and concrete handle types into
// runner.PoolHandle.
type podController struct {
	pool    *pool.Pool
	manager *podlifecycle.Manager
	cfg     *config.Config
}

func (p *podController) Acquire(ctx context.Context, language string) (*runner.PoolHandle, error) {
	acquired, err := p.pool.Acquire(ctx, language)
	if err != nil {
		if errors.Is(err, pool.ErrUseJobPath) {
			return nil, runner.ErrUseJobPath
		}
		return nil, err
	}
	return toPoolHandle(acquired.Handle), nil
}

func (p *podController) BeginExecution(language, podName string) {
	p.pool.BeginExecution(language, podName)
}

func (p *podController) Release(ctx context.Context, language, podName string, failed bool) {
	p.pool.Release(ctx, language, podName, failed)
}

func (p *podController) CreateJobPod(ctx context.Context, language string) (*runner.PoolHandle, string, error) {
	lang, ok := p.cfg.Languages[language]
	if !ok {
		return nil, "", apierrors.ConfigurationError("app", "create job pod", fmt.Errorf("language %q is not configured", language))
	}
	handle, jobName, err := p.manager.CreateJobPod(ctx, language, lang, p.cfg.ImageForLanguage(language))
	if err != nil {
		return nil, "", err
	}
	return toPoolHandle(handle), jobName, nil
}

func (p *podController) TeardownJob(ctx context.Context, jobName string) error {
	return p.manager.TeardownJob(ctx, jobName)
}

func toPoolHandle(h *podlifecycle.Handle) *runner.PoolHandle {
	return &runner.PoolHandle{PodName: h.Name, PodIP: h.PodIP, Port: h.SidecarPort, Language: h.Language}
}

// stateAdapter narrows state.Service.Save's *SaveResult return into the
// runner's plain (size, hash, error) tuple.
type stateAdapter struct {
	svc *state.Service
}

func (s *stateAdapter) Save(ctx context.Context, sessionID, base64Blob string, ttl time.Duration) (int64, string, error) {
	result, err := s.svc.Save(ctx, sessionID, base64Blob, ttl)
	if err != nil {
		return 0, "", err
	}
	return result.Size, result.Hash, nil
}

func (s *stateAdapter) Load(ctx context.Context, sessionID string, ttl time.Duration) ([]byte, error) {
	return s.svc.Load(ctx, sessionID, ttl)
}

// languageTimeouts answers the runner's per-language execution deadline,
// statefulness, and timeout exit code questions from config.
type languageTimeouts struct {
	cfg *config.Config
}

func (l languageTimeouts) TimeoutFor(language string) (time.Duration, bool, int) {
	lang, ok := l.cfg.Languages[language]
	if !ok {
		return 30 * time.Second, false, 124
	}
	code := lang.TimeoutExitCode
	if code == 0 {
		code = 124
	}
	return lang.ExecutionTimeout, lang.Stateful, code
}

// sessionFileSource resolves a file reference against the session's
// file index and the object store, used for files staged from a prior
// execution rather than the current request body.
type sessionFileSource struct {
	objects *objectstore.Client
}

func (f sessionFileSource) Resolve(ctx context.Context, sess *session.Session, fileID string) ([]byte, string, error) {
	info, ok := sess.Files[fileID]
	if !ok {
		return nil, "", apierrors.FailedToWithDetails(apierrors.NotFound, "app", "resolve file", fileID, fmt.Errorf("file is not indexed on session %s", sess.ID))
	}
	data, err := f.objects.Get(ctx, info.Path)
	if err != nil {
		return nil, "", err
	}
	return data, info.Filename, nil
}

// sidecarTransport adapts the concrete *sidecar.Client to the runner's
// SidecarTransport capability. One client is shared across languages;
// the per-execution deadline is carried by ctx, not the client's own
// backstop timeout.
type sidecarTransport struct {
	client *sidecar.Client
}

func (s sidecarTransport) Execute(ctx context.Context, podIP string, port int, req sidecar.ExecuteRequest) (*sidecar.ExecuteResponse, error) {
	return s.client.Execute(ctx, podIP, port, req)
}

func (s sidecarTransport) UploadFile(ctx context.Context, podIP string, port int, filename string, content []byte) error {
	return s.client.UploadFile(ctx, podIP, port, filename, content)
}

func (s sidecarTransport) ListFiles(ctx context.Context, podIP string, port int) ([]string, error) {
	return s.client.ListFiles(ctx, podIP, port)
}

func (s sidecarTransport) DownloadFile(ctx context.Context, podIP string, port int, name string) ([]byte, error) {
	return s.client.DownloadFile(ctx, podIP, port, name)
}

func (s sidecarTransport) CancelExecute(ctx context.Context, podIP string, port int, executionID string) {
	s.client.CancelExecute(ctx, podIP, port, executionID)
}

// outputStore adapts the object store to the runner's OutputStore
// capability, laying execution-produced files under
// outputs/{execution-id}/{index}-{filename} per spec §6.
type outputStore struct {
	objects *objectstore.Client
}

func (o outputStore) StoreOutput(ctx context.Context, executionID string, index int, filename string, content []byte) (string, error) {
	key := fmt.Sprintf("outputs/%s/%d-%s", executionID, index, filename)
	if err := o.objects.Put(ctx, key, content, ""); err != nil {
		return "", err
	}
	return key, nil
}
