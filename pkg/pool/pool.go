// Package pool implements the per-language warm pod pool: acquisition,
// release, periodic replenishment, and a periodic health sweep. All
// transitions for one language are serialised by that language's mutex;
// acquisition against different languages never blocks.
package pool

import (
	"context"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/scoutflo/code-orchestrator/internal/config"
	"github.com/scoutflo/code-orchestrator/internal/telemetry"
	"github.com/scoutflo/code-orchestrator/pkg/apierrors"
	"github.com/scoutflo/code-orchestrator/pkg/podlifecycle"
	"github.com/scoutflo/code-orchestrator/pkg/sidecar"
)

// entry wraps a pod handle with the pool's own bookkeeping.
type entry struct {
	handle         *podlifecycle.Handle
	acquired       bool
	acquiredAt     time.Time
	healthFailures int
	executionCount int
	createdAt      time.Time
}

// languagePool is the per-language registry, guarded by its own mutex.
type languagePool struct {
	mu      sync.Mutex
	entries []*entry
	backoff time.Duration
}

// lifecycleManager is the subset of *podlifecycle.Manager the pool
// depends on; tests inject a fake satisfying this interface instead of
// standing up a real cluster.
type lifecycleManager interface {
	CreatePoolPod(ctx context.Context, language string, lang config.LanguageConfig, mainImage string) (*podlifecycle.Handle, error)
	Teardown(ctx context.Context, name string) error
	ReconcileOrphans(ctx context.Context, knownNames map[string]bool) ([]string, error)
}

// Pool is the orchestrator-wide warm pod pool across all languages.
type Pool struct {
	manager   lifecycleManager
	languages map[string]config.LanguageConfig
	imageFor  func(language string) string
	intervals config.PoolIntervals
	metrics   *telemetry.Metrics

	mu     sync.RWMutex
	byLang map[string]*languagePool
}

// New constructs an empty Pool. Call Start to begin the background
// replenish and health sweeps. metrics may be nil in tests.
func New(manager *podlifecycle.Manager, languages map[string]config.LanguageConfig, imageFor func(string) string, intervals config.PoolIntervals, metrics *telemetry.Metrics) *Pool {
	return newPool(manager, languages, imageFor, intervals, metrics)
}

func newPool(manager lifecycleManager, languages map[string]config.LanguageConfig, imageFor func(string) string, intervals config.PoolIntervals, metrics *telemetry.Metrics) *Pool {
	p := &Pool{
		manager:   manager,
		languages: languages,
		imageFor:  imageFor,
		intervals: intervals,
		metrics:   metrics,
		byLang:    make(map[string]*languagePool),
	}
	for lang := range languages {
		p.byLang[lang] = &languagePool{}
	}
	return p
}

// updateGauges refreshes the warm/total pod gauges for language from a
// fresh snapshot, a no-op when no metrics were supplied.
func (p *Pool) updateGauges(language string) {
	if p.metrics == nil {
		return
	}
	warm, total := p.Snapshot(language)
	p.metrics.PoolWarmPods.WithLabelValues(language).Set(float64(warm))
	p.metrics.PoolTotalPods.WithLabelValues(language).Set(float64(total))
}

func (p *Pool) poolFor(language string) (*languagePool, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	lp, ok := p.byLang[language]
	return lp, ok
}

// Acquired is returned to callers on a successful acquisition; Release
// must be called exactly once to return it to warm or delete it.
type Acquired struct {
	Handle *podlifecycle.Handle
}

// ErrUseJobPath signals the caller should fall back to the one-shot Job
// path: either the language has no configured pool, or no warm pod
// became available within the acquire deadline.
var ErrUseJobPath = apierrors.FailedTo(apierrors.Unavailable, "pool", "acquire", errUseJobPathCause{})

type errUseJobPathCause struct{}

func (errUseJobPathCause) Error() string { return "no warm pod available, use job path" }

// Acquire selects the oldest available (unacquired, warm) entry for
// language, marks it acquired, and transitions it to specializing. If
// none is available it waits up to the configured acquire deadline for
// a replenishment to land one, then returns ErrUseJobPath.
func (p *Pool) Acquire(ctx context.Context, language string) (*Acquired, error) {
	lang, ok := p.languages[language]
	if !ok || lang.PoolSize == 0 {
		return nil, ErrUseJobPath
	}

	lp, ok := p.poolFor(language)
	if !ok {
		return nil, ErrUseJobPath
	}

	deadline := time.Now().Add(p.intervals.AcquireDeadline)
	for {
		if acquired := tryAcquire(lp); acquired != nil {
			p.updateGauges(language)
			return &Acquired{Handle: acquired.handle}, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrUseJobPath
		}
		select {
		case <-ctx.Done():
			return nil, apierrors.TimeoutError("pool", "acquire", ctx.Err())
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func tryAcquire(lp *languagePool) *entry {
	lp.mu.Lock()
	defer lp.mu.Unlock()

	var oldest *entry
	for _, e := range lp.entries {
		if e.acquired || e.handle.Status != podlifecycle.StatusWarm {
			continue
		}
		if oldest == nil || e.createdAt.Before(oldest.createdAt) {
			oldest = e
		}
	}
	if oldest == nil {
		return nil
	}
	oldest.acquired = true
	oldest.acquiredAt = time.Now()
	oldest.handle.Status = podlifecycle.StatusSpecializing
	return oldest
}

// BeginExecution transitions an acquired handle into executing, called
// by the runner immediately before the sidecar call.
func (p *Pool) BeginExecution(language, podName string) {
	lp, ok := p.poolFor(language)
	if !ok {
		return
	}
	lp.mu.Lock()
	defer lp.mu.Unlock()
	for _, e := range lp.entries {
		if e.handle.Name == podName {
			e.handle.Status = podlifecycle.StatusExecuting
			return
		}
	}
}

// Release reports the outcome of an execution. On success, within the
// per-pod reuse budget, the entry returns to warm; otherwise the pod is
// deleted and a replenish is triggered on the next sweep. A second
// Release call for an already-released pod is a no-op.
func (p *Pool) Release(ctx context.Context, language, podName string, failed bool) {
	lp, ok := p.poolFor(language)
	if !ok {
		return
	}

	var toDelete *entry
	lp.mu.Lock()
	for i, e := range lp.entries {
		if e.handle.Name != podName {
			continue
		}
		if !e.acquired {
			lp.mu.Unlock()
			return
		}
		e.acquired = false
		e.executionCount++

		lang := p.languages[language]
		overBudget := (lang.ReuseExecutions > 0 && e.executionCount >= lang.ReuseExecutions) ||
			(lang.ReuseDuration > 0 && time.Since(e.createdAt) >= lang.ReuseDuration)

		if failed || overBudget {
			lp.entries = append(lp.entries[:i], lp.entries[i+1:]...)
			toDelete = e
		} else {
			e.handle.Status = podlifecycle.StatusWarm
		}
		break
	}
	lp.mu.Unlock()
	p.updateGauges(language)

	if toDelete != nil {
		klog.V(1).Infof("pool: deleting pod %s for language %s (failed=%v)", podName, language, failed)
		if err := p.manager.Teardown(ctx, podName); err != nil {
			klog.Errorf("pool: failed to delete pod %s: %v", podName, err)
		}
	}
}

// Snapshot returns the current warm, unacquired count and the total
// entry count for language, used by tests and the replenish sweep.
func (p *Pool) Snapshot(language string) (warm int, total int) {
	lp, ok := p.poolFor(language)
	if !ok {
		return 0, 0
	}
	lp.mu.Lock()
	defer lp.mu.Unlock()
	for _, e := range lp.entries {
		total++
		if !e.acquired && e.handle.Status == podlifecycle.StatusWarm {
			warm++
		}
	}
	return warm, total
}
