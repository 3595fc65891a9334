package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/scoutflo/code-orchestrator/internal/config"
	"github.com/scoutflo/code-orchestrator/pkg/podlifecycle"
)

type fakeManager struct {
	created     int64
	deleted     []string
	createErr   error
	createDelay time.Duration
}

func (f *fakeManager) CreatePoolPod(ctx context.Context, language string, lang config.LanguageConfig, mainImage string) (*podlifecycle.Handle, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	if f.createDelay > 0 {
		time.Sleep(f.createDelay)
	}
	n := atomic.AddInt64(&f.created, 1)
	return &podlifecycle.Handle{
		Name:        language + "-pod",
		Language:    language,
		Status:      podlifecycle.StatusWarm,
		PodIP:       "10.0.0.1",
		SidecarPort: 8090,
		CreatedAt:   time.Now().Add(time.Duration(n) * time.Millisecond),
	}, nil
}

func (f *fakeManager) Teardown(ctx context.Context, name string) error {
	f.deleted = append(f.deleted, name)
	return nil
}

func (f *fakeManager) ReconcileOrphans(ctx context.Context, knownNames map[string]bool) ([]string, error) {
	return nil, nil
}

func testLanguages() map[string]config.LanguageConfig {
	return map[string]config.LanguageConfig{
		"py": {Language: "py", PoolSize: 2, ExecutionTimeout: time.Second, ReuseExecutions: 5},
		"cold": {Language: "cold", PoolSize: 0, ExecutionTimeout: time.Second},
	}
}

func testIntervals() config.PoolIntervals {
	return config.PoolIntervals{
		ReplenishInterval:      time.Hour,
		HealthInterval:         time.Hour,
		HealthFailureThreshold: 2,
		AcquireDeadline:        50 * time.Millisecond,
	}
}

func seedEntries(p *Pool, language string, n int) {
	lp := p.byLang[language]
	for i := 0; i < n; i++ {
		lp.entries = append(lp.entries, &entry{
			handle: &podlifecycle.Handle{
				Name:     language + "-seed",
				Language: language,
				Status:   podlifecycle.StatusWarm,
				PodIP:    "10.0.0.1",
			},
			createdAt: time.Now().Add(time.Duration(i) * time.Millisecond),
		})
	}
}

func TestAcquireFallsBackToJobPathWhenPoolSizeZero(t *testing.T) {
	fm := &fakeManager{}
	p := newPool(fm, testLanguages(), func(string) string { return "img" }, testIntervals(), nil)

	_, err := p.Acquire(context.Background(), "cold")
	if !errors.Is(err, ErrUseJobPath) {
		t.Fatalf("expected ErrUseJobPath, got %v", err)
	}
}

func TestAcquireFallsBackWhenPoolEmpty(t *testing.T) {
	fm := &fakeManager{}
	p := newPool(fm, testLanguages(), func(string) string { return "img" }, testIntervals(), nil)

	_, err := p.Acquire(context.Background(), "py")
	if !errors.Is(err, ErrUseJobPath) {
		t.Fatalf("expected ErrUseJobPath on empty pool, got %v", err)
	}
}

func TestAcquireSelectsOldestWarmEntry(t *testing.T) {
	fm := &fakeManager{}
	p := newPool(fm, testLanguages(), func(string) string { return "img" }, testIntervals(), nil)
	seedEntries(p, "py", 2)

	acquired, err := p.Acquire(context.Background(), "py")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if acquired.Handle.Status != podlifecycle.StatusSpecializing {
		t.Errorf("expected status specializing, got %s", acquired.Handle.Status)
	}
	if acquired.Handle != p.byLang["py"].entries[0].handle {
		t.Error("expected the oldest seeded entry to be acquired")
	}

	warm, total := p.Snapshot("py")
	if total != 2 || warm != 1 {
		t.Errorf("expected total=2 warm=1, got total=%d warm=%d", total, warm)
	}
}

func TestReleaseReturnsToWarmWithinReuseBudget(t *testing.T) {
	fm := &fakeManager{}
	p := newPool(fm, testLanguages(), func(string) string { return "img" }, testIntervals(), nil)
	seedEntries(p, "py", 1)

	acquired, err := p.Acquire(context.Background(), "py")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p.Release(context.Background(), "py", acquired.Handle.Name, false)

	warm, total := p.Snapshot("py")
	if total != 1 || warm != 1 {
		t.Errorf("expected entry to return to warm, got total=%d warm=%d", total, warm)
	}
	if len(fm.deleted) != 0 {
		t.Errorf("expected no deletion on successful release, got %v", fm.deleted)
	}
}

func TestReleaseDeletesOnFailure(t *testing.T) {
	fm := &fakeManager{}
	p := newPool(fm, testLanguages(), func(string) string { return "img" }, testIntervals(), nil)
	seedEntries(p, "py", 1)

	acquired, _ := p.Acquire(context.Background(), "py")
	p.Release(context.Background(), "py", acquired.Handle.Name, true)

	_, total := p.Snapshot("py")
	if total != 0 {
		t.Errorf("expected entry removed after failed release, total=%d", total)
	}
	if len(fm.deleted) != 1 {
		t.Errorf("expected one deletion, got %v", fm.deleted)
	}
}

func TestReleaseTwiceIsNoOp(t *testing.T) {
	fm := &fakeManager{}
	p := newPool(fm, testLanguages(), func(string) string { return "img" }, testIntervals(), nil)
	seedEntries(p, "py", 1)

	acquired, _ := p.Acquire(context.Background(), "py")
	p.Release(context.Background(), "py", acquired.Handle.Name, false)
	p.Release(context.Background(), "py", acquired.Handle.Name, false)

	if len(fm.deleted) != 0 {
		t.Errorf("expected no deletions from double release, got %v", fm.deleted)
	}
}

func TestReleaseDeletesWhenReuseBudgetExhausted(t *testing.T) {
	fm := &fakeManager{}
	langs := testLanguages()
	py := langs["py"]
	py.ReuseExecutions = 1
	langs["py"] = py
	p := newPool(fm, langs, func(string) string { return "img" }, testIntervals(), nil)
	seedEntries(p, "py", 1)

	acquired, _ := p.Acquire(context.Background(), "py")
	p.Release(context.Background(), "py", acquired.Handle.Name, false)

	_, total := p.Snapshot("py")
	if total != 0 {
		t.Errorf("expected entry retired after reuse budget exhausted, total=%d", total)
	}
}

func TestHealthSweepDeletesAfterTwoConsecutiveFailures(t *testing.T) {
	fm := &fakeManager{}
	p := newPool(fm, testLanguages(), func(string) string { return "img" }, testIntervals(), nil)
	seedEntries(p, "py", 1)

	lp := p.byLang["py"]
	e := lp.entries[0]
	e.handle.PodIP = "127.0.0.1" // nothing listens on port 1, so the health probe is refused at once
	e.handle.SidecarPort = 1

	p.healthOnce(context.Background())
	if _, total := p.Snapshot("py"); total != 1 || len(fm.deleted) != 0 {
		t.Errorf("expected entry kept after the first failure, total=%d deleted=%v", total, fm.deleted)
	}

	p.healthOnce(context.Background())
	if _, total := p.Snapshot("py"); total != 0 || len(fm.deleted) != 1 {
		t.Errorf("expected entry to be deleted on the second consecutive failure, total=%d deleted=%v", total, fm.deleted)
	}
}
