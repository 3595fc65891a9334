package pool

import (
	"context"
	"time"

	"k8s.io/klog/v2"

	"github.com/scoutflo/code-orchestrator/pkg/sidecar"
)

// Start launches the replenish and health-sweep goroutines. It returns
// immediately; both loops exit when ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	go p.replenishLoop(ctx)
	go p.healthLoop(ctx)
}

func (p *Pool) replenishLoop(ctx context.Context) {
	ticker := time.NewTicker(p.intervals.ReplenishInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.replenishOnce(ctx)
		}
	}
}

func (p *Pool) replenishOnce(ctx context.Context) {
	for language, lang := range p.languages {
		if lang.PoolSize == 0 {
			continue
		}
		lp, ok := p.poolFor(language)
		if !ok {
			continue
		}
		warm, total := p.Snapshot(language)
		missing := lang.PoolSize - total
		if missing <= 0 && warm >= lang.PoolSize {
			lp.mu.Lock()
			lp.backoff = 0
			lp.mu.Unlock()
			continue
		}
		if missing <= 0 {
			continue
		}

		lp.mu.Lock()
		backoff := lp.backoff
		lp.mu.Unlock()
		if backoff > 0 {
			time.Sleep(backoff)
		}

		created, err := p.manager.CreatePoolPod(ctx, language, lang, p.imageFor(language))
		if err != nil {
			klog.Errorf("pool: replenish for %s failed: %v", language, err)
			if p.metrics != nil {
				p.metrics.PodCreateFails.WithLabelValues(language).Inc()
			}
			lp.mu.Lock()
			if lp.backoff == 0 {
				lp.backoff = time.Second
			} else if lp.backoff < 30*time.Second {
				lp.backoff *= 2
			}
			lp.mu.Unlock()
			continue
		}

		lp.mu.Lock()
		lp.entries = append(lp.entries, &entry{handle: created, createdAt: time.Now()})
		lp.backoff = 0
		lp.mu.Unlock()
		p.updateGauges(language)
		klog.V(1).Infof("pool: replenished %s, now %d/%d", language, total+1, lang.PoolSize)
	}
}

func (p *Pool) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(p.intervals.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.healthOnce(ctx)
		}
	}
}

// healthOnce probes /health on every idle warm entry. Two consecutive
// failures mark the entry for deletion; a success resets the counter.
func (p *Pool) healthOnce(ctx context.Context) {
	client := sidecar.New(5 * time.Second)
	threshold := p.intervals.HealthFailureThreshold
	if threshold <= 0 {
		threshold = 2
	}

	for language := range p.languages {
		lp, ok := p.poolFor(language)
		if !ok {
			continue
		}

		var toDelete []*entry
		lp.mu.Lock()
		remaining := lp.entries[:0]
		for _, e := range lp.entries {
			if e.acquired {
				remaining = append(remaining, e)
				continue
			}
			if err := client.Health(ctx, e.handle.PodIP, e.handle.SidecarPort); err != nil {
				e.healthFailures++
				if e.healthFailures >= threshold {
					toDelete = append(toDelete, e)
					continue
				}
			} else {
				e.healthFailures = 0
			}
			remaining = append(remaining, e)
		}
		lp.entries = remaining
		lp.mu.Unlock()

		for _, e := range toDelete {
			klog.V(0).Infof("pool: evicting unhealthy pod %s for language %s after %d consecutive health failures", e.handle.Name, language, e.healthFailures)
			if err := p.manager.Teardown(ctx, e.handle.Name); err != nil {
				klog.Errorf("pool: failed to delete unhealthy pod %s: %v", e.handle.Name, err)
			}
		}
		p.updateGauges(language)
	}
}

// Reconcile lists every pod bearing the orchestrator's labels and
// deletes any not present in the in-process registry — the cluster API
// is the source of truth for liveness across a process restart.
func (p *Pool) Reconcile(ctx context.Context) error {
	known := make(map[string]bool)
	p.mu.RLock()
	for _, lp := range p.byLang {
		lp.mu.Lock()
		for _, e := range lp.entries {
			known[e.handle.Name] = true
		}
		lp.mu.Unlock()
	}
	p.mu.RUnlock()

	orphans, err := p.manager.ReconcileOrphans(ctx, known)
	if err != nil {
		return err
	}
	for _, name := range orphans {
		klog.V(0).Infof("pool: reconciliation deleting orphaned pod %s", name)
		if err := p.manager.Teardown(ctx, name); err != nil {
			klog.Errorf("pool: failed to delete orphaned pod %s: %v", name, err)
		}
	}
	for language := range p.languages {
		p.updateGauges(language)
	}
	return nil
}
