package podlifecycle

import (
	"context"
	"fmt"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	"k8s.io/klog/v2"

	"github.com/scoutflo/code-orchestrator/internal/config"
	"github.com/scoutflo/code-orchestrator/pkg/apierrors"
	"github.com/scoutflo/code-orchestrator/pkg/cluster"
	"github.com/scoutflo/code-orchestrator/pkg/sidecar"
)

// Manager creates, specializes-readiness-waits-for, and tears down pods.
// It holds no pool state of its own; pkg/pool owns the registry and
// calls into Manager for every state transition that touches the
// cluster API.
type Manager struct {
	cluster     *cluster.Client
	defaults    config.PodDefaults
	jobDefaults config.JobDefaults
	serial      *serialCounter
}

func NewManager(clusterClient *cluster.Client, defaults config.PodDefaults, jobDefaults config.JobDefaults) *Manager {
	return &Manager{cluster: clusterClient, defaults: defaults, jobDefaults: jobDefaults, serial: newSerialCounter()}
}

// CreatePoolPod creates a new warm-pool pod for language and blocks
// until its sidecar passes /ready or the creation timeout elapses. On
// timeout the half-created pod is deleted before returning.
func (m *Manager) CreatePoolPod(ctx context.Context, language string, lang config.LanguageConfig, mainImage string) (*Handle, error) {
	name := PodName(language, m.serial.next())
	spec := BuildPodSpec(name, language, m.defaults, lang, mainImage)

	createCtx, cancel := context.WithTimeout(ctx, m.defaults.PodCreationTimeout)
	defer cancel()

	created, err := m.cluster.CreatePod(createCtx, spec)
	if err != nil {
		return nil, err
	}

	running, err := m.cluster.WaitForPodReady(createCtx, created.Name, m.defaults.PodCreationTimeout)
	if err != nil {
		m.Teardown(context.Background(), created.Name)
		return nil, err
	}

	sidecarClient := sidecar.New(m.defaults.PodCreationTimeout)
	if err := waitSidecarReady(createCtx, sidecarClient, running.Status.PodIP, defaultSidecarPort, m.defaults.PodCreationTimeout); err != nil {
		m.Teardown(context.Background(), created.Name)
		return nil, err
	}

	klog.V(1).Infof("podlifecycle: pod %s is warm for language %s", created.Name, language)

	return &Handle{
		Name:        created.Name,
		Namespace:   created.Namespace,
		UID:         string(created.UID),
		Language:    language,
		Status:      StatusWarm,
		PodIP:       running.Status.PodIP,
		SidecarPort: defaultSidecarPort,
		CreatedAt:   created.CreationTimestamp.Time,
		Labels:      created.Labels,
	}, nil
}

// CreateJobPod creates a one-shot Job for language and waits for its pod
// to reach warm, returning the pod handle bound to the job's name.
func (m *Manager) CreateJobPod(ctx context.Context, language string, lang config.LanguageConfig, mainImage string) (*Handle, string, error) {
	name := PodName(language, m.serial.next())
	job := BuildJobSpec(name, language, m.defaults, lang, mainImage, m.jobDefaults)

	createCtx, cancel := context.WithTimeout(ctx, m.defaults.PodCreationTimeout)
	defer cancel()

	createdJob, err := m.cluster.CreateJob(createCtx, job)
	if err != nil {
		return nil, "", err
	}

	var pod *Handle
	deadline := time.Now().Add(m.defaults.PodCreationTimeout)
	for {
		p, findErr := m.cluster.PodOwnedByJob(createCtx, createdJob.Name)
		if findErr == nil {
			running, waitErr := m.cluster.WaitForPodReady(createCtx, p.Name, time.Until(deadline))
			if waitErr != nil {
				return nil, "", waitErr
			}
			sidecarClient := sidecar.New(m.defaults.PodCreationTimeout)
			if err := waitSidecarReady(createCtx, sidecarClient, running.Status.PodIP, defaultSidecarPort, time.Until(deadline)); err != nil {
				return nil, "", err
			}
			pod = &Handle{
				Name:        running.Name,
				Namespace:   running.Namespace,
				UID:         string(running.UID),
				Language:    language,
				Status:      StatusWarm,
				PodIP:       running.Status.PodIP,
				SidecarPort: defaultSidecarPort,
				CreatedAt:   running.CreationTimestamp.Time,
				Labels:      running.Labels,
			}
			break
		}
		if time.Now().After(deadline) {
			return nil, "", apierrors.TimeoutError("podlifecycle", "wait for job pod", fmt.Errorf("job %s produced no pod before timeout", createdJob.Name))
		}
		time.Sleep(300 * time.Millisecond)
	}

	return pod, createdJob.Name, nil
}

// JobStatus reports whether job has completed, used by the runner to
// know the cold path finished before deleting it.
func (m *Manager) JobStatus(ctx context.Context, name string) (*batchv1.JobStatus, error) {
	return m.cluster.GetJobStatus(ctx, name)
}

// Teardown deletes a pool pod with the configured termination grace.
func (m *Manager) Teardown(ctx context.Context, name string) error {
	return m.cluster.DeletePod(ctx, name, m.defaults.TerminationGrace)
}

// TeardownJob deletes a completed Job, cascading to its pod.
func (m *Manager) TeardownJob(ctx context.Context, name string) error {
	return m.cluster.DeleteJob(ctx, name)
}

// ReconcileOrphans lists every pod bearing the orchestrator's labels
// and returns the names not present in knownNames, so the pool can
// delete pods a prior process instance never returned to the registry.
func (m *Manager) ReconcileOrphans(ctx context.Context, knownNames map[string]bool) ([]string, error) {
	pods, err := m.cluster.ListPods(ctx, cluster.SelectorForManaged())
	if err != nil {
		return nil, err
	}
	var orphans []string
	for _, pod := range pods {
		if !knownNames[pod.Name] {
			orphans = append(orphans, pod.Name)
		}
	}
	return orphans, nil
}

func waitSidecarReady(ctx context.Context, client *sidecar.Client, podIP string, port int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if err := client.Ready(ctx, podIP, port); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return apierrors.TimeoutError("podlifecycle", "wait for sidecar ready", fmt.Errorf("sidecar at %s:%d never became ready", podIP, port))
		}
		select {
		case <-ctx.Done():
			return apierrors.TimeoutError("podlifecycle", "wait for sidecar ready", ctx.Err())
		case <-time.After(500 * time.Millisecond):
		}
	}
}

type serialCounter struct {
	ch chan int64
}

func newSerialCounter() *serialCounter {
	c := &serialCounter{ch: make(chan int64, 1)}
	c.ch <- 0
	return c
}

func (c *serialCounter) next() int64 {
	n := <-c.ch
	n++
	c.ch <- n
	return n
}
