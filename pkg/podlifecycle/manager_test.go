package podlifecycle

import (
	"context"
	"strings"
	"testing"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/scoutflo/code-orchestrator/internal/config"
	"github.com/scoutflo/code-orchestrator/pkg/cluster"
)

func newTestManager() (*Manager, *fake.Clientset) {
	clientset := fake.NewSimpleClientset()
	clusterClient := cluster.NewWithClientset(clientset, "default")
	manager := NewManager(clusterClient, config.PodDefaults{TerminationGrace: time.Second}, config.JobDefaults{})
	return manager, clientset
}

func TestSerialCounterIncrementsAcrossCalls(t *testing.T) {
	c := newSerialCounter()
	first := c.next()
	second := c.next()
	third := c.next()
	if first != 1 || second != 2 || third != 3 {
		t.Errorf("got %d, %d, %d, want 1, 2, 3", first, second, third)
	}
}

func TestTeardownDeletesPod(t *testing.T) {
	manager, clientset := newTestManager()
	ctx := context.Background()

	_, err := clientset.CoreV1().Pods("default").Create(ctx, &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "warm-py-1"},
	}, metav1.CreateOptions{})
	if err != nil {
		t.Fatalf("setup error: %v", err)
	}

	if err := manager.Teardown(ctx, "warm-py-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = clientset.CoreV1().Pods("default").Get(ctx, "warm-py-1", metav1.GetOptions{})
	if err == nil {
		t.Error("expected pod to be deleted")
	}
}

func TestTeardownJobDeletesJob(t *testing.T) {
	manager, clientset := newTestManager()
	ctx := context.Background()

	_, err := clientset.BatchV1().Jobs("default").Create(ctx, &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: "job-cold-1"},
	}, metav1.CreateOptions{})
	if err != nil {
		t.Fatalf("setup error: %v", err)
	}

	if err := manager.TeardownJob(ctx, "job-cold-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = clientset.BatchV1().Jobs("default").Get(ctx, "job-cold-1", metav1.GetOptions{})
	if err == nil {
		t.Error("expected job to be deleted")
	}
}

func TestJobStatusReportsCompletion(t *testing.T) {
	manager, clientset := newTestManager()
	ctx := context.Background()

	_, err := clientset.BatchV1().Jobs("default").Create(ctx, &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: "job-cold-1"},
		Status:     batchv1.JobStatus{Succeeded: 1},
	}, metav1.CreateOptions{})
	if err != nil {
		t.Fatalf("setup error: %v", err)
	}

	status, err := manager.JobStatus(ctx, "job-cold-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.Succeeded != 1 {
		t.Errorf("got succeeded count %d, want 1", status.Succeeded)
	}
}

func TestReconcileOrphansFindsUnknownPods(t *testing.T) {
	manager, clientset := newTestManager()
	ctx := context.Background()

	managedLabels := map[string]string{"app.kubernetes.io/managed-by": "code-orchestrator"}
	_, err := clientset.CoreV1().Pods("default").Create(ctx, &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "warm-py-1", Labels: managedLabels},
	}, metav1.CreateOptions{})
	if err != nil {
		t.Fatalf("setup error: %v", err)
	}
	_, err = clientset.CoreV1().Pods("default").Create(ctx, &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "warm-py-2", Labels: managedLabels},
	}, metav1.CreateOptions{})
	if err != nil {
		t.Fatalf("setup error: %v", err)
	}

	orphans, err := manager.ReconcileOrphans(ctx, map[string]bool{"warm-py-1": true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(orphans) != 1 || orphans[0] != "warm-py-2" {
		t.Errorf("got orphans %v, want [warm-py-2]", orphans)
	}
}

func TestPodNameIncludesLanguageAndSerial(t *testing.T) {
	name := PodName("py", 7)
	if name == "" {
		t.Fatal("expected a non-empty pod name")
	}
	if !strings.Contains(name, "py") || !strings.Contains(name, "7") {
		t.Errorf("got pod name %q, want it to contain language py and serial 7", name)
	}
}
