package cluster

import (
	"context"
	"testing"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func newTestClient() (*Client, *fake.Clientset) {
	clientset := fake.NewSimpleClientset()
	return NewWithClientset(clientset, "default"), clientset
}

func TestCreateAndGetPod(t *testing.T) {
	c, _ := newTestClient()
	ctx := context.Background()

	spec := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "warm-py-1"}}
	created, err := c.CreatePod(ctx, spec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created.Name != "warm-py-1" {
		t.Errorf("got pod name %q", created.Name)
	}

	got, err := c.GetPod(ctx, "warm-py-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Name != "warm-py-1" {
		t.Errorf("got pod name %q", got.Name)
	}
}

func TestGetPodNotFound(t *testing.T) {
	c, _ := newTestClient()
	_, err := c.GetPod(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected a not-found error")
	}
}

func TestDeletePodIsIdempotent(t *testing.T) {
	c, _ := newTestClient()
	if err := c.DeletePod(context.Background(), "never-created", time.Second); err != nil {
		t.Errorf("expected delete of a missing pod to be a no-op, got %v", err)
	}
}

func TestListPodsFiltersByLabelSelector(t *testing.T) {
	c, clientset := newTestClient()
	ctx := context.Background()

	_, err := clientset.CoreV1().Pods("default").Create(ctx, &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "warm-py-1", Labels: map[string]string{"language": "py"}},
	}, metav1.CreateOptions{})
	if err != nil {
		t.Fatalf("setup error: %v", err)
	}
	_, err = clientset.CoreV1().Pods("default").Create(ctx, &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "warm-js-1", Labels: map[string]string{"language": "js"}},
	}, metav1.CreateOptions{})
	if err != nil {
		t.Fatalf("setup error: %v", err)
	}

	pods, err := c.ListPods(ctx, "language=py")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pods) != 1 || pods[0].Name != "warm-py-1" {
		t.Errorf("got pods %v", pods)
	}
}

func TestWaitForPodReadyReturnsOnRunning(t *testing.T) {
	c, clientset := newTestClient()
	ctx := context.Background()

	_, err := clientset.CoreV1().Pods("default").Create(ctx, &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "warm-py-1"},
		Status:     corev1.PodStatus{Phase: corev1.PodRunning},
	}, metav1.CreateOptions{})
	if err != nil {
		t.Fatalf("setup error: %v", err)
	}

	pod, err := c.WaitForPodReady(ctx, "warm-py-1", time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pod.Status.Phase != corev1.PodRunning {
		t.Errorf("got phase %v", pod.Status.Phase)
	}
}

func TestWaitForPodReadyTimesOutOnPending(t *testing.T) {
	c, clientset := newTestClient()
	ctx := context.Background()

	_, err := clientset.CoreV1().Pods("default").Create(ctx, &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "warm-py-1"},
		Status:     corev1.PodStatus{Phase: corev1.PodPending},
	}, metav1.CreateOptions{})
	if err != nil {
		t.Fatalf("setup error: %v", err)
	}

	_, err = c.WaitForPodReady(ctx, "warm-py-1", 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected a timeout error")
	}
}

func TestWaitForPodReadyFailsOnTerminalPhase(t *testing.T) {
	c, clientset := newTestClient()
	ctx := context.Background()

	_, err := clientset.CoreV1().Pods("default").Create(ctx, &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "warm-py-1"},
		Status:     corev1.PodStatus{Phase: corev1.PodFailed},
	}, metav1.CreateOptions{})
	if err != nil {
		t.Fatalf("setup error: %v", err)
	}

	_, err = c.WaitForPodReady(ctx, "warm-py-1", time.Second)
	if err == nil {
		t.Fatal("expected an error for a pod that failed before becoming ready")
	}
}

func TestCreateAndGetJobStatus(t *testing.T) {
	c, _ := newTestClient()
	ctx := context.Background()

	_, err := c.CreateJob(ctx, &batchv1.Job{ObjectMeta: metav1.ObjectMeta{Name: "job-cold-1"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	status, err := c.GetJobStatus(ctx, "job-cold-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status == nil {
		t.Fatal("expected a non-nil status")
	}
}

func TestPodOwnedByJobNotFound(t *testing.T) {
	c, _ := newTestClient()
	_, err := c.PodOwnedByJob(context.Background(), "job-cold-1")
	if err == nil {
		t.Fatal("expected an error when no pod exists for the job")
	}
}

func TestPodOwnedByJobFindsMatch(t *testing.T) {
	c, clientset := newTestClient()
	ctx := context.Background()

	_, err := clientset.CoreV1().Pods("default").Create(ctx, &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "job-cold-1-abcde", Labels: map[string]string{"job-name": "job-cold-1"}},
	}, metav1.CreateOptions{})
	if err != nil {
		t.Fatalf("setup error: %v", err)
	}

	pod, err := c.PodOwnedByJob(ctx, "job-cold-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pod.Name != "job-cold-1-abcde" {
		t.Errorf("got pod name %q", pod.Name)
	}
}
