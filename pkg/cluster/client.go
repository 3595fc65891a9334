// Package cluster is a thin typed facade over the cluster's object API:
// pod and job create/delete/get/list/watch, scoped to the orchestrator's
// own labels. It never needs kubectl exec or port-forward: the runner
// reaches each pod's sidecar directly over the pod network via pkg/sidecar.
package cluster

import (
	"context"
	"fmt"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrs "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/klog/v2"

	"github.com/scoutflo/code-orchestrator/internal/config"
	"github.com/scoutflo/code-orchestrator/pkg/apierrors"
)

// Client wraps a client-go Clientset scoped to a single namespace.
type Client struct {
	clientset kubernetes.Interface
	namespace string
}

// New resolves a rest.Config using in-cluster credentials when
// available, falling back to the supplied kubeconfig path.
func New(cfg config.ClusterConfig) (*Client, error) {
	restConfig, err := resolveConfig(cfg.KubeconfigPath)
	if err != nil {
		return nil, apierrors.ConfigurationError("cluster", "resolve kube config", err)
	}
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, apierrors.ConfigurationError("cluster", "build clientset", err)
	}
	return &Client{clientset: clientset, namespace: cfg.Namespace}, nil
}

// NewWithClientset is used by tests to inject a fake clientset.
func NewWithClientset(clientset kubernetes.Interface, namespace string) *Client {
	return &Client{clientset: clientset, namespace: namespace}
}

func resolveConfig(kubeconfigPath string) (*rest.Config, error) {
	if cfg, err := rest.InClusterConfig(); err == nil {
		klog.V(0).Infof("cluster: using in-cluster credentials")
		return cfg, nil
	}
	klog.V(0).Infof("cluster: no in-cluster credentials found, falling back to kubeconfig %q", kubeconfigPath)
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	if kubeconfigPath != "" {
		loadingRules.ExplicitPath = kubeconfigPath
	}
	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, &clientcmd.ConfigOverrides{}).ClientConfig()
}

// CreatePod creates spec in the orchestrator's namespace.
func (c *Client) CreatePod(ctx context.Context, spec *corev1.Pod) (*corev1.Pod, error) {
	pod, err := c.clientset.CoreV1().Pods(c.namespace).Create(ctx, spec, metav1.CreateOptions{})
	if err != nil {
		return nil, apierrors.FailedToWithDetails(apierrors.Unavailable, "cluster", "create pod", spec.Name, err)
	}
	return pod, nil
}

// DeletePod deletes name with the given grace period.
func (c *Client) DeletePod(ctx context.Context, name string, grace time.Duration) error {
	graceSeconds := int64(grace.Seconds())
	err := c.clientset.CoreV1().Pods(c.namespace).Delete(ctx, name, metav1.DeleteOptions{
		GracePeriodSeconds: &graceSeconds,
	})
	if err != nil {
		if apierrs.IsNotFound(err) {
			return nil
		}
		return apierrors.FailedToWithDetails(apierrors.Unavailable, "cluster", "delete pod", name, err)
	}
	return nil
}

// GetPod returns the current state of the named pod.
func (c *Client) GetPod(ctx context.Context, name string) (*corev1.Pod, error) {
	pod, err := c.clientset.CoreV1().Pods(c.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrs.IsNotFound(err) {
			return nil, apierrors.FailedToWithDetails(apierrors.NotFound, "cluster", "get pod", name, err)
		}
		return nil, apierrors.FailedToWithDetails(apierrors.Unavailable, "cluster", "get pod", name, err)
	}
	return pod, nil
}

// ListPods returns every pod matching labelSelector.
func (c *Client) ListPods(ctx context.Context, labelSelector string) ([]corev1.Pod, error) {
	list, err := c.clientset.CoreV1().Pods(c.namespace).List(ctx, metav1.ListOptions{LabelSelector: labelSelector})
	if err != nil {
		return nil, apierrors.FailedToWithDetails(apierrors.Unavailable, "cluster", "list pods", labelSelector, err)
	}
	return list.Items, nil
}

// WatchPods watches pod events filtered to labelSelector, typically
// SelectorForManaged(). The pool does not use it: its restart
// reconciliation lists pods through ListPods instead.
func (c *Client) WatchPods(ctx context.Context, labelSelector string) (watch.Interface, error) {
	w, err := c.clientset.CoreV1().Pods(c.namespace).Watch(ctx, metav1.ListOptions{LabelSelector: labelSelector})
	if err != nil {
		return nil, apierrors.FailedToWithDetails(apierrors.Unavailable, "cluster", "watch pods", labelSelector, err)
	}
	return w, nil
}

// WaitForPodReady polls until pod reaches Running phase or timeout
// elapses, in the same style as a one-shot connectivity probe: short
// sleeps between Get calls rather than a long-lived watch, since this
// is only used for pod creation which completes in single-digit seconds.
func (c *Client) WaitForPodReady(ctx context.Context, name string, timeout time.Duration) (*corev1.Pod, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil, apierrors.TimeoutError("cluster", "wait for pod ready", fmt.Errorf("pod %s did not reach Running within %s", name, timeout))
		default:
		}

		pod, err := c.GetPod(ctx, name)
		if err != nil {
			return nil, err
		}
		switch pod.Status.Phase {
		case corev1.PodRunning:
			return pod, nil
		case corev1.PodFailed, corev1.PodSucceeded:
			return nil, apierrors.FailedToWithDetails(apierrors.Internal, "cluster", "wait for pod ready", name, fmt.Errorf("pod reached terminal phase %s before becoming ready", pod.Status.Phase))
		}
		time.Sleep(500 * time.Millisecond)
	}
}

// CreateJob creates a one-shot Job for languages with no configured pool.
func (c *Client) CreateJob(ctx context.Context, job *batchv1.Job) (*batchv1.Job, error) {
	created, err := c.clientset.BatchV1().Jobs(c.namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		return nil, apierrors.FailedToWithDetails(apierrors.Unavailable, "cluster", "create job", job.Name, err)
	}
	return created, nil
}

// DeleteJob deletes name, cascading to its pods.
func (c *Client) DeleteJob(ctx context.Context, name string) error {
	policy := metav1.DeletePropagationForeground
	err := c.clientset.BatchV1().Jobs(c.namespace).Delete(ctx, name, metav1.DeleteOptions{PropagationPolicy: &policy})
	if err != nil {
		if apierrs.IsNotFound(err) {
			return nil
		}
		return apierrors.FailedToWithDetails(apierrors.Unavailable, "cluster", "delete job", name, err)
	}
	return nil
}

// GetJobStatus returns the current status of the named job.
func (c *Client) GetJobStatus(ctx context.Context, name string) (*batchv1.JobStatus, error) {
	job, err := c.clientset.BatchV1().Jobs(c.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrs.IsNotFound(err) {
			return nil, apierrors.FailedToWithDetails(apierrors.NotFound, "cluster", "get job status", name, err)
		}
		return nil, apierrors.FailedToWithDetails(apierrors.Unavailable, "cluster", "get job status", name, err)
	}
	return &job.Status, nil
}

// PodOwnedByJob finds the pod created for job, used to bind a Job to its
// pod handle before waiting for sidecar readiness.
func (c *Client) PodOwnedByJob(ctx context.Context, jobName string) (*corev1.Pod, error) {
	pods, err := c.ListPods(ctx, fmt.Sprintf("job-name=%s", jobName))
	if err != nil {
		return nil, err
	}
	if len(pods) == 0 {
		return nil, apierrors.FailedToWithDetails(apierrors.NotFound, "cluster", "find job pod", jobName, fmt.Errorf("no pod found for job"))
	}
	return &pods[0], nil
}
