package podlifecycle

import (
	"testing"

	corev1 "k8s.io/api/core/v1"

	"github.com/scoutflo/code-orchestrator/internal/config"
)

func TestPodNameFormat(t *testing.T) {
	if got := PodName("py", 7); got != "exec-py-7" {
		t.Errorf("got %q, want exec-py-7", got)
	}
}

func TestBuildPodSpecAgentModeSetsExecutorCommand(t *testing.T) {
	defaults := config.PodDefaults{ExecutionMode: config.ExecutionModeAgent, SidecarImage: "sidecar:v1"}
	pod := BuildPodSpec("exec-py-1", "py", defaults, config.LanguageConfig{}, "python-runtime:v1")

	if len(pod.Spec.InitContainers) != 1 {
		t.Fatalf("expected one init container in agent mode, got %d", len(pod.Spec.InitContainers))
	}
	if len(pod.Spec.Containers) != 2 {
		t.Fatalf("expected main + sidecar containers, got %d", len(pod.Spec.Containers))
	}
	main := pod.Spec.Containers[0]
	if len(main.Command) == 0 || main.Command[0] != executorMountPath+"/executor" {
		t.Errorf("got main command %v", main.Command)
	}
	sidecar := pod.Spec.Containers[1]
	if sidecar.SecurityContext == nil || sidecar.SecurityContext.Capabilities == nil || len(sidecar.SecurityContext.Capabilities.Add) != 0 {
		t.Errorf("expected sidecar to drop all capabilities in agent mode, got %+v", sidecar.SecurityContext)
	}
}

func TestBuildPodSpecLegacyModeGrantsSidecarCapabilities(t *testing.T) {
	defaults := config.PodDefaults{ExecutionMode: config.ExecutionModeLegacy, SidecarImage: "sidecar:v1"}
	pod := BuildPodSpec("exec-py-1", "py", defaults, config.LanguageConfig{}, "python-runtime:v1")

	if len(pod.Spec.InitContainers) != 0 {
		t.Errorf("expected no init container in legacy mode, got %d", len(pod.Spec.InitContainers))
	}
	sidecar := pod.Spec.Containers[1]
	if sidecar.SecurityContext == nil || sidecar.SecurityContext.Capabilities == nil {
		t.Fatal("expected sidecar security context with capabilities")
	}
	want := map[corev1.Capability]bool{"SYS_PTRACE": true, "SYS_ADMIN": true, "SYS_CHROOT": true}
	if len(sidecar.SecurityContext.Capabilities.Add) != len(want) {
		t.Errorf("got capabilities %v", sidecar.SecurityContext.Capabilities.Add)
	}
	for _, cap := range sidecar.SecurityContext.Capabilities.Add {
		if !want[cap] {
			t.Errorf("unexpected capability %v", cap)
		}
	}
}

func TestBuildPodSpecSetsManagedLabels(t *testing.T) {
	pod := BuildPodSpec("exec-py-1", "py", config.PodDefaults{}, config.LanguageConfig{}, "python-runtime:v1")
	if pod.Labels["app.kubernetes.io/managed-by"] != "code-orchestrator" {
		t.Errorf("got labels %v", pod.Labels)
	}
	if pod.Labels["orchestrator.scoutflo.io/language"] != "py" {
		t.Errorf("got labels %v", pod.Labels)
	}
}

func TestBuildPodSpecSetsRuntimeClassWhenSandboxEnabled(t *testing.T) {
	defaults := config.PodDefaults{GKESandboxEnabled: true, RuntimeClassName: "gvisor"}
	pod := BuildPodSpec("exec-py-1", "py", defaults, config.LanguageConfig{}, "python-runtime:v1")
	if pod.Spec.RuntimeClassName == nil || *pod.Spec.RuntimeClassName != "gvisor" {
		t.Errorf("got runtime class %v", pod.Spec.RuntimeClassName)
	}
}

func TestResourceRequirementsOnlySetsProvidedFields(t *testing.T) {
	reqs := resourceRequirements("500m", "", "256Mi", "")
	if _, ok := reqs.Requests[corev1.ResourceCPU]; !ok {
		t.Error("expected cpu request to be set")
	}
	if _, ok := reqs.Limits[corev1.ResourceCPU]; ok {
		t.Error("expected cpu limit to be unset")
	}
	if _, ok := reqs.Requests[corev1.ResourceMemory]; !ok {
		t.Error("expected memory request to be set")
	}
}

func TestBuildJobSpecUsesJobDefaults(t *testing.T) {
	jobDefaults := config.JobDefaults{BackoffLimit: 0, TTLSecondsAfterFinished: 300, ActiveDeadlineSeconds: 600}
	job := BuildJobSpec("job-cold-1", "cold", config.PodDefaults{}, config.LanguageConfig{}, "cold-runtime:v1", jobDefaults)

	if job.Spec.BackoffLimit == nil || *job.Spec.BackoffLimit != 0 {
		t.Errorf("got backoff limit %v", job.Spec.BackoffLimit)
	}
	if job.Spec.TTLSecondsAfterFinished == nil || *job.Spec.TTLSecondsAfterFinished != 300 {
		t.Errorf("got ttl %v", job.Spec.TTLSecondsAfterFinished)
	}
	if job.Spec.ActiveDeadlineSeconds == nil || *job.Spec.ActiveDeadlineSeconds != 600 {
		t.Errorf("got active deadline %v", job.Spec.ActiveDeadlineSeconds)
	}
	if job.Spec.Template.Spec.RestartPolicy != corev1.RestartPolicyNever {
		t.Errorf("got restart policy %v", job.Spec.Template.Spec.RestartPolicy)
	}
	if job.Labels["orchestrator.scoutflo.io/role"] != "job" {
		t.Errorf("got labels %v", job.Labels)
	}
}
