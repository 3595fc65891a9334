package podlifecycle

import (
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/scoutflo/code-orchestrator/internal/config"
	"github.com/scoutflo/code-orchestrator/pkg/cluster"
)

// BuildJobSpec wraps BuildPodSpec's pod template in a one-shot Job for a
// language with no configured pool. backoff_limit comes from
// jobDefaults and defaults to zero: a failed execution pod is a
// completed (if unsuccessful) execution, not a candidate for
// Kubernetes-level retry, which would silently re-run arbitrary user
// code.
func BuildJobSpec(name, language string, defaults config.PodDefaults, lang config.LanguageConfig, mainImage string, jobDefaults config.JobDefaults) *batchv1.Job {
	podTemplate := BuildPodSpec(name, language, defaults, lang, mainImage)
	podTemplate.Spec.RestartPolicy = corev1.RestartPolicyNever

	backoffLimit := jobDefaults.BackoffLimit
	ttl := jobDefaults.TTLSecondsAfterFinished
	deadline := jobDefaults.ActiveDeadlineSeconds

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: cluster.LabelsFor(language, cluster.RoleJob),
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            &backoffLimit,
			TTLSecondsAfterFinished: &ttl,
			ActiveDeadlineSeconds:   &deadline,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: cluster.LabelsFor(language, cluster.RoleJob)},
				Spec:       podTemplate.Spec,
			},
		},
	}
}
