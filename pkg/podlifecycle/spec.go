package podlifecycle

import (
	"fmt"

	corev1 "k8s.io/api/core/v1"
	resource "k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/scoutflo/code-orchestrator/internal/config"
	"github.com/scoutflo/code-orchestrator/pkg/cluster"
)

const (
	executorVolumeName = "executor-bin"
	executorMountPath  = "/opt/executor"
	dataVolumeName     = "workdir"
	dataMountPath      = "/mnt/data"
)

// BuildPodSpec constructs a pool pod for language, named name. Agent
// mode (the default) runs an init container that copies a small
// executor binary from the sidecar image into a shared volume; the main
// container's entrypoint is that binary, and both containers drop all
// capabilities and run as non-root — this is the only mode compatible
// with a sandboxed runtime class. Legacy mode instead gives the sidecar
// three elevated capabilities so it can enter the main container's
// mount namespace directly; it is incompatible with sandboxed runtimes.
func BuildPodSpec(name string, language string, defaults config.PodDefaults, lang config.LanguageConfig, mainImage string) *corev1.Pod {
	nonRoot := true
	runAsUser := int64(1000)

	mainContainer := corev1.Container{
		Name:  "main",
		Image: mainImage,
		Resources: resourceRequirements(defaults.MainCPURequest, defaults.MainCPULimit, defaults.MainMemoryRequest, defaults.MainMemoryLimit),
		SecurityContext: &corev1.SecurityContext{
			RunAsNonRoot: &nonRoot,
			RunAsUser:    &runAsUser,
			Capabilities: &corev1.Capabilities{Drop: []corev1.Capability{"ALL"}},
		},
		VolumeMounts: []corev1.VolumeMount{
			{Name: dataVolumeName, MountPath: dataMountPath},
		},
	}

	sidecarContainer := corev1.Container{
		Name:  "sidecar",
		Image: defaults.SidecarImage,
		Ports: []corev1.ContainerPort{{ContainerPort: int32(defaultSidecarPort), Name: "sidecar"}},
		Resources: resourceRequirements(defaults.SidecarCPURequest, defaults.SidecarCPULimit, defaults.SidecarMemoryRequest, defaults.SidecarMemoryLimit),
		VolumeMounts: []corev1.VolumeMount{
			{Name: dataVolumeName, MountPath: dataMountPath},
		},
	}

	volumes := []corev1.Volume{
		{Name: dataVolumeName, VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}}},
	}

	var initContainers []corev1.Container
	if defaults.ExecutionMode == config.ExecutionModeAgent {
		mainContainer.Command = []string{executorMountPath + "/executor"}
		mainContainer.VolumeMounts = append(mainContainer.VolumeMounts, corev1.VolumeMount{Name: executorVolumeName, MountPath: executorMountPath})
		sidecarContainer.SecurityContext = &corev1.SecurityContext{
			RunAsNonRoot: &nonRoot,
			RunAsUser:    &runAsUser,
			Capabilities: &corev1.Capabilities{Drop: []corev1.Capability{"ALL"}},
		}
		initContainers = []corev1.Container{
			{
				Name:         "install-executor",
				Image:        defaults.SidecarImage,
				Command:      []string{"cp", "/usr/local/bin/executor", executorMountPath + "/executor"},
				VolumeMounts: []corev1.VolumeMount{{Name: executorVolumeName, MountPath: executorMountPath}},
			},
		}
		volumes = append(volumes, corev1.Volume{Name: executorVolumeName, VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}}})
	} else {
		sidecarContainer.SecurityContext = &corev1.SecurityContext{
			Capabilities: &corev1.Capabilities{
				Add: []corev1.Capability{"SYS_PTRACE", "SYS_ADMIN", "SYS_CHROOT"},
			},
		}
	}

	if defaults.SeccompProfile != "" {
		profile := &corev1.SeccompProfile{Type: corev1.SeccompProfileTypeLocalhost, LocalhostProfile: &defaults.SeccompProfile}
		mainContainer.SecurityContext.SeccompProfile = profile
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: cluster.LabelsFor(language, cluster.RolePool),
		},
		Spec: corev1.PodSpec{
			ServiceAccountName: defaults.ServiceAccount,
			RestartPolicy:      corev1.RestartPolicyNever,
			InitContainers:     initContainers,
			Containers:         []corev1.Container{mainContainer, sidecarContainer},
			Volumes:            volumes,
			NodeSelector:       defaults.NodeSelector,
		},
	}

	if defaults.GKESandboxEnabled {
		pod.Spec.RuntimeClassName = &defaults.RuntimeClassName
	}
	for _, secret := range defaults.ImagePullSecrets {
		pod.Spec.ImagePullSecrets = append(pod.Spec.ImagePullSecrets, corev1.LocalObjectReference{Name: secret})
	}

	return pod
}

func resourceRequirements(cpuReq, cpuLim, memReq, memLim string) corev1.ResourceRequirements {
	requests := corev1.ResourceList{}
	limits := corev1.ResourceList{}
	if cpuReq != "" {
		requests[corev1.ResourceCPU] = resource.MustParse(cpuReq)
	}
	if memReq != "" {
		requests[corev1.ResourceMemory] = resource.MustParse(memReq)
	}
	if cpuLim != "" {
		limits[corev1.ResourceCPU] = resource.MustParse(cpuLim)
	}
	if memLim != "" {
		limits[corev1.ResourceMemory] = resource.MustParse(memLim)
	}
	return corev1.ResourceRequirements{Requests: requests, Limits: limits}
}

// PodName generates a unique, label-bearing name for a new pool pod.
func PodName(language string, serial int64) string {
	return fmt.Sprintf("exec-%s-%d", language, serial)
}
