// Package config loads and validates the orchestrator's configuration
// from environment variables and flags, using viper exactly the way the
// CLI entrypoint binds its own flags.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/scoutflo/code-orchestrator/pkg/apierrors"
)

// KVMode selects the deployment topology of the backing KV store.
type KVMode string

const (
	KVModeStandalone KVMode = "standalone"
	KVModeSharded    KVMode = "sharded"
	KVModeReplicated KVMode = "replicated"
)

// ExecutionMode selects how a pod's main container is given code to run.
type ExecutionMode string

const (
	ExecutionModeAgent  ExecutionMode = "agent"
	ExecutionModeLegacy ExecutionMode = "legacy"
)

// KVConfig configures pkg/kv's client facade. Mode-specific fields are
// ignored for the modes that don't use them.
type KVConfig struct {
	Mode KVMode

	// Standalone
	Addr string

	// Sharded: bootstrap seed endpoints.
	ClusterNodes []string

	// Replicated-HA: supervisor endpoints plus the primary's name.
	SentinelNodes    []string
	SentinelMaster   string
	SentinelPassword string

	Password string
	DB       int

	NamespacePrefix string

	MaxConnections       int
	SocketTimeout        time.Duration
	SocketConnectTimeout time.Duration

	TLSEnabled       bool
	TLSCertFile      string
	TLSKeyFile       string
	TLSCACertFile    string
	TLSInsecure      bool
	// TLSCheckHostname defaults off: managed KV services (and their
	// sentinel/cluster announce addresses) commonly hand back node IPs
	// that don't match the certificate's CN/SAN.
	TLSCheckHostname bool
}

// ObjectStoreConfig configures pkg/objectstore.
type ObjectStoreConfig struct {
	Endpoint   string
	AccessKey  string
	SecretKey  string
	Bucket     string
	UseSSL     bool
	PresignTTL time.Duration
}

// ClusterConfig configures pkg/cluster's connection to the Kubernetes API.
type ClusterConfig struct {
	Namespace      string
	KubeconfigPath string
}

// PodDefaults configures pkg/podlifecycle's pod spec construction,
// shared across all languages.
type PodDefaults struct {
	ServiceAccount    string
	ImageRegistry     string
	ImageTag          string
	SidecarImage      string
	RuntimeClassName  string
	GKESandboxEnabled bool
	SeccompProfile    string
	NodeSelector      map[string]string
	ImagePullSecrets  []string
	ExecutionMode     ExecutionMode

	MainCPURequest    string
	MainCPULimit      string
	MainMemoryRequest string
	MainMemoryLimit   string

	SidecarCPURequest    string
	SidecarCPULimit      string
	SidecarMemoryRequest string
	SidecarMemoryLimit   string

	PodCreationTimeout time.Duration
	TerminationGrace   time.Duration
}

// LanguageConfig is the per-language pool and execution profile.
type LanguageConfig struct {
	Language         string
	PoolSize         int
	ExecutionTimeout time.Duration
	Stateful         bool
	ReuseExecutions  int
	ReuseDuration    time.Duration
	TimeoutExitCode  int
}

// JobDefaults configures the cold-path, one-shot Job fallback for
// languages with no configured pool.
type JobDefaults struct {
	BackoffLimit            int32
	TTLSecondsAfterFinished int32
	ActiveDeadlineSeconds   int64
}

// PoolIntervals configures the warm pod pool's background sweeps.
type PoolIntervals struct {
	ReplenishInterval      time.Duration
	HealthInterval         time.Duration
	HealthFailureThreshold int
	AcquireDeadline        time.Duration
}

// StateConfig configures pkg/state's size cap and archival sweep.
type StateConfig struct {
	SizeCapBytes         int64
	ArchivalInterval     time.Duration
	ArchivalNearExpiry   time.Duration
}

// ResourceCaps configures hard caps enforced across the orchestrator.
type ResourceCaps struct {
	TotalPodCeiling int
}

// Config is the orchestrator's fully resolved configuration.
type Config struct {
	KV           KVConfig
	ObjectStore  ObjectStoreConfig
	Cluster      ClusterConfig
	PodDefaults  PodDefaults
	Languages    map[string]LanguageConfig
	Job          JobDefaults
	Pool         PoolIntervals
	State        StateConfig
	Resources    ResourceCaps
	LogLevel     int
	MetricsAddr  string
	HealthAddr   string
}

// Load resolves configuration from viper, which must already have its
// environment binding and defaults set up by the caller (see
// cmd/orchestrator).
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		KV: KVConfig{
			Mode:                 KVMode(v.GetString("kv.mode")),
			Addr:                 v.GetString("kv.addr"),
			ClusterNodes:         emptyNodesToNil(v.GetStringSlice("kv.cluster_nodes")),
			SentinelNodes:        emptyNodesToNil(v.GetStringSlice("kv.sentinel_nodes")),
			SentinelMaster:       v.GetString("kv.sentinel_master"),
			SentinelPassword:     emptyStringToNil(v.GetString("kv.sentinel_password")),
			Password:             emptyStringToNil(v.GetString("kv.password")),
			DB:                   v.GetInt("kv.db"),
			NamespacePrefix:      v.GetString("kv.namespace_prefix"),
			MaxConnections:       v.GetInt("kv.max_connections"),
			SocketTimeout:        v.GetDuration("kv.socket_timeout"),
			SocketConnectTimeout: v.GetDuration("kv.socket_connect_timeout"),
			TLSEnabled:           v.GetBool("kv.tls_enabled"),
			TLSCertFile:          v.GetString("kv.tls_cert_file"),
			TLSKeyFile:           v.GetString("kv.tls_key_file"),
			TLSCACertFile:        v.GetString("kv.tls_ca_cert_file"),
			TLSInsecure:          v.GetBool("kv.tls_insecure"),
			TLSCheckHostname:     v.GetBool("kv.tls_check_hostname"),
		},
		ObjectStore: ObjectStoreConfig{
			Endpoint:   v.GetString("objectstore.endpoint"),
			AccessKey:  v.GetString("objectstore.access_key"),
			SecretKey:  v.GetString("objectstore.secret_key"),
			Bucket:     v.GetString("objectstore.bucket"),
			UseSSL:     v.GetBool("objectstore.use_ssl"),
			PresignTTL: v.GetDuration("objectstore.presign_ttl"),
		},
		Cluster: ClusterConfig{
			Namespace:      v.GetString("cluster.namespace"),
			KubeconfigPath: v.GetString("cluster.kubeconfig"),
		},
		PodDefaults: PodDefaults{
			ServiceAccount:       v.GetString("pod.service_account"),
			ImageRegistry:        v.GetString("pod.image_registry"),
			ImageTag:             v.GetString("pod.image_tag"),
			SidecarImage:         v.GetString("pod.sidecar_image"),
			RuntimeClassName:     v.GetString("pod.runtime_class_name"),
			GKESandboxEnabled:    v.GetBool("pod.gke_sandbox_enabled"),
			SeccompProfile:       v.GetString("pod.seccomp_profile"),
			ImagePullSecrets:     v.GetStringSlice("pod.image_pull_secrets"),
			ExecutionMode:        ExecutionMode(v.GetString("pod.execution_mode")),
			MainCPURequest:       v.GetString("pod.main_cpu_request"),
			MainCPULimit:         v.GetString("pod.main_cpu_limit"),
			MainMemoryRequest:    v.GetString("pod.main_memory_request"),
			MainMemoryLimit:      v.GetString("pod.main_memory_limit"),
			SidecarCPURequest:    v.GetString("pod.sidecar_cpu_request"),
			SidecarCPULimit:      v.GetString("pod.sidecar_cpu_limit"),
			SidecarMemoryRequest: v.GetString("pod.sidecar_memory_request"),
			SidecarMemoryLimit:   v.GetString("pod.sidecar_memory_limit"),
			PodCreationTimeout:   v.GetDuration("pod.creation_timeout"),
			TerminationGrace:     v.GetDuration("pod.termination_grace"),
		},
		Job: JobDefaults{
			BackoffLimit:            int32(v.GetInt("job.backoff_limit")),
			TTLSecondsAfterFinished: int32(v.GetInt("job.ttl_seconds_after_finished")),
			ActiveDeadlineSeconds:   v.GetInt64("job.active_deadline_seconds"),
		},
		Pool: PoolIntervals{
			ReplenishInterval:      v.GetDuration("pool.replenish_interval"),
			HealthInterval:         v.GetDuration("pool.health_interval"),
			HealthFailureThreshold: v.GetInt("pool.health_failure_threshold"),
			AcquireDeadline:        v.GetDuration("pool.acquire_deadline"),
		},
		State: StateConfig{
			SizeCapBytes:       v.GetInt64("state.size_cap_bytes"),
			ArchivalInterval:   v.GetDuration("state.archival_interval"),
			ArchivalNearExpiry: v.GetDuration("state.archival_near_expiry"),
		},
		Resources: ResourceCaps{
			TotalPodCeiling: v.GetInt("resources.total_pod_ceiling"),
		},
		LogLevel:    v.GetInt("log_level"),
		MetricsAddr: v.GetString("metrics_addr"),
		HealthAddr:  v.GetString("health_addr"),
	}

	cfg.Languages = make(map[string]LanguageConfig)
	for _, lang := range v.GetStringSlice("languages.enabled") {
		prefix := "languages." + lang + "."
		cfg.Languages[lang] = LanguageConfig{
			Language:         lang,
			PoolSize:         v.GetInt(prefix + "pool_size"),
			ExecutionTimeout: v.GetDuration(prefix + "execution_timeout"),
			Stateful:         v.GetBool(prefix + "stateful"),
			ReuseExecutions:  v.GetInt(prefix + "reuse_executions"),
			ReuseDuration:    v.GetDuration(prefix + "reuse_duration"),
			TimeoutExitCode:  v.GetInt(prefix + "timeout_exit_code"),
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for actionable errors, mirroring the
// fail-fast-at-startup-with-a-clear-message shape of a dedicated config
// validator rather than letting misconfiguration surface later as an
// opaque connection failure.
func (c *Config) Validate() error {
	switch c.KV.Mode {
	case KVModeStandalone:
		if c.KV.Addr == "" {
			return apierrors.ConfigurationError("config", "validate kv", fmt.Errorf("kv.addr is required in standalone mode"))
		}
	case KVModeSharded:
		if len(c.KV.ClusterNodes) == 0 {
			return apierrors.ConfigurationError("config", "validate kv", fmt.Errorf("kv.cluster_nodes is required in sharded mode"))
		}
	case KVModeReplicated:
		if len(c.KV.SentinelNodes) == 0 || c.KV.SentinelMaster == "" {
			return apierrors.ConfigurationError("config", "validate kv", fmt.Errorf("kv.sentinel_nodes and kv.sentinel_master are required in replicated mode"))
		}
	default:
		return apierrors.ConfigurationError("config", "validate kv", fmt.Errorf("unknown kv.mode %q, want one of standalone/sharded/replicated", c.KV.Mode))
	}
	if c.KV.TLSEnabled && (c.KV.TLSCertFile == "") != (c.KV.TLSKeyFile == "") {
		return apierrors.ConfigurationError("config", "validate kv", fmt.Errorf("kv.tls_cert_file and kv.tls_key_file must be set together"))
	}

	if c.ObjectStore.Endpoint == "" || c.ObjectStore.Bucket == "" {
		return apierrors.ConfigurationError("config", "validate objectstore", fmt.Errorf("objectstore.endpoint and objectstore.bucket are required"))
	}

	if c.Cluster.Namespace == "" {
		return apierrors.ConfigurationError("config", "validate cluster", fmt.Errorf("cluster.namespace is required"))
	}

	if c.PodDefaults.ExecutionMode != ExecutionModeAgent && c.PodDefaults.ExecutionMode != ExecutionModeLegacy {
		return apierrors.ConfigurationError("config", "validate pod defaults", fmt.Errorf("pod.execution_mode must be %q or %q, got %q", ExecutionModeAgent, ExecutionModeLegacy, c.PodDefaults.ExecutionMode))
	}
	if c.PodDefaults.ExecutionMode == ExecutionModeLegacy && c.PodDefaults.GKESandboxEnabled {
		return apierrors.ConfigurationError("config", "validate pod defaults", fmt.Errorf("legacy execution mode is incompatible with a sandboxed runtime"))
	}

	if c.State.SizeCapBytes <= 0 {
		return apierrors.ConfigurationError("config", "validate state", fmt.Errorf("state.size_cap_bytes must be positive"))
	}

	if len(c.Languages) == 0 {
		return apierrors.ConfigurationError("config", "validate languages", fmt.Errorf("at least one language must be enabled"))
	}
	for name, lang := range c.Languages {
		if lang.PoolSize < 0 {
			return apierrors.ConfigurationError("config", "validate languages", fmt.Errorf("language %q: pool_size must be >= 0", name))
		}
		if lang.ExecutionTimeout <= 0 {
			return apierrors.ConfigurationError("config", "validate languages", fmt.Errorf("language %q: execution_timeout must be positive", name))
		}
	}

	return nil
}

// ImageForLanguage resolves the main-container image for a language using
// the {registry}-{name}:{tag} convention.
func (c *Config) ImageForLanguage(language string) string {
	return fmt.Sprintf("%s-%s:%s", c.PodDefaults.ImageRegistry, imageNameForLanguage(language), c.PodDefaults.ImageTag)
}

func imageNameForLanguage(language string) string {
	switch strings.ToLower(language) {
	case "py", "python":
		return "python-runtime"
	case "js", "javascript", "node", "nodejs":
		return "node-runtime"
	case "ts", "typescript":
		return "typescript-runtime"
	case "go", "golang":
		return "go-runtime"
	case "r":
		return "r-runtime"
	case "sh", "bash", "shell":
		return "shell-runtime"
	default:
		return strings.ToLower(language) + "-runtime"
	}
}

// emptyStringToNil treats an empty string as unset. Config templating
// (Helm values, Kubernetes ConfigMaps) routinely injects "" for an
// intentionally-absent secret, which must not be sent to the KV store
// as a literal empty-string password.
func emptyStringToNil(s string) string {
	return strings.TrimSpace(s)
}

// emptyNodesToNil drops blank entries from a node list, returning nil if
// nothing remains. Helm's default for an unset node list is frequently a
// single empty string rather than an absent key.
func emptyNodesToNil(nodes []string) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		out = append(out, sanitizeHost(n))
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// sanitizeHost strips a redis://, rediss://, or plain scheme prefix some
// config sources include on node addresses.
func sanitizeHost(host string) string {
	for _, prefix := range []string{"rediss://", "redis://"} {
		if strings.HasPrefix(host, prefix) {
			return strings.TrimPrefix(host, prefix)
		}
	}
	return host
}
