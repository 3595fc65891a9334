package cluster

// Label keys applied to every pod and job the orchestrator creates, so
// that a restart can reconcile the in-process pool registry against
// reality by listing on these labels alone.
const (
	LabelManagedBy = "app.kubernetes.io/managed-by"
	LabelLanguage  = "orchestrator.scoutflo.io/language"
	LabelRole      = "orchestrator.scoutflo.io/role"

	ManagedByValue = "code-orchestrator"

	RolePool = "pool"
	RoleJob  = "job"
)

// SelectorForManaged returns the label selector identifying every
// resource this orchestrator instance owns, regardless of language or
// role.
func SelectorForManaged() string {
	return LabelManagedBy + "=" + ManagedByValue
}

// SelectorForLanguage narrows SelectorForManaged to a single language's
// pool pods.
func SelectorForLanguage(language string) string {
	return SelectorForManaged() + "," + LabelLanguage + "=" + language + "," + LabelRole + "=" + RolePool
}

// LabelsFor builds the full label set for a pod or job of the given
// language and role.
func LabelsFor(language, role string) map[string]string {
	return map[string]string{
		LabelManagedBy: ManagedByValue,
		LabelLanguage:  language,
		LabelRole:      role,
	}
}
