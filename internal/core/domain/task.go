package domain

// GroupKey identifies which summary row a result contributes to.
// All fields participate in the key; the string form is stable and
// usable as a map key or file-safe identifier.
type GroupKey struct {
	Model      string `json:"model"      yaml:"model"`
	Variant    string `json:"variant"    yaml:"variant"`
	Difficulty string `json:"difficulty" yaml:"difficulty"`
	TaskType   string `json:"task_type"  yaml:"task_type"`
}

// String returns the canonical encoding of the key.
func (k GroupKey) String() string {
	return k.Model + "/" + k.Variant + "/" + k.Difficulty + "/" + k.TaskType
}

// AffinityKey returns the prefix used to keep related tasks on the same
// shard. Tasks sharing a model and variant tend to hit the same endpoint
// caches, so they are scheduled together.
func (k GroupKey) AffinityKey() string {
	return k.Model + "/" + k.Variant
}

// Task is an immutable trial descriptor. The payload is opaque to the
// harness; only the identity and grouping fields are interpreted.
type Task struct {
	ID        string   `json:"id"`
	GroupKey  GroupKey `json:"group_key"`
	Payload   string   `json:"payload,omitempty"`
	RetryHint int      `json:"retry_hint,omitempty"` // 0 = use the run default
}

// Lane is a rate-limited channel to one external credential/endpoint.
// Lanes are configured statically before a run; the limiter state for a
// lane is shared across every process using it.
type Lane struct {
	ID             string `json:"id"              yaml:"id"`
	CredentialRef  string `json:"credential_ref"  yaml:"credential_ref"`
	QPSBudget      int    `json:"qps_budget"      yaml:"qps_budget"`
	MaxConcurrency int    `json:"max_concurrency" yaml:"max_concurrency"`
}
