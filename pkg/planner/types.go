package planner

type Action string

const (
	ActionUpload Action = "upload"
	ActionSkip   Action = "skip"
	ActionDelete Action = "delete"
)

type Reason string

const (
	ReasonNew       Reason = "new"
	ReasonChanged   Reason = "changed"
	ReasonUnchanged Reason = "unchanged"
	ReasonOrphan    Reason = "orphan"
)

// Item is one planned operation. Delete items have no AbsPath and carry
// the remote size and fingerprint.
type Item struct {
	RelPath     string `json:"rel_path"`
	Key         string `json:"key"`
	AbsPath     string `json:"abs_path,omitempty"`
	Size        int64  `json:"size"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Action      Action `json:"action"`
	Reason      Reason `json:"reason"`
}

type Options struct {
	DeleteOrphans bool
	// Excludes keeps matching remote keys from being deleted as orphans.
	Excludes []string
	// Includes re-admit keys the excludes matched.
	Includes []string
	// Protected keeps keys (e.g. control objects) out of the plan.
	Protected func(key string) bool
}

type Summary struct {
	Upload      int   `json:"upload"`
	New         int   `json:"new"`
	Changed     int   `json:"changed"`
	Skip        int   `json:"skip"`
	Delete      int   `json:"delete"`
	Degraded    int   `json:"degraded"`
	UploadBytes int64 `json:"upload_bytes"`
}
